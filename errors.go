package idxguard

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrAlreadyStarted is returned by Start when the background loops run.
	ErrAlreadyStarted = errors.New("keeper already started")

	// ErrClosed is returned when operating on a closed Keeper.
	ErrClosed = errors.New("keeper closed")
)

// ConfigError identifies the Config field that failed validation.
//
// It matches ErrInvalidConfig via errors.Is.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }
