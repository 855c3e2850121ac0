package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hupe1980/idxguard"
	"github.com/hupe1980/idxguard/bleveindex"
	"github.com/hupe1980/idxguard/index"
	"github.com/hupe1980/idxguard/memindex"
	"github.com/hupe1980/idxguard/metrics"
)

const (
	defaultDir     = ".idxguard"
	backendMem     = "memindex"
	backendBleve   = "bleve"
	logFormatText  = "text"
	logFormatJSON  = "json"
	defaultBackend = backendMem
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath  string
	dir         string
	backend     string
	compression string
	logLevel    string
	logFormat   string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "idxguard",
		Short: "Keep a keyed search index unique, durable and compact",
		Long: `idxguard writes documents into a segmented search index through a
uniqueness guard: a document whose key already exists replaces the earlier
one. A background scheduler commits and optimizes the index.

Examples:
  idxguard ingest docs.jsonl              # ingest JSON lines
  cat docs.jsonl | idxguard ingest        # ingest from stdin
  idxguard check sku-1 sku-2              # report which keys exist
  idxguard maintain --metrics-addr :2112  # run maintenance until interrupted
  idxguard stats                          # print index statistics`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "YAML config file; every threshold must be set (defaults apply only without a file)")
	pf.StringVarP(&opts.dir, "dir", "d", defaultDir, "index directory")
	pf.StringVar(&opts.backend, "backend", defaultBackend, "index backend: memindex or bleve")
	pf.StringVar(&opts.compression, "compression", "zstd", "memindex segment compression: zstd, lz4 or none")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	pf.StringVar(&opts.logFormat, "log-format", logFormatText, "log format: text or json")

	cmd.AddCommand(
		newIngestCmd(opts),
		newCheckCmd(opts),
		newMaintainCmd(opts),
		newStatsCmd(opts),
	)
	return cmd
}

// loadConfig reads --config. Without a config file the CLI runs with
// idxguard.DefaultConfig as a convenience; a file must set every threshold.
func (o *globalOptions) loadConfig() (idxguard.Config, error) {
	if o.configPath == "" {
		return idxguard.DefaultConfig(), nil
	}
	return idxguard.LoadConfig(o.configPath)
}

func (o *globalOptions) logger(w io.Writer) (*idxguard.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
	}

	switch o.logFormat {
	case logFormatText:
		return idxguard.NewTextLogger(w, level), nil
	case logFormatJSON:
		return idxguard.NewJSONLogger(w, level), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", o.logFormat)
	}
}

// handle is an index.WriteHandle that must be closed.
type handle interface {
	index.WriteHandle
	Close() error
}

func (o *globalOptions) openHandle(cfg idxguard.Config, logger *slog.Logger) (handle, error) {
	switch o.backend {
	case backendMem:
		c, err := memindex.ParseCompression(o.compression)
		if err != nil {
			return nil, err
		}
		idx, err := memindex.Open(o.dir,
			memindex.WithCompression(c),
			memindex.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case backendBleve:
		idx, err := bleveindex.Open(o.dir, cfg.KeyField, bleveindex.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", o.backend)
	}
}

// session is an open handle plus the keeper guarding it.
type session struct {
	cfg    idxguard.Config
	logger *idxguard.Logger
	handle handle
	keeper *idxguard.Keeper
}

func (o *globalOptions) open(ctx context.Context, cmd *cobra.Command, observer metrics.Observer) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := o.logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	h, err := o.openHandle(cfg, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	kopts := []idxguard.Option{idxguard.WithLogger(logger)}
	if observer != nil {
		kopts = append(kopts, idxguard.WithMetrics(observer))
	}
	k, err := idxguard.Open(ctx, h, cfg, kopts...)
	if err != nil {
		_ = h.Close() // Intentionally ignore: open already failed
		return nil, err
	}

	return &session{cfg: cfg, logger: logger, handle: h, keeper: k}, nil
}

// close shuts the keeper down (final commit) and then the handle.
func (s *session) close() error {
	kerr := s.keeper.Close()
	herr := s.handle.Close()
	if kerr != nil {
		return kerr
	}
	return herr
}
