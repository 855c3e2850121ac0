package idxguard

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal(line, &rec))
		out = append(out, rec)
	}
	return out
}

func TestLogger_Helpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, slog.LevelDebug).WithKeyField("sku")
	ctx := t.Context()

	l.LogCommit(ctx, 3*time.Millisecond, nil)
	l.LogOptimize(ctx, time.Second, errors.New("merge failed"))
	l.LogRefresh(ctx, 4, nil)
	l.LogInsert(ctx, "sku-1", nil)

	recs := decodeRecords(t, &buf)
	require.Len(t, recs, 4)

	assert.Equal(t, "commit completed", recs[0]["msg"])
	assert.Equal(t, "INFO", recs[0]["level"])
	assert.Equal(t, "sku", recs[0]["key_field"])

	assert.Equal(t, "optimize failed", recs[1]["msg"])
	assert.Equal(t, "ERROR", recs[1]["level"])
	assert.Equal(t, "merge failed", recs[1]["error"])

	assert.Equal(t, "refresh completed", recs[2]["msg"])
	assert.EqualValues(t, 4, recs[2]["pending_keys"])

	assert.Equal(t, "insert completed", recs[3]["msg"])
	assert.Equal(t, "sku-1", recs[3]["key"])
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewTextLogger(&buf, slog.LevelWarn)

	l.LogInsert(t.Context(), "a", nil)
	l.LogCommit(t.Context(), time.Millisecond, nil)
	assert.Zero(t, buf.Len())

	l.LogRefresh(t.Context(), 1, errors.New("boom"))
	assert.Contains(t, buf.String(), "refresh failed")
}

func TestNoopLogger(t *testing.T) {
	l := NoopLogger()
	assert.False(t, l.Enabled(t.Context(), slog.LevelError))
}
