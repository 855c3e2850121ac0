package promobserver

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New(reg)
	require.NoError(t, err)

	boom := errors.New("boom")
	o.OnCommit(10*time.Millisecond, nil)
	o.OnCommit(20*time.Millisecond, boom)
	o.OnOptimize(time.Second, nil)
	o.OnRefresh(time.Millisecond, true, nil)
	o.OnRefresh(time.Millisecond, false, nil)
	o.OnRefresh(time.Millisecond, false, boom)
	o.OnInsert(time.Microsecond, true, nil)
	o.OnInsert(time.Microsecond, false, nil)
	o.OnInsert(time.Microsecond, true, boom)
	o.OnPendingKeys(7)

	assert.Equal(t, 1.0, testutil.ToFloat64(o.ops.WithLabelValues("commit", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.ops.WithLabelValues("commit", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.ops.WithLabelValues("optimize", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.ops.WithLabelValues("refresh", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.swaps))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.inserts.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.inserts.WithLabelValues("false")))
	assert.Equal(t, 7.0, testutil.ToFloat64(o.pendingKeys))
}

func TestObserver_LatencyHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := MustNew(reg)

	o.OnCommit(100*time.Millisecond, nil)
	o.OnCommit(300*time.Millisecond, nil)

	families, err := reg.Gather()
	require.NoError(t, err)

	var hist *dto.Histogram
	for _, mf := range families {
		if mf.GetName() != "idxguard_operation_latency_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue(m, "op") == "commit" && labelValue(m, "status") == "success" {
				hist = m.GetHistogram()
			}
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 0.4, hist.GetSampleSum(), 1e-9)
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
	assert.Panics(t, func() { MustNew(reg) })
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
