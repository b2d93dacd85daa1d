package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestLatencyEWMA(t *testing.T) {
	tr := NewLatencyTracker(0.5)
	tr.Observe(1, 10*time.Millisecond, nil)
	tr.Observe(1, 30*time.Millisecond, errors.New("down"))

	got, ok := tr.Get(1)
	require.True(t, ok)
	require.InDelta(t, 20, got.EWMAms, 1e-9)
	require.EqualValues(t, 1, got.OK)
	require.EqualValues(t, 1, got.Error)
	require.Equal(t, 30*time.Millisecond, got.LastRTT)

	_, ok = tr.Get(2)
	require.False(t, ok)
	require.Len(t, tr.Snapshot(), 1)

	var nilTracker *LatencyTracker
	nilTracker.Observe(1, time.Second, nil)
}

func TestServerCollectors(t *testing.T) {
	inUse := 128.0
	m := NewServer(3, Gauges{
		PoolInUse:    func() float64 { return inUse },
		PoolCapacity: func() float64 { return 1024 },
	})
	m.Observe("store_layers", time.Millisecond, nil)
	m.Observe("store_layers", time.Millisecond, errors.New("x"))
	m.Observe("read_layers", time.Millisecond, nil)
	m.BytesIn(100)
	m.Evicted(2)

	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("store_layers", "error")))
	require.Equal(t, 100.0, testutil.ToFloat64(m.bulkBytes.WithLabelValues("in")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.evictions))

	expected := `
# HELP dstore_pool_bytes_in_use Arena bytes held by live segments.
# TYPE dstore_pool_bytes_in_use gauge
dstore_pool_bytes_in_use{provider="3"} 128
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "dstore_pool_bytes_in_use"))

	var nilServer *Server
	nilServer.Observe("x", time.Second, nil)
	nilServer.BytesOut(1)
}
