package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New("test")

	m.Wrote("create", "local")
	m.Wrote("create", "local")
	m.Pushed("ws://a", 3)
	m.Pulled("ws://a", 2)
	m.Conflict("ws://a")
	m.Reconnect("ws://a")
	m.FullResync("ws://a")
	m.SyncState("ws://a", 2)
	m.Delivered()
	m.Dropped(4)
	m.ObserverPanicked()
	m.Observers(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.writes.WithLabelValues("create", "local")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.syncPushed.WithLabelValues("ws://a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncPulled.WithLabelValues("ws://a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncConflicts.WithLabelValues("ws://a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncState.WithLabelValues("ws://a")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.busDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.busObservers))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Wrote("create", "local")
		m.Pushed("x", 1)
		m.Delivered()
		m.Observers(1)
	})
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a := New("a")
	b := New("b")
	a.Delivered()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.busDelivered))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.busDelivered))
}

func TestMetrics_Handler(t *testing.T) {
	m := New("test")
	m.Pushed("ws://a", 1)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `docsync_sync_pushed_total{database="test",endpoint="ws://a"} 1`)
}
