package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	r := New()
	r.RecordMonitorStart(nil)
	r.RecordMonitorStart(errors.New("spawn failed"))
	r.RecordCommand("ok", 3*time.Millisecond)
	r.RecordCommand("error", time.Millisecond)
	r.RecordRewrite("new-window")
	r.RecordDropped(2)
	r.RecordDropped(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.MonitorsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.MonitorStarts.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Commands.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.WorkaroundRewrites.WithLabelValues("new-window")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.SnapshotsDropped))

	r.RecordMonitorStop()
	assert.Equal(t, 0.0, testutil.ToFloat64(r.MonitorsActive))
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() {
		r.RecordMonitorStart(nil)
		r.RecordMonitorStop()
		r.RecordViewers(1)
		r.RecordCommand("ok", time.Second)
		r.RecordAnomaly()
		r.RecordResync("periodic")
		r.RecordDropped(1)
		r.RecordRewrite("x")
		r.RecordResize()
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.RecordResize()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "muxd_resizes_total 1"))
}
