package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()
	assert.Equal(t, float64(-1), testutil.ToFloat64(m.HighestCommitted))

	m.RecordCommit(0)
	m.RecordCommit(1)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.LeavesAppendedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HighestCommitted))

	m.RecordProbe(ProbeResolved, 20*time.Millisecond)
	m.RecordProbe(ProbeCancelled, time.Millisecond)
	m.RecordProbe(ProbeCancelled, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProbesTotal.WithLabelValues(ProbeResolved)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ProbesTotal.WithLabelValues(ProbeCancelled)))
	assert.Equal(t, 3, testutil.CollectAndCount(m.ProbeDuration))

	m.RecordError("poll")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("poll")))

	stop := m.StartBackwardTimer()
	stop()
	assert.Equal(t, 1, testutil.CollectAndCount(m.BackwardSyncDuration))
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordCommit(7)
	assert.Equal(t, float64(-1), testutil.ToFloat64(b.HighestCommitted))
}

func TestHandler(t *testing.T) {
	m := New()
	m.GapLeavesTotal.Add(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mmrmirror_gap_leaves_total 3")
	assert.Contains(t, string(body), "mmrmirror_uptime_seconds")
	assert.Contains(t, string(body), "go_goroutines")
}
