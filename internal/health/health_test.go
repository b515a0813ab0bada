package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmrmirror/internal/kv"
	"mmrmirror/internal/syncer"
)

func static(status Status) Check {
	return func(ctx context.Context) Result { return Result{Status: status} }
}

func TestRunAggregates(t *testing.T) {
	tests := []struct {
		name     string
		critical Status
		optional Status
		want     Status
	}{
		{"all healthy", StatusHealthy, StatusHealthy, StatusHealthy},
		{"optional unhealthy", StatusHealthy, StatusUnhealthy, StatusDegraded},
		{"critical degraded", StatusDegraded, StatusHealthy, StatusDegraded},
		{"critical unhealthy", StatusUnhealthy, StatusDegraded, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(
				Component{Name: "critical", Critical: true, Check: static(tt.critical)},
				Component{Name: "optional", Check: static(tt.optional)},
			)
			report := c.Run(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Components, 2)
			assert.Equal(t, tt.optional, report.Components["optional"].Status)
			assert.False(t, report.Ready)
		})
	}
}

func TestRunTimeoutAndPanic(t *testing.T) {
	c := NewChecker(
		Component{Name: "slow", Critical: true, Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) Result {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return Result{Status: StatusHealthy}
		}},
		Component{Name: "broken", Check: func(ctx context.Context) Result { panic("boom") }},
	)

	report := c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "check timed out", report.Components["slow"].Message)
	assert.Equal(t, StatusUnhealthy, report.Components["broken"].Status)
	assert.Equal(t, "boom", report.Components["broken"].Error)
}

func TestSyncCheck(t *testing.T) {
	tests := []struct {
		name   string
		status syncer.Status
		want   Status
	}{
		{"live", syncer.Status{State: syncer.StateLive, StateName: "live"}, StatusHealthy},
		{"live with error", syncer.Status{State: syncer.StateLive, LastError: "poll failed"}, StatusDegraded},
		{"stopped on error", syncer.Status{State: syncer.StateIdle, LastError: "ledger gap"}, StatusUnhealthy},
		{"idle", syncer.Status{State: syncer.StateIdle}, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := SyncCheck(func() syncer.Status { return tt.status })(context.Background())
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.status.LastError, res.Error)
		})
	}
}

func TestLedgerCheck(t *testing.T) {
	head := func(n uint64, err error) func(context.Context) (uint64, error) {
		return func(context.Context) (uint64, error) { return n, err }
	}
	polled := func() uint64 { return 100 }

	assert.Equal(t, StatusHealthy, LedgerCheck(head(105, nil), polled, 10)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, LedgerCheck(head(200, nil), polled, 10)(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, LedgerCheck(head(0, errors.New("dial")), polled, 10)(context.Background()).Status)
}

func TestStoreCheck(t *testing.T) {
	store := kv.NewMemory()
	assert.Equal(t, StatusHealthy, StoreCheck(store)(context.Background()).Status)
	require.NoError(t, store.Close())
	assert.Equal(t, StatusUnhealthy, StoreCheck(store)(context.Background()).Status)
}

func TestHandler(t *testing.T) {
	var failing atomic.Bool
	c := NewChecker(Component{Name: "sync", Critical: true, Check: func(context.Context) Result {
		if failing.Load() {
			return Result{Status: StatusUnhealthy}
		}
		return Result{Status: StatusHealthy}
	}})
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	get := func(path string) (int, map[string]any) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, _ := get("/livez")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	c.SetReady(true)
	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotContains(t, body, "components")

	_, body = get("/healthz?full=true")
	assert.Contains(t, body["components"], "sync")

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)

	failing.Store(true)
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, body = get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}
