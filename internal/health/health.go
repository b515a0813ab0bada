// Package health reports whether the mirror is keeping up with the ledger.
//
// A Checker runs a fixed set of component checks (store, sync engine,
// ledger) on every request and serves the aggregate over HTTP:
//
//	/livez    the process is up
//	/readyz   backward sync finished and no critical check fails
//	/healthz  aggregate status, with per-component results when ?full=true
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"mmrmirror/internal/kv"
	"mmrmirror/internal/syncer"
)

const defaultTimeout = 5 * time.Second

// Status is the health of a component or of the whole mirror.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of one check.
type Result struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// Check inspects one component.
type Check func(ctx context.Context) Result

// Component is a named check. A critical component that is unhealthy makes
// the mirror unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Check    Check
}

// Report is the aggregate served by /healthz.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
}

// Checker runs the mirror's checks.
type Checker struct {
	components []Component
	started    time.Time
	ready      atomic.Bool
}

// NewChecker returns a checker over components. It starts not ready.
func NewChecker(components ...Component) *Checker {
	for i := range components {
		if components[i].Timeout <= 0 {
			components[i].Timeout = defaultTimeout
		}
	}
	return &Checker{components: components, started: time.Now()}
}

// SetReady marks whether the mirror has caught up with the ledger head.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

// Run executes every check concurrently and aggregates the results.
func (c *Checker) Run(ctx context.Context) Report {
	results := make([]Result, len(c.components))
	var wg sync.WaitGroup
	for i, comp := range c.components {
		i, comp := i, comp
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, comp.Timeout)
			defer cancel()
			start := time.Now()
			results[i] = run(cctx, comp.Check)
			results[i].Duration = time.Since(start)
		}()
	}
	wg.Wait()

	report := Report{
		Status:     StatusHealthy,
		Ready:      c.ready.Load(),
		Uptime:     time.Since(c.started).Round(time.Second).String(),
		Components: make(map[string]Result, len(results)),
	}
	for i, comp := range c.components {
		r := results[i]
		report.Components[comp.Name] = r
		switch {
		case r.Status == StatusUnhealthy && comp.Critical:
			report.Status = StatusUnhealthy
		case r.Status != StatusHealthy && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}
	return report
}

// run executes check, turning a panic or a timeout into an unhealthy result.
func run(ctx context.Context, check Check) Result {
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- check(ctx)
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		return Result{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
}

// Handler serves /livez, /readyz and /healthz.
func (c *Checker) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "alive",
			"uptime": time.Since(c.started).Round(time.Second).String(),
		})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !c.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "ready": false})
			return
		}
		report := c.Run(r.Context())
		writeJSON(w, httpStatus(report.Status), map[string]any{"status": report.Status, "ready": true})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		code := httpStatus(report.Status)
		if r.URL.Query().Get("full") != "true" {
			report.Components = nil
		}
		writeJSON(w, code, report)
	})
	return mux
}

// httpStatus maps a status to a response code; degraded still serves 200.
func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// StoreCheck reports whether the KV store answers reads.
func StoreCheck(store kv.Store) Check {
	return func(ctx context.Context) Result {
		if _, err := store.Has(ctx, syncer.MarkerKey); err != nil {
			return Result{Status: StatusUnhealthy, Message: "store read failed", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: "store ok"}
	}
}

// SyncCheck reports the sync engine state. An engine that stopped on an
// error is unhealthy; one that keeps running with a recorded error is
// degraded.
func SyncCheck(status func() syncer.Status) Check {
	return func(ctx context.Context) Result {
		st := status()
		result := Result{
			Status:  StatusHealthy,
			Message: st.StateName,
			Details: map[string]any{
				"state":             st.StateName,
				"mode":              st.Mode,
				"highest_committed": st.HighestCommitted,
				"root":              st.Root,
				"last_polled_block": st.LastPolledBlock,
				"verified_through":  st.VerifiedThrough,
			},
		}
		if st.LastError == "" {
			return result
		}
		result.Error = st.LastError
		if st.State == syncer.StateIdle {
			result.Status = StatusUnhealthy
			result.Message = "sync stopped"
		} else {
			result.Status = StatusDegraded
		}
		return result
	}
}

// LedgerCheck compares the ledger head with the last polled block. A lag
// above maxLag blocks is degraded; an unreachable ledger is unhealthy.
func LedgerCheck(head func(ctx context.Context) (uint64, error), polled func() uint64, maxLag uint64) Check {
	return func(ctx context.Context) Result {
		h, err := head(ctx)
		if err != nil {
			return Result{Status: StatusUnhealthy, Message: "ledger unreachable", Error: err.Error()}
		}
		p := polled()
		var lag uint64
		if h > p {
			lag = h - p
		}
		result := Result{
			Status:  StatusHealthy,
			Message: "ledger reachable",
			Details: map[string]any{"head_block": h, "polled_block": p, "lag": lag},
		}
		if lag > maxLag {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("%d blocks behind", lag)
		}
		return result
	}
}
