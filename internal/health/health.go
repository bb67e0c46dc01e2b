// Package health serves the liveness and readiness probes of the capture
// service.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs every
// registered [Checker] concurrently and answers 503 when a required check
// fails. A failing optional check only downgrades the status to "degraded":
// a host without output devices can still serve settings and permission
// requests.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/pkg/audio"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Overall and per-check states reported in the JSON body.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is one named readiness check.
type Checker struct {
	// Name keys the check in the response.
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks cannot make the service unready.
	Optional bool
}

// DeviceLister is the part of a loopback backend used by [BackendChecker].
type DeviceLister interface {
	Name() string
	Devices(ctx context.Context) ([]audio.Device, error)
}

// BackendChecker is an optional check that passes when the backend can
// enumerate at least one capture device.
func BackendChecker(b DeviceLister) Checker {
	return Checker{
		Name:     "backend",
		Optional: true,
		Check: func(ctx context.Context) error {
			devs, err := b.Devices(ctx)
			if err != nil {
				return fmt.Errorf("%s: list devices: %w", b.Name(), err)
			}
			if len(devs) == 0 {
				return errors.New(b.Name() + ": no capture devices")
			}
			return nil
		},
	}
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report is the body of both probe endpoints.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a [Handler] evaluating checkers on each readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeReport(w, code, rep)
}

// Evaluate runs every checker concurrently, each under its own
// [checkTimeout], and folds the results into a [Report].
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	var mu sync.Mutex
	var g errgroup.Group

	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, DurationMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = StatusFail
				res.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			switch {
			case err == nil:
			case !c.Optional:
				rep.Status = StatusFail
			case rep.Status == StatusOK:
				rep.Status = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
