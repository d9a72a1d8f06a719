// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP and reports the build
// version. /readyz runs every registered [Checker] concurrently and answers
// 503 when any of them fails. A check returning a [Degraded] error is listed
// but keeps the service ready: a missing ffmpeg or an open archive circuit
// limits what the pipeline can do without stopping it.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when it is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type degradedError struct{ err error }

func (d degradedError) Error() string { return d.err.Error() }
func (d degradedError) Unwrap() error { return d.err }

// Degraded marks err as a condition the service can run with.
func Degraded(err error) error {
	if err == nil {
		return nil
	}
	return degradedError{err: err}
}

// Pinger is implemented by dependencies with a cheap liveness call.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a Checker that calls p.Ping.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// FFmpeg reports a missing ffmpeg binary as degraded.
func FFmpeg(available func() bool) Checker {
	return Checker{Name: "ffmpeg", Check: func(context.Context) error {
		if available() {
			return nil
		}
		return Degraded(errors.New("ffmpeg not found, large files are sent unconverted"))
	}}
}

// Circuits returns a Checker for a chain of breaker-guarded backends. Some
// open breakers degrade readiness; all of them open fails it.
func Circuits(name string, all, open func() []string) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		o := open()
		switch {
		case len(o) == 0:
			return nil
		case len(o) >= len(all()):
			return fmt.Errorf("all circuits open: %s", strings.Join(o, ", "))
		default:
			return Degraded(fmt.Errorf("circuit open: %s", strings.Join(o, ", ")))
		}
	}}
}

// Probe status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

type result struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed by [New].
type Handler struct {
	version  string
	checkers []Checker
	now      func() time.Time
}

// New returns a Handler reporting version and evaluating checkers on every
// readiness request.
func New(version string, checkers ...Checker) *Handler {
	return &Handler{
		version:  version,
		checkers: append([]Checker(nil), checkers...),
		now:      time.Now,
	}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status:    StatusOK,
		Version:   h.version,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Readyz runs all checks, each bounded by checkTimeout and the request
// context, and answers 503 if any failed.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	res := result{
		Status:  StatusOK,
		Version: h.version,
		Checks:  make(map[string]string, len(h.checkers)),
	}
	code := http.StatusOK
	for i, c := range h.checkers {
		var d degradedError
		switch err := errs[i]; {
		case err == nil:
			res.Checks[c.Name] = StatusOK
		case errors.As(err, &d):
			res.Checks[c.Name] = StatusDegraded + ": " + err.Error()
			if res.Status == StatusOK {
				res.Status = StatusDegraded
			}
		default:
			res.Checks[c.Name] = StatusFail + ": " + err.Error()
			res.Status = StatusFail
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, res)
}

// Register adds GET /healthz and GET /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
