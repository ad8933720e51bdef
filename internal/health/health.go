// Package health serves the deployment probes for the talaqqi server.
//
//   - GET /healthz reports liveness: a process that can answer HTTP is alive.
//   - GET /readyz reports readiness: 200 only when every registered [Checker]
//     passes. The shipped checkers probe the transcript store and the
//     inference endpoint; see checkers.go.
//
// Responses are JSON: {"status": "ok"|"fail", "checks": {name: detail}}.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// readyTimeout bounds one whole /readyz evaluation. Checks run concurrently,
// so a single stuck dependency delays the response by at most this much.
const readyTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil when the dependency
// is usable and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating the given checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz evaluates every checker concurrently under one shared deadline and
// answers 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	type outcome struct {
		name   string
		detail string
		failed bool
	}
	results := make([]outcome, len(h.checkers))

	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Check(ctx); err != nil {
				results[i] = outcome{name: c.Name, detail: "fail: " + err.Error(), failed: true}
				return
			}
			results[i] = outcome{name: c.Name, detail: "ok"}
		}()
	}
	wg.Wait()

	res := report{Status: "ok", Checks: make(map[string]string, len(results))}
	status := http.StatusOK
	for _, o := range results {
		res.Checks[o.name] = o.detail
		if o.failed {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	respond(w, status, res)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
