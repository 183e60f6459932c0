package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Check status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	CheckOK         = "ok"
	CheckError      = "error"
)

// DefaultReadyTimeout bounds a readiness check.
const DefaultReadyTimeout = 5 * time.Second

// Dependency is a named readiness check. Optional dependencies are reported
// but do not fail readiness.
type Dependency struct {
	Name     string
	Checker  Checker
	Optional bool
}

// HandlersConfig configures the health handlers.
type HandlersConfig struct {
	Dependencies []Dependency
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Handlers serves /health (liveness) and /ready (readiness).
type Handlers struct {
	deps    []Dependency
	timeout time.Duration
	logger  *slog.Logger
	timeNow func() time.Time
}

// NewHandlers creates the health handlers. Dependencies with a nil Checker
// are skipped.
func NewHandlers(cfg HandlersConfig) *Handlers {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultReadyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	deps := make([]Dependency, 0, len(cfg.Dependencies))
	for _, d := range cfg.Dependencies {
		if d.Checker != nil {
			deps = append(deps, d)
		}
	}
	return &Handlers{deps: deps, timeout: cfg.Timeout, logger: cfg.Logger, timeNow: time.Now}
}

// Response is the JSON body of both endpoints.
type Response struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health. If the process can answer, it is alive.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.write(w, http.StatusOK, Response{
		Status: StatusHealthy,
		Checks: map[string]string{"runtime": CheckOK},
	})
}

// Ready handles GET /ready. Every required dependency must answer within the
// timeout, otherwise it returns 503.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks, healthy := h.Check(ctx)
	status, code := StatusHealthy, http.StatusOK
	if !healthy {
		status, code = StatusUnhealthy, http.StatusServiceUnavailable
	}
	h.write(w, code, Response{Status: status, Checks: checks})
}

// Check pings every dependency concurrently.
func (h *Handlers) Check(ctx context.Context) (map[string]string, bool) {
	results := make([]error, len(h.deps))
	var wg sync.WaitGroup
	for i, d := range h.deps {
		wg.Add(1)
		go func(i int, d Dependency) {
			defer wg.Done()
			results[i] = d.Checker.HealthCheck(ctx)
		}(i, d)
	}
	wg.Wait()

	checks := make(map[string]string, len(h.deps))
	healthy := true
	for i, d := range h.deps {
		if err := results[i]; err != nil {
			checks[d.Name] = CheckError
			if !d.Optional {
				healthy = false
			}
			h.logger.WarnContext(ctx, "dependency health check failed",
				"dependency", d.Name, "optional", d.Optional, "error", err)
			continue
		}
		checks[d.Name] = CheckOK
	}
	return checks, healthy
}

func (h *Handlers) write(w http.ResponseWriter, code int, resp Response) {
	resp.Timestamp = h.timeNow().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}
