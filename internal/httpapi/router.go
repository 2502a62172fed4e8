// Package httpapi serves the health, metrics and sync trigger endpoints of a
// long-running ldapsync process.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Subsystem is the tflog subsystem used for HTTP logging.
const Subsystem = "http"

// InitializeLogging registers the http subsystem on ctx. The level is read
// from LDAPSYNC_LOG_HTTP.
func InitializeLogging(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, Subsystem, tflog.WithLevelFromEnv("LDAPSYNC_LOG_HTTP"))
}

// Pinger checks that the directory is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TriggerFunc starts an import in the background. It returns false when a
// run is already in progress.
type TriggerFunc func() bool

type handler struct {
	pinger  Pinger
	trigger TriggerFunc
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Checks    struct {
		LDAP checkResult `json:"ldap"`
	} `json:"checks"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// NewRouter returns the HTTP handler:
//
//	GET  /healthz  200 when the directory answers, 503 otherwise
//	GET  /metrics  Prometheus metrics
//	POST /sync     202 when a run was started, 409 when one is running
func NewRouter(pinger Pinger, trigger TriggerFunc) http.Handler {
	h := &handler{pinger: pinger, trigger: trigger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/sync", h.sync)

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	resp.Checks.LDAP = checkResult{Status: "ok"}

	status := http.StatusOK
	if err := h.pinger.Ping(r.Context()); err != nil {
		resp.Status = "fail"
		resp.Checks.LDAP = checkResult{Status: "fail", Message: err.Error()}
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	if !h.trigger() {
		writeJSON(w, http.StatusConflict, statusResponse{Status: "running"})
		return
	}

	tflog.SubsystemInfo(r.Context(), Subsystem, "Import triggered over HTTP")
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		tflog.SubsystemDebug(r.Context(), Subsystem, "HTTP request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}
