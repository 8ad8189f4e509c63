// Package gateway implements the Session Gateway (C2): a stateless HTTP
// service that mints ephemeral session credentials, proxies
// transcription/search/correction-verification calls to upstream
// services, and maintains per-credential token-usage accounting.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tinge-app/tinge-session-core/internal/config"
	"github.com/tinge-app/tinge-session-core/internal/ledger"
	"github.com/tinge-app/tinge-session-core/internal/observability"
	"github.com/tinge-app/tinge-session-core/internal/policy"
	"github.com/tinge-app/tinge-session-core/internal/upstream"
)

// Server is the gateway's chi router plus its injected dependencies: the
// ledger, the upstream HTTP client, and the metrics registry. Handlers
// never read configuration or construct collaborators themselves.
type Server struct {
	cfg      config.GatewayConfig
	ledger   *ledger.Manager
	upstream *upstream.Client
	metrics  *observability.Metrics
}

func New(cfg config.GatewayConfig, ledgerMgr *ledger.Manager, upstreamClient *upstream.Client, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		ledger:   ledgerMgr,
		upstream: upstreamClient,
		metrics:  metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/token", s.handleIssueCredential)
	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/knowledge/search", s.handleKnowledgeSearch)
	r.Post("/correction/verify", s.handleCorrectionVerify)

	r.Get("/token-usage/{key}", s.handleGetUsage)
	r.Post("/token-usage/{key}/estimate", s.handleEstimateUsage)
	r.Post("/token-usage/{key}/actual", s.handleActualUsage)
	r.Get("/token-stats", s.handleTokenStats)

	return r
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		decision := policy.DecideOrigin(origin, s.cfg.FrontendURL)
		if !decision.Allowed {
			log.Printf("gateway: rejected CORS origin %q: %s", origin, decision.Reason)
			respondError(w, http.StatusForbidden, "origin_not_allowed", "origin is not permitted")
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records every request's matched route and status
// class once chi has resolved it.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.ObserveHTTPRequest(route, statusClass(rec.status))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch status / 100 {
	case 2:
		return "2xx"
	case 3:
		return "3xx"
	case 4:
		return "4xx"
	case 5:
		return "5xx"
	default:
		return "other"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"timestamp": nowISO(),
		"service":   "tinge-session-gateway",
		"env":       envName(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := strings.TrimSpace(s.cfg.OpenAIAPIKey) != ""
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{
		"ready":           ready,
		"api_key_present": ready,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
