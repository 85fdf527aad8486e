// Package httpapi is the thin HTTP host layer in front of the coordination
// primitives. Route handlers here only sequence calls into the primitives
// and translate their outcomes into status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/manenim/keyword-coord/pkg/cache"
	"github.com/manenim/keyword-coord/pkg/idempotency"
	"github.com/manenim/keyword-coord/pkg/identity"
	"github.com/manenim/keyword-coord/pkg/ratelimit"
	"github.com/manenim/keyword-coord/pkg/usage"
)

// Principal headers are set by the authenticating gateway in front of this
// service.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

// KeywordSource is the third-party keyword-data provider.
type KeywordSource interface {
	Keywords(ctx context.Context, query string) (data json.RawMessage, source string, err error)
}

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the collaborators and limits of a Server. Limiter, Registry,
// Meter, Ledger, Cache, Source and Billing are required.
type Config struct {
	Limiter  ratelimit.RateLimiter
	ClientIP *ratelimit.ClientIPResolver
	Registry *identity.Registry
	Meter    *usage.Meter
	Ledger   *idempotency.Ledger
	Cache    *cache.Cache
	Source   KeywordSource
	Billing  BillingApplier

	RateLimit   ratelimit.Limit
	QuotaWindow usage.Window
	Quota       int64
	CacheTTL    time.Duration

	// Store is pinged by /healthz when set.
	Store Pinger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(cfg Config) *Server {
	s := &Server{cfg: cfg, logger: cfg.Logger, mux: http.NewServeMux()}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.cfg.ClientIP == nil {
		s.cfg.ClientIP, _ = ratelimit.NewClientIPResolver(nil)
	}
	if s.cfg.QuotaWindow.Name() == "" {
		s.cfg.QuotaWindow = usage.Monthly
	}

	limited := ratelimit.Middleware(ratelimit.MiddlewareConfig{
		Limiter: cfg.Limiter,
		Limit:   cfg.RateLimit,
		KeyFunc: s.cfg.ClientIP.Identity,
		Logger:  s.logger,
	})
	s.mux.Handle("GET /v1/keywords", limited(http.HandlerFunc(s.handleKeywords)))
	s.mux.HandleFunc("POST /v1/webhooks/billing", s.handleBillingWebhook)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", cfg.Metrics)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status string       `json:"status"`
	Store  string       `json:"store"`
	Cache  cache.Health `json:"cache"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "unchecked", Cache: s.cfg.Cache.Health()}
	code := http.StatusOK
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			s.logger.Warn("healthz: store ping failed", "error", err)
			resp.Status, resp.Store = "degraded", "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Store = "ok"
		}
	}
	writeJSON(w, code, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
