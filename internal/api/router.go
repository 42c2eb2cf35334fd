package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/tollgate/internal/auth"
	"github.com/davidahmann/tollgate/internal/gate"
	"github.com/davidahmann/tollgate/internal/ratelimit"
	"github.com/davidahmann/tollgate/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Backends names the configured stores for /healthz.
type Backends struct {
	Ledger string
	Replay string
	Authz  string
}

type Handler struct {
	Gate        *gate.Service
	Auth        auth.Authenticator
	Limiter     ratelimit.Limiter
	RateLimit   int
	Backends    Backends
	ServiceName string
	Logger      *slog.Logger
}

func NewRouter(h *Handler) http.Handler {
	if h.Logger == nil {
		h.Logger = slog.New(slog.NewTextHandler(nopWriter{}, nil))
	}

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware(h.ServiceName))
	r.Use(limitBody)
	r.Get("/healthz", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(h.requireRole(auth.RoleCaller))
		r.Post("/v1/decide", h.Decide)
		r.Post("/v1/consume", h.Consume)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.requireRole(auth.RoleAdmin))
		r.Get("/v1/audit", h.Audit)
		r.Get("/v1/audit/verify", h.VerifyChain)
		r.Get("/v1/explain/{jti}", h.Explain)
		r.Post("/v1/authz/check", h.AuthzCheck)
		r.Get("/v1/authz/rules", h.AuthzRules)
		r.Post("/v1/authz/rules", h.AuthzGrant)
		r.Delete("/v1/authz/rules/{id}", h.AuthzRevoke)
		r.Post("/v1/admin/lockdown", h.Lockdown)
	})
	return r
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
