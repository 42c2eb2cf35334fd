package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/davidahmann/tollgate/internal/auth"
	"github.com/davidahmann/tollgate/pkg/types"
)

type claimsKey struct{}

func (h *Handler) requireRole(role auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := h.Auth.Authenticate(r, role)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, auth.ErrNotConfigured) {
					status = http.StatusForbidden
				}
				writeJSON(w, status, types.ErrorResponse{Error: err.Error(), Reason: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func actor(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsKey{}).(auth.Claims); ok && claims.Subject != "" {
		return claims.Subject
	}
	return "unknown"
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// allow applies the advisory decide limit. It writes the 429 itself and
// reports whether the caller may proceed.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, agentID string) bool {
	if h.Limiter == nil || h.RateLimit <= 0 {
		return true
	}
	key := "agent:" + agentID
	if agentID == "" {
		key = "addr:" + remoteHost(r)
	}
	d := h.Limiter.Allow(key, h.RateLimit)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}
	retry := int(time.Until(d.ResetAt).Seconds()) + 1
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	h.Logger.Warn("decide rate limited", "key", key, "count", d.Count, "limit", d.Limit)
	writeJSON(w, http.StatusTooManyRequests, types.ErrorResponse{Error: "rate limit exceeded", Reason: "rate_limited"})
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
