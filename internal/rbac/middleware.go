// Package rbac gates routes on the caller role supplied by the upstream
// identity layer.
package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/kitchenledger/kitchenledger/internal/platform/httpx"
	"github.com/kitchenledger/kitchenledger/internal/shared"
)

const (
	// RoleHeader carries the validated caller role.
	RoleHeader = "X-Role"
	// UserHeader carries the validated caller name.
	UserHeader = "X-User"
)

// Privileged roles may edit stock and close days.
var Privileged = []string{"admin", "manager", "accountant"}

// Middleware wires role authorization helpers for HTTP handlers.
type Middleware struct {
	Logger *slog.Logger
}

// Identify stores the caller found in the request headers in the context.
func (m Middleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := shared.Caller{
			Name: strings.TrimSpace(r.Header.Get(UserHeader)),
			Role: normalizeRole(r.Header.Get(RoleHeader)),
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithCaller(r.Context(), caller)))
	})
}

// RequireAny ensures the caller holds at least one of the roles.
func (m Middleware) RequireAny(roles ...string) func(http.Handler) http.Handler {
	normalized := normalizeRoles(roles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			caller := shared.CallerFromContext(r.Context())
			if caller.Role == "" {
				caller.Role = normalizeRole(r.Header.Get(RoleHeader))
			}
			if caller.Role == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "caller role missing")
				return
			}
			if _, ok := normalized[caller.Role]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Warn("rbac denied", slog.String("role", caller.Role), slog.String("path", r.URL.Path))
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "role "+caller.Role+" may not perform this action")
		})
	}
}

func normalizeRole(raw string) string {
	return strings.TrimSpace(strings.ToLower(raw))
}

func normalizeRoles(roles []string) map[string]struct{} {
	unique := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = normalizeRole(r)
		if r == "" {
			continue
		}
		unique[r] = struct{}{}
	}
	return unique
}
