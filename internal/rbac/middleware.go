package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/tutorly/tutorly/internal/platform/httpx"
	"github.com/tutorly/tutorly/internal/shared"
)

// Middleware guards routes by permission. Requests without an actor get 401,
// actors lacking the grant get 403.
type Middleware struct {
	Checker *Checker
	Logger  *slog.Logger
}

// RequireAny passes actors holding at least one of perms.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.guard(perms, func(actor shared.Actor, required []string) bool {
		for _, p := range required {
			if m.Checker.HasPermission(actor, p) {
				return true
			}
		}
		return false
	})
}

// RequireAll passes actors holding every one of perms.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.guard(perms, func(actor shared.Actor, required []string) bool {
		for _, p := range required {
			if !m.Checker.HasPermission(actor, p) {
				return false
			}
		}
		return true
	})
}

func (m Middleware) guard(perms []string, allowed func(shared.Actor, []string) bool) func(http.Handler) http.Handler {
	required := dedupe(perms)
	return func(next http.Handler) http.Handler {
		if len(required) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if !allowed(actor, required) {
				if m.Logger != nil {
					m.Logger.Warn("rbac denied",
						slog.String("user_id", actor.UserID.String()),
						slog.String("role", string(actor.Role)),
						slog.String("path", r.URL.Path),
						slog.Any("required", required))
				}
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func dedupe(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
