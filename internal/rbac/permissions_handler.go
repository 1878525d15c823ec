package rbac

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutorly/tutorly/internal/platform/httpx"
	"github.com/tutorly/tutorly/internal/shared"
)

// PermissionsHandler exposes the caller's effective permissions.
type PermissionsHandler struct {
	checker *Checker
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(checker *Checker) *PermissionsHandler {
	return &PermissionsHandler{checker: checker}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/", h.listPermissions)
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role":        actor.Role,
		"permissions": h.checker.EffectivePermissions(actor),
	})
}
