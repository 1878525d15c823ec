package ledgeraudit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tutorly/tutorly/internal/platform/httpx"
	"github.com/tutorly/tutorly/internal/rbac"
	"github.com/tutorly/tutorly/internal/shared"
)

// Handler exposes the admin ledger audit endpoints.
type Handler struct {
	logger    *slog.Logger
	engine    *Engine
	rbac      rbac.Middleware
	validator *validator.Validate
	rateLimit func(http.Handler) http.Handler
}

// NewHandler builds Handler instance. Manual runs are limited per actor.
func NewHandler(logger *slog.Logger, engine *Engine, rbac rbac.Middleware) *Handler {
	limiter := httprate.Limit(2, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if actor, ok := shared.ActorFromContext(r.Context()); ok {
			return "user:" + actor.UserID.String(), nil
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "ip:" + r.RemoteAddr, nil
		}
		return "ip:" + host, nil
	}))
	return &Handler{logger: logger, engine: engine, rbac: rbac, validator: validator.New(), rateLimit: limiter}
}

// MountRoutes registers routes under /admin/ledger-audits.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermLedgerAuditView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.With(h.rbac.RequireAny(rbac.PermLedgerAuditRun), h.rateLimit).Post("/", h.run)
	r.With(h.rbac.RequireAny(rbac.PermLedgerAuditResolve)).Post("/{id}/resolve", h.resolve)
}

type resolveRequest struct {
	Note string `json:"note" validate:"required,max=2000"`
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.Run(r.Context(), TriggerManual)
	if err != nil {
		h.logger.Error("manual ledger audit", slog.Any("error", err))
		if summary.ID != uuid.Nil {
			httpx.JSON(w, http.StatusInternalServerError, summary)
			return
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, summary)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := h.engine.List(r.Context(), limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	log, err := h.engine.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, log)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	var req resolveRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	log, err := h.engine.Resolve(r.Context(), id, actor.UserID, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, log)
}
