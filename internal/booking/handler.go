package booking

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tutorly/tutorly/internal/platform/httpx"
	"github.com/tutorly/tutorly/internal/shared"
)

// ConflictObserver counts transitions rejected by the status guard.
type ConflictObserver interface {
	ObserveConflict(action string)
}

// Handler exposes booking endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	conflicts ConflictObserver
	validator *validator.Validate
}

// NewHandler builds Handler instance. conflicts may be nil.
func NewHandler(logger *slog.Logger, service *Service, conflicts ConflictObserver) *Handler {
	return &Handler{logger: logger, service: service, conflicts: conflicts, validator: validator.New()}
}

// MountRoutes registers routes under /bookings.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/transitions", h.transition)
	r.Put("/{id}/meeting-link", h.meetingLink)
}

type transitionRequest struct {
	Action Action `json:"action" validate:"required"`
	TransitionInput
}

type meetingLinkRequest struct {
	URL string `json:"url" validate:"required,url,max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if actor.Role != shared.RoleParent && actor.Role != shared.RoleStudent {
		httpx.RespondError(w, httpx.ErrForbidden)
		return
	}
	var input CreateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	input.PayerID = actor.UserID
	if input.StudentID == uuid.Nil {
		input.StudentID = actor.UserID
	}
	b, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.fail(w, "create", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, b)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
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
	b, err := h.service.Get(r.Context(), id, actor)
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
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
	var req transitionRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	b, err := h.service.Transition(r.Context(), id, req.Action, actor, req.TransitionInput)
	if err != nil {
		if errors.Is(err, ErrConflict) && h.conflicts != nil {
			h.conflicts.ObserveConflict(string(req.Action))
		}
		h.fail(w, "transition", err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) meetingLink(w http.ResponseWriter, r *http.Request) {
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
	var req meetingLinkRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	b, err := h.service.SetMeetingLink(r.Context(), id, actor, req.URL)
	if err != nil {
		h.fail(w, "meeting link", err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		level := slog.LevelWarn
		if httpx.StatusFor(err) >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.logger.Log(context.Background(), level, "booking "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
