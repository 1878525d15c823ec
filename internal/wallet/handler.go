package wallet

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tutorly/tutorly/internal/platform/httpx"
	"github.com/tutorly/tutorly/internal/rbac"
	"github.com/tutorly/tutorly/internal/shared"
)

// Handler exposes wallet endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers owner-facing wallet routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.open)
	r.Get("/balance", h.balance)
	r.Post("/withdrawals", h.requestWithdrawal)
}

// MountAdminRoutes registers deposit and payout settlement routes.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(rbac.PermWalletDeposit)).Post("/wallets/{ownerID}/deposits", h.deposit)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermWalletPayout))
		r.Post("/withdrawals/{id}/complete", h.completeWithdrawal)
		r.Post("/withdrawals/{id}/reject", h.rejectWithdrawal)
		r.Post("/withdrawals/{id}/refund", h.refundWithdrawal)
	})
}

type amountRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" validate:"omitempty,max=128"`
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	wallet, err := h.service.Open(r.Context(), actor.UserID)
	if err != nil {
		h.fail(w, "open wallet", err)
		return
	}
	httpx.JSON(w, http.StatusOK, wallet)
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	bal, err := h.service.GetBalance(r.Context(), actor.UserID)
	if err != nil {
		h.fail(w, "get balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, bal)
}

func (h *Handler) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req amountRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	tx, err := h.service.RequestWithdrawal(r.Context(), actor.UserID, req.Amount)
	if err != nil {
		h.fail(w, "request withdrawal", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tx)
}

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(chi.URLParam(r, "ownerID"))
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	var req amountRequest
	if err := httpx.DecodeAndValidate(r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	tx, err := h.service.Deposit(r.Context(), ownerID, req.Amount, req.Reference)
	if err != nil {
		h.fail(w, "deposit", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tx)
}

func (h *Handler) completeWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "complete withdrawal", h.service.CompleteWithdrawal)
}

func (h *Handler) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "reject withdrawal", h.service.RejectWithdrawal)
}

func (h *Handler) refundWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "refund withdrawal", h.service.RefundWithdrawal)
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context, id uuid.UUID) (Transaction, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	tx, err := fn(r.Context(), id)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn("wallet "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
