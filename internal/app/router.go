package app

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tutorly/tutorly/internal/booking"
	"github.com/tutorly/tutorly/internal/ledgeraudit"
	"github.com/tutorly/tutorly/internal/observability"
	"github.com/tutorly/tutorly/internal/platform/httpx"
	"github.com/tutorly/tutorly/internal/rbac"
	"github.com/tutorly/tutorly/internal/wallet"
	"github.com/tutorly/tutorly/jobs"
)

// Pinger reports database reachability. Satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	DB                 Pinger
	BookingHandler     *booking.Handler
	WalletHandler      *wallet.Handler
	LedgerAuditHandler *ledgeraudit.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		if params.DB != nil {
			if err := params.DB.Ping(r.Context()); err != nil {
				params.Logger.Warn("healthz database ping", slog.Any("error", err))
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		httpx.JSON(w, status, body)
	})

	if params.BookingHandler != nil {
		r.Route("/bookings", params.BookingHandler.MountRoutes)
	}
	if params.WalletHandler != nil {
		r.Route("/wallet", params.WalletHandler.MountRoutes)
	}
	r.Route("/admin", func(r chi.Router) {
		if params.WalletHandler != nil {
			params.WalletHandler.MountAdminRoutes(r)
		}
		if params.LedgerAuditHandler != nil {
			r.Route("/ledger-audits", params.LedgerAuditHandler.MountRoutes)
		}
	})
	if params.PermissionsHandler != nil {
		r.Route("/permissions", params.PermissionsHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
