package handler

import (
	"net/http"

	"sorteo/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/logger"
)

// NewRouter mounts the public buyer routes and the administrator routes
// guarded by a bearer token signed with jwtSecret.
func NewRouter(log *logger.Logger, jwtSecret []byte, raffles *RaffleHandler, payments *PaymentHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, http.StatusOK, ResponsePayload{Status: "ok"})
	})

	r.Get("/raffles/{raffleID}", raffles.Get)
	r.Post("/raffles/{raffleID}/payments", payments.Submit)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(jwtSecret, log))

		r.Get("/raffles", raffles.List)
		r.Post("/raffles", raffles.Create)
		r.Put("/raffles/{raffleID}", raffles.Update)
		r.Post("/raffles/{raffleID}/state", raffles.SetState)
		r.Post("/raffles/{raffleID}/prizes", raffles.AddPrize)
		r.Get("/raffles/{raffleID}/tickets", raffles.ListTickets)

		r.Get("/payments", payments.List)
		r.Post("/payments", payments.RecordManual)
		r.Get("/payments/{paymentID}", payments.Get)
		r.Post("/payments/{paymentID}/verify", payments.Verify)
		r.Post("/payments/{paymentID}/cancel", payments.Cancel)
	})

	return r
}
