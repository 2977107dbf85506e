package http

import (
	"github.com/arstudios/otp-service/internal/http/handlers"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(challengeHandler *handlers.ChallengeHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/challenge", func(r chi.Router) {
		r.Post("/start", challengeHandler.HandleStart)
		r.Post("/verify", challengeHandler.HandleVerify)
		r.Post("/resend", challengeHandler.HandleResend)
		r.Get("/status", challengeHandler.HandleStatus)
	})

	return r
}
