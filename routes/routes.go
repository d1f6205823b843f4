package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/x402-guard/app"
	"github.com/upb/x402-guard/handlers"
	"github.com/upb/x402-guard/internal/observability"
	"github.com/upb/x402-guard/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	if deps.Config.Observability.MetricsEnabled {
		r.Use(observability.InstrumentHandler)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	health := deps.HealthHandler()
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)
	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", observability.Handler())
	}

	guards := handlers.NewGuardHandler(deps.Guards, deps.Logger)

	// authenticated routes are throttled per caller once the token is known
	protected := func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Handler)
		}
	}

	r.Route("/api/v1/guards", func(r chi.Router) {
		r.Get("/", guards.HandleListGuards)
		r.Get("/count", guards.HandleCountGuards)
		r.Group(func(r chi.Router) {
			protected(r)
			r.Post("/", guards.HandleCreateGuard)
		})

		r.Route("/{guardID}", func(r chi.Router) {
			// public reads
			r.Get("/", guards.HandleGetGuard)
			r.Get("/balance", guards.HandleGetBalance)
			r.Get("/budget", guards.HandleGetBudget)
			r.Get("/events", guards.HandleListEvents)
			r.Get("/endpoints", guards.HandleListEndpoints)
			r.Get("/endpoints/{endpointID}", guards.HandleGetEndpoint)
			r.Post("/payments/check", guards.HandleCheckPayment)
			r.Get("/payments/pending", guards.HandleListPendingPayments)
			r.Get("/payments/pending/{paymentID}", guards.HandleGetPendingPayment)

			r.Group(func(r chi.Router) {
				protected(r)

				// owner
				r.Put("/policy", guards.HandleSetPolicy)
				r.Put("/agent", guards.HandleSetAgent)
				r.Put("/endpoints", guards.HandleSetEndpoint)
				r.Put("/endpoints/allow-all", guards.HandleSetAllowAll)
				r.Post("/payments/pending/{paymentID}/approve", guards.HandleApprovePayment)
				r.Post("/payments/pending/{paymentID}/reject", guards.HandleRejectPayment)
				r.Post("/withdraw", guards.HandleWithdraw)
				r.Post("/withdraw-all", guards.HandleWithdrawAll)

				// agent
				r.Post("/payments", guards.HandleExecutePayment)

				// anyone authenticated
				r.Post("/fund", guards.HandleFund)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "", "method not allowed", nil)
	})

	return r
}
