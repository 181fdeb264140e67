// Package router assembles the chi route tree from injected handlers.
package router

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tesserahq/tessera-backend/internal/handler"
	"github.com/tesserahq/tessera-backend/internal/middleware"
)

// Dependencies holds everything the router wires up.
type Dependencies struct {
	Version    string
	Metrics    *middleware.Metrics
	MetricsReg *prometheus.Registry
	Verifier   middleware.TokenVerifier

	ChatDeps  handler.ChatDeps
	AdminDeps handler.AdminDeps
	// AuthDeps is optional; nil Bridge disables the login endpoints.
	AuthDeps handler.AuthDeps
}

// New builds the route tree.
func New(deps Dependencies) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Monitoring(deps.Metrics))
	r.Use(middleware.Auth(deps.Verifier))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, deps.Version)
	})
	r.Method(http.MethodGet, "/metrics", middleware.MetricsHandler(deps.MetricsReg))

	if deps.AuthDeps.Bridge != nil {
		r.Get("/auth/login", handler.Login(deps.AuthDeps))
		r.Get("/auth/callback", handler.Callback(deps.AuthDeps))
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/chat", handler.Chat(deps.ChatDeps))

		api.Route("/admin", func(admin chi.Router) {
			admin.Get("/pairs", handler.ListPairs(deps.AdminDeps))
			admin.Post("/pairs/{pairID}/trigger", handler.TriggerIndexing(deps.AdminDeps))
			admin.Get("/pairs/{pairID}/attempts", handler.PairAttempts(deps.AdminDeps))
		})
	})

	return r
}
