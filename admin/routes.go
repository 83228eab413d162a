package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(chiAuthMiddleware)

	r.Get("/topics", handlers.handleListTopics)
	r.Get("/replication", handlers.handleReplication)

	r.Route("/topics/{topic}", func(r chi.Router) {
		r.Get("/", handlers.wrapWithTopic(handlers.handleTopic))

		// Producers
		r.Get("/producers", handlers.wrapWithTopic(handlers.handleProducers))
		r.Post("/epoch", handlers.wrapWithTopic(handlers.handleIncrementEpoch))

		// Snapshots
		r.Get("/snapshots", handlers.wrapWithTopic(handlers.handleSnapshots))
		r.Get("/snapshots/watch", handlers.wrapWithTopic(handlers.handleWatchSnapshots))

		// Roster
		r.Get("/clusters", handlers.wrapWithTopic(handlers.handleGetClusters))
		r.Put("/clusters", handlers.wrapWithTopic(handlers.handleSetClusters))

		r.Get("/subscriptions", handlers.wrapWithTopic(handlers.handleSubscriptions))
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/topics/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}
