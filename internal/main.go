package internal

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"
)

func Main(logger *slog.Logger, tracker Tracker, opts Options) (chi.Router, *Relay) {
	relay := NewRelay(logger, tracker, opts)

	router := chi.NewRouter()
	router.Use(mid(opts.InstanceID))
	router.Get("/", index())
	router.Get("/health", health())
	router.Get("/connections", connections(relay))
	router.Get("/ws", JoinRoute(relay, logger))

	if opts.LayoutsFile != "" {
		router.Mount("/layouts", LayoutRoutes(NewLayoutStore(opts.LayoutsFile), logger, opts.MaxMessageBytes))
	}

	return router, relay
}

func index() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Relay is running"))
	}
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

type connectionsResponse struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}

func connections(relay *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := relay.Registry().IDs()
		writeJSON(w, http.StatusOK, connectionsResponse{Count: len(ids), IDs: ids})
	}
}

func mid(instanceID string) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "manualpilot")
			w.Header().Set("Instance-ID", instanceID)
			handler.ServeHTTP(w, r)
		})
	}
}
