package relay

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markb/csrealtime/internal/log"
	"github.com/markb/csrealtime/internal/observability"
)

// Router returns the relay's HTTP surface.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(log.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(s.metrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/realtime/v1", func(r chi.Router) {
		r.Get("/websocket", s.HandleWebSocket)
		r.Group(func(r chi.Router) {
			r.Use(s.apiKeyMiddleware)
			r.Get("/stats", s.HandleStats)
			r.Get("/changes", s.HandleChanges)
		})
	})

	r.Route("/rest/v1", func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)
		r.Get("/{table}", s.HandleSelect)
		r.Post("/{table}", s.HandleInsert)
		r.Patch("/{table}", s.HandleUpdate)
		r.Delete("/{table}", s.HandleDelete)
	})

	return r
}
