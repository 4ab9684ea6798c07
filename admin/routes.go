package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maxpert/retopic/topic"
)

// NewRouter builds the admin API router.
func NewRouter(handlers *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Get("/topics", handlers.handleListTopics)

	r.Route("/topics/{name}", func(r chi.Router) {
		r.Get("/", handlers.wrapTopic(handlers.handleTopicStats))
		r.Get("/listeners", handlers.wrapTopic(handlers.handleTopicListeners))
		r.Delete("/listeners/{id}", func(w http.ResponseWriter, req *http.Request) {
			t, ok := handlers.client.Topic(chi.URLParam(req, "name"))
			if !ok {
				writeErrorResponse(w, http.StatusNotFound, "topic not found")
				return
			}
			handlers.handleRemoveListener(w, req, t, chi.URLParam(req, "id"))
		})
	})

	return r
}

// wrapTopic resolves the {name} URL parameter to a live topic. Only topics
// already created through the client are visible; the admin API never
// creates topics as a side effect.
func (h *Handlers) wrapTopic(fn func(http.ResponseWriter, *http.Request, *topic.Topic)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := h.client.Topic(chi.URLParam(r, "name"))
		if !ok {
			writeErrorResponse(w, http.StatusNotFound, "topic not found")
			return
		}
		fn(w, r, t)
	}
}
