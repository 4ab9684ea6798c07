// Package admin exposes the HTTP introspection API: topic stats, listener
// listing and listener removal.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/retopic/topic"
)

// Handlers serves the admin API over a topic client.
type Handlers struct {
	client *topic.Client
}

// NewHandlers creates a Handlers instance.
func NewHandlers(client *topic.Client) *Handlers {
	return &Handlers{client: client}
}

// writeJSONResponse writes a successful JSON response.
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Warn().Err(err).Msg("Failed to encode admin response")
	}
}

// writeErrorResponse writes a JSON error response.
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": message})
}

// handleListTopics returns stats for every live topic.
func (h *Handlers) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics := h.client.Topics()
	out := make([]topic.TopicStats, 0, len(topics))
	for _, t := range topics {
		stats, err := t.Stats(r.Context())
		if err != nil {
			log.Warn().Err(err).Str("topic", t.Name()).Msg("Failed to read topic stats")
			continue
		}
		out = append(out, stats)
	}
	writeJSONResponse(w, out)
}

// handleTopicStats returns stats for one topic.
func (h *Handlers) handleTopicStats(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	stats, err := t.Stats(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, stats)
}

// handleTopicListeners lists the live runners of one topic.
func (h *Handlers) handleTopicListeners(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	writeJSONResponse(w, t.Listeners())
}

// handleRemoveListener cancels a registration.
func (h *Handlers) handleRemoveListener(w http.ResponseWriter, r *http.Request, t *topic.Topic, regID string) {
	if !t.RemoveListener(regID) {
		writeErrorResponse(w, http.StatusNotFound, "listener not found")
		return
	}
	writeJSONResponse(w, map[string]string{"removed": regID})
}
