package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/beacon/notify"
	"github.com/maxpert/beacon/topic"
	"github.com/rs/zerolog/log"
)

// AdminHandlers serves the operator API over a broker
type AdminHandlers struct {
	broker *topic.Broker
	hub    *notify.Hub
}

// NewAdminHandlers creates a new AdminHandlers instance. hub may be nil, in
// which case snapshot watching is unavailable.
func NewAdminHandlers(broker *topic.Broker, hub *notify.Hub) *AdminHandlers {
	return &AdminHandlers{
		broker: broker,
		hub:    hub,
	}
}

// getTopic resolves the {topic} URL parameter to a loaded topic
func (h *AdminHandlers) getTopic(r *http.Request) (*topic.Topic, error) {
	name := chi.URLParam(r, "topic")
	if name == "" {
		return nil, fmt.Errorf("topic name is required")
	}

	t, ok := h.broker.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("topic '%s' not found", name)
	}
	return t, nil
}

// wrapWithTopic resolves the topic before calling fn
func (h *AdminHandlers) wrapWithTopic(fn func(http.ResponseWriter, *http.Request, *topic.Topic)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := h.getTopic(r)
		if err != nil {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		fn(w, r, t)
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses the limit parameter, 0 when absent
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > 1024 {
		return 0, fmt.Errorf("limit cannot exceed 1024")
	}
	return limit, nil
}
