package admin

import (
	"net/http"
	"strconv"

	"github.com/maxpert/beacon/producer"
	"github.com/maxpert/beacon/topic"
)

// handleListTopics returns every loaded topic with its producer summary
func (h *AdminHandlers) handleListTopics(w http.ResponseWriter, r *http.Request) {
	var response []map[string]interface{}
	for _, name := range h.broker.Topics() {
		t, ok := h.broker.Lookup(name)
		if !ok {
			continue
		}
		response = append(response, topicSummary(t))
	}

	writeJSONResponse(w, response)
}

// handleTopic returns one topic's summary
func (h *AdminHandlers) handleTopic(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	writeJSONResponse(w, topicSummary(t))
}

func topicSummary(t *topic.Topic) map[string]interface{} {
	stats := t.Stats()
	return map[string]interface{}{
		"name":          t.Name(),
		"replicated":    t.Replicated(),
		"last_position": t.LastPosition().String(),
		"epoch":         t.Arbiter().TopicEpoch(),
		"producers":     stats.Producers,
		"queue_depth":   stats.QueueDepth,
		"subscriptions": len(t.Subscriptions()),
	}
}

// handleProducers returns the arbiter state of a topic
func (h *AdminHandlers) handleProducers(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	arbiter := t.Arbiter()

	var active []map[string]interface{}
	for _, p := range arbiter.Active() {
		active = append(active, producerInfo(p))
	}

	response := map[string]interface{}{
		"epoch":       arbiter.TopicEpoch(),
		"shared":      arbiter.SharedHolders(),
		"queued":      arbiter.QueuedProducers(),
		"active":      active,
		"queue_depth": arbiter.QueueLength(),
	}
	if id, ok := arbiter.ExclusiveHolder(); ok {
		response["exclusive"] = id
	}

	writeJSONResponse(w, response)
}

func producerInfo(p *producer.Producer) map[string]interface{} {
	return map[string]interface{}{
		"id":            p.ID(),
		"name":          p.Name(),
		"mode":          p.Mode().String(),
		"connection_id": p.ConnectionID(),
		"epoch":         p.Epoch(),
	}
}

// handleIncrementEpoch fences every producer of a topic. The optional epoch
// parameter raises the new epoch to at least epoch+1.
func (h *AdminHandlers) handleIncrementEpoch(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	var hint uint64
	if s := r.URL.Query().Get("epoch"); s != "" {
		var err error
		hint, err = strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid epoch")
			return
		}
	}

	epoch, err := t.IncrementTopicEpoch(hint)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"epoch": epoch})
}

// handleSubscriptions returns the subscriptions of a topic
func (h *AdminHandlers) handleSubscriptions(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	writeJSONResponse(w, t.Subscriptions())
}
