package admin

import "net/http"

// handleReplication returns per-remote backlog and the remotes of each topic
func (h *AdminHandlers) handleReplication(w http.ResponseWriter, r *http.Request) {
	m := h.broker.Replication()
	if m == nil {
		writeJSONResponse(w, map[string]interface{}{"enabled": false})
		return
	}

	topics := make(map[string][]string)
	for _, name := range h.broker.Topics() {
		if remotes := m.Remotes(name); len(remotes) > 0 {
			topics[name] = remotes
		}
	}

	writeJSONResponse(w, map[string]interface{}{
		"enabled": true,
		"backlog": m.Backlog(),
		"topics":  topics,
	})
}
