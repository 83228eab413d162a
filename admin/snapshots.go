package admin

import (
	"encoding/json"
	"net/http"

	"github.com/maxpert/beacon/notify"
	"github.com/maxpert/beacon/topic"
	"github.com/rs/zerolog/log"
)

// handleSnapshots returns the latest snapshot, the recorded history and the
// round in flight
func (h *AdminHandlers) handleSnapshots(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	ctrl := t.Controller()

	response := map[string]interface{}{
		"history": ctrl.History(),
	}
	if latest, ok := ctrl.LatestSnapshot(); ok {
		response["latest"] = latest
	}
	if round, ok := ctrl.ActiveRound(); ok {
		response["active_round"] = round
	}

	writeJSONResponse(w, response)
}

// handleWatchSnapshots streams snapshots as newline-delimited JSON until the
// client goes away or limit snapshots were sent
func (h *AdminHandlers) handleWatchSnapshots(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	if h.hub == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "snapshot notifications are disabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	signals, cancel := h.hub.Subscribe(notify.Filter{Topics: []string{t.Name()}})
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	enc := json.NewEncoder(w)
	sent := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if err := enc.Encode(sig); err != nil {
				log.Debug().Err(err).Str("topic", t.Name()).Msg("Snapshot watcher went away")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			sent++
			if limit > 0 && sent >= limit {
				return
			}
		}
	}
}

// handleGetClusters returns the remote-cluster roster of a topic
func (h *AdminHandlers) handleGetClusters(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	writeJSONResponse(w, map[string]interface{}{
		"local":    h.broker.LocalCluster(),
		"clusters": t.Controller().RemoteClusters(),
	})
}

type setClustersRequest struct {
	Clusters []string `json:"clusters"`
}

// handleSetClusters replaces the roster. It applies from the next round.
func (h *AdminHandlers) handleSetClusters(w http.ResponseWriter, r *http.Request, t *topic.Topic) {
	var req setClustersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.broker.SetRemoteClusters(t.Name(), req.Clusters); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("topic", t.Name()).Strs("clusters", req.Clusters).Msg("Roster changed through admin API")
	writeJSONResponse(w, map[string]interface{}{
		"clusters": t.Controller().RemoteClusters(),
	})
}
