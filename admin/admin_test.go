package admin

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/beacon/cfg"
	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/markerlog"
	"github.com/maxpert/beacon/notify"
	"github.com/maxpert/beacon/producer"
	"github.com/maxpert/beacon/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func setupAdmin(t *testing.T) (*httptest.Server, *topic.Broker, *notify.Hub) {
	t.Helper()

	store, err := markerlog.Open(filepath.Join(t.TempDir(), "markerlog"))
	require.NoError(t, err)

	hub := notify.NewHub()
	broker, err := topic.NewBroker(topic.Config{
		LocalCluster: "a",
		Store:        store,
		Snapshot: cfg.SnapshotConfiguration{
			TimeoutSeconds: 30, FrequencyMS: 1000, MaxCachedPerSubscription: 2, HistorySize: 4,
		},
		Notifier: hub,
	})
	require.NoError(t, err)
	require.NoError(t, broker.Start())

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewAdminHandlers(broker, hub))
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		broker.Close()
		_ = store.Close()
	})
	return server, broker, hub
}

func doJSON(t *testing.T, method, url, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if out != nil && env.Data != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return resp.StatusCode
}

func TestTopicEndpoints(t *testing.T) {
	server, broker, _ := setupAdmin(t)

	tp, err := broker.Topic("orders")
	require.NoError(t, err)
	reg, err := tp.AddProducer(producer.Request{ProducerID: 7, Name: "writer", Mode: producer.Exclusive, ConnectionID: "c1"})
	require.NoError(t, err)
	_, err = tp.Subscribe("billing", true)
	require.NoError(t, err)

	var topics []map[string]interface{}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, server.URL+"/admin/topics", "", &topics))
	require.Len(t, topics, 1)
	assert.Equal(t, "orders", topics[0]["name"])
	assert.EqualValues(t, 1, topics[0]["producers"])

	var producers map[string]interface{}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, server.URL+"/admin/topics/orders/producers", "", &producers))
	assert.EqualValues(t, 7, producers["exclusive"])
	assert.EqualValues(t, 0, producers["epoch"])

	var epoch map[string]uint64
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, server.URL+"/admin/topics/orders/epoch?epoch=4", "", &epoch))
	assert.Equal(t, uint64(5), epoch["epoch"])
	assert.ErrorIs(t, reg.Producer().CheckPublish(), producer.ErrProducerFenced)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, server.URL+"/admin/topics/orders/epoch?epoch=x", "", nil))

	var subs []topic.SubscriptionInfo
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, server.URL+"/admin/topics/orders/subscriptions", "", &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "billing", subs[0].Name)
	assert.True(t, subs[0].Replicated)

	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodGet, server.URL+"/admin/topics/missing/producers", "", nil))
}

func TestClusterEndpoints(t *testing.T) {
	server, broker, _ := setupAdmin(t)
	_, err := broker.Topic("orders")
	require.NoError(t, err)

	var clusters struct {
		Local    string   `json:"local"`
		Clusters []string `json:"clusters"`
	}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodPut, server.URL+"/admin/topics/orders/clusters", `{"clusters":["c","b","b"]}`, &clusters))
	assert.Equal(t, []string{"b", "c"}, clusters.Clusters)

	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, server.URL+"/admin/topics/orders/clusters", "", &clusters))
	assert.Equal(t, "a", clusters.Local)
	assert.Equal(t, []string{"b", "c"}, clusters.Clusters)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, server.URL+"/admin/topics/orders/clusters", `{"clusters":["a"]}`, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPut, server.URL+"/admin/topics/orders/clusters", `not json`, nil))

	var repl map[string]interface{}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, server.URL+"/admin/replication", "", &repl))
	assert.Equal(t, false, repl["enabled"])
}

func TestSnapshotEndpoints(t *testing.T) {
	server, broker, hub := setupAdmin(t)
	tp, err := broker.Topic("orders")
	require.NoError(t, err)

	// an empty roster completes a round at once
	tp.Controller().Tick()

	var snaps struct {
		Latest  *marker.Snapshot  `json:"latest"`
		History []marker.Snapshot `json:"history"`
	}
	assert.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, server.URL+"/admin/topics/orders/snapshots", "", &snaps))
	require.NotNil(t, snaps.Latest)
	assert.Len(t, snaps.History, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				hub.Signal("orders", marker.Snapshot{SnapshotID: "watched"})
			}
		}
	}()

	resp, err := http.Get(server.URL + "/admin/topics/orders/snapshots/watch?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	require.NoError(t, err)
	done <- struct{}{}

	var sig notify.Signal
	require.NoError(t, json.Unmarshal(line, &sig))
	assert.Equal(t, "orders", sig.Topic)
	assert.Equal(t, "watched", sig.Snapshot.SnapshotID)
}

func TestAuthMiddleware(t *testing.T) {
	server, _, _ := setupAdmin(t)

	original := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = "s3cret"
	defer func() { cfg.Config.Admin.Secret = original }()

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, http.MethodGet, server.URL+"/admin/topics", "", nil))

	for _, header := range []http.Header{
		{"X-Beacon-Secret": []string{"s3cret"}},
		{"Authorization": []string{"Bearer s3cret"}},
	} {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/admin/topics", nil)
		require.NoError(t, err)
		req.Header = header
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, server.URL+"/admin/topics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Basic abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
