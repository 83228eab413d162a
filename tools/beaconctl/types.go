package main

import (
	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/snapshot"
	"github.com/maxpert/beacon/topic"
)

// Response shapes of the admin API

type TopicSummary struct {
	Name          string `json:"name"`
	Replicated    bool   `json:"replicated"`
	LastPosition  string `json:"last_position"`
	Epoch         uint64 `json:"epoch"`
	Producers     int    `json:"producers"`
	QueueDepth    int    `json:"queue_depth"`
	Subscriptions int    `json:"subscriptions"`
}

type ProducerSummary struct {
	ID           uint64 `json:"id"`
	Name         string `json:"name"`
	Mode         string `json:"mode"`
	ConnectionID string `json:"connection_id"`
	Epoch        uint64 `json:"epoch"`
}

type ProducerState struct {
	Epoch      uint64            `json:"epoch"`
	Exclusive  *uint64           `json:"exclusive"`
	Shared     []uint64          `json:"shared"`
	Queued     []uint64          `json:"queued"`
	Active     []ProducerSummary `json:"active"`
	QueueDepth int               `json:"queue_depth"`
}

type SnapshotState struct {
	Latest      *marker.Snapshot    `json:"latest"`
	History     []marker.Snapshot   `json:"history"`
	ActiveRound *snapshot.RoundInfo `json:"active_round"`
}

type ClusterState struct {
	Local    string   `json:"local"`
	Clusters []string `json:"clusters"`
}

type SubscriptionSummary = topic.SubscriptionInfo
