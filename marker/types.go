package marker

// Kind is the one-byte discriminator preceding every marker payload
type Kind uint8

const (
	KindSnapshotRequest    Kind = 10
	KindSnapshotResponse   Kind = 11
	KindSnapshot           Kind = 12
	KindSubscriptionUpdate Kind = 13
)

func (k Kind) String() string {
	switch k {
	case KindSnapshotRequest:
		return "snapshot_request"
	case KindSnapshotResponse:
		return "snapshot_response"
	case KindSnapshot:
		return "snapshot"
	case KindSubscriptionUpdate:
		return "subscription_update"
	default:
		return "unknown"
	}
}

// SnapshotRequest asks every remote cluster for its current position
type SnapshotRequest struct {
	SnapshotID    string `msgpack:"snapshot_id" json:"snapshot_id"`
	SourceCluster string `msgpack:"source_cluster" json:"source_cluster"`

	// Phase is 2 for the confirmation request of a two-phase round
	Phase int `msgpack:"phase,omitempty" json:"phase,omitempty"`
}

// RoundPhase reports the request's phase, 1 when unset
func (r SnapshotRequest) RoundPhase() int {
	return phaseOrFirst(r.Phase)
}

// SnapshotResponse carries one remote cluster's position for a round
type SnapshotResponse struct {
	SnapshotID string   `msgpack:"snapshot_id" json:"snapshot_id"`
	Cluster    string   `msgpack:"cluster" json:"cluster"`
	Position   Position `msgpack:"position" json:"position"`

	// Phase echoes the phase of the request being answered
	Phase int `msgpack:"phase,omitempty" json:"phase,omitempty"`
}

// RoundPhase reports the phase of the answered request, 1 when unset
func (r SnapshotResponse) RoundPhase() int {
	return phaseOrFirst(r.Phase)
}

func phaseOrFirst(phase int) int {
	if phase <= 0 {
		return 1
	}
	return phase
}

// ClusterPosition pairs a cluster with a position in its log
type ClusterPosition struct {
	Cluster  string   `msgpack:"cluster" json:"cluster"`
	Position Position `msgpack:"position" json:"position"`
}

// Snapshot is a finalized consistent cut: LocalPosition in this cluster's
// log corresponds to each entry of Clusters in the named remote log.
type Snapshot struct {
	SnapshotID    string            `msgpack:"snapshot_id" json:"snapshot_id"`
	LocalPosition Position          `msgpack:"local_position" json:"local_position"`
	Clusters      []ClusterPosition `msgpack:"clusters" json:"clusters"`
}

// PositionFor returns the recorded position of a cluster in the snapshot
func (s Snapshot) PositionFor(cluster string) (Position, bool) {
	for _, c := range s.Clusters {
		if c.Cluster == cluster {
			return c.Position, true
		}
	}
	return Position{}, false
}

// SubscriptionUpdate tells remote clusters where a replicated subscription's
// mark-delete position now lies in each of their logs.
type SubscriptionUpdate struct {
	Subscription string            `msgpack:"subscription" json:"subscription"`
	Clusters     []ClusterPosition `msgpack:"clusters" json:"clusters"`
}

// Marker is the decoded tagged union. Exactly one payload field is set,
// the one matching Kind.
type Marker struct {
	Kind     Kind
	Request  *SnapshotRequest
	Response *SnapshotResponse
	Snapshot *Snapshot
	Update   *SubscriptionUpdate
}

// NewRequest wraps a snapshot request
func NewRequest(snapshotID, sourceCluster string) Marker {
	return Marker{
		Kind:    KindSnapshotRequest,
		Request: &SnapshotRequest{SnapshotID: snapshotID, SourceCluster: sourceCluster},
	}
}

// NewPhaseRequest wraps a snapshot request for the given round phase
func NewPhaseRequest(snapshotID, sourceCluster string, phase int) Marker {
	m := NewRequest(snapshotID, sourceCluster)
	m.Request.Phase = phase
	return m
}

// NewResponse wraps a snapshot response
func NewResponse(snapshotID, cluster string, pos Position) Marker {
	return Marker{
		Kind:     KindSnapshotResponse,
		Response: &SnapshotResponse{SnapshotID: snapshotID, Cluster: cluster, Position: pos},
	}
}

// NewPhaseResponse wraps a snapshot response answering a request of the given phase
func NewPhaseResponse(snapshotID, cluster string, pos Position, phase int) Marker {
	m := NewResponse(snapshotID, cluster, pos)
	m.Response.Phase = phase
	return m
}

// NewSnapshot wraps a finalized snapshot
func NewSnapshot(s Snapshot) Marker {
	return Marker{Kind: KindSnapshot, Snapshot: &s}
}

// NewUpdate wraps a subscription update
func NewUpdate(u SubscriptionUpdate) Marker {
	return Marker{Kind: KindSubscriptionUpdate, Update: &u}
}
