package marker

import (
	"errors"
	"fmt"

	"github.com/maxpert/beacon/encoding"
)

var (
	// ErrEmptyMarker is returned when decoding a zero-length payload
	ErrEmptyMarker = errors.New("empty marker payload")
	// ErrUnknownKind is returned for a discriminator this broker does not understand
	ErrUnknownKind = errors.New("unknown marker kind")
)

// Encode serializes a marker as its kind byte followed by the msgpack body
func Encode(m Marker) ([]byte, error) {
	var body interface{}
	switch m.Kind {
	case KindSnapshotRequest:
		body = m.Request
	case KindSnapshotResponse:
		body = m.Response
	case KindSnapshot:
		body = m.Snapshot
	case KindSubscriptionUpdate:
		body = m.Update
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, m.Kind)
	}

	if isNilPayload(body) {
		return nil, fmt.Errorf("marker %s has no payload", m.Kind)
	}

	data, err := encoding.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}

	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(m.Kind))
	return append(out, data...), nil
}

// Decode reads the discriminator first, then the payload it selects
func Decode(data []byte) (Marker, error) {
	if len(data) == 0 {
		return Marker{}, ErrEmptyMarker
	}

	kind := Kind(data[0])
	body := data[1:]
	m := Marker{Kind: kind}

	var err error
	switch kind {
	case KindSnapshotRequest:
		m.Request = &SnapshotRequest{}
		err = encoding.Unmarshal(body, m.Request)
	case KindSnapshotResponse:
		m.Response = &SnapshotResponse{}
		err = encoding.Unmarshal(body, m.Response)
	case KindSnapshot:
		m.Snapshot = &Snapshot{}
		err = encoding.Unmarshal(body, m.Snapshot)
	case KindSubscriptionUpdate:
		m.Update = &SubscriptionUpdate{}
		err = encoding.Unmarshal(body, m.Update)
	default:
		return Marker{}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	if err != nil {
		return Marker{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	return m, nil
}

// MustEncode is Encode for payloads built in-process, where failure is a programming error
func MustEncode(m Marker) []byte {
	data, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return data
}

func isNilPayload(body interface{}) bool {
	switch v := body.(type) {
	case *SnapshotRequest:
		return v == nil
	case *SnapshotResponse:
		return v == nil
	case *Snapshot:
		return v == nil
	case *SubscriptionUpdate:
		return v == nil
	}
	return false
}
