package producer

import (
	"fmt"
	"strings"
)

// AccessMode decides how a producer shares a topic with other producers
type AccessMode int

const (
	// Shared producers publish side by side; any exclusive holder keeps them out
	Shared AccessMode = iota
	// Exclusive is granted only on a topic with no active producers
	Exclusive
	// ExclusiveWithFencing is always granted and fences everyone else
	ExclusiveWithFencing
	// WaitForExclusive queues until the topic is free
	WaitForExclusive
)

func (m AccessMode) String() string {
	switch m {
	case Shared:
		return "Shared"
	case Exclusive:
		return "Exclusive"
	case ExclusiveWithFencing:
		return "ExclusiveWithFencing"
	case WaitForExclusive:
		return "WaitForExclusive"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// IsExclusive reports whether the mode belongs to the exclusive family
func (m AccessMode) IsExclusive() bool {
	return m == Exclusive || m == ExclusiveWithFencing || m == WaitForExclusive
}

// ParseAccessMode accepts mode names case-insensitively, with or without
// separators ("wait_for_exclusive", "WaitForExclusive").
func ParseAccessMode(s string) (AccessMode, error) {
	normalized := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	switch normalized {
	case "shared", "":
		return Shared, nil
	case "exclusive":
		return Exclusive, nil
	case "exclusivewithfencing":
		return ExclusiveWithFencing, nil
	case "waitforexclusive":
		return WaitForExclusive, nil
	default:
		return Shared, fmt.Errorf("unknown access mode %q", s)
	}
}

// MarshalText lets modes travel as names in JSON and TOML
func (m AccessMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *AccessMode) UnmarshalText(text []byte) error {
	parsed, err := ParseAccessMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
