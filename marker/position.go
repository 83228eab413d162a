package marker

import "fmt"

// Position identifies an entry in a partition log.
// Major is the ledger, Minor the entry within it. Positions are totally
// ordered by Major then Minor.
type Position struct {
	Major int64 `msgpack:"major" json:"major"`
	Minor int64 `msgpack:"minor" json:"minor"`
}

// Earliest sorts before every position a log can hand out
var Earliest = Position{Major: -1, Minor: -1}

// NewPosition builds a position from its two components
func NewPosition(major, minor int64) Position {
	return Position{Major: major, Minor: minor}
}

// Compare returns -1, 0 or 1 when p is before, equal to or after o
func (p Position) Compare(o Position) int {
	switch {
	case p.Major < o.Major:
		return -1
	case p.Major > o.Major:
		return 1
	case p.Minor < o.Minor:
		return -1
	case p.Minor > o.Minor:
		return 1
	}
	return 0
}

// Before reports whether p sorts strictly before o
func (p Position) Before(o Position) bool {
	return p.Compare(o) < 0
}

// After reports whether p sorts strictly after o
func (p Position) After(o Position) bool {
	return p.Compare(o) > 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Major, p.Minor)
}
