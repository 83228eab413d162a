package marker

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPosition_Compare(t *testing.T) {
	tests := []struct {
		a, b Position
		want int
	}{
		{NewPosition(1, 1), NewPosition(1, 1), 0},
		{NewPosition(1, 1), NewPosition(1, 2), -1},
		{NewPosition(2, 0), NewPosition(1, 99), 1},
		{Earliest, NewPosition(0, 0), -1},
	}

	for _, tt := range tests {
		if got := tt.a.Compare(tt.b); got != tt.want {
			t.Errorf("%s.Compare(%s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPosition_Ordering(t *testing.T) {
	positions := []Position{
		NewPosition(3, 0), NewPosition(1, 5), NewPosition(1, 1), NewPosition(2, 7),
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Before(positions[j]) })

	assert.Equal(t, []Position{
		NewPosition(1, 1), NewPosition(1, 5), NewPosition(2, 7), NewPosition(3, 0),
	}, positions)
	assert.True(t, positions[3].After(positions[0]))
	assert.Equal(t, "2:7", positions[2].String())
}
