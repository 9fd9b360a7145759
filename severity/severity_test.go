package severity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScale_Lookup(t *testing.T) {
	s := DefaultScale()

	tests := []struct {
		label string
		want  Level
	}{
		{"critical", Defined(4)},
		{"CRITICAL", Defined(4)},
		{" error ", Defined(3)},
		{"warn", Defined(2)},
		{"info", Defined(1)},
		{"notice", Defined(1)},
		{"", Undefined()},
		{"bogus", Undefined()},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Lookup(tt.label))
		})
	}
}

func TestScale_PriorityFallsBackToBaseline(t *testing.T) {
	s, err := NewScale(DefaultLevels, nil, -1)
	require.NoError(t, err)

	assert.Equal(t, -1, s.Priority(""))
	assert.Equal(t, -1, s.Priority("sev-unknown"))
	assert.Equal(t, 4, s.Priority("critical"))
}

func TestScale_CombinedPriority(t *testing.T) {
	s, err := NewScale(DefaultLevels, DefaultAliases, 0)
	require.NoError(t, err)

	tests := []struct {
		name             string
		current, related Level
		want             int
	}{
		{"both defined takes max", Defined(2), Defined(4), 4},
		{"both defined current higher", Defined(3), Defined(1), 3},
		{"only current defined", Defined(2), Undefined(), 2},
		{"only related defined", Undefined(), Defined(3), 3},
		{"neither defined uses baseline", Undefined(), Undefined(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.CombinedPriority(tt.current, tt.related))
		})
	}
}

func TestScale_CombinedPriorityDoesNotTreatUndefinedAsZero(t *testing.T) {
	// With a negative baseline a naive max would pick 0 for undefined inputs.
	s, err := NewScale(map[string]int{"low": -5, "high": 10}, nil, -10)
	require.NoError(t, err)

	assert.Equal(t, -5, s.CombinedPriority(Defined(-5), Undefined()))
	assert.Equal(t, -5, s.CombinedPriority(Undefined(), Defined(-5)))
	assert.Equal(t, -10, s.CombinedPriority(Undefined(), Undefined()))
}

func TestScale_Label(t *testing.T) {
	s := DefaultScale()

	assert.Equal(t, "critical", s.Label(4))
	assert.Equal(t, "critical", s.Label(9))
	assert.Equal(t, "warning", s.Label(2))
	assert.Equal(t, UnknownLabel, s.Label(0))
	assert.Equal(t, "error", s.Canonical("ERR"))
	assert.Equal(t, UnknownLabel, s.Canonical("whatever"))
}

func TestNewScale_Validation(t *testing.T) {
	_, err := NewScale(nil, nil, 0)
	assert.Error(t, err)

	_, err = NewScale(map[string]int{"info": 0}, nil, 0)
	assert.Error(t, err, "priority must exceed baseline")

	_, err = NewScale(map[string]int{"info": 1}, map[string]string{"i": "missing"}, 0)
	assert.Error(t, err, "alias must target a known level")

	_, err = NewScale(map[string]int{"": 1}, nil, 0)
	assert.Error(t, err)
}
