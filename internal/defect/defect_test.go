package defect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindDeterministic(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindVisibility, true},
		{KindStacking, true},
		{KindPointerRouting, true},
		{KindSpatialTransform, true},
		{KindFeedbackIntensity, true},
		{KindScriptFault, false},
		{KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Deterministic())
			assert.True(t, tt.kind.Known())
		})
	}
}

func TestKindUnknownValue(t *testing.T) {
	assert.False(t, Kind("banana").Known())
	assert.False(t, Kind("banana").Deterministic())
}

func TestKindsCoversEveryKind(t *testing.T) {
	assert.Len(t, Kinds(), len(deterministicKinds))
	for _, k := range Kinds() {
		assert.True(t, k.Known(), "kind %q missing from flag table", k)
	}
}

func TestBoxOverlaps(t *testing.T) {
	a := Box{X: 0, Y: 0, W: 100, H: 100}

	tests := []struct {
		name string
		b    Box
		want bool
	}{
		{"contained", Box{X: 10, Y: 10, W: 20, H: 20}, true},
		{"partial", Box{X: 90, Y: 90, W: 50, H: 50}, true},
		{"disjoint", Box{X: 200, Y: 0, W: 10, H: 10}, false},
		{"touching edge", Box{X: 100, Y: 0, W: 10, H: 10}, false},
		{"empty", Box{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(a))
		})
	}
}

func TestRationale(t *testing.T) {
	e := ClassifiedError{Kind: KindStacking, Evidence: []string{"z-index 10 below blocker 20", "overlap with #modal"}}
	assert.Equal(t, "stacking: z-index 10 below blocker 20; overlap with #modal", e.Rationale())

	bare := ClassifiedError{Kind: KindUnknown}
	assert.Equal(t, "unknown", bare.Rationale())
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.3))
	assert.Equal(t, 1.0, Clamp01(1.7))
	assert.Equal(t, 0.55, Clamp01(0.55))
}
