// Package defect defines the shared vocabulary for interaction-blocking
// defects: the closed set of defect kinds, the style evidence captured for
// each finding, and the classified error records handed to the rule engine
// and the generative fixer.
package defect

import "strings"

// Kind is the root-cause family of a classified defect. The set is closed;
// anything that cannot be attributed to a concrete family is reported as
// KindUnknown and routed to the generative fixer.
type Kind string

const (
	// KindVisibility covers elements hidden via opacity, display or
	// visibility suppression.
	KindVisibility Kind = "visibility"
	// KindStacking covers missing or conflicting layer ordering.
	KindStacking Kind = "stacking"
	// KindPointerRouting covers clicks blocked or intercepted by an overlay.
	KindPointerRouting Kind = "pointer-routing"
	// KindSpatialTransform covers 3-D transforms that hide or displace an
	// element out of the interactive viewport.
	KindSpatialTransform Kind = "spatial-transform"
	// KindFeedbackIntensity covers interactions that work but produce a
	// visible change below the detection thresholds.
	KindFeedbackIntensity Kind = "feedback-intensity"
	// KindScriptFault covers broken behavior code or references to missing
	// elements.
	KindScriptFault Kind = "script-fault"
	// KindUnknown is the catch-all for unattributable failures.
	KindUnknown Kind = "unknown"
)

// deterministicKinds maps each kind to its static deterministic-fixable flag.
// Script faults and unknown defects always require generative inference.
var deterministicKinds = map[Kind]bool{
	KindVisibility:        true,
	KindStacking:          true,
	KindPointerRouting:    true,
	KindSpatialTransform:  true,
	KindFeedbackIntensity: true,
	KindScriptFault:       false,
	KindUnknown:           false,
}

// Deterministic reports whether the kind can be fixed by the deterministic
// rule catalog without generative inference.
func (k Kind) Deterministic() bool {
	return deterministicKinds[k]
}

// Known reports whether k is one of the closed kind values.
func (k Kind) Known() bool {
	_, ok := deterministicKinds[k]
	return ok
}

func (k Kind) String() string { return string(k) }

// Kinds returns the closed kind set in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindVisibility,
		KindStacking,
		KindPointerRouting,
		KindSpatialTransform,
		KindFeedbackIntensity,
		KindScriptFault,
		KindUnknown,
	}
}

// Box is an element bounding box in CSS pixels. A zero box means the
// geometry is unknown (static analysis cannot compute layout).
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Empty reports whether the box carries no geometry.
func (b Box) Empty() bool { return b.W == 0 && b.H == 0 }

// Overlaps reports whether two boxes intersect. Empty boxes never overlap.
func (b Box) Overlaps(o Box) bool {
	if b.Empty() || o.Empty() {
		return false
	}
	return b.X < o.X+o.W && o.X < b.X+b.W && b.Y < o.Y+o.H && o.Y < b.Y+b.H
}

// StyleSnapshot is the subset of effective style captured for a defect at
// classification time. Fields not derivable from the input keep their zero
// value; HasLayerIndex distinguishes "z-index: 0" from "no z-index".
type StyleSnapshot struct {
	Opacity       float64 `json:"opacity"`
	LayerIndex    int     `json:"layer_index"`
	HasLayerIndex bool    `json:"has_layer_index"`
	Display       string  `json:"display"`
	PointerEvents string  `json:"pointer_events"`
	Transform     string  `json:"transform"`
	Box           Box     `json:"box"`
}

// Blocker identifies the element intercepting interaction with the defect
// element, when classification could attribute one.
type Blocker struct {
	Selector   string `json:"selector"`
	Tag        string `json:"tag"`
	LayerIndex int    `json:"layer_index"`
}

// ClassifiedError is one detected interaction-blocking defect with an
// attributed root cause. Confidence reflects certainty of the attribution,
// not certainty that a fix exists.
type ClassifiedError struct {
	Kind               Kind          `json:"kind"`
	Selector           string        `json:"selector"`
	Tag                string        `json:"tag"`
	Style              StyleSnapshot `json:"style"`
	Blocker            *Blocker      `json:"blocker,omitempty"`
	Confidence         float64       `json:"confidence"`
	RequiresGenerative bool          `json:"requires_generative"`
	Evidence           []string      `json:"evidence,omitempty"`
}

// Rationale renders the evidence list as a single human-readable string for
// patch rationales and generative prompts.
func (e ClassifiedError) Rationale() string {
	if len(e.Evidence) == 0 {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + strings.Join(e.Evidence, "; ")
}

// Clamp01 bounds a confidence value to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
