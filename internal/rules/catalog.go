package rules

import (
	"strings"

	"interfix/internal/defect"
	"interfix/internal/document"
	"interfix/internal/patch"
)

// Family priorities. Only the relative order is contractual: visibility
// repairs run before stacking, stacking before routing, and feedback
// amplification always runs last.
const (
	PriorityVisibility     = 10
	PriorityStacking       = 20
	PriorityPointerRouting = 30
	PriorityPassthrough    = 40
	PrioritySpatial        = 50
	PriorityFeedback       = 60
)

// Remediation classes added by the catalog. Their definitions ship in
// Stylesheet; generated documents carry that sheet so patches stay purely
// class-level.
const (
	ClassForceVisible = "ifx-force-visible"
	ClassRaiseContent = "ifx-z-content"
	ClassRaiseOverlay = "ifx-z-overlay"
	ClassRaiseDialog  = "ifx-z-dialog"
	ClassRaiseTop     = "ifx-z-top"
	ClassClickable    = "ifx-clickable"
	ClassPassthrough  = "ifx-passthrough"
	ClassUnflip       = "ifx-unflip"
	ClassOnscreen     = "ifx-onscreen"
	ClassActiveScale  = "ifx-active-scale"
	ClassActiveBright = "ifx-active-bright"
)

// suppressorClasses are utility classes commonly responsible for hiding
// elements in generated markup. Visibility repair removes them outright;
// removal of an absent class is a no-op at apply time.
var suppressorClasses = []string{"hidden", "invisible", "opacity-0", "d-none"}

// Layer tiers backing the ifx-z-* classes.
const (
	tierContent = 10
	tierOverlay = 100
	tierDialog  = 1000
	tierTop     = 10000
)

// RaiseAbove returns the lowest tier class whose layer index clears the
// given one.
func RaiseAbove(layer int) string {
	switch {
	case layer < tierContent:
		return ClassRaiseContent
	case layer < tierOverlay:
		return ClassRaiseOverlay
	case layer < tierDialog:
		return ClassRaiseDialog
	default:
		return ClassRaiseTop
	}
}

// roleTier picks the minimal tier consistent with the element's role when
// no blocker is known: dialogs above overlays above plain content.
func roleTier(err defect.ClassifiedError) string {
	tag := err.Tag
	var classes []string
	if sel, perr := document.ParseSelector(err.Selector); perr == nil {
		if tag == "" {
			tag = sel.Tag
		}
		classes = sel.Classes
	}
	hasAny := func(names ...string) bool {
		for _, c := range classes {
			lc := strings.ToLower(c)
			for _, n := range names {
				if strings.Contains(lc, n) {
					return true
				}
			}
		}
		return false
	}
	switch {
	case tag == "dialog" || hasAny("dialog", "modal"):
		return ClassRaiseDialog
	case hasAny("overlay", "backdrop", "toast", "tooltip", "popover"):
		return ClassRaiseOverlay
	default:
		return ClassRaiseContent
	}
}

// DefaultCatalog returns the built-in rule families in priority order.
func DefaultCatalog() []Rule {
	return []Rule{
		{
			Name:     "visibility-restore",
			Priority: PriorityVisibility,
			Kinds:    []defect.Kind{defect.KindVisibility},
			Fix: func(err defect.ClassifiedError) patch.Patch {
				return patch.Patch{
					Selector:  err.Selector,
					Add:       []string{ClassForceVisible},
					Remove:    append([]string(nil), suppressorClasses...),
					Rationale: "visibility-restore: " + err.Rationale(),
				}
			},
		},
		{
			Name:     "stacking-fix",
			Priority: PriorityStacking,
			Kinds:    []defect.Kind{defect.KindStacking},
			Fix: func(err defect.ClassifiedError) patch.Patch {
				raise := roleTier(err)
				if err.Blocker != nil {
					raise = RaiseAbove(err.Blocker.LayerIndex)
				}
				return patch.Patch{
					Selector:  err.Selector,
					Add:       []string{raise},
					Rationale: "stacking-fix: " + err.Rationale(),
				}
			},
		},
		{
			Name:     "pointer-routing-fix",
			Priority: PriorityPointerRouting,
			Kinds:    []defect.Kind{defect.KindPointerRouting},
			Fix: func(err defect.ClassifiedError) patch.Patch {
				add := []string{ClassClickable}
				if err.Blocker != nil {
					// Route around the blocker by outranking it as
					// well as forcing explicit routing.
					add = append(add, RaiseAbove(err.Blocker.LayerIndex))
				}
				return patch.Patch{
					Selector:  err.Selector,
					Add:       add,
					Rationale: "pointer-routing-fix: " + err.Rationale(),
				}
			},
		},
		{
			Name:     "passthrough",
			Priority: PriorityPassthrough,
			Kinds:    []defect.Kind{defect.KindPointerRouting},
			Target:   TargetBlocker,
			Fix: func(err defect.ClassifiedError) patch.Patch {
				return patch.Patch{
					Selector:  err.Blocker.Selector,
					Add:       []string{ClassPassthrough},
					Rationale: "passthrough: decorative blocker must not intercept input",
				}
			},
		},
		{
			Name:     "spatial-transform-fix",
			Priority: PrioritySpatial,
			Kinds:    []defect.Kind{defect.KindSpatialTransform},
			Fix: func(err defect.ClassifiedError) patch.Patch {
				transform := strings.ToLower(err.Style.Transform)
				var add []string
				switch {
				case strings.Contains(transform, "rotate"):
					add = []string{ClassUnflip}
				case strings.Contains(transform, "translate"):
					add = []string{ClassOnscreen}
				default:
					add = []string{ClassUnflip, ClassOnscreen}
				}
				return patch.Patch{
					Selector:  err.Selector,
					Add:       add,
					Rationale: "spatial-transform-fix: " + err.Rationale(),
				}
			},
		},
		{
			Name:     "feedback-amplifier",
			Priority: PriorityFeedback,
			Kinds:    []defect.Kind{defect.KindFeedbackIntensity},
			Fix: func(err defect.ClassifiedError) patch.Patch {
				return patch.Patch{
					Selector:  err.Selector,
					Add:       []string{ClassActiveScale, ClassActiveBright},
					Rationale: "feedback-amplifier: " + err.Rationale(),
				}
			},
		},
	}
}

// Stylesheet is the canonical remediation sheet defining every class the
// catalog can add. Document templates include it once; the pipeline never
// injects style rules itself.
const Stylesheet = `/* interfix remediation classes */
.ifx-force-visible { opacity: 1 !important; visibility: visible !important; display: revert !important; }
.ifx-z-content { position: relative; z-index: 10 !important; }
.ifx-z-overlay { position: relative; z-index: 100 !important; }
.ifx-z-dialog { position: relative; z-index: 1000 !important; }
.ifx-z-top { position: relative; z-index: 10000 !important; }
.ifx-clickable { pointer-events: auto !important; }
.ifx-passthrough { pointer-events: none !important; }
.ifx-unflip { backface-visibility: visible !important; transform: none !important; }
.ifx-onscreen { transform: none !important; }
.ifx-active-scale:active { transform: scale(1.12); }
.ifx-active-bright:active { filter: brightness(1.35); }
`
