// Package classify attributes interaction-blocking defects in generated
// documents to root-cause families. Structural evidence comes from the
// parsed markup, the cascaded styles and a static script scan; a Mangle
// program derives the defect families from those facts; an optional
// validation report confirms findings and attributes pointer interception.
package classify

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"interfix/internal/defect"
	"interfix/internal/document"
	"interfix/internal/validate"
)

// Config holds the static-analysis viewport, which stands in for the
// browser viewport when estimating declared geometry.
type Config struct {
	ViewportWidth  int `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height" json:"viewport_height"`
}

// DefaultConfig matches the browser validator's default viewport.
func DefaultConfig() Config {
	return Config{ViewportWidth: 1280, ViewportHeight: 800}
}

// Classifier runs defect attribution over document snapshots. One classifier
// serves many documents; each run builds a fresh fact store.
type Classifier struct {
	cfg      Config
	logger   *zap.Logger
	program  string
	resolver styleResolver
	scanner  *scriptScanner
}

// New returns a classifier with the fixed defect program loaded.
func New(cfg Config, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("classify")
	return &Classifier{
		cfg:      cfg,
		logger:   logger,
		program:  DocumentSchema() + DefectRules(),
		resolver: styleResolver{logger: logger},
		scanner:  newScriptScanner(),
	}
}

// Close releases the script parser.
func (c *Classifier) Close() {
	c.scanner.Close()
}

func (c *Classifier) viewport() defect.Box {
	return defect.Box{W: float64(c.cfg.ViewportWidth), H: float64(c.cfg.ViewportHeight)}
}

// Classify attributes every detectable defect in the document. The report
// from a previous validation pass is optional; when present it confirms
// structural findings, attributes interception, and guarantees that every
// failing element receives at least an unknown classification.
func (c *Classifier) Classify(ctx context.Context, doc document.Document, report *validate.Report) ([]defect.ClassifiedError, error) {
	elements, err := doc.Elements()
	if err != nil {
		return nil, fmt.Errorf("classifying document: %w", err)
	}
	styles, err := c.resolver.resolve(doc, elements)
	if err != nil {
		return nil, fmt.Errorf("resolving styles: %w", err)
	}
	scans, err := c.scanner.scanAll(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("scanning scripts: %w", err)
	}

	store, err := newInferenceStore(c.program)
	if err != nil {
		return nil, err
	}
	if err := c.loadFacts(store, elements, styles, scans, report); err != nil {
		return nil, fmt.Errorf("loading document facts: %w", err)
	}
	if err := store.eval(); err != nil {
		return nil, err
	}

	found := c.collect(store, elements, styles, report)
	c.logger.Info("classification complete",
		zap.Int("elements", len(elements)),
		zap.Int("defects", len(found)))
	return found, nil
}

// nonRendered tags never participate as victims or blockers.
var nonRendered = map[string]bool{
	"html":     true,
	"head":     true,
	"body":     true,
	"meta":     true,
	"link":     true,
	"title":    true,
	"style":    true,
	"script":   true,
	"noscript": true,
	"template": true,
}

func (c *Classifier) loadFacts(store *inferenceStore, elements []document.Element, styles []*computedStyle, scans []scriptScan, report *validate.Report) error {
	viewport := c.viewport()

	var firstErr error
	add := func(predicate string, args ...interface{}) {
		if firstErr != nil {
			return
		}
		if err := store.add(predicate, args...); err != nil {
			firstErr = err
		}
	}

	type node struct {
		idx    int
		sel    string
		el     document.Element
		box    defect.Box
		hasBox bool
		z      int
		hasZ   bool
	}
	var nodes []node
	for i, el := range elements {
		if nonRendered[el.Tag] {
			continue
		}
		cs := styles[i]
		box, hasBox := cs.boxFor(viewport)
		z, hasZ := cs.zIndex()
		nodes = append(nodes, node{idx: i, sel: el.Selector(), el: el, box: box, hasBox: hasBox, z: z, hasZ: hasZ})
	}

	for _, n := range nodes {
		cs := styles[n.idx]
		add("elem", n.sel, n.el.Tag)
		if n.el.Interactive() {
			add("interactive", n.sel)
		} else {
			add("decorative", n.sel)
		}
		if cs.opacity() <= 0.01 {
			add("opacity_zero", n.sel)
		}
		if cs.display() == "none" {
			add("display_none", n.sel)
		}
		if cs.visibility() == "hidden" {
			add("visibility_hidden", n.sel)
		}
		if cs.pointerEvents() == "none" {
			add("pointer_none", n.sel)
		}
		if !n.hasZ {
			add("unlayered", n.sel)
		}
		if tf := cs.transformValue(); tf != "" {
			if transformHides(tf) {
				add("transform_hides", n.sel)
			}
			if transformDisplaces(tf, viewport) {
				add("transform_displaces", n.sel)
			}
		}
		if n.el.Interactive() {
			if cs.feedbackIsFaint() {
				add("faint_feedback_style", n.sel)
			} else if !cs.hasFeedbackRule {
				add("no_feedback_style", n.sel)
			}
		}
	}

	// paintsAbove approximates paint order: explicit layers dominate,
	// otherwise later siblings paint above.
	paintsAbove := func(v, b node) bool {
		switch {
		case v.hasZ && b.hasZ:
			return b.z > v.z
		case b.hasZ:
			return b.z >= 0
		case v.hasZ:
			return v.z < 0
		default:
			return b.idx > v.idx
		}
	}

	for _, v := range nodes {
		if !v.el.Interactive() {
			continue
		}
		for _, b := range nodes {
			if b.idx == v.idx || !b.hasBox {
				continue
			}
			covers := coversViewport(b.box, viewport)
			if !covers && !(v.hasBox && b.box.Overlaps(v.box)) {
				continue
			}
			if paintsAbove(v, b) {
				add("covered_by", v.sel, b.sel)
			}
			if v.hasZ && b.hasZ && b.z > v.z {
				add("outranked_by", v.sel, b.sel)
			}
		}
	}

	for _, scan := range scans {
		add("elem", scan.selector, "script")
		if scan.broken {
			add("script_syntax_error", scan.selector)
		}
		for _, id := range scan.missing {
			add("script_missing_ref", scan.selector, id)
		}
	}

	if report != nil {
		for _, res := range report.Elements {
			if res.Passed {
				continue
			}
			add("report_failed", res.Selector)
			if res.HitSelector != "" {
				add("report_hit_other", res.Selector, res.HitSelector)
			} else {
				add("report_hit_self", res.Selector)
			}
		}
	}

	return firstErr
}

// coversViewport reports whether a box blankets effectively the whole
// viewport.
func coversViewport(b, viewport defect.Box) bool {
	if viewport.Empty() || b.Empty() {
		return false
	}
	return b.X <= 0 && b.Y <= 0 && b.W >= viewport.W*0.9 && b.H >= viewport.H*0.9
}

// families maps derived defect predicates to the kinds they attribute.
var families = []struct {
	kind      defect.Kind
	predicate string
}{
	{defect.KindVisibility, "defect_visibility"},
	{defect.KindStacking, "defect_stacking"},
	{defect.KindPointerRouting, "defect_pointer"},
	{defect.KindSpatialTransform, "defect_transform"},
	{defect.KindFeedbackIntensity, "defect_feedback"},
	{defect.KindScriptFault, "defect_script"},
}

type reasonCheck struct {
	predicate string
	reason    string
}

// reasonChecks maps each family's intermediate predicates to evidence text.
var reasonChecks = map[defect.Kind][]reasonCheck{
	defect.KindVisibility: {
		{"hidden_by_opacity", "opacity suppresses rendering"},
		{"hidden_by_display", "display:none removes the element"},
		{"hidden_by_visibility", "visibility:hidden hides the element"},
	},
	defect.KindStacking: {
		{"buried_unlayered", "covered by a decorative element while carrying no explicit layer"},
	},
	defect.KindPointerRouting: {
		{"routed_away", "pointer-events:none drops input"},
		{"intercepted", "a higher decorative layer intercepts clicks"},
		{"misrouted", "validation observed clicks landing on another element"},
	},
	defect.KindSpatialTransform: {
		{"transform_backface", "transform rotates the face away from the viewer"},
		{"transform_exiled", "transform moves the element outside the viewport"},
	},
	defect.KindFeedbackIntensity: {
		{"feedback_declared_faint", "declared interaction feedback is below visible thresholds"},
		{"feedback_missing_confirmed", "element receives input but declares no visible feedback"},
	},
	defect.KindScriptFault: {
		{"script_broken", "script block fails to parse"},
		{"script_dangling", "script references ids missing from the document"},
	},
}

// kindRank orders classifications within one element for stable output.
var kindRank = map[defect.Kind]int{
	defect.KindVisibility:        0,
	defect.KindStacking:          1,
	defect.KindPointerRouting:    2,
	defect.KindSpatialTransform:  3,
	defect.KindFeedbackIntensity: 4,
	defect.KindScriptFault:       5,
	defect.KindUnknown:           6,
}

func (c *Classifier) collect(store *inferenceStore, elements []document.Element, styles []*computedStyle, report *validate.Report) []defect.ClassifiedError {
	viewport := c.viewport()

	elemIdx := make(map[string]int)
	for i, el := range elements {
		sel := el.Selector()
		if _, ok := elemIdx[sel]; !ok {
			elemIdx[sel] = i
		}
	}

	var out []defect.ClassifiedError
	covered := make(map[string]bool)

	for _, fam := range families {
		for _, row := range store.facts(fam.predicate) {
			if len(row) == 0 {
				continue
			}
			sel := fmt.Sprintf("%v", row[0])
			ce := defect.ClassifiedError{
				Kind:               fam.kind,
				Selector:           sel,
				RequiresGenerative: !fam.kind.Deterministic(),
			}
			if idx, ok := elemIdx[sel]; ok {
				ce.Tag = elements[idx].Tag
				ce.Style = styles[idx].snapshot(viewport)
			} else if strings.HasPrefix(sel, "script") {
				ce.Tag = "script"
			}

			for _, check := range reasonChecks[fam.kind] {
				if store.holds(check.predicate, sel) {
					ce.Evidence = append(ce.Evidence, check.reason)
				}
			}
			if fam.kind == defect.KindScriptFault {
				for _, id := range sortedPartners(store, "script_missing_ref", sel) {
					ce.Evidence = append(ce.Evidence, "missing id: "+id)
				}
			}

			ce.Blocker = blockerFor(store, fam.kind, sel, elemIdx, elements, styles)
			confirmed := report != nil && store.holds("report_failed", sel)
			ce.Confidence = confidenceFor(len(ce.Evidence), confirmed)

			covered[sel] = true
			out = append(out, ce)
		}
	}

	if report != nil {
		for _, sel := range report.Failing() {
			if covered[sel] {
				continue
			}
			ce := defect.ClassifiedError{
				Kind:               defect.KindUnknown,
				Selector:           sel,
				RequiresGenerative: true,
				Evidence:           []string{"failed validation with no structural cause found"},
			}
			if idx, ok := elemIdx[sel]; ok {
				ce.Tag = elements[idx].Tag
				ce.Style = styles[idx].snapshot(viewport)
			}
			ce.Confidence = unknownConfidence(len(ce.Evidence))
			out = append(out, ce)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := orderOf(out[i], elemIdx, len(elements)), orderOf(out[j], elemIdx, len(elements))
		if oi != oj {
			return oi < oj
		}
		if kindRank[out[i].Kind] != kindRank[out[j].Kind] {
			return kindRank[out[i].Kind] < kindRank[out[j].Kind]
		}
		return out[i].Selector < out[j].Selector
	})
	return out
}

func orderOf(ce defect.ClassifiedError, elemIdx map[string]int, total int) int {
	if idx, ok := elemIdx[ce.Selector]; ok {
		return idx
	}
	return total
}

// blockerFor resolves the blocking element for families that attribute one.
// Report-observed interception outranks inferred interception.
func blockerFor(store *inferenceStore, kind defect.Kind, sel string, elemIdx map[string]int, elements []document.Element, styles []*computedStyle) *defect.Blocker {
	var pairPreds []string
	switch kind {
	case defect.KindStacking:
		pairPreds = []string{"buried_unlayered"}
	case defect.KindPointerRouting:
		pairPreds = []string{"misrouted", "intercepted"}
	default:
		return nil
	}

	for _, pred := range pairPreds {
		partners := sortedPartners(store, pred, sel)
		if len(partners) == 0 {
			continue
		}
		b := &defect.Blocker{Selector: partners[0]}
		if idx, ok := elemIdx[b.Selector]; ok {
			b.Tag = elements[idx].Tag
			if z, hasZ := styles[idx].zIndex(); hasZ {
				b.LayerIndex = z
			}
		}
		return b
	}
	return nil
}

func sortedPartners(store *inferenceStore, predicate, sel string) []string {
	partners := store.partners(predicate, sel)
	sort.Strings(partners)
	return partners
}

// confidenceFor scores attribution certainty: structural findings cap at
// 0.8, report-confirmed findings start at 0.9, and extra corroborating
// evidence nudges both upward.
func confidenceFor(evidence int, confirmed bool) float64 {
	extra := float64(evidence - 1)
	if extra < 0 {
		extra = 0
	}
	if confirmed {
		return defect.Clamp01(math.Min(0.9+0.02*extra, 1.0))
	}
	return math.Min(0.6+0.05*extra, 0.8)
}

func unknownConfidence(evidence int) float64 {
	return math.Min(0.35+0.05*float64(evidence), 0.5)
}
