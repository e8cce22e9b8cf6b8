package classify

import (
	"math"
	"strconv"
	"strings"

	"github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"go.uber.org/zap"

	"interfix/internal/defect"
	"interfix/internal/document"
)

// Cascade weights. Classic specificity scaled so inline declarations beat
// any sheet selector and !important beats everything else.
const (
	specTag       = 1
	specClass     = 10
	specID        = 100
	specInline    = 1000
	specImportant = 10000
)

// computedStyle is the effective style of one element after cascading every
// style block and its inline declarations. Feedback pseudo-class rules are
// collected separately since they do not apply at rest.
type computedStyle struct {
	props           map[string]weightedValue
	active          map[string]string
	hasFeedbackRule bool
}

type weightedValue struct {
	value  string
	weight int
}

func newComputedStyle() *computedStyle {
	return &computedStyle{
		props:  make(map[string]weightedValue),
		active: make(map[string]string),
	}
}

// set records a declaration, keeping the highest weight. Equal weights let
// the later declaration win, matching source-order cascade.
func (cs *computedStyle) set(prop, value string, weight int) {
	prop = strings.ToLower(strings.TrimSpace(prop))
	value = strings.TrimSpace(value)
	if prev, ok := cs.props[prop]; ok && prev.weight > weight {
		return
	}
	cs.props[prop] = weightedValue{value: value, weight: weight}
}

func (cs *computedStyle) get(prop string) string {
	if wv, ok := cs.props[prop]; ok {
		return wv.value
	}
	return ""
}

func (cs *computedStyle) opacity() float64 {
	raw := cs.get("opacity")
	if raw == "" {
		return 1
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
	if err != nil {
		return 1
	}
	if strings.HasSuffix(raw, "%") {
		v /= 100
	}
	return defect.Clamp01(v)
}

func (cs *computedStyle) display() string        { return strings.ToLower(cs.get("display")) }
func (cs *computedStyle) visibility() string     { return strings.ToLower(cs.get("visibility")) }
func (cs *computedStyle) pointerEvents() string  { return strings.ToLower(cs.get("pointer-events")) }
func (cs *computedStyle) position() string       { return strings.ToLower(cs.get("position")) }
func (cs *computedStyle) transformValue() string { return cs.get("transform") }

func (cs *computedStyle) zIndex() (int, bool) {
	raw := strings.ToLower(cs.get("z-index"))
	if raw == "" || raw == "auto" {
		return 0, false
	}
	z, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return z, true
}

// snapshot condenses the cascade into the style evidence carried on a
// classified defect.
func (cs *computedStyle) snapshot(viewport defect.Box) defect.StyleSnapshot {
	z, hasZ := cs.zIndex()
	box, _ := cs.boxFor(viewport)
	return defect.StyleSnapshot{
		Opacity:       cs.opacity(),
		LayerIndex:    z,
		HasLayerIndex: hasZ,
		Display:       cs.display(),
		PointerEvents: cs.pointerEvents(),
		Transform:     cs.transformValue(),
		Box:           box,
	}
}

// boxFor estimates declared geometry. Only explicitly positioned elements
// produce a box; flow layout is left to the browser validator.
func (cs *computedStyle) boxFor(viewport defect.Box) (defect.Box, bool) {
	pos := cs.position()
	if pos != "fixed" && pos != "absolute" {
		return defect.Box{}, false
	}

	if inset, ok := cssLength(cs.get("inset"), viewport.W); ok && inset == 0 {
		return viewport, true
	}

	left, lok := cssLength(cs.get("left"), viewport.W)
	top, tok := cssLength(cs.get("top"), viewport.H)
	right, rok := cssLength(cs.get("right"), viewport.W)
	bottom, bok := cssLength(cs.get("bottom"), viewport.H)
	width, wok := cssLength(cs.get("width"), viewport.W)
	height, hok := cssLength(cs.get("height"), viewport.H)

	if lok && tok && rok && bok && left == 0 && top == 0 && right == 0 && bottom == 0 {
		return viewport, true
	}
	if wok && hok && width >= viewport.W && height >= viewport.H {
		return viewport, true
	}
	if lok && tok && wok && hok {
		return defect.Box{X: left, Y: top, W: width, H: height}, true
	}
	return defect.Box{}, false
}

// cssLength parses a CSS length into pixels. Percentages and viewport units
// resolve against ref.
func cssLength(raw string, ref float64) (float64, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "auto" {
		return 0, false
	}
	scale := 1.0
	switch {
	case strings.HasSuffix(raw, "px"):
		raw = strings.TrimSuffix(raw, "px")
	case strings.HasSuffix(raw, "vw"), strings.HasSuffix(raw, "vh"):
		raw = raw[:len(raw)-2]
		scale = ref / 100
	case strings.HasSuffix(raw, "%"):
		raw = strings.TrimSuffix(raw, "%")
		scale = ref / 100
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v * scale, true
}

// feedbackIsFaint reports whether every declared :active/:hover change is
// visually negligible: tiny scale, tiny brightness shift or a sub-threshold
// opacity move. Color and layout swaps repaint the element and count as
// visible.
func (cs *computedStyle) feedbackIsFaint() bool {
	if !cs.hasFeedbackRule || len(cs.active) == 0 {
		return false
	}
	for prop, value := range cs.active {
		switch prop {
		case "transform":
			if !scaleNegligible(value) {
				return false
			}
		case "filter":
			if !brightnessNegligible(value) {
				return false
			}
		case "opacity":
			v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil || math.Abs(v-cs.opacity()) > 0.05 {
				return false
			}
		case "cursor", "outline", "outline-offset":
			// Cursor swaps and outlines do not repaint the element body.
		default:
			return false
		}
	}
	return true
}

// scaleNegligible reports whether a transform value is only an identity-ish
// scale. Any translation or rotation moves pixels and is visible.
func scaleNegligible(transform string) bool {
	transform = strings.ToLower(strings.TrimSpace(transform))
	if transform == "" || transform == "none" {
		return true
	}
	for _, fn := range transformFunctions(transform) {
		if !strings.HasPrefix(fn.name, "scale") {
			return false
		}
		for _, arg := range fn.args {
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil || math.Abs(v-1) > 0.03 {
				return false
			}
		}
	}
	return true
}

// brightnessNegligible reports whether a filter value is only an
// identity-ish brightness adjustment.
func brightnessNegligible(filter string) bool {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" || filter == "none" {
		return true
	}
	for _, fn := range transformFunctions(filter) {
		if fn.name != "brightness" || len(fn.args) != 1 {
			return false
		}
		raw := fn.args[0]
		scale := 1.0
		if strings.HasSuffix(raw, "%") {
			raw = strings.TrimSuffix(raw, "%")
			scale = 0.01
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.Abs(v*scale-1) > 0.07 {
			return false
		}
	}
	return true
}

// transformHides reports whether a transform rotates the element's face past
// edge-on, leaving nothing clickable to see.
func transformHides(transform string) bool {
	for _, fn := range transformFunctions(strings.ToLower(transform)) {
		var angleArg string
		switch fn.name {
		case "rotatex", "rotatey":
			if len(fn.args) != 1 {
				continue
			}
			angleArg = fn.args[0]
		case "rotate3d":
			if len(fn.args) != 4 {
				continue
			}
			x, _ := strconv.ParseFloat(fn.args[0], 64)
			y, _ := strconv.ParseFloat(fn.args[1], 64)
			if x == 0 && y == 0 {
				continue
			}
			angleArg = fn.args[3]
		default:
			continue
		}
		deg, ok := cssAngle(angleArg)
		if !ok {
			continue
		}
		deg = math.Mod(math.Abs(deg), 360)
		if deg >= 90 && deg <= 270 {
			return true
		}
	}
	return false
}

// transformDisplaces reports whether a transform moves the element outside
// the viewport. Pixel and viewport-unit translations compare against the
// viewport; percentage translations resolve against the element and only
// extreme values count.
func transformDisplaces(transform string, viewport defect.Box) bool {
	type offset struct {
		raw string
		ref float64
	}
	for _, fn := range transformFunctions(strings.ToLower(transform)) {
		var offsets []offset
		switch fn.name {
		case "translatex":
			if len(fn.args) == 1 {
				offsets = append(offsets, offset{fn.args[0], viewport.W})
			}
		case "translatey":
			if len(fn.args) == 1 {
				offsets = append(offsets, offset{fn.args[0], viewport.H})
			}
		case "translate", "translate3d":
			if len(fn.args) >= 1 {
				offsets = append(offsets, offset{fn.args[0], viewport.W})
			}
			if len(fn.args) >= 2 {
				offsets = append(offsets, offset{fn.args[1], viewport.H})
			}
		default:
			continue
		}
		for _, off := range offsets {
			raw := off.raw
			if strings.HasSuffix(raw, "%") {
				pct, err := strconv.ParseFloat(strings.TrimSuffix(raw, "%"), 64)
				if err == nil && math.Abs(pct) >= 1000 {
					return true
				}
				continue
			}
			px, ok := cssLength(raw, off.ref)
			if ok && math.Abs(px) >= off.ref {
				return true
			}
		}
	}
	return false
}

func cssAngle(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	scale := 1.0
	switch {
	case strings.HasSuffix(raw, "deg"):
		raw = strings.TrimSuffix(raw, "deg")
	case strings.HasSuffix(raw, "turn"):
		raw = strings.TrimSuffix(raw, "turn")
		scale = 360
	case strings.HasSuffix(raw, "grad"):
		raw = strings.TrimSuffix(raw, "grad")
		scale = 0.9
	case strings.HasSuffix(raw, "rad"):
		raw = strings.TrimSuffix(raw, "rad")
		scale = 180 / math.Pi
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v * scale, true
}

type cssFunction struct {
	name string
	args []string
}

// transformFunctions splits a transform or filter list into its function
// calls.
func transformFunctions(value string) []cssFunction {
	var out []cssFunction
	for {
		open := strings.IndexByte(value, '(')
		if open < 0 {
			return out
		}
		closeIdx := strings.IndexByte(value[open:], ')')
		if closeIdx < 0 {
			return out
		}
		closeIdx += open

		fn := cssFunction{name: strings.TrimSpace(value[:open])}
		for _, arg := range strings.Split(value[open+1:closeIdx], ",") {
			fn.args = append(fn.args, strings.TrimSpace(arg))
		}
		out = append(out, fn)
		value = value[closeIdx+1:]
	}
}

// styleResolver cascades the document's style blocks over its elements.
type styleResolver struct {
	logger *zap.Logger
}

// resolve returns effective styles indexed by element position.
func (r *styleResolver) resolve(doc document.Document, elements []document.Element) ([]*computedStyle, error) {
	styles := make([]*computedStyle, len(elements))
	for i := range styles {
		styles[i] = newComputedStyle()
	}

	blocks, err := doc.Styles()
	if err != nil {
		return nil, err
	}
	for _, block := range blocks {
		sheet, err := parser.Parse(block)
		if err != nil {
			r.logger.Warn("skipping unparseable style block", zap.Error(err))
			continue
		}
		r.applyRules(sheet.Rules, elements, styles)
	}

	for i, el := range elements {
		inline := strings.TrimSpace(el.Attrs["style"])
		if inline == "" {
			continue
		}
		decls, err := parser.ParseDeclarations(inline)
		if err != nil {
			r.logger.Debug("skipping unparseable inline style",
				zap.String("selector", el.Selector()), zap.Error(err))
			continue
		}
		for _, d := range decls {
			styles[i].set(d.Property, d.Value, weightFor(specInline, d.Important))
		}
	}
	return styles, nil
}

func (r *styleResolver) applyRules(rules []*css.Rule, elements []document.Element, styles []*computedStyle) {
	for _, rule := range rules {
		if rule.Kind == css.AtRule {
			// Media and support groups cascade their nested rules at the
			// default viewport.
			r.applyRules(rule.Rules, elements, styles)
			continue
		}
		for _, rawSel := range rule.Selectors {
			r.applySelector(rawSel, rule.Declarations, elements, styles)
		}
	}
}

func (r *styleResolver) applySelector(rawSel string, decls []*css.Declaration, elements []document.Element, styles []*computedStyle) {
	sel := strings.TrimSpace(rawSel)

	feedback := false
	for _, pseudo := range []string{":active", ":hover"} {
		if strings.HasSuffix(sel, pseudo) {
			feedback = true
			sel = strings.TrimSuffix(sel, pseudo)
			break
		}
	}
	if strings.Contains(sel, ":") {
		// Other pseudo states cannot be evaluated statically.
		return
	}

	parsed, err := document.ParseSelector(sel)
	if err != nil {
		r.logger.Debug("skipping unsupported selector", zap.String("selector", rawSel))
		return
	}

	weight := selectorSpecificity(parsed)
	for i, el := range elements {
		if !parsed.MatchesElement(el) {
			continue
		}
		if feedback {
			styles[i].hasFeedbackRule = true
			for _, d := range decls {
				styles[i].active[strings.ToLower(strings.TrimSpace(d.Property))] = strings.TrimSpace(d.Value)
			}
			continue
		}
		for _, d := range decls {
			styles[i].set(d.Property, d.Value, weightFor(weight, d.Important))
		}
	}
}

func selectorSpecificity(sel document.Selector) int {
	w := 0
	if sel.ID != "" {
		w += specID
	}
	w += specClass * (len(sel.Classes) + len(sel.Attrs))
	if sel.Tag != "" {
		w += specTag
	}
	return w
}

func weightFor(base int, important bool) int {
	if important {
		return base + specImportant
	}
	return base
}
