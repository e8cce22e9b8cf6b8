// Package validate defines the interaction-validation contract: per-element
// pixel-delta measurements, the dual-threshold scoring semantics, and the
// headless-browser validator that produces them.
package validate

import (
	"context"

	"interfix/internal/document"
)

// Thresholds are the scoring constants. An element passes when its viewport
// delta or its element-local delta clears the respective bound (logical OR);
// the whole document passes when the global score clears PassBar.
type Thresholds struct {
	// ViewportDelta is the minimum fraction of viewport pixels that must
	// change for an interaction to count, 0.02 by default.
	ViewportDelta float64 `yaml:"viewport_delta" json:"viewport_delta"`
	// LocalDelta is the minimum fraction of the element's own box that
	// must change, 0.30 by default.
	LocalDelta float64 `yaml:"local_delta" json:"local_delta"`
	// PassBar is the minimum global score for a passing document, 0.90 by
	// default.
	PassBar float64 `yaml:"pass_bar" json:"pass_bar"`
}

// DefaultThresholds returns the standard scoring constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ViewportDelta: 0.02,
		LocalDelta:    0.30,
		PassBar:       0.90,
	}
}

// Measurement is the raw observation for one interactive element.
type Measurement struct {
	Selector string
	// ViewportDelta is the fraction of viewport pixels changed by the
	// interaction.
	ViewportDelta float64
	// LocalDelta is the fraction of the element's bounding box changed.
	LocalDelta float64
	// Hit is the selector of the element that actually received the
	// interaction, empty when unknown, equal to Selector when unblocked.
	Hit string
	// Box is the rendered bounding box, when the validator measured one.
	Box BoxPx
}

// BoxPx is a rendered bounding box in CSS pixels.
type BoxPx struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// ElementResult is the scored outcome for one interactive element.
type ElementResult struct {
	Selector      string  `json:"selector"`
	Passed        bool    `json:"passed"`
	ViewportDelta float64 `json:"viewport_delta"`
	LocalDelta    float64 `json:"local_delta"`
	// HitSelector names the element that intercepted the interaction when
	// it differs from Selector.
	HitSelector string `json:"hit_selector,omitempty"`
	Box         BoxPx  `json:"box"`
}

// Capture is an optional before/after screenshot pair for diagnostics.
type Capture struct {
	Selector string
	Before   []byte
	After    []byte
}

// Report is the validator output: per-element pass/fail plus the global
// score, the fraction of interactive elements passing.
type Report struct {
	Elements []ElementResult `json:"elements"`
	Global   float64         `json:"global"`
	Captures []Capture       `json:"-"`
}

// Passes reports whether the document clears the pass bar.
func (r Report) Passes(th Thresholds) bool {
	return r.Global >= th.PassBar
}

// Failing returns the selectors of elements that did not pass.
func (r Report) Failing() []string {
	var out []string
	for _, e := range r.Elements {
		if !e.Passed {
			out = append(out, e.Selector)
		}
	}
	return out
}

// Result returns the scored outcome for one selector, if present.
func (r Report) Result(selector string) (ElementResult, bool) {
	for _, e := range r.Elements {
		if e.Selector == selector {
			return e, true
		}
	}
	return ElementResult{}, false
}

// Summarize scores raw measurements against the thresholds. A document with
// no interactive elements scores 1.0: there is nothing left to block.
func Summarize(ms []Measurement, th Thresholds) Report {
	rep := Report{Elements: make([]ElementResult, 0, len(ms))}
	if len(ms) == 0 {
		rep.Global = 1.0
		return rep
	}
	passed := 0
	for _, m := range ms {
		ok := m.ViewportDelta >= th.ViewportDelta || m.LocalDelta >= th.LocalDelta
		if ok {
			passed++
		}
		res := ElementResult{
			Selector:      m.Selector,
			Passed:        ok,
			ViewportDelta: m.ViewportDelta,
			LocalDelta:    m.LocalDelta,
			Box:           m.Box,
		}
		if m.Hit != "" && m.Hit != m.Selector {
			res.HitSelector = m.Hit
		}
		rep.Elements = append(rep.Elements, res)
	}
	rep.Global = float64(passed) / float64(len(ms))
	return rep
}

// Validator loads one document version and reports interaction success. It
// must be callable repeatedly against different versions without state
// leaking between calls, and safe for concurrent use when shared across
// repair runs.
type Validator interface {
	Validate(ctx context.Context, doc document.Document) (Report, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, doc document.Document) (Report, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, doc document.Document) (Report, error) {
	return f(ctx, doc)
}
