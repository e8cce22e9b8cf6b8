// Package rules holds the deterministic repair catalog: priority-ordered
// pure rules mapping classified defects to class-level patches, with a
// construction-time check that no two rules compete for the same defect.
package rules

import (
	"fmt"

	"go.uber.org/zap"

	"interfix/internal/defect"
	"interfix/internal/patch"
)

// Target says which element a rule's patch addresses: the defect element
// itself or the element blocking it. Blocker rules only fire on defects
// that carry a blocker reference.
type Target int

const (
	TargetVictim Target = iota
	TargetBlocker
)

func (t Target) String() string {
	if t == TargetBlocker {
		return "blocker"
	}
	return "victim"
}

// Rule is one deterministic repair: a pure function from a classified
// defect to a patch, declared for a set of defect kinds and a priority.
// Lower priority runs first.
type Rule struct {
	Name     string
	Priority int
	Kinds    []defect.Kind
	Target   Target
	Fix      func(defect.ClassifiedError) patch.Patch
}

func (r Rule) handles(k defect.Kind) bool {
	for _, have := range r.Kinds {
		if have == k {
			return true
		}
	}
	return false
}

// Engine applies the rule catalog to classified defects.
type Engine struct {
	rules  []Rule
	logger *zap.Logger
}

// NewEngine validates and installs a catalog. Installation fails when two
// rules declare the same kind for the same target: dispatch must be
// unambiguous by configuration, never resolved at runtime.
func NewEngine(logger *zap.Logger, rules []Rule) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	type claim struct {
		kind   defect.Kind
		target Target
	}
	seen := make(map[claim]string)
	for _, r := range rules {
		if r.Fix == nil {
			return nil, fmt.Errorf("rule %q has no fix function", r.Name)
		}
		if len(r.Kinds) == 0 {
			return nil, fmt.Errorf("rule %q declares no kinds", r.Name)
		}
		for _, k := range r.Kinds {
			if !k.Known() {
				return nil, fmt.Errorf("rule %q declares unknown kind %q", r.Name, k)
			}
			if !k.Deterministic() {
				return nil, fmt.Errorf("rule %q declares non-deterministic kind %q", r.Name, k)
			}
			c := claim{kind: k, target: r.Target}
			if prev, ok := seen[c]; ok {
				return nil, fmt.Errorf("rules %q and %q both claim kind %q for %s patches",
					prev, r.Name, k, r.Target)
			}
			seen[c] = r.Name
		}
	}
	return &Engine{rules: rules, logger: logger.Named("rules")}, nil
}

// Rules returns the installed catalog.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Apply maps deterministically fixable defects to patches. Defects whose
// kind requires generative inference pass through untouched; blocker rules
// are skipped for defects with no attributed blocker. The returned set is
// ordered by rule priority, insertion order on ties.
func (e *Engine) Apply(errs []defect.ClassifiedError) *patch.Set {
	set := patch.NewSet()
	for _, err := range errs {
		if !err.Kind.Deterministic() {
			continue
		}
		for _, r := range e.rules {
			if !r.handles(err.Kind) {
				continue
			}
			if r.Target == TargetBlocker && err.Blocker == nil {
				continue
			}
			p := r.Fix(err)
			if p.Selector == "" {
				e.logger.Debug("rule produced no patch",
					zap.String("rule", r.Name), zap.String("selector", err.Selector))
				continue
			}
			set.Append(p, r.Priority)
			e.logger.Debug("rule fired",
				zap.String("rule", r.Name),
				zap.String("kind", string(err.Kind)),
				zap.String("patch", p.Describe()))
		}
	}
	return set
}
