// Package patch defines class-level document patches, the ordered patch set
// with its deterministic merge, and the applier that splices merged patches
// into markup without disturbing unrelated bytes.
package patch

import (
	"sort"
	"strings"
)

// Patch is the sole unit of document mutation: class additions and removals
// on the elements matched by one selector. Patches never inject style rules
// directly.
type Patch struct {
	Selector  string   `json:"selector"`
	Add       []string `json:"add,omitempty"`
	Remove    []string `json:"remove,omitempty"`
	Rationale string   `json:"rationale,omitempty"`
}

type entry struct {
	patch    Patch
	priority int
	seq      int
}

// Set is an ordered collection of patches. Order is originating rule
// priority ascending, ties broken by insertion order.
type Set struct {
	entries []entry
}

// NewSet returns an empty patch set.
func NewSet() *Set {
	return &Set{}
}

// Append adds a patch with the priority of its originating rule. Insertion
// order is retained for tie-breaking.
func (s *Set) Append(p Patch, priority int) {
	s.entries = append(s.entries, entry{patch: p, priority: priority, seq: len(s.entries)})
}

// Len returns the number of patches in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Empty reports whether the set holds no patches.
func (s *Set) Empty() bool { return s.Len() == 0 }

// Patches returns the patches in set order.
func (s *Set) Patches() []Patch {
	if s == nil {
		return nil
	}
	ordered := s.sorted()
	out := make([]Patch, len(ordered))
	for i, en := range ordered {
		out[i] = en.patch
	}
	return out
}

// Selectors returns the distinct selectors targeted by the set, in set order.
func (s *Set) Selectors() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range s.Patches() {
		if !seen[p.Selector] {
			seen[p.Selector] = true
			out = append(out, p.Selector)
		}
	}
	return out
}

func (s *Set) sorted() []entry {
	ordered := make([]entry, len(s.entries))
	copy(ordered, s.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].priority < ordered[j].priority
	})
	return ordered
}

// Merge collapses same-selector patches into one patch per selector. Adds
// are a strict union and are never dropped at merge time; removes are a
// union applied after adds, so a class present in both ends up removed. The
// merged set keeps each selector at the position of its earliest patch.
func (s *Set) Merge() *Set {
	if s == nil {
		return NewSet()
	}
	merged := NewSet()
	index := make(map[string]int)
	for _, en := range s.sorted() {
		if i, ok := index[en.patch.Selector]; ok {
			m := &merged.entries[i].patch
			m.Add = unionClasses(m.Add, en.patch.Add)
			m.Remove = unionClasses(m.Remove, en.patch.Remove)
			m.Rationale = joinRationale(m.Rationale, en.patch.Rationale)
			continue
		}
		cp := Patch{
			Selector:  en.patch.Selector,
			Add:       unionClasses(nil, en.patch.Add),
			Remove:    unionClasses(nil, en.patch.Remove),
			Rationale: en.patch.Rationale,
		}
		index[cp.Selector] = len(merged.entries)
		merged.entries = append(merged.entries, entry{patch: cp, priority: en.priority, seq: len(merged.entries)})
	}
	return merged
}

// unionClasses appends the classes of src not already present in dst,
// preserving first-seen order.
func unionClasses(dst, src []string) []string {
	for _, c := range src {
		if c == "" {
			continue
		}
		found := false
		for _, have := range dst {
			if have == c {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, c)
		}
	}
	return dst
}

func joinRationale(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	default:
		return a + "; " + b
	}
}

// ApplyClasses computes the effective class list for one element: adds are
// applied first (skipping duplicates, preserving existing order), then
// removes are applied, so a remove always wins over an add of the same
// class.
func ApplyClasses(current, add, remove []string) []string {
	out := make([]string, 0, len(current)+len(add))
	out = append(out, current...)
	out = unionClasses(out, add)
	if len(remove) == 0 {
		return out
	}
	drop := make(map[string]bool, len(remove))
	for _, c := range remove {
		drop[c] = true
	}
	kept := out[:0]
	for _, c := range out {
		if !drop[c] {
			kept = append(kept, c)
		}
	}
	return kept
}

// equalClasses reports whether two class lists are identical in order and
// content.
func equalClasses(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Describe renders a short log form such as "#cta +ifx-force-visible -hidden".
func (p Patch) Describe() string {
	var sb strings.Builder
	sb.WriteString(p.Selector)
	for _, c := range p.Add {
		sb.WriteString(" +")
		sb.WriteString(c)
	}
	for _, c := range p.Remove {
		sb.WriteString(" -")
		sb.WriteString(c)
	}
	return sb.String()
}
