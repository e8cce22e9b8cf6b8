package classify

import (
	"sort"
	"testing"
)

func newTestStore(t *testing.T) *inferenceStore {
	t.Helper()
	s, err := newInferenceStore(DocumentSchema() + DefectRules())
	if err != nil {
		t.Fatalf("newInferenceStore() error = %v", err)
	}
	return s
}

func mustAdd(t *testing.T, s *inferenceStore, predicate string, args ...interface{}) {
	t.Helper()
	if err := s.add(predicate, args...); err != nil {
		t.Fatalf("add(%s) error = %v", predicate, err)
	}
}

func TestInferenceStoreDerivesVisibility(t *testing.T) {
	s := newTestStore(t)

	mustAdd(t, s, "elem", "#cta", "button")
	mustAdd(t, s, "interactive", "#cta")
	mustAdd(t, s, "opacity_zero", "#cta")

	if s.holds("defect_visibility") {
		t.Fatal("derived fact present before eval")
	}
	if err := s.eval(); err != nil {
		t.Fatalf("eval() error = %v", err)
	}

	if !s.holds("hidden_by_opacity", "#cta") {
		t.Error("hidden_by_opacity(#cta) not derived")
	}
	if !s.holds("defect_visibility", "#cta") {
		t.Error("defect_visibility(#cta) not derived")
	}
	if s.holds("defect_visibility", "#other") {
		t.Error("defect_visibility(#other) derived for an element with no facts")
	}
	if s.holds("defect_pointer", "#cta") {
		t.Error("defect_pointer(#cta) derived without pointer facts")
	}
}

func TestInferenceStoreDerivesStackingPairs(t *testing.T) {
	s := newTestStore(t)

	mustAdd(t, s, "interactive", "#buy")
	mustAdd(t, s, "unlayered", "#buy")
	mustAdd(t, s, "covered_by", "#buy", "div.shade")
	mustAdd(t, s, "covered_by", "#buy", "div.toast")
	mustAdd(t, s, "covered_by", "#other", "div.shade")
	mustAdd(t, s, "decorative", "div.shade")
	mustAdd(t, s, "decorative", "div.toast")

	if err := s.eval(); err != nil {
		t.Fatalf("eval() error = %v", err)
	}

	got := s.partners("buried_unlayered", "#buy")
	sort.Strings(got)
	want := []string{"div.shade", "div.toast"}
	if len(got) != len(want) {
		t.Fatalf("partners(buried_unlayered, #buy) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("partners(buried_unlayered, #buy)[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// #other is covered but never declared interactive.
	if s.holds("defect_stacking", "#other") {
		t.Error("defect_stacking(#other) derived for a non-interactive element")
	}
}

func TestInferenceStoreFactRows(t *testing.T) {
	s := newTestStore(t)

	mustAdd(t, s, "elem", "#a", "button")
	mustAdd(t, s, "elem", "#b", "a")

	rows := s.facts("elem")
	if len(rows) != 2 {
		t.Fatalf("facts(elem) returned %d rows, want 2", len(rows))
	}
	for _, row := range rows {
		if len(row) != 2 {
			t.Fatalf("facts(elem) row has %d columns, want 2", len(row))
		}
		if _, ok := row[0].(string); !ok {
			t.Errorf("facts(elem) column 0 is %T, want string", row[0])
		}
	}
	if rows := s.facts("no_such_predicate"); rows != nil {
		t.Errorf("facts(no_such_predicate) = %v, want nil", rows)
	}
}

func TestInferenceStoreRejectsUnknownPredicate(t *testing.T) {
	s := newTestStore(t)
	if err := s.add("no_such_predicate", "#x"); err == nil {
		t.Fatal("add of an undeclared predicate succeeded")
	}
}

func TestInferenceStoreRejectsArityMismatch(t *testing.T) {
	s := newTestStore(t)
	if err := s.add("elem", "#x"); err == nil {
		t.Fatal("add with a missing argument succeeded")
	}
	if err := s.add("interactive", "#x", "extra"); err == nil {
		t.Fatal("add with an extra argument succeeded")
	}
}

func TestInferenceStoreRejectsBadProgram(t *testing.T) {
	if _, err := newInferenceStore("this is not a program"); err == nil {
		t.Fatal("newInferenceStore accepted a malformed program")
	}
}

func TestTermConversionRoundTrip(t *testing.T) {
	cases := []interface{}{"plain", "/named", int64(42), 3.5}
	for _, in := range cases {
		term, err := termFor(in)
		if err != nil {
			t.Fatalf("termFor(%v) error = %v", in, err)
		}
		out := termValue(term)
		if out != in {
			t.Errorf("termValue(termFor(%v)) = %v (%T), want %v (%T)", in, out, out, in, in)
		}
	}

	// Plain ints widen to int64.
	term, err := termFor(7)
	if err != nil {
		t.Fatalf("termFor(7) error = %v", err)
	}
	if got := termValue(term); got != int64(7) {
		t.Errorf("termValue(termFor(7)) = %v (%T), want int64", got, got)
	}

	if _, err := termFor(struct{}{}); err == nil {
		t.Error("termFor accepted an unsupported type")
	}
}

func TestRowMatchesSlashTolerance(t *testing.T) {
	row := []interface{}{"/button", "#cta"}
	if !rowMatches(row, []string{"button", "#cta"}) {
		t.Error("rowMatches rejected a name constant queried without its slash")
	}
	if !rowMatches(row, []string{"/button"}) {
		t.Error("rowMatches rejected a name constant queried with its slash")
	}
	if !rowMatches(row, []string{"", "#cta"}) {
		t.Error("rowMatches rejected a wildcard argument")
	}
	if rowMatches(row, []string{"link"}) {
		t.Error("rowMatches accepted a mismatched argument")
	}
}
