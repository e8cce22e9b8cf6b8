package repair

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"interfix/internal/defect"
	"interfix/internal/document"
	"interfix/internal/genfix"
	"interfix/internal/metrics"
	"interfix/internal/patch"
	"interfix/internal/rules"
	"interfix/internal/validate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testMarkup = `<html><head></head><body>` +
	`<button id="cta" class="hidden">Go</button>` +
	`<div id="app">panel</div>` +
	`<script>boot();</script>` +
	`</body></html>`

func visDefect(sel string) defect.ClassifiedError {
	return defect.ClassifiedError{Kind: defect.KindVisibility, Selector: sel, Tag: "button", Confidence: 0.7}
}

func scriptDefect(sel string) defect.ClassifiedError {
	return defect.ClassifiedError{Kind: defect.KindScriptFault, Selector: sel, RequiresGenerative: true, Confidence: 0.4}
}

func failingReport(score float64, failing ...string) validate.Report {
	rep := validate.Report{Global: score}
	for _, sel := range failing {
		rep.Elements = append(rep.Elements, validate.ElementResult{Selector: sel})
	}
	return rep
}

func passingReport(score float64) validate.Report {
	return validate.Report{Global: score}
}

// stubClassifier returns fixed defect sets: initial on the cold pass,
// reclassified (or initial again) once a report is supplied. Documents
// containing poison fail classification outright.
type stubClassifier struct {
	mu           sync.Mutex
	initial      []defect.ClassifiedError
	reclassified []defect.ClassifiedError
	err          error
	poison       string
	coldCalls    int
	reportCalls  int
}

func (s *stubClassifier) Classify(_ context.Context, doc document.Document, report *validate.Report) ([]defect.ClassifiedError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.poison != "" && strings.Contains(doc.String(), s.poison) {
		return nil, errors.New("poisoned document")
	}
	if report == nil {
		s.coldCalls++
		return s.initial, nil
	}
	s.reportCalls++
	if s.reclassified != nil {
		return s.reclassified, nil
	}
	return s.initial, nil
}

// stubValidator replays reports in call order, repeating the last one, with
// optional per-call errors and delays.
type stubValidator struct {
	mu      sync.Mutex
	reports []validate.Report
	errs    []error
	delays  []time.Duration
	calls   int
}

func (s *stubValidator) Validate(ctx context.Context, _ document.Document) (validate.Report, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if i < len(s.delays) && s.delays[i] > 0 {
		select {
		case <-time.After(s.delays[i]):
		case <-ctx.Done():
			return validate.Report{}, ctx.Err()
		}
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return validate.Report{}, s.errs[i]
	}
	if len(s.reports) == 0 {
		return passingReport(1), nil
	}
	if i >= len(s.reports) {
		i = len(s.reports) - 1
	}
	return s.reports[i], nil
}

func (s *stubValidator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubFixer proposes fixed patches, either the same set on every call or one
// set per call from seq, and records what it saw.
type stubFixer struct {
	mu       sync.Mutex
	patches  []patch.Patch
	seq      [][]patch.Patch
	err      error
	calls    int
	seen     [][]defect.ClassifiedError
	attempts []int
}

func (s *stubFixer) Propose(_ context.Context, _ document.Document, errs []defect.ClassifiedError, attemptsLeft int) (*patch.Set, genfix.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.calls
	s.calls++
	s.seen = append(s.seen, errs)
	s.attempts = append(s.attempts, attemptsLeft)
	if s.err != nil {
		return patch.NewSet(), genfix.Usage{Calls: 1}, s.err
	}
	patches := s.patches
	if len(s.seq) > 0 {
		if call >= len(s.seq) {
			call = len(s.seq) - 1
		}
		patches = s.seq[call]
	}
	set := patch.NewSet()
	for _, p := range patches {
		set.Append(p, genfix.Priority)
	}
	return set, genfix.Usage{Calls: 1, InputTokens: 10, OutputTokens: 5}, nil
}

func (s *stubFixer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// captureSink keeps appended records in memory.
type captureSink struct {
	mu   sync.Mutex
	recs []metrics.Record
}

func (s *captureSink) Append(_ context.Context, rec metrics.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func newTestOrchestrator(t *testing.T, deps Deps, cfg Config) *Orchestrator {
	t.Helper()
	if deps.Engine == nil {
		eng, err := rules.NewEngine(nil, rules.DefaultCatalog())
		if err != nil {
			t.Fatalf("building engine: %v", err)
		}
		deps.Engine = eng
	}
	o, err := New(deps, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("building orchestrator: %v", err)
	}
	return o
}

func TestRunPassesWithoutDefects(t *testing.T) {
	validator := &stubValidator{}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{},
		Validator:  validator,
	}, DefaultConfig())

	doc := document.NewString(testMarkup)
	res, err := o.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusPass || !res.Success {
		t.Fatalf("expected pass, got %s (%s)", res.Status, res.Reason)
	}
	if !res.Final.Equal(doc) {
		t.Error("final document should be the untouched original")
	}
	if res.FinalScore != 1.0 {
		t.Errorf("final score = %v, want 1.0", res.FinalScore)
	}
	if diff := cmp.Diff([]Phase{PhaseClassify}, res.PhasesCompleted); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}
	if validator.callCount() != 0 {
		t.Errorf("validator called %d times, want 0", validator.callCount())
	}
}

func TestRunPassesOnFirstValidation(t *testing.T) {
	validator := &stubValidator{reports: []validate.Report{passingReport(0.95)}}
	fixer := &stubFixer{}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{initial: []defect.ClassifiedError{visDefect("#cta")}},
		Validator:  validator,
		Fixer:      fixer,
	}, DefaultConfig())

	res, err := o.Run(context.Background(), document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusPass {
		t.Fatalf("expected pass, got %s (%s)", res.Status, res.Reason)
	}
	want := []Phase{PhaseClassify, PhaseDeterministic, PhaseValidate1}
	if diff := cmp.Diff(want, res.PhasesCompleted); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}
	if fixer.callCount() != 0 {
		t.Errorf("fixer called %d times, want 0", fixer.callCount())
	}
	if res.FinalScore != 0.95 {
		t.Errorf("final score = %v, want 0.95", res.FinalScore)
	}
	if res.CollaboratorCalls != 1 {
		t.Errorf("collaborator calls = %d, want 1", res.CollaboratorCalls)
	}
	if !strings.Contains(res.Final.String(), rules.ClassForceVisible) {
		t.Error("deterministic patch missing from final document")
	}
	if res.DefectsFixed != 1 || res.DefectsRemaining != 0 {
		t.Errorf("defect counts = %d fixed, %d remaining, want 1 and 0",
			res.DefectsFixed, res.DefectsRemaining)
	}
}

func TestRunGenerativeRecovery(t *testing.T) {
	validator := &stubValidator{reports: []validate.Report{
		failingReport(0.4, "#app"),
		passingReport(0.95),
	}}
	fixer := &stubFixer{patches: []patch.Patch{{Selector: "#app", Add: []string{rules.ClassClickable}}}}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{initial: []defect.ClassifiedError{scriptDefect("#app")}},
		Validator:  validator,
		Fixer:      fixer,
	}, DefaultConfig())

	res, err := o.Run(context.Background(), document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusPass {
		t.Fatalf("expected pass, got %s (%s)", res.Status, res.Reason)
	}
	want := []Phase{PhaseClassify, PhaseDeterministic, PhaseValidate1, PhaseGenerative, PhaseValidate2}
	if diff := cmp.Diff(want, res.PhasesCompleted); diff != "" {
		t.Errorf("phases mismatch (-want +got):\n%s", diff)
	}
	if fixer.callCount() != 1 {
		t.Fatalf("fixer called %d times, want 1", fixer.callCount())
	}
	if fixer.attempts[0] != 2 {
		t.Errorf("attemptsLeft = %d, want 2", fixer.attempts[0])
	}
	if !strings.Contains(res.Final.String(), rules.ClassClickable) {
		t.Error("generative patch missing from final document")
	}
	if res.CollaboratorCalls != 3 {
		t.Errorf("collaborator calls = %d, want 3", res.CollaboratorCalls)
	}
	if res.Usage.Calls != 1 {
		t.Errorf("usage calls = %d, want 1", res.Usage.Calls)
	}
}

func TestRunRollbackOnRegression(t *testing.T) {
	validator := &stubValidator{reports: []validate.Report{
		failingReport(0.4, "#app"),
		failingReport(0.3, "#app"),
		failingReport(0.3, "#app"),
	}}
	fixer := &stubFixer{patches: []patch.Patch{{Selector: "#app", Add: []string{rules.ClassClickable}}}}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{initial: []defect.ClassifiedError{visDefect("#cta"), scriptDefect("#app")}},
		Validator:  validator,
		Fixer:      fixer,
	}, DefaultConfig())

	res, err := o.Run(context.Background(), document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusFail {
		t.Fatalf("expected fail, got %s (%s)", res.Status, res.Reason)
	}
	if !res.RollbackOccurred {
		t.Error("rollback should have occurred")
	}
	if res.FinalScore != 0.4 {
		t.Errorf("final score = %v, want the best score 0.4", res.FinalScore)
	}
	// The best version carries the deterministic patch but none of the
	// regressing generative ones.
	if !strings.Contains(res.Final.String(), rules.ClassForceVisible) {
		t.Error("final document lost the deterministic patch")
	}
	if strings.Contains(res.Final.String(), rules.ClassClickable) {
		t.Error("final document kept a rolled back generative patch")
	}

	// Regressed validations stay in history, and the final score tops them.
	regressed := 0
	for _, h := range res.History {
		if h.Phase == PhaseValidate1 || h.Phase == PhaseValidate2 {
			if h.Score > res.FinalScore {
				t.Errorf("history score %v exceeds final score %v", h.Score, res.FinalScore)
			}
			if h.Score == 0.3 {
				regressed++
			}
		}
	}
	if regressed != 2 {
		t.Errorf("regressed history entries = %d, want 2", regressed)
	}

	// Only generative-eligible defects ever reach the fixer.
	for _, seen := range fixer.seen {
		for _, d := range seen {
			if !d.RequiresGenerative {
				t.Errorf("deterministic defect %s routed to the fixer", d.Selector)
			}
		}
	}
	if fixer.callCount() != 2 {
		t.Errorf("fixer called %d times, want 2", fixer.callCount())
	}
	if diff := cmp.Diff([]int{2, 1}, fixer.attempts); diff != "" {
		t.Errorf("attemptsLeft mismatch (-want +got):\n%s", diff)
	}
}

func TestRunTimeoutDuringValidation(t *testing.T) {
	validator := &stubValidator{
		reports: []validate.Report{
			failingReport(0.4, "#app"),
			failingReport(0.45, "#app"),
			passingReport(0.99),
		},
		delays: []time.Duration{0, 0, 500 * time.Millisecond},
	}
	fixer := &stubFixer{seq: [][]patch.Patch{
		{{Selector: "#app", Add: []string{rules.ClassClickable}}},
		{{Selector: "#app", Add: []string{rules.ClassRaiseTop}}},
	}}
	cfg := DefaultConfig()
	cfg.Timeout = 120 * time.Millisecond
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{initial: []defect.ClassifiedError{scriptDefect("#app")}},
		Validator:  validator,
		Fixer:      fixer,
	}, cfg)

	res, err := o.Run(context.Background(), document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusTimeout {
		t.Fatalf("expected timeout, got %s (%s)", res.Status, res.Reason)
	}
	if res.Success {
		t.Error("timeout must not report success")
	}
	if res.FinalScore != 0.45 {
		t.Errorf("final score = %v, want best observed 0.45", res.FinalScore)
	}
	if validator.callCount() != 3 {
		t.Errorf("validator called %d times, want 3", validator.callCount())
	}
	if fixer.callCount() != 2 {
		t.Errorf("fixer called %d times, want 2", fixer.callCount())
	}
	if !strings.Contains(res.Reason, "deadline") {
		t.Errorf("reason %q should mention the deadline", res.Reason)
	}
}

func TestRunClassificationFailureIsFatal(t *testing.T) {
	validator := &stubValidator{}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{err: errors.New("mangle exploded")},
		Validator:  validator,
	}, DefaultConfig())

	doc := document.NewString(testMarkup)
	res, err := o.Run(context.Background(), doc)
	if !errors.Is(err, ErrClassification) {
		t.Fatalf("error = %v, want ErrClassification", err)
	}
	if res.Status != StatusFail {
		t.Errorf("status = %s, want fail", res.Status)
	}
	if !res.Final.Equal(doc) {
		t.Error("document must be untouched after a fatal classification")
	}
	if validator.callCount() != 0 {
		t.Errorf("validator called %d times, want 0", validator.callCount())
	}
	if len(res.History) != 0 {
		t.Errorf("history has %d entries, want none", len(res.History))
	}
}

func TestRunFixerErrorsConsumeBudget(t *testing.T) {
	validator := &stubValidator{reports: []validate.Report{failingReport(0.4, "#app")}}
	fixer := &stubFixer{err: errors.New("model unavailable")}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{initial: []defect.ClassifiedError{scriptDefect("#app")}},
		Validator:  validator,
		Fixer:      fixer,
	}, DefaultConfig())

	res, err := o.Run(context.Background(), document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusFail {
		t.Fatalf("expected fail, got %s (%s)", res.Status, res.Reason)
	}
	if fixer.callCount() != 2 {
		t.Errorf("fixer called %d times, want full budget of 2", fixer.callCount())
	}
	// No document change means no second validation.
	if validator.callCount() != 1 {
		t.Errorf("validator called %d times, want 1", validator.callCount())
	}
	failed := 0
	for _, h := range res.History {
		if h.Phase == PhaseGenerative && strings.Contains(h.Note, "fixer error") {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("history shows %d failed generative attempts, want 2", failed)
	}
}

func TestRunValidatorErrorIsNonFatal(t *testing.T) {
	validator := &stubValidator{
		reports: []validate.Report{passingReport(0), passingReport(0.95)},
		errs:    []error{errors.New("browser crashed"), nil},
	}
	fixer := &stubFixer{patches: []patch.Patch{{Selector: "#app", Add: []string{rules.ClassClickable}}}}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{initial: []defect.ClassifiedError{scriptDefect("#app")}},
		Validator:  validator,
		Fixer:      fixer,
	}, DefaultConfig())

	res, err := o.Run(context.Background(), document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusPass {
		t.Fatalf("expected pass after validator recovery, got %s (%s)", res.Status, res.Reason)
	}
	if validator.callCount() != 2 {
		t.Errorf("validator called %d times, want 2", validator.callCount())
	}
	found := false
	for _, h := range res.History {
		if h.Phase == PhaseValidate1 && strings.Contains(h.Note, "validator error") {
			found = true
		}
	}
	if !found {
		t.Error("history missing the validator error entry")
	}
}

func TestRunFailsWithoutGenerativeCandidates(t *testing.T) {
	validator := &stubValidator{reports: []validate.Report{failingReport(0.5, "#cta")}}
	fixer := &stubFixer{}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{initial: []defect.ClassifiedError{visDefect("#cta")}},
		Validator:  validator,
		Fixer:      fixer,
	}, DefaultConfig())

	res, err := o.Run(context.Background(), document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusFail {
		t.Fatalf("expected fail, got %s", res.Status)
	}
	if fixer.callCount() != 0 {
		t.Errorf("fixer called %d times, want 0", fixer.callCount())
	}
	if res.DefectsRemaining != 1 || res.DefectsFixed != 0 {
		t.Errorf("defect counts = %d fixed, %d remaining, want 0 and 1",
			res.DefectsFixed, res.DefectsRemaining)
	}
}

func TestRunRollbackDisabledKeepsLastVersion(t *testing.T) {
	validator := &stubValidator{reports: []validate.Report{
		failingReport(0.4, "#app"),
		failingReport(0.3, "#app"),
	}}
	fixer := &stubFixer{patches: []patch.Patch{{Selector: "#app", Add: []string{rules.ClassClickable}}}}
	cfg := DefaultConfig()
	cfg.RollbackEnabled = false
	cfg.MaxGenerativeAttempts = 1
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{initial: []defect.ClassifiedError{scriptDefect("#app")}},
		Validator:  validator,
		Fixer:      fixer,
	}, cfg)

	res, err := o.Run(context.Background(), document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != StatusFail {
		t.Fatalf("expected fail, got %s", res.Status)
	}
	if res.RollbackOccurred {
		t.Error("rollback must not occur when disabled")
	}
	if res.FinalScore != 0.3 {
		t.Errorf("final score = %v, want last score 0.3", res.FinalScore)
	}
	if !strings.Contains(res.Final.String(), rules.ClassClickable) {
		t.Error("final document should keep the last applied patch")
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	sink := &captureSink{}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{},
		Validator:  &stubValidator{},
		Sink:       sink,
	}, DefaultConfig())

	_, err := o.RunNamed(context.Background(), "landing.html", document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("RunNamed: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(sink.recs))
	}
	rec := sink.recs[0]
	if rec.Document != "landing.html" || rec.Status != "pass" || !rec.Success {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.PhasesCompleted != 1 {
		t.Errorf("phases completed = %d, want 1", rec.PhasesCompleted)
	}
}

func TestHistorySequenceIsDense(t *testing.T) {
	validator := &stubValidator{reports: []validate.Report{
		failingReport(0.4, "#app"),
		passingReport(0.95),
	}}
	fixer := &stubFixer{patches: []patch.Patch{{Selector: "#app", Add: []string{rules.ClassClickable}}}}
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{initial: []defect.ClassifiedError{scriptDefect("#app")}},
		Validator:  validator,
		Fixer:      fixer,
	}, DefaultConfig())

	res, err := o.Run(context.Background(), document.NewString(testMarkup))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i, h := range res.History {
		if h.Seq != i {
			t.Errorf("history[%d].Seq = %d", i, h.Seq)
		}
	}
	if len(res.History) != len(res.PhasesCompleted) {
		t.Errorf("history length %d != phases length %d", len(res.History), len(res.PhasesCompleted))
	}
}

func TestBatchRunsAllDocuments(t *testing.T) {
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{},
		Validator:  &stubValidator{},
	}, DefaultConfig())

	items := []BatchItem{
		{Name: "a.html", Doc: document.NewString(testMarkup)},
		{Name: "b.html", Doc: document.NewString(testMarkup)},
		{Name: "c.html", Doc: document.NewString(testMarkup)},
	}
	results := o.Batch(context.Background(), items, 2)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Name != items[i].Name {
			t.Errorf("results[%d] = %s, want %s", i, r.Name, items[i].Name)
		}
		if r.Err != nil || r.Result.Status != StatusPass {
			t.Errorf("%s: status %s, err %v", r.Name, r.Result.Status, r.Err)
		}
	}
}

func TestBatchIsolatesFailures(t *testing.T) {
	o := newTestOrchestrator(t, Deps{
		Classifier: &stubClassifier{poison: "poison"},
		Validator:  &stubValidator{},
	}, DefaultConfig())

	items := []BatchItem{
		{Name: "bad.html", Doc: document.NewString(`<html><body data-x="poison"></body></html>`)},
		{Name: "good.html", Doc: document.NewString(testMarkup)},
	}
	results := o.Batch(context.Background(), items, 2)

	if !errors.Is(results[0].Err, ErrClassification) {
		t.Errorf("bad.html error = %v, want ErrClassification", results[0].Err)
	}
	if results[1].Err != nil || results[1].Result.Status != StatusPass {
		t.Errorf("good.html: status %s, err %v", results[1].Result.Status, results[1].Err)
	}
}
