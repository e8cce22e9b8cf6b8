// Package repair drives the classify, patch, validate pipeline that turns a
// defective interactive document into a passing one. Phases run strictly in
// sequence, every validation score lands in the run history, and when a later
// attempt regresses the best scoring version wins.
package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"interfix/internal/defect"
	"interfix/internal/document"
	"interfix/internal/genfix"
	"interfix/internal/metrics"
	"interfix/internal/patch"
	"interfix/internal/rules"
	"interfix/internal/validate"
)

// ErrClassification marks a run that could not begin: the opening
// classification failed and the document is returned untouched.
var ErrClassification = errors.New("classification failed")

// Phase names one stage of a repair run.
type Phase string

const (
	PhaseClassify      Phase = "CLASSIFY"
	PhaseDeterministic Phase = "DETERMINISTIC_FIX"
	PhaseValidate1     Phase = "VALIDATE_1"
	PhaseGenerative    Phase = "GENERATIVE_FIX"
	PhaseValidate2     Phase = "VALIDATE_2"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusTimeout Status = "timeout"
)

// Classifier produces structured defects for a document, optionally
// sharpened by the report of a previous validation pass.
type Classifier interface {
	Classify(ctx context.Context, doc document.Document, report *validate.Report) ([]defect.ClassifiedError, error)
}

// Fixer proposes patches for defects the rule catalog cannot resolve.
type Fixer interface {
	Propose(ctx context.Context, doc document.Document, errs []defect.ClassifiedError, attemptsLeft int) (*patch.Set, genfix.Usage, error)
}

// Config bounds one repair run.
type Config struct {
	// MaxGenerativeAttempts caps how many times the fixer may be consulted.
	// Failed collaborator calls count against it.
	MaxGenerativeAttempts int `json:"max_generative_attempts"`
	// Timeout bounds the whole run. Zero means no deadline.
	Timeout time.Duration `json:"timeout"`
	// RollbackEnabled restores the best scoring version whenever a
	// validation comes back worse than an earlier one.
	RollbackEnabled bool                `json:"rollback_enabled"`
	Thresholds      validate.Thresholds `json:"thresholds"`
}

// DefaultConfig returns the stock run budget.
func DefaultConfig() Config {
	return Config{
		MaxGenerativeAttempts: 2,
		Timeout:               90 * time.Second,
		RollbackEnabled:       true,
		Thresholds:            validate.DefaultThresholds(),
	}
}

// HistoryEntry records one completed phase. Score is meaningful on
// validation entries only.
type HistoryEntry struct {
	Seq     int     `json:"seq"`
	Phase   Phase   `json:"phase"`
	Version int     `json:"version"`
	Score   float64 `json:"score"`
	Note    string  `json:"note,omitempty"`
}

// Result is the outcome of one repair run. Final always holds a usable
// document: the repaired version on a pass, the best scoring version the run
// produced on a fail or timeout, the untouched original when nothing was
// ever scored.
type Result struct {
	Status            Status            `json:"status"`
	Success           bool              `json:"success"`
	Original          document.Document `json:"-"`
	Final             document.Document `json:"-"`
	FinalScore        float64           `json:"final_score"`
	PhasesCompleted   []Phase           `json:"phases_completed"`
	DefectsFixed      int               `json:"defects_fixed"`
	DefectsRemaining  int               `json:"defects_remaining"`
	CollaboratorCalls int               `json:"collaborator_calls"`
	RollbackOccurred  bool              `json:"rollback_occurred"`
	Usage             genfix.Usage      `json:"usage"`
	History           []HistoryEntry    `json:"history"`
	Reason            string            `json:"reason,omitempty"`
	Duration          time.Duration     `json:"duration"`
}

// Deps are the orchestrator's collaborators. Classifier, Engine and
// Validator are required. A nil Fixer disables the generative phase, a nil
// Applier gets a default, a nil Sink discards run records.
type Deps struct {
	Classifier Classifier
	Engine     *rules.Engine
	Applier    *patch.Applier
	Fixer      Fixer
	Validator  validate.Validator
	Sink       metrics.Sink
}

// Orchestrator coordinates one repair pipeline. It is immutable after
// construction and safe for concurrent runs; all per-run state lives in the
// run itself.
type Orchestrator struct {
	classifier Classifier
	engine     *rules.Engine
	applier    *patch.Applier
	fixer      Fixer
	validator  validate.Validator
	sink       metrics.Sink
	cfg        Config
	logger     *zap.Logger
}

// New validates the collaborators and returns an orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Classifier == nil {
		return nil, errors.New("repair: classifier is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("repair: rule engine is required")
	}
	if deps.Validator == nil {
		return nil, errors.New("repair: validator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Applier == nil {
		deps.Applier = patch.NewApplier(logger)
	}
	if deps.Sink == nil {
		deps.Sink = metrics.Discard
	}
	if cfg.MaxGenerativeAttempts < 0 {
		cfg.MaxGenerativeAttempts = 0
	}
	if cfg.Thresholds == (validate.Thresholds{}) {
		cfg.Thresholds = validate.DefaultThresholds()
	}
	return &Orchestrator{
		classifier: deps.Classifier,
		engine:     deps.Engine,
		applier:    deps.Applier,
		fixer:      deps.Fixer,
		validator:  deps.Validator,
		sink:       deps.Sink,
		cfg:        cfg,
		logger:     logger.Named("repair"),
	}, nil
}

// run carries the mutable state of one repair pass.
type run struct {
	original document.Document
	working  document.Document

	history []HistoryEntry
	phases  []Phase

	best      document.Document
	bestScore float64
	hasBest   bool

	lastScore float64
	hasScore  bool

	defects    []defect.ClassifiedError
	firstCount int
	lastReport *validate.Report

	usage      genfix.Usage
	calls      int
	rolledBack bool
}

func (r *run) completePhase(phase Phase, version int, score float64, note string) {
	r.phases = append(r.phases, phase)
	r.history = append(r.history, HistoryEntry{
		Seq:     len(r.history),
		Phase:   phase,
		Version: version,
		Score:   score,
		Note:    note,
	})
}

// remaining counts classified defects whose element still fails the latest
// report. Without a report every classified defect counts.
func (r *run) remaining() int {
	if r.lastReport == nil {
		return len(r.defects)
	}
	failing := make(map[string]bool)
	for _, sel := range r.lastReport.Failing() {
		failing[sel] = true
	}
	n := 0
	for _, d := range r.defects {
		if failing[d.Selector] {
			n++
		}
	}
	return n
}

// Run repairs one document. The returned error is non-nil only when the
// opening classification fails; budget exhaustion and timeouts are expressed
// in the Result, which still carries the best document produced.
func (o *Orchestrator) Run(ctx context.Context, doc document.Document) (Result, error) {
	return o.RunNamed(ctx, "", doc)
}

// RunNamed is Run with a document name attached to the recorded metrics.
func (o *Orchestrator) RunNamed(ctx context.Context, name string, doc document.Document) (Result, error) {
	start := time.Now()
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	r := &run{original: doc, working: doc}
	res, err := o.drive(ctx, r)
	res.Duration = time.Since(start)
	o.record(ctx, name, res)
	return res, err
}

func (o *Orchestrator) drive(ctx context.Context, r *run) (Result, error) {
	// 1. Classify the document cold. A failure here is fatal: there is
	// nothing to fix and nothing worth returning but the original.
	errs, err := o.classifier.Classify(ctx, r.working, nil)
	if err != nil {
		res := o.finish(r, StatusFail, fmt.Sprintf("classification failed: %v", err))
		return res, fmt.Errorf("%w: %v", ErrClassification, err)
	}
	r.defects = errs
	r.firstCount = len(errs)
	r.completePhase(PhaseClassify, r.working.Version(), 0, fmt.Sprintf("%d defects", len(errs)))

	if len(errs) == 0 {
		res := o.finish(r, StatusPass, "no defects found")
		res.Final = r.original
		res.FinalScore = 1.0
		return res, nil
	}

	// 2. Apply the deterministic catalog, once per run. Rejected markup
	// leaves the working document untouched.
	set := o.engine.Apply(errs)
	switch {
	case set.Empty():
		r.completePhase(PhaseDeterministic, r.working.Version(), 0, "no rule matched")
	default:
		next, n, aerr := o.applier.Apply(r.working, set)
		if aerr != nil {
			o.logger.Warn("deterministic patches rejected", zap.Error(aerr))
			r.completePhase(PhaseDeterministic, r.working.Version(), 0, fmt.Sprintf("patches rejected: %v", aerr))
		} else {
			r.working = next
			r.completePhase(PhaseDeterministic, r.working.Version(), 0, fmt.Sprintf("%d patches applied", n))
		}
	}

	// 3. First validation. Passing here ends the run without ever waking
	// the generative fixer.
	report, timedOut, verr := o.validate(ctx, r, PhaseValidate1)
	if timedOut {
		return o.finish(r, StatusTimeout, "deadline exceeded awaiting validation"), nil
	}
	if verr == nil && report.Passes(o.cfg.Thresholds) {
		return o.finish(r, StatusPass, ""), nil
	}

	if o.fixer == nil {
		return o.finish(r, StatusFail, "below pass bar and no generative fixer configured"), nil
	}

	// 4. Generative attempts. Collaborator failures consume budget without
	// touching the document; regressions roll back to the best version.
	for attempt := 1; attempt <= o.cfg.MaxGenerativeAttempts; attempt++ {
		attemptsLeft := o.cfg.MaxGenerativeAttempts - attempt + 1

		// Re-classify against the latest report so only live defects
		// reach the model. Failures here fall back to the previous set.
		if r.lastReport != nil {
			if next, cerr := o.classifier.Classify(ctx, r.working, r.lastReport); cerr == nil {
				r.defects = next
			} else {
				o.logger.Warn("reclassification failed, reusing previous defects", zap.Error(cerr))
			}
		}
		genErrs := generativeOnly(r.defects)
		if len(genErrs) == 0 {
			return o.finish(r, StatusFail, "remaining defects have no generative candidates"), nil
		}

		if expired(ctx) {
			return o.finish(r, StatusTimeout, "deadline exceeded before generative attempt"), nil
		}
		proposed, usage, perr := o.fixer.Propose(ctx, r.working, genErrs, attemptsLeft)
		r.calls++
		r.usage.Add(usage)
		if perr != nil {
			o.logger.Warn("generative attempt failed",
				zap.Int("attempt", attempt), zap.Error(perr))
			r.completePhase(PhaseGenerative, r.working.Version(), 0,
				fmt.Sprintf("attempt %d: fixer error: %v", attempt, perr))
			continue
		}
		if proposed.Empty() {
			r.completePhase(PhaseGenerative, r.working.Version(), 0,
				fmt.Sprintf("attempt %d: no patches proposed", attempt))
			continue
		}
		next, n, aerr := o.applier.Apply(r.working, proposed)
		if aerr != nil {
			r.completePhase(PhaseGenerative, r.working.Version(), 0,
				fmt.Sprintf("attempt %d: patches rejected: %v", attempt, aerr))
			continue
		}
		if n == 0 {
			// Nothing changed, so revalidating would rescore the same
			// document. The attempt is still spent.
			r.completePhase(PhaseGenerative, r.working.Version(), 0,
				fmt.Sprintf("attempt %d: patches had no effect", attempt))
			continue
		}
		r.working = next
		r.completePhase(PhaseGenerative, r.working.Version(), 0,
			fmt.Sprintf("attempt %d: %d patches applied", attempt, n))

		report, timedOut, verr = o.validate(ctx, r, PhaseValidate2)
		if timedOut {
			return o.finish(r, StatusTimeout, "deadline exceeded awaiting validation"), nil
		}
		if verr == nil && report.Passes(o.cfg.Thresholds) {
			return o.finish(r, StatusPass, ""), nil
		}
	}

	return o.finish(r, StatusFail,
		fmt.Sprintf("generative budget exhausted below pass bar %.2f", o.cfg.Thresholds.PassBar)), nil
}

// validate scores the working document. On a regression the working document
// resets to the best version while the scored entry stays in history. The
// timedOut result covers both the pre-call deadline gate and calls killed by
// the deadline mid-flight.
func (o *Orchestrator) validate(ctx context.Context, r *run, phase Phase) (validate.Report, bool, error) {
	if expired(ctx) {
		return validate.Report{}, true, nil
	}

	report, err := o.validator.Validate(ctx, r.working)
	r.calls++
	if err != nil {
		if expired(ctx) {
			return validate.Report{}, true, err
		}
		o.logger.Warn("validation failed", zap.String("phase", string(phase)), zap.Error(err))
		r.completePhase(phase, r.working.Version(), 0, fmt.Sprintf("validator error: %v", err))
		return validate.Report{}, false, err
	}

	r.lastReport = &report
	score := report.Global
	r.lastScore = score
	r.hasScore = true

	scoredVersion := r.working.Version()
	note := fmt.Sprintf("score %.3f", score)
	if r.hasBest && score < r.bestScore && o.cfg.RollbackEnabled {
		r.working = r.best
		r.rolledBack = true
		note = fmt.Sprintf("score %.3f, rolled back to %.3f", score, r.bestScore)
		o.logger.Info("regression rolled back",
			zap.Float64("score", score), zap.Float64("best", r.bestScore))
	}
	if !r.hasBest || score > r.bestScore {
		r.best = r.working
		r.bestScore = score
		r.hasBest = true
	}
	r.completePhase(phase, scoredVersion, score, note)
	return report, false, nil
}

// snapshot picks the document and score a terminal result should carry.
func (o *Orchestrator) snapshot(r *run) (document.Document, float64) {
	if o.cfg.RollbackEnabled && r.hasBest {
		return r.best, r.bestScore
	}
	if r.hasScore {
		return r.working, r.lastScore
	}
	return r.original, 0
}

func (o *Orchestrator) finish(r *run, status Status, reason string) Result {
	final, score := o.snapshot(r)
	remaining := r.remaining()
	fixed := r.firstCount - remaining
	if fixed < 0 {
		fixed = 0
	}
	res := Result{
		Status:            status,
		Success:           status == StatusPass,
		Original:          r.original,
		Final:             final,
		FinalScore:        score,
		PhasesCompleted:   r.phases,
		DefectsFixed:      fixed,
		DefectsRemaining:  remaining,
		CollaboratorCalls: r.calls,
		RollbackOccurred:  r.rolledBack,
		Usage:             r.usage,
		History:           r.history,
		Reason:            reason,
	}
	o.logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Float64("score", score),
		zap.Int("phases", len(r.phases)),
		zap.Int("defects_fixed", fixed),
		zap.Int("defects_remaining", remaining),
		zap.Bool("rollback", r.rolledBack))
	return res
}

func (o *Orchestrator) record(ctx context.Context, name string, res Result) {
	rec := metrics.Record{
		Document:          name,
		Status:            string(res.Status),
		Success:           res.Success,
		FinalScore:        res.FinalScore,
		PhasesCompleted:   len(res.PhasesCompleted),
		DefectsFixed:      res.DefectsFixed,
		DefectsRemaining:  res.DefectsRemaining,
		CollaboratorCalls: res.CollaboratorCalls,
		RollbackOccurred:  res.RollbackOccurred,
		Duration:          res.Duration,
	}
	// The run deadline must not cut off the record of its own timeout.
	if err := o.sink.Append(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to record run", zap.Error(err))
	}
}

func generativeOnly(errs []defect.ClassifiedError) []defect.ClassifiedError {
	var out []defect.ClassifiedError
	for _, e := range errs {
		if e.RequiresGenerative {
			out = append(out, e)
		}
	}
	return out
}

func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return true
	}
	return false
}
