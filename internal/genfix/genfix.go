// Package genfix proposes document patches through a language model for the
// defects no deterministic rule covers: script faults and failures with no
// structural cause. Proposals stay class-level, so a bad completion can at
// worst add useless classes which the next validation round rejects.
package genfix

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"interfix/internal/defect"
	"interfix/internal/document"
	"interfix/internal/patch"
	"interfix/internal/rules"
)

// Client is the completion interface the fixer speaks. Both backends
// implement it; tests substitute stubs.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// tokenCounter is implemented by backends that report token usage for the
// last completion.
type tokenCounter interface {
	LastTokens() (input, output int)
}

// Priority orders generative patches after every deterministic rule family.
const Priority = 90

const defaultMaxDocBytes = 24 * 1024

// Usage is the collaborator spend of one Propose call.
type Usage struct {
	Calls        int           `json:"calls"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Latency      time.Duration `json:"latency"`
	Model        string        `json:"model,omitempty"`
}

// Add accumulates another call's spend.
func (u *Usage) Add(o Usage) {
	u.Calls += o.Calls
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.Latency += o.Latency
	if o.Model != "" {
		u.Model = o.Model
	}
}

// Config selects and tunes the completion backend.
type Config struct {
	Provider    string        `yaml:"provider" json:"provider"`
	Model       string        `yaml:"model,omitempty" json:"model,omitempty"`
	APIKey      string        `yaml:"-" json:"-"`
	BaseURL     string        `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxDocBytes int           `yaml:"max_doc_bytes,omitempty" json:"max_doc_bytes,omitempty"`
}

// DefaultConfig returns the Gemini backend with its default model.
func DefaultConfig() Config {
	return Config{
		Provider:    "gemini",
		Timeout:     120 * time.Second,
		MaxDocBytes: defaultMaxDocBytes,
	}
}

// Fixer turns classified defects into proposed patches via one completion
// per call.
type Fixer struct {
	client      Client
	logger      *zap.Logger
	maxDocBytes int
}

// New wraps a completion client. A nil logger disables logging.
func New(client Client, logger *zap.Logger) *Fixer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fixer{
		client:      client,
		logger:      logger.Named("genfix"),
		maxDocBytes: defaultMaxDocBytes,
	}
}

// NewFromConfig builds a fixer with the configured provider backend.
func NewFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*Fixer, error) {
	var client Client
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "gemini":
		gc, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		client = gc
	case "anthropic":
		client = NewAnthropicClientWithConfig(AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}

	f := New(client, logger)
	if cfg.MaxDocBytes > 0 {
		f.maxDocBytes = cfg.MaxDocBytes
	}
	return f, nil
}

// Close releases the backend when it holds a connection.
func (f *Fixer) Close() error {
	if c, ok := f.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var systemPrompt = fmt.Sprintf(`You repair interaction-blocking layout defects in generated HTML documents.
You receive the classified defects and an excerpt of the document. Respond
with a JSON array of patches and nothing else. Each patch is an object:
  {"selector": "#buy", "add": ["class-to-add"], "remove": ["class-to-drop"], "rationale": "one line"}
Patches may only add or remove classes on the elements the selector matches.
Prefer the remediation classes (%s)
and removing the classes that hide or misplace the element. For script
defects, patch the affected interactive elements instead of the script.
Return [] when no class-level change can help.`,
	strings.Join(repairClasses(), ", "))

func repairClasses() []string {
	return []string{
		rules.ClassForceVisible,
		rules.ClassRaiseContent,
		rules.ClassRaiseOverlay,
		rules.ClassRaiseDialog,
		rules.ClassRaiseTop,
		rules.ClassClickable,
		rules.ClassPassthrough,
		rules.ClassUnflip,
		rules.ClassOnscreen,
		rules.ClassActiveScale,
		rules.ClassActiveBright,
	}
}

// Propose asks the model for patches addressing the given defects. The
// returned set is empty whenever the completion cannot be parsed; partial
// results are never applied. attemptsLeft tells the model how many repair
// rounds remain, including this one, so late attempts favor blunt fixes.
func (f *Fixer) Propose(ctx context.Context, doc document.Document, errs []defect.ClassifiedError, attemptsLeft int) (*patch.Set, Usage, error) {
	set := patch.NewSet()
	var usage Usage
	if len(errs) == 0 {
		return set, usage, nil
	}

	userPrompt := f.buildPrompt(doc, errs, attemptsLeft)

	start := time.Now()
	raw, err := f.client.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	usage.Calls = 1
	usage.Latency = time.Since(start)
	if tc, ok := f.client.(tokenCounter); ok {
		usage.InputTokens, usage.OutputTokens = tc.LastTokens()
	}
	if mc, ok := f.client.(interface{ GetModel() string }); ok {
		usage.Model = mc.GetModel()
	}
	if err != nil {
		return patch.NewSet(), usage, fmt.Errorf("requesting generative patches: %w", err)
	}

	proposals, err := parsePatches(raw)
	if err != nil {
		f.logger.Warn("discarding unparseable completion",
			zap.Int("response_len", len(raw)), zap.Error(err))
		return patch.NewSet(), usage, fmt.Errorf("parsing generative patches: %w", err)
	}

	kept := 0
	for _, p := range proposals {
		p.Selector = strings.TrimSpace(p.Selector)
		if p.Selector == "" || (len(p.Add) == 0 && len(p.Remove) == 0) {
			f.logger.Warn("skipping malformed proposal", zap.String("selector", p.Selector))
			continue
		}
		set.Append(p, Priority)
		kept++
	}

	f.logger.Info("generative patches proposed",
		zap.Int("defects", len(errs)),
		zap.Int("patches", kept),
		zap.Duration("latency", usage.Latency))
	return set, usage, nil
}

func (f *Fixer) buildPrompt(doc document.Document, errs []defect.ClassifiedError, attemptsLeft int) string {
	var sb strings.Builder
	if attemptsLeft > 0 {
		fmt.Fprintf(&sb, "Repair attempts remaining, including this one: %d.\n\n", attemptsLeft)
	}
	sb.WriteString("Defects:\n")
	sb.WriteString(defectsJSON(errs))
	sb.WriteString("\n\nDocument:\n")
	sb.WriteString(f.excerpt(doc, errs))
	return sb.String()
}

func defectsJSON(errs []defect.ClassifiedError) string {
	b, err := json.MarshalIndent(errs, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}

/// excerpt returns the markup the model needs: the whole document when it
// fits the budget, otherwise the style blocks plus a window around each
// defective element.
func (f *Fixer) excerpt(doc document.Document, errs []defect.ClassifiedError) string {
	markup := doc.String()
	budget := f.maxDocBytes
	if budget <= 0 {
		budget = defaultMaxDocBytes
	}
	if len(markup) <= budget {
		return markup
	}

	const window = 600
	type span struct{ start, end int }
	var spans []span

	for _, err := range errs {
		pos := strings.Index(markup, anchorFor(err.Selector))
		if pos < 0 {
			continue
		}
		start := pos - window/2
		if start < 0 {
			start = 0
		}
		end := pos + window
		if end > len(markup) {
			end = len(markup)
		}
		spans = append(spans, span{start, end})
	}

	// Style blocks carry the class definitions patches rely on.
	offset := 0
	rest := markup
	for {
		i := strings.Index(rest, "<style")
		if i < 0 {
			break
		}
		j := strings.Index(rest[i:], "</style>")
		if j < 0 {
			break
		}
		end := i + j + len("</style>")
		spans = append(spans, span{offset + i, offset + end})
		offset += end
		rest = rest[end:]
	}

	if len(spans) == 0 {
		return markup[:budget]
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var sb strings.Builder
	for _, sp := range merged {
		if sb.Len() > 0 {
			sb.WriteString("\n<!-- ... -->\n")
		}
		remain := budget - sb.Len()
		if remain <= 0 {
			break
		}
		chunk := markup[sp.start:sp.end]
		if len(chunk) > remain {
			chunk = chunk[:remain]
		}
		sb.WriteString(chunk)
	}
	return sb.String()
}

// anchorFor maps a defect selector to a literal likely to appear in markup
// near the element.
func anchorFor(selector string) string {
	if strings.HasPrefix(selector, "script") {
		return "<script"
	}
	sel, err := document.ParseSelector(selector)
	if err != nil {
		return selector
	}
	switch {
	case sel.ID != "":
		return `id="` + sel.ID + `"`
	case len(sel.Classes) > 0:
		return sel.Classes[0]
	case sel.Tag != "":
		return "<" + sel.Tag
	}
	return selector
}

// parsePatches decodes a completion into patches, tolerating code fences and
// prose around the JSON array.
func parsePatches(raw string) ([]patch.Patch, error) {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if i := strings.LastIndex(cleaned, "```"); i >= 0 {
			cleaned = cleaned[:i]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("completion contains no JSON array")
	}

	var out []patch.Patch
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decoding patch array: %w", err)
	}
	return out, nil
}
