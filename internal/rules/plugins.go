package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"interfix/internal/defect"
	"interfix/internal/patch"
)

// Plugin rules are Go source files interpreted at load time, so operators can
// extend the catalog without rebuilding the binary. Each plugin file declares,
// in package main:
//
//	var Name = "corner-snap"
//	var Priority = 55
//	var Kinds = []string{"spatial-transform"}
//	var Target = "victim" // optional, "victim" or "blocker"
//
//	func Fix(input string) (string, error)
//
// Fix receives one classified defect encoded as JSON and returns the patch as
// JSON: {"selector": ..., "add": [...], "remove": [...], "rationale": ...}.
// Only whitelisted stdlib imports are available inside a plugin.

const defaultPluginTimeout = 2 * time.Second

// pluginImports is the stdlib whitelist for interpreted rule code. Anything
// touching the filesystem, network or processes stays out.
var pluginImports = map[string]bool{
	"strings":       true,
	"strconv":       true,
	"fmt":           true,
	"math":          true,
	"regexp":        true,
	"sort":          true,
	"encoding/json": true,
}

// PluginLoader reads rule plugins from disk and adapts them to catalog rules.
type PluginLoader struct {
	logger  *zap.Logger
	timeout time.Duration
}

// NewPluginLoader returns a loader with the default per-call timeout.
func NewPluginLoader(logger *zap.Logger) *PluginLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PluginLoader{logger: logger.Named("plugins"), timeout: defaultPluginTimeout}
}

// LoadDir loads every *.go file in dir as a plugin rule. The returned rules
// still pass through NewEngine, so kind claims are validated against the
// catalog they join.
func (l *PluginLoader) LoadDir(dir string) ([]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading plugin dir: %w", err)
	}

	var rules []Rule
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		path := filepath.Join(dir, name)
		rule, err := l.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", name, err)
		}
		l.logger.Info("loaded rule plugin",
			zap.String("file", name),
			zap.String("rule", rule.Name),
			zap.Int("priority", rule.Priority))
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadPlugins loads every plugin rule under dir and appends it to the
// built-in catalog. The combined slice still has to pass NewEngine, which
// rejects plugins whose kind and target collide with an installed rule.
func LoadPlugins(dir string, logger *zap.Logger) ([]Rule, error) {
	loaded, err := NewPluginLoader(logger).LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return append(DefaultCatalog(), loaded...), nil
}

// LoadFile interprets a single plugin source file and wraps its Fix function
// as a catalog rule.
func (l *PluginLoader) LoadFile(path string) (Rule, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Rule{}, err
	}
	return l.Compile(string(src))
}

// Compile interprets plugin source held in memory. Split out from LoadFile so
// tests and embedded plugins skip the filesystem.
func (l *PluginLoader) Compile(src string) (Rule, error) {
	if err := validatePluginImports(src); err != nil {
		return Rule{}, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return Rule{}, fmt.Errorf("loading interpreter stdlib: %w", err)
	}
	if _, err := i.Eval(wrapPlugin(src)); err != nil {
		return Rule{}, fmt.Errorf("evaluating plugin: %w", err)
	}

	name, err := evalString(i, "main.Name")
	if err != nil {
		return Rule{}, err
	}
	priority, err := evalInt(i, "main.Priority")
	if err != nil {
		return Rule{}, err
	}
	kindNames, err := evalStrings(i, "main.Kinds")
	if err != nil {
		return Rule{}, err
	}

	var kinds []defect.Kind
	for _, kn := range kindNames {
		kinds = append(kinds, defect.Kind(kn))
	}

	target := TargetVictim
	if tv, terr := evalString(i, "main.Target"); terr == nil && tv == "blocker" {
		target = TargetBlocker
	}

	fixVal, err := i.Eval("main.Fix")
	if err != nil {
		return Rule{}, fmt.Errorf("Fix function not found: %w", err)
	}
	fix, ok := fixVal.Interface().(func(string) (string, error))
	if !ok {
		return Rule{}, fmt.Errorf("Fix has wrong signature, want func(string) (string, error)")
	}

	logger := l.logger.With(zap.String("rule", name))
	timeout := l.timeout
	return Rule{
		Name:     name,
		Priority: priority,
		Kinds:    kinds,
		Target:   target,
		Fix: func(ce defect.ClassifiedError) patch.Patch {
			p, err := callPlugin(fix, ce, timeout)
			if err != nil {
				logger.Warn("plugin fix failed", zap.Error(err))
				return patch.Patch{}
			}
			return p
		},
	}, nil
}

// callPlugin runs the interpreted Fix with a deadline. Interpreted code
// cannot be preempted, so a stuck plugin leaks its goroutine but never stalls
// the repair run.
func callPlugin(fix func(string) (string, error), ce defect.ClassifiedError, timeout time.Duration) (patch.Patch, error) {
	input, err := json.Marshal(ce)
	if err != nil {
		return patch.Patch{}, fmt.Errorf("encoding defect: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	outCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := fix(string(input))
		if err != nil {
			errCh <- err
			return
		}
		outCh <- out
	}()

	select {
	case out := <-outCh:
		var p patch.Patch
		if err := json.Unmarshal([]byte(out), &p); err != nil {
			return patch.Patch{}, fmt.Errorf("decoding plugin patch: %w", err)
		}
		return p, nil
	case err := <-errCh:
		return patch.Patch{}, err
	case <-ctx.Done():
		return patch.Patch{}, fmt.Errorf("plugin timed out: %w", ctx.Err())
	}
}

// validatePluginImports rejects plugin source importing anything outside the
// whitelist.
func validatePluginImports(src string) error {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock && trimmed != "":
			imports = append(imports, strings.Trim(trimmed, `"`))
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`))
		}
	}

	var forbidden []string
	for _, pkg := range imports {
		if !pluginImports[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden plugin imports: %v", forbidden)
	}
	return nil
}

func wrapPlugin(src string) string {
	if strings.Contains(src, "package main") {
		return src
	}
	return "package main\n\n" + src
}

func evalString(i *interp.Interpreter, symbol string) (string, error) {
	v, err := i.Eval(symbol)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", symbol, err)
	}
	s, ok := v.Interface().(string)
	if !ok {
		return "", fmt.Errorf("%s is not a string", symbol)
	}
	return s, nil
}

func evalInt(i *interp.Interpreter, symbol string) (int, error) {
	v, err := i.Eval(symbol)
	if err != nil {
		return 0, fmt.Errorf("%s not found: %w", symbol, err)
	}
	n, ok := v.Interface().(int)
	if !ok {
		return 0, fmt.Errorf("%s is not an int", symbol)
	}
	return n, nil
}

func evalStrings(i *interp.Interpreter, symbol string) ([]string, error) {
	v, err := i.Eval(symbol)
	if err != nil {
		return nil, fmt.Errorf("%s not found: %w", symbol, err)
	}
	ss, ok := v.Interface().([]string)
	if !ok {
		return nil, fmt.Errorf("%s is not a []string", symbol)
	}
	return ss, nil
}
