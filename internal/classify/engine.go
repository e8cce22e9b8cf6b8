package classify

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// inferenceStore wraps the Mangle engine around the fixed defect program.
// One store describes one document snapshot; the classifier builds a fresh
// store per run, loads base facts, evaluates to fixpoint and reads back the
// derived defect predicates.
type inferenceStore struct {
	mu             sync.Mutex
	store          factstore.ConcurrentFactStore
	programInfo    *analysis.ProgramInfo
	predicateIndex map[string]ast.PredicateSym
}

func newInferenceStore(program string) (*inferenceStore, error) {
	unit, err := parse.Unit(strings.NewReader(program))
	if err != nil {
		return nil, fmt.Errorf("parsing defect program: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("analyzing defect program: %w", err)
	}

	s := &inferenceStore{
		store:          factstore.NewConcurrentFactStore(factstore.NewSimpleInMemoryStore()),
		programInfo:    info,
		predicateIndex: make(map[string]ast.PredicateSym, len(info.Decls)),
	}
	for sym := range info.Decls {
		s.predicateIndex[sym.Symbol] = sym
	}
	return s, nil
}

// add inserts one base fact. Rules are not evaluated until eval runs, so
// bulk loading stays cheap.
func (s *inferenceStore) add(predicate string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym, ok := s.predicateIndex[predicate]
	if !ok {
		return fmt.Errorf("predicate %s is not declared", predicate)
	}
	if len(args) != sym.Arity {
		return fmt.Errorf("predicate %s expects %d args, got %d", predicate, sym.Arity, len(args))
	}

	terms := make([]ast.BaseTerm, len(args))
	for i, raw := range args {
		term, err := termFor(raw)
		if err != nil {
			return fmt.Errorf("predicate %s arg %d: %w", predicate, i, err)
		}
		terms[i] = term
	}
	s.store.Add(ast.Atom{Predicate: sym, Args: terms})
	return nil
}

// eval runs the defect rules to fixpoint over the loaded facts.
func (s *inferenceStore) eval() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := mengine.EvalProgramWithStats(s.programInfo, s.store); err != nil {
		return fmt.Errorf("evaluating defect rules: %w", err)
	}
	return nil
}

// facts returns every stored fact for a predicate as argument rows.
func (s *inferenceStore) facts(predicate string) [][]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	sym, ok := s.predicateIndex[predicate]
	if !ok {
		return nil
	}
	var rows [][]interface{}
	_ = s.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		row := make([]interface{}, len(atom.Args))
		for i, arg := range atom.Args {
			row[i] = termValue(arg)
		}
		rows = append(rows, row)
		return nil
	})
	return rows
}

// holds reports whether a fact matching the given string arguments exists.
// Empty argument strings match anything; stored Mangle name constants match
// with or without their leading slash.
func (s *inferenceStore) holds(predicate string, args ...string) bool {
	for _, row := range s.facts(predicate) {
		if rowMatches(row, args) {
			return true
		}
	}
	return false
}

// partners returns the second argument of every binary fact whose first
// argument equals sel.
func (s *inferenceStore) partners(predicate, sel string) []string {
	var out []string
	for _, row := range s.facts(predicate) {
		if len(row) == 2 && rowMatches(row[:1], []string{sel}) {
			out = append(out, fmt.Sprintf("%v", row[1]))
		}
	}
	return out
}

func rowMatches(row []interface{}, args []string) bool {
	for i, want := range args {
		if want == "" || i >= len(row) {
			continue
		}
		got := fmt.Sprintf("%v", row[i])
		if got != want && got != "/"+want && strings.TrimPrefix(got, "/") != want {
			return false
		}
	}
	return true
}

func termFor(value interface{}) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case ast.BaseTerm:
		return v, nil
	case string:
		if strings.HasPrefix(v, "/") {
			name, err := ast.Name(v)
			if err != nil {
				return nil, err
			}
			return name, nil
		}
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float64:
		return ast.Float64(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return nil, fmt.Errorf("unsupported fact argument type %T", v)
	}
}

func termValue(term ast.BaseTerm) interface{} {
	c, ok := term.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", term)
	}
	switch c.Type {
	case ast.StringType, ast.NameType, ast.BytesType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(c.NumValue))
	default:
		return c.String()
	}
}
