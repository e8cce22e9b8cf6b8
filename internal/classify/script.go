package classify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"

	"interfix/internal/document"
)

// scriptScan is the static analysis result for one inline script block.
type scriptScan struct {
	selector string
	broken   bool     // block fails to parse
	missing  []string // referenced element ids absent from the document
}

// scriptScanner finds behavior code that cannot work: syntax errors and DOM
// lookups against ids that do not exist. Sitter parsers are not safe for
// concurrent use, so scans serialize on the mutex.
type scriptScanner struct {
	mu     sync.Mutex
	parser *sitter.Parser
}

func newScriptScanner() *scriptScanner {
	p := sitter.NewParser()
	p.SetLanguage(javascript.GetLanguage())
	return &scriptScanner{parser: p}
}

func (s *scriptScanner) Close() {
	s.parser.Close()
}

// scanAll analyzes every inline script block and returns the defective ones.
func (s *scriptScanner) scanAll(ctx context.Context, doc document.Document) ([]scriptScan, error) {
	scripts, err := doc.Scripts()
	if err != nil {
		return nil, err
	}
	ids, err := doc.IDs()
	if err != nil {
		return nil, err
	}

	var out []scriptScan
	for i, code := range scripts {
		if strings.TrimSpace(code) == "" {
			continue
		}
		scan, err := s.scan(ctx, code, ids)
		if err != nil {
			return nil, err
		}
		scan.selector = fmt.Sprintf("script:nth-of-type(%d)", i+1)
		if scan.broken || len(scan.missing) > 0 {
			out = append(out, scan)
		}
	}
	return out, nil
}

func (s *scriptScanner) scan(ctx context.Context, code string, ids map[string]bool) (scriptScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content := []byte(code)
	tree, err := s.parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return scriptScan{}, fmt.Errorf("parsing script: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	result := scriptScan{broken: root.HasError()}

	seen := make(map[string]bool)
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "call_expression" {
			if ref, ok := domLookupTarget(n, content); ok && !ids[ref] && !seen[ref] {
				seen[ref] = true
				result.missing = append(result.missing, ref)
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)

	return result, nil
}

// domLookupTarget extracts the element id referenced by a getElementById or
// querySelector call when the argument is a literal.
func domLookupTarget(call *sitter.Node, content []byte) (string, bool) {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "member_expression" {
		return "", false
	}
	prop := fn.ChildByFieldName("property")
	if prop == nil {
		return "", false
	}

	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return "", false
	}
	first := args.NamedChild(0)
	if first.Type() != "string" {
		return "", false
	}
	literal := strings.Trim(first.Content(content), "'\"`")

	switch prop.Content(content) {
	case "getElementById":
		return literal, true
	case "querySelector", "querySelectorAll":
		// Only bare id selectors resolve statically.
		if strings.HasPrefix(literal, "#") && !strings.ContainsAny(literal[1:], " .#[>~+:") {
			return literal[1:], true
		}
	}
	return "", false
}
