package patch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"interfix/internal/document"
)

// ErrMalformedMarkup is returned when the document cannot be tokenized at
// all. The input document is left unchanged in that case.
var ErrMalformedMarkup = errors.New("malformed markup")

// Applier injects merged patch sets into document markup. Application is
// atomic: either a complete new document version is produced or the input
// document is returned unchanged alongside the error.
//
// Only the class attribute of matched start tags is touched. Every other
// byte, including attribute order, quoting and whitespace of untouched
// attributes, passes through verbatim from the tokenizer's raw stream.
type Applier struct {
	logger *zap.Logger
}

// NewApplier returns an applier. A nil logger disables logging.
func NewApplier(logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{logger: logger.Named("applier")}
}

type compiledPatch struct {
	selector string
	sel      document.Selector
	add      []string
	remove   []string
	changed  bool
}

// Apply merges the set and splices it into the document.
//
// The returned count is the number of merged patches that changed at least
// one element: zero-match selectors and patches whose effect is already
// fully present count as unapplied. An empty or fully-present set returns
// the input document itself, byte-identical and same version.
func (a *Applier) Apply(doc document.Document, set *Set) (document.Document, int, error) {
	if set.Empty() {
		return doc, 0, nil
	}

	var targets []*compiledPatch
	for _, p := range set.Merge().Patches() {
		sel, err := document.ParseSelector(p.Selector)
		if err != nil {
			a.logger.Warn("skipping patch, unusable selector",
				zap.String("selector", p.Selector), zap.Error(err))
			continue
		}
		targets = append(targets, &compiledPatch{selector: p.Selector, sel: sel, add: p.Add, remove: p.Remove})
	}
	if len(targets) == 0 {
		return doc, 0, nil
	}

	out, err := rewriteMarkup(doc.Bytes(), targets)
	if err != nil {
		return doc, 0, err
	}

	applied := 0
	for _, t := range targets {
		if t.changed {
			applied++
		} else {
			a.logger.Debug("patch left unapplied", zap.String("selector", t.selector))
		}
	}
	if bytes.Equal(out, doc.Bytes()) {
		return doc, applied, nil
	}
	return doc.WithMarkup(out), applied, nil
}

// rewriteMarkup streams tokens, emitting raw bytes verbatim except for start
// tags matched by a patch whose class list actually changes.
func rewriteMarkup(markup []byte, targets []*compiledPatch) ([]byte, error) {
	z := html.NewTokenizer(bytes.NewReader(markup))
	var out bytes.Buffer
	out.Grow(len(markup) + 128)

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMarkup, err)
			}
			break
		}
		raw := z.Raw()
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			out.Write(raw)
			continue
		}
		out.Write(rewriteTag(raw, targets))
	}
	return out.Bytes(), nil
}

// rewriteTag applies every matching patch to one start tag. Selector
// matching uses the element's original attributes; class changes accumulate
// across patches in set order, then splice once.
func rewriteTag(raw []byte, targets []*compiledPatch) []byte {
	tag, attrs, ok := scanTag(raw)
	if !ok {
		return raw
	}

	var (
		id       string
		classes  []string
		classAt  = -1
		attrVals = make(map[string]string, len(attrs))
	)
	for i, at := range attrs {
		val := ""
		if at.hasVal {
			val = html.UnescapeString(string(raw[at.valStart:at.valEnd]))
		}
		attrVals[at.key] = val
		switch at.key {
		case "id":
			id = val
		case "class":
			classes = strings.Fields(val)
			classAt = i
		}
	}

	updated := classes
	for _, t := range targets {
		if !t.sel.Matches(tag, id, classes, attrVals) {
			continue
		}
		next := ApplyClasses(updated, t.add, t.remove)
		if !equalClasses(next, updated) {
			t.changed = true
		}
		updated = next
	}
	if equalClasses(updated, classes) {
		return raw
	}
	return spliceClasses(raw, attrs, classAt, updated)
}

// spliceClasses writes the new class list into the raw tag bytes, keeping
// the original quoting when the attribute already exists and inserting
// `class="..."` before the tag close when it does not.
func spliceClasses(raw []byte, attrs []rawAttr, classAt int, classes []string) []byte {
	val := html.EscapeString(strings.Join(classes, " "))
	var out bytes.Buffer
	out.Grow(len(raw) + len(val) + 16)

	if classAt >= 0 {
		at := attrs[classAt]
		if !at.hasVal {
			// Bare `class` attribute with no value.
			out.Write(raw[:at.keyEnd])
			out.WriteString(`="`)
			out.WriteString(val)
			out.WriteString(`"`)
			out.Write(raw[at.keyEnd:])
			return out.Bytes()
		}
		out.Write(raw[:at.valStart])
		if at.quote == 0 {
			out.WriteString(`"`)
			out.WriteString(val)
			out.WriteString(`"`)
		} else {
			out.WriteString(val)
		}
		out.Write(raw[at.valEnd:])
		return out.Bytes()
	}

	insert := len(raw) - 1 // before the trailing '>'
	if insert > 0 && raw[insert-1] == '/' {
		insert--
	}
	out.Write(raw[:insert])
	if insert > 0 && !isSpace(raw[insert-1]) {
		out.WriteByte(' ')
	}
	out.WriteString(`class="`)
	out.WriteString(val)
	out.WriteString(`"`)
	out.Write(raw[insert:])
	return out.Bytes()
}

// rawAttr records an attribute's byte positions inside a raw start tag so
// the class value can be replaced in place.
type rawAttr struct {
	key      string
	keyStart int
	keyEnd   int
	valStart int
	valEnd   int
	quote    byte
	hasVal   bool
}

// scanTag parses `<name attr=... >` raw bytes into the tag name and
// attribute positions. It tolerates unquoted values and whitespace but
// gives up (ok=false) on anything that does not look like a start tag, in
// which case the bytes pass through untouched.
func scanTag(raw []byte) (string, []rawAttr, bool) {
	if len(raw) < 3 || raw[0] != '<' || raw[len(raw)-1] != '>' {
		return "", nil, false
	}
	i := 1
	start := i
	for i < len(raw) && !isSpace(raw[i]) && raw[i] != '>' && raw[i] != '/' {
		i++
	}
	if i == start {
		return "", nil, false
	}
	tag := strings.ToLower(string(raw[start:i]))

	var attrs []rawAttr
	for i < len(raw) {
		for i < len(raw) && isSpace(raw[i]) {
			i++
		}
		if i >= len(raw) || raw[i] == '>' {
			break
		}
		if raw[i] == '/' {
			i++
			continue
		}

		ks := i
		for i < len(raw) && !isSpace(raw[i]) && raw[i] != '=' && raw[i] != '>' && raw[i] != '/' {
			i++
		}
		if i == ks {
			i++
			continue
		}
		at := rawAttr{key: strings.ToLower(string(raw[ks:i])), keyStart: ks, keyEnd: i}

		j := i
		for j < len(raw) && isSpace(raw[j]) {
			j++
		}
		if j < len(raw) && raw[j] == '=' {
			j++
			for j < len(raw) && isSpace(raw[j]) {
				j++
			}
			if j < len(raw) && (raw[j] == '"' || raw[j] == '\'') {
				q := raw[j]
				j++
				at.valStart = j
				for j < len(raw) && raw[j] != q {
					j++
				}
				at.valEnd = j
				at.quote = q
				at.hasVal = true
				if j < len(raw) {
					j++
				}
			} else {
				at.valStart = j
				for j < len(raw) && !isSpace(raw[j]) && raw[j] != '>' {
					j++
				}
				at.valEnd = j
				at.hasVal = true
			}
			i = j
		}
		attrs = append(attrs, at)
	}
	return tag, attrs, true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}
