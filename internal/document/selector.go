package document

import (
	"fmt"
	"strings"
)

// Selector is a parsed compound simple selector: an optional tag name
// qualified by id, class and attribute conditions. Combinators (descendant,
// child, sibling) are not supported; patches address single elements.
type Selector struct {
	Tag     string
	ID      string
	Classes []string
	Attrs   []AttrCond
}

// AttrCond is one [attr] or [attr=value] condition.
type AttrCond struct {
	Key    string
	Value  string
	HasVal bool
}

// ParseSelector parses a compound simple selector such as
// "button#submit.primary[data-step=2]". An empty selector is an error.
func ParseSelector(s string) (Selector, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Selector{}, fmt.Errorf("empty selector")
	}
	if strings.ContainsAny(s, " >~+") {
		return Selector{}, fmt.Errorf("selector %q: combinators are not supported", s)
	}

	var sel Selector
	i := 0
	// Leading tag name, if any. Pseudo-classes fall through to the
	// unexpected-character error below.
	for i < len(s) && s[i] != '#' && s[i] != '.' && s[i] != '[' && s[i] != ':' {
		i++
	}
	if i > 0 {
		sel.Tag = strings.ToLower(s[:i])
	}

	for i < len(s) {
		switch s[i] {
		case '#':
			j := i + 1
			for j < len(s) && s[j] != '#' && s[j] != '.' && s[j] != '[' {
				j++
			}
			if j == i+1 {
				return Selector{}, fmt.Errorf("selector %q: empty id", s)
			}
			sel.ID = s[i+1 : j]
			i = j
		case '.':
			j := i + 1
			for j < len(s) && s[j] != '#' && s[j] != '.' && s[j] != '[' {
				j++
			}
			if j == i+1 {
				return Selector{}, fmt.Errorf("selector %q: empty class", s)
			}
			sel.Classes = append(sel.Classes, s[i+1:j])
			i = j
		case '[':
			j := strings.IndexByte(s[i:], ']')
			if j < 0 {
				return Selector{}, fmt.Errorf("selector %q: unterminated attribute condition", s)
			}
			body := s[i+1 : i+j]
			cond, err := parseAttrCond(body)
			if err != nil {
				return Selector{}, fmt.Errorf("selector %q: %w", s, err)
			}
			sel.Attrs = append(sel.Attrs, cond)
			i += j + 1
		default:
			return Selector{}, fmt.Errorf("selector %q: unexpected %q", s, s[i])
		}
	}
	return sel, nil
}

func parseAttrCond(body string) (AttrCond, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return AttrCond{}, fmt.Errorf("empty attribute condition")
	}
	eq := strings.IndexByte(body, '=')
	if eq < 0 {
		return AttrCond{Key: strings.ToLower(body)}, nil
	}
	key := strings.ToLower(strings.TrimSpace(body[:eq]))
	val := strings.TrimSpace(body[eq+1:])
	val = strings.Trim(val, `"'`)
	if key == "" {
		return AttrCond{}, fmt.Errorf("attribute condition %q missing name", body)
	}
	return AttrCond{Key: key, Value: val, HasVal: true}, nil
}

// String renders the selector back to source form.
func (s Selector) String() string {
	var sb strings.Builder
	sb.WriteString(s.Tag)
	if s.ID != "" {
		sb.WriteByte('#')
		sb.WriteString(s.ID)
	}
	for _, c := range s.Classes {
		sb.WriteByte('.')
		sb.WriteString(c)
	}
	for _, a := range s.Attrs {
		sb.WriteByte('[')
		sb.WriteString(a.Key)
		if a.HasVal {
			sb.WriteByte('=')
			sb.WriteString(a.Value)
		}
		sb.WriteByte(']')
	}
	return sb.String()
}

// MatchesElement reports whether the selector matches the element.
func (s Selector) MatchesElement(e Element) bool {
	return s.Matches(e.Tag, e.ID, e.Classes, e.Attrs)
}

// Matches reports whether the selector matches an element described by its
// tag, id, class list and attribute map. The tag comparison is
// case-insensitive; ids, classes and attribute values are exact.
func (s Selector) Matches(tag, id string, classes []string, attrs map[string]string) bool {
	if s.Tag != "" && !strings.EqualFold(s.Tag, tag) {
		return false
	}
	if s.ID != "" && s.ID != id {
		return false
	}
	for _, want := range s.Classes {
		found := false
		for _, c := range classes {
			if c == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, cond := range s.Attrs {
		got, ok := attrs[cond.Key]
		if !ok {
			return false
		}
		if cond.HasVal && got != cond.Value {
			return false
		}
	}
	return true
}

// FindAll returns the elements of the document matched by the selector, in
// document order.
func FindAll(d Document, sel Selector) ([]Element, error) {
	all, err := d.Elements()
	if err != nil {
		return nil, err
	}
	var out []Element
	for _, e := range all {
		if sel.MatchesElement(e) {
			out = append(out, e)
		}
	}
	return out, nil
}
