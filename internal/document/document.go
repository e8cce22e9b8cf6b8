// Package document models a generated interactive document as an immutable
// markup snapshot plus the structural queries the repair pipeline needs:
// element discovery, inline style and script extraction, and compound
// selector matching.
package document

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Document is one immutable version of a generated document. Mutation goes
// through the patch applier, which produces a new version with a bumped
// version counter. Callers must not modify the byte slice returned by Bytes.
type Document struct {
	markup  []byte
	version int
}

// New wraps raw markup as version 0 of a document.
func New(markup []byte) Document {
	return Document{markup: markup}
}

// NewString wraps a markup string as version 0 of a document.
func NewString(markup string) Document {
	return New([]byte(markup))
}

// Bytes returns the document markup.
func (d Document) Bytes() []byte { return d.markup }

// String returns the document markup as a string.
func (d Document) String() string { return string(d.markup) }

// Version returns the mutation counter, starting at 0 for a fresh document.
func (d Document) Version() int { return d.version }

// Len returns the markup length in bytes.
func (d Document) Len() int { return len(d.markup) }

// WithMarkup returns a successor version carrying the given markup.
func (d Document) WithMarkup(markup []byte) Document {
	return Document{markup: markup, version: d.version + 1}
}

// Equal reports whether two documents carry byte-identical markup.
func (d Document) Equal(o Document) bool {
	return bytes.Equal(d.markup, o.markup)
}

// Element is the structural metadata of one element occurrence, in document
// order. Attrs holds every attribute lowercased by key; Classes is the split
// class list.
type Element struct {
	Tag     string
	ID      string
	Classes []string
	Attrs   map[string]string
	// Index is the element's position in document order, used to
	// disambiguate selector-less elements.
	Index int
}

// HasClass reports whether the element carries the given class.
func (e Element) HasClass(class string) bool {
	for _, c := range e.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// Selector derives a stable selector for the element: the id when present,
// otherwise the tag qualified by its classes.
func (e Element) Selector() string {
	if e.ID != "" {
		return "#" + e.ID
	}
	if len(e.Classes) > 0 {
		return e.Tag + "." + strings.Join(e.Classes, ".")
	}
	return e.Tag
}

// interactiveTags are element names treated as interactive regardless of
// attributes.
var interactiveTags = map[string]bool{
	"a":        true,
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
	"summary":  true,
}

// interactiveRoles are ARIA roles that make any element interactive.
var interactiveRoles = map[string]bool{
	"button":   true,
	"link":     true,
	"checkbox": true,
	"radio":    true,
	"switch":   true,
	"tab":      true,
	"menuitem": true,
	"slider":   true,
}

// Interactive reports whether the element is an interaction target.
func (e Element) Interactive() bool {
	if interactiveTags[e.Tag] {
		return true
	}
	if _, ok := e.Attrs["onclick"]; ok {
		return true
	}
	if interactiveRoles[e.Attrs["role"]] {
		return true
	}
	if ti, ok := e.Attrs["tabindex"]; ok && ti != "-1" {
		return true
	}
	return false
}

// Parse parses the markup into an x/net/html node tree. The tree is for
// analysis only; serialization never goes through it, so parser
// normalization cannot leak into document bytes.
func (d Document) Parse() (*html.Node, error) {
	node, err := html.Parse(bytes.NewReader(d.markup))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}
	return node, nil
}

// Elements returns every element in document order.
func (d Document) Elements() ([]Element, error) {
	root, err := d.Parse()
	if err != nil {
		return nil, err
	}

	var out []Element
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			out = append(out, elementFromNode(n, len(out)))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

// Interactive returns the interactive elements in document order.
func (d Document) Interactive() ([]Element, error) {
	all, err := d.Elements()
	if err != nil {
		return nil, err
	}
	var out []Element
	for _, e := range all {
		if e.Interactive() {
			out = append(out, e)
		}
	}
	return out, nil
}

// IDs returns the set of element ids present in the document.
func (d Document) IDs() (map[string]bool, error) {
	all, err := d.Elements()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, e := range all {
		if e.ID != "" {
			ids[e.ID] = true
		}
	}
	return ids, nil
}

// Styles returns the text of every inline <style> block in document order.
func (d Document) Styles() ([]string, error) {
	return d.textOf("style")
}

// Scripts returns the text of every inline <script> block in document order.
// External scripts (src attribute) are skipped; their behavior is not
// analyzable statically.
func (d Document) Scripts() ([]string, error) {
	root, err := d.Parse()
	if err != nil {
		return nil, err
	}

	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" {
			if attrValue(n, "src") == "" {
				out = append(out, textContent(n))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

func (d Document) textOf(tag string) ([]string, error) {
	root, err := d.Parse()
	if err != nil {
		return nil, err
	}

	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, textContent(n))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out, nil
}

func elementFromNode(n *html.Node, index int) Element {
	e := Element{
		Tag:   strings.ToLower(n.Data),
		Attrs: make(map[string]string, len(n.Attr)),
		Index: index,
	}
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		e.Attrs[key] = a.Val
		switch key {
		case "id":
			e.ID = a.Val
		case "class":
			e.Classes = strings.Fields(a.Val)
		}
	}
	return e
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
