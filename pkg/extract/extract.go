// Package extract selects the text of a document that should be cloaked.
//
// It walks text leaves in document order under the configured root regions
// and returns one TextUnit per eligible leaf. Output order matters: batch
// results and rewrites are aligned with it positionally.
package extract

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/polisai/glyphcloak/pkg/dom"
)

// DefaultRoot is the region scanned when no roots are configured.
const DefaultRoot = "body"

// Options configure an Extractor.
type Options struct {
	// Roots are CSS selectors for the regions to scan.
	Roots []string
	// Skip are CSS selectors whose subtrees are never cloaked.
	Skip []string
	// MinLength is the minimum trimmed length, in characters, of a unit.
	MinLength int
}

// TextUnit is one text leaf selected for cloaking.
type TextUnit struct {
	Node        *html.Node
	Text        string
	Leading     string
	Trailing    string
	AtLineStart bool
}

// Extractor walks documents with a fixed set of options. It is safe for
// concurrent use; documents are not.
type Extractor struct {
	roots     cascadia.SelectorGroup
	skip      cascadia.SelectorGroup
	minLength int
}

// New compiles the selectors in opts.
func New(opts Options) (*Extractor, error) {
	roots := opts.Roots
	if len(roots) == 0 {
		roots = []string{DefaultRoot}
	}
	rootSel, err := cascadia.ParseGroup(strings.Join(roots, ", "))
	if err != nil {
		return nil, fmt.Errorf("parse root selectors: %w", err)
	}

	e := &Extractor{roots: rootSel, minLength: opts.MinLength}
	if len(opts.Skip) > 0 {
		skipSel, err := cascadia.ParseGroup(strings.Join(opts.Skip, ", "))
		if err != nil {
			return nil, fmt.Errorf("parse skip selectors: %w", err)
		}
		e.skip = skipSel
	}
	return e, nil
}

// Extract returns the eligible text units under doc in document order.
func (e *Extractor) Extract(doc *html.Node) []TextUnit {
	var units []TextUnit
	for _, root := range e.rootNodes(doc) {
		if !e.ancestorsEligible(root) || !e.enter(root) {
			continue
		}
		dom.Walk(root, func(n *html.Node) bool {
			switch n.Type {
			case html.ElementNode:
				return n == root || e.enter(n)
			case html.TextNode:
				if u, ok := e.unit(n); ok {
					units = append(units, u)
				}
			}
			return true
		})
	}
	return units
}

// rootNodes returns matching roots, dropping any nested inside another root
// so no leaf is visited twice.
func (e *Extractor) rootNodes(doc *html.Node) []*html.Node {
	if doc.Type != html.DocumentNode && e.roots.Match(doc) {
		return []*html.Node{doc}
	}
	matches := cascadia.QueryAll(doc, e.roots)
	if len(matches) == 0 && doc.Type != html.DocumentNode {
		// A fragment without a matching region is scanned whole.
		return []*html.Node{doc}
	}
	selected := make(map[*html.Node]bool, len(matches))
	out := matches[:0]
	for _, m := range matches {
		nested := dom.Closest(m, func(p *html.Node) bool { return selected[p] }) != nil
		selected[m] = true
		if !nested {
			out = append(out, m)
		}
	}
	return out
}

func (e *Extractor) ancestorsEligible(n *html.Node) bool {
	return dom.Closest(n, func(p *html.Node) bool {
		return p.Type == html.ElementNode && !e.enter(p)
	}) == nil
}

// enter reports whether text under element n may be cloaked.
func (e *Extractor) enter(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return true
	}
	if dom.IsNonRendering(n) {
		return false
	}
	if _, ok := dom.Attr(n, dom.CloakAttr); ok {
		return false
	}
	if e.skip != nil && e.skip.Match(n) {
		return false
	}
	return dom.Visible(dom.ViewOf(n))
}

func (e *Extractor) unit(n *html.Node) (TextUnit, bool) {
	text := strings.TrimFunc(n.Data, unicode.IsSpace)
	if text == "" {
		return TextUnit{}, false
	}
	if preformatted(n) {
		// Line breaks are layout here and cannot survive a nowrap segment.
		if strings.ContainsAny(text, "\r\n") {
			return TextUnit{}, false
		}
	} else {
		text = CollapseSpace(text)
	}
	if utf8.RuneCountInString(text) < e.minLength {
		return TextUnit{}, false
	}
	start := len(n.Data) - len(strings.TrimLeftFunc(n.Data, unicode.IsSpace))
	end := len(strings.TrimRightFunc(n.Data, unicode.IsSpace))
	return TextUnit{
		Node:        n,
		Text:        text,
		Leading:     n.Data[:start],
		Trailing:    n.Data[end:],
		AtLineStart: AtLineStart(n),
	}, true
}

// CollapseSpace replaces each run of HTML whitespace with one space, as
// rendering does outside preformatted text. No-break spaces are kept.
func CollapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inRun := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			if !inRun {
				b.WriteByte(' ')
			}
			inRun = true
		default:
			b.WriteRune(r)
			inRun = false
		}
	}
	return b.String()
}

func preformatted(n *html.Node) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if dom.IsElement(p, atom.Pre) {
			return true
		}
	}
	return false
}

// content classifies what a node contributes to the current line when
// walking backward.
type content int

const (
	contentNone content = iota
	contentBreak
	contentInline
)

// AtLineStart reports whether n is the first rendered content inside its
// nearest block ancestor. Empty inline wrappers, whitespace-only text and
// cloaked space segments are skipped; a line break or block sibling starts a
// new line.
func AtLineStart(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		for s := cur.PrevSibling; s != nil; s = s.PrevSibling {
			switch classify(s) {
			case contentBreak:
				return true
			case contentInline:
				return false
			}
		}
		if cur.Parent == nil || dom.IsBlock(cur.Parent) {
			return true
		}
	}
	return true
}

var replaced = map[atom.Atom]bool{
	atom.Img: true, atom.Input: true, atom.Button: true, atom.Video: true,
	atom.Canvas: true, atom.Embed: true, atom.Svg: true,
}

func classify(n *html.Node) content {
	switch n.Type {
	case html.TextNode:
		if strings.TrimFunc(n.Data, unicode.IsSpace) == "" {
			return contentNone
		}
		return contentInline
	case html.ElementNode:
	default:
		return contentNone
	}

	switch {
	case dom.IsElement(n, atom.Br), dom.IsBlock(n):
		return contentBreak
	case !dom.Visible(dom.ViewOf(n)):
		return contentNone
	case replaced[n.DataAtom]:
		return contentInline
	case dom.IsNonRendering(n), dom.HasClass(n, dom.SpaceClass):
		return contentNone
	}

	for c := n.LastChild; c != nil; c = c.PrevSibling {
		if got := classify(c); got != contentNone {
			return got
		}
	}
	return contentNone
}
