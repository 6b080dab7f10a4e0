package dom

import (
	"bytes"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Markup produced by the rewriter and recognised by every other stage.
const (
	CloakAttr      = "data-cloak"
	ContainerClass = "gc"
	WordClass      = "gc-w"
	SpaceClass     = "gc-s"
	HitClass       = "gc-hit"
	CurrentClass   = "gc-hit-current"
	CurrentID      = "gc-current"
	StyleID        = "gc-styles"
)

var nonRendering = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Head:     true,
	atom.Title:    true,
	atom.Meta:     true,
	atom.Link:     true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Svg:      true,
	atom.Textarea: true,
	atom.Select:   true,
}

var blockLevel = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true,
	atom.Blockquote: true, atom.Body: true, atom.Dd: true, atom.Details: true,
	atom.Dialog: true, atom.Div: true, atom.Dl: true, atom.Dt: true,
	atom.Fieldset: true, atom.Figcaption: true, atom.Figure: true,
	atom.Footer: true, atom.Form: true, atom.H1: true, atom.H2: true,
	atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Header: true, atom.Hr: true, atom.Html: true, atom.Li: true,
	atom.Main: true, atom.Nav: true, atom.Ol: true, atom.P: true,
	atom.Pre: true, atom.Section: true, atom.Summary: true, atom.Table: true,
	atom.Tbody: true, atom.Td: true, atom.Tfoot: true, atom.Th: true,
	atom.Thead: true, atom.Tr: true, atom.Ul: true, atom.Caption: true,
}

// IsNonRendering reports whether text under n is never painted.
func IsNonRendering(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && nonRendering[n.DataAtom]
}

// IsBlock reports whether n starts a new line box. An inline display
// declaration overrides the tag default.
func IsBlock(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if d := ParseStyle(attrOrEmpty(n, "style"))["display"]; d != "" {
		return d == "block" || d == "flex" || d == "grid" || d == "list-item" || d == "table"
	}
	return blockLevel[n.DataAtom]
}

// IsElement reports whether n is an element with tag a.
func IsElement(n *html.Node, a atom.Atom) bool {
	return n != nil && n.Type == html.ElementNode && n.DataAtom == a
}

// Attr returns the value of attribute key.
func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func attrOrEmpty(n *html.Node, key string) string {
	v, _ := Attr(n, key)
	return v
}

// SetAttr sets or replaces attribute key.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr drops attribute key if present.
func RemoveAttr(n *html.Node, key string) {
	n.Attr = slices.DeleteFunc(n.Attr, func(a html.Attribute) bool {
		return a.Namespace == "" && a.Key == key
	})
}

// HasClass reports whether n carries class c.
func HasClass(n *html.Node, c string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	return slices.Contains(strings.Fields(attrOrEmpty(n, "class")), c)
}

// AddClass appends class c unless already present.
func AddClass(n *html.Node, c string) {
	if HasClass(n, c) {
		return
	}
	classes := strings.Fields(attrOrEmpty(n, "class"))
	SetAttr(n, "class", strings.Join(append(classes, c), " "))
}

// RemoveClass drops class c and the attribute itself once empty.
func RemoveClass(n *html.Node, c string) {
	classes := slices.DeleteFunc(strings.Fields(attrOrEmpty(n, "class")), func(s string) bool { return s == c })
	if len(classes) == 0 {
		RemoveAttr(n, "class")
		return
	}
	SetAttr(n, "class", strings.Join(classes, " "))
}

// Element builds a detached element node.
func Element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String(), Attr: attrs}
}

// Text builds a detached text node.
func Text(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// Replace puts nodes where old was and detaches old.
func Replace(old *html.Node, nodes ...*html.Node) {
	parent := old.Parent
	if parent == nil {
		return
	}
	for _, n := range nodes {
		parent.InsertBefore(n, old)
	}
	parent.RemoveChild(old)
}

// Unwrap replaces n by its children.
func Unwrap(n *html.Node) {
	parent := n.Parent
	if parent == nil {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		parent.InsertBefore(c, n)
		c = next
	}
	parent.RemoveChild(n)
}

// MergeText joins adjacent text nodes under n.
func MergeText(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			MergeText(c)
			continue
		}
		for next := c.NextSibling; next != nil && next.Type == html.TextNode; next = c.NextSibling {
			c.Data += next.Data
			n.RemoveChild(next)
		}
	}
}

// TextContent concatenates all text under n in document order.
func TextContent(n *html.Node) string {
	var b strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

// Walk visits n and its descendants in document order. Returning false from
// fn skips the node's children.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		Walk(c, fn)
		c = next
	}
}

// Closest returns the nearest ancestor of n, n excluded, for which match
// holds.
func Closest(n *html.Node, match func(*html.Node) bool) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if match(p) {
			return p
		}
	}
	return nil
}

// Find returns the first element with tag a under n.
func Find(n *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	Walk(n, func(c *html.Node) bool {
		if found != nil {
			return false
		}
		if IsElement(c, a) {
			found = c
			return false
		}
		return true
	})
	return found
}

// Render serialises n to a string.
func Render(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Parse parses a full HTML document.
func Parse(s string) (*html.Node, error) {
	return html.Parse(strings.NewReader(s))
}
