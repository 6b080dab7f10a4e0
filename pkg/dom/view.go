// Package dom holds the small structural view of an HTML element that the
// cloaking engine reasons about, plus node helpers shared by the extractor,
// rewriter and search engine.
package dom

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// View is the minimal structural view of an element used to decide
// visibility. It is independent of any document tree API.
type View struct {
	Tag        atom.Atom
	Display    string
	Visibility string
	// Opacity, Width and Height are nil when not declared.
	Opacity *float64
	Width   *float64
	Height  *float64
	Hidden  bool
	// HasVisibleChildren reports whether any child element renders with a
	// non-zero size.
	HasVisibleChildren bool
}

// Visible reports whether an element with view v renders.
func Visible(v View) bool {
	switch {
	case v.Hidden:
		return false
	case v.Display == "none":
		return false
	case v.Visibility == "hidden" || v.Visibility == "collapse":
		return false
	case v.Opacity != nil && *v.Opacity <= 0:
		return false
	case zeroSized(v) && !v.HasVisibleChildren:
		return false
	}
	return true
}

func zeroSized(v View) bool {
	return (v.Width != nil && *v.Width <= 0) || (v.Height != nil && *v.Height <= 0)
}

// ViewOf derives the view of an element node from its hidden attribute and
// inline style. Non-element nodes yield the zero view, which is visible.
func ViewOf(n *html.Node) View {
	if n == nil || n.Type != html.ElementNode {
		return View{}
	}
	v := View{Tag: n.DataAtom}
	if _, ok := Attr(n, "hidden"); ok {
		v.Hidden = true
	}
	style := ParseStyle(attrOrEmpty(n, "style"))
	v.Display = style["display"]
	v.Visibility = style["visibility"]
	v.Opacity = parseNumber(style["opacity"])
	v.Width = parseLength(style["width"])
	v.Height = parseLength(style["height"])

	if zeroSized(v) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			cv := ViewOf(c)
			if Visible(cv) && !zeroSized(cv) {
				v.HasVisibleChildren = true
				break
			}
		}
	}
	return v
}

// ParseStyle splits an inline style declaration into lower-cased properties.
// Later declarations override earlier ones and !important is dropped.
func ParseStyle(s string) map[string]string {
	out := make(map[string]string)
	for _, decl := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		value = strings.TrimSpace(strings.TrimSuffix(value, "!important"))
		if name == "" {
			continue
		}
		out[name] = strings.ToLower(value)
	}
	return out
}

func parseNumber(s string) *float64 {
	if s == "" {
		return nil
	}
	if strings.HasSuffix(s, "%") {
		f, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return nil
		}
		f /= 100
		return &f
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// parseLength reads px and unitless lengths. Relative units are unknown and
// yield nil.
func parseLength(s string) *float64 {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(s, "px")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
