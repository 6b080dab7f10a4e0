// Package rewrite replaces extracted text nodes with cloaked markup that
// still wraps like ordinary prose.
//
// Cipher text has no real spaces, so each word and each encrypted space is
// wrapped in its own unbreakable inline box. Lines can then only break
// between boxes, which is where the original text could break.
package rewrite

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/dom"
	"github.com/polisai/glyphcloak/pkg/extract"
)

// Font identifies the cloaking font a container renders with.
type Font struct {
	Family string
	URL    string
	// Loaded is false when the font could not be fetched. The container is
	// still rewritten but no font family is set.
	Loaded bool
}

// Segment is one unbreakable piece of a rewritten text.
type Segment struct {
	Text  string
	Space bool
}

// Segments turns a unit's cipher text into word and space segments.
//
// Literal spaces in the cipher text become no-break spaces first. The cipher
// text is then split on spaceChar, keeping each occurrence as its own space
// segment. The unit's leading and trailing whitespace each add one space
// segment, and leading space segments are dropped at a line start.
func Segments(u extract.TextUnit, cipherText string, spaceChar rune) []Segment {
	cipherText = strings.ReplaceAll(cipherText, " ", string(cipher.NoBreakSpace))
	delim := spaceChar
	if delim == ' ' {
		delim = cipher.NoBreakSpace
	}
	space := string(delim)

	var segs []Segment
	if u.Leading != "" {
		segs = append(segs, Segment{Text: space, Space: true})
	}

	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			segs = append(segs, Segment{Text: word.String()})
			word.Reset()
		}
	}
	for _, r := range cipherText {
		if r == delim {
			flush()
			segs = append(segs, Segment{Text: space, Space: true})
			continue
		}
		word.WriteRune(r)
	}
	flush()

	if u.Trailing != "" {
		segs = append(segs, Segment{Text: space, Space: true})
	}

	if u.AtLineStart {
		segs = trimLeadingSpace(segs)
	}
	return segs
}

func trimLeadingSpace(segs []Segment) []Segment {
	for len(segs) > 0 && segs[0].Space {
		segs = segs[1:]
	}
	return segs
}

// Container builds the cloaked element for a segment sequence.
func Container(segs []Segment, font Font) *html.Node {
	c := dom.Element(atom.Span,
		html.Attribute{Key: "class", Val: dom.ContainerClass},
		html.Attribute{Key: dom.CloakAttr, Val: font.Family},
	)
	style := "white-space:normal;word-break:normal;overflow-wrap:normal"
	if font.Loaded && font.Family != "" {
		style = "font-family:'" + font.Family + "';" + style
	}
	dom.SetAttr(c, "style", style)

	for _, s := range segs {
		class := dom.WordClass
		if s.Space {
			class = dom.SpaceClass
		}
		seg := dom.Element(atom.Span, html.Attribute{Key: "class", Val: class})
		seg.AppendChild(dom.Text(s.Text))
		c.AppendChild(seg)
	}
	return c
}

// Apply replaces the unit's text node with its cloaked container. An empty
// cipher text or a detached node leaves the document unchanged.
func Apply(u extract.TextUnit, cipherText string, spaceChar rune, font Font) (*html.Node, bool) {
	if cipherText == "" || u.Node == nil || u.Node.Parent == nil {
		return nil, false
	}
	c := Container(Segments(u, cipherText, spaceChar), font)
	dom.Replace(u.Node, c)
	return c, true
}

// IsContainer reports whether n is a cloaked container.
func IsContainer(n *html.Node) bool {
	if !dom.IsElement(n, atom.Span) {
		return false
	}
	_, ok := dom.Attr(n, dom.CloakAttr)
	return ok
}

// Containers lists the top-level cloaked containers under root in document
// order.
func Containers(root *html.Node) []*html.Node {
	var out []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if IsContainer(n) {
			out = append(out, n)
			return false
		}
		return true
	})
	return out
}

// FixLineStarts strips leading space segments from every top-level container
// that now begins a line. It covers cases the per-unit check could not see
// before the whole document was rewritten. Returns the number of segments
// removed.
func FixLineStarts(root *html.Node) int {
	removed := 0
	for _, c := range Containers(root) {
		if !extract.AtLineStart(c) {
			continue
		}
		for seg := c.FirstChild; seg != nil && dom.HasClass(seg, dom.SpaceClass); seg = c.FirstChild {
			c.RemoveChild(seg)
			removed++
		}
	}
	return removed
}
