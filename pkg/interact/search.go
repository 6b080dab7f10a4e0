package interact

import (
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/dom"
	"github.com/polisai/glyphcloak/pkg/keystore"
	"github.com/polisai/glyphcloak/pkg/rewrite"
)

// Match is one hit of the current query. Offsets count characters of the
// container's normalized text.
type Match struct {
	Container *html.Node
	Start     int
	End       int
	// Variant is the plaintext form of the query that matched.
	Variant string
}

// SearchOptions tunes matching.
type SearchOptions struct {
	CaseInsensitive bool
}

// Search finds a plaintext query inside cloaked containers and highlights
// the hits. It owns the highlight markup under its root; not safe for
// concurrent use.
type Search struct {
	root    *html.Node
	store   *keystore.Store
	opts    SearchOptions
	query   string
	matches []Match
	current int
}

// NewSearch returns an empty search over root.
func NewSearch(root *html.Node, store *keystore.Store, opts SearchOptions) *Search {
	return &Search{root: root, store: store, opts: opts, current: -1}
}

// Query returns the active query.
func (s *Search) Query() string { return s.query }

// Matches returns the hits in document order.
func (s *Search) Matches() []Match { return slices.Clone(s.matches) }

// Current returns the selected hit.
func (s *Search) Current() (Match, bool) {
	if s.current < 0 || s.current >= len(s.matches) {
		return Match{}, false
	}
	return s.matches[s.current], true
}

// Anchor is the fragment that scrolls the current hit into view.
func (s *Search) Anchor() string { return "#" + dom.CurrentID }

// SetQuery replaces the query, recomputes the hits and highlights them. The
// first hit becomes current. An empty query clears the search.
func (s *Search) SetQuery(query string) int {
	s.Clear()
	if query == "" {
		return 0
	}
	s.query = query

	variants := Variants(query, s.opts.CaseInsensitive)
	for _, c := range rewrite.Containers(s.root) {
		font, _ := dom.Attr(c, dom.CloakAttr)
		text, _ := indexText(c)
		s.matches = append(s.matches, s.find(c, text, font, variants)...)
	}
	if len(s.matches) > 0 {
		s.current = 0
	}
	s.render()
	return len(s.matches)
}

func (s *Search) find(c *html.Node, text []rune, font string, variants []string) []Match {
	byStart := make(map[int]Match)
	for _, v := range variants {
		needle := normalizeRunes(s.store.EncryptQuery(font, v))
		if len(needle) == 0 {
			continue
		}
		for i := 0; i+len(needle) <= len(text); i++ {
			// Variants hitting the same start keep the longest.
			if prev, taken := byStart[i]; taken && prev.End-prev.Start >= len(needle) {
				continue
			}
			if slices.Equal(text[i:i+len(needle)], needle) {
				byStart[i] = Match{Container: c, Start: i, End: i + len(needle), Variant: v}
			}
		}
	}

	starts := make([]int, 0, len(byStart))
	for i := range byStart {
		starts = append(starts, i)
	}
	slices.Sort(starts)

	// A hit overlapping the previous one cannot be highlighted separately.
	var out []Match
	end := 0
	for _, i := range starts {
		if i < end {
			continue
		}
		m := byStart[i]
		out = append(out, m)
		end = m.End
	}
	return out
}

// Next moves to the following hit, wrapping around.
func (s *Search) Next() (Match, bool) { return s.step(1) }

// Previous moves to the preceding hit, wrapping around.
func (s *Search) Previous() (Match, bool) { return s.step(-1) }

func (s *Search) step(d int) (Match, bool) {
	n := len(s.matches)
	if n == 0 {
		return Match{}, false
	}
	s.current = ((s.current+d)%n + n) % n
	s.unmark()
	s.render()
	return s.matches[s.current], true
}

// Clear removes every highlight and resets the search.
func (s *Search) Clear() {
	s.unmark()
	s.query = ""
	s.matches = nil
	s.current = -1
}

func (s *Search) unmark() {
	var marks []*html.Node
	dom.Walk(s.root, func(n *html.Node) bool {
		if dom.IsElement(n, atom.Mark) && dom.HasClass(n, dom.HitClass) {
			marks = append(marks, n)
			return false
		}
		return true
	})
	parents := make(map[*html.Node]struct{})
	for _, m := range marks {
		parents[m.Parent] = struct{}{}
		dom.Unwrap(m)
	}
	for p := range parents {
		dom.MergeText(p)
	}
}

// piece is the part of one match that falls inside one text node.
type piece struct {
	start, end int
	current    bool
	anchor     bool
}

func (s *Search) render() {
	byContainer := make(map[*html.Node][]int)
	var order []*html.Node
	for i, m := range s.matches {
		if _, ok := byContainer[m.Container]; !ok {
			order = append(order, m.Container)
		}
		byContainer[m.Container] = append(byContainer[m.Container], i)
	}

	for _, c := range order {
		_, index := indexText(c)
		pieces := make(map[*html.Node][]piece)
		var nodes []*html.Node
		for _, mi := range byContainer[c] {
			m := s.matches[mi]
			first := true
			for i := m.Start; i < m.End; {
				node := index[i].node
				j := i
				for j+1 < m.End && index[j+1].node == node {
					j++
				}
				if _, ok := pieces[node]; !ok {
					nodes = append(nodes, node)
				}
				pieces[node] = append(pieces[node], piece{
					start:   index[i].offset,
					end:     index[j].offset + 1,
					current: mi == s.current,
					anchor:  mi == s.current && first,
				})
				first = false
				i = j + 1
			}
		}
		for _, n := range nodes {
			highlight(n, pieces[n])
		}
	}
}

// highlight splits a text node around its pieces and wraps each piece in a
// mark element.
func highlight(n *html.Node, ps []piece) {
	runes := []rune(n.Data)
	var out []*html.Node
	cursor := 0
	for _, p := range ps {
		if p.start > cursor {
			out = append(out, dom.Text(string(runes[cursor:p.start])))
		}
		mark := dom.Element(atom.Mark, html.Attribute{Key: "class", Val: dom.HitClass})
		if p.current {
			dom.AddClass(mark, dom.CurrentClass)
		}
		if p.anchor {
			dom.SetAttr(mark, "id", dom.CurrentID)
		}
		mark.AppendChild(dom.Text(string(runes[p.start:p.end])))
		out = append(out, mark)
		cursor = p.end
	}
	if cursor < len(runes) {
		out = append(out, dom.Text(string(runes[cursor:])))
	}
	dom.Replace(n, out...)
}

// position locates one normalized character in the document.
type position struct {
	node   *html.Node
	offset int
}

// indexText reconstructs a container's text with zero-width hints dropped
// and no-break spaces folded, and maps every character back to its text
// node.
func indexText(c *html.Node) ([]rune, []position) {
	var (
		text  []rune
		index []position
	)
	dom.Walk(c, func(n *html.Node) bool {
		if n.Type != html.TextNode {
			return true
		}
		for i, r := range []rune(n.Data) {
			if cipher.IsZeroWidth(r) {
				continue
			}
			if r == cipher.NoBreakSpace {
				r = ' '
			}
			text = append(text, r)
			index = append(index, position{node: n, offset: i})
		}
		return true
	})
	return text, index
}

func normalizeRunes(s string) []rune {
	s = cipher.StripZeroWidth(s)
	return []rune(strings.ReplaceAll(s, string(cipher.NoBreakSpace), " "))
}

// Variants lists the query forms to look for: the literal query and, when
// case-insensitive, its lower, upper and title case forms. Duplicates are
// dropped.
func Variants(query string, caseInsensitive bool) []string {
	out := []string{query}
	if !caseInsensitive {
		return out
	}
	for _, c := range []cases.Caser{
		cases.Lower(language.Und),
		cases.Upper(language.Und),
		cases.Title(language.Und),
	} {
		if v := c.String(query); !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
