package interact

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/dom"
	"github.com/polisai/glyphcloak/pkg/extract"
	"github.com/polisai/glyphcloak/pkg/keystore"
	"github.com/polisai/glyphcloak/pkg/rewrite"
	"github.com/polisai/glyphcloak/pkg/transform"
)

const family = "glyphcloak-test"

// cloakedPage rewrites page with one mapping and returns the document and a
// store holding that mapping.
func cloakedPage(t *testing.T, page string) (*html.Node, *keystore.Store, keystore.Entry) {
	t.Helper()
	key := cipher.KeyMaterial{SecretKey: 29202393, Nonce: 462508}
	m, err := cipher.BuildMapping(key)
	require.NoError(t, err)
	e := keystore.Entry{Key: key, Mapping: m, SpaceChar: m.SpaceChar()}

	doc, err := dom.Parse(page)
	require.NoError(t, err)
	ex, err := extract.New(extract.Options{})
	require.NoError(t, err)
	font := rewrite.Font{Family: family, Loaded: true}
	for _, u := range ex.Extract(doc) {
		rewrite.Apply(u, cipher.Encode(u.Text, m), m.SpaceChar(), font)
	}
	rewrite.FixLineStarts(doc)

	store := keystore.New()
	store.Put(family, e)
	return doc, store, e
}

func marks(root *html.Node) []*html.Node {
	var out []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if dom.IsElement(n, atom.Mark) {
			out = append(out, n)
		}
		return true
	})
	return out
}

func TestSearchCaseInsensitiveVariants(t *testing.T) {
	doc, store, _ := cloakedPage(t, `<p>Hello World</p>`)

	s := NewSearch(doc, store, SearchOptions{CaseInsensitive: true})
	assert.Equal(t, 1, s.SetQuery("world"))
	m, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "World", m.Variant)
	assert.Equal(t, 6, m.Start)
	assert.Equal(t, 11, m.End)

	strict := NewSearch(doc, store, SearchOptions{})
	assert.Equal(t, 0, strict.SetQuery("world"))
	_, ok = strict.Current()
	assert.False(t, ok)
	assert.Empty(t, marks(doc), "a search without hits leaves no markup")
}

func TestSearchHighlightsAcrossSegments(t *testing.T) {
	doc, store, e := cloakedPage(t, `<p>Hello World</p>`)
	before, err := dom.Render(doc)
	require.NoError(t, err)

	s := NewSearch(doc, store, SearchOptions{})
	require.Equal(t, 1, s.SetQuery("lo Wo"))

	ms := marks(doc)
	require.Len(t, ms, 3, "one mark per touched segment")
	var hit strings.Builder
	for _, mk := range ms {
		assert.True(t, dom.HasClass(mk, dom.HitClass))
		assert.True(t, dom.HasClass(mk, dom.CurrentClass))
		hit.WriteString(dom.TextContent(mk))
	}
	assert.Equal(t, "lo Wo", cipher.Decode(hit.String(), e.Mapping))
	id, _ := dom.Attr(ms[0], "id")
	assert.Equal(t, dom.CurrentID, id)
	_, hasID := dom.Attr(ms[1], "id")
	assert.False(t, hasID)

	s.Clear()
	after, err := dom.Render(doc)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, s.Query())
	assert.Empty(t, s.Matches())
}

func TestSearchNavigationIsCircular(t *testing.T) {
	doc, store, _ := cloakedPage(t, `<div><p>one cat</p><p>two cat</p><p>three cat</p></div>`)

	s := NewSearch(doc, store, SearchOptions{})
	require.Equal(t, 3, s.SetQuery("cat"))
	all := s.Matches()

	next, _ := s.Next()
	assert.Equal(t, all[1].Container, next.Container)
	s.Next()
	wrapped, _ := s.Next()
	assert.Equal(t, all[0].Container, wrapped.Container)
	back, _ := s.Previous()
	assert.Equal(t, all[2].Container, back.Container)

	current := 0
	for _, mk := range marks(doc) {
		if dom.HasClass(mk, dom.CurrentClass) {
			current++
			assert.Same(t, all[2].Container, dom.Closest(mk, rewrite.IsContainer))
		}
	}
	assert.Equal(t, 1, current)
	assert.Len(t, marks(doc), 3)
	assert.Equal(t, "#gc-current", s.Anchor())
}

func TestSearchDeduplicatesSamePosition(t *testing.T) {
	doc, store, _ := cloakedPage(t, `<p>aaaa</p>`)

	s := NewSearch(doc, store, SearchOptions{CaseInsensitive: true})
	// Overlapping hits collapse to the first one.
	assert.Equal(t, 2, s.SetQuery("aa"))
	for i, m := range s.Matches() {
		assert.Equal(t, 2*i, m.Start)
	}
}

func TestSearchEmptyQueryClears(t *testing.T) {
	doc, store, _ := cloakedPage(t, `<p>Hello World</p>`)
	s := NewSearch(doc, store, SearchOptions{})
	require.Equal(t, 1, s.SetQuery("Hello"))
	assert.Equal(t, 0, s.SetQuery(""))
	assert.Empty(t, marks(doc))
	_, ok := s.Next()
	assert.False(t, ok)
}

func TestVariants(t *testing.T) {
	assert.Equal(t, []string{"hello world"}, Variants("hello world", false))
	assert.Equal(t, []string{"hello world", "HELLO WORLD", "Hello World"}, Variants("hello world", true))
}

type fakeDecrypter struct {
	calls int
	err   error
}

func (f *fakeDecrypter) Decrypt(_ context.Context, req transform.DecryptRequest) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "remote:" + req.Encrypted, nil
}

func TestCopyDecryptsLocally(t *testing.T) {
	doc, store, _ := cloakedPage(t, `<p>Hello World</p>`)
	remote := &fakeDecrypter{}
	c := NewCopier(store, WithRemote(remote, 0))

	containers := rewrite.Containers(doc)
	require.Len(t, containers, 1)
	clip := c.Copy(context.Background(), SelectionOf(containers[0]))
	assert.Equal(t, Clip{Text: "Hello World", Intercepted: true, Source: SourceLocal}, clip)
	assert.Zero(t, remote.calls)
}

func TestCopyEmptySelectionIsNotIntercepted(t *testing.T) {
	_, store, _ := cloakedPage(t, `<p>x</p>`)
	c := NewCopier(store)
	clip := c.Copy(context.Background(), Selection{Text: " \u200b "})
	assert.False(t, clip.Intercepted)
	assert.Equal(t, SourceNone, clip.Source)
}

func TestCopyWithoutMappingIsNotIntercepted(t *testing.T) {
	c := NewCopier(keystore.New())
	clip := c.Copy(context.Background(), Selection{Text: "Feoov"})
	assert.Equal(t, Clip{Text: "Feoov", Source: SourceNone}, clip)
}

func TestCopyFallsBackToRemoteThenCipher(t *testing.T) {
	store := keystore.New()
	store.Put("remote-only", keystore.Entry{Key: cipher.KeyMaterial{SecretKey: 1, Nonce: 2}})

	remote := &fakeDecrypter{}
	c := NewCopier(store, WithRemote(remote, 0))
	clip := c.Copy(context.Background(), Selection{Text: "ab\u200dc", Font: "remote-only"})
	assert.Equal(t, Clip{Text: "remote:abc", Intercepted: true, Source: SourceRemote}, clip)

	remote.err = errors.New("unreachable")
	clip = c.Copy(context.Background(), Selection{Text: "abc", Font: "remote-only"})
	assert.Equal(t, Clip{Text: "abc", Intercepted: true, Source: SourceCipher}, clip)
	assert.Equal(t, 2, remote.calls)
}

func TestFindKeepsLongestVariantAtSameStart(t *testing.T) {
	s := NewSearch(nil, keystore.New(), SearchOptions{})
	text := []rune("ab abc")

	matches := s.find(nil, text, family, []string{"ab", "abc"})
	require.Len(t, matches, 2)
	assert.Equal(t, Match{Start: 0, End: 2, Variant: "ab"}, matches[0])
	assert.Equal(t, Match{Start: 3, End: 6, Variant: "abc"}, matches[1])

	matches = s.find(nil, text, family, []string{"abc", "ab"})
	require.Len(t, matches, 2)
	assert.Equal(t, "abc", matches[1].Variant)
}
