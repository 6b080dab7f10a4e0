// Package keystore holds the reverse mappings a cloaked page needs for copy
// and search.
package keystore

import (
	"slices"
	"sync"

	"github.com/polisai/glyphcloak/pkg/cipher"
)

// Entry is the key material and mapping one cloaking font was built from.
type Entry struct {
	Key       cipher.KeyMaterial
	Mapping   *cipher.MappingTable
	FontURL   string
	SpaceChar rune
}

// Store keeps at most one entry per font family. The most recently stored
// entry is the active one. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	active  string
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Put replaces the entry for font and makes it active.
func (s *Store) Put(font string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[font] = e
	s.active = font
}

// Get returns the entry stored for font.
func (s *Store) Get(font string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[font]
	return e, ok
}

// Active returns the most recently stored entry.
func (s *Store) Active() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[s.active]
	return e, ok
}

// Decrypt reverses cloaking with the active mapping. Without one the text
// is returned unchanged.
func (s *Store) Decrypt(cipherText string) string {
	e, ok := s.Active()
	if !ok {
		return cipherText
	}
	return decrypt(cipherText, e.Mapping)
}

// DecryptFor reverses cloaking with the mapping of font, falling back to the
// active mapping when font is unknown.
func (s *Store) DecryptFor(font, cipherText string) string {
	if e, ok := s.Get(font); ok {
		return decrypt(cipherText, e.Mapping)
	}
	return s.Decrypt(cipherText)
}

// EncryptQuery cloaks a search query the way text rendered with font was
// cloaked. Without a mapping the query is returned unchanged.
func (s *Store) EncryptQuery(font, query string) string {
	e, ok := s.Get(font)
	if !ok {
		if e, ok = s.Active(); !ok {
			return query
		}
	}
	return cipher.Encode(query, e.Mapping)
}

// Fonts lists the stored font families, sorted.
func (s *Store) Fonts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for f := range s.entries {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Reset drops every entry.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	s.active = ""
}

// decrypt drops zero-width break hints and decodes. No-break spaces are
// folded by the decoder.
func decrypt(cipherText string, m *cipher.MappingTable) string {
	return cipher.Decode(cipher.StripZeroWidth(cipherText), m)
}
