package cipher

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

const (
	// UpperAlphabet is the domain of the upper-case table.
	UpperAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// LowerAlphabet is the letter part of the lower-case table's domain.
	LowerAlphabet = "abcdefghijklmnopqrstuvwxyz"

	// NoBreakSpace is folded to a plain space before any lookup.
	NoBreakSpace = '\u00a0'
	// Placeholder is what a literal newline decodes to.
	Placeholder = '\x00'
)

// ErrNotBijective is returned when a table maps two sources to one target.
var ErrNotBijective = errors.New("mapping table is not a bijection")

const (
	tableUpper = iota
	tableLower
	tableSpecial
)

// MappingTable holds the three plaintext→cipher tables for one KeyMaterial.
// Tables are immutable once built; use NewMappingTable or BuildMapping.
type MappingTable struct {
	tables  [3]map[rune]rune
	inverse [3]map[rune]rune
}

// NewMappingTable assembles a table from plaintext→cipher maps and checks
// that each one is injective.
func NewMappingTable(upper, lower, special map[rune]rune) (*MappingTable, error) {
	m := &MappingTable{}
	names := [3]string{"upper", "lower", "special"}
	for i, src := range [3]map[rune]rune{upper, lower, special} {
		table := make(map[rune]rune, len(src))
		inv := make(map[rune]rune, len(src))
		for from, to := range src {
			if prev, dup := inv[to]; dup {
				return nil, fmt.Errorf("%w: %s maps %q and %q to %q", ErrNotBijective, names[i], prev, from, to)
			}
			table[from] = to
			inv[to] = from
		}
		m.tables[i] = table
		m.inverse[i] = inv
	}
	return m, nil
}

// BuildMapping derives the mapping for the given key material. The result
// depends only on the key material; fonts baked from it stay valid.
func BuildMapping(key KeyMaterial) (*MappingTable, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	upperRunes := []rune(UpperAlphabet)
	lowerRunes := []rune(LowerAlphabet)

	slot := func(alphabet []rune, y int) rune {
		if y == SpaceSlot {
			return ' '
		}
		return alphabet[y]
	}

	upper := make(map[rune]rune, len(upperRunes))
	lower := make(map[rune]rune, len(lowerRunes)+1)
	for i := range upperRunes {
		y := Permute(key, i)
		lower[lowerRunes[i]] = slot(lowerRunes, y)

		// Upper case has no space slot: walk the cycle past it.
		for y == SpaceSlot {
			y = Permute(key, y)
		}
		upper[upperRunes[i]] = upperRunes[y]
	}
	lower[' '] = slot(lowerRunes, Permute(key, SpaceSlot))

	special := map[rune]rune{Placeholder: '\n'}

	return NewMappingTable(upper, lower, special)
}

// Upper returns a copy of the upper-case table.
func (m *MappingTable) Upper() map[rune]rune { return maps.Clone(m.tables[tableUpper]) }

// Lower returns a copy of the lower-case table, space included.
func (m *MappingTable) Lower() map[rune]rune { return maps.Clone(m.tables[tableLower]) }

// Special returns a copy of the special table.
func (m *MappingTable) Special() map[rune]rune { return maps.Clone(m.tables[tableSpecial]) }

// SpaceChar is the character a literal space encrypts to.
func (m *MappingTable) SpaceChar() rune {
	if m == nil {
		return ' '
	}
	if c, ok := m.tables[tableLower][' ']; ok {
		return c
	}
	return ' '
}

// EncodeRune maps one plaintext character. The first table whose domain
// contains r wins; anything else passes through.
func (m *MappingTable) EncodeRune(r rune) rune {
	for _, t := range m.tables {
		if c, ok := t[r]; ok {
			return c
		}
	}
	return r
}

// DecodeRune maps one cipher character back, with the same precedence as
// EncodeRune.
func (m *MappingTable) DecodeRune(r rune) rune {
	if r == NoBreakSpace {
		r = ' '
	}
	for _, t := range m.inverse {
		if c, ok := t[r]; ok {
			return c
		}
	}
	return r
}

// Inverse returns the plaintext character that encrypts to c.
func (m *MappingTable) Inverse(c rune) (rune, bool) {
	for _, t := range m.inverse {
		if p, ok := t[c]; ok {
			return p, true
		}
	}
	return 0, false
}

// Outputs lists every character the table can produce, sorted.
func (m *MappingTable) Outputs() []rune {
	seen := make(map[rune]struct{})
	for _, t := range m.inverse {
		for c := range t {
			seen[c] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Equal reports whether both tables hold the same mappings.
func (m *MappingTable) Equal(o *MappingTable) bool {
	if m == nil || o == nil {
		return m == o
	}
	for i := range m.tables {
		if !maps.Equal(m.tables[i], o.tables[i]) {
			return false
		}
	}
	return true
}

// Encode substitutes every character of text. Ligatures are expanded and
// no-break spaces folded first. A nil table leaves text unchanged.
func Encode(text string, m *MappingTable) string {
	if m == nil {
		return text
	}
	text = Normalize(text)
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		b.WriteRune(m.EncodeRune(r))
	}
	return b.String()
}

// Decode reverses Encode. A nil table leaves text unchanged.
func Decode(text string, m *MappingTable) string {
	if m == nil {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		b.WriteRune(m.DecodeRune(r))
	}
	return b.String()
}
