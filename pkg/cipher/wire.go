package cipher

import (
	"fmt"
	"unicode/utf8"
)

// ParseTables builds a MappingTable from the string-keyed tables carried on
// the wire. Every key and value must be exactly one character.
func ParseTables(upper, lower, special map[string]string) (*MappingTable, error) {
	var tables [3]map[rune]rune
	for i, src := range [3]map[string]string{upper, lower, special} {
		t := make(map[rune]rune, len(src))
		for k, v := range src {
			from, err := singleRune(k)
			if err != nil {
				return nil, err
			}
			to, err := singleRune(v)
			if err != nil {
				return nil, err
			}
			t[from] = to
		}
		tables[i] = t
	}
	return NewMappingTable(tables[tableUpper], tables[tableLower], tables[tableSpecial])
}

// StringTables returns the three tables in wire form.
func (m *MappingTable) StringTables() (upper, lower, special map[string]string) {
	conv := func(t map[rune]rune) map[string]string {
		out := make(map[string]string, len(t))
		for k, v := range t {
			out[string(k)] = string(v)
		}
		return out
	}
	return conv(m.tables[tableUpper]), conv(m.tables[tableLower]), conv(m.tables[tableSpecial])
}

func singleRune(s string) (rune, error) {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || size != len(s) {
		return 0, fmt.Errorf("table entry %q is not a single character", s)
	}
	return r, nil
}
