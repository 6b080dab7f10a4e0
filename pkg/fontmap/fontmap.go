// Package fontmap describes the glyph table a cloaking font must carry for a
// given mapping, and names the font assets built from it.
//
// The font itself is baked by an external tool. This package only produces
// the contract that tool consumes and checks a base font against it.
package fontmap

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/image/font/sfnt"

	"github.com/polisai/glyphcloak/pkg/cipher"
)

// ErrUnverifiable is returned when a font payload cannot be inspected, for
// example a WOFF2 container.
var ErrUnverifiable = errors.New("font format cannot be verified")

// Assignment says that the font slot for Slot must draw the glyph that
// normally belongs to Glyph.
type Assignment struct {
	Slot  rune `json:"slot"`
	Glyph rune `json:"glyph"`
}

// Contract is the full glyph table for one key.
type Contract struct {
	Key         cipher.KeyMaterial `json:"key"`
	FileName    string             `json:"fileName"`
	Family      string             `json:"family"`
	Assignments []Assignment       `json:"assignments"`
}

// Build derives the contract from a mapping table. Assignments are sorted by
// slot so equal keys always produce identical contracts.
func Build(key cipher.KeyMaterial, m *cipher.MappingTable) Contract {
	c := Contract{
		Key:      key,
		FileName: FileName(key),
		Family:   Family(key),
	}
	if m == nil {
		return c
	}
	for _, slot := range m.Outputs() {
		glyph, ok := m.Inverse(slot)
		if !ok {
			continue
		}
		c.Assignments = append(c.Assignments, Assignment{Slot: slot, Glyph: glyph})
	}
	return c
}

// Lookup returns the glyph that slot must display.
func (c Contract) Lookup(slot rune) (rune, bool) {
	for _, a := range c.Assignments {
		if a.Slot == slot {
			return a.Glyph, true
		}
	}
	return 0, false
}

func keyHash(key cipher.KeyMaterial) string {
	sum := md5.Sum(fmt.Appendf(nil, "%d_%d", key.SecretKey, key.Nonce)) //nolint:gosec // naming only
	return hex.EncodeToString(sum[:])[:12]
}

// FileName is the asset name a baked font is published under.
func FileName(key cipher.KeyMaterial) string {
	return "decryption_" + keyHash(key) + ".woff2"
}

// Family is the CSS font family used for text cloaked with key.
func Family(key cipher.KeyMaterial) string {
	return "glyphcloak-" + keyHash(key)
}

// Coverage reports which parts of a contract a base font cannot serve.
type Coverage struct {
	// MissingSlots are cipher characters with no glyph in the font.
	MissingSlots []rune
	// MissingGlyphs are plaintext characters whose glyph the font lacks.
	MissingGlyphs []rune
}

// Complete reports whether the font can serve the whole contract.
func (c Coverage) Complete() bool {
	return len(c.MissingSlots) == 0 && len(c.MissingGlyphs) == 0
}

// CheckCoverage parses a TrueType or OpenType base font and lists contract
// characters it has no glyph for. Control characters are ignored since fonts
// routinely omit them.
func CheckCoverage(fontData []byte, c Contract) (Coverage, error) {
	if len(fontData) >= 4 && (string(fontData[:4]) == "wOF2" || string(fontData[:4]) == "wOFF") {
		return Coverage{}, ErrUnverifiable
	}
	f, err := sfnt.Parse(fontData)
	if err != nil {
		return Coverage{}, fmt.Errorf("parse font: %w", err)
	}

	var buf sfnt.Buffer
	has := func(r rune) bool {
		idx, err := f.GlyphIndex(&buf, r)
		return err == nil && idx != 0
	}

	var cov Coverage
	for _, a := range c.Assignments {
		if a.Slot >= ' ' && !has(a.Slot) {
			cov.MissingSlots = append(cov.MissingSlots, a.Slot)
		}
		if a.Glyph >= ' ' && !has(a.Glyph) {
			cov.MissingGlyphs = append(cov.MissingGlyphs, a.Glyph)
		}
	}
	return cov, nil
}
