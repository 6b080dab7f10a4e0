package cipher

import (
	"crypto/md5"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ligatures covers the Latin presentation forms ff, fi, fl, ffi and ffl.
var ligatures = &unicode.RangeTable{
	R16: []unicode.Range16{{Lo: 0xFB00, Hi: 0xFB04, Stride: 1}},
}

// zeroWidth covers the invisible break hints that never carry meaning.
var zeroWidth = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x200B, Hi: 0x200D, Stride: 1},
		{Lo: 0x2060, Hi: 0x2060, Stride: 1},
		{Lo: 0xFEFF, Hi: 0xFEFF, Stride: 1},
	},
}

func foldSpace(r rune) rune {
	if r == NoBreakSpace {
		return ' '
	}
	return r
}

// Normalize expands ligatures to their letters and folds no-break spaces to
// plain spaces. It is the form Decode(Encode(s)) returns.
func Normalize(s string) string {
	t := transform.Chain(
		runes.If(runes.In(ligatures), norm.NFKC, nil),
		runes.Map(foldSpace),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// ExpandLigatures only expands ligature glyphs.
func ExpandLigatures(s string) string {
	out, _, err := transform.String(runes.If(runes.In(ligatures), norm.NFKC, nil), s)
	if err != nil {
		return s
	}
	return out
}

// StripZeroWidth removes zero-width joiners, spaces and similar hints.
func StripZeroWidth(s string) string {
	if !strings.ContainsFunc(s, IsZeroWidth) {
		return s
	}
	out, _, err := transform.String(runes.Remove(runes.In(zeroWidth)), s)
	if err != nil {
		return s
	}
	return out
}

// IsZeroWidth reports whether r is an invisible break hint.
func IsZeroWidth(r rune) bool { return unicode.Is(zeroWidth, r) }

// NonceModulus bounds text-derived nonces.
const NonceModulus = 1_000_000

// Nonce derives a nonce from the character frequency profile of text: the
// count of each distinct character, sorted descending, joined as decimal and
// hashed with MD5.
func Nonce(text string) int64 {
	counts := make(map[rune]int)
	for _, r := range text {
		counts[r]++
	}
	values := make([]int, 0, len(counts))
	for _, c := range counts {
		values = append(values, c)
	}
	slices.SortFunc(values, func(a, b int) int { return b - a })

	var b strings.Builder
	for _, v := range values {
		b.WriteString(strconv.Itoa(v))
	}
	sum := md5.Sum([]byte(b.String())) //nolint:gosec // not used for security
	return int64(modBytes(sum[:], NonceModulus))
}
