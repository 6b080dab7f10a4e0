package fontmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/polisai/glyphcloak/pkg/cipher"
)

func TestBuildContractInvertsMapping(t *testing.T) {
	key := cipher.KeyMaterial{SecretKey: 29202393, Nonce: 462508}
	m, err := cipher.BuildMapping(key)
	require.NoError(t, err)

	c := Build(key, m)
	require.Len(t, c.Assignments, 26+27+1)

	for _, a := range c.Assignments {
		assert.Equal(t, a.Slot, m.EncodeRune(a.Glyph), "slot %q must show glyph %q", a.Slot, a.Glyph)
	}

	space, ok := c.Lookup(m.SpaceChar())
	require.True(t, ok)
	assert.Equal(t, ' ', space)
}

func TestBuildContractIsDeterministic(t *testing.T) {
	key := cipher.KeyMaterial{SecretKey: 17292006, Nonce: 1234}
	m1, err := cipher.BuildMapping(key)
	require.NoError(t, err)
	m2, err := cipher.BuildMapping(key)
	require.NoError(t, err)

	assert.Equal(t, Build(key, m1), Build(key, m2))
	assert.Equal(t, FileName(key), Build(key, m1).FileName)
	assert.Regexp(t, `^decryption_[0-9a-f]{12}\.woff2$`, FileName(key))
	assert.NotEqual(t, FileName(key), FileName(cipher.KeyMaterial{SecretKey: 17292006, Nonce: 1235}))
}

func TestBuildContractWithoutMapping(t *testing.T) {
	c := Build(cipher.KeyMaterial{}, nil)
	assert.Empty(t, c.Assignments)
	assert.NotEmpty(t, c.Family)
}

func TestCheckCoverageAgainstGoRegular(t *testing.T) {
	key := cipher.KeyMaterial{SecretKey: 1, Nonce: 2}
	m, err := cipher.BuildMapping(key)
	require.NoError(t, err)

	cov, err := CheckCoverage(goregular.TTF, Build(key, m))
	require.NoError(t, err)
	assert.True(t, cov.Complete(), "missing slots %q glyphs %q", cov.MissingSlots, cov.MissingGlyphs)
}

func TestCheckCoverageRejectsWOFF2(t *testing.T) {
	_, err := CheckCoverage([]byte("wOF2...."), Contract{})
	assert.ErrorIs(t, err, ErrUnverifiable)

	_, err = CheckCoverage([]byte("not a font"), Contract{})
	assert.Error(t, err)
}
