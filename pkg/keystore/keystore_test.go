package keystore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/glyphcloak/pkg/cipher"
)

func entry(t *testing.T, secretKey, nonce int64) Entry {
	t.Helper()
	key := cipher.KeyMaterial{SecretKey: secretKey, Nonce: nonce}
	m, err := cipher.BuildMapping(key)
	require.NoError(t, err)
	return Entry{Key: key, Mapping: m, SpaceChar: m.SpaceChar()}
}

func TestDecryptWithoutMappingIsIdentity(t *testing.T) {
	s := New()
	assert.Equal(t, "FeoovrWvaog", s.Decrypt("FeoovrWvaog"))
	assert.Equal(t, "query", s.EncryptQuery("any", "query"))
	_, ok := s.Active()
	assert.False(t, ok)
}

func TestDecryptUsesActiveEntry(t *testing.T) {
	s := New()
	e := entry(t, 29202393, 462508)
	s.Put("glyphcloak-a", e)

	cipherText := cipher.Encode("Hello World", e.Mapping)
	assert.Equal(t, "Hello World", s.Decrypt(cipherText))

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, e.Key, active.Key)
}

func TestDecryptNormalizesSegmentText(t *testing.T) {
	s := New()
	e := entry(t, 7, 11)
	s.Put("f", e)

	cipherText := []rune(cipher.Encode("copy me", e.Mapping))
	// Rendered text carries break hints and no-break spaces.
	withHints := replaceSpace(string(cipherText[:2]) + "\u200d" + string(cipherText[2:]) + "\u200b")
	assert.Equal(t, "copy me", s.Decrypt(withHints))
}

func replaceSpace(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r == ' ' {
			out[i] = cipher.NoBreakSpace
		}
	}
	return string(out)
}

func TestNewlineIsPlaceholderSentinel(t *testing.T) {
	s := New()
	s.Put("f", entry(t, 1, 2))
	assert.Equal(t, "\x00", s.Decrypt("\n"))
}

func TestPutReplacesAndSwitchesActive(t *testing.T) {
	s := New()
	a := entry(t, 1, 100)
	b := entry(t, 2, 200)
	s.Put("a", a)
	s.Put("b", b)

	textB := cipher.Encode("second font", b.Mapping)
	textA := cipher.Encode("first font", a.Mapping)
	assert.Equal(t, "second font", s.Decrypt(textB))
	assert.Equal(t, "first font", s.DecryptFor("a", textA))
	assert.Equal(t, "second font", s.DecryptFor("unknown", textB))
	assert.Equal(t, textA, s.EncryptQuery("a", "first font"))
	assert.Equal(t, []string{"a", "b"}, s.Fonts())

	a2 := entry(t, 3, 300)
	s.Put("a", a2)
	assert.Equal(t, 2, s.Len())
	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, a2.Key, got.Key)
	active, _ := s.Active()
	assert.Equal(t, a2.Key, active.Key)
}

func TestReset(t *testing.T) {
	s := New()
	s.Put("a", entry(t, 1, 1))
	s.Reset()
	assert.Zero(t, s.Len())
	assert.Equal(t, "abc", s.Decrypt("abc"))
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	e := entry(t, 5, 5)
	cipherText := cipher.Encode("shared", e.Mapping)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Put(fmt.Sprintf("f%d", i), e)
		}()
		go func() {
			defer wg.Done()
			got := s.Decrypt(cipherText)
			assert.Contains(t, []string{"shared", cipherText}, got)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, s.Len())
}
