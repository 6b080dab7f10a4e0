package cipher

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// SlotCount is the size of the permuted alphabet: 26 letters plus space.
	SlotCount = 27
	// SpaceSlot is the slot index reserved for the space character.
	SpaceSlot = 26

	leftModulus  = 3
	rightModulus = 9
)

// ErrInvalidKey is returned when key material cannot drive the permutation.
var ErrInvalidKey = errors.New("invalid key material")

// KeyMaterial identifies one mapping. It is issued by the transform service
// and never changes once issued.
type KeyMaterial struct {
	SecretKey int64 `json:"secretKey"`
	Nonce     int64 `json:"nonce"`
}

// Validate reports whether the key material is usable.
func (k KeyMaterial) Validate() error {
	if k.SecretKey < 0 {
		return fmt.Errorf("%w: secret key %d is negative", ErrInvalidKey, k.SecretKey)
	}
	if k.Nonce < 0 {
		return fmt.Errorf("%w: nonce %d is negative", ErrInvalidKey, k.Nonce)
	}
	return nil
}

// Permute maps slot x in [0, SlotCount) to its cipher slot.
//
// x is split as 9*q + r and run through two rounds: the first keyed by the
// secret key working mod 3, the second keyed by the nonce working mod 9.
func Permute(key KeyMaterial, x int) int {
	if x < 0 || x >= SlotCount {
		panic(fmt.Sprintf("cipher: slot %d out of range", x))
	}
	skb, nb := intBytes(key.SecretKey), intBytes(key.Nonce)

	l0, r0 := x/rightModulus, x%rightModulus

	f1 := roundValue(skb, r0, leftModulus)
	l1, r1 := r0, (l0+f1)%leftModulus

	f2 := roundValue(nb, r1, rightModulus)
	l2, r2 := r1, (l1+f2)%rightModulus

	return rightModulus*l2 + r2
}

// Unpermute is the inverse of Permute for the same key material.
func Unpermute(key KeyMaterial, y int) int {
	if y < 0 || y >= SlotCount {
		panic(fmt.Sprintf("cipher: slot %d out of range", y))
	}
	skb, nb := intBytes(key.SecretKey), intBytes(key.Nonce)

	l2, r2 := y/rightModulus, y%rightModulus

	r1 := l2
	f2 := roundValue(nb, r1, rightModulus)
	l1 := mod(r2-f2, rightModulus)

	r0 := l1
	f1 := roundValue(skb, r0, leftModulus)
	l0 := mod(r1-f1, leftModulus)

	return rightModulus*l0 + r0
}

// roundValue is SHA-256(key || half) read as a big-endian integer, reduced
// modulo m.
func roundValue(key []byte, half, m int) int {
	buf := make([]byte, 0, len(key)+1)
	buf = append(buf, key...)
	buf = append(buf, byte(half))
	sum := sha256.Sum256(buf)
	return int(modBytes(sum[:], uint64(m)))
}

// intBytes encodes v as minimal big-endian bytes, never shorter than one byte.
func intBytes(v int64) []byte {
	u := uint64(v)
	n := 1
	for t := u >> 8; t > 0; t >>= 8 {
		n++
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}

// modBytes reduces a big-endian unsigned integer modulo m.
func modBytes(b []byte, m uint64) uint64 {
	var acc uint64
	for _, c := range b {
		acc = (acc<<8 | uint64(c)) % m
	}
	return acc
}

func mod(a, m int) int {
	a %= m
	if a < 0 {
		a += m
	}
	return a
}
