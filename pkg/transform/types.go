// Package transform defines the JSON contract of the transform service and
// an HTTP client for it.
package transform

import (
	"fmt"
	"unicode/utf8"

	"github.com/polisai/glyphcloak/pkg/cipher"
)

// Limits enforced by the service.
const (
	MaxBatchTexts = 100
	MaxPageTexts  = 1000
)

// Service routes.
const (
	PathEncrypt      = "/encrypt"
	PathEncryptBatch = "/encrypt/batch"
	PathEncryptPage  = "/encrypt/page"
	PathDecrypt      = "/decrypt"
	PathEncryptQuery = "/encrypt/query"
	PathHealth       = "/health"
	PathGlyphs       = "/glyphs"
)

// EncryptRequest is the body of POST /encrypt.
type EncryptRequest struct {
	Text      string `json:"text"`
	SecretKey *int64 `json:"secretKey,omitempty"`
}

// EncryptResponse answers POST /encrypt.
type EncryptResponse struct {
	Encrypted string `json:"encrypted"`
	FontURL   string `json:"fontUrl"`
	Nonce     int64  `json:"nonce"`
}

// BatchRequest is the body of POST /encrypt/batch.
type BatchRequest struct {
	Texts     []string `json:"texts"`
	SecretKey *int64   `json:"secretKey,omitempty"`
}

// BatchResponse answers POST /encrypt/batch.
type BatchResponse struct {
	Encrypted []string `json:"encrypted"`
	FontURL   string   `json:"fontUrl"`
	Nonce     int64    `json:"nonce"`
}

// PageRequest is the body of POST /encrypt/page. A pinned Nonce makes the
// service reuse a mapping issued earlier for the same page.
type PageRequest struct {
	Texts     []string `json:"texts"`
	SecretKey *int64   `json:"secretKey,omitempty"`
	Nonce     *int64   `json:"nonce,omitempty"`
}

// PageResponse answers POST /encrypt/page. The maps are plaintext to cipher.
type PageResponse struct {
	EncryptedTexts []string          `json:"encryptedTexts"`
	FontURL        string            `json:"fontUrl"`
	UpperMap       map[string]string `json:"upperMap"`
	LowerMap       map[string]string `json:"lowerMap"`
	SpaceMap       map[string]string `json:"spaceMap"`
	SpaceChar      string            `json:"spaceChar"`
	Nonce          int64             `json:"nonce"`
	SecretKey      int64             `json:"secretKey"`
}

// Validate checks that a page response answers a request of n texts.
func (r *PageResponse) Validate(n int) error {
	switch {
	case len(r.EncryptedTexts) != n:
		return fmt.Errorf("%w: %d texts for %d requested", ErrMalformedResponse, len(r.EncryptedTexts), n)
	case r.FontURL == "":
		return fmt.Errorf("%w: missing fontUrl", ErrMalformedResponse)
	case len(r.UpperMap) == 0 || len(r.LowerMap) == 0:
		return fmt.Errorf("%w: missing mapping tables", ErrMalformedResponse)
	case utf8.RuneCountInString(r.SpaceChar) != 1:
		return fmt.Errorf("%w: spaceChar %q is not one character", ErrMalformedResponse, r.SpaceChar)
	}
	return nil
}

// Key returns the key material the response was produced with.
func (r *PageResponse) Key() cipher.KeyMaterial {
	return cipher.KeyMaterial{SecretKey: r.SecretKey, Nonce: r.Nonce}
}

// Mapping parses the plaintext to cipher tables of the response.
func (r *PageResponse) Mapping() (*cipher.MappingTable, error) {
	m, err := cipher.ParseTables(r.UpperMap, r.LowerMap, r.SpaceMap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return m, nil
}

// SpaceRune is the decoded spaceChar, or a plain space when absent.
func (r *PageResponse) SpaceRune() rune {
	c, _ := utf8.DecodeRuneInString(r.SpaceChar)
	if c == utf8.RuneError {
		return ' '
	}
	return c
}

// DecryptRequest is the body of POST /decrypt.
type DecryptRequest struct {
	Encrypted string `json:"encrypted"`
	SecretKey int64  `json:"secretKey"`
	Nonce     int64  `json:"nonce"`
}

// DecryptResponse answers POST /decrypt.
type DecryptResponse struct {
	Decrypted string `json:"decrypted"`
}

// QueryRequest is the body of POST /encrypt/query.
type QueryRequest struct {
	Text      string `json:"text"`
	SecretKey int64  `json:"secretKey"`
	Nonce     int64  `json:"nonce"`
}

// QueryResponse answers POST /encrypt/query.
type QueryResponse struct {
	Encrypted string `json:"encrypted"`
}

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every 4xx and 5xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
