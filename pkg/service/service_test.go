package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/glyphcloak/internal/governance"
	"github.com/polisai/glyphcloak/pkg/batch"
	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/fontmap"
	"github.com/polisai/glyphcloak/pkg/interact"
	"github.com/polisai/glyphcloak/pkg/telemetry"
	"github.com/polisai/glyphcloak/pkg/transform"
)

var (
	_ batch.Encrypter    = (*Service)(nil)
	_ interact.Decrypter = (*Service)(nil)
)

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Service, *transform.Client) {
	t.Helper()
	svc, err := New(cfg, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, transform.NewClient(srv.URL, transform.WithHTTPClient(srv.Client()))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FontBaseURL = "https://fonts.example/fonts/"
	return cfg
}

func TestEncryptPageOverHTTP(t *testing.T) {
	_, client := newTestServer(t, testConfig())

	texts := []string{"Hello World", "", "   ", "Second text"}
	resp, err := client.EncryptPage(context.Background(), transform.PageRequest{Texts: texts})
	require.NoError(t, err)
	require.NoError(t, resp.Validate(len(texts)))

	assert.Equal(t, DefaultSecretKey, resp.SecretKey)
	assert.Equal(t, cipher.Nonce("Hello World Second text"), resp.Nonce)
	assert.Equal(t, "", resp.EncryptedTexts[1])
	assert.Equal(t, "", resp.EncryptedTexts[2])

	key := resp.Key()
	assert.Equal(t, "https://fonts.example/fonts/"+fontmap.FileName(key), resp.FontURL)

	m, err := resp.Mapping()
	require.NoError(t, err)
	assert.Equal(t, "Hello World", cipher.Decode(resp.EncryptedTexts[0], m))
	assert.Equal(t, "Second text", cipher.Decode(resp.EncryptedTexts[3], m))
	assert.Equal(t, m.SpaceChar(), resp.SpaceRune())
}

func TestEncryptPageReusesPinnedNonce(t *testing.T) {
	svc, err := New(testConfig())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := svc.EncryptPage(ctx, transform.PageRequest{Texts: []string{"Article one"}})
	require.NoError(t, err)
	second, err := svc.EncryptPage(ctx, transform.PageRequest{Texts: []string{"Something else"}, Nonce: &first.Nonce})
	require.NoError(t, err)

	assert.Equal(t, first.Nonce, second.Nonce)
	assert.Equal(t, first.FontURL, second.FontURL)
	assert.Equal(t, first.LowerMap, second.LowerMap)
}

func TestBatchLimit(t *testing.T) {
	_, client := newTestServer(t, testConfig())

	_, err := client.EncryptBatch(context.Background(), transform.BatchRequest{Texts: make([]string, transform.MaxBatchTexts+1)})
	require.Error(t, err)
	var se *transform.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, CodeTooManyTexts, se.Body.Code)

	resp, err := client.EncryptBatch(context.Background(), transform.BatchRequest{Texts: []string{"a b", ""}})
	require.NoError(t, err)
	assert.Len(t, resp.Encrypted, 2)
	assert.Equal(t, "", resp.Encrypted[1])
}

func TestPageLimit(t *testing.T) {
	svc, err := New(testConfig())
	require.NoError(t, err)
	_, err = svc.EncryptPage(context.Background(), transform.PageRequest{Texts: make([]string, transform.MaxPageTexts+1)})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeTooManyTexts, apiErr.Code)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := New(testConfig())
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[A-Za-z][A-Za-z .,!?]{0,40}`).Draw(t, "text")
		ctx := context.Background()

		enc, err := svc.Encrypt(ctx, transform.EncryptRequest{Text: text})
		require.NoError(t, err)
		plain, err := svc.Decrypt(ctx, transform.DecryptRequest{Encrypted: enc.Encrypted, SecretKey: DefaultSecretKey, Nonce: enc.Nonce})
		require.NoError(t, err)
		assert.Equal(t, text, plain)
	})
}

func TestDecryptAndQueryOverHTTP(t *testing.T) {
	_, client := newTestServer(t, testConfig())
	ctx := context.Background()

	page, err := client.EncryptPage(ctx, transform.PageRequest{Texts: []string{"Find the needle here"}})
	require.NoError(t, err)

	plain, err := client.Decrypt(ctx, transform.DecryptRequest{
		Encrypted: page.EncryptedTexts[0],
		SecretKey: page.SecretKey,
		Nonce:     page.Nonce,
	})
	require.NoError(t, err)
	assert.Equal(t, "Find the needle here", plain)

	q, err := client.EncryptQuery(ctx, transform.QueryRequest{Text: "needle", SecretKey: page.SecretKey, Nonce: page.Nonce})
	require.NoError(t, err)
	assert.Contains(t, page.EncryptedTexts[0], q)

	_, err = client.Decrypt(ctx, transform.DecryptRequest{Encrypted: "x", SecretKey: -1, Nonce: 1})
	var se *transform.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CodeInvalidKey, se.Body.Code)
}

func TestHealthAndGlyphs(t *testing.T) {
	svc, client := newTestServer(t, testConfig())
	ctx := context.Background()

	status, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", status)

	raw, err := client.Glyphs(ctx, 29202393, 462508)
	require.NoError(t, err)
	var contract fontmap.Contract
	require.NoError(t, json.Unmarshal(raw, &contract))

	want, err := svc.Glyphs(ctx, cipher.KeyMaterial{SecretKey: 29202393, Nonce: 462508})
	require.NoError(t, err)
	assert.Equal(t, want.FileName, contract.FileName)
	assert.Len(t, contract.Assignments, len(want.Assignments))
}

func TestGlyphsRejectsBadNonce(t *testing.T) {
	svc, err := New(testConfig())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/glyphs?nonce=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMalformedBody(t *testing.T) {
	svc, err := New(testConfig())
	require.NoError(t, err)
	h := svc.Handler()

	for _, body := range []string{"", "{not json", `{"text": ""}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, transform.PathEncrypt, strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)

		var er transform.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
		assert.Equal(t, CodeInvalidRequest, er.Code)
		assert.NotEmpty(t, er.Message)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = governance.RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1}
	metrics := telemetry.NewMetrics()
	svc, err := New(cfg, WithMetrics(metrics))
	require.NoError(t, err)
	h := svc.Handler()

	send := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"text":"hi"}`))
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send(transform.PathEncrypt)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	second := send(transform.PathEncrypt)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, transform.PathHealth, nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestServiceDrivesBatchClient(t *testing.T) {
	svc, err := New(testConfig())
	require.NoError(t, err)
	cfg := batch.DefaultConfig()
	cfg.MaxBatchSize = 2
	client := batch.New(svc, cfg)

	texts := []string{"one", "two", "three"}
	results, err := client.Encrypt(context.Background(), texts)
	require.NoError(t, err)
	for i, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, texts[i], cipher.Decode(r.Cipher, r.Encoding.Mapping))
		assert.Equal(t, results[0].Encoding.FontURL, r.Encoding.FontURL)
	}
}

func TestNewRejectsNegativeKey(t *testing.T) {
	cfg := testConfig()
	cfg.SecretKey = -5
	_, err := New(cfg)
	assert.ErrorIs(t, err, cipher.ErrInvalidKey)
}
