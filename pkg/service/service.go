// Package service is the reference transform service. It issues key
// material, cloaks texts with the mapping derived from it and publishes the
// glyph contract the font builder needs.
//
// The methods of Service are usable in process: Service satisfies
// batch.Encrypter and interact.Decrypter, and Handler exposes the same
// operations as the JSON API.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/polisai/glyphcloak/internal/governance"
	"github.com/polisai/glyphcloak/pkg/cache"
	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/fontmap"
	"github.com/polisai/glyphcloak/pkg/telemetry"
	"github.com/polisai/glyphcloak/pkg/transform"
)

// DefaultSecretKey is used when neither the request nor the configuration
// names a key.
const DefaultSecretKey int64 = 29202393

// Config holds service settings.
type Config struct {
	// SecretKey is used for requests that carry none.
	SecretKey int64
	// FontBaseURL is the location font files are published under.
	FontBaseURL string
	// MappingCacheSize bounds the number of derived mapping tables kept.
	MappingCacheSize int
	RateLimit        governance.RateLimiterConfig
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		SecretKey:        DefaultSecretKey,
		FontBaseURL:      "http://localhost:8080/fonts",
		MappingCacheSize: 256,
	}
}

// Service implements the transform operations.
type Service struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	limiter  *governance.RateLimiter
	mappings *cache.Cache[*cipher.MappingTable]
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New validates cfg and returns a service.
func New(cfg Config, opts ...Option) (*Service, error) {
	if cfg.SecretKey == 0 {
		cfg.SecretKey = DefaultSecretKey
	}
	if cfg.SecretKey < 0 {
		return nil, fmt.Errorf("%w: secret key %d is negative", cipher.ErrInvalidKey, cfg.SecretKey)
	}
	if cfg.FontBaseURL == "" {
		cfg.FontBaseURL = DefaultConfig().FontBaseURL
	}
	if _, err := url.Parse(cfg.FontBaseURL); err != nil {
		return nil, fmt.Errorf("font base url: %w", err)
	}
	if cfg.MappingCacheSize <= 0 {
		cfg.MappingCacheSize = DefaultConfig().MappingCacheSize
	}

	s := &Service{
		cfg:      cfg,
		logger:   slog.Default(),
		limiter:  governance.NewRateLimiter(cfg.RateLimit),
		mappings: cache.New[*cipher.MappingTable](cfg.MappingCacheSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FontURL locates the font file of a key.
func (s *Service) FontURL(key cipher.KeyMaterial) string {
	return strings.TrimRight(s.cfg.FontBaseURL, "/") + "/" + fontmap.FileName(key)
}

func (s *Service) secretKey(k *int64) int64 {
	if k != nil {
		return *k
	}
	return s.cfg.SecretKey
}

// mapping returns the table of key, deriving it on first use.
func (s *Service) mapping(key cipher.KeyMaterial) (*cipher.MappingTable, error) {
	if err := key.Validate(); err != nil {
		return nil, invalidKey(err)
	}
	id := strconv.FormatInt(key.SecretKey, 10) + "_" + strconv.FormatInt(key.Nonce, 10)
	if m, ok := s.mappings.Get(id); ok {
		return m, nil
	}
	m, err := cipher.BuildMapping(key)
	if err != nil {
		return nil, invalidKey(err)
	}
	s.mappings.Put(id, m)
	return m, nil
}

// pageNonce derives one nonce from the non-empty texts joined by spaces.
func pageNonce(texts []string) int64 {
	var parts []string
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, t)
		}
	}
	return cipher.Nonce(cipher.ExpandLigatures(strings.Join(parts, " ")))
}

// encodeAll cloaks each trimmed text. Empty texts stay empty at their
// position.
func encodeAll(texts []string, m *cipher.MappingTable) []string {
	out := make([]string, len(texts))
	for i, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			out[i] = cipher.Encode(t, m)
		}
	}
	return out
}

func (s *Service) recordEncrypted(n int) {
	if s.metrics != nil {
		s.metrics.RecordEncrypted(n)
	}
}

// Encrypt cloaks a single text under a nonce derived from it.
func (s *Service) Encrypt(_ context.Context, req transform.EncryptRequest) (*transform.EncryptResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, badRequest("text is required")
	}
	key := cipher.KeyMaterial{
		SecretKey: s.secretKey(req.SecretKey),
		Nonce:     cipher.Nonce(cipher.ExpandLigatures(req.Text)),
	}
	m, err := s.mapping(key)
	if err != nil {
		return nil, err
	}
	s.recordEncrypted(1)
	return &transform.EncryptResponse{
		Encrypted: cipher.Encode(req.Text, m),
		FontURL:   s.FontURL(key),
		Nonce:     key.Nonce,
	}, nil
}

// EncryptBatch cloaks up to MaxBatchTexts texts under one shared nonce.
func (s *Service) EncryptBatch(_ context.Context, req transform.BatchRequest) (*transform.BatchResponse, error) {
	if req.Texts == nil {
		return nil, badRequest("texts is required")
	}
	if len(req.Texts) > transform.MaxBatchTexts {
		return nil, tooManyTexts(len(req.Texts), transform.MaxBatchTexts)
	}
	key := cipher.KeyMaterial{SecretKey: s.secretKey(req.SecretKey), Nonce: pageNonce(req.Texts)}
	m, err := s.mapping(key)
	if err != nil {
		return nil, err
	}
	s.recordEncrypted(len(req.Texts))
	return &transform.BatchResponse{
		Encrypted: encodeAll(req.Texts, m),
		FontURL:   s.FontURL(key),
		Nonce:     key.Nonce,
	}, nil
}

// EncryptPage cloaks up to MaxPageTexts texts under one nonce and returns
// the mapping tables so the caller can decrypt locally. A pinned nonce in
// the request is reused instead of deriving one.
func (s *Service) EncryptPage(_ context.Context, req transform.PageRequest) (*transform.PageResponse, error) {
	if req.Texts == nil {
		return nil, badRequest("texts is required")
	}
	if len(req.Texts) > transform.MaxPageTexts {
		return nil, tooManyTexts(len(req.Texts), transform.MaxPageTexts)
	}
	key := cipher.KeyMaterial{SecretKey: s.secretKey(req.SecretKey)}
	if req.Nonce != nil {
		key.Nonce = *req.Nonce
	} else {
		key.Nonce = pageNonce(req.Texts)
	}
	m, err := s.mapping(key)
	if err != nil {
		return nil, err
	}

	upper, lower, special := m.StringTables()
	s.recordEncrypted(len(req.Texts))
	s.logger.Debug("page encrypted", "texts", len(req.Texts), "nonce", key.Nonce, "pinned", req.Nonce != nil)
	return &transform.PageResponse{
		EncryptedTexts: encodeAll(req.Texts, m),
		FontURL:        s.FontURL(key),
		UpperMap:       upper,
		LowerMap:       lower,
		SpaceMap:       special,
		SpaceChar:      string(m.SpaceChar()),
		Nonce:          key.Nonce,
		SecretKey:      key.SecretKey,
	}, nil
}

// Decrypt reverses the substitution for the given key material.
func (s *Service) Decrypt(_ context.Context, req transform.DecryptRequest) (string, error) {
	m, err := s.mapping(cipher.KeyMaterial{SecretKey: req.SecretKey, Nonce: req.Nonce})
	if err != nil {
		return "", err
	}
	return cipher.Decode(cipher.StripZeroWidth(req.Encrypted), m), nil
}

// EncryptQuery cloaks a search query with an existing key.
func (s *Service) EncryptQuery(_ context.Context, req transform.QueryRequest) (string, error) {
	m, err := s.mapping(cipher.KeyMaterial{SecretKey: req.SecretKey, Nonce: req.Nonce})
	if err != nil {
		return "", err
	}
	return cipher.Encode(req.Text, m), nil
}

// Glyphs returns the glyph contract of a key.
func (s *Service) Glyphs(_ context.Context, key cipher.KeyMaterial) (fontmap.Contract, error) {
	m, err := s.mapping(key)
	if err != nil {
		return fontmap.Contract{}, err
	}
	return fontmap.Build(key, m), nil
}
