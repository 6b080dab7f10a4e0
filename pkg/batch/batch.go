// Package batch sends extracted texts to the transform service in bounded
// sub-batches, reusing cached results and keeping output aligned with input.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/glyphcloak/internal/governance"
	"github.com/polisai/glyphcloak/pkg/cache"
	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/transform"
)

// ErrBatchFailed marks a run in which at least one sub-batch failed.
var ErrBatchFailed = errors.New("transform batch failed")

// Encrypter is the part of the transform service the client needs.
type Encrypter interface {
	EncryptPage(ctx context.Context, req transform.PageRequest) (*transform.PageResponse, error)
}

// Encoding is shared by every text cloaked in one service response.
type Encoding struct {
	Key       cipher.KeyMaterial
	Mapping   *cipher.MappingTable
	FontURL   string
	SpaceChar rune
}

// Result is the cloaked form of one text.
type Result struct {
	Cipher   string
	Encoding *Encoding
}

// Recorder receives batch telemetry.
type Recorder interface {
	RecordCache(hits, misses int)
	RecordCall(d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordCache(int, int)           {}
func (nopRecorder) RecordCall(time.Duration, error) {}

// Config tunes the client.
type Config struct {
	// MaxBatchSize bounds the texts per request. Capped at the service limit.
	MaxBatchSize int
	// Retries is the number of attempts after the first.
	Retries int
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
	// SecretKey is sent with every request when set.
	SecretKey *int64
	// CacheSize bounds the number of cached texts.
	CacheSize int
	// Breaker guards the service. A zero MaxFailures disables it.
	Breaker governance.CircuitBreakerConfig
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 100,
		Retries:      2,
		RetryDelay:   500 * time.Millisecond,
		CacheSize:    cache.DefaultCapacity,
		Breaker:      governance.DefaultCircuitBreakerConfig(),
	}
}

// Client cloaks texts through an Encrypter.
type Client struct {
	svc      Encrypter
	cfg      Config
	cache    *cache.Cache[*Result]
	retry    *governance.RetryPolicy
	breaker  *governance.CircuitBreaker
	logger   *slog.Logger
	recorder Recorder

	mu     sync.Mutex
	pinned *cipher.KeyMaterial
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithCache shares a result cache, typically one owned by a session.
func WithCache(rc *cache.Cache[*Result]) Option {
	return func(c *Client) { c.cache = rc }
}

// New returns a client for svc.
func New(svc Encrypter, cfg Config, opts ...Option) *Client {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.MaxBatchSize > transform.MaxPageTexts {
		cfg.MaxBatchSize = transform.MaxPageTexts
	}

	c := &Client{
		svc: svc,
		cfg: cfg,
		retry: governance.NewRetryPolicy(governance.RetryConfig{
			MaxRetries: cfg.Retries,
			Delay:      cfg.RetryDelay,
			Retryable:  retryable,
		}),
		breaker:  governance.NewCircuitBreaker(cfg.Breaker),
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = cache.New[*Result](cfg.CacheSize)
	}
	return c
}

// retryable accepts the transform client's failures and, from other
// Encrypters, errors that look like transient network trouble.
func retryable(err error) bool {
	return errors.Is(err, transform.ErrTransport) ||
		errors.Is(err, transform.ErrMalformedResponse) ||
		governance.IsRetryableError(err)
}

// Encrypt cloaks texts. The result has one entry per input text, in input
// order; entries of failed sub-batches are nil and the returned error wraps
// ErrBatchFailed. Cached texts are never resubmitted.
func (c *Client) Encrypt(ctx context.Context, texts []string) ([]*Result, error) {
	results := make([]*Result, len(texts))
	var errs []error

	for start := 0; start < len(texts); start += c.cfg.MaxBatchSize {
		end := min(start+c.cfg.MaxBatchSize, len(texts))
		if err := c.encryptSub(ctx, texts, start, end, results); err != nil {
			errs = append(errs, fmt.Errorf("texts %d-%d: %w", start, end-1, err))
		}
	}

	if len(errs) > 0 {
		return results, fmt.Errorf("%w: %w", ErrBatchFailed, errors.Join(errs...))
	}
	return results, nil
}

func (c *Client) encryptSub(ctx context.Context, texts []string, start, end int, results []*Result) error {
	var misses []string
	positions := make(map[string][]int)
	hits := 0
	for i := start; i < end; i++ {
		text := texts[i]
		if r, ok := c.cache.Get(text); ok {
			results[i] = r
			hits++
			continue
		}
		if _, queued := positions[text]; !queued {
			misses = append(misses, text)
		}
		positions[text] = append(positions[text], i)
	}
	c.recorder.RecordCache(hits, end-start-hits)
	if len(misses) == 0 {
		return nil
	}

	resp, enc, err := c.submit(ctx, misses)
	if err != nil {
		c.logger.Warn("transform sub-batch failed, leaving texts unchanged",
			"texts", len(misses), "error", err)
		return err
	}

	for j, text := range misses {
		r := &Result{Cipher: resp.EncryptedTexts[j], Encoding: enc}
		c.cache.Put(text, r)
		for _, i := range positions[text] {
			results[i] = r
		}
	}
	return nil
}

func (c *Client) submit(ctx context.Context, texts []string) (*transform.PageResponse, *Encoding, error) {
	req := transform.PageRequest{Texts: texts, SecretKey: c.cfg.SecretKey}
	if pin, ok := c.Pinned(); ok {
		req.SecretKey = &pin.SecretKey
		req.Nonce = &pin.Nonce
	}

	var (
		resp *transform.PageResponse
		enc  *Encoding
	)
	began := time.Now()
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
			r, err := c.svc.EncryptPage(ctx, req)
			if err != nil {
				return err
			}
			if err := r.Validate(len(req.Texts)); err != nil {
				return err
			}
			m, err := r.Mapping()
			if err != nil {
				return err
			}
			resp = r
			enc = &Encoding{
				Key:       r.Key(),
				Mapping:   m,
				FontURL:   r.FontURL,
				SpaceChar: r.SpaceRune(),
			}
			return nil
		})
	})
	c.recorder.RecordCall(time.Since(began), err)
	if err != nil {
		return nil, nil, err
	}

	c.pin(enc.Key)
	return resp, enc, nil
}

func (c *Client) pin(key cipher.KeyMaterial) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned == nil {
		c.pinned = &key
	}
}

// Pinned returns the key material later sub-batches are sent with.
func (c *Client) Pinned() (cipher.KeyMaterial, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned == nil {
		return cipher.KeyMaterial{}, false
	}
	return *c.pinned, true
}

// Reset forgets the pinned key and every cached result.
func (c *Client) Reset() {
	c.mu.Lock()
	c.pinned = nil
	c.mu.Unlock()
	c.cache.Clear()
}

// CacheStats exposes the result cache counters.
func (c *Client) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// BreakerState exposes the circuit breaker state.
func (c *Client) BreakerState() governance.CircuitBreakerState {
	return c.breaker.State()
}
