package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	// ErrTransport covers unreachable services and non-2xx replies.
	ErrTransport = errors.New("transform service unavailable")
	// ErrMalformedResponse is returned when a reply lacks expected fields.
	ErrMalformedResponse = errors.New("malformed transform response")
)

// StatusError is a non-2xx reply. It matches ErrTransport.
type StatusError struct {
	StatusCode int
	Body       ErrorResponse
}

func (e *StatusError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("transform service returned %d: %s", e.StatusCode, e.Body.Message)
	}
	return fmt.Sprintf("transform service returned %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrTransport }

// Client calls a transform service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EncryptPage submits one sub-batch of page texts.
func (c *Client) EncryptPage(ctx context.Context, req PageRequest) (*PageResponse, error) {
	var resp PageResponse
	if err := c.do(ctx, http.MethodPost, PathEncryptPage, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.Validate(len(req.Texts)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Encrypt cloaks a single text.
func (c *Client) Encrypt(ctx context.Context, req EncryptRequest) (*EncryptResponse, error) {
	var resp EncryptResponse
	if err := c.do(ctx, http.MethodPost, PathEncrypt, req, &resp); err != nil {
		return nil, err
	}
	if resp.FontURL == "" {
		return nil, fmt.Errorf("%w: missing fontUrl", ErrMalformedResponse)
	}
	return &resp, nil
}

// EncryptBatch cloaks up to MaxBatchTexts texts with one mapping.
func (c *Client) EncryptBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	var resp BatchResponse
	if err := c.do(ctx, http.MethodPost, PathEncryptBatch, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Encrypted) != len(req.Texts) {
		return nil, fmt.Errorf("%w: %d texts for %d requested", ErrMalformedResponse, len(resp.Encrypted), len(req.Texts))
	}
	return &resp, nil
}

// Decrypt asks the service to reverse a cipher text.
func (c *Client) Decrypt(ctx context.Context, req DecryptRequest) (string, error) {
	var resp DecryptResponse
	if err := c.do(ctx, http.MethodPost, PathDecrypt, req, &resp); err != nil {
		return "", err
	}
	return resp.Decrypted, nil
}

// EncryptQuery cloaks a search query with an issued mapping.
func (c *Client) EncryptQuery(ctx context.Context, req QueryRequest) (string, error) {
	var resp QueryResponse
	if err := c.do(ctx, http.MethodPost, PathEncryptQuery, req, &resp); err != nil {
		return "", err
	}
	return resp.Encrypted, nil
}

// Health returns the service status string.
func (c *Client) Health(ctx context.Context) (string, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, PathHealth, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// Glyphs fetches the glyph contract for a key as raw JSON.
func (c *Client) Glyphs(ctx context.Context, secretKey, nonce int64) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("secretKey", strconv.FormatInt(secretKey, 10))
	q.Set("nonce", strconv.FormatInt(nonce, 10))
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, PathGlyphs+"?"+q.Encode(), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransport, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close response body", "path", path, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &se.Body) != nil {
			se.Body.Message = strings.TrimSpace(string(data))
		}
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrMalformedResponse, path, err)
	}
	return nil
}
