package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrFontUnavailable marks a cloaking font that could not be fetched.
var ErrFontUnavailable = errors.New("cloaking font unavailable")

// FontLoader makes a cloaking font available before text is switched to it.
type FontLoader interface {
	Load(ctx context.Context, fontURL string) error
}

// FontLoaderFunc adapts a function to FontLoader.
type FontLoaderFunc func(ctx context.Context, fontURL string) error

// Load implements FontLoader.
func (f FontLoaderFunc) Load(ctx context.Context, fontURL string) error { return f(ctx, fontURL) }

// maxFontBytes bounds a downloaded font.
const maxFontBytes = 4 << 20

var fontSignatures = [][]byte{
	[]byte("wOF2"),
	[]byte("wOFF"),
	{0x00, 0x01, 0x00, 0x00},
	[]byte("OTTO"),
	[]byte("true"),
}

// HTTPFontLoader fetches fonts over HTTP and remembers the ones it fetched.
// Relative font URLs resolve against BaseURL.
type HTTPFontLoader struct {
	BaseURL *url.URL
	client  *http.Client

	mu     sync.Mutex
	loaded map[string]bool
}

// NewHTTPFontLoader returns a loader using client, or a client with a short
// timeout when nil.
func NewHTTPFontLoader(client *http.Client, base *url.URL) *HTTPFontLoader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFontLoader{BaseURL: base, client: client, loaded: make(map[string]bool)}
}

// Resolve returns the absolute URL of a font.
func (l *HTTPFontLoader) Resolve(fontURL string) (string, error) {
	u, err := url.Parse(fontURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFontUnavailable, err)
	}
	if l.BaseURL != nil {
		u = l.BaseURL.ResolveReference(u)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("%w: relative url %q without base", ErrFontUnavailable, fontURL)
	}
	return u.String(), nil
}

// Load downloads the font once and checks it looks like a font file. Failed
// loads are retried on the next call.
func (l *HTTPFontLoader) Load(ctx context.Context, fontURL string) error {
	abs, err := l.Resolve(fontURL)
	if err != nil {
		return err
	}

	l.mu.Lock()
	done := l.loaded[abs]
	l.mu.Unlock()
	if done {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFontUnavailable, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFontUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrFontUnavailable, abs, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFontBytes))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFontUnavailable, err)
	}
	if !isFont(data) {
		return fmt.Errorf("%w: %s is not a font file", ErrFontUnavailable, abs)
	}

	l.mu.Lock()
	l.loaded[abs] = true
	l.mu.Unlock()
	return nil
}

func isFont(data []byte) bool {
	for _, sig := range fontSignatures {
		if bytes.HasPrefix(data, sig) {
			return true
		}
	}
	return false
}
