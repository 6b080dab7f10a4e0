// Package interact restores plain text for readers of a cloaked page: copied
// selections are decrypted and searches are matched against cipher text.
package interact

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/dom"
	"github.com/polisai/glyphcloak/pkg/keystore"
	"github.com/polisai/glyphcloak/pkg/transform"
)

// Decrypter reverses cipher text remotely.
type Decrypter interface {
	Decrypt(ctx context.Context, req transform.DecryptRequest) (string, error)
}

// Selection is the cipher text a reader selected and the font it was
// rendered with. An empty Font means the active mapping.
type Selection struct {
	Text string `json:"text"`
	Font string `json:"font,omitempty"`
}

// SelectionOf selects the whole text of a cloaked container.
func SelectionOf(container *html.Node) Selection {
	font, _ := dom.Attr(container, dom.CloakAttr)
	return Selection{Text: dom.TextContent(container), Font: font}
}

// Copy sources.
const (
	SourceNone   = "none"
	SourceLocal  = "local"
	SourceRemote = "remote"
	SourceCipher = "cipher"
)

// Clip is the clipboard payload for a copy.
type Clip struct {
	Text string `json:"text"`
	// Intercepted is false when the default copy should proceed untouched.
	Intercepted bool   `json:"intercepted"`
	Source      string `json:"source"`
}

// Copier turns copied cipher text back into plain text.
type Copier struct {
	store   *keystore.Store
	remote  Decrypter
	timeout time.Duration
	logger  *slog.Logger
}

// CopierOption customises a Copier.
type CopierOption func(*Copier)

// WithRemote decrypts through the transform service when no local mapping
// is held for the selection. A non-positive timeout keeps the default.
func WithRemote(d Decrypter, timeout time.Duration) CopierOption {
	return func(c *Copier) {
		c.remote = d
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithCopyLogger sets the logger.
func WithCopyLogger(logger *slog.Logger) CopierOption {
	return func(c *Copier) { c.logger = logger }
}

// NewCopier returns a Copier reading mappings from store.
func NewCopier(store *keystore.Store, opts ...CopierOption) *Copier {
	c := &Copier{store: store, timeout: 2 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Copy computes the clipboard payload for sel. Empty selections and pages
// without key material are not intercepted. A failed remote call leaves the
// cipher text on the clipboard.
func (c *Copier) Copy(ctx context.Context, sel Selection) Clip {
	if strings.TrimSpace(cipher.StripZeroWidth(sel.Text)) == "" {
		return Clip{Text: sel.Text, Source: SourceNone}
	}

	e, ok := c.store.Get(sel.Font)
	if !ok {
		e, ok = c.store.Active()
	}
	if !ok {
		return Clip{Text: sel.Text, Source: SourceNone}
	}

	if e.Mapping != nil {
		return Clip{Text: c.store.DecryptFor(sel.Font, sel.Text), Intercepted: true, Source: SourceLocal}
	}

	if c.remote == nil {
		return Clip{Text: sel.Text, Intercepted: true, Source: SourceCipher}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	plain, err := c.remote.Decrypt(ctx, transform.DecryptRequest{
		Encrypted: cipher.StripZeroWidth(sel.Text),
		SecretKey: e.Key.SecretKey,
		Nonce:     e.Key.Nonce,
	})
	if err != nil {
		c.logger.Warn("remote decrypt failed, copying cipher text", "error", err)
		return Clip{Text: sel.Text, Intercepted: true, Source: SourceCipher}
	}
	return Clip{Text: plain, Intercepted: true, Source: SourceRemote}
}
