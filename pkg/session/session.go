// Package session owns the per-visitor cloaking state: the key material and
// mappings issued for a page, the transform cache, and the pipeline that
// writes into them. Sessions expire after a period of inactivity.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/glyphcloak/pkg/batch"
	"github.com/polisai/glyphcloak/pkg/extract"
	"github.com/polisai/glyphcloak/pkg/interact"
	"github.com/polisai/glyphcloak/pkg/keystore"
	"github.com/polisai/glyphcloak/pkg/pipeline"
)

// ErrSessionNotFound indicates the requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// NotFoundError carries the id of a missing session.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrSessionNotFound
}

// Config holds session settings.
type Config struct {
	// TTL is the idle time after which a session expires.
	TTL     time.Duration
	Extract extract.Options
	Batch   batch.Config
	// CopyTimeout bounds a remote decrypt made on copy.
	CopyTimeout time.Duration
	// MaxSessions caps live sessions; creating one more evicts the least
	// recently active. Zero means no cap.
	MaxSessions int
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		TTL:         30 * time.Minute,
		Batch:       batch.DefaultConfig(),
		CopyTimeout: 2 * time.Second,
	}
}

// Session is the cloaking context of one page view.
type Session struct {
	ID        string
	CreatedAt time.Time

	store    *keystore.Store
	client   *batch.Client
	pipeline *pipeline.Pipeline
	copier   *interact.Copier

	mu           sync.Mutex
	lastActivity time.Time
}

// Store returns the reverse mappings recorded for the session.
func (s *Session) Store() *keystore.Store { return s.store }

// Pipeline returns the pipeline that cloaks the session's documents.
func (s *Session) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Client returns the session's batch client.
func (s *Session) Client() *batch.Client { return s.client }

// Copier returns the copy interceptor bound to the session's store.
func (s *Session) Copier() *interact.Copier { return s.copier }

// LastActivity returns when the session was last used.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) idle(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// teardown drops every mapping and cached result.
func (s *Session) teardown() {
	s.store.Reset()
	s.client.Reset()
}

func newID() string {
	return uuid.NewString()
}
