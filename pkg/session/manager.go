package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/glyphcloak/pkg/batch"
	"github.com/polisai/glyphcloak/pkg/interact"
	"github.com/polisai/glyphcloak/pkg/keystore"
	"github.com/polisai/glyphcloak/pkg/pipeline"
)

// Recorder receives session lifecycle metrics.
type Recorder interface {
	RecordSessionCreated()
	RecordSessionClosed(d time.Duration)
}

// Manager creates, looks up and expires sessions.
type Manager struct {
	svc       batch.Encrypter
	decrypter interact.Decrypter
	fonts     pipeline.FontLoader
	logger    *slog.Logger
	metrics   Recorder
	batchRec  batch.Recorder
	observer  pipeline.Observer
	now       func() time.Time

	mu       sync.RWMutex
	cfg      Config
	sessions map[string]*Session
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger shared by the manager and its sessions.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the sink for session, batch and pipeline telemetry.
func WithMetrics(r interface {
	Recorder
	batch.Recorder
	pipeline.Observer
}) Option {
	return func(m *Manager) {
		m.metrics = r
		m.batchRec = r
		m.observer = r
	}
}

// WithFontLoader sets the font loader of every session pipeline.
func WithFontLoader(l pipeline.FontLoader) Option {
	return func(m *Manager) { m.fonts = l }
}

// WithDecrypter enables remote decryption on copy when a session has no
// local mapping.
func WithDecrypter(d interact.Decrypter) Option {
	return func(m *Manager) { m.decrypter = d }
}

// NewManager returns a manager whose sessions cloak through svc.
func NewManager(svc batch.Encrypter, cfg Config, opts ...Option) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	m := &Manager{
		svc:      svc,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a session with its own store, cache and pinned nonce.
func (m *Manager) Create() (*Session, error) {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	id := newID()
	logger := m.logger.With("session_id", id)

	batchOpts := []batch.Option{batch.WithLogger(logger)}
	if m.batchRec != nil {
		batchOpts = append(batchOpts, batch.WithRecorder(m.batchRec))
	}
	client := batch.New(m.svc, cfg.Batch, batchOpts...)
	store := keystore.New()

	pipeOpts := []pipeline.Option{pipeline.WithLogger(logger)}
	if m.fonts != nil {
		pipeOpts = append(pipeOpts, pipeline.WithFontLoader(m.fonts))
	}
	if m.observer != nil {
		pipeOpts = append(pipeOpts, pipeline.WithObserver(m.observer))
	}
	p, err := pipeline.New(cfg.Extract, client, store, pipeOpts...)
	if err != nil {
		return nil, err
	}

	copyOpts := []interact.CopierOption{interact.WithCopyLogger(logger)}
	if m.decrypter != nil {
		copyOpts = append(copyOpts, interact.WithRemote(m.decrypter, cfg.CopyTimeout))
	}

	now := m.now()
	s := &Session{
		ID:           id,
		CreatedAt:    now,
		store:        store,
		client:       client,
		pipeline:     p,
		copier:       interact.NewCopier(store, copyOpts...),
		lastActivity: now,
	}

	m.mu.Lock()
	var evicted *Session
	if limit := m.cfg.MaxSessions; limit > 0 && len(m.sessions) >= limit {
		evicted = m.oldestLocked()
		delete(m.sessions, evicted.ID)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if evicted != nil {
		evicted.teardown()
		m.logger.Info("Session evicted", "session_id", evicted.ID, "max_sessions", cfg.MaxSessions)
		if m.metrics != nil {
			m.metrics.RecordSessionClosed(now.Sub(evicted.CreatedAt))
		}
	}
	m.logger.Info("Session created", "session_id", id)
	if m.metrics != nil {
		m.metrics.RecordSessionCreated()
	}
	return s, nil
}

// oldestLocked returns the least recently active session. m.mu must be held
// and the map must not be empty.
func (m *Manager) oldestLocked() *Session {
	var oldest *Session
	var at time.Time
	for _, s := range m.sessions {
		if last := s.LastActivity(); oldest == nil || last.Before(at) {
			oldest, at = s, last
		}
	}
	return oldest
}

// Get returns a live session and marks it active.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{SessionID: id}
	}
	s.touch(m.now())
	return s, nil
}

// Close tears a session down.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return &NotFoundError{SessionID: id}
	}

	s.teardown()
	m.logger.Info("Session closed", "session_id", id)
	if m.metrics != nil {
		m.metrics.RecordSessionClosed(m.now().Sub(s.CreatedAt))
	}
	return nil
}

// Cleanup removes sessions idle for longer than the TTL and returns how many
// were removed.
func (m *Manager) Cleanup() int {
	now := m.now()

	m.mu.Lock()
	ttl := m.cfg.TTL
	var expired []*Session
	for id, s := range m.sessions {
		if s.idle(now) > ttl {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.teardown()
		m.logger.Info("Session expired and cleaned up", "session_id", s.ID)
		if m.metrics != nil {
			m.metrics.RecordSessionClosed(now.Sub(s.CreatedAt))
		}
	}
	if len(expired) > 0 {
		m.logger.Info("Cleanup completed", "expired_sessions", len(expired))
	}
	return len(expired)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// UpdateConfig swaps the configuration used by new sessions and by expiry.
// Existing sessions keep their pipelines.
func (m *Manager) UpdateConfig(cfg Config) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.logger.Info("Session manager configuration updated", "ttl", cfg.TTL)
}

// StartCleanupRoutine expires idle sessions every interval until stopCh is
// closed.
func (m *Manager) StartCleanupRoutine(interval time.Duration, stopCh <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Cleanup()
			case <-stopCh:
				m.logger.Info("Cleanup routine stopped")
				return
			}
		}
	}()
}
