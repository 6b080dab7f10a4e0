package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/glyphcloak/internal/governance"
	"github.com/polisai/glyphcloak/pkg/cipher"
	"github.com/polisai/glyphcloak/pkg/dom"
	"github.com/polisai/glyphcloak/pkg/interact"
	"github.com/polisai/glyphcloak/pkg/rewrite"
	"github.com/polisai/glyphcloak/pkg/telemetry"
	"github.com/polisai/glyphcloak/pkg/transform"
)

type pageService struct{}

func (pageService) EncryptPage(_ context.Context, req transform.PageRequest) (*transform.PageResponse, error) {
	key := cipher.KeyMaterial{SecretKey: 7, Nonce: cipher.Nonce(strings.Join(req.Texts, " "))}
	if req.Nonce != nil {
		key.Nonce = *req.Nonce
	}
	m, err := cipher.BuildMapping(key)
	if err != nil {
		return nil, err
	}
	upper, lower, special := m.StringTables()
	out := make([]string, len(req.Texts))
	for i, t := range req.Texts {
		out[i] = cipher.Encode(t, m)
	}
	return &transform.PageResponse{
		EncryptedTexts: out,
		FontURL:        fmt.Sprintf("https://fonts.example/%d.woff2", key.Nonce),
		UpperMap:       upper,
		LowerMap:       lower,
		SpaceMap:       special,
		SpaceChar:      string(m.SpaceChar()),
		Nonce:          key.Nonce,
		SecretKey:      key.SecretKey,
	}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testManager(t *testing.T, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TTL = time.Minute
	cfg.Batch.Retries = 0
	cfg.Batch.Breaker = governance.CircuitBreakerConfig{}
	m := NewManager(pageService{}, cfg, opts...)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	return m, clock
}

func TestSessionIDsAreUnique(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 50).Draw(t, "sessions")
		m := NewManager(pageService{}, DefaultConfig(), WithLogger(slog.New(slog.DiscardHandler)))

		var wg sync.WaitGroup
		ids := make(chan string, n)
		for range n {
			wg.Go(func() {
				s, err := m.Create()
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				ids <- s.ID
			})
		}
		wg.Wait()
		close(ids)

		seen := make(map[string]bool)
		for id := range ids {
			if seen[id] {
				t.Fatalf("duplicate session id %s", id)
			}
			seen[id] = true
		}
		assert.Len(t, seen, n)
		assert.Equal(t, n, m.Count())
	})
}

func TestSessionsAreIsolated(t *testing.T) {
	m, _ := testManager(t)
	a, err := m.Create()
	require.NoError(t, err)
	b, err := m.Create()
	require.NoError(t, err)

	doc, err := dom.Parse(`<html><body><p>Quarterly results</p></body></html>`)
	require.NoError(t, err)
	report, err := a.Pipeline().Run(context.Background(), doc)
	require.NoError(t, err)
	require.Equal(t, 1, report.Rewritten)

	assert.Equal(t, 1, a.Store().Len())
	assert.Zero(t, b.Store().Len())
	_, pinned := b.Client().Pinned()
	assert.False(t, pinned)

	containers := rewrite.Containers(doc)
	require.Len(t, containers, 1)
	sel := interact.SelectionOf(containers[0])

	clip := a.Copier().Copy(context.Background(), sel)
	assert.True(t, clip.Intercepted)
	assert.Equal(t, interact.SourceLocal, clip.Source)
	assert.Equal(t, "Quarterly results", clip.Text)

	other := b.Copier().Copy(context.Background(), sel)
	assert.False(t, other.Intercepted)
}

func TestGetTouchesAndCloseTearsDown(t *testing.T) {
	m, clock := testManager(t)
	s, err := m.Create()
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, clock.Now(), s.LastActivity())

	doc, err := dom.Parse(`<html><body><p>Some text</p></body></html>`)
	require.NoError(t, err)
	_, err = s.Pipeline().Run(context.Background(), doc)
	require.NoError(t, err)
	require.Equal(t, 1, s.Store().Len())

	require.NoError(t, m.Close(s.ID))
	assert.Zero(t, s.Store().Len())
	assert.Zero(t, s.Client().CacheStats().Size)

	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	var nf *NotFoundError
	require.ErrorAs(t, m.Close(s.ID), &nf)
	assert.Equal(t, s.ID, nf.SessionID)
}

func TestCleanupExpiresIdleSessions(t *testing.T) {
	m, clock := testManager(t)
	idle, err := m.Create()
	require.NoError(t, err)
	active, err := m.Create()
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	_, err = m.Get(active.ID)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, m.Cleanup())
	assert.Equal(t, 1, m.Count())

	_, err = m.Get(idle.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(active.ID)
	assert.NoError(t, err)
}

func TestUpdateConfigChangesTTL(t *testing.T) {
	m, clock := testManager(t)
	_, err := m.Create()
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Zero(t, m.Cleanup())

	cfg := DefaultConfig()
	cfg.TTL = 10 * time.Second
	m.UpdateConfig(cfg)
	assert.Equal(t, 1, m.Cleanup())
}

func TestManagerRecordsMetrics(t *testing.T) {
	metrics := telemetry.NewMetrics()
	m, _ := testManager(t, WithMetrics(metrics))

	s, err := m.Create()
	require.NoError(t, err)
	require.NoError(t, m.Close(s.ID))

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["glyphcloak_sessions_total"])
}

func TestCreateEvictsLeastRecentlyActiveAtCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 2
	m, clock := testManager(t)
	m.UpdateConfig(cfg)

	a, err := m.Create()
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := m.Create()
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = m.Get(a.ID)
	require.NoError(t, err)
	clock.Advance(time.Second)

	c, err := m.Create()
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count())

	_, err = m.Get(b.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Get(a.ID)
	assert.NoError(t, err)
	_, err = m.Get(c.ID)
	assert.NoError(t, err)
}
