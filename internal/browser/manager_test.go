// internal/browser/manager_test.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Fakes --

// fakeSession satisfies Session without a browser behind it.
type fakeSession struct {
	id        string
	profileID string

	mu       sync.Mutex
	busy     bool
	lastUsed time.Time
	closed   atomic.Bool

	url string
}

func newFakeSession(id string) *fakeSession {
	if id == "" {
		id = uuid.New().String()
	}
	return &fakeSession{
		id:        id,
		profileID: uuid.New().String(),
		lastUsed:  time.Now(),
	}
}

func (f *fakeSession) ID() string        { return f.id }
func (f *fakeSession) ProfileID() string { return f.profileID }

func (f *fakeSession) LastUsed() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUsed
}

func (f *fakeSession) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeSession) setState(busy bool, lastUsed time.Time) {
	f.mu.Lock()
	f.busy = busy
	f.lastUsed = lastUsed
	f.mu.Unlock()
}

func (f *fakeSession) touch() {
	f.mu.Lock()
	f.lastUsed = time.Now()
	f.mu.Unlock()
}

func (f *fakeSession) check() error {
	if f.closed.Load() {
		return fmt.Errorf("%w: session %s", schemas.ErrSessionGone, f.id)
	}
	return nil
}

func (f *fakeSession) Navigate(ctx context.Context, targetURL string) error {
	if err := f.check(); err != nil {
		return err
	}
	f.url = targetURL
	f.touch()
	return nil
}

func (f *fakeSession) Observe(ctx context.Context, g schemas.GridSpec) (*schemas.Observation, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return &schemas.Observation{
		CurrentURL: f.url,
		PageTitle:  "fake page",
		Screenshot: "aW1n",
		Viewport:   schemas.Viewport{Width: 1280, Height: 800},
		Grid:       g,
		Timestamp:  time.Now(),
	}, nil
}

func (f *fakeSession) ClickCell(ctx context.Context, cell string, g schemas.GridSpec) error {
	f.touch()
	return f.check()
}

func (f *fakeSession) TypeAtCell(ctx context.Context, cell, text string, g schemas.GridSpec) error {
	f.touch()
	return f.check()
}

func (f *fakeSession) HoldDrag(ctx context.Context, fromCell, toCell string, g schemas.GridSpec) error {
	f.touch()
	return f.check()
}

func (f *fakeSession) Scroll(ctx context.Context, dx, dy int) error {
	f.touch()
	return f.check()
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.closed.Store(true)
	return nil
}

// newTestManager builds a manager whose factory mints fake sessions.
func newTestManager(t *testing.T, cfg config.BrowserConfig) (*Manager, *sync.Map) {
	t.Helper()
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 4
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 10 * time.Minute
	}

	m := NewManager(cfg, zap.NewNop())
	created := &sync.Map{}
	m.newSession = func(ctx context.Context, id string, useProxy bool) (Session, error) {
		s := newFakeSession(id)
		created.Store(s.ID(), s)
		return s, nil
	}

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Shutdown(shutdownCtx))
	})
	return m, created
}

// -- Tests --

func TestManagerCreateAndDestroy(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{})
	ctx := context.Background()

	id, err := m.Create(ctx, "", false)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Duplicate explicit ids are rejected.
	_, err = m.Create(ctx, id, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrInvalidInput)

	// Destroy is idempotent.
	require.NoError(t, m.Destroy(ctx, id))
	require.NoError(t, m.Destroy(ctx, id))

	// Destroyed session is gone.
	_, err = m.Screenshot(ctx, id)
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestManagerUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{})
	ctx := context.Background()

	_, err := m.Navigate(ctx, "nope", "https://example.org")
	assert.ErrorIs(t, err, schemas.ErrNotFound)

	_, err = m.ClickCell(ctx, "nope", "A1")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestManagerLRUEviction(t *testing.T) {
	m, created := newTestManager(t, config.BrowserConfig{MaxSessions: 2})
	ctx := context.Background()

	oldID, err := m.Create(ctx, "old", false)
	require.NoError(t, err)
	newID, err := m.Create(ctx, "new", false)
	require.NoError(t, err)

	// Make "old" the LRU candidate.
	oldRaw, _ := created.Load(oldID)
	oldRaw.(*fakeSession).setState(false, time.Now().Add(-time.Hour))
	newRaw, _ := created.Load(newID)
	newRaw.(*fakeSession).setState(false, time.Now())

	// Third create overflows the cap and evicts "old".
	thirdID, err := m.Create(ctx, "third", false)
	require.NoError(t, err)

	_, err = m.Screenshot(ctx, oldID)
	assert.ErrorIs(t, err, schemas.ErrNotFound, "LRU session should have been evicted")
	_, err = m.Screenshot(ctx, newID)
	assert.NoError(t, err)
	_, err = m.Screenshot(ctx, thirdID)
	assert.NoError(t, err)
}

func TestManagerBusyWhenNoEvictableSession(t *testing.T) {
	m, created := newTestManager(t, config.BrowserConfig{MaxSessions: 1})
	ctx := context.Background()

	id, err := m.Create(ctx, "", false)
	require.NoError(t, err)

	raw, _ := created.Load(id)
	raw.(*fakeSession).setState(true, time.Now().Add(-time.Hour))

	_, err = m.Create(ctx, "", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrBusy)
}

func TestManagerIdleReaper(t *testing.T) {
	m, created := newTestManager(t, config.BrowserConfig{
		MaxSessions: 4,
		IdleTTL:     40 * time.Millisecond,
	})
	ctx := context.Background()

	id, err := m.Create(ctx, "", false)
	require.NoError(t, err)

	raw, _ := created.Load(id)
	raw.(*fakeSession).setState(false, time.Now().Add(-time.Minute))

	require.Eventually(t, func() bool {
		_, err := m.Screenshot(ctx, id)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "idle session should be reaped")
}

func TestManagerGridPreset(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{})

	assert.Equal(t, schemas.DefaultGrid, m.Grid())

	require.NoError(t, m.SetGrid(schemas.GridSpec{Rows: 32, Cols: 24}))
	assert.Equal(t, schemas.GridSpec{Rows: 32, Cols: 24}, m.Grid())

	err := m.SetGrid(schemas.GridSpec{Rows: 10, Cols: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrInvalidInput)
	assert.Equal(t, schemas.GridSpec{Rows: 32, Cols: 24}, m.Grid(), "rejected preset must not apply")
}

func TestManagerSmokeCheck(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{})
	ctx := context.Background()

	obs, err := m.SmokeCheck(ctx, "https://example.org", false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org", obs.CurrentURL)
	assert.NotEmpty(t, obs.Screenshot)

	// The ephemeral session must be gone afterwards.
	m.mu.RLock()
	remaining := len(m.sessions)
	m.mu.RUnlock()
	assert.Zero(t, remaining)
}

func TestManagerObservationCarriesGrid(t *testing.T) {
	m, _ := newTestManager(t, config.BrowserConfig{})
	ctx := context.Background()

	id, err := m.Create(ctx, "", false)
	require.NoError(t, err)
	require.NoError(t, m.SetGrid(schemas.GridSpec{Rows: 48, Cols: 32}))

	obs, err := m.Screenshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schemas.GridSpec{Rows: 48, Cols: 32}, obs.Grid)
}
