// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// sessionFactory creates a live session; replaced in tests.
type sessionFactory func(ctx context.Context, id string, useProxy bool) (Session, error)

// Manager owns the pool of isolated browser sessions and the process-wide
// grid preset. All positional primitives route through it so the pixel
// projection stays in one place.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]Session
	wg       sync.WaitGroup

	gridMu sync.RWMutex
	grid   schemas.GridSpec

	// baseCtx bounds the lifetime of every browser process.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	newSession sessionFactory

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewManager creates the session manager and starts the idle-TTL reaper.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	baseCtx, baseCancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:        cfg,
		logger:     logger.Named("browser_manager"),
		sessions:   make(map[string]Session),
		grid:       schemas.DefaultGrid,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	m.newSession = func(ctx context.Context, id string, useProxy bool) (Session, error) {
		return newChromeSession(ctx, id, useProxy, m.cfg, m.logger)
	}

	go m.reapIdleSessions()
	return m
}

// Grid returns the current grid preset.
func (m *Manager) Grid() schemas.GridSpec {
	m.gridMu.RLock()
	defer m.gridMu.RUnlock()
	return m.grid
}

// SetGrid switches the process-wide preset; non-preset sizes are rejected.
func (m *Manager) SetGrid(g schemas.GridSpec) error {
	if !schemas.IsAllowedGrid(g) {
		return fmt.Errorf("%w: %dx%d is not an allowed grid preset", schemas.ErrInvalidInput, g.Rows, g.Cols)
	}
	m.gridMu.Lock()
	m.grid = g
	m.gridMu.Unlock()
	m.logger.Info("Grid preset changed.", zap.Int("rows", g.Rows), zap.Int("cols", g.Cols))
	return nil
}

// Create allocates a fresh session. A caller-supplied id must be unused. On
// overflow the least-recently-used idle session is evicted; if every session
// is mid-primitive the create fails busy.
func (m *Manager) Create(ctx context.Context, sessionID string, useProxy bool) (string, error) {
	m.mu.Lock()
	if sessionID != "" {
		if _, exists := m.sessions[sessionID]; exists {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: session %s already exists", schemas.ErrInvalidInput, sessionID)
		}
	}

	if len(m.sessions) >= m.cfg.MaxSessions {
		victim := m.lruIdleLocked()
		if victim == nil {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: session cap %d reached and no idle session to evict", schemas.ErrBusy, m.cfg.MaxSessions)
		}
		delete(m.sessions, victim.ID())
		m.mu.Unlock()

		m.logger.Info("Evicting LRU idle session.", zap.String("session_id", victim.ID()))
		m.closeSession(victim)
	} else {
		m.mu.Unlock()
	}

	s, err := m.newSession(m.baseCtx, sessionID, useProxy)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("New session registered.", zap.String("session_id", s.ID()))
	return s.ID(), nil
}

// lruIdleLocked picks the least-recently-used session with no primitive in
// flight. Caller holds m.mu.
func (m *Manager) lruIdleLocked() Session {
	var victim Session
	for _, s := range m.sessions {
		if s.Busy() {
			continue
		}
		if victim == nil || s.LastUsed().Before(victim.LastUsed()) {
			victim = s
		}
	}
	return victim
}

func (m *Manager) closeSession(s Session) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Close(closeCtx); err != nil {
		m.logger.Warn("Error closing session.", zap.String("session_id", s.ID()), zap.Error(err))
	}
	m.wg.Done()
}

// Destroy releases a session. Unknown ids are a no-op.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.closeSession(s)
	return nil
}

// get resolves a session id.
func (m *Manager) get(sessionID string) (Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", schemas.ErrNotFound, sessionID)
	}
	return s, nil
}

// ProfileID reports the advisory profile id attached to a session.
func (m *Manager) ProfileID(sessionID string) (string, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return "", err
	}
	return s.ProfileID(), nil
}

// Navigate loads a URL and returns the post-load observation.
func (m *Manager) Navigate(ctx context.Context, sessionID, targetURL string) (*schemas.Observation, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.Navigate(ctx, targetURL); err != nil {
		return nil, err
	}
	return s.Observe(ctx, m.Grid())
}

// Screenshot returns the latest observation for a session.
func (m *Manager) Screenshot(ctx context.Context, sessionID string) (*schemas.Observation, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Observe(ctx, m.Grid())
}

// ClickCell clicks the centre of a cell and returns the post-click
// observation.
func (m *Manager) ClickCell(ctx context.Context, sessionID, cell string) (*schemas.Observation, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.ClickCell(ctx, cell, m.Grid()); err != nil {
		return nil, err
	}
	return s.Observe(ctx, m.Grid())
}

// TypeAtCell clicks a cell then types text into it.
func (m *Manager) TypeAtCell(ctx context.Context, sessionID, cell, text string) (*schemas.Observation, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.TypeAtCell(ctx, cell, text, m.Grid()); err != nil {
		return nil, err
	}
	return s.Observe(ctx, m.Grid())
}

// HoldDrag drags from one cell to another.
func (m *Manager) HoldDrag(ctx context.Context, sessionID, fromCell, toCell string) (*schemas.Observation, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.HoldDrag(ctx, fromCell, toCell, m.Grid()); err != nil {
		return nil, err
	}
	return s.Observe(ctx, m.Grid())
}

// Scroll performs a relative scroll.
func (m *Manager) Scroll(ctx context.Context, sessionID string, dx, dy int) (*schemas.Observation, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.Scroll(ctx, dx, dy); err != nil {
		return nil, err
	}
	return s.Observe(ctx, m.Grid())
}

// SmokeCheck is a single-shot create-navigate-observe-destroy used to
// verify a URL is reachable.
func (m *Manager) SmokeCheck(ctx context.Context, targetURL string, useProxy bool) (*schemas.Observation, error) {
	id, err := m.Create(ctx, "", useProxy)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := m.Destroy(Detach(ctx), id); err != nil {
			m.logger.Warn("Smoke-check cleanup failed.", zap.Error(err))
		}
	}()

	return m.Navigate(ctx, id, targetURL)
}

// reapIdleSessions destroys sessions that sit unused past the idle TTL.
func (m *Manager) reapIdleSessions() {
	defer close(m.reaperDone)

	interval := m.cfg.IdleTTL / 4
	if interval <= 0 || interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.reaperStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.IdleTTL)

			m.mu.Lock()
			var victims []Session
			for id, s := range m.sessions {
				if !s.Busy() && s.LastUsed().Before(cutoff) {
					victims = append(victims, s)
					delete(m.sessions, id)
				}
			}
			m.mu.Unlock()

			for _, s := range victims {
				m.logger.Info("Reaping idle session.", zap.String("session_id", s.ID()))
				m.closeSession(s)
			}
		}
	}
}

// Shutdown stops the reaper and closes every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	close(m.reaperStop)
	<-m.reaperDone

	m.mu.Lock()
	sessionsToClose := make([]Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessionsToClose = append(sessionsToClose, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessionsToClose {
		go m.closeSession(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions closed gracefully.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close.", zap.Error(ctx.Err()))
	}

	m.baseCancel()
	return nil
}
