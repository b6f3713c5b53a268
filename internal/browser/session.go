// internal/browser/session.go
package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vortexops/webpilot/api/schemas"
	"github.com/vortexops/webpilot/internal/config"
	"github.com/vortexops/webpilot/internal/grid"
)

// Session is the handle the manager and executor use to drive one isolated
// browser context. Implementations serialize primitives internally: a
// session performs one primitive at a time.
type Session interface {
	ID() string
	ProfileID() string
	Navigate(ctx context.Context, targetURL string) error
	Observe(ctx context.Context, g schemas.GridSpec) (*schemas.Observation, error)
	ClickCell(ctx context.Context, cell string, g schemas.GridSpec) error
	TypeAtCell(ctx context.Context, cell, text string, g schemas.GridSpec) error
	HoldDrag(ctx context.Context, fromCell, toCell string, g schemas.GridSpec) error
	Scroll(ctx context.Context, dx, dy int) error
	LastUsed() time.Time
	Busy() bool
	Close(ctx context.Context) error
}

// chromeSession drives a dedicated Chromium process through chromedp. Each
// session owns an exec allocator with a scratch profile directory, so
// cookies and storage never leak between sessions.
type chromeSession struct {
	id        string
	profileID string

	cfg    config.BrowserConfig
	logger *zap.Logger

	// ctx is the tab context; closing allocCancel kills the browser.
	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	profileDir  string

	human *humanizer

	mu       sync.Mutex // serializes primitives
	inflight atomic.Int32
	lastUsed atomic.Int64 // unix nanos

	onClose   func()
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ Session = (*chromeSession)(nil)

// newChromeSession launches a fresh browser context. parentCtx bounds the
// session's whole lifetime, not the launch only.
func newChromeSession(parentCtx context.Context, id string, useProxy bool, cfg config.BrowserConfig, logger *zap.Logger) (*chromeSession, error) {
	if id == "" {
		id = uuid.New().String()
	}

	profileDir, err := os.MkdirTemp("", "webpilot-profile-")
	if err != nil {
		return nil, fmt.Errorf("failed to create profile scratch dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.UserDataDir(profileDir),
		chromedp.WindowSize(cfg.ViewportW, cfg.ViewportH),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}
	if useProxy && cfg.ProxyAddress != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyAddress))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		id:          id,
		profileID:   uuid.New().String(),
		cfg:         cfg,
		logger:      logger.Named("session").With(zap.String("session_id", id)),
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		profileDir:  profileDir,
		human:       newHumanizer(cfg.Humanize, time.Now().UnixNano()),
	}
	s.touch()

	// Start the browser and pin the viewport so grid projection is stable.
	launchCtx, cancel := context.WithTimeout(tabCtx, 60*time.Second)
	defer cancel()
	if err := chromedp.Run(launchCtx,
		chromedp.EmulateViewport(int64(cfg.ViewportW), int64(cfg.ViewportH)),
	); err != nil {
		s.teardown()
		return nil, fmt.Errorf("failed to launch browser context: %w", err)
	}

	s.logger.Info("Session created.", zap.String("profile_id", s.profileID), zap.Bool("use_proxy", useProxy))
	return s, nil
}

func (s *chromeSession) ID() string        { return s.id }
func (s *chromeSession) ProfileID() string { return s.profileID }

func (s *chromeSession) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Busy reports whether a primitive is currently in flight.
func (s *chromeSession) Busy() bool {
	return s.inflight.Load() > 0
}

func (s *chromeSession) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// run executes chromedp actions under both the session context and the
// operational context, holding the primitive lock.
func (s *chromeSession) run(opCtx context.Context, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: session %s", schemas.ErrSessionGone, s.id)
	}

	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.touch()

	combined, cancel := CombineContext(s.ctx, opCtx)
	defer cancel()

	err := chromedp.Run(combined, actions...)
	if err != nil && s.ctx.Err() != nil {
		return fmt.Errorf("%w: session %s", schemas.ErrSessionGone, s.id)
	}
	return err
}

// Navigate loads targetURL and waits for the page to become ready.
func (s *chromeSession) Navigate(ctx context.Context, targetURL string) error {
	parsed, err := url.Parse(targetURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("%w: %q", schemas.ErrInvalidURL, targetURL)
	}

	if err := s.run(ctx,
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", targetURL, err)
	}
	return nil
}

// Observe captures the current page state: screenshot, URL, title, viewport
// and the given grid. The vision locator attaches element annotations when
// it inspects the observation.
func (s *chromeSession) Observe(ctx context.Context, g schemas.GridSpec) (*schemas.Observation, error) {
	var (
		buf        []byte
		currentURL string
		title      string
	)

	if err := s.run(ctx,
		chromedp.Location(&currentURL),
		chromedp.Title(&title),
		chromedp.CaptureScreenshot(&buf),
	); err != nil {
		return nil, fmt.Errorf("failed to capture observation: %w", err)
	}

	return &schemas.Observation{
		CurrentURL: currentURL,
		PageTitle:  title,
		Screenshot: base64.StdEncoding.EncodeToString(buf),
		Viewport:   schemas.Viewport{Width: s.cfg.ViewportW, Height: s.cfg.ViewportH},
		Grid:       g,
		Timestamp:  time.Now(),
	}, nil
}

func (s *chromeSession) viewport() schemas.Viewport {
	return schemas.Viewport{Width: s.cfg.ViewportW, Height: s.cfg.ViewportH}
}

// clickActions builds the press/hold/release sequence at a pixel.
func (s *chromeSession) clickActions(x, y float64) []chromedp.Action {
	hold := s.human.ClickHold()
	return []chromedp.Action{
		input.DispatchMouseEvent(input.MouseMoved, x, y),
		input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).
			WithClickCount(1),
		chromedp.Sleep(hold),
		input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).
			WithClickCount(1),
	}
}

// ClickCell projects the cell onto the viewport and clicks its centre.
func (s *chromeSession) ClickCell(ctx context.Context, cell string, g schemas.GridSpec) error {
	x, y, err := grid.ProjectLabel(cell, g, s.viewport())
	if err != nil {
		return err
	}
	if err := s.run(ctx, s.clickActions(x, y)...); err != nil {
		return fmt.Errorf("click at %s failed: %w", cell, err)
	}
	return nil
}

// TypeAtCell clicks the cell to focus it, then types text with per-key
// jitter so the input cadence looks human.
func (s *chromeSession) TypeAtCell(ctx context.Context, cell, text string, g schemas.GridSpec) error {
	x, y, err := grid.ProjectLabel(cell, g, s.viewport())
	if err != nil {
		return err
	}

	actions := s.clickActions(x, y)
	actions = append(actions, chromedp.Sleep(s.human.KeyDelay()))
	for _, r := range text {
		actions = append(actions,
			chromedp.KeyEvent(string(r)),
			chromedp.Sleep(s.human.KeyDelay()),
		)
	}

	if err := s.run(ctx, actions...); err != nil {
		return fmt.Errorf("typing at %s failed: %w", cell, err)
	}
	return nil
}

// HoldDrag presses at fromCell, moves to toCell over a short duration, and
// releases.
func (s *chromeSession) HoldDrag(ctx context.Context, fromCell, toCell string, g schemas.GridSpec) error {
	vp := s.viewport()
	x0, y0, err := grid.ProjectLabel(fromCell, g, vp)
	if err != nil {
		return err
	}
	x1, y1, err := grid.ProjectLabel(toCell, g, vp)
	if err != nil {
		return err
	}

	steps, pause := s.human.DragSteps()
	actions := []chromedp.Action{
		input.DispatchMouseEvent(input.MouseMoved, x0, y0),
		input.DispatchMouseEvent(input.MousePressed, x0, y0).
			WithButton(input.Left).
			WithClickCount(1),
	}
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		actions = append(actions,
			chromedp.Sleep(pause),
			input.DispatchMouseEvent(input.MouseMoved, x0+(x1-x0)*t, y0+(y1-y0)*t).
				WithButton(input.Left),
		)
	}
	actions = append(actions,
		input.DispatchMouseEvent(input.MouseReleased, x1, y1).
			WithButton(input.Left).
			WithClickCount(1),
	)

	if err := s.run(ctx, actions...); err != nil {
		return fmt.Errorf("drag %s -> %s failed: %w", fromCell, toCell, err)
	}
	return nil
}

// Scroll dispatches a relative wheel event at the viewport centre.
func (s *chromeSession) Scroll(ctx context.Context, dx, dy int) error {
	cx := float64(s.cfg.ViewportW) / 2
	cy := float64(s.cfg.ViewportH) / 2

	err := s.run(ctx,
		input.DispatchMouseEvent(input.MouseWheel, cx, cy).
			WithDeltaX(float64(dx)).
			WithDeltaY(float64(dy)),
	)
	if err != nil {
		return fmt.Errorf("scroll by (%d, %d) failed: %w", dx, dy, err)
	}
	return nil
}

// teardown releases the browser process and the profile scratch directory.
func (s *chromeSession) teardown() {
	s.tabCancel()
	s.allocCancel()
	if s.profileDir != "" {
		if err := os.RemoveAll(s.profileDir); err != nil {
			s.logger.Warn("Failed to remove profile scratch dir.", zap.Error(err))
		}
	}
}

// Close terminates the session. Idempotent.
func (s *chromeSession) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.logger.Info("Closing session.")
		s.teardown()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
