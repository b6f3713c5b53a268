// internal/browser/humanize.go
package browser

import (
	"math/rand"
	"time"

	"github.com/vortexops/webpilot/internal/config"
)

// humanizer produces the small timing irregularities that make synthetic
// input look less synthetic: per-key delays, click hold times, and drag
// pacing. All ranges come from configuration; a disabled humanizer returns
// zero delays everywhere.
type humanizer struct {
	cfg config.HumanizeConfig
	rng *rand.Rand
}

func newHumanizer(cfg config.HumanizeConfig, seed int64) *humanizer {
	return &humanizer{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// between returns a random duration in [minMs, maxMs] milliseconds.
func (h *humanizer) between(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	ms := minMs + h.rng.Intn(maxMs-minMs+1)
	return time.Duration(ms) * time.Millisecond
}

// KeyDelay returns the pause before the next keystroke.
func (h *humanizer) KeyDelay() time.Duration {
	if !h.cfg.Enabled {
		return 0
	}
	return h.between(h.cfg.KeyDelayMinMs, h.cfg.KeyDelayMaxMs)
}

// ClickHold returns how long the mouse button stays down for a click.
func (h *humanizer) ClickHold() time.Duration {
	if !h.cfg.Enabled {
		return 0
	}
	return h.between(h.cfg.ClickHoldMinMs, h.cfg.ClickHoldMaxMs)
}

// DragSteps returns how many intermediate mouse moves a drag is split into
// and the pause between them.
func (h *humanizer) DragSteps() (int, time.Duration) {
	steps := 12
	total := h.cfg.DragDuration
	if total <= 0 {
		total = 400 * time.Millisecond
	}
	if !h.cfg.Enabled {
		steps = 2
	}
	return steps, total / time.Duration(steps)
}
