// internal/browser/humanize_test.go
package browser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vortexops/webpilot/internal/config"
)

func TestHumanizerDelaysWithinRange(t *testing.T) {
	h := newHumanizer(config.HumanizeConfig{
		Enabled:        true,
		KeyDelayMinMs:  30,
		KeyDelayMaxMs:  90,
		ClickHoldMinMs: 35,
		ClickHoldMaxMs: 120,
	}, 42)

	for i := 0; i < 200; i++ {
		d := h.KeyDelay()
		assert.GreaterOrEqual(t, d, 30*time.Millisecond)
		assert.LessOrEqual(t, d, 90*time.Millisecond)

		hold := h.ClickHold()
		assert.GreaterOrEqual(t, hold, 35*time.Millisecond)
		assert.LessOrEqual(t, hold, 120*time.Millisecond)
	}
}

func TestHumanizerDisabled(t *testing.T) {
	h := newHumanizer(config.HumanizeConfig{Enabled: false}, 1)

	assert.Zero(t, h.KeyDelay())
	assert.Zero(t, h.ClickHold())

	steps, pause := h.DragSteps()
	assert.Equal(t, 2, steps)
	assert.Equal(t, 200*time.Millisecond, pause)
}

func TestHumanizerDragSteps(t *testing.T) {
	h := newHumanizer(config.HumanizeConfig{
		Enabled:      true,
		DragDuration: 600 * time.Millisecond,
	}, 7)

	steps, pause := h.DragSteps()
	assert.Equal(t, 12, steps)
	assert.Equal(t, 50*time.Millisecond, pause)
}

func TestHumanizerDegenerateRange(t *testing.T) {
	h := newHumanizer(config.HumanizeConfig{
		Enabled:       true,
		KeyDelayMinMs: 50,
		KeyDelayMaxMs: 50,
	}, 3)

	assert.Equal(t, 50*time.Millisecond, h.KeyDelay())
}
