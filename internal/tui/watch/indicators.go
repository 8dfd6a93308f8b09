package watch

import (
	"strings"
	"time"
)

// Heartbeat alternates glyphs on each UI tick so a stalled program is
// visible at a glance.
type Heartbeat struct {
	frames []string
	index  int
}

func NewHeartbeat() Heartbeat {
	return Heartbeat{frames: []string{"⟲", "⟳"}}
}

func (h *Heartbeat) Tick() {
	h.index = (h.index + 1) % len(h.frames)
}

func (h Heartbeat) Current() string {
	return h.frames[h.index]
}

const activityDots = 5

// ActivityMeter lights up when events arrive and fades over ten seconds of
// silence. The fill level is derived from the last event time on render, so
// no per-tick bookkeeping is needed.
type ActivityMeter struct {
	lastEvent time.Time
}

func (a *ActivityMeter) OnEvent() {
	a.lastEvent = time.Now()
}

func (a ActivityMeter) LastEvent() time.Time {
	return a.lastEvent
}

func (a ActivityMeter) level() int {
	if a.lastEvent.IsZero() {
		return 0
	}
	elapsed := time.Since(a.lastEvent)
	if elapsed >= 10*time.Second {
		return 0
	}
	return activityDots - int(elapsed/(2*time.Second))
}

func (a ActivityMeter) Render(theme Theme) string {
	lit := a.level()
	var b strings.Builder
	for i := 0; i < activityDots; i++ {
		if i < lit {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}
