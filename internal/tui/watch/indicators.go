package watch

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

func newHeartbeat() spinner.Model {
	return spinner.New(spinner.WithSpinner(spinner.MiniDot))
}

// Activity lights up on every event and fades over ten seconds.
type Activity struct {
	level     int
	lastEvent time.Time
}

const activityLevels = 5

func (a *Activity) OnEvent(now time.Time) {
	a.level = activityLevels
	a.lastEvent = now
}

func (a *Activity) Decay(now time.Time) {
	if a.level == 0 {
		return
	}
	elapsed := now.Sub(a.lastEvent)
	lvl := activityLevels - int(elapsed/(2*time.Second))
	if lvl < 0 {
		lvl = 0
	}
	if lvl < a.level {
		a.level = lvl
	}
}

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range activityLevels {
		if i < a.level {
			b.WriteString(theme.ActivityOn.Render("●"))
		} else {
			b.WriteString(theme.ActivityOff.Render("○"))
		}
	}
	return b.String()
}

func (a Activity) LastEvent() time.Time { return a.lastEvent }
