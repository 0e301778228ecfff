package timer

import (
	"math"
	"time"
)

// Phase is the lifecycle state of a countdown.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
)

// State is a point-in-time view of an engine.
type State struct {
	Phase Phase
	// TargetEnd is set only while Running.
	TargetEnd       time.Time
	RemainingMillis int64
	TotalMillis     int64
}

// Progress returns the elapsed fraction of TotalMillis in [0,1].
func (s State) Progress() float64 {
	if s.Phase == PhaseCompleted {
		return 1
	}
	return progress(s.RemainingMillis, s.TotalMillis)
}

// NotificationType distinguishes tick and completion notifications.
type NotificationType string

const (
	NotifyTick     NotificationType = "tick"
	NotifyComplete NotificationType = "complete"
)

// Notification is emitted by an engine on its notification channel.
type Notification struct {
	Type NotificationType

	// Run counts the Start and Reset commands applied before a completion, so
	// a consumer can tell whether it has issued commands since.
	Run uint64

	// Tick fields; zero for completions.
	TimeLeft   int64
	TimeLeftMs int64
	Progress   float64
}

func newTick(remainingMillis, totalMillis int64) Notification {
	return Notification{
		Type:       NotifyTick,
		TimeLeft:   ceilSeconds(remainingMillis),
		TimeLeftMs: remainingMillis,
		Progress:   progress(remainingMillis, totalMillis),
	}
}

// ceilSeconds rounds up so a just-started timer never shows less than it was
// started with.
func ceilSeconds(ms int64) int64 {
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

func progress(remainingMillis, totalMillis int64) float64 {
	if totalMillis <= 0 {
		return 0
	}
	p := 1 - float64(remainingMillis)/float64(totalMillis)
	return math.Min(1, math.Max(0, p))
}

func secondsToMillis(seconds float64) int64 {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	return int64(math.Round(seconds * 1000))
}
