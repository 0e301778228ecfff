package session

import (
	"time"

	"pomotimer/internal/presets"
	"pomotimer/internal/timer"
)

// Session holds metadata for a single countdown owned by the manager.
type Session struct {
	ID            string       `json:"id"`
	Label         string       `json:"label"`
	Kind          presets.Kind `json:"kind"`
	CreatedAt     time.Time    `json:"createdAt"`
	CompletedWork int          `json:"completedWork"`
}

// View is a session together with the state of its engine.
type View struct {
	Session
	Phase       timer.Phase `json:"phase"`
	RemainingMs int64       `json:"remainingMs"`
	TotalMs     int64       `json:"totalMs"`
	Progress    float64     `json:"progress"`
}

func newView(s Session, st timer.State) View {
	return View{
		Session:     s,
		Phase:       st.Phase,
		RemainingMs: st.RemainingMillis,
		TotalMs:     st.TotalMillis,
		Progress:    st.Progress(),
	}
}

// EventType distinguishes the events a subscriber receives.
type EventType string

const (
	EventTick     EventType = "tick"
	EventComplete EventType = "complete"
	EventUpdate   EventType = "update"
	EventClosed   EventType = "closed"
)

// Event is a notification about one session.
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Tick is set for EventTick.
	Tick timer.Notification `json:"-"`
	// Kind is the interval that finished, for EventComplete.
	Kind presets.Kind `json:"kind,omitempty"`
	// View is set for EventUpdate.
	View *View `json:"view,omitempty"`
}
