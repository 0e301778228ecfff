package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeTimerUpdate   = "timer.update"
	TypeTimerTick     = "timer.tick"
	TypeTimerComplete = "timer.complete"
	TypeTimerClosed   = "timer.closed"
	TypePresetsUpdate = "presets.update"
	TypeWarning       = "warning"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeTimerCreate    = "timer.create"
	TypeTimerStart     = "timer.start"
	TypeTimerPause     = "timer.pause"
	TypeTimerReset     = "timer.reset"
	TypeTimerClose     = "timer.close"
	TypePresetsRequest = "presets.request"
)

// Error codes.
const (
	ErrTimerNotFound       = "TIMER_NOT_FOUND"
	ErrInvalidMessage      = "INVALID_MESSAGE"
	ErrMaxTimers           = "MAX_TIMERS"
	ErrUnrecognizedCommand = "UNRECOGNIZED_COMMAND"
	ErrInternal            = "INTERNAL"
)

// Server → Client payloads.

type TimerUpdatePayload struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	Kind          string `json:"kind"`
	Phase         string `json:"phase"`
	RemainingMs   int64  `json:"remainingMs"`
	TotalMs       int64  `json:"totalMs"`
	CompletedWork int    `json:"completedWork"`
	CreatedAt     string `json:"createdAt"`
}

type TimerTickPayload struct {
	TimerID    string  `json:"timerId"`
	TimeLeft   int64   `json:"timeLeft"`
	TimeLeftMs int64   `json:"timeLeftMs"`
	Progress   float64 `json:"progress"`
}

type TimerCompletePayload struct {
	TimerID string `json:"timerId"`
	Kind    string `json:"kind"`
}

type TimerClosedPayload struct {
	TimerID string `json:"timerId"`
}

// PresetsPayload carries durations in seconds.
type PresetsPayload struct {
	Work           float64 `json:"work"`
	ShortBreak     float64 `json:"shortBreak"`
	LongBreak      float64 `json:"longBreak"`
	LongBreakAfter int     `json:"longBreakAfter"`
	AutoStartBreak bool    `json:"autoStartBreak"`
	AutoStartWork  bool    `json:"autoStartWork"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type TimerCreatePayload struct {
	Kind     string   `json:"kind"`
	Duration *float64 `json:"duration,omitempty"`
	Label    string   `json:"label"`
}

// TimerCommandPayload is shared by start, pause, reset and close. Duration is
// in seconds; when omitted the timer keeps its current length.
// Pause and close ignore it.
type TimerCommandPayload struct {
	TimerID  string   `json:"timerId"`
	Duration *float64 `json:"duration,omitempty"`
}
