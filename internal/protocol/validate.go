package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnrecognizedType is returned for well-formed messages whose type is not
// a known client command. Callers treat it as a warning, not a failure.
var ErrUnrecognizedType = errors.New("unrecognized message type")

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeTimerCreate:    true,
	TypeTimerStart:     true,
	TypeTimerPause:     true,
	TypeTimerReset:     true,
	TypeTimerClose:     true,
	TypePresetsRequest: true,
}

// validKinds are the interval kinds a timer may be created with. Empty means work.
var validKinds = map[string]bool{
	"":            true,
	"work":        true,
	"short_break": true,
	"long_break":  true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return &msg, fmt.Errorf("%w: %s", ErrUnrecognizedType, msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeTimerCreate:
		var p TimerCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if !validKinds[p.Kind] {
			return nil, fmt.Errorf("unknown timer kind %q in %s payload", p.Kind, msg.Type)
		}
		if p.Duration != nil && *p.Duration < 0 {
			return nil, fmt.Errorf("negative 'duration' in %s payload", msg.Type)
		}

	case TypeTimerStart, TypeTimerReset:
		var p TimerCommandPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.TimerID == "" {
			return nil, fmt.Errorf("missing required field 'timerId' in %s payload", msg.Type)
		}
		if p.Duration != nil && *p.Duration < 0 {
			return nil, fmt.Errorf("negative 'duration' in %s payload", msg.Type)
		}

	case TypeTimerPause, TypeTimerClose:
		var p TimerCommandPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.TimerID == "" {
			return nil, fmt.Errorf("missing required field 'timerId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// NewWarningMessage creates a non-fatal warning for the client.
func NewWarningMessage(code, message string) (*Message, error) {
	return NewMessage(TypeWarning, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
