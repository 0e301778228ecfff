package session

import (
	"testing"
	"time"

	"pomotimer/internal/timer"
)

func makeEvent(ms int64) Event {
	return Event{
		SessionID: "test",
		Type:      EventTick,
		Tick:      timer.Notification{Type: timer.NotifyTick, TimeLeftMs: ms},
		Timestamp: time.Now().UTC(),
	}
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	events := rb.ReadAll()
	if len(events) != 0 {
		t.Errorf("expected empty buffer, got %d events", len(events))
	}
	if _, ok := rb.Last(EventTick); ok {
		t.Error("expected no last event")
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Write(makeEvent(int64(i)))
	}

	events := rb.ReadAll()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	for i, e := range events {
		if e.Tick.TimeLeftMs != int64(i) {
			t.Errorf("event %d: expected %d, got %d", i, i, e.Tick.TimeLeftMs)
		}
	}

	last, ok := rb.Last(EventTick)
	if !ok || last.Tick.TimeLeftMs != 4 {
		t.Errorf("expected last event 4, got %+v", last)
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 8; i++ {
		rb.Write(makeEvent(int64(i)))
	}

	events := rb.ReadAll()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	// Should have events 3,4,5,6,7 (oldest dropped).
	for i, e := range events {
		if e.Tick.TimeLeftMs != int64(i+3) {
			t.Errorf("event %d: expected %d, got %d", i, i+3, e.Tick.TimeLeftMs)
		}
	}

	last, _ := rb.Last(EventTick)
	if last.Tick.TimeLeftMs != 7 {
		t.Errorf("expected last event 7, got %d", last.Tick.TimeLeftMs)
	}
}

func TestRingBuffer_ExactCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		rb.Write(makeEvent(int64(i)))
	}

	events := rb.ReadAll()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	for i, e := range events {
		if e.Tick.TimeLeftMs != int64(i) {
			t.Errorf("event %d: expected %d, got %d", i, i, e.Tick.TimeLeftMs)
		}
	}

	last, _ := rb.Last(EventTick)
	if last.Tick.TimeLeftMs != 2 {
		t.Errorf("expected last event 2, got %d", last.Tick.TimeLeftMs)
	}
}

func TestRingBuffer_LastSkipsOtherTypes(t *testing.T) {
	rb := NewRingBuffer(4)
	for i := 0; i < 6; i++ {
		rb.Write(makeEvent(int64(i)))
	}
	rb.Write(Event{SessionID: "test", Type: EventUpdate})
	rb.Write(Event{SessionID: "test", Type: EventComplete})

	last, ok := rb.Last(EventTick)
	if !ok || last.Tick.TimeLeftMs != 5 {
		t.Errorf("expected last tick 5, got %+v (ok=%v)", last, ok)
	}
	if _, ok := rb.Last(EventClosed); ok {
		t.Error("expected no closed event")
	}
}
