package session

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pomotimer/internal/history"
	"pomotimer/internal/presets"
	"pomotimer/internal/timer"
)

const (
	defaultRingBufCapacity  = 32
	defaultSubscriberBufCap = 100
)

var (
	ErrNotFound  = errors.New("timer not found")
	ErrMaxTimers = errors.New("maximum timer limit reached")
)

// PresetSource supplies the presets in effect right now.
type PresetSource interface {
	Current() presets.Presets
}

// Recorder persists finished intervals.
type Recorder interface {
	Save(r *history.Record) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder stores completed and interrupted intervals in r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock sets the clock for engines and record timestamps.
func WithClock(c timer.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithEngineOptions passes extra options to every engine the manager creates.
func WithEngineOptions(opts ...timer.Option) Option {
	return func(m *Manager) { m.engineOpts = append(m.engineOpts, opts...) }
}

// Manager owns the countdown sessions and fans their events out to subscribers.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*managedSession
	maxTimers  int
	presets    PresetSource
	recorder   Recorder
	clock      timer.Clock
	engineOpts []timer.Option
	pumps      sync.WaitGroup
}

type managedSession struct {
	// mu serializes commands and cycle steps and guards the fields below it.
	mu       sync.Mutex
	Session  Session
	runStart time.Time
	planned  int64 // total ms of the current run
	runs     uint64 // Start and Reset commands issued to the engine

	engine      *timer.Engine
	ringBuf     *RingBuffer
	subscribers map[string]chan Event
	subMu       sync.RWMutex
	closed      bool
}

// NewManager creates a new session manager.
func NewManager(maxTimers int, source PresetSource, opts ...Option) *Manager {
	m := &Manager{
		sessions:  make(map[string]*managedSession),
		maxTimers: maxTimers,
		presets:   source,
		clock:     timer.SystemClock,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Presets returns the presets currently in effect.
func (m *Manager) Presets() presets.Presets {
	return m.presets.Current()
}

// PresetSeconds returns the configured length of kind in seconds.
func (m *Manager) PresetSeconds(kind presets.Kind) float64 {
	return m.presets.Current().Duration(kind).Seconds()
}

// Create adds an idle countdown of durationSeconds.
func (m *Manager) Create(kind presets.Kind, durationSeconds float64, label string) (View, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxTimers {
		m.mu.Unlock()
		return View{}, fmt.Errorf("%w (%d)", ErrMaxTimers, m.maxTimers)
	}

	engineOpts := append([]timer.Option{timer.WithClock(m.clock)}, m.engineOpts...)
	ms := &managedSession{
		Session: Session{
			ID:        uuid.New().String(),
			Label:     label,
			Kind:      kind,
			CreatedAt: m.clock.Now().UTC(),
		},
		engine:      timer.New(durationSeconds, engineOpts...),
		ringBuf:     NewRingBuffer(defaultRingBufCapacity),
		subscribers: make(map[string]chan Event),
	}
	m.sessions[ms.Session.ID] = ms
	m.mu.Unlock()

	m.pumps.Add(1)
	go m.pump(ms)

	ms.mu.Lock()
	defer ms.mu.Unlock()
	st := ms.engine.Snapshot()
	ms.planned = st.TotalMillis
	return m.update(ms, st), nil
}

// Start starts the countdown, or resumes it when paused. A paused remainder
// takes precedence over durationSeconds.
func (m *Manager) Start(id string, durationSeconds float64) (View, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return View{}, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	before := ms.engine.Snapshot()
	if before.Phase == timer.PhaseRunning {
		m.recordInterrupted(ms, before)
	}
	if before.Phase != timer.PhasePaused {
		ms.runStart = m.clock.Now()
	}

	ms.engine.Start(durationSeconds)
	ms.runs++
	st := ms.engine.Snapshot()
	ms.planned = st.TotalMillis
	return m.update(ms, st), nil
}

// Pause pauses a running countdown; other phases are left untouched.
func (m *Manager) Pause(id string) (View, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return View{}, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.engine.Pause()
	return m.update(ms, ms.engine.Snapshot()), nil
}

// Reset abandons the current run and sets the countdown to durationSeconds.
func (m *Manager) Reset(id string, durationSeconds float64) (View, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return View{}, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	m.recordInterrupted(ms, ms.engine.Snapshot())
	ms.runStart = time.Time{}

	ms.engine.Reset(durationSeconds)
	ms.runs++
	st := ms.engine.Snapshot()
	ms.planned = st.TotalMillis
	return m.update(ms, st), nil
}

// Dispatch routes a transport-neutral command to the session. Unknown kinds
// are logged and reported with timer.ErrUnrecognizedCommand.
func (m *Manager) Dispatch(id string, cmd timer.Command) (View, error) {
	switch cmd.Kind {
	case timer.CommandStart:
		return m.Start(id, cmd.Duration)
	case timer.CommandPause:
		return m.Pause(id)
	case timer.CommandReset:
		return m.Reset(id, cmd.Duration)
	}
	log.Printf("warning: session %s: ignoring unrecognized command %q", id, cmd.Kind)
	return View{}, fmt.Errorf("%w: %q", timer.ErrUnrecognizedCommand, cmd.Kind)
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (View, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return View{}, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	return newView(ms.Session, ms.engine.Snapshot()), nil
}

// Snapshot returns the engine state of a session.
func (m *Manager) Snapshot(id string) (timer.State, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return timer.State{}, err
	}
	return ms.engine.Snapshot(), nil
}

// Latest returns the most recent buffered event of type t for a session.
func (m *Manager) Latest(id string, t EventType) (Event, bool) {
	ms, err := m.lookup(id)
	if err != nil {
		return Event{}, false
	}
	return ms.ringBuf.Last(t)
}

// List returns all sessions, oldest first.
func (m *Manager) List() []View {
	m.mu.RLock()
	all := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.mu.RUnlock()

	result := make([]View, 0, len(all))
	for _, ms := range all {
		ms.mu.Lock()
		result = append(result, newView(ms.Session, ms.engine.Snapshot()))
		ms.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Close removes a session and tears down its engine. Subscribers receive an
// EventClosed and then their channels are closed.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ms.mu.Lock()
	m.recordInterrupted(ms, ms.engine.Snapshot())
	ms.mu.Unlock()

	ms.engine.Close()
	return nil
}

// Subscribe creates a channel that receives events for a session.
// Returns the subscription ID, the channel and the buffered recent events.
func (m *Manager) Subscribe(id string) (string, <-chan Event, []Event, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, err
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	// Get buffered history before subscribing to avoid race.
	history := ms.ringBuf.ReadAll()

	ms.subMu.Lock()
	defer ms.subMu.Unlock()
	if ms.closed {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ms.subscribers[subID] = ch

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a session.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown closes every session and waits for their event pumps to drain.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id)
	}

	m.pumps.Wait()
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ms, nil
}

// pump forwards engine notifications until the engine is closed.
func (m *Manager) pump(ms *managedSession) {
	defer m.pumps.Done()

	for n := range ms.engine.Notifications() {
		switch n.Type {
		case timer.NotifyTick:
			m.publish(ms, Event{Type: EventTick, Tick: n})
		case timer.NotifyComplete:
			m.advance(ms, n.Run)
		}
	}

	m.publish(ms, Event{Type: EventClosed})

	ms.subMu.Lock()
	for subID, ch := range ms.subscribers {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.closed = true
	ms.subMu.Unlock()
}

// advance records the finished interval and moves the session on to the next
// one in the Pomodoro cycle. run is the completion's run tag; a Start or Reset
// that got in after the engine completed supersedes the cycle step.
func (m *Manager) advance(ms *managedSession, run uint64) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if run != ms.runs {
		log.Printf("session %s: skipping cycle step for superseded run %d", ms.Session.ID, run)
		return
	}

	now := m.clock.Now()
	finished := ms.Session.Kind
	if finished == presets.KindWork {
		ms.Session.CompletedWork++
	}
	m.record(ms, now, ms.planned, true)
	m.publish(ms, Event{Type: EventComplete, Kind: finished})

	p := m.presets.Current()
	next := p.Next(finished, ms.Session.CompletedWork)
	seconds := p.Duration(next).Seconds()
	ms.Session.Kind = next

	ms.engine.Reset(seconds)
	ms.runs++
	planned := p.Duration(next).Milliseconds()
	ms.planned = planned
	ms.runStart = time.Time{}
	st := timer.State{Phase: timer.PhaseIdle, RemainingMillis: planned, TotalMillis: planned}

	if p.AutoStart(next) {
		ms.engine.Start(seconds)
		ms.runs++
		ms.runStart = now
		st.Phase = timer.PhaseRunning
	}

	m.update(ms, st)
}

// update publishes the session's current view. Callers hold ms.mu.
func (m *Manager) update(ms *managedSession, st timer.State) View {
	view := newView(ms.Session, st)
	m.publish(ms, Event{Type: EventUpdate, View: &view})
	return view
}

func (m *Manager) recordInterrupted(ms *managedSession, st timer.State) {
	if st.Phase != timer.PhaseRunning && st.Phase != timer.PhasePaused {
		return
	}
	elapsed := st.TotalMillis - st.RemainingMillis
	if elapsed <= 0 {
		return
	}
	m.record(ms, m.clock.Now(), elapsed, false)
}

// record saves an interval of the current run. Callers hold ms.mu.
func (m *Manager) record(ms *managedSession, end time.Time, actualMs int64, completed bool) {
	if m.recorder == nil || ms.runStart.IsZero() {
		return
	}

	r := &history.Record{
		TimerID:   ms.Session.ID,
		Label:     ms.Session.Label,
		Kind:      string(ms.Session.Kind),
		StartedAt: ms.runStart.UTC(),
		EndedAt:   end.UTC(),
		Planned:   time.Duration(ms.planned) * time.Millisecond,
		Actual:    time.Duration(actualMs) * time.Millisecond,
		Completed: completed,
	}
	if err := m.recorder.Save(r); err != nil {
		log.Printf("session %s: failed to record %s interval: %v", ms.Session.ID, r.Kind, err)
	}
}

// publish stores an event for late subscribers and sends it to all current ones.
func (m *Manager) publish(ms *managedSession, event Event) {
	event.SessionID = ms.Session.ID
	event.Timestamp = m.clock.Now().UTC()

	ms.ringBuf.Write(event)

	ms.subMu.RLock()
	defer ms.subMu.RUnlock()

	for _, ch := range ms.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}
