// Package timer implements a drift-corrected countdown engine.
//
// Remaining time is always derived from an absolute target instant rather than
// accumulated per tick, so the tick interval only controls how often progress
// is reported, not how accurate it is.
package timer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultInterval is the tick cadence used when no interval is configured.
const DefaultInterval = 100 * time.Millisecond

const (
	commandBufSize      = 64
	notificationBufSize = 64
)

// ErrUnrecognizedCommand is returned by Dispatch for unknown command kinds.
var ErrUnrecognizedCommand = errors.New("unrecognized command")

// CommandKind names an engine command.
type CommandKind string

const (
	CommandStart CommandKind = "start"
	CommandPause CommandKind = "pause"
	CommandReset CommandKind = "reset"
)

// Command is a transport-neutral engine command. Duration is in seconds and
// is ignored by pause.
type Command struct {
	Kind     CommandKind
	Duration float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to compute remaining time.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithScheduler sets the scheduler that drives ticks.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithInterval sets the tick cadence.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// pendingNote is a notification that must not be dropped. Reset ticks are
// flagged so a later reset can replace them.
type pendingNote struct {
	n     Notification
	reset bool
}

type request struct {
	cmd   Command
	reply chan State // non-nil for snapshots
}

// Engine is a single countdown. All commands are asynchronous; their effects
// are reported on the Notifications channel. State is owned by one goroutine,
// so an Engine may be driven from any number of goroutines.
type Engine struct {
	clock    Clock
	sched    Scheduler
	interval time.Duration

	requests chan request
	ticks    chan uint64
	out      chan Notification
	done     chan struct{}
	stopped  chan struct{}
	closeMu  sync.Once

	// Owned by run.
	state   State
	handle  Handle
	gen     uint64
	runSeq  uint64
	pending []pendingNote
}

// New creates an idle engine holding durationSeconds and starts its loop.
// Negative durations are treated as zero.
func New(durationSeconds float64, opts ...Option) *Engine {
	e := &Engine{
		clock:    SystemClock,
		sched:    TickerScheduler{},
		interval: DefaultInterval,
		requests: make(chan request, commandBufSize),
		ticks:    make(chan uint64),
		out:      make(chan Notification, notificationBufSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	ms := secondsToMillis(durationSeconds)
	e.state = State{
		Phase:           PhaseIdle,
		RemainingMillis: ms,
		TotalMillis:     ms,
	}

	go e.run()
	return e
}

// Notifications returns the channel ticks and completions are delivered on.
// It is closed after Close once the loop has exited. Ticks are dropped while
// the channel is full. Completions are queued until there is room; of the
// reset ticks still queued, only the latest is kept.
func (e *Engine) Notifications() <-chan Notification {
	return e.out
}

// Start begins or resumes the countdown. When the engine is paused it resumes
// from the paused remainder and durationSeconds is ignored; otherwise it
// starts fresh from durationSeconds, discarding any current run.
func (e *Engine) Start(durationSeconds float64) {
	e.send(request{cmd: Command{Kind: CommandStart, Duration: durationSeconds}})
}

// Pause freezes the remaining time. It is a no-op unless the engine is running.
func (e *Engine) Pause() {
	e.send(request{cmd: Command{Kind: CommandPause}})
}

// Reset stops any run, sets the remaining time to durationSeconds and emits one
// tick with zero progress.
func (e *Engine) Reset(durationSeconds float64) {
	e.send(request{cmd: Command{Kind: CommandReset, Duration: durationSeconds}})
}

// Dispatch applies a transport-level command. Unknown kinds are logged and
// ignored; the returned error lets callers report them.
func (e *Engine) Dispatch(cmd Command) error {
	switch cmd.Kind {
	case CommandStart:
		e.Start(cmd.Duration)
	case CommandPause:
		e.Pause()
	case CommandReset:
		e.Reset(cmd.Duration)
	default:
		log.Printf("warning: timer: ignoring unrecognized command %q", cmd.Kind)
		return fmt.Errorf("%w: %q", ErrUnrecognizedCommand, cmd.Kind)
	}
	return nil
}

// Snapshot returns the state after every previously issued command has been
// applied. A closed engine returns its final state.
func (e *Engine) Snapshot() State {
	reply := make(chan State, 1)
	if !e.send(request{reply: reply}) {
		<-e.stopped
		return e.state
	}
	select {
	case s := <-reply:
		return s
	case <-e.stopped:
		return e.state
	}
}

// Close tears down the schedule and stops the loop. It is safe to call more
// than once.
func (e *Engine) Close() {
	e.closeMu.Do(func() { close(e.done) })
	<-e.stopped
}

func (e *Engine) send(r request) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.requests <- r:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) run() {
	defer func() {
		e.stop()
		close(e.out)
		close(e.stopped)
	}()

	for {
		var (
			out  chan<- Notification
			head Notification
		)
		if len(e.pending) > 0 {
			out = e.out
			head = e.pending[0].n
		}

		select {
		case <-e.done:
			return
		case out <- head:
			e.pending = e.pending[1:]
		case r := <-e.requests:
			if r.reply != nil {
				r.reply <- e.snapshot()
				continue
			}
			e.apply(r.cmd)
		case gen := <-e.ticks:
			if gen == e.gen && e.state.Phase == PhaseRunning {
				e.tick()
			}
		}
	}
}

func (e *Engine) apply(cmd Command) {
	switch cmd.Kind {
	case CommandStart:
		e.start(cmd.Duration)
	case CommandPause:
		e.pause()
	case CommandReset:
		e.reset(cmd.Duration)
	}
}

func (e *Engine) start(durationSeconds float64) {
	e.stop()
	e.runSeq++

	if e.state.Phase != PhasePaused {
		ms := secondsToMillis(durationSeconds)
		e.state.TotalMillis = ms
		e.state.RemainingMillis = ms
	}

	e.state.TargetEnd = e.clock.Now().Add(time.Duration(e.state.RemainingMillis) * time.Millisecond)
	e.state.Phase = PhaseRunning

	gen := e.gen
	e.handle = e.sched.ScheduleRepeating(e.interval, func() {
		select {
		case e.ticks <- gen:
		case <-e.done:
		}
	})
}

func (e *Engine) pause() {
	if e.state.Phase != PhaseRunning {
		return
	}

	e.state.RemainingMillis = e.remaining()
	e.stop()
	e.state.TargetEnd = time.Time{}
	e.state.Phase = PhasePaused
}

func (e *Engine) reset(durationSeconds float64) {
	e.stop()
	e.runSeq++

	ms := secondsToMillis(durationSeconds)
	e.state = State{
		Phase:           PhaseIdle,
		RemainingMillis: ms,
		TotalMillis:     ms,
	}

	e.deliver(pendingNote{
		n: Notification{
			Type:       NotifyTick,
			TimeLeft:   ceilSeconds(ms),
			TimeLeftMs: ms,
		},
		reset: true,
	})
}

// stop cancels the live schedule. Bumping the generation discards callbacks
// already in flight from the cancelled schedule.
func (e *Engine) stop() {
	if e.handle != nil {
		e.handle.Cancel()
		e.handle = nil
	}
	e.gen++
}

func (e *Engine) tick() {
	remaining := e.remaining()
	if remaining > 0 {
		if len(e.pending) > 0 {
			// Queued notifications go first; this tick is superseded anyway.
			return
		}
		n := newTick(remaining, e.state.TotalMillis)
		select {
		case e.out <- n:
		default:
		}
		return
	}

	// Leave Running before anyone hears about the completion.
	e.stop()
	e.state.RemainingMillis = 0
	e.state.TargetEnd = time.Time{}
	e.state.Phase = PhaseCompleted

	e.deliver(pendingNote{n: Notification{Type: NotifyTick, Progress: 1}})
	e.deliver(pendingNote{n: Notification{Type: NotifyComplete, Run: e.runSeq}})
}

func (e *Engine) remaining() int64 {
	ms := e.state.TargetEnd.Sub(e.clock.Now()).Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > e.state.TotalMillis {
		return e.state.TotalMillis
	}
	return ms
}

func (e *Engine) snapshot() State {
	s := e.state
	if s.Phase == PhaseRunning {
		s.RemainingMillis = e.remaining()
	}
	return s
}

// deliver hands p to the consumer without blocking the loop. If the channel
// is full, p waits in the pending queue, which run flushes in order.
func (e *Engine) deliver(p pendingNote) {
	if p.reset {
		kept := e.pending[:0]
		for _, q := range e.pending {
			if !q.reset {
				kept = append(kept, q)
			}
		}
		e.pending = kept
	}

	if len(e.pending) == 0 {
		select {
		case e.out <- p.n:
			return
		default:
		}
	}
	e.pending = append(e.pending, p)
}
