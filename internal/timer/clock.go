package timer

import (
	"sync"
	"time"
)

// Clock provides the current time. The engine never calls time.Now directly
// so tests can advance time without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock backed by the standard library.
var SystemClock Clock = systemClock{}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Handle cancels a repeating schedule. Cancel is safe to call more than once.
type Handle interface {
	Cancel()
}

// Scheduler installs repeating callbacks.
type Scheduler interface {
	// ScheduleRepeating calls fn every interval until the returned Handle is
	// cancelled. fn runs on a goroutine owned by the scheduler.
	ScheduleRepeating(interval time.Duration, fn func()) Handle
}

// TickerScheduler implements Scheduler with one time.Ticker per schedule.
type TickerScheduler struct{}

// ScheduleRepeating implements Scheduler.
func (TickerScheduler) ScheduleRepeating(interval time.Duration, fn func()) Handle {
	h := &tickerHandle{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}

	go func() {
		defer h.ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-h.ticker.C:
				fn()
			}
		}
	}()

	return h
}

type tickerHandle struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (h *tickerHandle) Cancel() {
	h.once.Do(func() { close(h.done) })
}
