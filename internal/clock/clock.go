// Package clock abstracts scheduling so the Batcher's flush timers and
// tuning tick and the Supervisor's periodic ticks run on an injectable
// scheduler rather than time.AfterFunc or time.NewTicker (design note §9:
// "ad-hoc setTimeout/setInterval timers"). The Dispatcher's retry delays
// and the Channel Manager's settlement backoff still use time.After.
// Production code uses New(); tests use NewMock so timeout and
// tuning-tick behavior is deterministic.
package clock

import (
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Handle cancels a scheduled task. Cancel is idempotent and safe to call
// more than once or after the task has already fired.
type Handle interface {
	Cancel()
}

// Scheduler schedules one-shot and periodic work against a Clock.
type Scheduler interface {
	Now() time.Time
	// After runs fn once, after d has elapsed.
	After(d time.Duration, fn func()) Handle
	// Every runs fn repeatedly every d, until the returned Handle is
	// cancelled.
	Every(d time.Duration, fn func()) Handle
}

type scheduler struct {
	c bclock.Clock
}

// New returns a Scheduler backed by the real wall clock.
func New() Scheduler { return &scheduler{c: bclock.New()} }

// NewMock returns a Scheduler backed by a virtual clock for deterministic
// tests; advance it with the returned *bclock.Mock's Add method.
func NewMock() (Scheduler, *bclock.Mock) {
	m := bclock.NewMock()
	return &scheduler{c: m}, m
}

func (s *scheduler) Now() time.Time { return s.c.Now() }

func (s *scheduler) After(d time.Duration, fn func()) Handle {
	t := s.c.Timer(d)
	h := &handle{done: make(chan struct{})}
	go func() {
		select {
		case <-t.C:
			fn()
		case <-h.done:
			t.Stop()
		}
	}()
	return h
}

func (s *scheduler) Every(d time.Duration, fn func()) Handle {
	t := s.c.Ticker(d)
	h := &handle{done: make(chan struct{})}
	go func() {
		defer t.Stop()
		for {
			select {
			case <-t.C:
				fn()
			case <-h.done:
				return
			}
		}
	}()
	return h
}

type handle struct {
	once sync.Once
	done chan struct{}
}

func (h *handle) Cancel() {
	h.once.Do(func() { close(h.done) })
}
