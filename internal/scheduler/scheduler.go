// Package scheduler maintains the timer registry (periodic pollers and
// one-shot countdowns) and the pending-command/ACK table the control
// state machine relies on to detect missing ACKs.
package scheduler

import (
	"sync"
	"time"

	"github.com/wfunc/egg-collector/internal/bus"
)

// TimerKind distinguishes a recurring poller from a one-shot countdown.
type TimerKind int

const (
	TimerPeriodic TimerKind = iota
	TimerCountdown
)

type timerEntry struct {
	kind       TimerKind
	period     time.Duration
	nextFireAt time.Time
	enabled    bool
}

// CommandID correlates a sent command with its eventual ACK or timeout.
type CommandID string

// PendingCommand tracks one in-flight command awaiting an ACK.
type PendingCommand struct {
	Peer      string
	SentAt    time.Time
	TimeoutAt time.Time
}

// TimerTick is the bus payload published when a timer fires.
type TimerTick struct {
	Name string
}

// CommandTimeout is the bus payload published when a pending command's
// deadline passes without an ACK.
type CommandTimeout struct {
	CommandID CommandID
	Peer      string
}

// Scheduler owns the timer registry and the pending command table.
type Scheduler struct {
	clock Clock
	bus   *bus.Bus

	mu      sync.Mutex
	timers  map[string]timerEntry
	pending map[CommandID]PendingCommand
}

// New creates a Scheduler driven by clk, publishing TimerTick and
// CommandTimeout events onto b.
func New(clk Clock, b *bus.Bus) *Scheduler {
	return &Scheduler{
		clock:   clk,
		bus:     b,
		timers:  make(map[string]timerEntry),
		pending: make(map[CommandID]PendingCommand),
	}
}

// EnableTimer (re)activates a periodic poller with the given period.
// Idempotent: enabling an already-enabled periodic timer leaves its
// period and next fire time untouched, whatever period is passed.
func (s *Scheduler) EnableTimer(name string, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[name]; ok && t.enabled && t.kind == TimerPeriodic {
		return
	}

	now := s.clock.Now()
	s.timers[name] = timerEntry{
		kind:       TimerPeriodic,
		period:     period,
		nextFireAt: now.Add(period),
		enabled:    true,
	}
}

// DisableTimer deactivates a timer by name. Idempotent: disabling an
// unknown or already-disabled timer is a no-op.
func (s *Scheduler) DisableTimer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[name]; ok {
		t.enabled = false
		s.timers[name] = t
	}
}

// StartCountdown schedules a one-shot timer. Calling it again for the
// same name before it fires resets the countdown.
func (s *Scheduler) StartCountdown(name string, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.timers[name] = timerEntry{
		kind:       TimerCountdown,
		period:     duration,
		nextFireAt: now.Add(duration),
		enabled:    true,
	}
}

// CancelCountdown disables a countdown before it fires.
func (s *Scheduler) CancelCountdown(name string) {
	s.DisableTimer(name)
}

// RegisterPending adds a command to the pending table with a deadline
// timeout after now.
func (s *Scheduler) RegisterPending(id CommandID, peer string, timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.pending[id] = PendingCommand{Peer: peer, SentAt: now, TimeoutAt: now.Add(timeout)}
}

// Ack removes id from the pending table. Reports whether it was
// present; acking an absent id is a harmless no-op.
func (s *Scheduler) Ack(id CommandID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		delete(s.pending, id)
		return true
	}
	return false
}

// InFlight reports how many commands are pending ACK for peer, for
// diagnostics and tests.
func (s *Scheduler) InFlight(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if p.Peer == peer {
			n++
		}
	}
	return n
}

// Tick fires every timer whose next fire time has passed, publishing
// TimerTick events, and surfaces CommandTimeout for every pending
// command whose deadline has passed. Periodic timers reschedule from
// their previous fire time, not from now, to avoid drift.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	var fired []string
	for name, t := range s.timers {
		if !t.enabled || now.Before(t.nextFireAt) {
			continue
		}
		fired = append(fired, name)
		switch t.kind {
		case TimerPeriodic:
			t.nextFireAt = t.nextFireAt.Add(t.period)
			s.timers[name] = t
		case TimerCountdown:
			t.enabled = false
			s.timers[name] = t
		}
	}

	var timedOut []struct {
		id   CommandID
		peer string
	}
	for id, p := range s.pending {
		if !now.Before(p.TimeoutAt) {
			timedOut = append(timedOut, struct {
				id   CommandID
				peer string
			}{id, p.Peer})
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, name := range fired {
		s.bus.Publish(bus.Event{Kind: bus.KindTimerTick, Payload: TimerTick{Name: name}, Timestamp: now})
	}
	for _, to := range timedOut {
		s.bus.Publish(bus.Event{Kind: bus.KindCommandTimeout, Payload: CommandTimeout{CommandID: to.id, Peer: to.peer}, Timestamp: now})
	}
}
