package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/wfunc/egg-collector/internal/bus"
)

func TestPeriodicTimerFiresOnSchedule(t *testing.T) {
	clk := NewVirtualClock(time.Unix(0, 0))
	b := bus.New(8, time.Second)
	s := New(clk, b)

	s.EnableTimer("actor-status", time.Second)

	clk.Advance(900 * time.Millisecond)
	s.Tick(clk.Now())
	if _, ok := b.TryReceive(); ok {
		t.Fatal("timer fired before its period elapsed")
	}

	clk.Advance(100 * time.Millisecond)
	s.Tick(clk.Now())
	evt, ok := b.TryReceive()
	if !ok {
		t.Fatal("expected a TimerTick after the full period")
	}
	tick := evt.Payload.(TimerTick)
	if tick.Name != "actor-status" {
		t.Errorf("tick.Name = %q, want actor-status", tick.Name)
	}
}

func TestPeriodicTimerFiresOnceAtPeriodUnderSubPeriodTicks(t *testing.T) {
	clk := NewVirtualClock(time.Unix(0, 0))
	b := bus.New(8, time.Second)
	s := New(clk, b)

	s.EnableTimer("poll", time.Second)

	var fireOffsets []time.Duration
	start := clk.Now()
	for i := 0; i < 5; i++ {
		clk.Advance(250 * time.Millisecond)
		s.Tick(clk.Now())
		for {
			evt, ok := b.TryReceive()
			if !ok {
				break
			}
			fireOffsets = append(fireOffsets, evt.Timestamp.Sub(start))
		}
	}

	if len(fireOffsets) != 1 {
		t.Fatalf("got %d fires in 1250ms at a 1s period, want 1", len(fireOffsets))
	}
	if fireOffsets[0] != time.Second {
		t.Errorf("first fire offset = %v, want exactly 1s (no drift)", fireOffsets[0])
	}
}

func TestDisableTimerStopsFiring(t *testing.T) {
	clk := NewVirtualClock(time.Unix(0, 0))
	b := bus.New(8, time.Second)
	s := New(clk, b)

	s.EnableTimer("poll", time.Second)
	s.DisableTimer("poll")

	clk.Advance(5 * time.Second)
	s.Tick(clk.Now())
	if _, ok := b.TryReceive(); ok {
		t.Error("disabled timer fired")
	}
}

func TestCountdownFiresOnceThenStops(t *testing.T) {
	clk := NewVirtualClock(time.Unix(0, 0))
	b := bus.New(8, time.Second)
	s := New(clk, b)

	s.StartCountdown("scan-only", 5*time.Second)

	clk.Advance(5 * time.Second)
	s.Tick(clk.Now())
	if _, ok := b.TryReceive(); !ok {
		t.Fatal("countdown did not fire at its deadline")
	}

	clk.Advance(10 * time.Second)
	s.Tick(clk.Now())
	if _, ok := b.TryReceive(); ok {
		t.Error("countdown fired a second time")
	}
}

func TestStartCountdownResetsExisting(t *testing.T) {
	clk := NewVirtualClock(time.Unix(0, 0))
	b := bus.New(8, time.Second)
	s := New(clk, b)

	s.StartCountdown("move-only", 5*time.Second)
	clk.Advance(3 * time.Second)
	s.StartCountdown("move-only", 5*time.Second)

	clk.Advance(4 * time.Second)
	s.Tick(clk.Now())
	if _, ok := b.TryReceive(); ok {
		t.Fatal("countdown fired before the reset deadline")
	}

	clk.Advance(time.Second)
	s.Tick(clk.Now())
	if _, ok := b.TryReceive(); !ok {
		t.Error("countdown did not fire at the reset deadline")
	}
}

func TestPendingCommandTimesOutAndIsSurfacedOnce(t *testing.T) {
	clk := NewVirtualClock(time.Unix(0, 0))
	b := bus.New(8, time.Second)
	s := New(clk, b)

	s.RegisterPending("cmd-1", "actor", 2*time.Second)
	if got := s.InFlight("actor"); got != 1 {
		t.Fatalf("InFlight() = %d, want 1", got)
	}

	clk.Advance(2 * time.Second)
	s.Tick(clk.Now())

	evt, ok := b.TryReceive()
	if !ok {
		t.Fatal("expected a CommandTimeout event")
	}
	timeout := evt.Payload.(CommandTimeout)
	if timeout.CommandID != "cmd-1" || timeout.Peer != "actor" {
		t.Errorf("timeout = %+v, want {cmd-1 actor}", timeout)
	}
	if got := s.InFlight("actor"); got != 0 {
		t.Errorf("InFlight() after timeout = %d, want 0", got)
	}

	s.Tick(clk.Now())
	if _, ok := b.TryReceive(); ok {
		t.Error("timed-out command surfaced a second time")
	}
}

func TestAckRemovesPendingBeforeTimeout(t *testing.T) {
	clk := NewVirtualClock(time.Unix(0, 0))
	b := bus.New(8, time.Second)
	s := New(clk, b)

	s.RegisterPending("cmd-2", "arm", 5*time.Second)
	if !s.Ack("cmd-2") {
		t.Fatal("Ack() = false for a registered command")
	}

	clk.Advance(10 * time.Second)
	s.Tick(clk.Now())
	if _, ok := b.TryReceive(); ok {
		t.Error("acked command still surfaced a timeout")
	}
}

func TestAckUnknownCommandIsNoop(t *testing.T) {
	clk := NewVirtualClock(time.Unix(0, 0))
	b := bus.New(8, time.Second)
	s := New(clk, b)

	if s.Ack("never-registered") {
		t.Error("Ack() = true for an unregistered command id")
	}
}

func TestTickIsContextFree(t *testing.T) {
	// Tick takes an explicit `now` rather than reading a context or the
	// clock itself, so callers can drive it from any goroutine.
	clk := NewVirtualClock(time.Unix(0, 0))
	b := bus.New(8, time.Second)
	s := New(clk, b)
	s.EnableTimer("poll", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = ctx

	s.Tick(clk.Now().Add(2 * time.Second))
	if _, ok := b.TryReceive(); !ok {
		t.Error("expected Tick(explicit now) to fire the timer regardless of any context")
	}
}
