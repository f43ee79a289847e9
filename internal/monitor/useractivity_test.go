package monitor

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeIdleSource struct {
	mu  sync.Mutex
	dur time.Duration
}

func (f *fakeIdleSource) IdleDuration() (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dur, nil
}

func (f *fakeIdleSource) set(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dur = d
}

func TestUserActivityMonitorTransitionsAndSwallowsRepeats(t *testing.T) {
	src := &fakeIdleSource{}
	m := NewUserActivityMonitor(src)
	out := make(chan Event, 8)
	ctx := context.Background()

	// First sample from UNKNOWN establishes a baseline, no event.
	m.sample(ctx, out)
	select {
	case ev := <-out:
		t.Fatalf("unexpected event on first sample: %+v", ev)
	default:
	}
	if state, _ := m.State(); state != UserActive {
		t.Fatalf("state after first sample = %v, want active", state)
	}

	// Repeated active samples: no event.
	m.sample(ctx, out)
	m.sample(ctx, out)
	select {
	case ev := <-out:
		t.Fatalf("unexpected event on repeated active sample: %+v", ev)
	default:
	}

	// Go idle: event fires.
	src.set(idleThreshold + time.Second)
	m.sample(ctx, out)
	select {
	case ev := <-out:
		if ev.UserIdleActive.NewState != UserIdle {
			t.Fatalf("NewState = %v, want idle", ev.UserIdleActive.NewState)
		}
	default:
		t.Fatal("expected UserIdleActive event on active->idle transition")
	}
}

func TestNullIdleSourceYieldsUnknown(t *testing.T) {
	m := NewUserActivityMonitor(nil)
	out := make(chan Event, 1)
	m.sample(context.Background(), out)
	if state, _ := m.State(); state != UserUnknown {
		t.Fatalf("state = %v, want unknown", state)
	}
}
