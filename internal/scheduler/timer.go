package scheduler

import (
	"sync"
	"time"
)

// oneShotTimer is a replaceable one-shot timer: each Reset cancels any
// previously scheduled fire and schedules a new one (DESIGN NOTES'
// "Option<TimerHandle>" guidance). Kept as its own three-line type here
// rather than imported from internal/monitor, which defines the same
// shape independently — not worth a dependency between the two packages
// for something this small.
type oneShotTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (t *oneShotTimer) Reset(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, fn)
}

func (t *oneShotTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
