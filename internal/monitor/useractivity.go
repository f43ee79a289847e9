package monitor

import (
	"context"
	"time"
)

// idlePollInterval is how often the monitor samples the idle source.
const idlePollInterval = 15 * time.Second

// idleThreshold is how long without input before the user is considered
// idle. This is independent of the scheduler's 5-minute "really idling"
// threshold (spec §4.3), which is a separate, longer-lived deferred timer
// owned by the scheduler, not this monitor.
const idleThreshold = 60 * time.Second

// IdleSource reports how long it has been since the last user input.
// Implementations are platform-specific (X11/Wayland idle-time queries,
// a session manager D-Bus property, ...); NullIdleSource is the default
// when no such source is wired, reporting UNKNOWN forever, which the
// scheduler's eligibility check already treats as "proceed".
type IdleSource interface {
	IdleDuration() (time.Duration, error)
}

// NullIdleSource always fails, yielding UserUnknown.
type NullIdleSource struct{}

func (NullIdleSource) IdleDuration() (time.Duration, error) {
	return 0, errIdleUnknown
}

var errIdleUnknown = errUnsupported("monitor: no idle source configured")

type errUnsupported string

func (e errUnsupported) Error() string { return string(e) }

// UserActivityMonitor reports ACTIVE/IDLE/UNKNOWN transitions (spec §4.2).
// It swallows gratuitous repeated hints: an event fires only on an actual
// state change.
type UserActivityMonitor struct {
	source IdleSource

	state     UserState
	since     time.Time
}

func NewUserActivityMonitor(source IdleSource) *UserActivityMonitor {
	if source == nil {
		source = NullIdleSource{}
	}
	return &UserActivityMonitor{source: source, state: UserUnknown, since: time.Now()}
}

func (m *UserActivityMonitor) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sample(ctx, out)
		}
	}
}

func (m *UserActivityMonitor) sample(ctx context.Context, out chan<- Event) {
	idleFor, err := m.source.IdleDuration()
	var next UserState
	switch {
	case err != nil:
		next = UserUnknown
	case idleFor >= idleThreshold:
		next = UserIdle
	default:
		next = UserActive
	}
	if next == m.state {
		return // gratuitous repeat, swallowed
	}
	now := time.Now()
	spent := now.Sub(m.since)
	prev := m.state
	m.state, m.since = next, now
	if prev == UserUnknown {
		return // no meaningful "previous state" duration to report yet
	}
	select {
	case out <- Event{Kind: EventUserIdleActive, Time: now, UserIdleActive: &UserIdleActiveEvent{
		NewState: next, TimeInPreviousState: spent,
	}}:
	case <-ctx.Done():
	}
}

// State returns the monitor's current state and how long it has held it.
func (m *UserActivityMonitor) State() (UserState, time.Duration) {
	return m.state, time.Since(m.since)
}
