// Package scheduler decides, periodically and on event, which streams
// should be refreshed and which objects transferred, and enqueues those
// decisions as upcalls (spec §4.3). Its eligibility, selection, and
// debounce logic is genuinely new — spec.md §4.3's own content, with no
// equivalent in the teacher — so it is grounded directly in the
// specification text rather than in a retrieved pattern; only its
// supporting machinery (the hourly tick in tick.go, the replaceable
// one-shot timer in timer.go) is grounded in the teacher and DESIGN
// NOTES respectively.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"murmeltier/internal/logging"
	"murmeltier/internal/monitor"
	"murmeltier/internal/registry"
	"murmeltier/internal/upcall"
)

const (
	// debounceFloor and debounceCeiling implement spec §4.3's
	// "max(10, 120 - seconds_since_last_run)" delay formula.
	debounceFloor   = 10 * time.Second
	debounceCeiling = 120 * time.Second

	// reallyIdleAfter is the 5-minute threshold past which an idle user
	// no longer blocks a run (spec §4.3 eligibility preconditions).
	reallyIdleAfter = 5 * time.Minute
)

// ConnectionSource is the subset of internal/monitor.NetworkMonitor the
// scheduler needs for eligibility: whether a default connection exists
// and which medium it carries.
type ConnectionSource interface {
	DefaultConnection() (monitor.Connection, bool)
}

// ActivitySource is the subset of internal/monitor.UserActivityMonitor
// the scheduler needs for eligibility: current user state and how long
// it has held.
type ActivitySource interface {
	State() (monitor.UserState, time.Duration)
}

// Scheduler implements spec §4.3. All exported methods are safe to call
// only from the single event-loop goroutine (spec §5), except Trigger
// and OnUserTransition, which are the hook points monitors and the
// upcall router call into from their own callbacks — still on the same
// goroutine in this daemon's cooperative model.
type Scheduler struct {
	store    registry.Store
	router   *upcall.Router
	network  ConnectionSource
	activity ActivitySource
	log      *slog.Logger
	now      func() time.Time

	tick *hourlyTick

	mu         sync.Mutex
	lastRun    time.Time
	runPending bool
	queue      []upcall.Upcall

	pendingRun oneShotTimer
	reallyIdle oneShotTimer

	cancelChange func()
}

// New constructs a Scheduler. now defaults to time.Now if nil.
func New(store registry.Store, router *upcall.Router, network ConnectionSource, activity ActivitySource, log *slog.Logger, now func() time.Time) (*Scheduler, error) {
	tick, err := newHourlyTick()
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    store,
		router:   router,
		network:  network,
		activity: activity,
		log:      logging.Default(log).With("component", "scheduler"),
		now:      now,
		tick:     tick,
	}, nil
}

// Start wires triggers 1 (hourly tick) and 4/5 (registry mutation,
// subscription creation — both surfaced as registry.Change) into Trigger.
// Triggers 2 and 3 (network and user-activity events) are wired by the
// daemon calling Trigger/OnUserTransition directly as monitor events
// arrive.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cancelChange = s.store.OnChange(func(c registry.Change) {
		switch c.Kind {
		case registry.ChangeManagerRegistered, registry.ChangeStreamRegistered, registry.ChangeObjectRegistered,
			registry.ChangePropertySet, registry.ChangeSubscriptionCreated:
			s.Trigger(ctx, "registry-change")
		}
	})
	return s.tick.Start(ctx, func() { s.Trigger(ctx, "hourly-tick") })
}

// Stop cancels all pending timers and the registry change subscription.
func (s *Scheduler) Stop() error {
	if s.cancelChange != nil {
		s.cancelChange()
	}
	s.pendingRun.Cancel()
	s.reallyIdle.Cancel()
	return s.tick.Stop()
}

// Trigger schedules a single debounced run (spec §4.3 "Debouncing"). A
// pending run is not rescheduled; reason is used only for logging.
func (s *Scheduler) Trigger(ctx context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runPending {
		return
	}

	since := debounceCeiling
	if !s.lastRun.IsZero() {
		since = s.now().Sub(s.lastRun)
	}
	delay := debounceCeiling - since
	if delay < debounceFloor {
		delay = debounceFloor
	}

	s.runPending = true
	s.log.Debug("scheduler run debounced", "reason", reason, "delay", delay)
	s.pendingRun.Reset(delay, func() {
		s.mu.Lock()
		s.runPending = false
		s.mu.Unlock()
		s.run(ctx)
	})
}

// OnUserTransition is the hook the daemon calls whenever the user
// activity monitor emits a UserIdleActive event (spec §4.3 trigger 3 and
// the deferred "really idling" timer).
func (s *Scheduler) OnUserTransition(ctx context.Context, ev monitor.UserIdleActiveEvent) {
	s.Trigger(ctx, "user-activity")
	switch ev.NewState {
	case monitor.UserIdle:
		s.reallyIdle.Reset(reallyIdleAfter, func() { s.Trigger(ctx, "really-idle") })
	case monitor.UserActive:
		s.reallyIdle.Cancel()
	}
}

// run executes one scheduling pass: eligibility check, selection,
// upcall construction, then drains the resulting queue.
func (s *Scheduler) run(ctx context.Context) {
	s.mu.Lock()
	if len(s.queue) > 0 {
		s.mu.Unlock()
		s.log.Debug("run abandoned: pending upcall queue non-empty")
		return
	}
	s.mu.Unlock()

	if !s.eligible() {
		return
	}

	now := s.now()
	streams := s.selectStreams(ctx, now)
	objects := s.selectObjects(ctx, now)

	queue := make([]upcall.Upcall, 0, len(streams)+len(objects))
	for _, st := range streams {
		if u, ok := s.buildStreamUpcall(ctx, st); ok {
			queue = append(queue, u)
		}
	}
	for _, o := range objects {
		if u, ok := s.buildObjectUpcall(ctx, o); ok {
			queue = append(queue, u)
		}
	}

	s.mu.Lock()
	s.queue = queue
	s.lastRun = now
	s.mu.Unlock()

	s.log.Info("scheduler run", "streams", len(streams), "objects", len(objects))
	s.drain(ctx)
}

// eligible checks the user-activity, default-connection and medium
// preconditions of spec §4.3; a run is abandoned if any holds. The
// remaining precondition, a non-empty pending queue, is checked by run.
func (s *Scheduler) eligible() bool {
	if state, dur := s.activity.State(); state == monitor.UserActive {
		s.log.Debug("run abandoned: user active")
		return false
	} else if state == monitor.UserIdle && dur < reallyIdleAfter {
		s.log.Debug("run abandoned: user idle less than 5m", "idle_for", dur)
		return false
	}

	conn, ok := s.network.DefaultConnection()
	if !ok {
		s.log.Debug("run abandoned: no default connection")
		return false
	}
	if conn.Medium.Disqualifying() {
		s.log.Debug("run abandoned: disqualifying medium", "medium", conn.Medium)
		return false
	}
	return true
}

// selectStreams implements spec §4.3 "Stream selection".
func (s *Scheduler) selectStreams(ctx context.Context, now time.Time) []registry.Stream {
	all, err := s.store.AllStreams(ctx)
	if err != nil {
		s.log.Warn("AllStreams failed", "error", err)
		return nil
	}
	var selected []registry.Stream
	for _, st := range all {
		if st.Freshness == registry.U32Never {
			continue
		}
		last, err := s.store.LastStreamUpdate(ctx, st.ID)
		if err != nil {
			s.log.Warn("LastStreamUpdate failed", "stream", st.ID, "error", err)
			continue
		}
		var t int64
		if !last.IsZero() {
			t = last.Unix()
		}
		f := int64(st.Freshness)
		timeLeft := (t + f) - now.Unix()
		if timeLeft <= f/4 {
			selected = append(selected, st)
		}
	}
	return selected
}

// selectObjects implements spec §4.3 "Object selection".
func (s *Scheduler) selectObjects(ctx context.Context, now time.Time) []registry.Object {
	all, err := s.store.AllObjects(ctx)
	if err != nil {
		s.log.Warn("AllObjects failed", "error", err)
		return nil
	}
	var selected []registry.Object
	for _, o := range all {
		if o.DontTransfer {
			continue
		}
		t, status, found, err := s.store.LastObjectAttempt(ctx, o.ID)
		if err != nil {
			s.log.Warn("LastObjectAttempt failed", "object", o.ID, "error", err)
			continue
		}
		if found {
			freq := int64(o.TransferFrequency)
			tUnix := t.Unix()
			if tUnix != 0 && status == 0 && freq == 0 && !o.NeedUpdate {
				continue
			}
			if status == 0 && tUnix+(3*freq/4) > now.Unix() && !o.NeedUpdate {
				continue
			}
		}
		selected = append(selected, o)
	}
	return selected
}

func (s *Scheduler) buildStreamUpcall(ctx context.Context, st registry.Stream) (upcall.Upcall, bool) {
	mgr, err := s.store.GetManager(ctx, st.ManagerID)
	if err != nil {
		s.log.Warn("GetManager failed while building upcall", "manager", st.ManagerID, "error", err)
		return upcall.Upcall{}, false
	}
	return upcall.Upcall{
		Kind:          upcall.KindStreamUpdate,
		ManagerID:     st.ManagerID,
		ManagerUUID:   st.ManagerID.String(),
		ManagerCookie: mgr.Cookie,
		StreamUUID:    st.ID.String(),
		StreamCookie:  st.Cookie,
	}, true
}

func (s *Scheduler) buildObjectUpcall(ctx context.Context, o registry.Object) (upcall.Upcall, bool) {
	stream, err := s.store.GetStream(ctx, o.StreamID)
	if err != nil {
		s.log.Warn("GetStream failed while building upcall", "stream", o.StreamID, "error", err)
		return upcall.Upcall{}, false
	}
	mgr, err := s.store.GetManager(ctx, stream.ManagerID)
	if err != nil {
		s.log.Warn("GetManager failed while building upcall", "manager", stream.ManagerID, "error", err)
		return upcall.Upcall{}, false
	}
	// Freshly constructed per recipient: the router (or a slow client) may
	// hold onto this slice past the lifetime of the registry's own copy
	// (spec §4.3 "Upcall construction").
	versions := append([]registry.Version(nil), o.Versions...)
	return upcall.Upcall{
		Kind:          upcall.KindTransferObject,
		ManagerID:     stream.ManagerID,
		ManagerUUID:   stream.ManagerID.String(),
		ManagerCookie: mgr.Cookie,
		StreamUUID:    stream.ID.String(),
		StreamCookie:  stream.Cookie,
		ObjectUUID:    o.ID.String(),
		ObjectCookie:  o.Cookie,
		Versions:      versions,
		Filename:      o.Filename,
		Quality:       objectQuality(o),
	}, true
}

// objectQuality derives the TransferObject upcall's quality argument
// from the object's Priority. spec.md never defines quality's source
// (see DESIGN.md's open-question decisions); Priority is the only
// per-object property that expresses relative transfer importance, so
// it is reused here, clamped to the non-negative range quality occupies.
func objectQuality(o registry.Object) uint32 {
	if o.Priority < 0 {
		return 0
	}
	return uint32(o.Priority)
}

// drain delivers queued upcalls one at a time, yielding between turns so
// a long queue does not monopolise the event loop (spec §4.3 "Ordering
// and concurrency").
func (s *Scheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		u := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.router.Deliver(ctx, u)

		select {
		case <-ctx.Done():
			return
		default:
			runtime.Gosched()
		}
	}
}

// PendingCount returns the number of upcalls still queued from the
// current or most recent run, for diagnostics.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// LastRun returns the time of the most recently completed run (zero if
// never run).
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
