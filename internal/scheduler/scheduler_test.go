package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"murmeltier/internal/monitor"
	"murmeltier/internal/registry"
	"murmeltier/internal/registry/memory"
	"murmeltier/internal/upcall"
)

type fakeConnection struct {
	mu   sync.Mutex
	conn monitor.Connection
	ok   bool
}

func (f *fakeConnection) DefaultConnection() (monitor.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn, f.ok
}

func (f *fakeConnection) set(conn monitor.Connection, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn, f.ok = conn, ok
}

type fakeActivity struct {
	mu    sync.Mutex
	state monitor.UserState
	dur   time.Duration
}

func (f *fakeActivity) State() (monitor.UserState, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.dur
}

func (f *fakeActivity) set(state monitor.UserState, dur time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.dur = state, dur
}

type fakeClient struct {
	mu        sync.Mutex
	streamUps int
	transfers int
}

func (c *fakeClient) StreamUpdate(context.Context, string, string, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamUps++
	return nil
}

func (c *fakeClient) TransferObject(context.Context, string, string, string, string, string, string, []registry.Version, string, uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers++
	return nil
}

func (c *fakeClient) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamUps, c.transfers
}

func eligibleConnFixtures() (*fakeConnection, *fakeActivity) {
	conn := &fakeConnection{}
	conn.set(monitor.Connection{Medium: monitor.MediumEthernet}, true)
	act := &fakeActivity{}
	act.set(monitor.UserUnknown, 0)
	return conn, act
}

func TestEligibleBlocksOnUserActive(t *testing.T) {
	conn, act := eligibleConnFixtures()
	act.set(monitor.UserActive, time.Minute)
	store := memory.New()
	router := upcall.New(store, nil, nil)
	s, err := New(store, router, conn, act, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.eligible() {
		t.Fatal("eligible() = true while user active, want false")
	}
}

func TestEligibleBlocksOnShortIdle(t *testing.T) {
	conn, act := eligibleConnFixtures()
	act.set(monitor.UserIdle, time.Minute)
	store := memory.New()
	router := upcall.New(store, nil, nil)
	s, err := New(store, router, conn, act, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.eligible() {
		t.Fatal("eligible() = true while idle < 5m, want false")
	}
}

func TestEligibleBlocksOnNoDefaultConnection(t *testing.T) {
	conn, act := eligibleConnFixtures()
	conn.set(monitor.Connection{}, false)
	store := memory.New()
	router := upcall.New(store, nil, nil)
	s, err := New(store, router, conn, act, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.eligible() {
		t.Fatal("eligible() = true with no default connection, want false")
	}
}

func TestEligibleBlocksOnCellularMedium(t *testing.T) {
	conn, act := eligibleConnFixtures()
	conn.set(monitor.Connection{Medium: monitor.MediumCellular}, true)
	store := memory.New()
	router := upcall.New(store, nil, nil)
	s, err := New(store, router, conn, act, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.eligible() {
		t.Fatal("eligible() = true over cellular, want false")
	}
}

func TestEligibleAllowsUnknownUserAndIdleOver5Minutes(t *testing.T) {
	conn, act := eligibleConnFixtures()
	act.set(monitor.UserIdle, 6*time.Minute)
	store := memory.New()
	router := upcall.New(store, nil, nil)
	s, err := New(store, router, conn, act, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.eligible() {
		t.Fatal("eligible() = false, want true (idle > 5m is allowed)")
	}
}

func TestRunSelectsOverdueStreamAndDeliversUpcall(t *testing.T) {
	conn, act := eligibleConnFixtures()
	store := memory.New()
	defer store.Close()
	ctx := context.Background()

	mgrID, err := store.ManagerRegister(ctx, registry.Properties{
		"HumanReadableName": registry.StringValue("Reader"),
	}, false)
	if err != nil {
		t.Fatalf("ManagerRegister: %v", err)
	}
	if _, err := store.StreamRegister(ctx, mgrID, registry.Properties{
		"HumanReadableName": registry.StringValue("Feed"),
		"Freshness":         registry.Uint32Value(3600),
	}, false); err != nil {
		t.Fatalf("StreamRegister: %v", err)
	}

	client := &fakeClient{}
	router := upcall.New(store, nil, nil)
	if _, err := router.FeedbackSubscribe(ctx, "C", client, mgrID, false); err != nil {
		t.Fatalf("FeedbackSubscribe: %v", err)
	}

	fixedNow := time.Now().Add(2700 * time.Second) // 75% of 3600s freshness
	s, err := New(store, router, conn, act, nil, func() time.Time { return fixedNow })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.run(ctx)

	if up, _ := client.counts(); up != 1 {
		t.Fatalf("StreamUpdate deliveries = %d, want 1", up)
	}
}

func TestRunAbandonedWhenQueueNonEmpty(t *testing.T) {
	conn, act := eligibleConnFixtures()
	store := memory.New()
	defer store.Close()
	router := upcall.New(store, nil, nil)
	s, err := New(store, router, conn, act, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.queue = []upcall.Upcall{{Kind: upcall.KindStreamUpdate}}
	before := s.LastRun()
	s.run(context.Background())
	if s.LastRun() != before {
		t.Fatal("run() proceeded despite non-empty pending queue")
	}
}

func TestObjectQualityDerivesFromPriorityClampedNonNegative(t *testing.T) {
	if got := objectQuality(registry.Object{Priority: 7}); got != 7 {
		t.Fatalf("objectQuality = %d, want 7", got)
	}
	if got := objectQuality(registry.Object{Priority: -3}); got != 0 {
		t.Fatalf("objectQuality = %d, want 0 for negative priority", got)
	}
}
