package daemon

import (
	"context"
	"testing"
	"time"

	"murmeltier/internal/eventlog"
	"murmeltier/internal/home"
	"murmeltier/internal/monitor"
)

// fakeProbe reports no interfaces and no default route, so the network
// monitor's poll loop has nothing to act on beyond staying alive.
type fakeProbe struct{}

func (fakeProbe) InterfaceStats() ([]monitor.InterfaceStat, error) { return nil, nil }
func (fakeProbe) DefaultRoute() (string, string, bool, error)     { return "", "", false, nil }
func (fakeProbe) ResolveGatewayMAC(string) (string, error)        { return "", nil }
func (fakeProbe) IsWireless(string) bool                          { return false }
func (fakeProbe) SSID(string) (string, error)                     { return "", nil }

// fakeBatteryReader reports no batteries present.
type fakeBatteryReader struct{}

func (fakeBatteryReader) Batteries() ([]string, error) { return nil, nil }
func (fakeBatteryReader) Read(string) (monitor.BatteryReading, error) {
	return monitor.BatteryReading{}, nil
}

// fakeIdleSource reports the user as permanently active.
type fakeIdleSource struct{}

func (fakeIdleSource) IdleDuration() (time.Duration, error) { return 0, nil }

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Home:          home.New(t.TempDir()),
		NetworkProbe:  fakeProbe{},
		BatteryReader: fakeBatteryReader{},
		IdleSource:    fakeIdleSource{},
		Now:           fixedNow,
	}
}

func TestNewOpensStoreAndEventLogs(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Stop() })

	if d.Store() == nil {
		t.Fatal("Store() returned nil")
	}
	if d.Dispatcher() == nil {
		t.Fatal("Dispatcher() returned nil")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("second Start on an already-running daemon should fail")
	}
	if err := d.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Stop is idempotent once the daemon is no longer running.
	if err := d.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}

	// A fresh daemon over the same home directory must be able to
	// reacquire the single-instance lock now that Stop released it.
	d2, err := New(cfg)
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}
	if err := d2.Start(context.Background()); err != nil {
		t.Fatalf("Start (second) should succeed after the first released its lock: %v", err)
	}
	if err := d2.Stop(); err != nil {
		t.Fatalf("Stop (second): %v", err)
	}
}

func TestStartAppendsStartedSystemRow(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { d.Stop() })

	// The daemon's own eventlog.Logger batches writes on a flush ticker;
	// give it time to land before querying through the same instance.
	time.Sleep(300 * time.Millisecond)

	rows, err := d.daemonLog.Query(context.Background(), eventlog.TableSystem, "", true)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("expected a started system row, got none")
	}
	if rows[0].Fields["event"] != "started" {
		t.Fatalf("rows[0].Fields[event] = %v, want \"started\"", rows[0].Fields["event"])
	}
	if _, ok := rows[0].Fields["cpu_percent"]; !ok {
		t.Fatal("expected a cpu_percent field on the started row")
	}
}

func TestHandleEventShutdownStopsEventLoop(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	d.events <- monitor.Event{
		Kind:     monitor.EventShutdown,
		Time:     fixedNow(),
		Shutdown: &monitor.ShutdownEvent{Reason: monitor.ShutdownPowerDown},
	}

	done := make(chan struct{})
	go func() { d.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within 5s of a Shutdown event")
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop after self-triggered shutdown: %v", err)
	}
}
