package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultConnectionDebounce coalesces the "old drops then new rises" pair
// of route-table transitions into one event (spec §4.2).
const defaultConnectionDebounce = 2 * time.Second

// ErrScanRateLimited is returned by Scan when on-demand AP scans are
// being requested faster than scanRateLimit allows.
var ErrScanRateLimited = errors.New("monitor: access-point scan rate limited")

const scanRateLimit = 30 * time.Second

// NetworkMonitor tracks devices and connections (spec §4.2). Devices and
// connections reference each other only by stable string ID — an arena
// of keys rather than a pointer graph — so a connection's DeviceIDs stay
// valid across device replacement and the whole state is trivially
// snapshottable for the query interface.
type NetworkMonitor struct {
	probe         Probe
	pollInterval  time.Duration
	debounceDelay time.Duration

	mu                         sync.Mutex
	devices                    map[string]*Device
	connections                map[string]*Connection
	defaultConnectionCandidate string
	lastEmittedDefault         string

	debounce    oneShotTimer
	scanLimiter *rate.Limiter
}

// NewNetworkMonitor constructs a NetworkMonitor over the given probe.
func NewNetworkMonitor(probe Probe) *NetworkMonitor {
	return &NetworkMonitor{
		probe:         probe,
		pollInterval:  5 * time.Second,
		debounceDelay: defaultConnectionDebounce,
		devices:       make(map[string]*Device),
		connections:   make(map[string]*Connection),
		scanLimiter:   rate.NewLimiter(rate.Every(scanRateLimit), 1),
	}
}

func (n *NetworkMonitor) Run(ctx context.Context, out chan<- Event) error {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	defer n.debounce.Cancel()

	n.poll(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.poll(ctx, out)
		}
	}
}

func (n *NetworkMonitor) poll(ctx context.Context, out chan<- Event) {
	stats, err := n.probe.InterfaceStats()
	if err != nil {
		return // probe failure: ignored without logging, state preserved
	}

	var defaultIface, gateway string
	var haveDefault bool
	if iface, gw, ok, err := n.probe.DefaultRoute(); err == nil && ok {
		defaultIface, gateway, haveDefault = iface, gw, true
	}
	var gatewayMAC string
	if haveDefault && gateway != "" {
		gatewayMAC, _ = n.probe.ResolveGatewayMAC(gateway) // best-effort fingerprint
	}

	n.mu.Lock()
	now := time.Now()
	seen := make(map[string]bool, len(stats))
	for _, st := range stats {
		seen[st.Name] = true
		d, ok := n.devices[st.Name]
		if !ok {
			d = &Device{ID: st.Name, Name: st.Name}
			n.devices[st.Name] = d
		}
		d.RxBytes, d.TxBytes = st.RxBytes, st.TxBytes
		d.LastSeen = now
		d.Present = true

		conn, ok := n.connections[st.Name]
		if !ok {
			medium := MediumEthernet
			if n.probe.IsWireless(st.Name) {
				medium = MediumWiFi
			}
			conn = &Connection{
				ID: st.Name, DeviceIDs: []string{st.Name}, Medium: medium,
				State: ConnConnected, ConnectedAt: now,
				rxSnapshot: st.RxBytes, txSnapshot: st.TxBytes,
			}
			if st.Name == defaultIface {
				conn.GatewayMAC = gatewayMAC
			}
			n.connections[st.Name] = conn
			continue
		}
		conn.State = ConnConnected
		if st.Name == defaultIface && gatewayMAC != "" {
			if conn.GatewayMAC != "" && conn.GatewayMAC != gatewayMAC {
				// The gateway fingerprint changed under the same
				// interface name: a genuinely different network, not a
				// DHCP renewal, so the connection is re-anchored.
				conn.ConnectedAt = now
				conn.rxSnapshot, conn.txSnapshot = st.RxBytes, st.TxBytes
			}
			conn.GatewayMAC = gatewayMAC
		}
	}

	// Devices/connections absent from this poll stay in the arena with a
	// DISCONNECTED state rather than being removed, so history (and any
	// in-flight upcall referencing them by ID) stays valid (spec §4.2).
	for id, d := range n.devices {
		if !seen[id] {
			d.Present = false
		}
	}
	for id, c := range n.connections {
		if !seen[id] && c.State != ConnDisconnected {
			c.State = ConnDisconnected
		}
	}

	// Edge-triggered: only (re)start the debounce when the raw probed
	// value actually moves, so a steady-but-still-unemitted candidate
	// doesn't starve the timer by continuously pushing it back.
	changed := defaultIface != n.defaultConnectionCandidate
	n.defaultConnectionCandidate = defaultIface
	n.mu.Unlock()

	if changed {
		n.debounce.Reset(n.debounceDelay, func() { n.fireDefaultConnectionChange(ctx, out) })
	}
}

func (n *NetworkMonitor) fireDefaultConnectionChange(ctx context.Context, out chan<- Event) {
	n.mu.Lock()
	candidate := n.defaultConnectionCandidate
	old := n.lastEmittedDefault
	changed := candidate != old
	if changed {
		n.lastEmittedDefault = candidate
	}
	n.mu.Unlock()
	if !changed {
		return
	}
	select {
	case out <- Event{
		Kind: EventDefaultConnectionChanged,
		Time: time.Now(),
		DefaultConnectionChanged: &DefaultConnectionChangedEvent{
			OldConnectionID: old,
			NewConnectionID: candidate,
		},
	}:
	case <-ctx.Done():
	}
}

// Scan performs an on-demand access-point report, rate limited so a
// chatty caller cannot hammer the wireless radio (spec §4.2). For each
// known wireless device whose SSID the probe can read, it emits one
// AccessPointFound event carrying that associated SSID, then ScanComplete.
// It does not discover other nearby access points, and SignalDBM is left 0.
func (n *NetworkMonitor) Scan(ctx context.Context, out chan<- Event) error {
	if !n.scanLimiter.Allow() {
		return ErrScanRateLimited
	}
	n.mu.Lock()
	ifaces := make([]string, 0, len(n.devices))
	for id := range n.devices {
		if n.probe.IsWireless(id) {
			ifaces = append(ifaces, id)
		}
	}
	n.mu.Unlock()

	for _, iface := range ifaces {
		ssid, err := n.probe.SSID(iface)
		if err != nil {
			continue
		}
		select {
		case out <- Event{Kind: EventAccessPointFound, Time: time.Now(), AccessPointFound: &AccessPointEvent{SSID: ssid, NetworkType: "wifi"}}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case out <- Event{Kind: EventScanComplete, Time: time.Now()}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// DefaultConnectionID returns the currently emitted default connection ID
// ("" if none), for the scheduler's eligibility check (spec §4.3).
func (n *NetworkMonitor) DefaultConnectionID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastEmittedDefault
}

// DefaultConnection returns the connection carrying the default route, if
// any is currently known.
func (n *NetworkMonitor) DefaultConnection() (Connection, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.connections[n.lastEmittedDefault]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Devices returns a snapshot of all known devices, present or not.
func (n *NetworkMonitor) Devices() []Device {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Device, 0, len(n.devices))
	for _, d := range n.devices {
		out = append(out, *d)
	}
	return out
}

// ConnectionBytes returns a connection's current rx/tx byte counters,
// relative to its connect-time snapshot (spec §4.2), by looking up its
// backing device. ok is false if either the connection or its device is
// unknown.
func (n *NetworkMonitor) ConnectionBytes(id string) (rx, tx uint64, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.connections[id]
	if !ok || len(c.DeviceIDs) == 0 {
		return 0, 0, false
	}
	d, ok := n.devices[c.DeviceIDs[0]]
	if !ok {
		return 0, 0, false
	}
	rx, tx = c.Bytes(*d)
	return rx, tx, true
}

// Connections returns a snapshot of all known connections.
func (n *NetworkMonitor) Connections() []Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Connection, 0, len(n.connections))
	for _, c := range n.connections {
		out = append(out, *c)
	}
	return out
}

// oneShotTimer is a replaceable one-shot timer: each Reset cancels any
// previously scheduled fire and schedules a new one (DESIGN NOTES'
// "Option<TimerHandle>" guidance).
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
