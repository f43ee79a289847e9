package monitor

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeProbe struct {
	mu      sync.Mutex
	stats   []InterfaceStat
	iface   string
	gateway string
	ok      bool
	mac     string
}

func (p *fakeProbe) InterfaceStats() ([]InterfaceStat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]InterfaceStat(nil), p.stats...), nil
}

func (p *fakeProbe) DefaultRoute() (string, string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iface, p.gateway, p.ok, nil
}

func (p *fakeProbe) ResolveGatewayMAC(string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mac, nil
}
func (p *fakeProbe) IsWireless(iface string) bool { return iface == "wlan0" }
func (p *fakeProbe) SSID(string) (string, error)  { return "home-network", nil }

func (p *fakeProbe) setDefault(iface string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iface, p.ok = iface, iface != ""
}

func (p *fakeProbe) setGateway(gateway, mac string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gateway, p.mac = gateway, mac
}

func (p *fakeProbe) setStats(stats []InterfaceStat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = stats
}

func TestNetworkMonitorDebouncesDefaultConnectionChange(t *testing.T) {
	probe := &fakeProbe{stats: []InterfaceStat{{Name: "eth0"}, {Name: "wlan0"}}}
	probe.setDefault("eth0")
	nm := NewNetworkMonitor(probe)
	nm.pollInterval = 10 * time.Millisecond
	nm.debounceDelay = 50 * time.Millisecond

	out := make(chan Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go nm.Run(ctx, out)

	time.Sleep(30 * time.Millisecond)
	probe.setDefault("wlan0")

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-out:
			if ev.Kind != EventDefaultConnectionChanged {
				t.Fatalf("kind = %v, want DefaultConnectionChanged", ev.Kind)
			}
			if ev.DefaultConnectionChanged.NewConnectionID == "wlan0" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for DefaultConnectionChanged(wlan0)")
		}
	}
}

func TestNetworkMonitorScanRateLimited(t *testing.T) {
	probe := &fakeProbe{stats: []InterfaceStat{{Name: "wlan0"}}}
	nm := NewNetworkMonitor(probe)
	out := make(chan Event, 8)
	ctx := context.Background()

	nm.devices["wlan0"] = &Device{ID: "wlan0"}
	if err := nm.Scan(ctx, out); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	if err := nm.Scan(ctx, out); err != ErrScanRateLimited {
		t.Fatalf("second Scan = %v, want ErrScanRateLimited", err)
	}
}

func TestNetworkMonitorMarksRemovedDeviceDisconnected(t *testing.T) {
	probe := &fakeProbe{stats: []InterfaceStat{{Name: "eth0", RxBytes: 100, TxBytes: 50}}}
	nm := NewNetworkMonitor(probe)
	out := make(chan Event, 8)
	ctx := context.Background()

	nm.poll(ctx, out)
	if got := nm.connections["eth0"].State; got != ConnConnected {
		t.Fatalf("initial state = %v, want ConnConnected", got)
	}

	probe.setStats(nil)
	nm.poll(ctx, out)

	dev, ok := nm.devices["eth0"]
	if !ok {
		t.Fatal("device removed from the arena instead of marked absent")
	}
	if dev.Present {
		t.Fatal("Present should be false once the device drops out of InterfaceStats")
	}
	conn, ok := nm.connections["eth0"]
	if !ok {
		t.Fatal("connection removed from the arena instead of marked disconnected")
	}
	if conn.State != ConnDisconnected {
		t.Fatalf("State = %v, want ConnDisconnected", conn.State)
	}
}

func TestNetworkMonitorReanchorsOnGatewayMACChange(t *testing.T) {
	probe := &fakeProbe{stats: []InterfaceStat{{Name: "wlan0", RxBytes: 1000, TxBytes: 500}}}
	probe.setDefault("wlan0")
	probe.setGateway("192.0.2.1", "aa:bb:cc:dd:ee:01")
	nm := NewNetworkMonitor(probe)
	out := make(chan Event, 8)
	ctx := context.Background()

	nm.poll(ctx, out)
	first := *nm.connections["wlan0"]
	if first.GatewayMAC != "aa:bb:cc:dd:ee:01" {
		t.Fatalf("GatewayMAC = %q, want the resolved fingerprint", first.GatewayMAC)
	}

	// Same interface name, same gateway MAC: a DHCP-style renewal, not a
	// new network, so the connection keeps its original anchor.
	probe.setStats([]InterfaceStat{{Name: "wlan0", RxBytes: 2000, TxBytes: 900}})
	nm.poll(ctx, out)
	if nm.connections["wlan0"].ConnectedAt != first.ConnectedAt {
		t.Fatal("unchanged gateway MAC should not re-anchor the connection")
	}

	// Same interface name, different gateway MAC: a genuinely different
	// network, so the connection re-anchors (spec §4.2).
	probe.setGateway("192.0.2.1", "aa:bb:cc:dd:ee:02")
	probe.setStats([]InterfaceStat{{Name: "wlan0", RxBytes: 3000, TxBytes: 1200}})
	nm.poll(ctx, out)
	reanchored := nm.connections["wlan0"]
	if reanchored.ConnectedAt == first.ConnectedAt {
		t.Fatal("changed gateway MAC should re-anchor the connection")
	}
	if reanchored.GatewayMAC != "aa:bb:cc:dd:ee:02" {
		t.Fatalf("GatewayMAC = %q, want the new fingerprint", reanchored.GatewayMAC)
	}
	rx, tx, ok := nm.ConnectionBytes("wlan0")
	if !ok {
		t.Fatal("ConnectionBytes: connection/device should be known")
	}
	if rx != 0 || tx != 0 {
		t.Fatalf("rx,tx = %d,%d, want 0,0 immediately after re-anchoring", rx, tx)
	}
}

func TestNetworkMonitorConnectionBytes(t *testing.T) {
	probe := &fakeProbe{stats: []InterfaceStat{{Name: "eth0", RxBytes: 1000, TxBytes: 200}}}
	nm := NewNetworkMonitor(probe)
	out := make(chan Event, 8)
	ctx := context.Background()

	nm.poll(ctx, out)
	probe.setStats([]InterfaceStat{{Name: "eth0", RxBytes: 1500, TxBytes: 350}})
	nm.poll(ctx, out)

	rx, tx, ok := nm.ConnectionBytes("eth0")
	if !ok {
		t.Fatal("ConnectionBytes: expected eth0 to be known")
	}
	if rx != 500 || tx != 150 {
		t.Fatalf("rx,tx = %d,%d, want 500,150", rx, tx)
	}
	if _, _, ok := nm.ConnectionBytes("does-not-exist"); ok {
		t.Fatal("ConnectionBytes should report ok=false for an unknown connection")
	}
}

func TestMediumDisqualifying(t *testing.T) {
	cases := []struct {
		m    Medium
		want bool
	}{
		{MediumEthernet, false},
		{MediumWiFi, false},
		{MediumEthernet | MediumWiFi, false},
		{MediumCellular, true},
		{MediumBluetooth, true},
		{MediumUnknown, true},
	}
	for _, c := range cases {
		if got := c.m.Disqualifying(); got != c.want {
			t.Errorf("Medium(%d).Disqualifying() = %v, want %v", c.m, got, c.want)
		}
	}
}
