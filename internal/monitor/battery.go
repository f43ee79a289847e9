package monitor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// batteryCoalesceDelay coalesces a burst of property-changed
// notifications into one re-read (spec §4.2).
const batteryCoalesceDelay = 1000 * time.Millisecond

// batteryStaleAfter is how old a cached reading may be before a Query
// forces a synchronous re-read (spec §4.2).
const batteryStaleAfter = 5 * time.Second

// powerSupplyRoot is where Linux exposes battery state; watched with
// fsnotify the same way internal/cert/manager.go watches a certificate
// PEM file for changes — here the watched file is each battery's uevent
// pseudo-file instead of a cert.
const powerSupplyRoot = "/sys/class/power_supply"

// BatteryReader enumerates batteries and reads their current state.
type BatteryReader interface {
	Batteries() ([]string, error)
	Read(id string) (BatteryReading, error)
}

// SysfsBatteryReader reads /sys/class/power_supply/<id>/uevent.
type SysfsBatteryReader struct{ Root string }

func NewSysfsBatteryReader() SysfsBatteryReader { return SysfsBatteryReader{Root: powerSupplyRoot} }

func (r SysfsBatteryReader) root() string {
	if r.Root == "" {
		return powerSupplyRoot
	}
	return r.Root
}

func (r SysfsBatteryReader) Batteries() ([]string, error) {
	entries, err := os.ReadDir(r.root())
	if err != nil {
		return nil, fmt.Errorf("monitor: listing %s: %w", r.root(), err)
	}
	var ids []string
	for _, e := range entries {
		fields, err := readUevent(filepath.Join(r.root(), e.Name(), "uevent"))
		if err != nil {
			continue
		}
		if fields["POWER_SUPPLY_TYPE"] == "Battery" {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (r SysfsBatteryReader) Read(id string) (BatteryReading, error) {
	fields, err := readUevent(filepath.Join(r.root(), id, "uevent"))
	if err != nil {
		return BatteryReading{}, err
	}
	status := fields["POWER_SUPPLY_STATUS"]
	return BatteryReading{
		ID:             id,
		IsCharging:     status == "Charging",
		IsDischarging:  status == "Discharging",
		Millivolts:     microToMilli(fields["POWER_SUPPLY_VOLTAGE_NOW"]),
		MilliampHours:  microToMilli(fields["POWER_SUPPLY_CHARGE_NOW"]),
		Charger:        chargerKind(fields),
		DesignVoltage:  microToMilli(fields["POWER_SUPPLY_VOLTAGE_MIN_DESIGN"]),
		DesignCapacity: microToMilli(fields["POWER_SUPPLY_CHARGE_FULL_DESIGN"]),
		LastUpdated:    time.Now(),
	}, nil
}

func chargerKind(fields map[string]string) ChargerKind {
	switch strings.ToUpper(fields["POWER_SUPPLY_TYPE"]) {
	case "MAINS":
		return ChargerWall
	case "USB", "USB_CDP", "USB_DCP":
		return ChargerUSB
	case "BATTERY":
		return ChargerNone
	default:
		return ChargerUnknown
	}
}

func microToMilli(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v / 1000
}

func readUevent(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fields := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			fields[k] = v
		}
	}
	return fields, sc.Err()
}

// BatteryMonitor enumerates batteries and caches their last-read state,
// re-reading on a debounced fsnotify signal or a stale synchronous query
// (spec §4.2).
type BatteryMonitor struct {
	reader BatteryReader

	mu       sync.Mutex
	cache    map[string]BatteryReading
	debounce map[string]*oneShotTimer
}

func NewBatteryMonitor(reader BatteryReader) *BatteryMonitor {
	return &BatteryMonitor{
		reader:   reader,
		cache:    make(map[string]BatteryReading),
		debounce: make(map[string]*oneShotTimer),
	}
}

func (m *BatteryMonitor) Run(ctx context.Context, out chan<- Event) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("monitor: creating battery watcher: %w", err)
	}
	defer watcher.Close()

	ids, err := m.reader.Batteries()
	if err == nil {
		for _, id := range ids {
			m.refresh(ctx, out, id, false)
			if r, ok := m.reader.(SysfsBatteryReader); ok {
				watcher.Add(filepath.Join(r.root(), id, "uevent"))
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			id := filepath.Base(filepath.Dir(ev.Name))
			m.timerFor(id).Reset(batteryCoalesceDelay, func() { m.refresh(ctx, out, id, false) })
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// watch errors are ignored; nothing logs them
		}
	}
}

func (m *BatteryMonitor) timerFor(id string) *oneShotTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.debounce[id]
	if !ok {
		t = &oneShotTimer{}
		m.debounce[id] = t
	}
	return t
}

func (m *BatteryMonitor) refresh(ctx context.Context, out chan<- Event, id string, forceEvent bool) {
	reading, err := m.reader.Read(id)
	if err != nil {
		return // probe failure: ignored without logging, last-known state preserved
	}
	m.mu.Lock()
	old, had := m.cache[id]
	m.cache[id] = reading
	m.mu.Unlock()

	if !had {
		return // first observation establishes the baseline, no event
	}
	if !forceEvent && batteryEqual(old, reading) {
		return
	}
	select {
	case out <- Event{Kind: EventBatteryStatus, Time: time.Now(), BatteryStatus: &BatteryStatusEvent{Battery: id, Old: old, New: reading}}:
	case <-ctx.Done():
	}
}

func batteryEqual(a, b BatteryReading) bool {
	return a.IsCharging == b.IsCharging && a.IsDischarging == b.IsDischarging &&
		a.Millivolts == b.Millivolts && a.MilliampHours == b.MilliampHours &&
		a.Charger == b.Charger
}

// Query returns the cached reading for id, forcing a synchronous re-read
// first if the cache is stale (spec §4.2: ">5s since last update").
func (m *BatteryMonitor) Query(ctx context.Context, id string) (BatteryReading, error) {
	m.mu.Lock()
	reading, ok := m.cache[id]
	stale := !ok || time.Since(reading.LastUpdated) > batteryStaleAfter
	m.mu.Unlock()
	if !stale {
		return reading, nil
	}
	fresh, err := m.reader.Read(id)
	if err != nil {
		return BatteryReading{}, err
	}
	m.mu.Lock()
	m.cache[id] = fresh
	m.mu.Unlock()
	return fresh, nil
}
