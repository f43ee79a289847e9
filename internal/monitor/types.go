// Package monitor implements the four context monitors of spec §4.2:
// NetworkMonitor, UserActivityMonitor, BatteryMonitor, ShutdownMonitor.
// Each is a Monitor that runs inside the daemon's event loop and emits
// typed Events onto a shared channel — the teacher's orchestrator.Ingester
// contract (Run(ctx, out) error, blocks until ctx is cancelled) reshaped
// from "emit log lines" to "emit context events".
package monitor

import (
	"context"
	"time"
)

// Monitor is implemented by each of the four context sources.
type Monitor interface {
	// Run blocks, emitting Events onto out, until ctx is cancelled or an
	// unrecoverable error occurs. Probe failures are absorbed internally
	// and the last-known state is kept; monitors hold no logger, so the
	// failures are not logged — Run only returns an
	// error when the monitor itself cannot continue running at all.
	Run(ctx context.Context, out chan<- Event) error
}

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventDefaultConnectionChanged EventKind = iota
	EventAccessPointFound
	EventScanComplete
	EventUserIdleActive
	EventBatteryStatus
	EventShutdown
)

func (k EventKind) String() string {
	switch k {
	case EventDefaultConnectionChanged:
		return "DefaultConnectionChanged"
	case EventAccessPointFound:
		return "AccessPointFound"
	case EventScanComplete:
		return "ScanComplete"
	case EventUserIdleActive:
		return "UserIdleActive"
	case EventBatteryStatus:
		return "BatteryStatus"
	case EventShutdown:
		return "Shutdown"
	default:
		return "unknown"
	}
}

// Event is a tagged union over the four monitors' published events,
// following the same "one struct, one kind, the matching field is
// meaningful" shape as registry.Value.
type Event struct {
	Kind EventKind
	Time time.Time

	DefaultConnectionChanged *DefaultConnectionChangedEvent
	AccessPointFound         *AccessPointEvent
	UserIdleActive           *UserIdleActiveEvent
	BatteryStatus            *BatteryStatusEvent
	Shutdown                 *ShutdownEvent
}

// --- Network -----------------------------------------------------------

// Medium is the connection medium bitmask (spec §4.2).
type Medium uint32

const (
	MediumUnknown   Medium = 0
	MediumEthernet  Medium = 1 << 0
	MediumWiFi      Medium = 1 << 1
	MediumCellular  Medium = 1 << 2
	MediumBluetooth Medium = 1 << 3
)

// Disqualifying reports whether the medium bitmask disqualifies the
// scheduler from running (spec §4.3: anything other than ETHERNET/WIFI).
func (m Medium) Disqualifying() bool {
	return m&^(MediumEthernet|MediumWiFi) != 0 || m == MediumUnknown
}

// ConnState is a connection's lifecycle state.
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case ConnDisconnected:
		return "disconnected"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Device is a physical network interface. Devices are never removed from
// the in-memory arena within a session (spec §4.2: "not garbage-collected
// ... a removed device remains ... with state DISCONNECTED").
type Device struct {
	ID       string // stable key, e.g. the interface name
	Name     string
	RxBytes  uint64
	TxBytes  uint64
	LastSeen time.Time
	Present  bool
}

// CellInfo is the cellular-specific attribute set tracked on
// cellular-capable backends (spec §4.2).
type CellInfo struct {
	LAC              int
	CellID           int
	MNC, MCC         int
	NetworkType      string
	SignalStrength   int // normalized 0-100
	SignalDBM        int
	Operator         string
	GPRSAvailable    bool
}

// Connection is a logical binding of one or more Devices. Connections
// reference devices by Device.ID, never by pointer, so the arena can be
// walked and devices replaced without invalidating references held
// elsewhere (DESIGN NOTES' arenas-of-keys guidance).
type Connection struct {
	ID          string
	DeviceIDs   []string
	Medium      Medium
	State       ConnState
	ConnectedAt time.Time
	Cell        *CellInfo

	// GatewayMAC is the resolved MAC address of the default-route gateway
	// last seen on this connection (spec §4.2), used to tell a DHCP
	// renewal on the same interface (gateway MAC unchanged) apart from a
	// genuinely new network sharing that interface name (gateway MAC
	// changed), per NeighborResolver.
	GatewayMAC string

	rxSnapshot uint64
	txSnapshot uint64
}

// Bytes returns the connection's byte counters relative to the snapshot
// taken when it was created or last re-anchored (spec §4.2: "current
// device rx/tx minus snapshot-at-connect"), against dev's live counters.
func (c Connection) Bytes(dev Device) (rx, tx uint64) {
	rx, tx = 0, 0
	if dev.RxBytes > c.rxSnapshot {
		rx = dev.RxBytes - c.rxSnapshot
	}
	if dev.TxBytes > c.txSnapshot {
		tx = dev.TxBytes - c.txSnapshot
	}
	return rx, tx
}

// DefaultConnectionChangedEvent fires when the connection carrying the
// default route changes, debounced by NetworkMonitor's
// defaultConnectionDebounce timer so an "old drops, new rises" pair
// yields one event (spec §4.2).
type DefaultConnectionChangedEvent struct {
	OldConnectionID string
	NewConnectionID string
}

// AccessPointEvent is one scan result.
type AccessPointEvent struct {
	SSID        string
	NetworkType string
	SignalDBM   int
}

// --- User activity -------------------------------------------------------

type UserState int

const (
	UserUnknown UserState = iota
	UserActive
	UserIdle
)

func (s UserState) String() string {
	switch s {
	case UserActive:
		return "active"
	case UserIdle:
		return "idle"
	default:
		return "unknown"
	}
}

type UserIdleActiveEvent struct {
	NewState             UserState
	TimeInPreviousState  time.Duration
}

// --- Battery -------------------------------------------------------------

type ChargerKind int

const (
	ChargerNone ChargerKind = iota
	ChargerWall
	ChargerUSB
	ChargerUnknown
)

func (k ChargerKind) String() string {
	switch k {
	case ChargerNone:
		return "none"
	case ChargerWall:
		return "wall"
	case ChargerUSB:
		return "usb"
	default:
		return "unknown"
	}
}

// BatteryReading is one battery's cached state (spec §4.2).
type BatteryReading struct {
	ID              string
	IsCharging      bool
	IsDischarging   bool
	Millivolts      int
	MilliampHours   int
	Charger         ChargerKind
	DesignVoltage   int
	DesignCapacity  int
	LastUpdated     time.Time
}

// BatteryStatusEvent reports the batteries and fields that changed.
type BatteryStatusEvent struct {
	Battery string
	Old     BatteryReading
	New     BatteryReading
}

// --- Shutdown --------------------------------------------------------------

type ShutdownReason int

const (
	ShutdownPowerDown ShutdownReason = iota
	ShutdownLogout
	ShutdownRestart
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownPowerDown:
		return "power-down"
	case ShutdownLogout:
		return "logout"
	case ShutdownRestart:
		return "restart"
	default:
		return "unknown"
	}
}

type ShutdownEvent struct {
	Reason ShutdownReason
}
