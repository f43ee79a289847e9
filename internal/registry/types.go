// Package registry implements the persistent manager/stream/object
// hierarchy described in spec §3–§4.1: CRUD of the registry tree, typed
// properties, and the history rows appended by status/use/delete calls.
//
// The Registry owns all entities and history rows. It does not decide
// when to schedule work (that's internal/scheduler) and it does not
// deliver upcalls (that's internal/upcall); it only persists state and
// notifies subscribers that something changed.
package registry

import (
	"time"

	"murmeltier/internal/ids"
)

// U32Never is the Freshness sentinel meaning "never auto-update".
const U32Never uint32 = 1<<32 - 1

// TargetKind identifies which of the three entity levels (or the
// synthetic root) an ID refers to, per DESIGN NOTES' tagged-variant
// guidance for the RPC object hierarchy.
type TargetKind int

const (
	KindRoot TargetKind = iota
	KindManager
	KindStream
	KindObject
)

func (k TargetKind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindManager:
		return "manager"
	case KindStream:
		return "stream"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Manager is a top-level application scope; owns streams.
type Manager struct {
	ID             ids.ID
	Name           string
	Cookie         string
	Priority       int32
	TransportHint  string // DBusServiceName or transport-equivalent start hint
	DiscoveredAt   time.Time
	PublishedAt    time.Time
	RegisteredAt   time.Time
}

// Stream is a source of objects (a feed, a folder, a search) under a Manager.
type Stream struct {
	ID                  ids.ID
	ManagerID           ids.ID
	Name                string
	Cookie              string
	Priority            int32
	Freshness           uint32 // seconds; U32Never = never auto-update
	ObjectsMostlyInline bool
	Instance            uint64
	RegisteredAt        time.Time
}

// Version describes one fetchable rendition of an Object:
// <url, expected_size, xfer_up, xfer_down, utility, simple_transferer>.
type Version struct {
	URL              string
	ExpectedSize     int64
	XferUp           uint64
	XferDown         uint64
	Utility          uint32
	SimpleTransferer bool
}

// Object is an individual transferable item under a Stream.
type Object struct {
	ID                ids.ID
	StreamID          ids.ID
	Name              string
	Cookie            string
	Versions          []Version
	Filename          string
	Wakeup            bool
	TriggerTarget     *int64 // ms since epoch
	TriggerEarliest   *int64
	TriggerLatest     *int64
	TransferFrequency uint32 // seconds; 0 = one-shot
	DontTransfer      bool
	NeedUpdate        bool
	Priority          int32
	DiscoveredAt      time.Time
	PublishedAt       time.Time
	Instance          uint64
}

// StreamUpdateRecord is a history row appended by UpdateStatus; never mutated.
type StreamUpdateRecord struct {
	StreamID      ids.ID
	Instance      uint64
	Status        int32
	Indicator     uint32
	BytesUp       uint64
	BytesDown     uint64
	TransferTime  time.Time
	Duration      time.Duration
	NewObjects    int32
	UpdatedObjects int32
	InlineObjects int32
}

// ObjectInstanceStatusRecord is a history row appended by TransferStatus
// and mutated in place by FilesDeleted.
type ObjectInstanceStatusRecord struct {
	ObjectID       ids.ID
	Instance       uint64
	Status         int32
	BytesUp        uint64
	BytesDown      uint64
	TransferTime   time.Time
	Duration       time.Duration
	ObjectSize     int64
	Indicator      uint32
	Deleted        bool
	PreserveUntil  time.Time
	CompressedSize int64
}

// ObjectUseRecord is a history row appended by Used.
type ObjectUseRecord struct {
	ObjectID ids.ID
	Instance uint64
	Reported bool
	Start    time.Time
	Duration time.Duration
	UseMask  uint32
}

// Subscription is a per-manager registration of a client endpoint willing
// to receive upcalls. Persisted here so FeedbackSubscribe/Unsubscribe
// survive independently of the in-memory router indexes, but the
// authoritative three-index lookup lives in internal/upcall.
type Subscription struct {
	Handle         string
	ManagerID      ids.ID
	ClientEndpoint string
	DescendantsToo bool
}

// FileAction is the FilesDeleted sub-action code (spec §4.1).
type FileAction int

const (
	FileActionDeleted FileAction = iota
	FileActionCompressed
	FileActionRefused
)
