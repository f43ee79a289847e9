package registry

import (
	"context"
	"time"

	"murmeltier/internal/ids"
)

// Properties is the property-map argument to the three Register calls
// (spec §4.1: "each takes a property map").
type Properties map[string]Value

// ChangeKind classifies a registry mutation for the Scheduler's
// eligibility-affecting notification (spec §4.1, trigger 4 in §4.3).
type ChangeKind int

const (
	ChangeManagerRegistered ChangeKind = iota
	ChangeStreamRegistered
	ChangeObjectRegistered
	ChangePropertySet
	ChangeUnregistered
	ChangeStreamStatus
	ChangeObjectStatus
	ChangeSubscriptionCreated
)

// Change describes one registry mutation that may affect scheduling
// eligibility.
type Change struct {
	Kind   ChangeKind
	Target ids.ID
	Parent ids.ID // manager for a stream change, stream for an object change
}

// Store is the persistent registry of managers, streams, and objects
// (spec §3, §4.1). Implementations: internal/registry/sqlite (the
// daemon's real store) and internal/registry/memory (tests, and anywhere
// an in-process store suffices).
//
// All methods are safe to call only from the single event-loop goroutine
// (spec §5); Store does not do its own locking beyond what's needed to
// keep a single SQLite connection internally consistent.
type Store interface {
	// Registration.
	ManagerRegister(ctx context.Context, props Properties, onlyIfCookieUnique bool) (ids.ID, error)
	StreamRegister(ctx context.Context, managerID ids.ID, props Properties, onlyIfCookieUnique bool) (ids.ID, error)
	ObjectRegister(ctx context.Context, streamID ids.ID, props Properties, onlyIfCookieUnique bool) (ids.ID, error)

	// Unregister removes target and, if onlyIfEmpty is false, cascades
	// across all descendant tables. If onlyIfEmpty is true the call
	// atomically verifies the target has no descendants first.
	Unregister(ctx context.Context, target ids.ID, onlyIfEmpty bool) error

	// TargetKind resolves which level of the hierarchy id refers to.
	TargetKind(ctx context.Context, id ids.ID) (TargetKind, bool, error)

	GetManager(ctx context.Context, id ids.ID) (Manager, error)
	GetStream(ctx context.Context, id ids.ID) (Stream, error)
	GetObject(ctx context.Context, id ids.ID) (Object, error)

	// ListManagers lists managers under parent. Only parent == root (the
	// zero ID) is supported; a non-null parent returns NotImplemented
	// (spec §9 open question, §7 mapping rule).
	ListManagers(ctx context.Context, parent ids.ID) ([]Manager, error)
	ListStreams(ctx context.Context, managerID ids.ID) ([]Stream, error)
	ListObjects(ctx context.Context, streamID ids.ID) ([]Object, error)

	// AllStreams and AllObjects are used by the scheduler to scan the
	// full tree each run; Store does not know about eligibility.
	AllStreams(ctx context.Context) ([]Stream, error)
	AllObjects(ctx context.Context) ([]Object, error)

	LookupByCookie(ctx context.Context, parent ids.ID, cookie string) (ids.ID, bool, error)

	PropertyGet(ctx context.Context, target ids.ID, name string) (Value, error)
	PropertySet(ctx context.Context, target ids.ID, name string, value Value) error

	// UpdateStatus appends a StreamUpdate history row and bumps the
	// stream's instance counter atomically, returning the new instance.
	UpdateStatus(ctx context.Context, streamID ids.ID, rec StreamUpdateRecord) (instance uint64, err error)

	// TransferStatus appends an ObjectInstanceStatus history row, bumps
	// the object's instance counter, and clears NeedUpdate, atomically.
	TransferStatus(ctx context.Context, objectID ids.ID, rec ObjectInstanceStatusRecord) (instance uint64, err error)

	// Used appends an ObjectUse history row.
	Used(ctx context.Context, objectID ids.ID, rec ObjectUseRecord) error

	// FilesDeleted mutates the latest ObjectInstanceStatus history row of
	// objectID according to action (spec §4.1).
	FilesDeleted(ctx context.Context, objectID ids.ID, action FileAction, arg int64, now time.Time) error

	// LastStreamUpdate returns the time of the stream's last successful
	// update (zero if never), for the scheduler's stream-selection formula.
	LastStreamUpdate(ctx context.Context, streamID ids.ID) (time.Time, error)

	// LastObjectAttempt returns the time and status code of the object's
	// last transfer attempt (zero time, found=false if never attempted).
	LastObjectAttempt(ctx context.Context, objectID ids.ID) (t time.Time, status int32, found bool, err error)

	// LatestObjectStatus returns the object's most recent
	// ObjectInstanceStatus history row in full (found=false if the object
	// has never been transferred). Unlike LastObjectAttempt, this surfaces
	// fields FilesDeleted mutates, such as PreserveUntil and CompressedSize.
	LatestObjectStatus(ctx context.Context, objectID ids.ID) (rec ObjectInstanceStatusRecord, found bool, err error)

	// Subscriptions (spec §3 Subscription row; the authoritative
	// three-index lookup lives in internal/upcall, which calls these to
	// keep the persisted record in sync).
	SubscriptionPut(ctx context.Context, sub Subscription) error
	SubscriptionDelete(ctx context.Context, handle string) error
	SubscriptionsByManager(ctx context.Context, managerID ids.ID) ([]Subscription, error)

	// OnChange registers a callback invoked synchronously (on the
	// event-loop goroutine) after each mutation that might affect
	// scheduling eligibility. It returns a function that cancels the
	// subscription.
	OnChange(fn func(Change)) (cancel func())

	// Lock claims the exclusive single-instance lock as a row inside a
	// transaction (spec §5 "Scoped acquisition"). It returns false,
	// holderPID/holderExe describing the current holder if the row is
	// already held under a different pid or executable. The store does not
	// check whether that holder is still alive.
	Lock(ctx context.Context, executable string, pid int, now time.Time) (acquired bool, holderPID int, holderExe string, err error)
	Unlock(ctx context.Context) error

	Close() error
}
