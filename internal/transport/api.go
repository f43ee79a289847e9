// Package transport implements the object-oriented RPC namespace of spec
// §6: four object classes (root, manager, stream, object), the standard
// Get/Set/Introspect operations, and the per-class operations of §4.1 and
// §4.4. Target and Dispatcher are the contract a real transport binding
// (D-Bus, gRPC, this package's own net/http+JSON surface) sits behind —
// every binding drives the same Dispatcher methods, so adding a second
// wire format never touches registry or scheduler code.
package transport

import (
	"context"
	"log/slog"
	"time"

	"murmeltier/internal/eventlog"
	"murmeltier/internal/ids"
	"murmeltier/internal/logging"
	"murmeltier/internal/registry"
	"murmeltier/internal/upcall"
)

// Target names one addressable object in the RPC namespace: the
// synthetic root, or a manager/stream/object by ID.
type Target struct {
	Kind registry.TargetKind
	ID   ids.ID
}

// Root is the single well-known root target.
var Root = Target{Kind: registry.KindRoot, ID: ids.Nil}

// Introspection describes a target's available properties and
// operations, for the standard Introspect call (spec §6).
type Introspection struct {
	Kind       string
	Properties []registry.PropertyDescriptor
	Operations []string
}

var rootOps = []string{"ListManagers", "ManagerRegister"}
var managerOps = []string{
	"StreamRegister", "ListStreams", "Unregister", "LookupByCookie",
	"FeedbackSubscribe", "FeedbackUnsubscribe", "FeedbackAck",
}
var streamOps = []string{"ObjectRegister", "ListObjects", "Unregister", "LookupByCookie", "UpdateStatus"}
var objectOps = []string{"Unregister", "TransferStatus", "Used", "FilesDeleted"}

// Dispatcher resolves every RPC namespace operation against the registry
// store and upcall router. It holds no transport-specific state; http.go
// is the one concrete binding built on top of it.
type Dispatcher struct {
	store  registry.Store
	router *upcall.Router
	log    *slog.Logger

	// events, if set via SetEventLog, receives file_access_log rows for
	// Used/FilesDeleted — the per-object-lifecycle table spec §4.5 lists
	// alongside the context monitors' own typed tables. Left nil in tests
	// and any caller that doesn't want this bookkeeping.
	events *eventlog.Logger
}

// New constructs a Dispatcher.
func New(store registry.Store, router *upcall.Router, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		router: router,
		log:    logging.Default(log).With("component", "transport"),
	}
}

// TargetKind resolves which level of the hierarchy id refers to, for
// callers that only have a bare ID string (e.g. an HTTP path segment).
func (d *Dispatcher) TargetKind(ctx context.Context, id ids.ID) (Target, error) {
	kind, ok, err := d.store.TargetKind(ctx, id)
	if err != nil {
		return Target{}, err
	}
	if !ok {
		return Target{}, registry.ErrNoSuchObject("unknown id: " + id.String())
	}
	return Target{Kind: kind, ID: id}, nil
}

// Introspect lists the properties and operations available on target's
// kind (the standard Introspect call of spec §6).
func (d *Dispatcher) Introspect(_ context.Context, target Target) Introspection {
	switch target.Kind {
	case registry.KindManager:
		return Introspection{Kind: "manager", Properties: registry.Properties(registry.KindManager), Operations: managerOps}
	case registry.KindStream:
		return Introspection{Kind: "stream", Properties: registry.Properties(registry.KindStream), Operations: streamOps}
	case registry.KindObject:
		return Introspection{Kind: "object", Properties: registry.Properties(registry.KindObject), Operations: objectOps}
	default:
		return Introspection{Kind: "root", Operations: rootOps}
	}
}

// Get reads a single property of target (spec §6 standard Get).
func (d *Dispatcher) Get(ctx context.Context, target Target, name string) (registry.Value, error) {
	if target.Kind == registry.KindRoot {
		return registry.Value{}, registry.ErrInvalidArgs("root has no properties")
	}
	return d.store.PropertyGet(ctx, target.ID, name)
}

// Set writes a single property of target (spec §6 standard Set).
// ValidateSet rejects an unknown, read-only, or wrong-typed property with
// InvalidArgs before the store is touched.
func (d *Dispatcher) Set(ctx context.Context, target Target, name string, value registry.Value) error {
	if err := registry.ValidateSet(target.Kind, name, value); err != nil {
		return err
	}
	return d.store.PropertySet(ctx, target.ID, name, value)
}

// SetFromString is the "untyped string map" convenience call of spec §6:
// it looks up name's declared type for target.Kind, parses raw against
// that type, and applies it exactly as Set would.
func (d *Dispatcher) SetFromString(ctx context.Context, target Target, name, raw string) error {
	desc, ok := registry.Describe(target.Kind, name)
	if !ok {
		return registry.ErrInvalidArgs("unknown property: " + name)
	}
	value, err := registry.ParseValue(desc.Kind, raw)
	if err != nil {
		return err
	}
	return d.Set(ctx, target, name, value)
}

// PropertiesFromStrings converts an untyped string map into a typed
// registry.Properties map for kind, the same convenience used by the
// three Register calls when driven from a string-only client (spec §6).
func PropertiesFromStrings(kind registry.TargetKind, raw map[string]string) (registry.Properties, error) {
	props := make(registry.Properties, len(raw))
	for name, s := range raw {
		desc, ok := registry.Describe(kind, name)
		if !ok {
			return nil, registry.ErrInvalidArgs("unknown property: " + name)
		}
		if desc.ReadOnly {
			return nil, registry.ErrInvalidArgs("property is read-only: " + name)
		}
		v, err := registry.ParseValue(desc.Kind, s)
		if err != nil {
			return nil, err
		}
		props[name] = v
	}
	return props, nil
}

// ManagerRegister is the root-class ManagerRegister operation.
func (d *Dispatcher) ManagerRegister(ctx context.Context, props registry.Properties, onlyIfCookieUnique bool) (ids.ID, error) {
	return d.store.ManagerRegister(ctx, props, onlyIfCookieUnique)
}

// ListManagers is the root-class ListManagers operation. Only the root
// parent is supported; spec §9 leaves recursive listing under a non-null
// parent unspecified, mapped here to NotImplemented (spec §7).
func (d *Dispatcher) ListManagers(ctx context.Context) ([]registry.Manager, error) {
	return d.store.ListManagers(ctx, ids.Nil)
}

// StreamRegister is the manager-class StreamRegister operation.
func (d *Dispatcher) StreamRegister(ctx context.Context, managerID ids.ID, props registry.Properties, onlyIfCookieUnique bool) (ids.ID, error) {
	return d.store.StreamRegister(ctx, managerID, props, onlyIfCookieUnique)
}

// ListStreams is the manager-class ListStreams operation. An unknown
// manager fails NoSuchObject.
func (d *Dispatcher) ListStreams(ctx context.Context, managerID ids.ID) ([]registry.Stream, error) {
	if _, err := d.store.GetManager(ctx, managerID); err != nil {
		return nil, err
	}
	return d.store.ListStreams(ctx, managerID)
}

// ObjectRegister is the stream-class ObjectRegister operation.
func (d *Dispatcher) ObjectRegister(ctx context.Context, streamID ids.ID, props registry.Properties, onlyIfCookieUnique bool) (ids.ID, error) {
	return d.store.ObjectRegister(ctx, streamID, props, onlyIfCookieUnique)
}

// ListObjects is the stream-class ListObjects operation.
func (d *Dispatcher) ListObjects(ctx context.Context, streamID ids.ID) ([]registry.Object, error) {
	return d.store.ListObjects(ctx, streamID)
}

// Unregister is the per-class Unregister operation shared by manager,
// stream, and object targets (spec §4.1).
func (d *Dispatcher) Unregister(ctx context.Context, target Target, onlyIfEmpty bool) error {
	if target.Kind == registry.KindRoot {
		return registry.ErrInvalidArgs("root cannot be unregistered")
	}
	return d.store.Unregister(ctx, target.ID, onlyIfEmpty)
}

// LookupByCookie is the manager/stream-class LookupByCookie operation.
func (d *Dispatcher) LookupByCookie(ctx context.Context, parent ids.ID, cookie string) (ids.ID, bool, error) {
	return d.store.LookupByCookie(ctx, parent, cookie)
}

// UpdateStatus is the stream-class callback a client uses to report the
// outcome of a StreamUpdate upcall (spec §4.3 "Interaction with results").
func (d *Dispatcher) UpdateStatus(ctx context.Context, streamID ids.ID, rec registry.StreamUpdateRecord) (uint64, error) {
	return d.store.UpdateStatus(ctx, streamID, rec)
}

// TransferStatus is the object-class callback a client uses to report
// the outcome of a TransferObject upcall.
func (d *Dispatcher) TransferStatus(ctx context.Context, objectID ids.ID, rec registry.ObjectInstanceStatusRecord) (uint64, error) {
	return d.store.TransferStatus(ctx, objectID, rec)
}

// Used is the object-class Used operation.
func (d *Dispatcher) Used(ctx context.Context, objectID ids.ID, rec registry.ObjectUseRecord) error {
	if err := d.store.Used(ctx, objectID, rec); err != nil {
		return err
	}
	if d.events != nil {
		d.events.Append(eventlog.TableFileAccessLog, time.Now(), map[string]any{
			"object": objectID.String(), "action": "used", "use_mask": rec.UseMask,
		})
	}
	return nil
}

// FilesDeleted is the object-class FilesDeleted operation.
func (d *Dispatcher) FilesDeleted(ctx context.Context, objectID ids.ID, action registry.FileAction, arg int64) error {
	now := time.Now()
	if err := d.store.FilesDeleted(ctx, objectID, action, arg, now); err != nil {
		return err
	}
	if d.events != nil {
		d.events.Append(eventlog.TableFileAccessLog, now, map[string]any{
			"object": objectID.String(), "action": fileActionName(action), "arg": arg,
		})
	}
	return nil
}

// SetEventLog wires the file_access_log appender into the Dispatcher.
// Optional: callers that don't need this bookkeeping (tests, in-process
// use) can leave it unset.
func (d *Dispatcher) SetEventLog(l *eventlog.Logger) {
	d.events = l
}

func fileActionName(a registry.FileAction) string {
	switch a {
	case registry.FileActionDeleted:
		return "deleted"
	case registry.FileActionCompressed:
		return "compressed"
	case registry.FileActionRefused:
		return "refused"
	default:
		return "unknown"
	}
}

// FeedbackSubscribe is the manager-class FeedbackSubscribe operation
// (spec §4.4). client is the live upcall binding the caller's endpoint
// arrived on; http.go supplies one backed by an outbound callback URL.
func (d *Dispatcher) FeedbackSubscribe(ctx context.Context, sender string, client upcall.Client, managerID ids.ID, descendantsToo bool) (string, error) {
	return d.router.FeedbackSubscribe(ctx, sender, client, managerID, descendantsToo)
}

// FeedbackUnsubscribe is the manager-class FeedbackUnsubscribe operation.
func (d *Dispatcher) FeedbackUnsubscribe(ctx context.Context, sender string, managerID ids.ID, handle string) error {
	return d.router.FeedbackUnsubscribe(ctx, sender, managerID, handle)
}

// FeedbackAck is the manager-class FeedbackAck operation.
func (d *Dispatcher) FeedbackAck(ctx context.Context, sender string, managerID ids.ID, objectUUID string, instance uint64) error {
	return d.router.FeedbackAck(ctx, sender, managerID, objectUUID, instance)
}
