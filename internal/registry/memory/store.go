// Package memory is an in-process registry.Store used by unit tests and
// by anything that doesn't need the durability of internal/registry/sqlite.
// It mirrors the sqlite store's semantics exactly (registrytest's
// conformance suite runs against both) but keeps everything in maps
// guarded by a single mutex, following the teacher's memtest-style
// in-memory fakes.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"murmeltier/internal/ids"
	"murmeltier/internal/registry"
)

type Store struct {
	mu sync.Mutex

	managers map[ids.ID]registry.Manager
	streams  map[ids.ID]registry.Stream
	objects  map[ids.ID]registry.Object

	streamUpdates map[ids.ID][]registry.StreamUpdateRecord
	objectStatus  map[ids.ID][]registry.ObjectInstanceStatusRecord
	objectUse     map[ids.ID][]registry.ObjectUseRecord

	subs map[string]registry.Subscription

	lockPID int
	lockExe string
	locked  bool

	listeners map[int]func(registry.Change)
	nextID    int
}

func New() *Store {
	return &Store{
		managers:      make(map[ids.ID]registry.Manager),
		streams:       make(map[ids.ID]registry.Stream),
		objects:       make(map[ids.ID]registry.Object),
		streamUpdates: make(map[ids.ID][]registry.StreamUpdateRecord),
		objectStatus:  make(map[ids.ID][]registry.ObjectInstanceStatusRecord),
		objectUse:     make(map[ids.ID][]registry.ObjectUseRecord),
		subs:          make(map[string]registry.Subscription),
		listeners:     make(map[int]func(registry.Change)),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) publishLocked(c registry.Change) {
	for _, fn := range s.listeners {
		fn(c)
	}
}

func (s *Store) OnChange(fn func(registry.Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func cloneVersions(v []registry.Version) []registry.Version {
	b, _ := json.Marshal(v)
	var out []registry.Version
	json.Unmarshal(b, &out)
	return out
}

func (s *Store) ManagerRegister(_ context.Context, props registry.Properties, onlyIfCookieUnique bool) (ids.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cookie := props["Cookie"].Str
	if onlyIfCookieUnique && cookie != "" {
		for _, m := range s.managers {
			if m.Cookie == cookie {
				return ids.Nil, registry.ErrObjectExists("manager with this cookie already registered")
			}
		}
	}
	id := ids.Generate(func(c ids.ID) bool { _, ok := s.managers[c]; return ok })
	now := time.Now()
	s.managers[id] = registry.Manager{
		ID: id, Name: props["HumanReadableName"].Str, Cookie: cookie,
		Priority: props["Priority"].I32, TransportHint: props["TransportHint"].Str,
		DiscoveredAt: now, RegisteredAt: now,
	}
	s.publishLocked(registry.Change{Kind: registry.ChangeManagerRegistered, Target: id})
	return id, nil
}

func (s *Store) StreamRegister(_ context.Context, managerID ids.ID, props registry.Properties, onlyIfCookieUnique bool) (ids.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.managers[managerID]; !ok {
		return ids.Nil, registry.ErrNoSuchObject("no such manager")
	}
	cookie := props["Cookie"].Str
	if onlyIfCookieUnique && cookie != "" {
		for _, st := range s.streams {
			if st.ManagerID == managerID && st.Cookie == cookie {
				return ids.Nil, registry.ErrObjectExists("stream with this cookie already registered")
			}
		}
	}
	id := ids.Generate(func(c ids.ID) bool { _, ok := s.streams[c]; return ok })
	s.streams[id] = registry.Stream{
		ID: id, ManagerID: managerID, Name: props["HumanReadableName"].Str, Cookie: cookie,
		Priority: props["Priority"].I32, Freshness: props["Freshness"].U32,
		ObjectsMostlyInline: props["ObjectsMostlyInline"].Bool, RegisteredAt: time.Now(),
	}
	s.publishLocked(registry.Change{Kind: registry.ChangeStreamRegistered, Target: id, Parent: managerID})
	return id, nil
}

func (s *Store) ObjectRegister(_ context.Context, streamID ids.ID, props registry.Properties, onlyIfCookieUnique bool) (ids.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[streamID]; !ok {
		return ids.Nil, registry.ErrNoSuchObject("no such stream")
	}
	cookie := props["Cookie"].Str
	if onlyIfCookieUnique && cookie != "" {
		for _, o := range s.objects {
			if o.StreamID == streamID && o.Cookie == cookie {
				return ids.Nil, registry.ErrObjectExists("object with this cookie already registered")
			}
		}
	}
	id := ids.Generate(func(c ids.ID) bool { _, ok := s.objects[c]; return ok })
	s.objects[id] = registry.Object{
		ID: id, StreamID: streamID, Name: props["HumanReadableName"].Str, Cookie: cookie,
		Versions: cloneVersions(props["Versions"].Versions), Filename: props["Filename"].Str,
		TransferFrequency: props["TransferFrequency"].U32, DontTransfer: props["DontTransfer"].Bool,
		NeedUpdate: true, Priority: props["Priority"].I32, DiscoveredAt: time.Now(),
	}
	s.publishLocked(registry.Change{Kind: registry.ChangeObjectRegistered, Target: id, Parent: streamID})
	return id, nil
}

func (s *Store) TargetKind(_ context.Context, id ids.ID) (registry.TargetKind, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == ids.Nil {
		return registry.KindRoot, true, nil
	}
	if _, ok := s.managers[id]; ok {
		return registry.KindManager, true, nil
	}
	if _, ok := s.streams[id]; ok {
		return registry.KindStream, true, nil
	}
	if _, ok := s.objects[id]; ok {
		return registry.KindObject, true, nil
	}
	return 0, false, nil
}

func (s *Store) GetManager(_ context.Context, id ids.ID) (registry.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.managers[id]
	if !ok {
		return registry.Manager{}, registry.ErrNoSuchObject("no such manager")
	}
	return m, nil
}

func (s *Store) GetStream(_ context.Context, id ids.ID) (registry.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return registry.Stream{}, registry.ErrNoSuchObject("no such stream")
	}
	return st, nil
}

func (s *Store) GetObject(_ context.Context, id ids.ID) (registry.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return registry.Object{}, registry.ErrNoSuchObject("no such object")
	}
	o.Versions = cloneVersions(o.Versions)
	return o, nil
}

func (s *Store) ListManagers(_ context.Context, parent ids.ID) ([]registry.Manager, error) {
	if parent != ids.Nil {
		return nil, registry.ErrNotImplemented("listing managers under a non-root parent")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.Manager, 0, len(s.managers))
	for _, m := range s.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (s *Store) ListStreams(_ context.Context, managerID ids.ID) ([]registry.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registry.Stream
	for _, st := range s.streams {
		if st.ManagerID == managerID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.Before(out[j].RegisteredAt) })
	return out, nil
}

func (s *Store) ListObjects(_ context.Context, streamID ids.ID) ([]registry.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registry.Object
	for _, o := range s.objects {
		if o.StreamID == streamID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DiscoveredAt.Before(out[j].DiscoveredAt) })
	return out, nil
}

func (s *Store) AllStreams(_ context.Context) ([]registry.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) AllObjects(_ context.Context) ([]registry.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]registry.Object, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) LookupByCookie(_ context.Context, parent ids.ID, cookie string) (ids.ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parent == ids.Nil {
		for _, m := range s.managers {
			if m.Cookie == cookie {
				return m.ID, true, nil
			}
		}
		return ids.Nil, false, nil
	}
	if _, ok := s.managers[parent]; ok {
		for _, st := range s.streams {
			if st.ManagerID == parent && st.Cookie == cookie {
				return st.ID, true, nil
			}
		}
		return ids.Nil, false, nil
	}
	if _, ok := s.streams[parent]; ok {
		for _, o := range s.objects {
			if o.StreamID == parent && o.Cookie == cookie {
				return o.ID, true, nil
			}
		}
		return ids.Nil, false, nil
	}
	return ids.Nil, false, registry.ErrNoSuchObject("no such parent")
}

func (s *Store) Unregister(_ context.Context, target ids.ID, onlyIfEmpty bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.managers[target]; ok {
		if onlyIfEmpty {
			for _, st := range s.streams {
				if st.ManagerID == target {
					return registry.ErrObjectExists("target has descendants")
				}
			}
		} else {
			for id, st := range s.streams {
				if st.ManagerID == target {
					s.deleteStreamLocked(id)
				}
			}
		}
		delete(s.managers, target)
		s.publishLocked(registry.Change{Kind: registry.ChangeUnregistered, Target: target})
		return nil
	}
	if _, ok := s.streams[target]; ok {
		if onlyIfEmpty {
			for _, o := range s.objects {
				if o.StreamID == target {
					return registry.ErrObjectExists("target has descendants")
				}
			}
		}
		s.deleteStreamLocked(target)
		s.publishLocked(registry.Change{Kind: registry.ChangeUnregistered, Target: target})
		return nil
	}
	if _, ok := s.objects[target]; ok {
		delete(s.objects, target)
		delete(s.objectStatus, target)
		delete(s.objectUse, target)
		s.publishLocked(registry.Change{Kind: registry.ChangeUnregistered, Target: target})
		return nil
	}
	return registry.ErrNoSuchObject("no such target")
}

// deleteStreamLocked removes a stream and everything under it. Caller
// must hold s.mu.
func (s *Store) deleteStreamLocked(streamID ids.ID) {
	for id, o := range s.objects {
		if o.StreamID == streamID {
			delete(s.objects, id)
			delete(s.objectStatus, id)
			delete(s.objectUse, id)
		}
	}
	delete(s.streams, streamID)
	delete(s.streamUpdates, streamID)
}

func (s *Store) PropertyGet(ctx context.Context, target ids.ID, name string) (registry.Value, error) {
	kind, ok, err := s.TargetKind(ctx, target)
	if err != nil {
		return registry.Value{}, err
	}
	if !ok {
		return registry.Value{}, registry.ErrNoSuchObject("no such target")
	}
	if _, ok := registry.Describe(kind, name); !ok {
		return registry.Value{}, registry.ErrInvalidArgs("unknown property: " + name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case registry.KindManager:
		return managerProperty(s.managers[target], name)
	case registry.KindStream:
		return streamProperty(s.streams[target], name)
	case registry.KindObject:
		return objectProperty(s.objects[target], name)
	}
	return registry.Value{}, registry.ErrInvalidArgs("root has no properties")
}

func managerProperty(m registry.Manager, name string) (registry.Value, error) {
	switch name {
	case "UUID":
		return registry.StringValue(m.ID.String()), nil
	case "HumanReadableName":
		return registry.StringValue(m.Name), nil
	case "Cookie":
		return registry.StringValue(m.Cookie), nil
	case "Priority":
		return registry.Int32Value(m.Priority), nil
	case "TransportHint":
		return registry.StringValue(m.TransportHint), nil
	case "DiscoveredTime":
		return registry.Int64Value(m.DiscoveredAt.UnixMilli()), nil
	case "PublishedTime":
		return registry.Int64Value(m.PublishedAt.UnixMilli()), nil
	case "RegistrationTime":
		return registry.Int64Value(m.RegisteredAt.UnixMilli()), nil
	}
	return registry.Value{}, registry.ErrInvalidArgs("unknown manager property: " + name)
}

func streamProperty(st registry.Stream, name string) (registry.Value, error) {
	switch name {
	case "UUID":
		return registry.StringValue(st.ID.String()), nil
	case "HumanReadableName":
		return registry.StringValue(st.Name), nil
	case "Cookie":
		return registry.StringValue(st.Cookie), nil
	case "Priority":
		return registry.Int32Value(st.Priority), nil
	case "Freshness":
		return registry.Uint32Value(st.Freshness), nil
	case "ObjectsMostlyInline":
		return registry.BoolValue(st.ObjectsMostlyInline), nil
	case "Instance":
		return registry.Uint64Value(st.Instance), nil
	case "RegistrationTime":
		return registry.Int64Value(st.RegisteredAt.UnixMilli()), nil
	}
	return registry.Value{}, registry.ErrInvalidArgs("unknown stream property: " + name)
}

func objectProperty(o registry.Object, name string) (registry.Value, error) {
	switch name {
	case "UUID":
		return registry.StringValue(o.ID.String()), nil
	case "HumanReadableName":
		return registry.StringValue(o.Name), nil
	case "Cookie":
		return registry.StringValue(o.Cookie), nil
	case "Versions":
		return registry.VersionsValue(cloneVersions(o.Versions)), nil
	case "Filename":
		return registry.StringValue(o.Filename), nil
	case "Wakeup":
		return registry.BoolValue(o.Wakeup), nil
	case "TriggerTarget":
		return registry.Int64Value(derefI64(o.TriggerTarget)), nil
	case "TriggerEarliest":
		return registry.Int64Value(derefI64(o.TriggerEarliest)), nil
	case "TriggerLatest":
		return registry.Int64Value(derefI64(o.TriggerLatest)), nil
	case "TransferFrequency":
		return registry.Uint32Value(o.TransferFrequency), nil
	case "DontTransfer":
		return registry.BoolValue(o.DontTransfer), nil
	case "NeedUpdate":
		return registry.BoolValue(o.NeedUpdate), nil
	case "Priority":
		return registry.Int32Value(o.Priority), nil
	case "DiscoveredTime":
		return registry.Int64Value(o.DiscoveredAt.UnixMilli()), nil
	case "PublishedTime":
		return registry.Int64Value(o.PublishedAt.UnixMilli()), nil
	case "Instance":
		return registry.Uint64Value(o.Instance), nil
	}
	return registry.Value{}, registry.ErrInvalidArgs("unknown object property: " + name)
}

func derefI64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func (s *Store) PropertySet(ctx context.Context, target ids.ID, name string, value registry.Value) error {
	kind, ok, err := s.TargetKind(ctx, target)
	if err != nil {
		return err
	}
	if !ok {
		return registry.ErrNoSuchObject("no such target")
	}
	if err := registry.ValidateSet(kind, name, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case registry.KindManager:
		m := s.managers[target]
		switch name {
		case "HumanReadableName":
			m.Name = value.Str
		case "Cookie":
			m.Cookie = value.Str
		case "Priority":
			m.Priority = value.I32
		case "TransportHint":
			m.TransportHint = value.Str
		}
		s.managers[target] = m
	case registry.KindStream:
		st := s.streams[target]
		switch name {
		case "HumanReadableName":
			st.Name = value.Str
		case "Cookie":
			st.Cookie = value.Str
		case "Priority":
			st.Priority = value.I32
		case "Freshness":
			st.Freshness = value.U32
		case "ObjectsMostlyInline":
			st.ObjectsMostlyInline = value.Bool
		}
		s.streams[target] = st
	case registry.KindObject:
		o := s.objects[target]
		switch name {
		case "HumanReadableName":
			o.Name = value.Str
		case "Cookie":
			o.Cookie = value.Str
		case "Versions":
			o.Versions = cloneVersions(value.Versions)
		case "Filename":
			o.Filename = value.Str
		case "Wakeup":
			o.Wakeup = value.Bool
		case "TriggerTarget":
			v := value.I64
			o.TriggerTarget = &v
		case "TriggerEarliest":
			v := value.I64
			o.TriggerEarliest = &v
		case "TriggerLatest":
			v := value.I64
			o.TriggerLatest = &v
		case "TransferFrequency":
			o.TransferFrequency = value.U32
		case "DontTransfer":
			o.DontTransfer = value.Bool
		case "NeedUpdate":
			o.NeedUpdate = value.Bool
		case "Priority":
			o.Priority = value.I32
		}
		if name == "TriggerTarget" || name == "TriggerEarliest" || name == "TriggerLatest" {
			if err := registry.ValidateTriggerOrdering(o.TriggerEarliest, o.TriggerTarget, o.TriggerLatest); err != nil {
				return err
			}
		}
		s.objects[target] = o
	}
	s.publishLocked(registry.Change{Kind: registry.ChangePropertySet, Target: target})
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, streamID ids.ID, rec registry.StreamUpdateRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return 0, registry.ErrNoSuchObject("no such stream")
	}
	st.Instance++
	rec.Instance = st.Instance
	s.streams[streamID] = st
	s.streamUpdates[streamID] = append(s.streamUpdates[streamID], rec)
	s.publishLocked(registry.Change{Kind: registry.ChangeStreamStatus, Target: streamID})
	return st.Instance, nil
}

func (s *Store) TransferStatus(_ context.Context, objectID ids.ID, rec registry.ObjectInstanceStatusRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[objectID]
	if !ok {
		return 0, registry.ErrNoSuchObject("no such object")
	}
	o.Instance++
	o.NeedUpdate = false
	rec.Instance = o.Instance
	s.objects[objectID] = o
	s.objectStatus[objectID] = append(s.objectStatus[objectID], rec)
	s.publishLocked(registry.Change{Kind: registry.ChangeObjectStatus, Target: objectID})
	return o.Instance, nil
}

func (s *Store) Used(_ context.Context, objectID ids.ID, rec registry.ObjectUseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[objectID]; !ok {
		return registry.ErrNoSuchObject("no such object")
	}
	s.objectUse[objectID] = append(s.objectUse[objectID], rec)
	return nil
}

func (s *Store) FilesDeleted(_ context.Context, objectID ids.ID, action registry.FileAction, arg int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.objectStatus[objectID]
	if len(hist) == 0 {
		return registry.ErrNoSuchObject("object has no transfer history")
	}
	last := &hist[len(hist)-1]
	switch action {
	case registry.FileActionDeleted:
		last.Deleted = true
	case registry.FileActionCompressed:
		last.CompressedSize = arg
	case registry.FileActionRefused:
		last.PreserveUntil = now.Add(time.Duration(arg) * time.Second)
	default:
		return registry.ErrInvalidArgs("unknown file action")
	}
	return nil
}

func (s *Store) LastStreamUpdate(_ context.Context, streamID ids.ID) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, rec := range s.streamUpdates[streamID] {
		if rec.Status == 0 && rec.TransferTime.After(last) {
			last = rec.TransferTime
		}
	}
	return last, nil
}

func (s *Store) LastObjectAttempt(_ context.Context, objectID ids.ID) (time.Time, int32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.objectStatus[objectID]
	if len(hist) == 0 {
		return time.Time{}, 0, false, nil
	}
	last := hist[len(hist)-1]
	return last.TransferTime, last.Status, true, nil
}

func (s *Store) LatestObjectStatus(_ context.Context, objectID ids.ID) (registry.ObjectInstanceStatusRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.objectStatus[objectID]
	if len(hist) == 0 {
		return registry.ObjectInstanceStatusRecord{}, false, nil
	}
	return hist[len(hist)-1], true, nil
}

func (s *Store) SubscriptionPut(_ context.Context, sub registry.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.Handle] = sub
	s.publishLocked(registry.Change{Kind: registry.ChangeSubscriptionCreated, Target: sub.ManagerID})
	return nil
}

func (s *Store) SubscriptionDelete(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, handle)
	return nil
}

func (s *Store) SubscriptionsByManager(_ context.Context, managerID ids.ID) ([]registry.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []registry.Subscription
	for _, sub := range s.subs {
		if sub.ManagerID == managerID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *Store) Lock(_ context.Context, executable string, pid int, _ time.Time) (bool, int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked && (s.lockPID != pid || s.lockExe != executable) {
		return false, s.lockPID, s.lockExe, nil
	}
	s.locked, s.lockPID, s.lockExe = true, pid, executable
	return true, pid, executable, nil
}

func (s *Store) Unlock(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
	return nil
}

var _ registry.Store = (*Store)(nil)
