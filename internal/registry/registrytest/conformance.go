// Package registrytest is a conformance suite run against every
// registry.Store implementation, following the teacher's storetest
// pattern of a shared Run(t, factory) entry point invoked once per
// backend from each package's own _test.go file.
package registrytest

import (
	"context"
	"testing"
	"time"

	"murmeltier/internal/ids"
	"murmeltier/internal/registry"
)

// Run exercises every Store method against a freshly created backend.
// newStore must return an empty store; Run does not close it.
func Run(t *testing.T, newStore func(t *testing.T) registry.Store) {
	t.Helper()
	t.Run("ManagerLifecycle", func(t *testing.T) { testManagerLifecycle(t, newStore(t)) })
	t.Run("StreamLifecycle", func(t *testing.T) { testStreamLifecycle(t, newStore(t)) })
	t.Run("ObjectLifecycle", func(t *testing.T) { testObjectLifecycle(t, newStore(t)) })
	t.Run("CookieUniqueness", func(t *testing.T) { testCookieUniqueness(t, newStore(t)) })
	t.Run("Properties", func(t *testing.T) { testProperties(t, newStore(t)) })
	t.Run("StatusHistory", func(t *testing.T) { testStatusHistory(t, newStore(t)) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newStore(t)) })
	t.Run("Lock", func(t *testing.T) { testLock(t, newStore(t)) })
	t.Run("ChangeNotification", func(t *testing.T) { testChangeNotification(t, newStore(t)) })
}

func testManagerLifecycle(t *testing.T, s registry.Store) {
	ctx := context.Background()
	id, err := s.ManagerRegister(ctx, registry.Properties{"HumanReadableName": registry.StringValue("phone")}, false)
	if err != nil {
		t.Fatalf("ManagerRegister: %v", err)
	}
	m, err := s.GetManager(ctx, id)
	if err != nil {
		t.Fatalf("GetManager: %v", err)
	}
	if m.Name != "phone" {
		t.Fatalf("Name = %q, want phone", m.Name)
	}
	kind, ok, err := s.TargetKind(ctx, id)
	if err != nil || !ok || kind != registry.KindManager {
		t.Fatalf("TargetKind = %v, %v, %v", kind, ok, err)
	}
	list, err := s.ListManagers(ctx, ids.Nil)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListManagers = %v, %v", list, err)
	}
	if err := s.Unregister(ctx, id, false); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := s.GetManager(ctx, id); registry.CodeOf(err) != registry.CodeNoSuchObject {
		t.Fatalf("GetManager after delete: %v", err)
	}
}

func testStreamLifecycle(t *testing.T, s registry.Store) {
	ctx := context.Background()
	mgr, err := s.ManagerRegister(ctx, registry.Properties{}, false)
	if err != nil {
		t.Fatalf("ManagerRegister: %v", err)
	}
	streamID, err := s.StreamRegister(ctx, mgr, registry.Properties{"HumanReadableName": registry.StringValue("photos")}, false)
	if err != nil {
		t.Fatalf("StreamRegister: %v", err)
	}
	st, err := s.GetStream(ctx, streamID)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if st.ManagerID != mgr {
		t.Fatalf("ManagerID = %v, want %v", st.ManagerID, mgr)
	}
	if _, err := s.StreamRegister(ctx, ids.New(), registry.Properties{}, false); registry.CodeOf(err) != registry.CodeNoSuchObject {
		t.Fatalf("StreamRegister under unknown manager: %v", err)
	}
	// Unregister with onlyIfEmpty must fail once it has an object.
	obj, err := s.ObjectRegister(ctx, streamID, registry.Properties{}, false)
	if err != nil {
		t.Fatalf("ObjectRegister: %v", err)
	}
	if err := s.Unregister(ctx, streamID, true); registry.CodeOf(err) != registry.CodeObjectExists {
		t.Fatalf("Unregister onlyIfEmpty with child present: %v", err)
	}
	if err := s.Unregister(ctx, streamID, false); err != nil {
		t.Fatalf("Unregister cascade: %v", err)
	}
	if _, err := s.GetObject(ctx, obj); registry.CodeOf(err) != registry.CodeNoSuchObject {
		t.Fatalf("child object should be gone after cascade: %v", err)
	}
}

func testObjectLifecycle(t *testing.T, s registry.Store) {
	ctx := context.Background()
	mgr, _ := s.ManagerRegister(ctx, registry.Properties{}, false)
	streamID, _ := s.StreamRegister(ctx, mgr, registry.Properties{}, false)
	versions := []registry.Version{{URL: "https://example.invalid/a", ExpectedSize: 1024, Utility: 5}}
	objID, err := s.ObjectRegister(ctx, streamID, registry.Properties{
		"HumanReadableName": registry.StringValue("IMG_0001.jpg"),
		"Versions":          registry.VersionsValue(versions),
	}, false)
	if err != nil {
		t.Fatalf("ObjectRegister: %v", err)
	}
	o, err := s.GetObject(ctx, objID)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if len(o.Versions) != 1 || o.Versions[0].URL != versions[0].URL {
		t.Fatalf("Versions = %+v", o.Versions)
	}
	if !o.NeedUpdate {
		t.Fatalf("newly registered object should have NeedUpdate = true")
	}
	list, err := s.ListObjects(ctx, streamID)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListObjects = %v, %v", list, err)
	}
}

func testCookieUniqueness(t *testing.T, s registry.Store) {
	ctx := context.Background()
	if _, err := s.ManagerRegister(ctx, registry.Properties{"Cookie": registry.StringValue("device-1")}, true); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := s.ManagerRegister(ctx, registry.Properties{"Cookie": registry.StringValue("device-1")}, true); registry.CodeOf(err) != registry.CodeObjectExists {
		t.Fatalf("duplicate cookie with onlyIfCookieUnique = %v, want ObjectExists", err)
	}
	if _, err := s.ManagerRegister(ctx, registry.Properties{"Cookie": registry.StringValue("device-1")}, false); err != nil {
		t.Fatalf("duplicate cookie without uniqueness check: %v", err)
	}
}

func testProperties(t *testing.T, s registry.Store) {
	ctx := context.Background()
	mgr, _ := s.ManagerRegister(ctx, registry.Properties{"HumanReadableName": registry.StringValue("phone")}, false)

	v, err := s.PropertyGet(ctx, mgr, "HumanReadableName")
	if err != nil || v.Str != "phone" {
		t.Fatalf("PropertyGet = %+v, %v", v, err)
	}
	if err := s.PropertySet(ctx, mgr, "HumanReadableName", registry.StringValue("tablet")); err != nil {
		t.Fatalf("PropertySet: %v", err)
	}
	v, _ = s.PropertyGet(ctx, mgr, "HumanReadableName")
	if v.Str != "tablet" {
		t.Fatalf("after set, got %q", v.Str)
	}
	if err := s.PropertySet(ctx, mgr, "UUID", registry.StringValue("nope")); registry.CodeOf(err) != registry.CodeInvalidArgs {
		t.Fatalf("setting read-only property: %v", err)
	}
	if err := s.PropertySet(ctx, mgr, "DoesNotExist", registry.StringValue("x")); registry.CodeOf(err) != registry.CodeInvalidArgs {
		t.Fatalf("setting unknown property: %v", err)
	}
	if err := s.PropertySet(ctx, mgr, "Priority", registry.StringValue("wrong-type")); registry.CodeOf(err) != registry.CodeInvalidArgs {
		t.Fatalf("setting wrong-typed property: %v", err)
	}

	streamID, _ := s.StreamRegister(ctx, mgr, registry.Properties{}, false)
	objID, _ := s.ObjectRegister(ctx, streamID, registry.Properties{}, false)
	if err := s.PropertySet(ctx, objID, "TriggerEarliest", registry.Int64Value(100)); err != nil {
		t.Fatalf("PropertySet TriggerEarliest: %v", err)
	}
	if err := s.PropertySet(ctx, objID, "TriggerLatest", registry.Int64Value(200)); err != nil {
		t.Fatalf("PropertySet TriggerLatest: %v", err)
	}
	if err := s.PropertySet(ctx, objID, "TriggerTarget", registry.Int64Value(150)); err != nil {
		t.Fatalf("PropertySet TriggerTarget within [earliest, latest]: %v", err)
	}
	// TriggerEarliest <= TriggerTarget <= TriggerLatest (spec §3 invariant 3):
	// a target outside the already-set [earliest, latest] window is rejected.
	if err := s.PropertySet(ctx, objID, "TriggerTarget", registry.Int64Value(201)); registry.CodeOf(err) != registry.CodeInvalidArgs {
		t.Fatalf("TriggerTarget past TriggerLatest should be InvalidArgs, got: %v", err)
	}
	if err := s.PropertySet(ctx, objID, "TriggerTarget", registry.Int64Value(99)); registry.CodeOf(err) != registry.CodeInvalidArgs {
		t.Fatalf("TriggerTarget before TriggerEarliest should be InvalidArgs, got: %v", err)
	}
	if err := s.PropertySet(ctx, objID, "TriggerEarliest", registry.Int64Value(151)); registry.CodeOf(err) != registry.CodeInvalidArgs {
		t.Fatalf("TriggerEarliest past the current TriggerTarget should be InvalidArgs, got: %v", err)
	}
	v, _ = s.PropertyGet(ctx, objID, "TriggerTarget")
	if v.I64 != 150 {
		t.Fatalf("TriggerTarget should still be 150 after rejected writes, got %v", v.I64)
	}
}

func testStatusHistory(t *testing.T, s registry.Store) {
	ctx := context.Background()
	mgr, _ := s.ManagerRegister(ctx, registry.Properties{}, false)
	streamID, _ := s.StreamRegister(ctx, mgr, registry.Properties{}, false)
	objID, _ := s.ObjectRegister(ctx, streamID, registry.Properties{}, false)

	now := time.Now()
	inst, err := s.UpdateStatus(ctx, streamID, registry.StreamUpdateRecord{Status: 0, TransferTime: now})
	if err != nil || inst != 1 {
		t.Fatalf("UpdateStatus = %v, %v", inst, err)
	}
	last, err := s.LastStreamUpdate(ctx, streamID)
	if err != nil || last.IsZero() {
		t.Fatalf("LastStreamUpdate = %v, %v", last, err)
	}

	inst, err = s.TransferStatus(ctx, objID, registry.ObjectInstanceStatusRecord{Status: 0, TransferTime: now, ObjectSize: 99})
	if err != nil || inst != 1 {
		t.Fatalf("TransferStatus = %v, %v", inst, err)
	}
	o, err := s.GetObject(ctx, objID)
	if err != nil || o.NeedUpdate {
		t.Fatalf("NeedUpdate should be cleared after TransferStatus: %+v, %v", o, err)
	}
	t2, status, found, err := s.LastObjectAttempt(ctx, objID)
	if err != nil || !found || status != 0 || t2.IsZero() {
		t.Fatalf("LastObjectAttempt = %v, %v, %v, %v", t2, status, found, err)
	}

	if err := s.Used(ctx, objID, registry.ObjectUseRecord{Start: now, UseMask: 1}); err != nil {
		t.Fatalf("Used: %v", err)
	}
	if err := s.FilesDeleted(ctx, objID, registry.FileActionDeleted, 0, now); err != nil {
		t.Fatalf("FilesDeleted: %v", err)
	}
	if err := s.FilesDeleted(ctx, ids.New(), registry.FileActionDeleted, 0, now); registry.CodeOf(err) != registry.CodeNoSuchObject {
		t.Fatalf("FilesDeleted on object with no history: %v", err)
	}

	// arg is a count of seconds (spec: FilesDeleted(O, REFUSED, 86400) at
	// now=T sets preserve_until = T+86400s), not nanoseconds.
	if err := s.FilesDeleted(ctx, objID, registry.FileActionRefused, 86400, now); err != nil {
		t.Fatalf("FilesDeleted(Refused): %v", err)
	}
	rec, found, err := s.LatestObjectStatus(ctx, objID)
	if err != nil || !found {
		t.Fatalf("LatestObjectStatus = %+v, %v, %v", rec, found, err)
	}
	wantPreserve := now.Add(86400 * time.Second)
	if diff := rec.PreserveUntil.Sub(wantPreserve); diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("PreserveUntil = %v, want ~%v (diff %v, a seconds/nanoseconds unit bug would show as ~1e9x off)",
			rec.PreserveUntil, wantPreserve, diff)
	}
}

func testSubscriptions(t *testing.T, s registry.Store) {
	ctx := context.Background()
	mgr, _ := s.ManagerRegister(ctx, registry.Properties{}, false)
	sub := registry.Subscription{Handle: "sub-1", ManagerID: mgr, ClientEndpoint: "unix:/tmp/x", DescendantsToo: true}
	if err := s.SubscriptionPut(ctx, sub); err != nil {
		t.Fatalf("SubscriptionPut: %v", err)
	}
	list, err := s.SubscriptionsByManager(ctx, mgr)
	if err != nil || len(list) != 1 || list[0].Handle != "sub-1" {
		t.Fatalf("SubscriptionsByManager = %v, %v", list, err)
	}
	if err := s.SubscriptionDelete(ctx, "sub-1"); err != nil {
		t.Fatalf("SubscriptionDelete: %v", err)
	}
	list, _ = s.SubscriptionsByManager(ctx, mgr)
	if len(list) != 0 {
		t.Fatalf("subscription should be gone, got %v", list)
	}
}

func testLock(t *testing.T, s registry.Store) {
	ctx := context.Background()
	now := time.Now()
	ok, _, _, err := s.Lock(ctx, "murmeltierd", 100, now)
	if err != nil || !ok {
		t.Fatalf("first Lock = %v, %v", ok, err)
	}
	ok, holderPID, holderExe, err := s.Lock(ctx, "murmeltierd", 200, now)
	if err != nil || ok {
		t.Fatalf("second Lock should fail, got %v, %v", ok, err)
	}
	if holderPID != 100 || holderExe != "murmeltierd" {
		t.Fatalf("holder = %d/%s, want 100/murmeltierd", holderPID, holderExe)
	}
	if err := s.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	ok, _, _, err = s.Lock(ctx, "murmeltierd", 200, now)
	if err != nil || !ok {
		t.Fatalf("Lock after Unlock = %v, %v", ok, err)
	}
}

func testChangeNotification(t *testing.T, s registry.Store) {
	ctx := context.Background()
	var got []registry.Change
	cancel := s.OnChange(func(c registry.Change) { got = append(got, c) })
	defer cancel()

	mgr, _ := s.ManagerRegister(ctx, registry.Properties{}, false)
	if len(got) != 1 || got[0].Kind != registry.ChangeManagerRegistered {
		t.Fatalf("expected ManagerRegistered notification, got %v", got)
	}
	cancel()
	s.StreamRegister(ctx, mgr, registry.Properties{}, false)
	if len(got) != 1 {
		t.Fatalf("notification fired after cancel: %v", got)
	}
}
