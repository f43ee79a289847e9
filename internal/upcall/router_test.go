package upcall

import (
	"context"
	"sync"
	"testing"

	"murmeltier/internal/ids"
	"murmeltier/internal/registry"
	"murmeltier/internal/registry/memory"
)

type fakeClient struct {
	mu        sync.Mutex
	streamUps int
	transfers int
	lastObj   string
}

func (c *fakeClient) StreamUpdate(ctx context.Context, mgrUUID, mgrCookie, streamUUID, streamCookie string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamUps++
	return nil
}

func (c *fakeClient) TransferObject(ctx context.Context, mgrUUID, mgrCookie, streamUUID, streamCookie string,
	objUUID, objCookie string, versions []registry.Version, filename string, quality uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers++
	c.lastObj = objUUID
	return nil
}

func (c *fakeClient) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamUps, c.transfers
}

type fakeStartHint struct {
	mu     sync.Mutex
	client Client
	calls  int
}

func (f *fakeStartHint) Start(ctx context.Context, hint string) (Client, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.client == nil {
		return nil, false, nil
	}
	return f.client, true, nil
}

func newTestManager(t *testing.T, store registry.Store, hint string) ids.ID {
	t.Helper()
	id, err := store.ManagerRegister(context.Background(), registry.Properties{
		"HumanReadableName": registry.StringValue("Reader"),
		"TransportHint":     registry.StringValue(hint),
	}, false)
	if err != nil {
		t.Fatalf("ManagerRegister: %v", err)
	}
	return id
}

func TestRouterDeliversToSubscriber(t *testing.T) {
	store := memory.New()
	defer store.Close()
	mgr := newTestManager(t, store, "")

	r := New(store, nil, nil)
	client := &fakeClient{}
	handle, err := r.FeedbackSubscribe(context.Background(), "C", client, mgr, false)
	if err != nil {
		t.Fatalf("FeedbackSubscribe: %v", err)
	}
	if handle != "C.0" {
		t.Fatalf("handle = %q, want C.0", handle)
	}

	r.Deliver(context.Background(), Upcall{Kind: KindStreamUpdate, ManagerID: mgr, ManagerUUID: mgr.String()})
	if up, _ := client.counts(); up != 1 {
		t.Fatalf("StreamUpdate deliveries = %d, want 1", up)
	}
}

func TestRouterFallsBackToStartHintWhenNoSubscriber(t *testing.T) {
	store := memory.New()
	defer store.Close()
	mgr := newTestManager(t, store, "com.example.Reader")

	hintClient := &fakeClient{}
	hint := &fakeStartHint{client: hintClient}
	r := New(store, hint, nil)

	r.Deliver(context.Background(), Upcall{Kind: KindStreamUpdate, ManagerID: mgr, ManagerUUID: mgr.String()})
	if hint.calls != 1 {
		t.Fatalf("start hint calls = %d, want 1", hint.calls)
	}
	if up, _ := hintClient.counts(); up != 1 {
		t.Fatalf("StreamUpdate deliveries = %d, want 1", up)
	}
}

func TestRouterDropsSilentlyWithNoSubscriberAndNoHint(t *testing.T) {
	store := memory.New()
	defer store.Close()
	mgr := newTestManager(t, store, "")

	r := New(store, nil, nil)
	// Should not panic or error; nothing to assert but absence of a subscriber.
	r.Deliver(context.Background(), Upcall{Kind: KindStreamUpdate, ManagerID: mgr, ManagerUUID: mgr.String()})
}

func TestRouterUnsubscribeRemovesFromAllIndexes(t *testing.T) {
	store := memory.New()
	defer store.Close()
	mgr := newTestManager(t, store, "")

	r := New(store, nil, nil)
	client := &fakeClient{}
	handle, err := r.FeedbackSubscribe(context.Background(), "C", client, mgr, false)
	if err != nil {
		t.Fatalf("FeedbackSubscribe: %v", err)
	}

	if err := r.FeedbackUnsubscribe(context.Background(), "C", mgr, handle); err != nil {
		t.Fatalf("FeedbackUnsubscribe: %v", err)
	}
	if _, ok := r.byHandle[handle]; ok {
		t.Fatal("handle still present in byHandle after unsubscribe")
	}
	if len(r.byManager[mgr]) != 0 {
		t.Fatal("manager index not cleared after unsubscribe")
	}
	if len(r.byEndpoint["C"]) != 0 {
		t.Fatal("endpoint index not cleared after unsubscribe")
	}

	if err := r.FeedbackUnsubscribe(context.Background(), "C", mgr, handle); registry.CodeOf(err) != registry.CodeNoSuchObject {
		t.Fatalf("second unsubscribe error = %v, want NoSuchObject", err)
	}
}

func TestRouterDisconnectEndpointCascades(t *testing.T) {
	store := memory.New()
	defer store.Close()
	mgr1 := newTestManager(t, store, "")
	mgr2 := newTestManager(t, store, "")

	r := New(store, nil, nil)
	client := &fakeClient{}
	if _, err := r.FeedbackSubscribe(context.Background(), "C", client, mgr1, false); err != nil {
		t.Fatalf("FeedbackSubscribe: %v", err)
	}
	if _, err := r.FeedbackSubscribe(context.Background(), "C", client, mgr2, false); err != nil {
		t.Fatalf("FeedbackSubscribe: %v", err)
	}

	done := r.Disconnected()
	removed := r.DisconnectEndpoint(context.Background(), "C")
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	select {
	case <-done:
	default:
		t.Fatal("Disconnected() channel was not closed after DisconnectEndpoint")
	}
	if len(r.byManager[mgr1]) != 0 || len(r.byManager[mgr2]) != 0 {
		t.Fatal("manager indexes not cleared by DisconnectEndpoint")
	}
}

func TestRouterDescendantsTooNotImplemented(t *testing.T) {
	store := memory.New()
	defer store.Close()
	mgr := newTestManager(t, store, "")

	r := New(store, nil, nil)
	_, err := r.FeedbackSubscribe(context.Background(), "C", &fakeClient{}, mgr, true)
	if registry.CodeOf(err) != registry.CodeNotImplemented {
		t.Fatalf("error = %v, want NotImplemented", err)
	}
}
