package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"murmeltier/internal/registry"
	"murmeltier/internal/registry/memory"
	"murmeltier/internal/upcall"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	router := upcall.New(store, nil, nil)
	srv := httptest.NewServer(NewServer(New(store, router, nil), nil))
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(buf)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func TestManagerRegisterAndList(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/managers", registerRequest{
		Properties: map[string]string{"HumanReadableName": "Reader", "Cookie": "reader-app"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ManagerRegister status = %d", resp.StatusCode)
	}
	var created idResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.UUID == "" {
		t.Fatal("empty uuid returned")
	}

	listResp, err := http.Get(srv.URL + "/managers")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer listResp.Body.Close()
	var mgrs []registry.Manager
	if err := json.NewDecoder(listResp.Body).Decode(&mgrs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(mgrs) != 1 || mgrs[0].ID.String() != created.UUID {
		t.Fatalf("ListManagers = %+v, want one manager with uuid %s", mgrs, created.UUID)
	}
}

func TestManagerRegisterCookieCollisionIsObjectExists(t *testing.T) {
	srv, _ := newTestServer(t)

	body := registerRequest{
		Properties:         map[string]string{"HumanReadableName": "Reader", "Cookie": "dup"},
		OnlyIfCookieUnique: true,
	}
	first := doJSON(t, http.MethodPost, srv.URL+"/managers", body)
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first register status = %d", first.StatusCode)
	}

	second := doJSON(t, http.MethodPost, srv.URL+"/managers", body)
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second register status = %d, want 409", second.StatusCode)
	}
	var errResp errorResponse
	if err := json.NewDecoder(second.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errResp.Code != "ObjectExists" {
		t.Fatalf("error code = %q, want ObjectExists", errResp.Code)
	}
}

func TestGetSetProperty(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	mgrID, err := store.ManagerRegister(ctx, registry.Properties{
		"HumanReadableName": registry.StringValue("Reader"),
	}, false)
	if err != nil {
		t.Fatalf("ManagerRegister: %v", err)
	}

	setResp := doJSON(t, http.MethodPut, srv.URL+"/managers/"+mgrID.String()+"/properties/Priority", setRequest{Value: "5"})
	setResp.Body.Close()
	if setResp.StatusCode != http.StatusNoContent {
		t.Fatalf("Set status = %d", setResp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/managers/" + mgrID.String() + "/properties/Priority")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer getResp.Body.Close()
	var wire map[string]any
	if err := json.NewDecoder(getResp.Body).Decode(&wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wire["type"] != "int32" || wire["value"].(float64) != 5 {
		t.Fatalf("Get Priority = %+v, want int32 5", wire)
	}
}

func TestSetReadOnlyPropertyIsInvalidArgs(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	mgrID, err := store.ManagerRegister(ctx, registry.Properties{
		"HumanReadableName": registry.StringValue("Reader"),
	}, false)
	if err != nil {
		t.Fatalf("ManagerRegister: %v", err)
	}

	resp := doJSON(t, http.MethodPut, srv.URL+"/managers/"+mgrID.String()+"/properties/UUID", setRequest{Value: "x"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnknownManagerIsNoSuchObject(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/managers/00000000000000000000000000000000/streams")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (well-formed id, no such manager)", resp.StatusCode)
	}
}

func TestStreamRegisterUnderManager(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	mgrID, err := store.ManagerRegister(ctx, registry.Properties{
		"HumanReadableName": registry.StringValue("Reader"),
	}, false)
	if err != nil {
		t.Fatalf("ManagerRegister: %v", err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/managers/"+mgrID.String()+"/streams", registerRequest{
		Properties: map[string]string{"HumanReadableName": "Feed", "Freshness": "3600"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("StreamRegister status = %d", resp.StatusCode)
	}

	listResp, err := http.Get(srv.URL + "/managers/" + mgrID.String() + "/streams")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer listResp.Body.Close()
	var streams []registry.Stream
	if err := json.NewDecoder(listResp.Body).Decode(&streams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(streams) != 1 || streams[0].Freshness != 3600 {
		t.Fatalf("ListStreams = %+v, want one stream with Freshness 3600", streams)
	}
}

func TestFeedbackSubscribeUnsubscribe(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	mgrID, err := store.ManagerRegister(ctx, registry.Properties{
		"HumanReadableName": registry.StringValue("Reader"),
	}, false)
	if err != nil {
		t.Fatalf("ManagerRegister: %v", err)
	}

	subResp := doJSON(t, http.MethodPost, srv.URL+"/managers/"+mgrID.String()+"/subscriptions", subscribeRequest{
		Sender: "client-a",
	})
	defer subResp.Body.Close()
	if subResp.StatusCode != http.StatusCreated {
		t.Fatalf("subscribe status = %d", subResp.StatusCode)
	}
	var sub handleResponse
	if err := json.NewDecoder(subResp.Body).Decode(&sub); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub.Handle == "" {
		t.Fatal("empty handle returned")
	}

	delResp, err := http.DefaultClient.Do(mustRequest(t, http.MethodDelete,
		srv.URL+"/managers/"+mgrID.String()+"/subscriptions/"+sub.Handle+"?sender=client-a", nil))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("unsubscribe status = %d", delResp.StatusCode)
	}
}

func TestFeedbackSubscribeDescendantsTooIsNotImplemented(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	mgrID, err := store.ManagerRegister(ctx, registry.Properties{
		"HumanReadableName": registry.StringValue("Reader"),
	}, false)
	if err != nil {
		t.Fatalf("ManagerRegister: %v", err)
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/managers/"+mgrID.String()+"/subscriptions", subscribeRequest{
		Sender:         "client-a",
		DescendantsToo: true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}

func mustRequest(t *testing.T, method, url string, body *bytes.Reader) *http.Request {
	t.Helper()
	if body == nil {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}
