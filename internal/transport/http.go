package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"murmeltier/internal/ids"
	"murmeltier/internal/logging"
	"murmeltier/internal/registry"
	"murmeltier/internal/upcall"
)

// Server is the one concrete transport binding: a net/http + JSON surface
// over Dispatcher. It is deliberately not the teacher's connectrpc/
// protobuf stack (that requires generated code this repository cannot
// produce without running protoc) — Dispatcher is the contract a real
// D-Bus or gRPC binding would sit behind instead. Request and response
// bodies are untyped string maps wherever a property value is involved,
// per spec §6's "same call surface must accept untyped string maps".
type Server struct {
	d   *Dispatcher
	log *slog.Logger
	mux *http.ServeMux
}

// NewServer builds a Server ready to be used as an http.Handler.
func NewServer(d *Dispatcher, log *slog.Logger) *Server {
	s := &Server{d: d, log: logging.Default(log).With("component", "transport.http")}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /managers", s.handleListManagers)
	s.mux.HandleFunc("POST /managers", s.handleManagerRegister)
	s.mux.HandleFunc("GET /managers/{id}/lookup", s.handleLookupByCookie)
	s.mux.HandleFunc("DELETE /managers/{id}", s.handleUnregister)
	s.mux.HandleFunc("GET /managers/{id}/streams", s.handleListStreams)
	s.mux.HandleFunc("POST /managers/{id}/streams", s.handleStreamRegister)
	s.mux.HandleFunc("POST /managers/{id}/subscriptions", s.handleFeedbackSubscribe)
	s.mux.HandleFunc("DELETE /managers/{id}/subscriptions/{handle}", s.handleFeedbackUnsubscribe)
	s.mux.HandleFunc("POST /managers/{id}/ack", s.handleFeedbackAck)

	s.mux.HandleFunc("GET /streams/{id}/lookup", s.handleLookupByCookie)
	s.mux.HandleFunc("DELETE /streams/{id}", s.handleUnregister)
	s.mux.HandleFunc("GET /streams/{id}/objects", s.handleListObjects)
	s.mux.HandleFunc("POST /streams/{id}/objects", s.handleObjectRegister)
	s.mux.HandleFunc("POST /streams/{id}/status", s.handleUpdateStatus)

	s.mux.HandleFunc("DELETE /objects/{id}", s.handleUnregister)
	s.mux.HandleFunc("POST /objects/{id}/status", s.handleTransferStatus)
	s.mux.HandleFunc("POST /objects/{id}/used", s.handleUsed)
	s.mux.HandleFunc("POST /objects/{id}/files-deleted", s.handleFilesDeleted)

	s.mux.HandleFunc("GET /{kind}/{id}/properties/{name}", s.handleGet)
	s.mux.HandleFunc("PUT /{kind}/{id}/properties/{name}", s.handleSet)
	s.mux.HandleFunc("GET /{kind}/{id}/introspect", s.handleIntrospect)
	s.mux.HandleFunc("GET /introspect", s.handleIntrospectRoot)
}

// --- root class ---

func (s *Server) handleListManagers(w http.ResponseWriter, r *http.Request) {
	mgrs, err := s.d.ListManagers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mgrs)
}

func (s *Server) handleManagerRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	props, err := PropertiesFromStrings(registry.KindManager, req.Properties)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.d.ManagerRegister(r.Context(), props, req.OnlyIfCookieUnique)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{UUID: id.String()})
}

func (s *Server) handleIntrospectRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Introspect(r.Context(), Root))
}

// --- manager class ---

func (s *Server) handleStreamRegister(w http.ResponseWriter, r *http.Request) {
	managerID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	props, err := PropertiesFromStrings(registry.KindStream, req.Properties)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.d.StreamRegister(r.Context(), managerID, props, req.OnlyIfCookieUnique)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{UUID: id.String()})
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	managerID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	streams, err := s.d.ListStreams(r.Context(), managerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

func (s *Server) handleFeedbackSubscribe(w http.ResponseWriter, r *http.Request) {
	managerID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req subscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var client upcall.Client
	if req.CallbackURL != "" {
		client = newHTTPUpcallClient(req.CallbackURL)
	}
	handle, err := s.d.FeedbackSubscribe(r.Context(), req.Sender, client, managerID, req.DescendantsToo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handleResponse{Handle: handle})
}

func (s *Server) handleFeedbackUnsubscribe(w http.ResponseWriter, r *http.Request) {
	managerID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	handle := r.PathValue("handle")
	sender := r.URL.Query().Get("sender")
	if err := s.d.FeedbackUnsubscribe(r.Context(), sender, managerID, handle); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeedbackAck(w http.ResponseWriter, r *http.Request) {
	managerID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req ackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.d.FeedbackAck(r.Context(), req.Sender, managerID, req.ObjectUUID, req.Instance); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- stream class ---

func (s *Server) handleObjectRegister(w http.ResponseWriter, r *http.Request) {
	streamID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	props, err := PropertiesFromStrings(registry.KindObject, req.Properties)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.d.ObjectRegister(r.Context(), streamID, props, req.OnlyIfCookieUnique)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{UUID: id.String()})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	streamID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	objs, err := s.d.ListObjects(r.Context(), streamID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, objs)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	streamID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req streamStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	instance, err := s.d.UpdateStatus(r.Context(), streamID, registry.StreamUpdateRecord{
		StreamID:       streamID,
		Status:         req.Status,
		Indicator:      req.Indicator,
		BytesUp:        req.BytesUp,
		BytesDown:      req.BytesDown,
		TransferTime:   time.Now(),
		Duration:       time.Duration(req.DurationMS) * time.Millisecond,
		NewObjects:     req.NewObjects,
		UpdatedObjects: req.UpdatedObjects,
		InlineObjects:  req.InlineObjects,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{Instance: instance})
}

// --- object class ---

func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	objectID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req objectStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	instance, err := s.d.TransferStatus(r.Context(), objectID, registry.ObjectInstanceStatusRecord{
		ObjectID:       objectID,
		Status:         req.Status,
		BytesUp:        req.BytesUp,
		BytesDown:      req.BytesDown,
		TransferTime:   time.Now(),
		Duration:       time.Duration(req.DurationMS) * time.Millisecond,
		ObjectSize:     req.ObjectSize,
		Indicator:      req.Indicator,
		CompressedSize: req.CompressedSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{Instance: instance})
}

func (s *Server) handleUsed(w http.ResponseWriter, r *http.Request) {
	objectID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req usedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.d.Used(r.Context(), objectID, registry.ObjectUseRecord{
		ObjectID: objectID,
		Reported: req.Reported,
		Start:    time.Now().Add(-time.Duration(req.DurationMS) * time.Millisecond),
		Duration: time.Duration(req.DurationMS) * time.Millisecond,
		UseMask:  req.UseMask,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFilesDeleted(w http.ResponseWriter, r *http.Request) {
	objectID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var req filesDeletedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.d.FilesDeleted(r.Context(), objectID, registry.FileAction(req.Action), req.Arg); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- shared Get/Set/Introspect/Unregister/LookupByCookie ---

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathTarget(w, r)
	if !ok {
		return
	}
	v, err := s.d.Get(r.Context(), target, r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueToWire(v))
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathTarget(w, r)
	if !ok {
		return
	}
	var req setRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.d.SetFromString(r.Context(), target, r.PathValue("name"), req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathTarget(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.d.Introspect(r.Context(), target))
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathTargetFromKindPrefix(w, r)
	if !ok {
		return
	}
	onlyIfEmpty := r.URL.Query().Get("only_if_empty") == "true"
	if err := s.d.Unregister(r.Context(), target, onlyIfEmpty); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLookupByCookie(w http.ResponseWriter, r *http.Request) {
	parentID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	id, found, err := s.d.LookupByCookie(r.Context(), parentID, r.URL.Query().Get("cookie"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, registry.ErrNoSuchObject("no child with that cookie"))
		return
	}
	writeJSON(w, http.StatusOK, idResponse{UUID: id.String()})
}

// pathTarget resolves {kind}/{id} path values into a Target, for the
// three routes registered generically over all object kinds.
func (s *Server) pathTarget(w http.ResponseWriter, r *http.Request) (Target, bool) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return Target{}, false
	}
	kind, err := kindFromPlural(r.PathValue("kind"))
	if err != nil {
		writeError(w, err)
		return Target{}, false
	}
	return Target{Kind: kind, ID: id}, true
}

// pathTargetFromKindPrefix resolves the {id} of a route already scoped to
// one kind by its URL prefix (/managers, /streams, /objects).
func (s *Server) pathTargetFromKindPrefix(w http.ResponseWriter, r *http.Request) (Target, bool) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return Target{}, false
	}
	target, err := s.d.TargetKind(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return Target{}, false
	}
	return target, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, param string) (ids.ID, bool) {
	id, err := ids.Parse(r.PathValue(param))
	if err != nil {
		writeError(w, registry.ErrInvalidArgs("malformed id: "+r.PathValue(param)))
		return ids.ID{}, false
	}
	return id, true
}

func kindFromPlural(s string) (registry.TargetKind, error) {
	switch s {
	case "managers":
		return registry.KindManager, nil
	case "streams":
		return registry.KindStream, nil
	case "objects":
		return registry.KindObject, nil
	default:
		return registry.KindRoot, registry.ErrInvalidArgs("unknown object class: " + s)
	}
}

// --- wire types ---

type registerRequest struct {
	Properties         map[string]string `json:"properties"`
	OnlyIfCookieUnique bool              `json:"only_if_cookie_unique"`
}

type subscribeRequest struct {
	Sender         string `json:"sender"`
	CallbackURL    string `json:"callback_url"`
	DescendantsToo bool   `json:"descendants_too"`
}

type ackRequest struct {
	Sender     string `json:"sender"`
	ObjectUUID string `json:"object_uuid"`
	Instance   uint64 `json:"instance"`
}

type streamStatusRequest struct {
	Status         int32  `json:"status"`
	Indicator      uint32 `json:"indicator"`
	BytesUp        uint64 `json:"bytes_up"`
	BytesDown      uint64 `json:"bytes_down"`
	DurationMS     int64  `json:"duration_ms"`
	NewObjects     int32  `json:"new_objects"`
	UpdatedObjects int32  `json:"updated_objects"`
	InlineObjects  int32  `json:"inline_objects"`
}

type objectStatusRequest struct {
	Status         int32  `json:"status"`
	BytesUp        uint64 `json:"bytes_up"`
	BytesDown      uint64 `json:"bytes_down"`
	DurationMS     int64  `json:"duration_ms"`
	ObjectSize     int64  `json:"object_size"`
	Indicator      uint32 `json:"indicator"`
	CompressedSize int64  `json:"compressed_size"`
}

type usedRequest struct {
	Reported   bool   `json:"reported"`
	DurationMS int64  `json:"duration_ms"`
	UseMask    uint32 `json:"use_mask"`
}

type filesDeletedRequest struct {
	Action int   `json:"action"`
	Arg    int64 `json:"arg"`
}

type setRequest struct {
	Value string `json:"value"`
}

type idResponse struct {
	UUID string `json:"uuid"`
}

type handleResponse struct {
	Handle string `json:"handle"`
}

type instanceResponse struct {
	Instance uint64 `json:"instance"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// valueToWire renders a registry.Value as the single JSON-meaningful
// field for its kind, mirroring the typed-union shape of spec §6.
func valueToWire(v registry.Value) map[string]any {
	switch v.Kind {
	case registry.ValString:
		return map[string]any{"type": "string", "value": v.Str}
	case registry.ValInt32:
		return map[string]any{"type": "int32", "value": v.I32}
	case registry.ValUint32:
		return map[string]any{"type": "uint32", "value": v.U32}
	case registry.ValInt64:
		return map[string]any{"type": "int64", "value": v.I64}
	case registry.ValUint64:
		return map[string]any{"type": "uint64", "value": v.U64}
	case registry.ValBool:
		return map[string]any{"type": "boolean", "value": v.Bool}
	case registry.ValVersions:
		return map[string]any{"type": "versions", "value": v.Versions}
	default:
		return map[string]any{"type": "unknown"}
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, registry.ErrInvalidArgs("malformed request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a registry.Code to the HTTP status spec §7's error
// enumeration most naturally corresponds to.
func writeError(w http.ResponseWriter, err error) {
	code := registry.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case registry.CodeNoSuchObject:
		status = http.StatusNotFound
	case registry.CodeObjectExists:
		status = http.StatusConflict
	case registry.CodeInvalidArgs:
		status = http.StatusBadRequest
	case registry.CodeNotImplemented:
		status = http.StatusNotImplemented
	case registry.CodeInternalError, registry.CodeGeneric:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{Code: code.String(), Message: err.Error()})
}

// httpUpcallClient implements upcall.Client by POSTing the upcall's
// payload as JSON to a subscriber-supplied callback URL — the reference
// transport's equivalent of a transient D-Bus proxy (spec §4.4 "Delivery").
type httpUpcallClient struct {
	baseURL string
	hc      *http.Client
}

func newHTTPUpcallClient(baseURL string) *httpUpcallClient {
	return &httpUpcallClient{baseURL: baseURL, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *httpUpcallClient) StreamUpdate(ctx context.Context, managerUUID, managerCookie, streamUUID, streamCookie string) error {
	return c.post(ctx, "/stream-update", map[string]any{
		"manager_uuid":   managerUUID,
		"manager_cookie": managerCookie,
		"stream_uuid":    streamUUID,
		"stream_cookie":  streamCookie,
	})
}

func (c *httpUpcallClient) TransferObject(ctx context.Context, managerUUID, managerCookie, streamUUID, streamCookie,
	objectUUID, objectCookie string, versions []registry.Version, filename string, quality uint32) error {
	return c.post(ctx, "/transfer-object", map[string]any{
		"manager_uuid":   managerUUID,
		"manager_cookie": managerCookie,
		"stream_uuid":    streamUUID,
		"stream_cookie":  streamCookie,
		"object_uuid":    objectUUID,
		"object_cookie":  objectCookie,
		"versions":       versions,
		"filename":       filename,
		"quality":        quality,
	})
}

func (c *httpUpcallClient) post(ctx context.Context, path string, body map[string]any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport: upcall callback %s returned %s", path, resp.Status)
	}
	return nil
}
