package upcall

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"murmeltier/internal/ids"
	"murmeltier/internal/logging"
	"murmeltier/internal/notify"
	"murmeltier/internal/registry"
)

// Kind distinguishes the two upcall shapes (spec §4.3 "Upcall construction").
type Kind int

const (
	KindStreamUpdate Kind = iota
	KindTransferObject
)

// Upcall is a scheduler-produced delivery request, addressed by manager
// so the router can find its subscribers.
type Upcall struct {
	Kind      Kind
	ManagerID ids.ID

	ManagerUUID   string
	ManagerCookie string
	StreamUUID    string
	StreamCookie  string

	// TransferObject-only fields.
	ObjectUUID   string
	ObjectCookie string
	Versions     []registry.Version
	Filename     string
	Quality      uint32
}

// subscription is one entry shared across all three indexes.
type subscription struct {
	handle         string
	managerID      ids.ID
	endpoint       string
	descendantsToo bool
	client         Client // nil for a persisted-but-not-yet-bound subscription
}

// Router delivers upcalls to subscribed clients with start-on-demand
// fallback (spec §4.4). A subscription handle lives in exactly three
// indexes — by_handle, by_manager, by_endpoint — all three updated
// together, mirroring the per-connection bookkeeping of the retrieved
// SubRegistry example promoted to per-manager bookkeeping.
type Router struct {
	store     registry.Store
	startHint StartHint
	log       *slog.Logger

	mu         sync.Mutex
	byHandle   map[string]*subscription
	byManager  map[ids.ID][]*subscription
	byEndpoint map[string][]*subscription
	counters   map[string]uint64 // per-sender handle counter

	// disconnected fires after every DisconnectEndpoint cleanup completes,
	// for callers (tests, the daemon) that want to observe cleanup without
	// polling the indexes.
	disconnected *notify.Signal
}

// New constructs a Router. startHint may be nil, equivalent to NoStartHint{}.
func New(store registry.Store, startHint StartHint, log *slog.Logger) *Router {
	if startHint == nil {
		startHint = NoStartHint{}
	}
	return &Router{
		store:        store,
		startHint:    startHint,
		log:          logging.Default(log).With("component", "upcall"),
		byHandle:     make(map[string]*subscription),
		byManager:    make(map[ids.ID][]*subscription),
		byEndpoint:   make(map[string][]*subscription),
		counters:     make(map[string]uint64),
		disconnected: notify.NewSignal(),
	}
}

// FeedbackSubscribe registers sender's interest in managerID's upcalls
// (spec §4.4). client is the live transport binding the subscribed
// endpoint arrived on, used for direct delivery; descendantsToo = true is
// rejected as NotImplemented (§9 open question) before anything is
// stored, so the persisted DescendantsToo field is always false.
func (r *Router) FeedbackSubscribe(ctx context.Context, sender string, client Client, managerID ids.ID, descendantsToo bool) (string, error) {
	if descendantsToo {
		return "", registry.ErrNotImplemented("descendants_too subscriptions are not supported")
	}
	if _, err := r.store.GetManager(ctx, managerID); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.counters[sender]++
	handle := fmt.Sprintf("%s.%d", sender, r.counters[sender]-1)
	sub := &subscription{handle: handle, managerID: managerID, endpoint: sender, descendantsToo: descendantsToo, client: client}
	r.byHandle[handle] = sub
	r.byManager[managerID] = append(r.byManager[managerID], sub)
	r.byEndpoint[sender] = append(r.byEndpoint[sender], sub)
	r.mu.Unlock()

	if err := r.store.SubscriptionPut(ctx, registry.Subscription{
		Handle: handle, ManagerID: managerID, ClientEndpoint: sender, DescendantsToo: descendantsToo,
	}); err != nil {
		r.removeLocked(handle)
		return "", err
	}
	r.log.Debug("subscribed", "handle", handle, "manager", managerID, "endpoint", sender)
	return handle, nil
}

// FeedbackUnsubscribe removes a subscription from all three indexes, or
// fails NoSuchObject if handle is not registered under (sender, managerID).
func (r *Router) FeedbackUnsubscribe(ctx context.Context, sender string, managerID ids.ID, handle string) error {
	r.mu.Lock()
	sub, ok := r.byHandle[handle]
	if !ok || sub.endpoint != sender || sub.managerID != managerID {
		r.mu.Unlock()
		return registry.ErrNoSuchObject("no such subscription: " + handle)
	}
	r.removeLocked(handle)
	r.mu.Unlock()

	if err := r.store.SubscriptionDelete(ctx, handle); err != nil {
		return err
	}
	r.log.Debug("unsubscribed", "handle", handle, "manager", managerID, "endpoint", sender)
	return nil
}

// FeedbackAck is accepted and logged only; its effect (duplicate-delivery
// suppression, throttling) is left as a future extension per spec §9.
func (r *Router) FeedbackAck(ctx context.Context, sender string, managerID ids.ID, objectUUID string, instance uint64) error {
	r.log.Debug("feedback ack", "endpoint", sender, "manager", managerID, "object", objectUUID, "instance", instance)
	return nil
}

// removeLocked deletes handle from all three indexes. Caller holds r.mu.
func (r *Router) removeLocked(handle string) {
	sub, ok := r.byHandle[handle]
	if !ok {
		return
	}
	delete(r.byHandle, handle)
	r.byManager[sub.managerID] = removeSub(r.byManager[sub.managerID], sub)
	if len(r.byManager[sub.managerID]) == 0 {
		delete(r.byManager, sub.managerID)
	}
	r.byEndpoint[sub.endpoint] = removeSub(r.byEndpoint[sub.endpoint], sub)
	if len(r.byEndpoint[sub.endpoint]) == 0 {
		delete(r.byEndpoint, sub.endpoint)
	}
}

func removeSub(subs []*subscription, target *subscription) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// DisconnectEndpoint unregisters every subscription under endpoint, as if
// FeedbackUnsubscribe had been called for each (spec §4.4 "Client
// liveness"). Call this when the transport's name-owner-changed
// notification reports endpoint has disappeared.
func (r *Router) DisconnectEndpoint(ctx context.Context, endpoint string) int {
	r.mu.Lock()
	subs := append([]*subscription(nil), r.byEndpoint[endpoint]...)
	for _, sub := range subs {
		r.removeLocked(sub.handle)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if err := r.store.SubscriptionDelete(ctx, sub.handle); err != nil {
			r.log.Warn("subscription cleanup failed", "handle", sub.handle, "error", err)
		}
	}
	if len(subs) > 0 {
		r.log.Info("client disconnected", "endpoint", endpoint, "subscriptions_removed", len(subs))
	}
	r.disconnected.Notify()
	return len(subs)
}

// Disconnected returns a channel closed after the next DisconnectEndpoint
// cleanup completes. Callers should re-call Disconnected() after each wakeup.
func (r *Router) Disconnected() <-chan struct{} { return r.disconnected.C() }

// Deliver routes u to every subscriber of its manager, falling back to
// the manager's start hint if no subscription exists (spec §4.4
// "Delivery"). Errors delivering to an individual client are logged and
// dropped, never propagated (spec §7 "Errors are always local").
func (r *Router) Deliver(ctx context.Context, u Upcall) {
	r.mu.Lock()
	subs := append([]*subscription(nil), r.byManager[u.ManagerID]...)
	r.mu.Unlock()

	if len(subs) > 0 {
		for _, sub := range subs {
			client := sub.client
			if client == nil {
				continue // subscribed without a live client binding (e.g. no callback URL)
			}
			if err := r.send(ctx, client, u); err != nil {
				r.log.Warn("upcall delivery failed", "handle", sub.handle, "endpoint", sub.endpoint, "error", err)
			}
		}
		return
	}

	mgr, err := r.store.GetManager(ctx, u.ManagerID)
	if err != nil {
		r.log.Warn("upcall dropped: manager lookup failed", "manager", u.ManagerID, "error", err)
		return
	}
	if mgr.TransportHint == "" {
		r.log.Debug("upcall dropped: no subscription and no start hint", "manager", u.ManagerID)
		return
	}
	client, ok, err := r.startHint.Start(ctx, mgr.TransportHint)
	if err != nil {
		r.log.Warn("start hint failed", "manager", u.ManagerID, "hint", mgr.TransportHint, "error", err)
		return
	}
	if !ok {
		r.log.Debug("upcall dropped: start hint unavailable", "manager", u.ManagerID)
		return
	}
	// This one-shot delivery is logged under the synthetic handle "START"
	// (spec §4.4 step 2); the client itself receives no handle. It is
	// never inserted into the subscription indexes,
	// so it leaves nothing for FeedbackUnsubscribe or DisconnectEndpoint
	// to find.
	if err := r.send(ctx, client, u); err != nil {
		r.log.Warn("upcall delivery via start hint failed", "handle", "START", "manager", u.ManagerID, "error", err)
		return
	}
	r.log.Debug("upcall delivered via start hint", "handle", "START", "manager", u.ManagerID)
}

func (r *Router) send(ctx context.Context, client Client, u Upcall) error {
	switch u.Kind {
	case KindStreamUpdate:
		return client.StreamUpdate(ctx, u.ManagerUUID, u.ManagerCookie, u.StreamUUID, u.StreamCookie)
	case KindTransferObject:
		versions := append([]registry.Version(nil), u.Versions...)
		return client.TransferObject(ctx, u.ManagerUUID, u.ManagerCookie, u.StreamUUID, u.StreamCookie,
			u.ObjectUUID, u.ObjectCookie, versions, u.Filename, u.Quality)
	default:
		return fmt.Errorf("upcall: unknown kind %d", u.Kind)
	}
}
