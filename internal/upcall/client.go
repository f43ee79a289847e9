// Package upcall delivers scheduler-produced StreamUpdate and
// TransferObject upcalls to subscribed clients (spec §4.4), keyed by a
// three-index subscription table grounded in the SubRegistry pattern
// from the retrieved rpc/subscription_manager.go example: that example
// indexes per-connection subscriptions for notification fan-out, which
// this package adapts into per-manager subscription fan-out plus a
// client-liveness index for cleanup when an endpoint disappears.
package upcall

import (
	"context"

	"murmeltier/internal/registry"
)

// Client is the abstract upcall transport (spec §6 "Upcall API"): two
// one-way calls from daemon to client. A real binding (D-Bus, gRPC, an
// in-process test double) implements this against one client endpoint.
type Client interface {
	// StreamUpdate asks the client to refresh the named stream.
	StreamUpdate(ctx context.Context, managerUUID, managerCookie, streamUUID, streamCookie string) error

	// TransferObject asks the client to fetch the named object. versions
	// is freshly constructed per call because the recipient may consume
	// or mutate it (spec §4.3 "Upcall construction").
	TransferObject(ctx context.Context, managerUUID, managerCookie, streamUUID, streamCookie string,
		objectUUID, objectCookie string, versions []registry.Version, filename string, quality uint32) error
}

// StartHint models a transport's start-on-demand fallback (the
// DBusServiceName-or-equivalent named in spec §4.4 step 2): when no
// subscription exists for a manager but the manager published a start
// hint, the router asks the transport to start a client and delivers this
// one upcall to it, logged under the synthetic handle "START"; no
// subscription is created for it.
type StartHint interface {
	// Start launches (or locates an already-running) client for the
	// given transport hint and returns a one-shot Client bound to it.
	// ok is false if the transport has no usable hint for this manager.
	Start(ctx context.Context, transportHint string) (client Client, ok bool, err error)
}

// NoStartHint is a StartHint that never has a hint available, for
// transports (or tests) that don't support start-on-demand.
type NoStartHint struct{}

func (NoStartHint) Start(context.Context, string) (Client, bool, error) { return nil, false, nil }
