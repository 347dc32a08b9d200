// Package subscription tracks which resource URIs the client is subscribed to
// on which servers, and replays those subscriptions after a reconnect.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gobwas/glob"

	"github.com/relaywire/mcplink/logger"
	"github.com/relaywire/mcplink/wire"
)

// ErrUnsupportedByServer indicates the target server does not advertise the
// resources.subscribe capability.
var ErrUnsupportedByServer = errors.New("server does not support resource subscriptions")

// Sender issues a request to a named server and waits for its response.
// Implemented by the connection layer.
type Sender interface {
	Call(ctx context.Context, serverName, method string, params any) (*wire.Message, error)
}

// CapabilityProbe answers whether a server advertised subscription support
// during its initialize handshake.
type CapabilityProbe interface {
	SupportsSubscriptions(serverName string) bool
}

// Observers receives subscription lifecycle events. Callbacks run
// synchronously; keep them fast. Nil fields disable the event.
type Observers struct {
	OnSubscribed      func(serverName, uri string)
	OnUnsubscribed    func(serverName, uri string)
	OnResourceUpdated func(serverName, uri string)
	OnListChanged     func(serverName string)
}

// Subscription is one tracked (server, uri) pair.
type Subscription struct {
	ServerName string
	URI        string
}

// ResubscribeResult is the per-URI outcome of a replay pass.
type ResubscribeResult struct {
	URI     string
	Success bool
	Err     error
}

type subKey struct {
	server string
	uri    string
}

// watcher pairs a compiled URI pattern with its callback.
type watcher struct {
	pattern glob.Glob
	fn      func(serverName, uri string)
}

// Registry is the subscription bookkeeper. All mutation is mutex-guarded;
// one instance serves every connected server.
type Registry struct {
	mu       sync.Mutex
	subs     map[subKey]struct{}
	watchers []watcher

	sender    Sender
	probe     CapabilityProbe
	observers Observers
	log       *slog.Logger
}

// New creates a Registry backed by the given sender and capability probe.
func New(sender Sender, probe CapabilityProbe, observers Observers, log *slog.Logger) *Registry {
	if log == nil {
		log = logger.WithComponent("subscription")
	}
	return &Registry{
		subs:      make(map[subKey]struct{}),
		sender:    sender,
		probe:     probe,
		observers: observers,
		log:       log,
	}
}

// Subscribe registers interest in uri on serverName. Subscribing to an
// already-tracked pair is a no-op that succeeds without a remote round-trip.
// The pair is recorded only after the server acknowledges, so a failed remote
// call leaves no phantom entry to replay later.
func (r *Registry) Subscribe(ctx context.Context, serverName, uri string) error {
	key := subKey{server: serverName, uri: uri}

	r.mu.Lock()
	if _, exists := r.subs[key]; exists {
		r.mu.Unlock()
		r.log.Debug("already subscribed", "server", serverName, "uri", uri)
		return nil
	}
	r.mu.Unlock()

	if r.probe != nil && !r.probe.SupportsSubscriptions(serverName) {
		return fmt.Errorf("subscribe %s on %s: %w", uri, serverName, ErrUnsupportedByServer)
	}

	resp, err := r.sender.Call(ctx, serverName, wire.MethodResourcesSubscribe, wire.SubscribeParams{URI: uri})
	if err != nil {
		return fmt.Errorf("subscribe %s on %s: %w", uri, serverName, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("subscribe %s on %s: %w", uri, serverName, resp.Error)
	}

	r.mu.Lock()
	r.subs[key] = struct{}{}
	r.mu.Unlock()

	r.log.Info("subscribed to resource", "server", serverName, "uri", uri)
	if r.observers.OnSubscribed != nil {
		r.observers.OnSubscribed(serverName, uri)
	}
	return nil
}

// Unsubscribe drops a tracked pair. The remote unsubscribe is best-effort: a
// failure there is logged, never surfaced, and the local entry is removed
// regardless. A stale local record after the caller asked to forget it is
// worse than a dangling remote subscription.
func (r *Registry) Unsubscribe(ctx context.Context, serverName, uri string) error {
	key := subKey{server: serverName, uri: uri}

	r.mu.Lock()
	_, tracked := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()

	if !tracked {
		return nil
	}

	var remoteErr error
	if resp, err := r.sender.Call(ctx, serverName, wire.MethodResourcesUnsubscribe, wire.SubscribeParams{URI: uri}); err != nil {
		remoteErr = err
	} else if resp.Error != nil {
		remoteErr = resp.Error
	}
	if remoteErr != nil {
		r.log.Warn("remote unsubscribe failed, local entry removed anyway",
			"server", serverName, "uri", uri, "error", remoteErr)
	}

	r.log.Info("unsubscribed from resource", "server", serverName, "uri", uri)
	if r.observers.OnUnsubscribed != nil {
		r.observers.OnUnsubscribed(serverName, uri)
	}
	return nil
}

// ResubscribeForServer replays every subscription recorded for serverName
// after a reconnect. Each URI is removed from tracking first and re-added only
// if the replay succeeds, so a server that lost subscription support between
// sessions ends up with a clean slate. Returns one outcome per URI.
func (r *Registry) ResubscribeForServer(ctx context.Context, serverName string) []ResubscribeResult {
	r.mu.Lock()
	var uris []string
	for key := range r.subs {
		if key.server == serverName {
			uris = append(uris, key.uri)
			delete(r.subs, key)
		}
	}
	r.mu.Unlock()
	sort.Strings(uris)

	results := make([]ResubscribeResult, 0, len(uris))
	for _, uri := range uris {
		err := r.Subscribe(ctx, serverName, uri)
		if err != nil {
			r.log.Warn("resubscribe failed", "server", serverName, "uri", uri, "error", err)
		}
		results = append(results, ResubscribeResult{URI: uri, Success: err == nil, Err: err})
	}
	return results
}

// UnsubscribeAllForServer drops every entry for serverName locally, without
// remote calls. Used when a server's transport is already gone.
func (r *Registry) UnsubscribeAllForServer(serverName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.subs {
		if key.server == serverName {
			delete(r.subs, key)
			n++
		}
	}
	return n
}

// CleanupAll drops every entry locally. Used at shutdown.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[subKey]struct{})
}

// Watch registers fn to run for updates whose URI matches pattern
// (gobwas/glob syntax, e.g. "file:///src/**"). Watchers apply across all
// servers and are independent of which pairs are tracked.
func (r *Registry) Watch(pattern string, fn func(serverName, uri string)) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("compile watch pattern %q: %w", pattern, err)
	}
	r.mu.Lock()
	r.watchers = append(r.watchers, watcher{pattern: g, fn: fn})
	r.mu.Unlock()
	return nil
}

// HandleMessage routes subscription-related notifications from serverName.
// Returns true when the message was consumed.
func (r *Registry) HandleMessage(serverName string, msg *wire.Message) bool {
	if !msg.IsNotification() {
		return false
	}
	switch msg.Method {
	case wire.NotificationResourcesUpdated:
		r.handleResourceUpdated(serverName, msg)
		return true
	case wire.NotificationResourcesListChanged:
		r.log.Debug("resource list changed", "server", serverName)
		if r.observers.OnListChanged != nil {
			r.observers.OnListChanged(serverName)
		}
		return true
	default:
		return false
	}
}

// handleResourceUpdated forwards an update for a tracked pair to observers and
// matching watchers. Updates for untracked URIs are dropped: the server is
// pushing something nobody asked for.
func (r *Registry) handleResourceUpdated(serverName string, msg *wire.Message) {
	var params wire.ResourceUpdatedParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		r.log.Warn("malformed resource update", "server", serverName, "error", err)
		return
	}

	r.mu.Lock()
	_, tracked := r.subs[subKey{server: serverName, uri: params.URI}]
	var matched []func(string, string)
	if tracked {
		for _, w := range r.watchers {
			if w.pattern.Match(params.URI) {
				matched = append(matched, w.fn)
			}
		}
	}
	r.mu.Unlock()

	if !tracked {
		r.log.Debug("update for untracked resource dropped",
			"server", serverName, "uri", params.URI)
		return
	}

	r.log.Debug("resource updated", "server", serverName, "uri", params.URI)
	if r.observers.OnResourceUpdated != nil {
		r.observers.OnResourceUpdated(serverName, params.URI)
	}
	for _, fn := range matched {
		fn(serverName, params.URI)
	}
}

// IsSubscribed reports whether (serverName, uri) is currently tracked.
func (r *Registry) IsSubscribed(serverName, uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[subKey{server: serverName, uri: uri}]
	return ok
}

// Subscriptions returns a sorted snapshot of every tracked pair.
func (r *Registry) Subscriptions() []Subscription {
	r.mu.Lock()
	out := make([]Subscription, 0, len(r.subs))
	for key := range r.subs {
		out = append(out, Subscription{ServerName: key.server, URI: key.uri})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerName != out[j].ServerName {
			return out[i].ServerName < out[j].ServerName
		}
		return out[i].URI < out[j].URI
	})
	return out
}

// Count returns the number of tracked pairs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
