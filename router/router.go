// Package router owns the connection to every configured MCP server and
// routes decoded messages to the right consumer: response correlation,
// subscription bookkeeping, or the caller's handlers.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaywire/mcplink/channel"
	"github.com/relaywire/mcplink/config"
	"github.com/relaywire/mcplink/logger"
	"github.com/relaywire/mcplink/subscription"
	"github.com/relaywire/mcplink/tracker"
	"github.com/relaywire/mcplink/wire"
)

const (
	ProtocolVersion = "2024-11-05"
	ClientName      = "mcplink"
	ClientVersion   = "1.0.0"
)

var (
	// ErrServerNotFound is returned when no connection exists for the name.
	ErrServerNotFound = errors.New("router: server not connected")

	// ErrAlreadyConnected is returned by Connect for a name already in use.
	ErrAlreadyConnected = errors.New("router: server already connected")

	// ErrRequestCancelled is returned by Call when the request was cancelled
	// before its response arrived.
	ErrRequestCancelled = errors.New("router: request cancelled")
)

// Observers receives connection and notification events. Callbacks run on the
// router's dispatch goroutines; keep them fast. Nil fields disable the event.
type Observers struct {
	OnConnected    func(serverName string, info wire.ServerInfo)
	OnDisconnected func(serverName string)

	// OnNotification receives notifications the engine itself does not
	// consume (everything except cancellation and resource notifications).
	OnNotification func(serverName string, msg *wire.Message)

	// OnRequest receives server-originated requests. When nil the router
	// replies with a method-not-found error on the caller's behalf.
	OnRequest func(serverName string, msg *wire.Message)

	OnResourceUpdated func(serverName, uri string)
	OnListChanged     func(serverName string)
}

// Options holds router tuning knobs.
type Options struct {
	// CancelGrace overrides the tracker's grace window when positive.
	CancelGrace time.Duration

	// ClientInfo overrides the identity sent during the initialize handshake.
	ClientInfo wire.ClientInfo
}

// serverConn is the per-server state: the live channel plus what the server
// told us about itself during the handshake.
type serverConn struct {
	config  config.ServerConfig
	ch      *channel.Channel
	caps    wire.ServerCapabilities
	info    wire.ServerInfo
	closing bool // deliberate teardown in progress; skip close handling
}

// Router multiplexes one Tracker and one subscription Registry across any
// number of server channels. It is the Sender both of them talk through.
type Router struct {
	mu    sync.RWMutex
	conns map[string]*serverConn

	tracker    *tracker.Tracker
	subs       *subscription.Registry
	observers  Observers
	clientInfo wire.ClientInfo
	log        *slog.Logger
}

// New creates a Router with its own tracker and subscription registry.
func New(opts Options, observers Observers, log *slog.Logger) *Router {
	if log == nil {
		log = logger.Get()
	}
	info := opts.ClientInfo
	if info.Name == "" {
		info = wire.ClientInfo{Name: ClientName, Version: ClientVersion}
	}

	r := &Router{
		conns:      make(map[string]*serverConn),
		observers:  observers,
		clientInfo: info,
		log:        log.With("component", "router"),
	}
	r.tracker = tracker.New(r, tracker.Config{GraceWindow: opts.CancelGrace},
		tracker.Observers{}, log.With("component", "tracker"))
	r.subs = subscription.New(r, r, subscription.Observers{
		OnResourceUpdated: observers.OnResourceUpdated,
		OnListChanged:     observers.OnListChanged,
	}, log.With("component", "subscription"))
	return r
}

// NewFromConfig builds a Router from the loaded configuration, applying its
// debug flag and cancellation grace window.
func NewFromConfig(cfg *config.Config, observers Observers) *Router {
	logger.SetDebug(cfg.Debug)
	return New(Options{CancelGrace: cfg.CancelGrace()}, observers, nil)
}

// Tracker exposes the request tracker, mostly for status inspection.
func (r *Router) Tracker() *tracker.Tracker { return r.tracker }

// ConnectAll connects every configured server. Failures are collected per
// server; one bad server does not keep the rest from coming up.
func (r *Router) ConnectAll(ctx context.Context, cfg *config.Config) map[string]error {
	failed := make(map[string]error)
	for _, sc := range cfg.GetServers() {
		if err := r.Connect(ctx, sc); err != nil {
			r.log.Error("failed to connect server", "server", sc.Name, "error", err)
			failed[sc.Name] = err
		}
	}
	return failed
}

// Connect spawns the configured server, performs the initialize handshake,
// and makes the connection available for calls.
func (r *Router) Connect(ctx context.Context, sc config.ServerConfig) error {
	r.mu.Lock()
	if _, exists := r.conns[sc.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, sc.Name)
	}
	conn := &serverConn{config: sc}
	conn.ch = r.newChannel(sc)
	r.conns[sc.Name] = conn
	r.mu.Unlock()

	if err := conn.ch.Start(); err != nil {
		r.removeConn(sc.Name)
		return fmt.Errorf("connect %s: %w", sc.Name, err)
	}

	if err := r.handshake(ctx, sc.Name); err != nil {
		r.markClosing(sc.Name)
		conn.ch.Close()
		r.removeConn(sc.Name)
		return fmt.Errorf("connect %s: %w", sc.Name, err)
	}

	r.mu.RLock()
	info := conn.info
	r.mu.RUnlock()

	r.log.Info("server connected", "server", sc.Name,
		"remote", info.Name, "version", info.Version)
	if r.observers.OnConnected != nil {
		r.observers.OnConnected(sc.Name, info)
	}
	return nil
}

func (r *Router) newChannel(sc config.ServerConfig) *channel.Channel {
	env := make([]string, 0, len(sc.Env))
	for k, v := range sc.Env {
		env = append(env, k+"="+v)
	}
	name := sc.Name
	return channel.New(channel.Config{
		ServerName:     sc.Name,
		Command:        sc.Command,
		Args:           sc.Args,
		Env:            env,
		Dir:            sc.Dir,
		Quiet:          sc.Quiet,
		StartupTimeout: sc.StartupTimeout(),
		MaxBufferSize:  sc.MaxBufferSize,
	}, channel.Observers{
		OnMessage: func(msg *wire.Message) { r.dispatch(name, msg) },
		OnError: func(err error) {
			r.log.Warn("channel error", "server", name, "error", err)
		},
		OnClose: func() { r.handleChannelClose(name) },
	}, r.log)
}

// handshake runs initialize and confirms with notifications/initialized.
// The server's advertised capabilities gate later subscription attempts.
func (r *Router) handshake(ctx context.Context, serverName string) error {
	resp, err := r.Call(ctx, serverName, wire.MethodInitialize, wire.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    wire.ClientCapabilities{},
		ClientInfo:      r.clientInfo,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize: %w", resp.Error)
	}

	var result wire.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("initialize result: %w", err)
	}

	r.mu.Lock()
	if conn, ok := r.conns[serverName]; ok {
		conn.caps = result.Capabilities
		conn.info = result.ServerInfo
	}
	r.mu.Unlock()

	return r.Send(ctx, serverName, wire.NotificationInitialized, nil)
}

// Call issues a request to serverName and blocks until the response arrives,
// the request is cancelled, or ctx expires. A ctx expiry cancels the request
// through the tracker so the server is told to stop working on it.
func (r *Router) Call(ctx context.Context, serverName, method string, params any) (*wire.Message, error) {
	id := uuid.NewString()
	p := r.tracker.Register(id, serverName, method)
	if p == nil {
		return nil, fmt.Errorf("router: request id collision: %s", id)
	}

	msg, err := wire.NewRequest(id, method, params)
	if err != nil {
		r.tracker.Cleanup(id)
		return nil, err
	}
	if err := r.sendMessage(ctx, serverName, msg); err != nil {
		r.tracker.Cleanup(id)
		return nil, err
	}

	select {
	case resp := <-p.Response():
		return resp, nil
	case <-p.Context().Done():
		return nil, fmt.Errorf("%w: %s %s", ErrRequestCancelled, serverName, method)
	case <-ctx.Done():
		r.tracker.Cancel(context.Background(), id, "deadline exceeded")
		return nil, ctx.Err()
	}
}

// Cancel aborts an in-flight request by id.
func (r *Router) Cancel(ctx context.Context, id any, reason string) tracker.CancelResult {
	return r.tracker.Cancel(ctx, id, reason)
}

// Send delivers a notification to serverName. Implements tracker.Sender.
func (r *Router) Send(ctx context.Context, serverName, method string, params any) error {
	msg, err := wire.NewNotification(method, params)
	if err != nil {
		return err
	}
	return r.sendMessage(ctx, serverName, msg)
}

func (r *Router) sendMessage(ctx context.Context, serverName string, msg *wire.Message) error {
	r.mu.RLock()
	conn, ok := r.conns[serverName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}
	return conn.ch.Send(ctx, msg)
}

// SupportsSubscriptions implements subscription.CapabilityProbe from the
// capabilities captured during the handshake.
func (r *Router) SupportsSubscriptions(serverName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[serverName]
	if !ok {
		return false
	}
	return conn.caps.Resources != nil && conn.caps.Resources.Subscribe
}

// Subscribe registers interest in a resource URI on serverName.
func (r *Router) Subscribe(ctx context.Context, serverName, uri string) error {
	return r.subs.Subscribe(ctx, serverName, uri)
}

// Unsubscribe drops interest in a resource URI on serverName.
func (r *Router) Unsubscribe(ctx context.Context, serverName, uri string) error {
	return r.subs.Unsubscribe(ctx, serverName, uri)
}

// Watch registers fn for updates whose URI matches pattern.
func (r *Router) Watch(pattern string, fn func(serverName, uri string)) error {
	return r.subs.Watch(pattern, fn)
}

// Subscriptions returns a snapshot of every tracked (server, uri) pair.
func (r *Router) Subscriptions() []subscription.Subscription {
	return r.subs.Subscriptions()
}

// dispatch routes one inbound message. Order matters: response correlation
// and cancellation first, then resource notifications, then the caller.
func (r *Router) dispatch(serverName string, msg *wire.Message) {
	if r.tracker.HandleMessage(msg) {
		return
	}
	if r.subs.HandleMessage(serverName, msg) {
		return
	}

	switch {
	case msg.IsRequest():
		if r.observers.OnRequest != nil {
			r.observers.OnRequest(serverName, msg)
			return
		}
		reply := &wire.Message{
			JSONRPC: wire.Version,
			ID:      msg.ID,
			Error:   &wire.RPCError{Code: wire.CodeMethodNotFound, Message: "method not found"},
		}
		if err := r.sendMessage(context.Background(), serverName, reply); err != nil {
			r.log.Warn("failed to reject server request", "server", serverName, "error", err)
		}
	case msg.IsNotification():
		if r.observers.OnNotification != nil {
			r.observers.OnNotification(serverName, msg)
			return
		}
		r.log.Debug("unhandled notification", "server", serverName, "method", msg.Method)
	default:
		r.log.Debug("unmatched response dropped", "server", serverName, "id", msg.ID)
	}
}

// handleChannelClose reacts to a transport that died on its own. Deliberate
// teardown paths set closing first and handle cleanup themselves.
func (r *Router) handleChannelClose(serverName string) {
	r.mu.Lock()
	conn, ok := r.conns[serverName]
	if !ok || conn.closing {
		r.mu.Unlock()
		return
	}
	delete(r.conns, serverName)
	r.mu.Unlock()

	r.log.Warn("server connection lost", "server", serverName)
	r.tracker.CancelByServer(context.Background(), serverName, "connection closed")
	if r.observers.OnDisconnected != nil {
		r.observers.OnDisconnected(serverName)
	}
}

func (r *Router) markClosing(serverName string) {
	r.mu.Lock()
	if conn, ok := r.conns[serverName]; ok {
		conn.closing = true
	}
	r.mu.Unlock()
}

func (r *Router) removeConn(serverName string) {
	r.mu.Lock()
	delete(r.conns, serverName)
	r.mu.Unlock()
}

// Disconnect tears down one server: its in-flight requests are cancelled,
// its subscriptions dropped locally, and its process shut down.
func (r *Router) Disconnect(ctx context.Context, serverName string) error {
	r.mu.Lock()
	conn, ok := r.conns[serverName]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}
	conn.closing = true
	delete(r.conns, serverName)
	r.mu.Unlock()

	r.tracker.CancelByServer(ctx, serverName, "disconnect")
	r.subs.UnsubscribeAllForServer(serverName)
	conn.ch.Close()

	r.log.Info("server disconnected", "server", serverName)
	if r.observers.OnDisconnected != nil {
		r.observers.OnDisconnected(serverName)
	}
	return nil
}

// Reconnect restarts a server's process and replays its recorded
// subscriptions, returning the per-URI replay outcomes. In-flight requests
// for the server are cancelled; their ids stay in the grace window so
// stragglers from the old process are absorbed.
func (r *Router) Reconnect(ctx context.Context, serverName string) ([]subscription.ResubscribeResult, error) {
	r.mu.Lock()
	conn, ok := r.conns[serverName]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}
	conn.closing = true
	delete(r.conns, serverName)
	sc := conn.config
	r.mu.Unlock()

	r.tracker.CancelByServer(ctx, serverName, "reconnect")
	conn.ch.Close()

	if err := r.Connect(ctx, sc); err != nil {
		return nil, err
	}
	return r.subs.ResubscribeForServer(ctx, serverName), nil
}

// Servers returns the names of connected servers, sorted.
func (r *Router) Servers() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ServerInfo returns the identity a connected server reported.
func (r *Router) ServerInfo(serverName string) (wire.ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[serverName]
	if !ok {
		return wire.ServerInfo{}, false
	}
	return conn.info, true
}

// Shutdown cancels every in-flight request, drops all subscription state,
// and closes every channel. Returns the cancellation outcomes. The router
// is not usable afterwards.
func (r *Router) Shutdown(ctx context.Context) []tracker.CancelResult {
	results := r.tracker.CancelAll(ctx, "shutdown")
	r.subs.CleanupAll()

	r.mu.Lock()
	conns := make([]*serverConn, 0, len(r.conns))
	for _, conn := range r.conns {
		conn.closing = true
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*serverConn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.ch.Close()
	}
	r.tracker.Close()

	r.log.Info("router shut down", "cancelled", len(results))
	return results
}
