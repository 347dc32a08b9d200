// Package tracker correlates in-flight JSON-RPC requests with their responses
// and reconciles local cancellation with best-effort remote notification.
//
// Every outstanding request lives in exactly one state machine:
//
//	Pending → {Completed | Cancelled}
//
// Transitions are terminal and idempotent: cancelling twice, or cancelling
// after completion, reports "not found or already completed" instead of
// failing. Retired ids stay in a recently-cancelled set for a grace window
// (default 5s) so a genuine late response racing a cancel is absorbed
// silently instead of producing a confusing duplicate resolution.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaywire/mcplink/logger"
	"github.com/relaywire/mcplink/wire"
)

// DefaultGraceWindow is how long a cancelled request id is remembered so a
// late response for it can be absorbed.
const DefaultGraceWindow = 5 * time.Second

// sweepInterval is how often the janitor drops expired grace-window entries.
// One periodic sweep bounds resource usage under high cancellation churn;
// there is never a timer per id.
const sweepInterval = time.Second

// Sender delivers a notification to a remote server on the tracker's behalf.
// Implemented by the connection layer. Delivery is best-effort: the tracker
// logs failures and never lets them change a cancellation outcome.
type Sender interface {
	Send(ctx context.Context, serverName, method string, params any) error
}

// Config holds tracker tuning options.
type Config struct {
	// GraceWindow overrides DefaultGraceWindow when positive.
	GraceWindow time.Duration
}

// Observers receives request lifecycle events. Callbacks run synchronously
// on the mutating goroutine; keep them fast. Nil fields disable the event.
type Observers struct {
	OnRegistered func(id, serverName, toolName string)
	OnCancelled  func(id, reason string)
}

// Pending is one outstanding request owned by the tracker from Register until
// a response, cancellation, or transport close retires it.
type Pending struct {
	ID         string // normalized id key
	RawID      any    // id exactly as it appears on the wire
	ServerName string
	ToolName   string
	StartedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	resp   chan *wire.Message
}

// Context returns the request's cancellation token. It is done the moment the
// request is cancelled, locally or remotely.
func (p *Pending) Context() context.Context { return p.ctx }

// Response returns the channel on which the matching response is delivered.
// It is buffered; delivery never blocks the decode loop.
func (p *Pending) Response() <-chan *wire.Message { return p.resp }

// CancelResult is the structured outcome of one cancel operation.
// Cancelling an unknown or finished request is not an error.
type CancelResult struct {
	RequestID string
	Success   bool
	Reason    string
}

// Tracker owns the pending-request map and the recently-cancelled set for one
// logical connection scope. All mutation goes through the tracker's own mutex;
// multiple channels may safely share one instance.
type Tracker struct {
	mu                sync.Mutex
	pending           map[string]*Pending
	recentlyCancelled map[string]time.Time // id → forget deadline

	grace     time.Duration
	sender    Sender
	observers Observers
	log       *slog.Logger

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// New creates a Tracker and starts its grace-window janitor.
func New(sender Sender, cfg Config, observers Observers, log *slog.Logger) *Tracker {
	if log == nil {
		log = logger.WithComponent("tracker")
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	t := &Tracker{
		pending:           make(map[string]*Pending),
		recentlyCancelled: make(map[string]time.Time),
		grace:             grace,
		sender:            sender,
		observers:         observers,
		log:               log,
		stopSweep:         make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Register records a Pending entry with a fresh cancellation token and returns
// it. Registering an id that already exists is refused: the existing entry is
// kept and nil is returned (callers must use unique ids).
func (t *Tracker) Register(id any, serverName, toolName string) *Pending {
	key := idKey(id)

	t.mu.Lock()
	if _, exists := t.pending[key]; exists {
		t.mu.Unlock()
		t.log.Warn("refusing to overwrite pending request", "id", key)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pending{
		ID:         key,
		RawID:      id,
		ServerName: serverName,
		ToolName:   toolName,
		StartedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		resp:       make(chan *wire.Message, 1),
	}
	t.pending[key] = p
	t.mu.Unlock()

	t.log.Debug("request registered", "id", key, "server", serverName, "tool", toolName)
	if t.observers.OnRegistered != nil {
		t.observers.OnRegistered(key, serverName, toolName)
	}
	return p
}

// Cancel aborts a pending request. The local token fires synchronously before
// any remote round-trip, so a caller that checks IsCancelled immediately after
// Cancel observes the correct answer even while the remote notification is
// still in flight. Failure to deliver the remote notification is logged and
// does not change the outcome: the local abort is authoritative.
func (t *Tracker) Cancel(ctx context.Context, id any, reason string) CancelResult {
	key := idKey(id)
	p, ok := t.retire(key)
	if !ok {
		return CancelResult{RequestID: key, Success: false, Reason: "not found or already completed"}
	}

	p.cancel()
	t.log.Info("request cancelled", "id", key, "server", p.ServerName, "reason", reason)
	if t.observers.OnCancelled != nil {
		t.observers.OnCancelled(key, reason)
	}

	t.notifyRemote(ctx, p, reason)
	return CancelResult{RequestID: key, Success: true, Reason: reason}
}

// retire removes a pending entry and schedules its id into the grace-window
// set. Returns false when the id is unknown.
func (t *Tracker) retire(key string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[key]
	if !ok {
		return nil, false
	}
	delete(t.pending, key)
	t.recentlyCancelled[key] = time.Now().Add(t.grace)
	return p, true
}

// notifyRemote sends the cancellation notification to the server that owns
// the request. Best-effort only.
func (t *Tracker) notifyRemote(ctx context.Context, p *Pending, reason string) {
	if t.sender == nil {
		return
	}
	params := wire.CancelledParams{RequestID: p.RawID, Reason: reason}
	if err := t.sender.Send(ctx, p.ServerName, wire.NotificationCancelled, params); err != nil {
		t.log.Warn("failed to deliver cancellation notification",
			"id", p.ID, "server", p.ServerName, "error", err)
	}
}

// CancelAll cancels every pending request concurrently and reports one outcome
// per request. Individual failures become failed outcomes, never a failed
// aggregate.
func (t *Tracker) CancelAll(ctx context.Context, reason string) []CancelResult {
	return t.cancelMatching(ctx, reason, func(*Pending) bool { return true })
}

// CancelByServer cancels every pending request for one server.
func (t *Tracker) CancelByServer(ctx context.Context, serverName, reason string) []CancelResult {
	return t.cancelMatching(ctx, reason, func(p *Pending) bool { return p.ServerName == serverName })
}

func (t *Tracker) cancelMatching(ctx context.Context, reason string, match func(*Pending) bool) []CancelResult {
	t.mu.Lock()
	var ids []any
	for _, p := range t.pending {
		if match(p) {
			ids = append(ids, p.RawID)
		}
	}
	t.mu.Unlock()

	results := make([]CancelResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = t.Cancel(ctx, id, reason)
		}()
	}
	wg.Wait()
	return results
}

// Cleanup retires a pending entry without firing its token and (re)arms the
// grace window for its id. Repeated cleanup for the same id overwrites the
// previous deadline, so rapid cancel/retry cycles never pile up timers.
func (t *Tracker) Cleanup(id any) {
	key := idKey(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key)
	t.recentlyCancelled[key] = time.Now().Add(t.grace)
}

// IsCancelled reports whether id is inside its grace window. This covers the
// stretch where a response for an id the caller already gave up on might
// still arrive.
func (t *Tracker) IsCancelled(id any) bool {
	key := idKey(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.recentlyCancelled[key]
	return ok && time.Now().Before(deadline)
}

// HasActiveRequests reports whether any request is still pending.
func (t *Tracker) HasActiveRequests() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// ActiveCount returns the number of pending requests.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ActiveByServer returns the number of pending requests for one server.
func (t *Tracker) ActiveByServer(serverName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.pending {
		if p.ServerName == serverName {
			n++
		}
	}
	return n
}

// HandleMessage routes one decoded message through the tracker. Returns true
// when the message was consumed: a response matched to a pending request, a
// late response absorbed by the grace window, or a remote cancellation
// notification. Anything else is left for higher-level routing.
func (t *Tracker) HandleMessage(msg *wire.Message) bool {
	switch {
	case msg.IsResponse():
		return t.handleResponse(msg)
	case msg.IsNotification() && msg.Method == wire.NotificationCancelled:
		t.handleRemoteCancel(msg)
		return true
	default:
		return false
	}
}

func (t *Tracker) handleResponse(msg *wire.Message) bool {
	key := idKey(msg.ID)

	// A response that itself announces cancellation is treated like a cancel
	// for correlation purposes, wherever it originated.
	if isCancelledError(msg.Error) {
		p, ok := t.retire(key)
		if !ok {
			return t.absorbLate(key)
		}
		p.cancel()
		p.resp <- msg
		t.log.Debug("request cancelled by server", "id", key, "code", msg.Error.Code)
		if t.observers.OnCancelled != nil {
			t.observers.OnCancelled(key, msg.Error.Message)
		}
		return true
	}

	t.mu.Lock()
	p, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		return t.absorbLate(key)
	}

	p.resp <- msg
	t.log.Debug("request completed", "id", key, "server", p.ServerName,
		"elapsed", time.Since(p.StartedAt))
	return true
}

// absorbLate swallows a response for a recently-cancelled id. The caller
// already observed the cancellation; surfacing the response now would be a
// duplicate resolution.
func (t *Tracker) absorbLate(key string) bool {
	if !t.IsCancelled(key) {
		return false
	}
	t.log.Debug("late response for cancelled request absorbed", "id", key)
	return true
}

func (t *Tracker) handleRemoteCancel(msg *wire.Message) {
	var params wire.CancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.log.Warn("malformed cancellation notification", "error", err)
		return
	}

	key := idKey(params.RequestID)
	p, ok := t.retire(key)
	if !ok {
		t.log.Debug("cancellation notification for unknown request", "id", key)
		return
	}

	p.cancel()
	t.log.Info("request cancelled by remote", "id", key, "reason", params.Reason)
	if t.observers.OnCancelled != nil {
		t.observers.OnCancelled(key, params.Reason)
	}
}

// isCancelledError recognizes the reserved cancelled-request error code and
// the loose "cancelled" wording some servers use instead.
func isCancelledError(rpcErr *wire.RPCError) bool {
	if rpcErr == nil {
		return false
	}
	if rpcErr.Code == wire.CodeRequestCancelled {
		return true
	}
	return strings.Contains(strings.ToLower(rpcErr.Message), "cancelled")
}

// Close stops the janitor and fires the token of every remaining pending
// request. No remote notifications are attempted: close is a local teardown.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() {
		close(t.stopSweep)
	})

	t.mu.Lock()
	remaining := make([]*Pending, 0, len(t.pending))
	for _, p := range t.pending {
		remaining = append(remaining, p)
	}
	t.pending = make(map[string]*Pending)
	t.mu.Unlock()

	for _, p := range remaining {
		p.cancel()
	}
}

// sweepLoop periodically forgets grace-window entries whose deadline passed.
func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopSweep:
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for id, deadline := range t.recentlyCancelled {
				if now.After(deadline) {
					delete(t.recentlyCancelled, id)
				}
			}
			t.mu.Unlock()
		}
	}
}

// idKey normalizes a JSON-RPC id (string or number) into a map key. JSON
// numbers arrive as float64 from the decoder.
func idKey(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
