package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/relaywire/mcplink/config"
	"github.com/relaywire/mcplink/wire"
)

// TestHelperServerProcess is not a real test: the router tests re-exec the
// test binary with this entry point to get a live MCP server on stdio.
func TestHelperServerProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	runHelperServer()
	os.Exit(0)
}

// runHelperServer speaks header-framed JSON-RPC on stdio. It understands the
// MCP handshake, subscriptions, and a few test-only methods:
//
//	test/echo  — responds immediately with its params
//	test/slow  — never responds (cancellation tests)
//	test/push  — responds, then pushes a resources/updated notification
//	test/ask   — responds, then issues a server-originated request
func runHelperServer() {
	subscribe := os.Getenv("MCPLINK_TEST_NOSUB") != "1"
	dec := wire.NewDecoder(0)
	buf := make([]byte, 4096)

	reply := func(msg *wire.Message) {
		frame, err := wire.Encode(msg)
		if err != nil {
			return
		}
		os.Stdout.Write(frame)
	}
	respond := func(id any, result any) {
		raw, _ := json.Marshal(result)
		reply(&wire.Message{JSONRPC: wire.Version, ID: id, Result: raw})
	}

	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if err := dec.Feed(buf[:n]); err != nil {
				return
			}
			for {
				msg, err := dec.Next()
				if err != nil {
					continue
				}
				if msg == nil {
					break
				}
				switch msg.Method {
				case wire.MethodInitialize:
					respond(msg.ID, wire.InitializeResult{
						ProtocolVersion: ProtocolVersion,
						Capabilities: wire.ServerCapabilities{
							Resources: &wire.ResourcesCapability{Subscribe: subscribe},
						},
						ServerInfo: wire.ServerInfo{Name: "helper", Version: "0.1.0"},
					})
				case wire.MethodResourcesSubscribe, wire.MethodResourcesUnsubscribe:
					respond(msg.ID, struct{}{})
				case "test/echo":
					reply(&wire.Message{JSONRPC: wire.Version, ID: msg.ID, Result: msg.Params})
				case "test/slow":
					// Response withheld on purpose.
				case "test/push":
					respond(msg.ID, struct{}{})
					var params wire.SubscribeParams
					json.Unmarshal(msg.Params, &params)
					note, _ := wire.NewNotification(wire.NotificationResourcesUpdated,
						wire.ResourceUpdatedParams{URI: params.URI})
					reply(note)
				case "test/ask":
					respond(msg.ID, struct{}{})
					req, _ := wire.NewRequest("srv-1", "roots/list", nil)
					reply(req)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func rtTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func helperConfig(name string, env map[string]string) config.ServerConfig {
	return config.ServerConfig{
		Name:    name,
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperServerProcess$", "--"},
		Env:     mergeEnv(env),
		Quiet:   true,
	}
}

func mergeEnv(extra map[string]string) map[string]string {
	env := map[string]string{"GO_WANT_HELPER_PROCESS": "1"}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func newTestRouter(t *testing.T, obs Observers) *Router {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test requires POSIX process handling")
	}
	r := New(Options{CancelGrace: time.Second}, obs, rtTestLogger())
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

func connectHelper(t *testing.T, r *Router, name string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Connect(ctx, helperConfig(name, nil)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestRouter_ConnectAndCall(t *testing.T) {
	var connected []string
	r := newTestRouter(t, Observers{
		OnConnected: func(name string, info wire.ServerInfo) {
			connected = append(connected, info.Name)
		},
	})
	connectHelper(t, r, "srv")

	if len(connected) != 1 || connected[0] != "helper" {
		t.Errorf("OnConnected events = %v, want [helper]", connected)
	}
	info, ok := r.ServerInfo("srv")
	if !ok || info.Name != "helper" {
		t.Errorf("ServerInfo = %+v, %v", info, ok)
	}
	if names := r.Servers(); len(names) != 1 || names[0] != "srv" {
		t.Errorf("Servers() = %v, want [srv]", names)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := r.Call(ctx, "srv", "test/echo", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var echoed map[string]string
	if err := json.Unmarshal(resp.Result, &echoed); err != nil {
		t.Fatalf("result did not parse: %v", err)
	}
	if echoed["hello"] != "world" {
		t.Errorf("echoed = %v", echoed)
	}
}

func TestRouter_ConnectTwice(t *testing.T) {
	r := newTestRouter(t, Observers{})
	connectHelper(t, r, "srv")

	err := r.Connect(context.Background(), helperConfig("srv", nil))
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("error = %v, want ErrAlreadyConnected", err)
	}
}

func TestRouter_ConnectAll(t *testing.T) {
	r := newTestRouter(t, Observers{})
	cfg := &config.Config{Servers: []config.ServerConfig{
		helperConfig("one", nil),
		helperConfig("two", nil),
		{Name: "bad", Command: "definitely-not-a-real-binary-mcplink"},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	failed := r.ConnectAll(ctx, cfg)

	if len(failed) != 1 {
		t.Fatalf("failed = %v, want only bad", failed)
	}
	if failed["bad"] == nil {
		t.Error("bad server did not report an error")
	}
	if names := r.Servers(); len(names) != 2 {
		t.Errorf("Servers() = %v, want two healthy servers", names)
	}
}

func TestRouter_CallUnknownServer(t *testing.T) {
	r := newTestRouter(t, Observers{})
	_, err := r.Call(context.Background(), "ghost", "test/echo", nil)
	if !errors.Is(err, ErrServerNotFound) {
		t.Errorf("error = %v, want ErrServerNotFound", err)
	}
}

func TestRouter_CallDeadline(t *testing.T) {
	r := newTestRouter(t, Observers{})
	connectHelper(t, r, "srv")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := r.Call(ctx, "srv", "test/slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}

	// The expired call was cancelled through the tracker, not abandoned.
	if r.Tracker().HasActiveRequests() {
		t.Error("expired call left an active request")
	}
}

func TestRouter_CancelInFlight(t *testing.T) {
	r := newTestRouter(t, Observers{})
	connectHelper(t, r, "srv")

	var wg sync.WaitGroup
	var callErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, callErr = r.Call(context.Background(), "srv", "test/slow", nil)
	}()

	if !waitFor(t, 3*time.Second, func() bool { return r.Tracker().ActiveCount() == 1 }) {
		t.Fatal("slow call never became active")
	}
	results := r.Tracker().CancelAll(context.Background(), "user abort")
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("CancelAll results = %+v", results)
	}

	wg.Wait()
	if !errors.Is(callErr, ErrRequestCancelled) {
		t.Errorf("Call error = %v, want ErrRequestCancelled", callErr)
	}
}

func TestRouter_SubscribeAndUpdate(t *testing.T) {
	var mu sync.Mutex
	var updates []string
	r := newTestRouter(t, Observers{
		OnResourceUpdated: func(server, uri string) {
			mu.Lock()
			updates = append(updates, uri)
			mu.Unlock()
		},
	})
	connectHelper(t, r, "srv")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Subscribe(ctx, "srv", "file:///a"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// The helper pushes an update for the uri we name.
	if _, err := r.Call(ctx, "srv", "test/push", wire.SubscribeParams{URI: "file:///a"}); err != nil {
		t.Fatalf("push call failed: %v", err)
	}
	if !waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	}) {
		t.Fatal("resource update never arrived")
	}

	// Updates for untracked URIs never surface.
	if _, err := r.Call(ctx, "srv", "test/push", wire.SubscribeParams{URI: "file:///other"}); err != nil {
		t.Fatalf("push call failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(updates) != 1 {
		t.Errorf("updates = %v, want only file:///a", updates)
	}
}

func TestRouter_SubscribeUnsupported(t *testing.T) {
	r := newTestRouter(t, Observers{})
	cfg := helperConfig("nosub", map[string]string{"MCPLINK_TEST_NOSUB": "1"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Connect(ctx, cfg); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	err := r.Subscribe(ctx, "nosub", "file:///a")
	if err == nil {
		t.Fatal("Subscribe succeeded without the capability")
	}
	if len(r.Subscriptions()) != 0 {
		t.Error("failed subscribe was recorded")
	}
}

func TestRouter_ServerRequestDelivered(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	r := newTestRouter(t, Observers{
		OnRequest: func(server string, msg *wire.Message) {
			mu.Lock()
			methods = append(methods, msg.Method)
			mu.Unlock()
		},
	})
	connectHelper(t, r, "srv")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.Call(ctx, "srv", "test/ask", nil); err != nil {
		t.Fatalf("ask call failed: %v", err)
	}

	if !waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(methods) == 1
	}) {
		t.Fatal("server-originated request never delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if methods[0] != "roots/list" {
		t.Errorf("method = %q, want roots/list", methods[0])
	}
}

func TestRouter_Reconnect(t *testing.T) {
	r := newTestRouter(t, Observers{})
	connectHelper(t, r, "srv")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Subscribe(ctx, "srv", "file:///a"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	results, err := r.Reconnect(ctx, "srv")
	if err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if len(results) != 1 || !results[0].Success || results[0].URI != "file:///a" {
		t.Fatalf("replay results = %+v", results)
	}

	subs := r.Subscriptions()
	if len(subs) != 1 || subs[0].URI != "file:///a" {
		t.Errorf("Subscriptions() = %+v after reconnect", subs)
	}

	// The fresh process still answers calls.
	if _, err := r.Call(ctx, "srv", "test/echo", nil); err != nil {
		t.Errorf("Call after Reconnect failed: %v", err)
	}
}

func TestRouter_Disconnect(t *testing.T) {
	var disconnected []string
	r := newTestRouter(t, Observers{
		OnDisconnected: func(name string) { disconnected = append(disconnected, name) },
	})
	connectHelper(t, r, "srv")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Subscribe(ctx, "srv", "file:///a"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := r.Disconnect(ctx, "srv"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if len(r.Servers()) != 0 {
		t.Error("server still listed after Disconnect")
	}
	if len(r.Subscriptions()) != 0 {
		t.Error("subscriptions survived Disconnect")
	}
	if len(disconnected) != 1 {
		t.Errorf("OnDisconnected fired %d times, want 1", len(disconnected))
	}

	if err := r.Disconnect(ctx, "srv"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("second Disconnect error = %v, want ErrServerNotFound", err)
	}
}

func TestRouter_Shutdown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test requires POSIX process handling")
	}
	r := New(Options{CancelGrace: time.Second}, Observers{}, rtTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Connect(ctx, helperConfig("srv", nil)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var wg sync.WaitGroup
	var callErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, callErr = r.Call(context.Background(), "srv", "test/slow", nil)
	}()
	if !waitFor(t, 3*time.Second, func() bool { return r.Tracker().ActiveCount() == 1 }) {
		t.Fatal("slow call never became active")
	}

	results := r.Shutdown(context.Background())
	if len(results) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(results))
	}
	if !results[0].Success || results[0].Reason != "shutdown" {
		t.Errorf("outcome = %+v", results[0])
	}

	wg.Wait()
	if !errors.Is(callErr, ErrRequestCancelled) {
		t.Errorf("Call error = %v, want ErrRequestCancelled", callErr)
	}
	if len(r.Servers()) != 0 {
		t.Error("servers still listed after Shutdown")
	}
}
