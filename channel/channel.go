package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/relaywire/mcplink/logger"
	"github.com/relaywire/mcplink/wire"
)

var (
	// ErrAlreadyStarted is returned by Start when the channel was started before.
	// A Channel is one-shot: construct a new one to respawn a server.
	ErrAlreadyStarted = errors.New("channel: already started")

	// ErrNotConnected is returned by Send when the child's stdin is not writable.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrClosed is returned by Start on a channel that was already closed.
	// A closed channel never spawns; construct a new one to respawn a server.
	ErrClosed = errors.New("channel: closed")

	// ErrStartupTimeout is returned by Start when the child could not be spawned
	// within the configured startup timeout. Any partially-spawned process has
	// been force-killed.
	ErrStartupTimeout = errors.New("channel: startup timed out")
)

// ExitError reports a child process that exited before startup completed.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("channel: process exited early with code %d", e.Code)
}

const (
	// DefaultStartupTimeout bounds process spawn during Start.
	DefaultStartupTimeout = 30 * time.Second

	// termGracePeriod is how long Close waits after SIGTERM before escalating.
	termGracePeriod = 5 * time.Second

	// killGracePeriod bounds the wait after SIGKILL. A process that ignores
	// SIGKILL cannot be allowed to block the engine forever.
	killGracePeriod = 2 * time.Second

	// earlyExitProbe is how long Start watches a freshly spawned process for an
	// immediate exit before declaring the spawn successful.
	earlyExitProbe = 100 * time.Millisecond

	readChunkSize = 4096
)

// Config holds the options for spawning one MCP server process.
type Config struct {
	ServerName     string        // logical name used in logs and events
	Command        string        // executable to spawn
	Args           []string      // command arguments
	Env            []string      // KEY=VALUE pairs appended to the parent environment
	Dir            string        // working directory ("" = inherit)
	Quiet          bool          // discard child stderr instead of inheriting it
	StartupTimeout time.Duration // 0 = DefaultStartupTimeout
	MaxBufferSize  int           // decode buffer ceiling, 0 = wire.DefaultMaxBufferSize
}

// Observers receives channel events. All callbacks are invoked from the
// channel's internal goroutines; implementations should be fast and must not
// block process management. A nil field disables that event. Failures inside
// the channel are always delivered here, never allowed to escape an I/O
// goroutine.
type Observers struct {
	// OnMessage is called for every decoded message, in the exact byte order
	// the child wrote them.
	OnMessage func(*wire.Message)

	// OnError is called for recoverable framing faults and for transport
	// errors (stream failures, unexpected exit).
	OnError func(error)

	// OnClose is called exactly once when the channel is finished, whether by
	// Close or by the process exiting on its own.
	OnClose func()
}

// Channel owns one MCP server child process and presents a message-in /
// message-out interface over its stdio. Exactly one Channel owns one process
// at a time; the handle is never shared.
type Channel struct {
	config    Config
	observers Observers
	log       *slog.Logger
	id        string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	decoder *wire.Decoder
	started bool
	ready   bool // startup completed; unexpected exits are reported from here on
	closed  bool
	pid     int

	// writeMu keeps concurrent Send calls from interleaving frame bytes.
	writeMu sync.Mutex

	// waitDone is closed by monitorExit when cmd.Wait() completes. monitorExit
	// is the sole caller of cmd.Wait(); Close coordinates through this channel
	// instead of calling Wait itself.
	waitDone chan struct{}
	exitCode int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Channel for the given config. The process is not spawned
// until Start is called.
func New(config Config, observers Observers, log *slog.Logger) *Channel {
	if log == nil {
		log = logger.WithServer(config.ServerName)
	}
	id := uuid.NewString()
	return &Channel{
		config:    config,
		observers: observers,
		log:       log.With("channel", id, "server", config.ServerName),
		id:        id,
		decoder:   wire.NewDecoder(config.MaxBufferSize),
	}
}

// ID returns the unique identifier of this channel instance.
func (c *Channel) ID() string { return c.id }

// Start spawns the child process and begins decoding its stdout.
//
// The spawn is raced against the configured startup timeout; on timeout any
// partially-spawned process is force-killed and ErrStartupTimeout is
// returned. A process that exits within the startup probe window fails Start
// with ExitError carrying the exit code.
func (c *Channel) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	timeout := c.config.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}

	c.log.Info("starting process", "command", c.config.Command)
	startTime := time.Now()

	cmd := exec.Command(c.config.Command, c.config.Args...)
	if c.config.Dir != "" {
		cmd.Dir = c.config.Dir
	}
	if len(c.config.Env) > 0 {
		cmd.Env = append(os.Environ(), c.config.Env...)
	}
	if c.config.Quiet {
		cmd.Stderr = io.Discard
	} else {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.log.Error("failed to get stdin pipe", "error", err)
		return fmt.Errorf("channel: stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		c.log.Error("failed to get stdout pipe", "error", err)
		return fmt.Errorf("channel: stdout pipe: %w", err)
	}

	// Race the spawn against the startup timeout. cmd.Start is normally fast
	// but can stall on a loaded system; a stall must not hang the caller.
	startErr := make(chan error, 1)
	go func() { startErr <- cmd.Start() }()

	select {
	case err := <-startErr:
		if err != nil {
			stdin.Close()
			stdout.Close()
			c.log.Error("failed to spawn process", "error", err)
			return fmt.Errorf("channel: spawn: %w", err)
		}
	case <-time.After(timeout):
		// If the spawn eventually lands, reap the orphan.
		go func() {
			if err := <-startErr; err == nil {
				cmd.Process.Kill()
				cmd.Wait()
			}
		}()
		stdin.Close()
		stdout.Close()
		c.log.Error("spawn did not complete in time", "timeout", timeout)
		return ErrStartupTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	waitDone := make(chan struct{})

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.pid = cmd.Process.Pid
	c.waitDone = waitDone
	c.ctx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(stdout)
	}()
	go func() {
		defer c.wg.Done()
		c.monitorExit(cmd, waitDone)
	}()

	// Watch for an immediate death before declaring startup complete. Exits
	// inside this window surface as a Start failure rather than an event.
	select {
	case <-waitDone:
		c.mu.Lock()
		code := c.exitCode
		c.closed = true
		c.mu.Unlock()
		cancel()
		c.log.Error("process exited during startup", "code", code)
		return &ExitError{Code: code}
	case <-time.After(earlyExitProbe):
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	c.log.Info("process started", "pid", cmd.Process.Pid, "elapsed", time.Since(startTime))
	return nil
}

// IsRunning returns whether the child process is currently running.
func (c *Channel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed || c.waitDone == nil {
		return false
	}
	select {
	case <-c.waitDone:
		return false
	default:
		return true
	}
}

// Pid returns the child process id, or 0 before Start.
func (c *Channel) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// Send encodes msg in the canonical wire form and writes it to the child's
// stdin. It returns once the write has completed, not merely once it was
// queued. Returns ErrNotConnected when stdin is not writable.
func (c *Channel) Send(ctx context.Context, msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	stdin := c.stdin
	usable := c.started && !c.closed
	c.mu.Unlock()

	if !usable || stdin == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("channel: write to process: %w", err)
	}
	return nil
}

// Close shuts the channel down. It sends SIGTERM, escalates to SIGKILL after
// 5 seconds, and after a short further grace period declares the channel
// closed regardless of the outcome. Internal buffers are always cleared on
// return. Calling Close on an already-closed channel is a no-op.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed || !c.started {
		c.closed = true
		c.mu.Unlock()
		return
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
	}
	if c.stdin != nil {
		c.stdin.Close()
		c.stdin = nil
	}
	cmd := c.cmd
	waitDone := c.waitDone
	c.mu.Unlock()

	c.log.Debug("closing channel")

	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			c.log.Debug("process exited after stdin close")
		default:
			cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-waitDone:
				c.log.Debug("process exited on SIGTERM")
			case <-time.After(termGracePeriod):
				c.log.Warn("process ignored SIGTERM, sending SIGKILL")
				cmd.Process.Kill()
				select {
				case <-waitDone:
				case <-time.After(killGracePeriod):
					c.log.Error("process did not exit after SIGKILL, abandoning wait")
				}
			}
		}
	}

	// Bounded wait for the reader and monitor goroutines; a wedged process
	// must not turn Close into a hang.
	goroutinesDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(goroutinesDone)
	}()
	select {
	case <-goroutinesDone:
	case <-time.After(killGracePeriod):
		c.log.Warn("goroutines still running at close, abandoning wait")
	}

	c.mu.Lock()
	c.decoder.Reset()
	c.cmd = nil
	c.stdout = nil
	c.mu.Unlock()

	c.fireClose()
	c.log.Info("channel closed")
}

// readLoop pumps child stdout through the decoder and dispatches messages and
// framing faults to the observers, preserving byte order.
func (c *Channel) readLoop(stdout io.ReadCloser) {
	c.log.Debug("output reader started")
	buf := make([]byte, readChunkSize)

	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			c.pump(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				c.log.Debug("EOF on stdout")
			} else if c.ctx.Err() == nil {
				c.log.Debug("error reading stdout", "error", err)
				c.reportError(fmt.Errorf("channel: read from process: %w", err))
			}
			return
		}
	}
}

// pump feeds one chunk into the decoder and drains every complete message.
// Framing faults are reported and decoding continues; a bad frame costs at
// most one message.
func (c *Channel) pump(chunk []byte) {
	if err := c.decoder.Feed(chunk); err != nil {
		c.reportError(err)
	}
	for {
		msg, err := c.decoder.Next()
		if err != nil {
			c.reportError(err)
			continue
		}
		if msg == nil {
			return
		}
		if c.observers.OnMessage != nil {
			c.observers.OnMessage(msg)
		}
	}
}

// monitorExit waits for the process to exit. It is the sole caller of
// cmd.Wait(); everyone else coordinates via waitDone.
func (c *Channel) monitorExit(cmd *exec.Cmd, waitDone chan struct{}) {
	err := cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}

	c.mu.Lock()
	c.exitCode = code
	ready := c.ready
	closing := c.closed || c.ctx.Err() != nil
	c.mu.Unlock()

	close(waitDone)

	if !ready {
		// Start is still watching waitDone and will surface the failure.
		return
	}
	if closing {
		c.log.Debug("process exited during close", "code", code)
		return
	}

	c.log.Warn("process exited unexpectedly", "code", code, "error", err)
	c.reportError(fmt.Errorf("channel: process exited unexpectedly: %w", &ExitError{Code: code}))
	c.fireClose()
}

func (c *Channel) reportError(err error) {
	if c.observers.OnError != nil {
		c.observers.OnError(err)
	}
}

func (c *Channel) fireClose() {
	c.closeOnce.Do(func() {
		if c.observers.OnClose != nil {
			c.observers.OnClose()
		}
	})
}
