package agent

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vkode/conductor/pkg/acp"
)

// Timing defaults for instance supervision
const (
	DefaultCallTimeout      = 5 * time.Minute
	DefaultStopGrace        = 5 * time.Second
	DefaultSpawnWaitTimeout = 10 * time.Second

	spawnPollInterval = 100 * time.Millisecond
)

// Options tunes instance behavior. Zero values fall back to defaults.
type Options struct {
	CallTimeout      time.Duration
	StopGrace        time.Duration
	SpawnWaitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.SpawnWaitTimeout <= 0 {
		o.SpawnWaitTimeout = DefaultSpawnWaitTimeout
	}
	return o
}

// Instance is the runtime state for one stdio agent: its process handle,
// pending outbound calls, input decoder, and protocol session. All state
// is owned by this instance and never touched by another agent's instance.
type Instance struct {
	def      Definition
	spawner  ProcessSpawner
	handlers InboundHandlers
	opts     Options
	logger   zerolog.Logger

	sink            UpdateSink
	onSessionClosed func(sessionID string)

	mu          sync.Mutex
	status      Status
	proc        ProcessHandle
	spawnGen    int
	pending     map[int64]*pendingCall
	nextCallID  int64
	decoder     *acp.LineDecoder
	initialized bool
	sess        *session

	// writeMu serializes line writes to the agent's stdin
	writeMu sync.Mutex
}

// NewInstance creates a stopped instance for a stdio agent definition
func NewInstance(def Definition, spawner ProcessSpawner, handlers InboundHandlers, opts Options, logger zerolog.Logger) *Instance {
	return &Instance{
		def:      def,
		spawner:  spawner,
		handlers: handlers,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("agent", def.Name).Logger(),
		status:   StatusStopped,
		pending:  make(map[int64]*pendingCall),
		decoder:  acp.NewLineDecoder(),
	}
}

// SetUpdateSink registers the receiver for streamed notification updates
func (i *Instance) SetUpdateSink(sink UpdateSink) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sink = sink
}

// SetSessionClosedHook registers a callback fired with the session id when
// the process exits or is stopped, so pending approvals can be cancelled.
func (i *Instance) SetSessionClosedHook(fn func(sessionID string)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onSessionClosed = fn
}

// Definition returns the agent's static configuration
func (i *Instance) Definition() Definition {
	return i.def
}

// Status returns the current lifecycle state
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Ensure makes sure the agent process is running. A call while the
// instance is ready is a no-op; a call while a spawn is in flight waits
// for that spawn instead of racing a second process.
func (i *Instance) Ensure(ctx context.Context) error {
	i.mu.Lock()
	switch i.status {
	case StatusReady:
		i.mu.Unlock()
		return nil
	case StatusStarting:
		i.mu.Unlock()
		return i.waitReady(ctx)
	}

	if i.def.Connection.Stdio == nil {
		i.mu.Unlock()
		return fmt.Errorf("agent %s has no stdio connection", i.def.Name)
	}

	i.status = StatusStarting
	i.spawnGen++
	gen := i.spawnGen
	stdio := i.def.Connection.Stdio
	i.mu.Unlock()

	i.logger.Info().Str("command", stdio.Command).Msg("Spawning agent process")

	proc, err := i.spawner.Spawn(SpawnSpec{
		Command: stdio.Command,
		Args:    stdio.Args,
		Env:     stdio.Env,
		Cwd:     stdio.Cwd,
	})
	if err != nil {
		i.mu.Lock()
		if i.spawnGen == gen {
			i.status = StatusError
		}
		i.mu.Unlock()
		i.logger.Error().Err(err).Msg("Failed to spawn agent process")
		return fmt.Errorf("failed to spawn agent %s: %w", i.def.Name, err)
	}

	i.mu.Lock()
	if i.spawnGen != gen {
		// A concurrent stop superseded this spawn
		i.mu.Unlock()
		_ = proc.Kill()
		return ErrInstanceClosed
	}
	i.proc = proc
	i.decoder = acp.NewLineDecoder()
	i.status = StatusReady
	i.mu.Unlock()

	go i.readLoop(proc, gen)
	go i.stderrLoop(proc)
	go i.watchExit(proc, gen)

	i.logger.Info().Msg("Agent process ready")
	return nil
}

// waitReady polls an in-flight spawn until it resolves or the bounded
// wait elapses. On timeout it gives up silently; the instance may still
// become ready later.
func (i *Instance) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(i.opts.SpawnWaitTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spawnPollInterval):
		}

		switch i.Status() {
		case StatusReady:
			return nil
		case StatusError:
			return fmt.Errorf("agent %s failed to start", i.def.Name)
		case StatusStopped:
			return ErrInstanceClosed
		}
	}

	i.logger.Debug().Msg("Gave up waiting for in-flight spawn")
	return nil
}

// Stop rejects all pending calls, asks the process to exit gracefully,
// and force-kills it after the grace period. Cleanup itself happens in
// the exit handler, the same path as an unrequested exit.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	proc := i.proc
	i.mu.Unlock()

	if proc == nil {
		return nil
	}

	i.drainPending(ErrInstanceClosed)

	if err := proc.Terminate(); err != nil {
		i.logger.Debug().Err(err).Msg("Graceful termination signal failed")
	}

	select {
	case <-proc.Done():
	case <-time.After(i.opts.StopGrace):
		i.logger.Warn().Msg("Agent did not exit within grace period, killing")
		if err := proc.Kill(); err != nil {
			i.logger.Error().Err(err).Msg("Failed to kill agent process")
		}
		select {
		case <-proc.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// watchExit waits for process exit and runs cleanup. The generation guard
// makes a late exit from an old process a no-op once a newer spawn owns
// the instance.
func (i *Instance) watchExit(proc ProcessHandle, gen int) {
	<-proc.Done()
	i.handleExit(gen, proc.Err())
}

func (i *Instance) handleExit(gen int, exitErr error) {
	i.mu.Lock()
	if i.spawnGen != gen {
		i.mu.Unlock()
		return
	}

	// Drain the pending map before any status transition
	drained := make([]*pendingCall, 0, len(i.pending))
	for id, pc := range i.pending {
		drained = append(drained, pc)
		delete(i.pending, id)
	}

	next := StatusStopped
	if i.status == StatusStarting {
		next = StatusError
	}
	i.status = next
	i.proc = nil
	i.decoder.Reset()
	i.initialized = false

	var sessionID string
	if i.sess != nil {
		sessionID = i.sess.id
		i.sess = nil
	}
	closedHook := i.onSessionClosed
	i.mu.Unlock()

	reason := fmt.Errorf("agent %s exited: %w", i.def.Name, ErrInstanceClosed)
	if exitErr != nil {
		reason = fmt.Errorf("agent %s exited with error: %v", i.def.Name, exitErr)
	}
	for _, pc := range drained {
		pc.deliver(nil, reason)
	}

	if sessionID != "" && closedHook != nil {
		closedHook(sessionID)
	}

	evt := i.logger.Info()
	if exitErr != nil {
		evt = i.logger.Warn().Err(exitErr)
	}
	evt.Str("status", string(next)).Int("rejected_calls", len(drained)).Msg("Agent process exited")
}

// drainPending rejects every outstanding call with the given error
func (i *Instance) drainPending(err error) {
	i.mu.Lock()
	drained := make([]*pendingCall, 0, len(i.pending))
	for id, pc := range i.pending {
		drained = append(drained, pc)
		delete(i.pending, id)
	}
	i.mu.Unlock()

	for _, pc := range drained {
		pc.deliver(nil, err)
	}
}

// readLoop feeds agent stdout through the line decoder and reacts to each
// decoded message. It is the only consumer of the stream, so notifications
// are processed strictly in receipt order.
func (i *Instance) readLoop(proc ProcessHandle, gen int) {
	reader := bufio.NewReader(proc.Stdout())
	chunk := make([]byte, 32*1024)

	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			i.mu.Lock()
			stale := i.spawnGen != gen
			var msgs []acp.Message
			if !stale {
				msgs = i.decoder.Feed(chunk[:n])
			}
			i.mu.Unlock()
			if stale {
				return
			}

			for _, msg := range msgs {
				switch msg.Kind() {
				case acp.KindResponse:
					i.handleResponse(msg)
				case acp.KindCall:
					go i.dispatchInbound(msg)
				case acp.KindNotification:
					i.handleNotification(msg)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// stderrLoop surfaces agent diagnostics in our logs
func (i *Instance) stderrLoop(proc ProcessHandle) {
	scanner := bufio.NewScanner(proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		i.logger.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}
