package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Status represents the lifecycle state of an agent instance
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// Sentinel errors surfaced by the supervisor and call router
var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentDisabled  = errors.New("agent is disabled")
	ErrNotConnected   = errors.New("agent process is not connected")
	ErrCallTimeout    = errors.New("call timed out waiting for agent response")
	ErrInstanceClosed = errors.New("agent instance was stopped")
)

// Definition is the static configuration of one agent. It is owned by
// configuration storage and read-only to the runtime.
type Definition struct {
	Name         string     `json:"name"`
	DisplayName  string     `json:"display_name"`
	Capabilities []string   `json:"capabilities"`
	Enabled      bool       `json:"enabled"`
	AutoSpawn    bool       `json:"auto_spawn"`
	Connection   Connection `json:"connection"`
}

// Connection is a variant describing how the agent is reached. Exactly one
// field should be set.
type Connection struct {
	Stdio    *StdioConnection  `json:"stdio,omitempty"`
	Remote   *RemoteConnection `json:"remote,omitempty"`
	Internal bool              `json:"internal,omitempty"`
}

// StdioConnection describes a spawnable child process speaking the wire
// protocol over its standard streams.
type StdioConnection struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// RemoteConnection describes an agent reached over HTTP
type RemoteConnection struct {
	BaseURL string `json:"base_url"`
}

// Validate checks the definition for structural problems
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("agent name is required")
	}

	set := 0
	if d.Connection.Stdio != nil {
		set++
		if d.Connection.Stdio.Command == "" {
			return fmt.Errorf("agent %s: stdio connection requires a command", d.Name)
		}
	}
	if d.Connection.Remote != nil {
		set++
		if d.Connection.Remote.BaseURL == "" {
			return fmt.Errorf("agent %s: remote connection requires a base_url", d.Name)
		}
	}
	if d.Connection.Internal {
		set++
	}
	if set != 1 {
		return fmt.Errorf("agent %s: exactly one connection variant must be set", d.Name)
	}

	return nil
}

// SpawnSpec is the request handed to the process spawner collaborator
type SpawnSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// ProcessHandle exposes a spawned child process: its stdio streams and
// termination controls. The real implementation wraps os/exec; tests use
// in-memory pipes.
type ProcessHandle interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// Terminate asks the process to exit gracefully
	Terminate() error
	// Kill forcefully ends the process
	Kill() error
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// Err reports the exit error after Done is closed
	Err() error
}

// ProcessSpawner creates child processes
type ProcessSpawner interface {
	Spawn(spec SpawnSpec) (ProcessHandle, error)
}

// InboundHandler processes one inbound agent call (permission request,
// file read/write) and returns the result payload for the response line.
type InboundHandler func(ctx context.Context, sessionID string, params json.RawMessage) (interface{}, error)

// InboundHandlers is the fixed dispatch table for agent-initiated calls.
// It is enumerated at wiring time, not dynamically extensible.
type InboundHandlers map[string]InboundHandler

// ContentBlock is one streamed piece of agent output
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallUpdate describes a tool-call status change streamed by an agent
type ToolCallUpdate struct {
	ID     string `json:"toolCallId"`
	Title  string `json:"title,omitempty"`
	Status string `json:"status,omitempty"`
}

// Update is one processed streamed notification, delivered to the
// registered notification sink.
type Update struct {
	AgentName  string
	SessionID  string
	Blocks     []ContentBlock
	ToolCall   *ToolCallUpdate
	StopReason string
	IsComplete bool
}

// UpdateSink receives processed streamed updates. Sink failures must stay
// inside the sink; they never propagate back into the protocol loop.
type UpdateSink func(Update)
