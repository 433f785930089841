package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vkode/conductor/pkg/acp"
)

// session is the protocol conversation scope bound to a working directory.
// Content blocks only accumulate while the session is not complete.
type session struct {
	id         string
	cwd        string
	blocks     []ContentBlock
	complete   bool
	stopReason string
}

// initializeParams is the handshake payload sent once per instance
type initializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	Capabilities    clientCapabilities `json:"clientCapabilities"`
}

type clientCapabilities struct {
	FS fsCapabilities `json:"fs"`
}

type fsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

type newSessionParams struct {
	Cwd        string        `json:"cwd"`
	MCPServers []interface{} `json:"mcpServers"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type promptParams struct {
	SessionID string         `json:"sessionId,omitempty"`
	Prompt    []ContentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string         `json:"stopReason,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
}

// notificationParams covers both shapes agents stream: content and
// tool-call updates either at the top level or nested in an "update"
// envelope. Absent fields simply mean no new data this tick.
type notificationParams struct {
	SessionID  string          `json:"sessionId,omitempty"`
	Content    []ContentBlock  `json:"content,omitempty"`
	ToolCall   *ToolCallUpdate `json:"toolCall,omitempty"`
	StopReason string          `json:"stopReason,omitempty"`
	Update     *struct {
		Content    []ContentBlock  `json:"content,omitempty"`
		ToolCall   *ToolCallUpdate `json:"toolCall,omitempty"`
		StopReason string          `json:"stopReason,omitempty"`
	} `json:"update,omitempty"`
}

// ensureInitialized performs the protocol handshake exactly once per
// instance. A failed handshake is logged but not fatal; some agents do
// not require it.
func (i *Instance) ensureInitialized(ctx context.Context) {
	i.mu.Lock()
	if i.initialized {
		i.mu.Unlock()
		return
	}
	i.initialized = true
	i.mu.Unlock()

	params := initializeParams{
		ProtocolVersion: 1,
		Capabilities: clientCapabilities{
			FS: fsCapabilities{ReadTextFile: true, WriteTextFile: true},
		},
	}

	if _, err := i.Call(ctx, acp.MethodInitialize, params); err != nil {
		i.logger.Warn().Err(err).Msg("Initialize handshake failed, continuing anyway")
		return
	}
	i.logger.Debug().Msg("Agent initialized")
}

// EnsureSession returns a session scoped to cwd, reusing the current one
// when the working directory is unchanged and replacing it otherwise.
func (i *Instance) EnsureSession(ctx context.Context, cwd string) (string, error) {
	i.ensureInitialized(ctx)

	i.mu.Lock()
	if i.sess != nil && i.sess.cwd == cwd {
		id := i.sess.id
		i.mu.Unlock()
		return id, nil
	}
	i.mu.Unlock()

	payload, err := i.Call(ctx, acp.MethodSessionNew, newSessionParams{Cwd: cwd, MCPServers: []interface{}{}})
	if err != nil {
		return "", err
	}

	var result newSessionResult
	if err := json.Unmarshal(payload, &result); err != nil || result.SessionID == "" {
		return "", fmt.Errorf("agent %s: session/new returned no session id", i.def.Name)
	}

	i.mu.Lock()
	i.sess = &session{id: result.SessionID, cwd: cwd}
	i.mu.Unlock()

	i.logger.Info().Str("session_id", result.SessionID).Str("cwd", cwd).Msg("Session created")
	return result.SessionID, nil
}

// SessionID returns the current session id, if any
func (i *Instance) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sess == nil {
		return ""
	}
	return i.sess.id
}

// Prompt submits a task to the agent's current session and returns the
// final answer text. The streamed accumulation is preferred over the
// inline result when both exist, since observers read it incrementally.
func (i *Instance) Prompt(ctx context.Context, text string) (string, error) {
	i.mu.Lock()
	var sessionID string
	if i.sess != nil {
		sessionID = i.sess.id
		i.sess.blocks = nil
		i.sess.complete = false
		i.sess.stopReason = ""
	}
	i.mu.Unlock()

	params := promptParams{
		SessionID: sessionID,
		Prompt:    []ContentBlock{{Type: "text", Text: text}},
	}

	payload, err := i.Call(ctx, acp.MethodPrompt, params)
	if err != nil {
		return "", err
	}

	var inline promptResult
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &inline)
	}

	if streamed := i.AccumulatedText(); streamed != "" {
		return streamed, nil
	}

	var parts []string
	for _, block := range inline.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// Run is the full task path: ensure a session for cwd, then prompt
func (i *Instance) Run(ctx context.Context, cwd, task string) (string, error) {
	if _, err := i.EnsureSession(ctx, cwd); err != nil {
		return "", err
	}
	return i.Prompt(ctx, task)
}

// AccumulatedText joins all streamed text blocks received so far
func (i *Instance) AccumulatedText() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sess == nil {
		return ""
	}

	var b strings.Builder
	for _, block := range i.sess.blocks {
		b.WriteString(block.Text)
	}
	return b.String()
}

// ClearSessionOutput drops the accumulated content blocks
func (i *Instance) ClearSessionOutput() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.sess != nil {
		i.sess.blocks = nil
		i.sess.complete = false
		i.sess.stopReason = ""
	}
}

// handleNotification accumulates streamed content and forwards a processed
// update to the registered sink. Content may arrive at the top level or
// inside the update envelope; both are concatenated, never overwritten.
func (i *Instance) handleNotification(msg acp.Message) {
	var params notificationParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			i.logger.Debug().Err(err).Str("method", msg.Method).Msg("Unparsable notification params, ignoring")
			return
		}
	}

	blocks := append([]ContentBlock{}, params.Content...)
	toolCall := params.ToolCall
	stopReason := params.StopReason
	if params.Update != nil {
		blocks = append(blocks, params.Update.Content...)
		if toolCall == nil {
			toolCall = params.Update.ToolCall
		}
		if stopReason == "" {
			stopReason = params.Update.StopReason
		}
	}

	i.mu.Lock()
	sessionID := params.SessionID
	if sessionID == "" && i.sess != nil {
		sessionID = i.sess.id
	}
	if i.sess != nil && !i.sess.complete {
		i.sess.blocks = append(i.sess.blocks, blocks...)
		if stopReason != "" {
			i.sess.complete = true
			i.sess.stopReason = stopReason
		}
	}
	sink := i.sink
	i.mu.Unlock()

	if sink == nil {
		return
	}
	if len(blocks) == 0 && toolCall == nil && stopReason == "" {
		return
	}

	sink(Update{
		AgentName:  i.def.Name,
		SessionID:  sessionID,
		Blocks:     blocks,
		ToolCall:   toolCall,
		StopReason: stopReason,
		IsComplete: stopReason != "",
	})
}
