package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vkode/conductor/pkg/acp"
)

// callResult is what a pending outbound call resolves to
type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall is one outstanding outbound call awaiting its response.
// deliver fires at most once; the once guard plus removal from the pending
// map under the instance lock gives exactly-once resolution even when a
// response and the timeout race.
type pendingCall struct {
	id    int64
	ch    chan callResult
	timer *time.Timer
	once  sync.Once
}

func (pc *pendingCall) deliver(payload json.RawMessage, err error) {
	pc.once.Do(func() {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.ch <- callResult{payload: payload, err: err}
	})
}

// Call issues an outbound call to the agent and blocks until the matching
// response arrives, the fixed timeout fires, or ctx is cancelled. A stale
// response arriving after resolution finds no pending entry and is dropped.
func (i *Instance) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	i.mu.Lock()
	if i.proc == nil {
		i.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", i.def.Name, ErrNotConnected)
	}

	i.nextCallID++
	id := i.nextCallID
	pc := &pendingCall{id: id, ch: make(chan callResult, 1)}
	i.pending[id] = pc
	i.mu.Unlock()

	pc.timer = time.AfterFunc(i.opts.CallTimeout, func() {
		if i.takePending(id) != nil {
			pc.deliver(nil, fmt.Errorf("%s after %v: %w", method, i.opts.CallTimeout, ErrCallTimeout))
		}
	})

	msg, err := acp.NewCall(id, method, params)
	if err != nil {
		i.takePending(id)
		pc.deliver(nil, err)
		<-pc.ch
		return nil, err
	}

	if err := i.writeMessage(msg); err != nil {
		if i.takePending(id) != nil {
			pc.deliver(nil, fmt.Errorf("failed to write %s call: %w", method, err))
		}
		res := <-pc.ch
		return nil, res.err
	}

	i.logger.Debug().Str("method", method).Int64("call_id", id).Msg("Outbound call sent")

	select {
	case res := <-pc.ch:
		return res.payload, res.err
	case <-ctx.Done():
		if i.takePending(id) != nil {
			pc.deliver(nil, ctx.Err())
		}
		res := <-pc.ch
		return res.payload, res.err
	}
}

// takePending removes and returns the pending entry for id, or nil if it
// was already resolved.
func (i *Instance) takePending(id int64) *pendingCall {
	i.mu.Lock()
	defer i.mu.Unlock()
	pc, ok := i.pending[id]
	if !ok {
		return nil
	}
	delete(i.pending, id)
	return pc
}

// handleResponse matches a response line to its outstanding call
func (i *Instance) handleResponse(msg acp.Message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		i.logger.Warn().Str("id", string(msg.ID)).Msg("Response with non-numeric id, dropping")
		return
	}

	pc := i.takePending(id)
	if pc == nil {
		i.logger.Debug().Int64("call_id", id).Msg("Response for unknown or resolved call, dropping")
		return
	}

	if msg.Error != nil {
		pc.deliver(nil, msg.Error)
		return
	}
	pc.deliver(msg.Result, nil)
}

// dispatchInbound routes an agent-initiated call to its registered handler
// and always writes back a response, even when the handler fails or
// panics, so the agent is never left waiting.
func (i *Instance) dispatchInbound(msg acp.Message) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error().Interface("panic", r).Str("method", msg.Method).Msg("Inbound handler panicked")
			i.respond(acp.NewError(msg.ID, acp.HandlerError, fmt.Sprintf("handler failure: %v", r)))
		}
	}()

	handler, ok := i.handlers[msg.Method]
	if !ok {
		i.logger.Warn().Str("method", msg.Method).Msg("Inbound call for unknown method")
		i.respond(acp.NewError(msg.ID, acp.MethodNotFound, fmt.Sprintf("Method not found: %s", msg.Method)))
		return
	}

	i.logger.Debug().Str("method", msg.Method).Msg("Dispatching inbound call")

	result, err := handler(context.Background(), i.SessionID(), msg.Params)
	if err != nil {
		code := acp.HandlerError
		if rpcErr, ok := err.(*acp.RPCError); ok {
			code = rpcErr.Code
		}
		i.respond(acp.NewError(msg.ID, code, err.Error()))
		return
	}

	resp, err := acp.NewResult(msg.ID, result)
	if err != nil {
		i.respond(acp.NewError(msg.ID, acp.InternalError, "failed to encode result"))
		return
	}
	i.respond(resp)
}

func (i *Instance) respond(msg acp.Message) {
	if err := i.writeMessage(msg); err != nil {
		i.logger.Error().Err(err).Msg("Failed to write response to agent")
	}
}

// writeMessage serializes one message as a single line on the agent's stdin
func (i *Instance) writeMessage(msg acp.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	i.mu.Lock()
	proc := i.proc
	i.mu.Unlock()
	if proc == nil {
		return ErrNotConnected
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	_, err = proc.Stdin().Write(data)
	return err
}
