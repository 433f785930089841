package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Supervisor owns one Instance per configured stdio agent name. Instances
// are created lazily on first use and survive process restarts; definitions
// can be swapped wholesale on config reload.
type Supervisor struct {
	spawner  ProcessSpawner
	handlers InboundHandlers
	opts     Options
	logger   zerolog.Logger

	sink            UpdateSink
	onSessionClosed func(sessionID string)

	mu        sync.Mutex
	defs      map[string]Definition
	instances map[string]*Instance
}

// NewSupervisor creates a supervisor over the given agent definitions
func NewSupervisor(defs []Definition, spawner ProcessSpawner, handlers InboundHandlers, opts Options, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		spawner:   spawner,
		handlers:  handlers,
		opts:      opts,
		logger:    logger,
		defs:      make(map[string]Definition),
		instances: make(map[string]*Instance),
	}
	for _, def := range defs {
		s.defs[def.Name] = def
	}
	return s
}

// SetUpdateSink registers the streamed-update receiver for all instances
func (s *Supervisor) SetUpdateSink(sink UpdateSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	for _, inst := range s.instances {
		inst.SetUpdateSink(sink)
	}
}

// SetSessionClosedHook registers the session-teardown callback for all
// instances
func (s *Supervisor) SetSessionClosedHook(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSessionClosed = fn
	for _, inst := range s.instances {
		inst.SetSessionClosedHook(fn)
	}
}

// Definitions returns all known agent definitions
func (s *Supervisor) Definitions() []Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	defs := make([]Definition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, def)
	}
	return defs
}

// Definition looks up one agent definition by name
func (s *Supervisor) Definition(name string) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return def, nil
}

// ReplaceDefinitions swaps the definition set on config reload. Running
// instances keep their old definition until restarted.
func (s *Supervisor) ReplaceDefinitions(defs []Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = make(map[string]Definition, len(defs))
	for _, def := range defs {
		s.defs[def.Name] = def
	}
	s.logger.Info().Int("agents", len(defs)).Msg("Agent definitions replaced")
}

// Instance returns the runtime instance for name, creating it if needed
func (s *Supervisor) Instance(name string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.instances[name]; ok {
		return inst, nil
	}

	def, ok := s.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	if !def.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrAgentDisabled, name)
	}
	if def.Connection.Stdio == nil {
		return nil, fmt.Errorf("agent %s is not a stdio agent", name)
	}

	inst := NewInstance(def, s.spawner, s.handlers, s.opts, s.logger)
	if s.sink != nil {
		inst.SetUpdateSink(s.sink)
	}
	if s.onSessionClosed != nil {
		inst.SetSessionClosedHook(s.onSessionClosed)
	}
	s.instances[name] = inst
	return inst, nil
}

// Ensure makes sure the named agent's process is running
func (s *Supervisor) Ensure(ctx context.Context, name string) (*Instance, error) {
	inst, err := s.Instance(name)
	if err != nil {
		return nil, err
	}
	if err := inst.Ensure(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// Statuses reports the lifecycle state of every known agent
func (s *Supervisor) Statuses() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Status, len(s.defs))
	for name := range s.defs {
		if inst, ok := s.instances[name]; ok {
			out[name] = inst.Status()
		} else {
			out[name] = StatusStopped
		}
	}
	return out
}

// StopAll stops every running instance, used on daemon shutdown
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.Unlock()

	for _, inst := range instances {
		if err := inst.Stop(ctx); err != nil {
			s.logger.Warn().Err(err).Str("agent", inst.Definition().Name).Msg("Failed to stop agent")
		}
	}
}
