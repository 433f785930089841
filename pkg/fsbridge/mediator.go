// Package fsbridge mediates agent-initiated file access. Every request is
// checked against a sensitive-path blocklist on both the requested path
// and its symlink-resolved form, which defeats symlinks planted inside
// allowed directories that point at forbidden files.
package fsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrPathDenied is the fixed, non-leaking denial returned to agents.
// The full path detail goes to the operator log only.
var ErrPathDenied = errors.New("access to sensitive path denied")

// ReadParams is the payload of an fs/read_text_file call
type ReadParams struct {
	Path  string `json:"path"`
	Line  int    `json:"line,omitempty"`  // 1-based offset
	Limit int    `json:"limit,omitempty"` // max line count, 0 = all
}

// ReadResult is the fs/read_text_file response payload
type ReadResult struct {
	Content string `json:"content"`
}

// WriteParams is the payload of an fs/write_text_file call
type WriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Mediator authorizes and performs agent file I/O
type Mediator struct{}

// NewMediator creates a filesystem mediator
func NewMediator() *Mediator {
	return &Mediator{}
}

// authorize validates and symlink-checks a path. For writes the parent
// directory is resolved too, since the target may not exist yet. Returns
// the denial error with full detail logged separately.
func (m *Mediator) authorize(path string, forWrite bool) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute")
	}

	candidates := []string{path}

	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		candidates = append(candidates, resolved)
	} else if forWrite {
		// Target may not exist yet; resolve its parent instead
		if parent, err := filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
			candidates = append(candidates, filepath.Join(parent, filepath.Base(path)))
		}
	}

	for _, candidate := range candidates {
		if pattern := matchBlocklist(candidate); pattern != "" {
			log.Warn().
				Str("requested", path).
				Str("resolved", candidate).
				Str("pattern", pattern).
				Msg("Denied access to sensitive path")
			return fmt.Errorf("%w (%s)", ErrPathDenied, pattern)
		}
	}

	return nil
}

// ReadTextFile reads a file for an agent, optionally windowed to a 1-based
// line offset and a maximum line count.
func (m *Mediator) ReadTextFile(params ReadParams) (string, error) {
	if err := m.authorize(params.Path, false); err != nil {
		return "", err
	}

	data, err := os.ReadFile(params.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	if params.Line <= 0 && params.Limit <= 0 {
		return string(data), nil
	}

	lines := strings.Split(string(data), "\n")

	start := params.Line - 1
	if start < 0 {
		start = 0
	}
	if start >= len(lines) {
		return "", nil
	}

	end := len(lines)
	if params.Limit > 0 && start+params.Limit < end {
		end = start + params.Limit
	}

	return strings.Join(lines[start:end], "\n"), nil
}

// WriteTextFile writes a file on behalf of an agent, creating parent
// directories as needed.
func (m *Mediator) WriteTextFile(params WriteParams) error {
	if err := m.authorize(params.Path, true); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(params.Path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	if err := os.WriteFile(params.Path, []byte(params.Content), 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	log.Debug().Str("path", params.Path).Int("bytes", len(params.Content)).Msg("Agent file write")
	return nil
}

// HandleRead adapts ReadTextFile to the inbound dispatch table
func (m *Mediator) HandleRead(_ context.Context, _ string, raw json.RawMessage) (interface{}, error) {
	var params ReadParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid read params: %w", err)
	}

	content, err := m.ReadTextFile(params)
	if err != nil {
		return nil, err
	}
	return ReadResult{Content: content}, nil
}

// HandleWrite adapts WriteTextFile to the inbound dispatch table
func (m *Mediator) HandleWrite(_ context.Context, _ string, raw json.RawMessage) (interface{}, error) {
	var params WriteParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("invalid write params: %w", err)
	}

	if err := m.WriteTextFile(params); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}
