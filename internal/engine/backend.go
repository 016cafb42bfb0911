package engine

import (
	"fmt"
)

// TaskRequest carries everything a backend needs to build the command line
// for one agent task.
type TaskRequest struct {
	Agent     string // pool slot name
	Prompt    string
	Stage     string // tag consumed by external CLI callbacks
	SessionID string
	Workspace string
}

// Backend builds child-process command lines for a specific agent CLI.
type Backend interface {
	Name() string
	BuildCommand(req TaskRequest) []string
}

// NewBackend resolves a configured backend recipe by name.
func NewBackend(name string) (Backend, error) {
	switch name {
	case "claude":
		return claudeBackend{}, nil
	case "codex":
		return codexBackend{}, nil
	case "mock":
		return MockBackend{}, nil
	}
	return nil, fmt.Errorf("unknown agent backend %q", name)
}

type claudeBackend struct{}

func (claudeBackend) Name() string { return "claude" }

func (claudeBackend) BuildCommand(req TaskRequest) []string {
	return []string{
		"claude", "-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--append-system-prompt",
		fmt.Sprintf("You are %s working stage %s of session %s.", req.Agent, req.Stage, req.SessionID),
	}
}

type codexBackend struct{}

func (codexBackend) Name() string { return "codex" }

func (codexBackend) BuildCommand(req TaskRequest) []string {
	return []string{
		"codex", "exec", "--json",
		"--skip-git-repo-check",
		req.Prompt,
	}
}

// MockBackend echoes the prompt back through the shell. Used by tests and
// by dry runs.
type MockBackend struct {
	// Script, when set, replaces the default echo. The prompt is passed as
	// the first positional argument.
	Script string
}

func (MockBackend) Name() string { return "mock" }

func (m MockBackend) BuildCommand(req TaskRequest) []string {
	script := m.Script
	if script == "" {
		script = `printf '%s\n' "$1"`
	}
	return []string{"/bin/sh", "-c", script, "task", req.Prompt}
}
