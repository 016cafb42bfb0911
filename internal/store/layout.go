package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves the workspace directory structure:
//
//	<workspace>/<workingDir>/.cache/pool.json
//	<workspace>/<workingDir>/.cache/daemon.port
//	<workspace>/<workingDir>/.cache/history.db
//	<workspace>/<workingDir>/Plans/<sessionId>/session.json
//	<workspace>/<workingDir>/Plans/<sessionId>/plan-v<n>.md
//	<workspace>/<workingDir>/Plans/<sessionId>/tasks.json
//	<workspace>/<workingDir>/Plans/<sessionId>/progress.log
//	<workspace>/<workingDir>/Plans/<sessionId>/agent-<name>.log
//	<workspace>/<workingDir>/Plans/<sessionId>/checkpoints/<workflowId>.json
type Layout struct {
	Workspace  string
	WorkingDir string
}

// NewLayout creates a layout rooted at workspace/workingDir.
func NewLayout(workspace, workingDir string) Layout {
	return Layout{Workspace: workspace, WorkingDir: workingDir}
}

// Root returns the daemon state root directory.
func (l Layout) Root() string {
	return filepath.Join(l.Workspace, l.WorkingDir)
}

// CacheDir returns the .cache directory.
func (l Layout) CacheDir() string {
	return filepath.Join(l.Root(), ".cache")
}

// PlansDir returns the Plans directory holding one subdirectory per session.
func (l Layout) PlansDir() string {
	return filepath.Join(l.Root(), "Plans")
}

// PoolFile returns the pool snapshot path.
func (l Layout) PoolFile() string {
	return filepath.Join(l.CacheDir(), "pool.json")
}

// PortFile returns the well-known IPC port file path.
func (l Layout) PortFile() string {
	return filepath.Join(l.CacheDir(), "daemon.port")
}

// LockFile returns the advisory workspace lock path.
func (l Layout) LockFile() string {
	return filepath.Join(l.CacheDir(), "daemon.lock")
}

// HistoryDB returns the completed-session archive database path.
func (l Layout) HistoryDB() string {
	return filepath.Join(l.CacheDir(), "history.db")
}

// SessionDir returns the directory for one session.
func (l Layout) SessionDir(sessionID string) string {
	return filepath.Join(l.PlansDir(), sessionID)
}

// SessionFile returns the session.json path for a session.
func (l Layout) SessionFile(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "session.json")
}

// PlanFile returns the plan artifact path for a version.
func (l Layout) PlanFile(sessionID string, version int) string {
	return filepath.Join(l.SessionDir(sessionID), fmt.Sprintf("plan-v%d.md", version))
}

// TasksFile returns the expanded task list path for a session.
func (l Layout) TasksFile(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "tasks.json")
}

// ProgressLog returns the append-only workflow log path for a session.
func (l Layout) ProgressLog(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "progress.log")
}

// AgentLog returns the per-agent stream log path for a session.
func (l Layout) AgentLog(sessionID, agentName string) string {
	return filepath.Join(l.SessionDir(sessionID), fmt.Sprintf("agent-%s.log", agentName))
}

// CheckpointDir returns the checkpoints directory for a session.
func (l Layout) CheckpointDir(sessionID string) string {
	return filepath.Join(l.SessionDir(sessionID), "checkpoints")
}

// CheckpointFile returns the checkpoint blob path for a workflow.
func (l Layout) CheckpointFile(sessionID, workflowID string) string {
	return filepath.Join(l.CheckpointDir(sessionID), workflowID+".json")
}

// EnsureDirs creates the base directory tree.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.Root(), l.CacheDir(), l.PlansDir()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
