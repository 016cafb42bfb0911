// Package store provides durable, crash-safe persistence for sessions,
// the agent pool snapshot, and workflow checkpoints. All writes go through
// a single writer guarded by an advisory workspace lock and land via
// write-temp-then-atomic-rename, so readers always observe whole files.
package store

import (
	"time"
)

// Status is a session lifecycle status. Transitions are owned by the
// session manager; the store only persists and indexes them.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusDebating  Status = "debating"
	StatusReviewing Status = "reviewing"
	StatusRevising  Status = "revising"
	StatusApproved  Status = "approved"
	StatusExecuting Status = "executing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status absorbs further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// PlanVersion is one entry of a session's append-only plan history.
type PlanVersion struct {
	Version    int       `json:"version"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"createdAt"`
	AuthorRole string    `json:"authorRole"`
}

// WorkflowRef records a completed workflow in the session history.
type WorkflowRef struct {
	ID        string    `json:"id"`
	Graph     string    `json:"graph"`
	Success   bool      `json:"success"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Error     string    `json:"error,omitempty"`
}

// Execution is the optional execution sub-record of a session.
type Execution struct {
	WorkflowID string    `json:"workflowId"`
	StartedAt  time.Time `json:"startedAt"`
	TasksPath  string    `json:"tasksPath,omitempty"`
}

// Session is the persisted session record (session.json).
type Session struct {
	ID          string        `json:"id"`
	Requirement string        `json:"requirement"`
	Docs        []string      `json:"docs,omitempty"`
	Status      Status        `json:"status"`
	Plans       []PlanVersion `json:"plans"`
	Workflows   []WorkflowRef `json:"workflows,omitempty"`
	Execution   *Execution    `json:"execution,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// CurrentPlan returns the latest plan version, or nil when none exists.
// The current plan is by invariant the last entry of the history.
func (s *Session) CurrentPlan() *PlanVersion {
	if len(s.Plans) == 0 {
		return nil
	}
	return &s.Plans[len(s.Plans)-1]
}

// Clone returns a deep copy so callers can mutate snapshots freely.
func (s *Session) Clone() *Session {
	c := *s
	c.Plans = append([]PlanVersion(nil), s.Plans...)
	c.Workflows = append([]WorkflowRef(nil), s.Workflows...)
	c.Docs = append([]string(nil), s.Docs...)
	if s.Execution != nil {
		e := *s.Execution
		c.Execution = &e
	}
	return &c
}

// SlotState is the persisted state of one agent slot.
type SlotState string

const (
	SlotAvailable SlotState = "available"
	SlotAllocated SlotState = "allocated"
	SlotBusy      SlotState = "busy"
	SlotResting   SlotState = "resting"
	SlotRetired   SlotState = "retired"
)

// Slot is one named worker slot in the pool snapshot.
type Slot struct {
	Name        string    `json:"name"`
	State       SlotState `json:"state"`
	WorkflowID  string    `json:"workflowId,omitempty"`
	RoleID      string    `json:"roleId,omitempty"`
	AllocatedAt time.Time `json:"allocatedAt,omitzero"`
	RestUntil   time.Time `json:"restUntil,omitzero"`
}

// PoolSnapshot is the persisted pool state (.cache/pool.json).
type PoolSnapshot struct {
	Slots     []Slot    `json:"slots"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Checkpoint is a workflow resume point, written after every
// checkpoint-flagged node completes.
type Checkpoint struct {
	WorkflowID string                    `json:"workflowId"`
	Graph      string                    `json:"graph"`
	Timestamp  time.Time                 `json:"timestamp"`
	Completed  []string                  `json:"completed"`
	Running    []string                  `json:"running,omitempty"`
	Variables  map[string]any            `json:"variables"`
	Results    map[string]map[string]any `json:"results"`
}
