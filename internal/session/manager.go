// Package session owns the session lifecycle: plan versions, revision
// cycles, execution dispatch, and crash recovery. Workflows are the
// mechanism, sessions are the goal; every status change funnels through
// the transition table in transitions.go.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/engine"
	"github.com/weftworks/weft/internal/graph"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/tracing"
	"github.com/weftworks/weft/internal/werr"
)

// Kind names a built-in workflow template dispatched by the manager.
type Kind string

const (
	KindPlanning   Kind = "planning"
	KindRevision   Kind = "revision"
	KindExecute    Kind = "execute"
	KindSingleTask Kind = "single-task"
)

// planNode is the template node whose reply carries the produced plan
// text, per kind. A "plan" workflow variable, when set, wins over it.
var planNode = map[Kind]string{
	KindPlanning: "draft",
	KindRevision: "revise",
}

// Runner executes workflow graphs. Satisfied by *engine.Engine.
type Runner interface {
	LoadGraph(path string) (*graph.Graph, graph.Issues, error)
	Run(ctx context.Context, wf *engine.Workflow) *engine.Result
}

// Options tune the manager.
type Options struct {
	// HistoryKeep caps the completed-workflow refs retained per session.
	// <= 0 keeps 20.
	HistoryKeep int
	// Tracer records one span per dispatched workflow. Nil disables.
	Tracer trace.Tracer
}

// Manager drives session lifecycle transitions and owns the single live
// workflow each session is allowed.
type Manager struct {
	st     *store.Store
	b      *bus.Bus
	runner Runner
	keep   int
	tracer trace.Tracer

	mu   sync.Mutex
	live map[string]*liveWorkflow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type liveWorkflow struct {
	id      string
	kind    Kind
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	span    trace.Span
}

// NewManager builds a manager over the store, bus, and workflow runner.
func NewManager(st *store.Store, b *bus.Bus, runner Runner, opts Options) *Manager {
	keep := opts.HistoryKeep
	if keep <= 0 {
		keep = 20
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("session")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		st:     st,
		b:      b,
		runner: runner,
		keep:   keep,
		tracer: tracer,
		live:   map[string]*liveWorkflow{},
		ctx:    ctx,
		cancel: cancel,
	}
	b.Subscribe(owner, bus.TopicWorkflowStage, m.onStage)
	return m
}

const owner bus.Owner = "session"

// onStage reflects workflow phases onto the session. A planning workflow
// entering its debate stage moves the session from planning to debating.
func (m *Manager) onStage(ev bus.Event) {
	stage, _ := ev.Payload["stage"].(string)
	sessID, _ := ev.Payload["sessionId"].(string)
	if stage != "debate" || sessID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.st.GetSession(sessID)
	if err != nil || sess.Status != store.StatusPlanning {
		return
	}
	if err := m.transition(sess, store.StatusDebating); err != nil {
		log.Warn(log.CatSess, "Debate stage transition rejected", "session", sessID, "error", err)
	}
}

// Close cancels every live workflow and waits for their goroutines.
func (m *Manager) Close() {
	m.b.Unsubscribe(owner)
	m.cancel()
	m.wg.Wait()
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (*store.Session, error) {
	return m.st.GetSession(id)
}

// Sessions returns snapshots of all sessions, newest first.
func (m *Manager) Sessions() []*store.Session {
	return m.st.Sessions()
}

// PlanText reads a plan artifact. version <= 0 reads the current plan.
func (m *Manager) PlanText(id string, version int) ([]byte, error) {
	sess, err := m.st.GetSession(id)
	if err != nil {
		return nil, err
	}
	if version <= 0 {
		cur := sess.CurrentPlan()
		if cur == nil {
			return nil, werr.New(werr.CodePlanNotFound, "session %s has no plan yet", id)
		}
		version = cur.Version
	}
	return m.st.ReadPlan(id, version)
}

// Create initializes a session in planning and dispatches the planning
// workflow that produces plan v1.
func (m *Manager) Create(requirement string, docs []string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	sess := &store.Session{
		ID:          uuid.NewString(),
		Requirement: requirement,
		Docs:        docs,
		Status:      store.StatusPlanning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.st.SaveSession(sess); err != nil {
		return nil, err
	}
	m.publish(bus.TopicSessionCreated, map[string]any{
		"sessionId": sess.ID, "status": string(sess.Status),
	})
	log.Info(log.CatSess, "Session created", "session", sess.ID)

	docsAny := make([]any, len(docs))
	for i, d := range docs {
		docsAny[i] = d
	}
	if err := m.dispatch(sess, KindPlanning, map[string]any{
		"requirement": requirement,
		"docs":        docsAny,
	}, nil, ""); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Revise dispatches a revision workflow whose output becomes plan
// v(n+1). The session enters revising and returns to reviewing when the
// workflow completes.
func (m *Manager) Revise(id, feedback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.st.GetSession(id)
	if err != nil {
		return err
	}
	if err := m.requireIdle(id); err != nil {
		return err
	}
	if err := m.transition(sess, store.StatusRevising); err != nil {
		return err
	}
	cur := sess.CurrentPlan()
	version := 0
	if cur != nil {
		version = cur.Version
	}
	return m.dispatch(sess, KindRevision, map[string]any{
		"requirement": sess.Requirement,
		"feedback":    feedback,
		"planVersion": float64(version),
	}, nil, "")
}

// Approve moves reviewing to approved. With autoStart the execute
// workflow is dispatched immediately and the session enters executing.
func (m *Manager) Approve(id string, autoStart bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.st.GetSession(id)
	if err != nil {
		return err
	}
	if err := m.transition(sess, store.StatusApproved); err != nil {
		return err
	}
	if !autoStart {
		return nil
	}
	return m.startExecuteLocked(sess, nil, "")
}

// Start dispatches the execute workflow for an approved session. A
// stopped or failed session restarts from its last checkpoint when one
// survives.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.st.GetSession(id)
	if err != nil {
		return err
	}
	if err := m.requireIdle(id); err != nil {
		return err
	}
	ckpt, wfID := m.resumePoint(sess)
	return m.startExecuteLocked(sess, ckpt, wfID)
}

func (m *Manager) startExecuteLocked(sess *store.Session, ckpt *store.Checkpoint, wfID string) error {
	if err := m.transition(sess, store.StatusExecuting); err != nil {
		return err
	}
	return m.dispatch(sess, KindExecute, map[string]any{
		"requirement": sess.Requirement,
	}, ckpt, wfID)
}

// Pause cancels the live workflow; its latest checkpoint is the resume
// point. Only executing sessions pause.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.st.GetSession(id)
	if err != nil {
		return err
	}
	if err := m.transition(sess, store.StatusPaused); err != nil {
		return err
	}
	m.interrupt(id)
	m.publish(bus.TopicWorkflowPaused, map[string]any{"sessionId": id})
	return nil
}

// Resume restarts a paused session's execute workflow from its last
// checkpoint. Without a checkpoint the workflow restarts from scratch.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.st.GetSession(id)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusPaused {
		return werr.New(werr.CodeBadTransition, "session %s is %s, not paused", id, sess.Status)
	}
	if err := m.requireIdle(id); err != nil {
		return err
	}
	ckpt, wfID := m.resumePoint(sess)
	if err := m.startExecuteLocked(sess, ckpt, wfID); err != nil {
		return err
	}
	m.publish(bus.TopicWorkflowResumed, map[string]any{"sessionId": id})
	return nil
}

// Stop cancels the live workflow and parks the session in stopped.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.st.GetSession(id)
	if err != nil {
		return err
	}
	if err := m.transition(sess, store.StatusStopped); err != nil {
		return err
	}
	m.interrupt(id)
	return nil
}

// Cancel aborts the session from any non-terminal status. Cancellation
// is idempotent: cancelling a cancelled session is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.st.GetSession(id)
	if err != nil {
		return err
	}
	if sess.Status == store.StatusCancelled {
		return nil
	}
	if err := m.transition(sess, store.StatusCancelled); err != nil {
		return err
	}
	m.interrupt(id)
	return nil
}

// Reopen moves a completed session back to reviewing for post-hoc
// revision.
func (m *Manager) Reopen(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.st.GetSession(id)
	if err != nil {
		return err
	}
	return m.transition(sess, store.StatusReviewing)
}

// RetryTask dispatches a single-task workflow targeting one task of the
// approved plan. It counts as the session's live workflow while it runs;
// its failure emits task.failedFinal and leaves the session status
// untouched.
func (m *Manager) RetryTask(id, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.st.GetSession(id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case store.StatusApproved, store.StatusExecuting, store.StatusFailed:
	default:
		return werr.New(werr.CodeBadTransition,
			"session %s is %s; tasks retry from approved, executing, or failed", id, sess.Status)
	}
	if err := m.requireIdle(id); err != nil {
		return err
	}
	task, err := m.findTask(id, taskID)
	if err != nil {
		return err
	}
	return m.dispatchTask(sess, taskID, map[string]any{"task": task})
}

func (m *Manager) dispatchTask(sess *store.Session, taskID string, params map[string]any) error {
	kind := KindSingleTask
	g, issues, err := m.runner.LoadGraph(string(kind))
	if err != nil {
		return err
	}
	m.warnIssues(kind, issues)

	ctx, cancel := context.WithCancel(m.ctx)
	wfID := uuid.NewString()
	ctx, span := tracing.StartWorkflowSpan(ctx, m.tracer, string(kind), wfID, sess.ID)
	lw := &liveWorkflow{
		id:      wfID,
		kind:    kind,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		span:    span,
	}
	m.live[sess.ID] = lw
	wf := &engine.Workflow{ID: lw.id, SessionID: sess.ID, Graph: g, Params: params}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(lw.done)
		res := m.runner.Run(ctx, wf)
		cancel()
		m.finishTask(sess.ID, taskID, lw, res)
	}()
	return nil
}

func (m *Manager) finishTask(sessID, taskID string, lw *liveWorkflow, res *engine.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(sessID, lw)
	endWorkflowSpan(lw, res)

	sess, err := m.st.GetSession(sessID)
	if err != nil {
		log.Warn(log.CatSess, "Task workflow finished for missing session", "session", sessID)
		return
	}
	m.appendRef(sess, lw, res)
	if err := m.st.SaveSession(sess); err != nil {
		log.Warn(log.CatSess, "Session save failed", "session", sessID, "error", err)
	}

	switch {
	case res.Success:
		_ = m.st.AppendProgress(sessID, fmt.Sprintf("task %s retried successfully", taskID))
	case werr.CodeOf(res.Err) == werr.CodeWorkflowCancelled:
	default:
		// Single-task failures never flip the session status; the UI
		// decides between revise, retry, and skip.
		m.publish(bus.TopicTaskFailedFinal, map[string]any{
			"sessionId": sessID,
			"taskId":    taskID,
			"error":     res.Err.Error(),
			"code":      string(werr.CodeOf(res.Err)),
			"retryable": true,
		})
		log.Warn(log.CatSess, "Task retry failed",
			"session", sessID, "task", taskID, "error", res.Err)
	}
}

// RecoverAll rehydrates every non-terminal session after a daemon
// restart: in-flight work resumes from its checkpoint, sessions caught
// mid-revision without one fall back to reviewing.
func (m *Manager) RecoverAll() {
	for _, sess := range m.st.Sessions() {
		if sess.Status.IsTerminal() {
			continue
		}
		m.recover(sess)
	}
}

func (m *Manager) recover(sess *store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publish(bus.TopicSessionRecovered, map[string]any{
		"sessionId": sess.ID, "status": string(sess.Status),
	})
	log.Info(log.CatSess, "Recovering session",
		"session", sess.ID, "status", sess.Status)

	ckpt, wfID := m.resumePoint(sess)
	var err error
	switch sess.Status {
	case store.StatusPlanning, store.StatusDebating:
		docsAny := make([]any, len(sess.Docs))
		for i, d := range sess.Docs {
			docsAny[i] = d
		}
		err = m.dispatch(sess, KindPlanning, map[string]any{
			"requirement": sess.Requirement,
			"docs":        docsAny,
		}, ckpt, wfID)
	case store.StatusRevising:
		if ckpt == nil {
			// The feedback that triggered the revision is gone with the
			// old process; the plan history is intact, so hand the
			// session back to the reviewer.
			err = m.transition(sess, store.StatusReviewing)
			break
		}
		cur := sess.CurrentPlan()
		version := 0
		if cur != nil {
			version = cur.Version
		}
		err = m.dispatch(sess, KindRevision, map[string]any{
			"requirement": sess.Requirement,
			"planVersion": float64(version),
		}, ckpt, wfID)
	case store.StatusExecuting:
		err = m.dispatch(sess, KindExecute, map[string]any{
			"requirement": sess.Requirement,
		}, ckpt, wfID)
	}
	// Reviewing, approved, paused, stopped, and failed wait for the user.
	if err != nil {
		log.Warn(log.CatSess, "Session recovery dispatch failed",
			"session", sess.ID, "error", err)
	}
}

// dispatch loads the template for kind and runs it asynchronously as the
// session's single live workflow. Callers hold m.mu.
func (m *Manager) dispatch(sess *store.Session, kind Kind, params map[string]any, ckpt *store.Checkpoint, wfID string) error {
	if err := m.requireIdle(sess.ID); err != nil {
		return err
	}
	g, issues, err := m.runner.LoadGraph(string(kind))
	if err != nil {
		return err
	}
	m.warnIssues(kind, issues)

	if wfID == "" {
		wfID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	ctx, span := tracing.StartWorkflowSpan(ctx, m.tracer, string(kind), wfID, sess.ID)
	lw := &liveWorkflow{
		id:      wfID,
		kind:    kind,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		span:    span,
	}
	m.live[sess.ID] = lw

	sess.Execution = &store.Execution{WorkflowID: wfID, StartedAt: lw.started}
	if err := m.st.SaveSession(sess); err != nil {
		m.release(sess.ID, lw)
		cancel()
		return err
	}

	wf := &engine.Workflow{
		ID:        wfID,
		SessionID: sess.ID,
		Graph:     g,
		Params:    params,
		Resume:    ckpt,
	}
	log.Info(log.CatSess, "Workflow dispatched",
		"session", sess.ID, "kind", kind, "workflow", wfID, "resume", ckpt != nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(lw.done)
		res := m.runner.Run(ctx, wf)
		cancel()
		m.finish(sess.ID, lw, res)
	}()
	return nil
}

// finish applies a completed workflow's outcome to its session.
func (m *Manager) finish(sessID string, lw *liveWorkflow, res *engine.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(sessID, lw)
	endWorkflowSpan(lw, res)

	sess, err := m.st.GetSession(sessID)
	if err != nil {
		log.Warn(log.CatSess, "Workflow finished for missing session", "session", sessID)
		return
	}
	m.appendRef(sess, lw, res)

	cancelled := res.Err != nil && werr.CodeOf(res.Err) == werr.CodeWorkflowCancelled
	switch {
	case cancelled:
		// Pause, stop, and cancel already set the status they wanted.
		// Keep Execution so resume finds the checkpointed workflow id.
	case !res.Success:
		if err := m.transition(sess, store.StatusFailed); err != nil {
			log.Warn(log.CatSess, "Failure transition rejected",
				"session", sessID, "status", sess.Status)
		}
		log.Warn(log.CatSess, "Workflow failed",
			"session", sessID, "kind", lw.kind, "error", res.Err)
	case lw.kind == KindPlanning || lw.kind == KindRevision:
		m.acceptPlan(sess, lw.kind, res)
		sess.Execution = nil
	case lw.kind == KindExecute:
		sess.Execution = nil
		_ = m.st.RemoveCheckpoint(sessID, lw.id)
		if err := m.transition(sess, store.StatusCompleted); err != nil {
			log.Warn(log.CatSess, "Completion transition rejected",
				"session", sessID, "status", sess.Status)
		}
	}

	if err := m.st.SaveSession(sess); err != nil {
		log.Warn(log.CatSess, "Session save failed", "session", sessID, "error", err)
	}
	if sess.Status.IsTerminal() {
		if err := m.st.ArchiveSession(sess); err != nil {
			log.Warn(log.CatSess, "Session archive failed", "session", sessID, "error", err)
		}
	}
}

// acceptPlan appends the produced plan text as the next version and hands
// the session to the reviewer. Plan history is append-only.
func (m *Manager) acceptPlan(sess *store.Session, kind Kind, res *engine.Result) {
	text := planText(res, planNode[kind])
	if text == "" {
		log.Warn(log.CatSess, "Workflow produced no plan text",
			"session", sess.ID, "kind", kind)
		if err := m.transition(sess, store.StatusFailed); err != nil {
			log.Warn(log.CatSess, "Failure transition rejected",
				"session", sess.ID, "status", sess.Status)
		}
		return
	}

	version := 1
	if cur := sess.CurrentPlan(); cur != nil {
		version = cur.Version + 1
		if prev, err := m.st.ReadPlan(sess.ID, cur.Version); err == nil {
			m.logPlanDiff(sess.ID, string(prev), text, version)
		}
	}
	path, err := m.st.WritePlan(sess.ID, version, []byte(text))
	if err != nil {
		log.Warn(log.CatSess, "Plan write failed",
			"session", sess.ID, "version", version, "error", err)
		if terr := m.transition(sess, store.StatusFailed); terr != nil {
			log.Warn(log.CatSess, "Failure transition rejected",
				"session", sess.ID, "status", sess.Status)
		}
		return
	}
	sess.Plans = append(sess.Plans, store.PlanVersion{
		Version:    version,
		Path:       path,
		CreatedAt:  time.Now(),
		AuthorRole: "architect",
	})
	_ = m.st.AppendProgress(sess.ID, fmt.Sprintf("plan v%d written", version))
	if err := m.transition(sess, store.StatusReviewing); err != nil {
		log.Warn(log.CatSess, "Review transition rejected",
			"session", sess.ID, "status", sess.Status)
	}
}

// logPlanDiff records how much a revision changed, for the progress log.
func (m *Manager) logPlanDiff(sessID, before, after string, version int) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)
	var ins, del int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			ins += len(d.Text)
		case diffmatchpatch.DiffDelete:
			del += len(d.Text)
		}
	}
	_ = m.st.AppendProgress(sessID,
		fmt.Sprintf("plan v%d diff: +%d/-%d chars", version, ins, del))
	log.Debug(log.CatSess, "Plan revised",
		"session", sessID, "version", version, "inserted", ins, "deleted", del)
}

// planText pulls the produced plan out of a workflow result: an explicit
// "plan" variable wins, otherwise the reply of the template's authoring
// node.
func planText(res *engine.Result, node string) string {
	if v, ok := res.Vars["plan"].(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	if node == "" {
		return ""
	}
	if reply, ok := res.Outputs[node]["reply"].(string); ok {
		return strings.TrimSpace(reply)
	}
	return ""
}

// findTask resolves a task id against tasks.json: a matching "id" field
// first, a zero-based index as fallback. The rendered task is JSON so the
// single-task prompt sees the full record.
func (m *Manager) findTask(sessID, taskID string) (string, error) {
	raw, err := m.st.ReadTasks(sessID)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", werr.New(werr.CodePlanNotFound, "session %s has no task list", sessID)
	}
	var tasks []any
	if err := json.Unmarshal(raw, &tasks); err != nil {
		return "", werr.Wrap(werr.CodeIOError, err, "parsing tasks.json")
	}
	match := func(t any) bool {
		obj, ok := t.(map[string]any)
		if !ok {
			return false
		}
		switch id := obj["id"].(type) {
		case string:
			return id == taskID
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64) == taskID
		}
		return false
	}
	for _, t := range tasks {
		if match(t) {
			return encodeTask(t)
		}
	}
	if idx, err := strconv.Atoi(taskID); err == nil && idx >= 0 && idx < len(tasks) {
		return encodeTask(tasks[idx])
	}
	return "", werr.New(werr.CodePlanNotFound, "task %s not found in session %s", taskID, sessID)
}

func encodeTask(t any) (string, error) {
	if s, ok := t.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", werr.Wrap(werr.CodeIOError, err, "encoding task")
	}
	return string(data), nil
}

// transition applies and persists one status change, or rejects it.
// Callers hold m.mu.
func (m *Manager) transition(sess *store.Session, to store.Status) error {
	if err := checkTransition(sess.ID, sess.Status, to); err != nil {
		return err
	}
	from := sess.Status
	sess.Status = to
	if err := m.st.SaveSession(sess); err != nil {
		sess.Status = from
		return err
	}
	log.Info(log.CatSess, "Session transition",
		"session", sess.ID, "from", from, "to", to)
	m.publish(bus.TopicSessionUpdated, map[string]any{
		"sessionId": sess.ID, "from": string(from), "status": string(to),
	})
	return nil
}

// requireIdle enforces the one-live-workflow-per-session invariant.
func (m *Manager) requireIdle(sessID string) error {
	if lw, ok := m.live[sessID]; ok {
		return werr.New(werr.CodeBadTransition,
			"session %s has live %s workflow %s", sessID, lw.kind, lw.id)
	}
	return nil
}

// interrupt cancels the session's live workflow, if any.
func (m *Manager) interrupt(sessID string) {
	if lw, ok := m.live[sessID]; ok {
		lw.cancel()
	}
}

// release drops the live entry, but only if it still belongs to lw.
func (m *Manager) release(sessID string, lw *liveWorkflow) {
	if cur, ok := m.live[sessID]; ok && cur == lw {
		delete(m.live, sessID)
	}
}

// resumePoint loads the checkpoint of the session's last dispatched
// workflow. Reusing its workflow id keeps the checkpoint file continuous
// across resumes.
func (m *Manager) resumePoint(sess *store.Session) (*store.Checkpoint, string) {
	if sess.Execution == nil {
		return nil, ""
	}
	ckpt, err := m.st.LoadCheckpoint(sess.ID, sess.Execution.WorkflowID)
	if err != nil || ckpt == nil {
		return nil, ""
	}
	return ckpt, sess.Execution.WorkflowID
}

func (m *Manager) appendRef(sess *store.Session, lw *liveWorkflow, res *engine.Result) {
	ref := store.WorkflowRef{
		ID:        lw.id,
		Graph:     string(lw.kind),
		Success:   res.Success,
		StartedAt: lw.started,
		EndedAt:   time.Now(),
	}
	if res.Err != nil {
		ref.Error = res.Err.Error()
	}
	sess.Workflows = append(sess.Workflows, ref)
	if len(sess.Workflows) > m.keep {
		sess.Workflows = sess.Workflows[len(sess.Workflows)-m.keep:]
	}
}

func (m *Manager) warnIssues(kind Kind, issues graph.Issues) {
	for _, issue := range issues {
		log.Warn(log.CatSess, "Template issue",
			"kind", kind, "code", issue.Code, "message", issue.Message)
	}
}

func endWorkflowSpan(lw *liveWorkflow, res *engine.Result) {
	if res.Err != nil {
		tracing.EndSpan(lw.span, string(werr.CodeOf(res.Err)), res.Err.Error())
		return
	}
	tracing.EndSpan(lw.span, "", "")
}

func (m *Manager) publish(topic string, payload map[string]any) {
	if m.b != nil {
		m.b.Publish(topic, "session", payload)
	}
}
