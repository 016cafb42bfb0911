// Package coordinator bridges completion events to next-step dispatches.
// Events arriving for a session coalesce inside a debounce window; the
// evaluation that follows dispatches at most one workflow per session,
// then the coordinator cools down before listening again. Evaluations are
// serialized: one at a time, per daemon.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/store"
)

// State is the coordinator's scheduling state.
type State string

const (
	StateIdle       State = "idle"
	StateQueuing    State = "queuing"
	StateEvaluating State = "evaluating"
	StateCooldown   State = "cooldown"
)

// Class ranks why a session wants attention. Higher wins when events for
// the same session coalesce.
type Class int

const (
	ClassIdle Class = iota
	ClassNaturalNext
	ClassFailureRetry
	ClassUserCommand
)

// Action is a user command forwarded through the coordinator.
type Action string

const (
	ActionStart  Action = "start"
	ActionResume Action = "resume"
	ActionRetry  Action = "retry"
)

// Command is an explicit user request queued for the next evaluation.
type Command struct {
	SessionID string
	Action    Action
	TaskID    string
}

// Dispatcher is the session-manager surface the coordinator drives.
type Dispatcher interface {
	Get(id string) (*store.Session, error)
	Start(id string) error
	Resume(id string) error
	RetryTask(id, taskID string) error
}

// Options tune the coordinator windows and its autonomous behavior.
type Options struct {
	// Debounce is how long arriving events coalesce before evaluation.
	// <= 0 uses 1s.
	Debounce time.Duration
	// Cooldown is the settle interval after a dispatch. <= 0 uses 1s.
	Cooldown time.Duration
	// AutoStartApproved dispatches execution as soon as a session turns
	// approved, without waiting for an explicit start.
	AutoStartApproved bool
	// AutoRetryFailures restarts failed execute workflows from their last
	// checkpoint instead of waiting for the user.
	AutoRetryFailures bool
}

type pending struct {
	class Class
	cmd   *Command
}

// Coordinator is the event-driven scheduler.
type Coordinator struct {
	d    Dispatcher
	b    *bus.Bus
	opts Options

	mu      sync.Mutex
	pending map[string]*pending
	state   State

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const owner bus.Owner = "coordinator"

// New builds a coordinator over the dispatcher and bus. Call Run to
// start the loop.
func New(d Dispatcher, b *bus.Bus, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		d:       d,
		b:       b,
		opts:    opts,
		pending: map[string]*pending{},
		state:   StateIdle,
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run subscribes to the bus and starts the scheduling loop.
func (c *Coordinator) Run() {
	if c.b != nil {
		c.b.SubscribeAsync(owner, bus.TopicWorkflowCompleted, c.onWorkflowCompleted)
		c.b.SubscribeAsync(owner, bus.TopicTaskFailedFinal, c.onTaskFailed)
	}
	c.wg.Add(1)
	go c.loop()
}

// Close stops the loop and drops the bus subscriptions.
func (c *Coordinator) Close() {
	c.cancel()
	if c.b != nil {
		c.b.Unsubscribe(owner)
	}
	c.wg.Wait()
}

// State reports the current scheduling state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enqueue queues an explicit user command. It outranks anything the
// session accumulated from events.
func (c *Coordinator) Enqueue(cmd Command) {
	c.note(cmd.SessionID, ClassUserCommand, &cmd)
}

func (c *Coordinator) onWorkflowCompleted(ev bus.Event) {
	sessID, _ := ev.Payload["sessionId"].(string)
	if sessID == "" {
		return
	}
	class := ClassNaturalNext
	if success, ok := ev.Payload["success"].(bool); ok && !success {
		class = ClassFailureRetry
	}
	c.note(sessID, class, nil)
}

func (c *Coordinator) onTaskFailed(ev bus.Event) {
	if sessID, _ := ev.Payload["sessionId"].(string); sessID != "" {
		c.note(sessID, ClassFailureRetry, nil)
	}
}

// note records a pending reason for a session, keeping the highest class.
func (c *Coordinator) note(sessID string, class Class, cmd *Command) {
	c.mu.Lock()
	p := c.pending[sessID]
	if p == nil {
		p = &pending{}
		c.pending[sessID] = p
	}
	if class > p.class {
		p.class = class
		p.cmd = cmd
	}
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
		}

		// Queuing: let the burst coalesce before looking.
		c.setState(StateQueuing)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.Debounce):
		}

		c.setState(StateEvaluating)
		dispatched := c.evaluate()

		if dispatched > 0 {
			c.setState(StateCooldown)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.opts.Cooldown):
			}
		}
		c.setState(StateIdle)
	}
}

// evaluate drains the pending set and dispatches at most one workflow
// per session. Sessions whose turn produces nothing are dropped; the
// next event re-queues them.
func (c *Coordinator) evaluate() int {
	c.mu.Lock()
	batch := c.pending
	c.pending = map[string]*pending{}
	c.mu.Unlock()

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	dispatched := 0
	for _, id := range ids {
		if c.dispatchOne(id, batch[id]) {
			dispatched++
		}
	}
	if dispatched > 0 {
		log.Debug(log.CatCoord, "Evaluation cycle dispatched",
			"sessions", len(ids), "dispatched", dispatched)
	}
	return dispatched
}

func (c *Coordinator) dispatchOne(sessID string, p *pending) bool {
	sess, err := c.d.Get(sessID)
	if err != nil {
		log.Warn(log.CatCoord, "Pending session vanished", "session", sessID)
		return false
	}

	var derr error
	acted := false
	switch {
	case p.class == ClassUserCommand && p.cmd != nil:
		acted = true
		switch p.cmd.Action {
		case ActionStart:
			derr = c.d.Start(sessID)
		case ActionResume:
			derr = c.d.Resume(sessID)
		case ActionRetry:
			derr = c.d.RetryTask(sessID, p.cmd.TaskID)
		default:
			acted = false
		}
	case p.class == ClassFailureRetry && c.opts.AutoRetryFailures &&
		sess.Status == store.StatusFailed:
		acted = true
		derr = c.d.Start(sessID)
	case p.class == ClassNaturalNext && c.opts.AutoStartApproved &&
		sess.Status == store.StatusApproved:
		acted = true
		derr = c.d.Start(sessID)
	}

	if !acted {
		return false
	}
	if derr != nil {
		log.Warn(log.CatCoord, "Dispatch failed",
			"session", sessID, "class", int(p.class), "error", derr)
		return false
	}
	log.Info(log.CatCoord, "Dispatched next step",
		"session", sessID, "class", int(p.class))
	return true
}
