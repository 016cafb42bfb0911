// Package pool manages the fixed-size set of named agent slots and brokers
// allocation to workflows. Slots keep stable names (agent-1, agent-2, ...)
// across restarts; waiting requests are served in insertion order.
package pool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

// Policy decides which roles a slot may serve. The default policy permits
// any role on any slot.
type Policy interface {
	Permits(roleID, slotName string) bool
}

// AnyRolePolicy is the default slot compatibility policy.
type AnyRolePolicy struct{}

func (AnyRolePolicy) Permits(string, string) bool { return true }

// Options configures a Pool.
type Options struct {
	// Size is the initial slot count.
	Size int
	// MinSize is the shrink floor. Zero means a floor of one slot.
	MinSize int
	// Rest is how long a released slot rests before returning to available.
	// Zero skips the rest state entirely.
	Rest time.Duration
	// Roles, when non-empty, is the set of role ids accepted by request.
	// Empty means every role id is accepted.
	Roles []string
	// Policy overrides the role/slot compatibility policy.
	Policy Policy
}

// Status is the pool summary returned to IPC clients. Allocated slots are
// counted as busy: from the outside they are equally unavailable.
type Status struct {
	Available int          `json:"available"`
	Busy      int          `json:"busy"`
	Resting   int          `json:"resting"`
	Total     int          `json:"total"`
	Slots     []store.Slot `json:"slots"`
}

type slot struct {
	name       string
	state      store.SlotState
	workflowID string
	roleID     string
	// retiring marks a slot removed by resize while still busy. It is
	// dropped from the pool when its current work releases it.
	retiring bool
}

type waiter struct {
	roleID    string
	ch        chan string
	delivered bool
}

// Pool brokers agent slots. All state transitions happen under mu; waiters
// block outside the lock on their private channel.
type Pool struct {
	mu      sync.Mutex
	slots   []*slot
	waiters []*waiter
	next    int // counter for minting slot names
	minSize int
	rest    time.Duration
	roles   map[string]bool
	policy  Policy
	closed  bool

	// restTimers drives the resting → available transition. Entries expire
	// after the rest period; eviction frees the slot.
	restTimers *gocache.Cache

	store *store.Store
	bus   *bus.Bus
}

// New builds a pool of opts.Size slots, rehydrating slot names from the
// persisted snapshot when one exists. Slots recorded busy or allocated
// before a restart return as available: their workflows are gone.
func New(st *store.Store, b *bus.Bus, opts Options) (*Pool, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", opts.Size)
	}
	minSize := opts.MinSize
	if minSize <= 0 {
		minSize = 1
	}
	policy := opts.Policy
	if policy == nil {
		policy = AnyRolePolicy{}
	}

	cleanup := opts.Rest / 4
	if cleanup < 10*time.Millisecond {
		cleanup = 10 * time.Millisecond
	}

	p := &Pool{
		minSize:    minSize,
		rest:       opts.Rest,
		policy:     policy,
		restTimers: gocache.New(opts.Rest, cleanup),
		store:      st,
		bus:        b,
	}
	if len(opts.Roles) > 0 {
		p.roles = make(map[string]bool, len(opts.Roles))
		for _, r := range opts.Roles {
			p.roles[r] = true
		}
	}
	p.restTimers.OnEvicted(func(name string, _ any) {
		p.onRestExpired(name)
	})

	var snap *store.PoolSnapshot
	if st != nil {
		snap = st.LoadPool()
	}
	p.rehydrate(snap, opts.Size)
	p.persistLocked()
	log.Info(log.CatPool, "Pool ready", "size", len(p.slots), "rest", opts.Rest)
	return p, nil
}

// rehydrate seeds slots from the persisted snapshot, then tops up or trims
// to the configured size. Called before the pool is shared.
func (p *Pool) rehydrate(snap *store.PoolSnapshot, size int) {
	if snap != nil {
		for _, s := range snap.Slots {
			if s.State == store.SlotRetired {
				continue
			}
			p.slots = append(p.slots, &slot{name: s.Name, state: store.SlotAvailable})
			if n, ok := slotNumber(s.Name); ok && n > p.next {
				p.next = n
			}
		}
	}
	for len(p.slots) > size {
		p.slots = p.slots[:len(p.slots)-1]
	}
	for len(p.slots) < size {
		p.slots = append(p.slots, p.mint())
	}
}

func (p *Pool) mint() *slot {
	p.next++
	return &slot{name: "agent-" + strconv.Itoa(p.next), state: store.SlotAvailable}
}

func slotNumber(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "agent-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Request allocates an available slot compatible with roleID, blocking up
// to timeout when none is free. Waiters are served in insertion order; a
// timed-out waiter never consumes a later release.
func (p *Pool) Request(ctx context.Context, roleID string, timeout time.Duration) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", werr.New(werr.CodePoolTimeout, "pool is shut down")
	}
	if p.roles != nil && !p.roles[roleID] {
		p.mu.Unlock()
		return "", werr.New(werr.CodePoolUnknownRole, "role %q is not configured", roleID)
	}

	if s := p.findAvailable(roleID); s != nil {
		p.allocate(s, roleID)
		name := s.name
		p.persistLocked()
		p.mu.Unlock()
		return name, nil
	}

	w := &waiter{roleID: roleID, ch: make(chan string, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case name, ok := <-w.ch:
		if !ok {
			return "", werr.New(werr.CodePoolTimeout, "pool is shut down")
		}
		return name, nil

	case <-ctx.Done():
		return "", p.abandon(w, ctx.Err())

	case <-timer.C:
		err := p.abandon(w, nil)
		if err != nil && werr.HasCode(err, werr.CodePoolTimeout) {
			p.publish(bus.TopicPoolTimeout, map[string]any{"roleId": roleID, "timeoutMs": timeout.Milliseconds()})
		}
		return "", err
	}
}

// abandon removes a waiter from the queue after its timer or context fired.
// If a release raced in and already handed it a slot, the slot wins.
func (p *Pool) abandon(w *waiter, cause error) error {
	p.mu.Lock()
	if w.delivered {
		p.mu.Unlock()
		// The slot was assigned before we got the lock; it is in the
		// channel buffer, so the caller path that lost the race returns it.
		name := <-w.ch
		p.Release(name)
		if cause != nil {
			return cause
		}
		return werr.New(werr.CodePoolTimeout, "request for role %q timed out", w.roleID)
	}
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if cause != nil {
		return cause
	}
	return werr.New(werr.CodePoolTimeout, "request for role %q timed out", w.roleID)
}

func (p *Pool) findAvailable(roleID string) *slot {
	for _, s := range p.slots {
		if s.state == store.SlotAvailable && p.policy.Permits(roleID, s.name) {
			return s
		}
	}
	return nil
}

// allocate transitions an available slot to allocated. Callers hold mu.
func (p *Pool) allocate(s *slot, roleID string) {
	s.state = store.SlotAllocated
	s.roleID = roleID
	log.Debug(log.CatPool, "Slot allocated", "slot", s.name, "role", roleID)
}

// MarkBusy records that the named slot started running work for a workflow.
func (p *Pool) MarkBusy(name, workflowID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(name)
	if s == nil || s.state != store.SlotAllocated {
		return
	}
	s.state = store.SlotBusy
	s.workflowID = workflowID
	p.persistLocked()
}

// Release returns a busy or allocated slot to the pool. With a configured
// rest period the slot rests first; otherwise it frees immediately.
// Releasing an unknown name is a no-op.
func (p *Pool) Release(name string) {
	p.mu.Lock()
	s := p.find(name)
	if s == nil {
		p.mu.Unlock()
		log.Warn(log.CatPool, "Release of unknown slot ignored", "slot", name)
		return
	}
	if s.state != store.SlotBusy && s.state != store.SlotAllocated {
		p.mu.Unlock()
		log.Warn(log.CatPool, "Release of idle slot ignored", "slot", name, "state", s.state)
		return
	}
	s.workflowID = ""
	s.roleID = ""

	if s.retiring {
		p.remove(s)
		p.persistLocked()
		p.mu.Unlock()
		log.Info(log.CatPool, "Retiring slot released and dropped", "slot", name)
		return
	}

	if p.rest > 0 {
		s.state = store.SlotResting
		p.persistLocked()
		p.mu.Unlock()
		p.restTimers.Set(name, time.Now(), p.rest)
		log.Debug(log.CatPool, "Slot resting", "slot", name, "rest", p.rest)
		return
	}

	p.free(s)
	p.persistLocked()
	p.mu.Unlock()
}

// ForceRelease frees a slot immediately, bypassing any rest period. Used by
// stop and cancel paths.
func (p *Pool) ForceRelease(name string) {
	// Deleting the rest timer evicts it, which frees the slot through the
	// same path a natural expiry takes.
	if _, resting := p.restTimers.Get(name); resting {
		p.restTimers.Delete(name)
		return
	}

	p.mu.Lock()
	s := p.find(name)
	if s == nil {
		p.mu.Unlock()
		log.Warn(log.CatPool, "Force release of unknown slot ignored", "slot", name)
		return
	}
	if s.state == store.SlotAvailable {
		p.mu.Unlock()
		return
	}
	s.workflowID = ""
	s.roleID = ""
	if s.retiring {
		p.remove(s)
	} else {
		p.free(s)
	}
	p.persistLocked()
	p.mu.Unlock()
}

func (p *Pool) onRestExpired(name string) {
	p.mu.Lock()
	s := p.find(name)
	if s == nil || s.state != store.SlotResting {
		p.mu.Unlock()
		return
	}
	if s.retiring {
		p.remove(s)
	} else {
		p.free(s)
	}
	p.persistLocked()
	p.mu.Unlock()
}

// free makes a slot available, handing it straight to the oldest compatible
// waiter when one exists. Callers hold mu.
func (p *Pool) free(s *slot) {
	for i, w := range p.waiters {
		if p.policy.Permits(w.roleID, s.name) {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.allocate(s, w.roleID)
			w.delivered = true
			w.ch <- s.name
			return
		}
	}
	s.state = store.SlotAvailable
}

// Resize grows the pool by minting new slot names, or shrinks it by
// retiring available and resting slots first. Busy slots are never killed:
// they are marked retiring and drop out when their work releases them.
func (p *Pool) Resize(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n < p.minSize {
		return werr.New(werr.CodePoolShrinkConflict,
			"cannot shrink pool to %d, floor is %d", n, p.minSize)
	}

	current := len(p.slots)
	switch {
	case n > current:
		for len(p.slots) < n {
			s := p.mint()
			p.slots = append(p.slots, s)
			// New capacity goes to waiters first.
			p.free(s)
		}

	case n < current:
		excess := current - n
		// Idle slots go first, newest first, so low slot numbers survive.
		for i := len(p.slots) - 1; i >= 0 && excess > 0; i-- {
			s := p.slots[i]
			if s.state == store.SlotAvailable || s.state == store.SlotResting {
				// The rest-timer entry, if any, is left to expire; its
				// eviction callback no-ops once the slot is gone.
				p.remove(s)
				excess--
			}
		}
		for i := len(p.slots) - 1; i >= 0 && excess > 0; i-- {
			s := p.slots[i]
			if !s.retiring {
				s.retiring = true
				excess--
				log.Info(log.CatPool, "Slot marked for retirement", "slot", s.name)
			}
		}
	}

	p.persistLocked()
	log.Info(log.CatPool, "Pool resized", "target", n, "slots", len(p.slots))
	return nil
}

// Status reports the pool summary with per-slot detail.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Slots: p.snapshotLocked().Slots}
	for _, s := range p.slots {
		switch s.state {
		case store.SlotAvailable:
			st.Available++
		case store.SlotAllocated, store.SlotBusy:
			st.Busy++
		case store.SlotResting:
			st.Resting++
		}
	}
	st.Total = len(p.slots)
	return st
}

// Close wakes all waiters with an error and stops persisting.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
	p.restTimers.Flush()
}

func (p *Pool) find(name string) *slot {
	for _, s := range p.slots {
		if s.name == name {
			return s
		}
	}
	return nil
}

func (p *Pool) remove(target *slot) {
	for i, s := range p.slots {
		if s == target {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return
		}
	}
}

func (p *Pool) snapshotLocked() *store.PoolSnapshot {
	snap := &store.PoolSnapshot{Slots: make([]store.Slot, 0, len(p.slots))}
	for _, s := range p.slots {
		state := s.state
		if s.retiring {
			state = store.SlotRetired
		}
		snap.Slots = append(snap.Slots, store.Slot{
			Name:       s.name,
			State:      state,
			WorkflowID: s.workflowID,
			RoleID:     s.roleID,
		})
	}
	return snap
}

// persistLocked saves the snapshot and announces the change. Callers hold mu.
func (p *Pool) persistLocked() {
	if p.closed {
		return
	}
	if p.store != nil {
		if err := p.store.SavePool(p.snapshotLocked()); err != nil {
			log.ErrorErr(log.CatPool, "Persisting pool snapshot failed", err)
		}
	}
	p.publish(bus.TopicPoolChanged, nil)
}

func (p *Pool) publish(topic string, payload map[string]any) {
	if p.bus != nil {
		p.bus.Publish(topic, "pool", payload)
	}
}
