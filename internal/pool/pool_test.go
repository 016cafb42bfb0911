package pool

import (
	"context"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

func init() {
	log.InitWriter(io.Discard)
	log.SetEnabled(false)
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	layout := store.NewLayout(t.TempDir(), "_AiDevLog")
	st, err := store.Open(layout, nil, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p, err := New(st, nil, opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestRequest_AllocationUnderPressure(t *testing.T) {
	p := newTestPool(t, Options{Size: 2})
	ctx := context.Background()

	first, err := p.Request(ctx, "engineer", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "agent-1", first)

	second, err := p.Request(ctx, "engineer", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "agent-2", second)

	// Third request has to wait for a release.
	third := make(chan string, 1)
	go func() {
		name, err := p.Request(ctx, "engineer", 5*time.Second)
		if err == nil {
			third <- name
		}
	}()

	time.Sleep(100 * time.Millisecond)
	select {
	case <-third:
		t.Fatal("third request should block while the pool is exhausted")
	default:
	}

	p.Release("agent-1")

	select {
	case name := <-third:
		require.Equal(t, "agent-1", name, "freed slot goes to the waiter")
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}

	st := p.Status()
	require.Equal(t, 0, st.Available)
	require.Equal(t, 2, st.Busy)
	require.Equal(t, 2, st.Total)
}

func TestRequest_Timeout(t *testing.T) {
	p := newTestPool(t, Options{Size: 1})
	ctx := context.Background()

	_, err := p.Request(ctx, "engineer", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Request(ctx, "engineer", 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, werr.CodePoolTimeout, werr.CodeOf(err))
	require.Less(t, time.Since(start), time.Second)
}

func TestRequest_TimedOutWaiterNeverConsumesRelease(t *testing.T) {
	p := newTestPool(t, Options{Size: 1})
	ctx := context.Background()

	name, err := p.Request(ctx, "engineer", time.Second)
	require.NoError(t, err)

	_, err = p.Request(ctx, "engineer", 30*time.Millisecond)
	require.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	p.Release(name)

	// The dead waiter must not hold the slot.
	require.Eventually(t, func() bool {
		return p.Status().Available == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRequest_WaitersServedInOrder(t *testing.T) {
	p := newTestPool(t, Options{Size: 1})
	ctx := context.Background()

	name, err := p.Request(ctx, "engineer", time.Second)
	require.NoError(t, err)

	results := make(chan int, 2)
	go func() {
		if _, err := p.Request(ctx, "engineer", 5*time.Second); err == nil {
			results <- 1
		}
	}()
	time.Sleep(50 * time.Millisecond)
	go func() {
		if _, err := p.Request(ctx, "engineer", 5*time.Second); err == nil {
			results <- 2
		}
	}()
	time.Sleep(50 * time.Millisecond)

	p.Release(name)
	select {
	case got := <-results:
		require.Equal(t, 1, got, "oldest waiter is served first")
	case <-time.After(time.Second):
		t.Fatal("no waiter was woken")
	}
}

func TestRequest_UnknownRole(t *testing.T) {
	p := newTestPool(t, Options{Size: 2, Roles: []string{"engineer", "architect"}})

	_, err := p.Request(context.Background(), "gardener", time.Second)
	require.Error(t, err)
	require.Equal(t, werr.CodePoolUnknownRole, werr.CodeOf(err))
}

func TestRelease_RestCycle(t *testing.T) {
	p := newTestPool(t, Options{Size: 1, Rest: 50 * time.Millisecond})
	ctx := context.Background()

	name, err := p.Request(ctx, "engineer", time.Second)
	require.NoError(t, err)

	p.Release(name)
	require.Equal(t, 1, p.Status().Resting)

	require.Eventually(t, func() bool {
		return p.Status().Available == 1
	}, 2*time.Second, 10*time.Millisecond, "resting slot returns to available")
}

func TestForceRelease_SkipsRest(t *testing.T) {
	p := newTestPool(t, Options{Size: 1, Rest: 10 * time.Second})
	ctx := context.Background()

	name, err := p.Request(ctx, "engineer", time.Second)
	require.NoError(t, err)
	p.Release(name)
	require.Equal(t, 1, p.Status().Resting)

	p.ForceRelease(name)
	require.Eventually(t, func() bool {
		return p.Status().Available == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRelease_UnknownNameIsNoOp(t *testing.T) {
	p := newTestPool(t, Options{Size: 1})
	p.Release("agent-99")
	require.Equal(t, 1, p.Status().Available)
}

func TestResize_GrowMintsNewNames(t *testing.T) {
	p := newTestPool(t, Options{Size: 2})

	require.NoError(t, p.Resize(4))
	st := p.Status()
	require.Equal(t, 4, st.Total)

	var names []string
	for _, s := range st.Slots {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	require.Equal(t, []string{"agent-1", "agent-2", "agent-3", "agent-4"}, names)
}

func TestResize_GrowWakesWaiter(t *testing.T) {
	p := newTestPool(t, Options{Size: 1})
	ctx := context.Background()

	_, err := p.Request(ctx, "engineer", time.Second)
	require.NoError(t, err)

	got := make(chan string, 1)
	go func() {
		if name, err := p.Request(ctx, "engineer", 5*time.Second); err == nil {
			got <- name
		}
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, p.Resize(2))
	select {
	case name := <-got:
		require.Equal(t, "agent-2", name)
	case <-time.After(time.Second):
		t.Fatal("grow did not wake the waiter")
	}
}

func TestResize_ShrinkRetiresIdleFirst(t *testing.T) {
	p := newTestPool(t, Options{Size: 3})
	ctx := context.Background()

	name, err := p.Request(ctx, "engineer", time.Second)
	require.NoError(t, err)
	require.Equal(t, "agent-1", name)

	require.NoError(t, p.Resize(1))
	st := p.Status()
	require.Equal(t, 1, st.Total, "idle slots retire immediately")
	require.Equal(t, 1, st.Busy)
}

func TestResize_ShrinkNeverKillsBusy(t *testing.T) {
	p := newTestPool(t, Options{Size: 2})
	ctx := context.Background()

	a, err := p.Request(ctx, "engineer", time.Second)
	require.NoError(t, err)
	b, err := p.Request(ctx, "engineer", time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Resize(1))
	require.Equal(t, 2, p.Status().Busy, "busy slots survive the shrink")

	p.Release(b)
	require.Eventually(t, func() bool {
		return p.Status().Total == 1
	}, time.Second, 10*time.Millisecond, "retiring slot drops on release")

	p.Release(a)
	require.Equal(t, 1, p.Status().Available)
}

func TestResize_BelowFloor(t *testing.T) {
	p := newTestPool(t, Options{Size: 2})

	err := p.Resize(0)
	require.Error(t, err)
	require.Equal(t, werr.CodePoolShrinkConflict, werr.CodeOf(err))
}

func TestRehydrate_KeepsSlotNames(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), "_AiDevLog")
	st, err := store.Open(layout, nil, store.Options{})
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.SavePool(&store.PoolSnapshot{
		Slots: []store.Slot{
			{Name: "agent-4", State: store.SlotBusy, WorkflowID: "wf-gone"},
			{Name: "agent-7", State: store.SlotResting},
		},
	}))

	p, err := New(st, nil, Options{Size: 3})
	require.NoError(t, err)
	defer p.Close()

	status := p.Status()
	require.Equal(t, 3, status.Total)
	require.Equal(t, 3, status.Available, "stale busy/resting slots come back available")

	var names []string
	for _, s := range status.Slots {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	// Persisted names survive; the top-up continues after the highest.
	require.Equal(t, []string{"agent-4", "agent-7", "agent-8"}, names)
}

// Model-based check: the pool never over-allocates, and resize lands on its
// target whenever no busy slot has to linger.
func TestPool_AllocationInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 8).Draw(t, "size")
		p, err := New(nil, nil, Options{Size: size})
		if err != nil {
			t.Fatalf("building pool: %v", err)
		}
		defer p.Close()
		ctx := context.Background()

		allocated := make(map[string]bool)
		total := size

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for range steps {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0: // request
				name, err := p.Request(ctx, "engineer", 20*time.Millisecond)
				if len(allocated) < total {
					if err != nil {
						t.Fatalf("request with free capacity failed: %v", err)
					}
					if allocated[name] {
						t.Fatalf("slot %s double-allocated", name)
					}
					allocated[name] = true
				} else if err == nil {
					t.Fatalf("request beyond capacity succeeded with %s", name)
				}

			case 1: // release
				for name := range allocated {
					p.Release(name)
					delete(allocated, name)
					break
				}

			case 2: // resize, never stranding busy slots
				floor := len(allocated)
				if floor < 1 {
					floor = 1
				}
				target := rapid.IntRange(floor, 8).Draw(t, "target")
				if err := p.Resize(target); err != nil {
					t.Fatalf("resize to %d failed: %v", target, err)
				}
				total = target
			}

			st := p.Status()
			if st.Busy > total {
				t.Fatalf("busy %d exceeds pool size %d", st.Busy, total)
			}
			if st.Busy != len(allocated) {
				t.Fatalf("busy %d disagrees with model %d", st.Busy, len(allocated))
			}
			if st.Total != total {
				t.Fatalf("total %d after resize target %d", st.Total, total)
			}
		}
	})
}
