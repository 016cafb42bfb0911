package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/log"
)

func init() {
	log.InitWriter(discard{})
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestMatches(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"*", "session.updated", true},
		{"session.updated", "session.updated", true},
		{"session.*", "session.updated", true},
		{"session.*", "session.plan.diffed", true},
		{"session.*", "sessions.updated", false},
		{"session.*", "session", false},
		{"pool.changed", "pool.timeout", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Matches(tt.pattern, tt.topic),
			"Matches(%q, %q)", tt.pattern, tt.topic)
	}
}

func TestBus_PublishInline(t *testing.T) {
	b := New()
	defer b.Close()

	var got []Event
	b.Subscribe("test", "pool.*", func(e Event) {
		got = append(got, e)
	})

	b.Publish(TopicPoolChanged, "pool", map[string]any{"total": 2})
	b.Publish(TopicSessionUpdated, "session", nil) // Should not match

	require.Len(t, got, 1)
	require.Equal(t, TopicPoolChanged, got[0].Topic)
	require.Equal(t, "pool", got[0].Producer)
	require.Equal(t, 2, got[0].Payload["total"])
}

func TestBus_SequenceMonotonic(t *testing.T) {
	b := New()
	defer b.Close()

	e1 := b.Publish("a", "", nil)
	e2 := b.Publish("b", "", nil)
	e3 := b.Publish("a", "", nil)

	require.Less(t, e1.Seq, e2.Seq)
	require.Less(t, e2.Seq, e3.Seq)
}

func TestBus_HandlerPanicIsolated(t *testing.T) {
	b := New()
	defer b.Close()

	var called atomic.Int32
	b.Subscribe("bad", "*", func(Event) { panic("boom") })
	b.Subscribe("good", "*", func(Event) { called.Add(1) })

	require.NotPanics(t, func() {
		b.Publish("anything", "", nil)
	})
	require.Equal(t, int32(1), called.Load(), "healthy handler still runs")
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	var count atomic.Int32
	b.Subscribe("owner-a", "*", func(Event) { count.Add(1) })
	b.Subscribe("owner-a", "session.*", func(Event) { count.Add(1) })
	b.Subscribe("owner-b", "*", func(Event) { count.Add(1) })

	b.Unsubscribe("owner-a")
	b.Publish(TopicSessionUpdated, "", nil)

	require.Equal(t, int32(1), count.Load(), "only owner-b's handler remains")
}

func TestBus_AsyncOrderPerTopic(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var seqs []uint64
	done := make(chan struct{})

	b.SubscribeAsync("test", "workflow.*", func(e Event) {
		mu.Lock()
		seqs = append(seqs, e.Seq)
		if len(seqs) == 10 {
			close(done)
		}
		mu.Unlock()
	})

	for range 10 {
		b.Publish(TopicWorkflowStarted, "", nil)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for async handlers")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		require.Less(t, seqs[i-1], seqs[i], "per-topic order must be preserved")
	}
}

func TestBus_AsyncDoesNotBlockPublisher(t *testing.T) {
	b := New()
	defer b.Close()

	release := make(chan struct{})
	b.SubscribeAsync("slow", "*", func(Event) { <-release })

	start := time.Now()
	for range 5 {
		b.Publish("t", "", nil)
	}
	require.Less(t, time.Since(start), 500*time.Millisecond, "publish must not block")
	close(release)
}

func TestBus_ChannelSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Channel(ctx)
	b.Publish(TopicPoolChanged, "pool", nil)

	select {
	case evt := <-ch:
		require.Equal(t, TopicPoolChanged, evt.Payload.Topic)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel event")
	}
}
