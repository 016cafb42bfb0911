package ipc

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/pool"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

func init() {
	log.InitWriter(io.Discard)
	log.SetEnabled(false)
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := &Message{Type: TypeRequest, ID: "c1", Method: "pool.status"}
	require.NoError(t, WriteFrame(&buf, msg))

	data, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Contains(t, string(data), `"pool.status"`)

	// The length prefix is 4-byte big-endian.
	var buf2 bytes.Buffer
	require.NoError(t, WriteFrame(&buf2, map[string]string{"a": "b"}))
	head := buf2.Bytes()[:4]
	require.Equal(t, byte(0), head[0])
	require.Equal(t, byte(len(buf2.Bytes())-4), head[3])
}

func TestFrame_RejectsOversize(t *testing.T) {
	head := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadFrame(bytes.NewReader(head))
	require.Error(t, err)
	require.Equal(t, werr.CodeProtocolError, werr.CodeOf(err))
}

type fakeSessions struct {
	mu    sync.Mutex
	calls []string
	sess  *store.Session
}

func (f *fakeSessions) note(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeSessions) Create(requirement string, docs []string) (*store.Session, error) {
	f.note("create")
	return f.sess, nil
}

func (f *fakeSessions) Get(id string) (*store.Session, error) {
	if id != f.sess.ID {
		return nil, werr.New(werr.CodeSessionNotFound, "session %s", id)
	}
	return f.sess, nil
}

func (f *fakeSessions) Sessions() []*store.Session { return []*store.Session{f.sess} }

func (f *fakeSessions) PlanText(id string, version int) ([]byte, error) {
	return []byte("# the plan"), nil
}

func (f *fakeSessions) Revise(id, feedback string) error    { f.note("revise " + feedback); return nil }
func (f *fakeSessions) Approve(id string, auto bool) error  { f.note("approve"); return nil }
func (f *fakeSessions) Start(id string) error               { f.note("start"); return nil }
func (f *fakeSessions) Pause(id string) error               { f.note("pause"); return nil }
func (f *fakeSessions) Resume(id string) error              { f.note("resume"); return nil }
func (f *fakeSessions) Stop(id string) error                { f.note("stop"); return nil }
func (f *fakeSessions) Cancel(id string) error              { f.note("cancel"); return nil }
func (f *fakeSessions) RetryTask(id, taskID string) error   { f.note("retry " + taskID); return nil }
func (f *fakeSessions) Reopen(id string) error              { f.note("reopen"); return nil }

type fakePool struct{}

func (fakePool) Status() pool.Status { return pool.Status{Available: 2, Total: 3, Busy: 1} }
func (fakePool) Resize(n int) error {
	if n < 1 {
		return werr.New(werr.CodePoolShrinkConflict, "cannot shrink to %d", n)
	}
	return nil
}

func newServer(t *testing.T) (*Client, *fakeSessions, *bus.Bus) {
	t.Helper()
	fs := &fakeSessions{sess: &store.Session{ID: "s1", Status: store.StatusReviewing}}
	b := bus.New()
	t.Cleanup(func() { b.Close() })

	srv := NewServer(fs, fakePool{}, nil, b, nil)
	port, err := srv.Listen(0)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	c, err := DialPort(port)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, fs, b
}

func TestServer_RequestResponse(t *testing.T) {
	c, fs, _ := newServer(t)

	res, err := c.Request("session.get", map[string]any{"id": "s1"})
	require.NoError(t, err)
	sess := res.(map[string]any)
	require.Equal(t, "s1", sess["id"])
	require.Equal(t, "reviewing", sess["status"])

	res, err = c.Request("pool.status", nil)
	require.NoError(t, err)
	require.Equal(t, float64(2), res.(map[string]any)["available"])

	res, err = c.Request("session.plan", map[string]any{"id": "s1"})
	require.NoError(t, err)
	require.Equal(t, "# the plan", res.(map[string]any)["text"])

	_, err = c.Request("session.revise", map[string]any{"id": "s1", "feedback": "shorter"})
	require.NoError(t, err)
	_, err = c.Request("workflow.pause", map[string]any{"sessionId": "s1"})
	require.NoError(t, err)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Contains(t, fs.calls, "revise shorter")
	require.Contains(t, fs.calls, "pause")
}

func TestServer_ErrorsCarryCodes(t *testing.T) {
	c, _, _ := newServer(t)

	_, err := c.Request("no.such.method", nil)
	require.Error(t, err)
	require.Equal(t, werr.CodeUnknownMethod, werr.CodeOf(err))

	_, err = c.Request("session.get", map[string]any{"id": "ghost"})
	require.Equal(t, werr.CodeSessionNotFound, werr.CodeOf(err))

	_, err = c.Request("session.get", nil)
	require.Equal(t, werr.CodeProtocolError, werr.CodeOf(err))

	_, err = c.Request("pool.resize", map[string]any{"size": 0})
	require.Equal(t, werr.CodePoolShrinkConflict, werr.CodeOf(err))
}

func TestServer_StateSnapshot(t *testing.T) {
	c, _, _ := newServer(t)

	res, err := c.Request("state.snapshot", nil)
	require.NoError(t, err)
	snap := res.(map[string]any)
	require.Len(t, snap["sessions"].([]any), 1)
	require.Equal(t, float64(3), snap["pool"].(map[string]any)["total"])
}

func TestServer_EventDelivery(t *testing.T) {
	c, _, b := newServer(t)

	require.NoError(t, c.Subscribe("session.*"))
	// Subscribe is fire-and-forget; settle with a request round trip so
	// the pattern is registered before publishing.
	_, err := c.Request("pool.status", nil)
	require.NoError(t, err)

	b.Publish(bus.TopicSessionUpdated, "test", map[string]any{"sessionId": "s1"})
	b.Publish(bus.TopicPoolChanged, "test", map[string]any{"size": 3})

	select {
	case ev := <-c.Events():
		require.Equal(t, TypeEvent, ev.Type)
		require.Equal(t, bus.TopicSessionUpdated, ev.Topic)
		require.Equal(t, "s1", ev.Payload["sessionId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	// pool.changed was never subscribed; nothing else arrives.
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %q", ev.Topic)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestServer_UnsubscribeStopsEvents(t *testing.T) {
	c, _, b := newServer(t)

	require.NoError(t, c.Subscribe("pool.*"))
	_, err := c.Request("pool.status", nil)
	require.NoError(t, err)

	require.NoError(t, c.Unsubscribe("pool.*"))
	_, err = c.Request("pool.status", nil)
	require.NoError(t, err)

	b.Publish(bus.TopicPoolChanged, "test", map[string]any{"size": 4})
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %q", ev.Topic)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestServer_PortFilePublished(t *testing.T) {
	layout := store.NewLayout(t.TempDir(), "_AiDevLog")
	st, err := store.Open(layout, nil, store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fs := &fakeSessions{sess: &store.Session{ID: "s1"}}
	srv := NewServer(fs, fakePool{}, nil, nil, st)
	port, err := srv.Listen(0)
	require.NoError(t, err)

	read, err := store.ReadPortFile(layout)
	require.NoError(t, err)
	require.Equal(t, port, read)

	c, err := Dial(layout)
	require.NoError(t, err)
	_, err = c.Request("session.list", nil)
	require.NoError(t, err)
	c.Close()

	srv.Close()
	_, err = store.ReadPortFile(layout)
	require.Error(t, err, "port file removed on shutdown")
}

func TestServer_SurvivesAbruptDisconnect(t *testing.T) {
	c, _, b := newServer(t)

	require.NoError(t, c.Subscribe("*"))
	_, err := c.Request("pool.status", nil)
	require.NoError(t, err)
	port := c.conn.RemoteAddr().(*net.TCPAddr).Port
	c.Close()

	// Publishing after the disconnect must not wedge the bus or the
	// server; a fresh client still gets service.
	b.Publish(bus.TopicPoolChanged, "test", map[string]any{"size": 1})
	time.Sleep(50 * time.Millisecond)
	b.Publish(bus.TopicPoolChanged, "test", map[string]any{"size": 2})

	c2, err := DialPort(port)
	require.NoError(t, err)
	defer c2.Close()
	_, err = c2.Request("session.list", nil)
	require.NoError(t, err)
}
