// Package ipc serves external clients over localhost TCP. The chosen
// port lands in the well-known port file; clients speak length-prefixed
// JSON frames (frame.go) carrying the Message envelope (protocol.go).
// Authorization is absent on purpose: the listener binds loopback only.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/weftworks/weft/internal/bus"
	"github.com/weftworks/weft/internal/coordinator"
	"github.com/weftworks/weft/internal/log"
	"github.com/weftworks/weft/internal/pool"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

// Sessions is the session-manager surface exposed over IPC.
type Sessions interface {
	Create(requirement string, docs []string) (*store.Session, error)
	Get(id string) (*store.Session, error)
	Sessions() []*store.Session
	PlanText(id string, version int) ([]byte, error)
	Revise(id, feedback string) error
	Approve(id string, autoStart bool) error
	Start(id string) error
	Pause(id string) error
	Resume(id string) error
	Stop(id string) error
	Cancel(id string) error
	RetryTask(id, taskID string) error
	Reopen(id string) error
}

// PoolControl is the pool surface exposed over IPC.
type PoolControl interface {
	Status() pool.Status
	Resize(n int) error
}

// Scheduler reports the coordinator state for snapshots.
type Scheduler interface {
	State() coordinator.State
}

// Server accepts IPC connections and routes requests.
type Server struct {
	sessions Sessions
	pool     PoolControl
	sched    Scheduler
	b        *bus.Bus
	st       *store.Store

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	methods map[string]handler
}

type handler func(params json.RawMessage) (any, error)

// NewServer wires the IPC surface. sched and st may be nil in tests.
func NewServer(sessions Sessions, p PoolControl, sched Scheduler, b *bus.Bus, st *store.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		sessions: sessions,
		pool:     p,
		sched:    sched,
		b:        b,
		st:       st,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.methods = s.methodTable()
	return s
}

// Listen binds a loopback port, publishes it in the port file, and
// starts accepting. Port 0 picks a free port.
func (s *Server) Listen(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, werr.Wrap(werr.CodeIOError, err, "binding ipc listener")
	}
	s.ln = ln
	chosen := ln.Addr().(*net.TCPAddr).Port
	if s.st != nil {
		if err := s.st.WritePortFile(chosen); err != nil {
			ln.Close()
			return 0, err
		}
	}
	log.Info(log.CatIPC, "IPC listening", "port", chosen)

	s.wg.Add(1)
	go s.acceptLoop()
	return chosen, nil
}

// Close stops accepting, drops every connection, and removes the port
// file.
func (s *Server) Close() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	if s.st != nil {
		s.st.RemovePortFile()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Warn(log.CatIPC, "Accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// client is one connected peer. Writes are serialized by wmu; the
// subscription set lives behind smu and dies with the connection.
type client struct {
	conn net.Conn
	wmu  sync.Mutex

	smu      sync.Mutex
	patterns map[string]bool
}

func (c *client) send(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.conn, msg)
}

func (c *client) subscribed(topic string) bool {
	c.smu.Lock()
	defer c.smu.Unlock()
	for p := range c.patterns {
		if bus.Matches(p, topic) {
			return true
		}
	}
	return false
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	c := &client{conn: conn, patterns: map[string]bool{}}
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Close the socket when the server shuts down so the read loop
	// unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Event pump: forward every bus event the client subscribed to.
	// The channel subscription is garbage-collected when ctx dies.
	if s.b != nil {
		events := s.b.Channel(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for wrapped := range events {
				ev := wrapped.Payload
				if !c.subscribed(ev.Topic) {
					continue
				}
				if err := c.send(&Message{Type: TypeEvent, Topic: ev.Topic, Payload: ev.Payload}); err != nil {
					cancel()
					return
				}
			}
		}()
	}

	for {
		data, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil &&
				werr.CodeOf(err) == werr.CodeProtocolError {
				_ = c.send(&Message{Type: TypeResponse, Error: errInfo(err)})
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.send(&Message{Type: TypeResponse, Error: errInfo(
				werr.Wrap(werr.CodeProtocolError, err, "decoding message"))})
			continue
		}
		s.handle(c, &msg)
	}
}

func (s *Server) handle(c *client, msg *Message) {
	switch msg.Type {
	case TypeSubscribe:
		c.smu.Lock()
		c.patterns[msg.Topic] = true
		c.smu.Unlock()
	case TypeUnsubscribe:
		c.smu.Lock()
		delete(c.patterns, msg.Topic)
		c.smu.Unlock()
	case TypeRequest:
		resp := &Message{Type: TypeResponse, ID: msg.ID}
		fn, ok := s.methods[msg.Method]
		if !ok {
			resp.Error = errInfo(werr.New(werr.CodeUnknownMethod, "unknown method %q", msg.Method))
		} else if result, err := fn(msg.Params); err != nil {
			resp.Error = errInfo(err)
		} else {
			resp.Result = result
		}
		if err := c.send(resp); err != nil {
			log.Debug(log.CatIPC, "Response write failed", "error", err)
		}
	default:
		_ = c.send(&Message{Type: TypeResponse, ID: msg.ID, Error: errInfo(
			werr.New(werr.CodeProtocolError, "unknown message type %q", msg.Type))})
	}
}

func errInfo(err error) *ErrorInfo {
	code := werr.CodeOf(err)
	if code == "" {
		code = werr.CodeIOError
	}
	return &ErrorInfo{Code: string(code), Message: err.Error()}
}
