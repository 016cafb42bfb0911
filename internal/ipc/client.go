package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

// Client is a minimal IPC peer: correlated requests plus an event
// stream. Callers needing auto-reconnect wrap Dial themselves.
type Client struct {
	conn net.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	nextID  int
	waiting map[string]chan *Message
	events  chan *Message
	closed  bool
}

// Dial connects to the daemon published in the workspace port file.
func Dial(layout store.Layout) (*Client, error) {
	port, err := store.ReadPortFile(layout)
	if err != nil {
		return nil, err
	}
	return DialPort(port)
}

// DialPort connects to a known loopback port.
func DialPort(port int) (*Client, error) {
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 5*time.Second)
	if err != nil {
		return nil, werr.Wrap(werr.CodeIOError, err, "dialing daemon")
	}
	c := &Client{
		conn:    conn,
		waiting: map[string]chan *Message{},
		events:  make(chan *Message, 64),
	}
	go c.readLoop()
	return c, nil
}

// Close drops the connection. Pending requests fail, Events drains.
func (c *Client) Close() {
	c.conn.Close()
}

// Events delivers server-initiated event frames. The channel closes when
// the connection dies. Events overflowing the buffer are dropped.
func (c *Client) Events() <-chan *Message {
	return c.events
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.waiting {
			close(ch)
			delete(c.waiting, id)
		}
		close(c.events)
		c.mu.Unlock()
	}()
	for {
		data, err := ReadFrame(c.conn)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case TypeResponse:
			c.mu.Lock()
			if ch, ok := c.waiting[msg.ID]; ok {
				delete(c.waiting, msg.ID)
				ch <- &msg
			}
			c.mu.Unlock()
		case TypeEvent:
			select {
			case c.events <- &msg:
			default:
			}
		}
	}
}

func (c *Client) send(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.conn, msg)
}

// Subscribe registers interest in a topic pattern.
func (c *Client) Subscribe(pattern string) error {
	return c.send(&Message{Type: TypeSubscribe, Topic: pattern})
}

// Unsubscribe drops a topic pattern.
func (c *Client) Unsubscribe(pattern string) error {
	return c.send(&Message{Type: TypeUnsubscribe, Topic: pattern})
}

// Request sends a method call and blocks for the correlated response.
// A response carrying an error surfaces as a typed error.
func (c *Client) Request(method string, params any) (any, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, werr.Wrap(werr.CodeProtocolError, err, "encoding params")
		}
		raw = data
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, werr.New(werr.CodeIOError, "connection closed")
	}
	c.nextID++
	id := fmt.Sprintf("c%d", c.nextID)
	ch := make(chan *Message, 1)
	c.waiting[id] = ch
	c.mu.Unlock()

	if err := c.send(&Message{Type: TypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		c.mu.Lock()
		delete(c.waiting, id)
		c.mu.Unlock()
		return nil, err
	}

	resp, ok := <-ch
	if !ok {
		return nil, werr.New(werr.CodeIOError, "connection closed")
	}
	if resp.Error != nil {
		return nil, werr.New(werr.Code(resp.Error.Code), "%s", resp.Error.Message)
	}
	return resp.Result, nil
}
