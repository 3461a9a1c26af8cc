// Package client implements the remote controller side of a framelock
// session.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/go-delve/framelock/pkg/bus"
	"github.com/go-delve/framelock/pkg/tls"
	"github.com/go-delve/framelock/pkg/wire"
)

// ErrRejected is reported when the agent refused the connection, or ended
// the session because it is shutting down.
var ErrRejected = errors.New("session rejected by the agent")

// Client is a connection to a framelock agent. Commands may be sent from
// any goroutine; messages from the agent are delivered on Messages.
type Client struct {
	conn net.Conn

	sendMu sync.Mutex
	enc    *wire.Encoder

	msgs chan bus.Message
	err  error

	closeMu sync.Mutex
	closed  bool
}

// Dial connects to the agent listening on addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// DialTLS connects to an agent serving TLS on addr.
func DialTLS(addr string, files tls.Files) (*Client, error) {
	conn, err := tls.Dial("tcp", addr, files)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New returns a client using an established connection.
func New(conn net.Conn) *Client {
	c := &Client{
		conn: conn,
		enc:  wire.NewEncoder(conn),
		msgs: make(chan bus.Message, 64),
	}
	go c.read()
	return c
}

func (c *Client) read() {
	defer close(c.msgs)
	dec := wire.NewDecoder(c.conn)
	for {
		m, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.isClosed() {
				c.err = err
			}
			return
		}
		if d, ok := m.(bus.Disconnect); ok {
			if d.Reason == bus.ReasonRejected {
				c.err = ErrRejected
			} else {
				c.err = fmt.Errorf("agent disconnected: %v", d.Reason)
			}
			return
		}
		c.msgs <- m
	}
}

// Messages returns the messages sent by the agent. The channel is closed
// when the session ends, after which Err reports why.
func (c *Client) Messages() <-chan bus.Message {
	return c.msgs
}

// Err returns the reason the session ended, nil if it ended because
// either side closed the connection. It must only be called after the
// Messages channel was closed.
func (c *Client) Err() error {
	return c.err
}

func (c *Client) send(m bus.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.enc.Encode(m)
}

// StartScript asks the agent to run the script at path, relative to the
// agent's working directory.
func (c *Client) StartScript(path string) error {
	return c.send(bus.StartScript{Path: path})
}

// StopScript asks the agent to stop the running script.
func (c *Client) StopScript() error {
	return c.send(bus.StopScript{})
}

// SetWorkingDir changes the directory the agent loads scripts from.
func (c *Client) SetWorkingDir(dir string) error {
	return c.send(bus.SetWorkingDir{Dir: dir})
}

func (c *Client) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// Close ends the session and closes the connection.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()
	// the agent may already be gone
	c.send(bus.Disconnect{Reason: bus.ReasonClientClosed})
	return c.conn.Close()
}
