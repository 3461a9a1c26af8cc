package service

import (
	"errors"
	"net"
	"sync"
)

// PipeListener is an in-memory net.Listener. Every call to Dial creates a
// full-duplex connection, like net.Pipe, and queues its server end to be
// returned by Accept.
type PipeListener struct {
	conns   chan net.Conn
	closech chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewPipeListener returns an open PipeListener.
func NewPipeListener() *PipeListener {
	return &PipeListener{conns: make(chan net.Conn), closech: make(chan struct{})}
}

var errPipeListenerClosed = errors.New("accept failed: listener closed")

// Dial connects to the listener. It blocks until Accept picks up the
// server end of the connection or the listener is closed.
func (l *PipeListener) Dial() (net.Conn, error) {
	server, client := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closech:
		server.Close()
		client.Close()
		return nil, errPipeListenerClosed
	}
}

// Accept returns the server end of the next dialed connection, it blocks
// until a connection is dialed or the listener is closed.
func (l *PipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closech:
		return nil, errPipeListenerClosed
	}
}

// Close closes the listener.
func (l *PipeListener) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.closech)
	return nil
}

// Addr returns the listener's network address.
func (l *PipeListener) Addr() net.Addr {
	return pipeAddr{}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
