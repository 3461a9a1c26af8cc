package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-delve/framelock/pkg/bus"
	"github.com/go-delve/framelock/pkg/logflags"
	"github.com/go-delve/framelock/pkg/wire"
	"github.com/go-delve/framelock/service/internal/sameuser"
)

// rejectTimeout bounds the write of the rejection signal to a connection
// that is not going to be served.
const rejectTimeout = 5 * time.Second

// Server accepts controller connections and serves one session at a
// time. A connection arriving while a session is active, or being torn
// down, or after Stop was called, receives the rejection signal and is
// closed.
type Server struct {
	// config is all the information necessary to start the server.
	config *Config
	// listener is used to accept controller connections.
	listener net.Listener
	// stopChan is used to stop the listener goroutine.
	stopChan chan struct{}
	log      logflags.Logger

	mu       sync.Mutex
	active   *session
	stopping bool
	wg       sync.WaitGroup
}

// NewServer creates a new Server.
func NewServer(config *Config) *Server {
	return &Server{
		config:   config,
		listener: config.Listener,
		stopChan: make(chan struct{}),
		log:      logflags.SessionLogger(),
	}
}

// Run starts accepting connections. It returns immediately, the server
// runs until Stop is called.
func (s *Server) Run() error {
	if s.listener == nil {
		return errors.New("no listener")
	}
	if s.config.Handler == nil {
		return errors.New("no session handler")
	}
	s.log.Infof("listening for controllers on %s", s.listener.Addr())
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer s.listener.Close()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				// We were supposed to exit, do nothing and return
				return
			default:
			}
			s.log.Errorf("accept failed, no more controllers will be served: %v", err)
			return
		}
		if s.config.CheckLocalConnUser && !sameuser.CanAccept(s.listener.Addr(), c.LocalAddr(), c.RemoteAddr(), s.log) {
			c.Close()
			continue
		}

		s.mu.Lock()
		sess := s.active
		busy := sess != nil || s.stopping
		if !busy {
			sess = newSession(c, s.log)
			s.active = sess
			s.wg.Add(1)
		}
		s.mu.Unlock()

		if busy {
			s.log.Infof("rejecting connection from %s: another session is active", c.RemoteAddr())
			go reject(c)
			continue
		}
		go func() {
			defer s.wg.Done()
			s.serve(sess)
		}()
	}
}

// reject sends the rejection signal to c and closes it.
func reject(c net.Conn) {
	c.SetWriteDeadline(time.Now().Add(rejectTimeout))
	c.Write(wire.RejectSignal)
	c.Close()
}

// Stop closes the listener, ends the active session and waits for its
// teardown to complete.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	sess := s.active
	s.mu.Unlock()

	close(s.stopChan)
	err := s.listener.Close()
	if sess != nil {
		sess.end(bus.ReasonRejected)
	}
	s.wg.Wait()
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
	}
	return err
}

// serve runs a session from attach to teardown. The session stays active,
// and new connections are rejected, until every goroutine of the session
// has been joined.
func (s *Server) serve(sess *session) {
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	log := sess.log
	log.Infof("controller connected")
	b := sess.bus
	s.config.Handler.Attach(b)

	var g errgroup.Group
	writerDone := make(chan struct{})
	g.Go(sess.read)
	g.Go(func() error {
		defer close(writerDone)
		return sess.write()
	})

	var reason string
	m, err := b.Session.Recv(context.Background())
	switch m := m.(type) {
	case bus.SessionEnded:
		reason = m.Reason
	case bus.Disconnect:
		reason = m.Reason.String()
	default:
		reason = fmt.Sprintf("%T %v", m, err)
	}
	log.Infof("session ended: %s", reason)

	// Release the instrumented thread before anything else, it must never
	// wait for a controller that is gone.
	s.config.Handler.Detach()
	b.Close()
	<-writerDone
	sess.conn.Close()
	if err := g.Wait(); err != nil {
		log.Debugf("session goroutine: %v", err)
	}
}

// session is a connected controller.
type session struct {
	conn net.Conn
	bus  *bus.Bus
	log  logflags.Logger
}

func newSession(conn net.Conn, log logflags.Logger) *session {
	return &session{
		conn: conn,
		bus:  bus.New(),
		log:  log.WithField("remote", conn.RemoteAddr().String()),
	}
}

// end asks the session to terminate, telling the controller why.
func (sess *session) end(reason bus.DisconnectReason) {
	sess.bus.ToController.Send(bus.Disconnect{Reason: reason})
	sess.bus.Session.Send(bus.Disconnect{Reason: reason})
}

// read decodes controller commands until the stream ends or the
// controller disconnects. Either way the session channel is told.
func (sess *session) read() error {
	dec := wire.NewDecoder(sess.conn)
	for {
		m, err := dec.Decode()
		if err != nil {
			if isClosed(err) {
				sess.bus.Session.Send(bus.SessionEnded{Reason: "connection closed"})
				return nil
			}
			sess.bus.Session.Send(bus.SessionEnded{Reason: err.Error()})
			return err
		}
		switch m := m.(type) {
		case bus.Disconnect:
			sess.bus.Session.Send(m)
			return nil
		case bus.StartScript, bus.StopScript, bus.SetWorkingDir:
			sess.bus.ToEngine.Send(m)
		default:
			sess.log.Warnf("ignoring unexpected %T from controller", m)
		}
	}
}

// write encodes engine output until the bus is closed and drained.
func (sess *session) write() error {
	enc := wire.NewEncoder(sess.conn)
	for {
		m, err := sess.bus.ToController.Recv(context.Background())
		if err != nil {
			return nil
		}
		if err := enc.Encode(m); err != nil {
			sess.bus.Session.Send(bus.SessionEnded{Reason: err.Error()})
			return err
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
