package service

import (
	"net"

	"github.com/go-delve/framelock/pkg/bus"
)

// SessionHandler is the engine side of a controller session.
type SessionHandler interface {
	// Attach is called when a controller connects, before any message is
	// read from it. The handler consumes b.ToEngine and produces
	// b.ToController until Detach returns.
	Attach(b *bus.Bus)
	// Detach is called once the controller is gone. It must release the
	// instrumented thread if it is waiting for a frame decision and stop
	// using the bus before returning.
	Detach()
}

// Config provides the configuration to expose an engine to remote
// controllers.
type Config struct {
	// Listener is used to serve controller connections.
	Listener net.Listener

	// Handler receives the messages of each session.
	Handler SessionHandler

	// CheckLocalConnUser is true if the server should check that
	// connections to a loopback listener come from the same user that
	// started the agent.
	CheckLocalConnUser bool

	// DisconnectChan will be closed by the server when it stops.
	DisconnectChan chan<- struct{}
}
