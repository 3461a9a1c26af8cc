// Package bus connects the network listener, the stream codec and the
// controller thread with typed ordered channels.
package bus

import "fmt"

// Message is a control-plane message exchanged between bus stages.
// Messages are values: a stage that sends a message never looks at it
// again.
type Message interface {
	isMessage()
}

// DisconnectReason says why a session is being torn down.
type DisconnectReason uint8

const (
	// ReasonClientClosed is sent by a controller that is going away.
	ReasonClientClosed DisconnectReason = 0
	// ReasonRejected is sent by the agent to a connection it will not
	// serve, either because another session is active or because the
	// agent is shutting down.
	ReasonRejected DisconnectReason = 1
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClientClosed:
		return "client closed"
	case ReasonRejected:
		return "rejected"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// LogLevel is the severity of a Log message.
type LogLevel uint8

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// StartScript asks the engine to load and run the controller script at
// Path, relative to the engine's working directory.
type StartScript struct {
	Path string
}

// StopScript asks the engine to stop the running script.
type StopScript struct{}

// SetWorkingDir changes the directory scripts are loaded from.
type SetWorkingDir struct {
	Dir string
}

// Disconnect ends a session.
type Disconnect struct {
	Reason DisconnectReason
}

// Log carries a line of output for the remote controller.
type Log struct {
	Level LogLevel
	Text  string
}

// ScriptStatus reports a change in the script state.
type ScriptStatus struct {
	Running bool
	Err     string
}

// FrameReport is sent once per frame the controller decided on.
type FrameReport struct {
	Frame uint64
}

// SessionEnded is published on the session channel when the remote
// controller is gone. It never crosses the wire.
type SessionEnded struct {
	Reason string
}

func (StartScript) isMessage()   {}
func (StopScript) isMessage()    {}
func (SetWorkingDir) isMessage() {}
func (Disconnect) isMessage()    {}
func (Log) isMessage()           {}
func (ScriptStatus) isMessage()  {}
func (FrameReport) isMessage()   {}
func (SessionEnded) isMessage()  {}

// Bus holds the three channels of a controller session.
type Bus struct {
	// ToEngine carries decoded controller commands to the controller
	// thread.
	ToEngine *Queue[Message]
	// ToController carries engine output to the stream writer.
	ToController *Queue[Message]
	// Session carries liveness messages (SessionEnded, Disconnect).
	Session *Queue[Message]
}

// New returns a Bus with three open channels.
func New() *Bus {
	return &Bus{
		ToEngine:     NewQueue[Message](),
		ToController: NewQueue[Message](),
		Session:      NewQueue[Message](),
	}
}

// Close closes every channel of the bus.
func (b *Bus) Close() {
	b.ToEngine.Close()
	b.ToController.Close()
	b.Session.Close()
}

// Logf sends a Log message to the controller. Errors from a closed bus are
// ignored, output for a controller that is gone is dropped.
func (b *Bus) Logf(level LogLevel, format string, args ...interface{}) {
	_ = b.ToController.Send(Log{Level: level, Text: fmt.Sprintf(format, args...)})
}
