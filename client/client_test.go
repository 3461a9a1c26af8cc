package client

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-delve/framelock/pkg/bus"
	"github.com/go-delve/framelock/pkg/wire"
)

// agent is the far end of a client connection.
type agent struct {
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder
}

func newPipe(t *testing.T) (*Client, *agent) {
	t.Helper()
	a, b := net.Pipe()
	deadline := time.Now().Add(10 * time.Second)
	a.SetDeadline(deadline)
	b.SetDeadline(deadline)
	t.Cleanup(func() { a.Close(); b.Close() })
	return New(b), &agent{conn: a, enc: wire.NewEncoder(a), dec: wire.NewDecoder(a)}
}

func (a *agent) expect(t *testing.T, want bus.Message) {
	t.Helper()
	m, err := a.dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if m != want {
		t.Fatalf("agent received %#v, expected %#v", m, want)
	}
}

func TestClientCommands(t *testing.T) {
	c, a := newPipe(t)

	go c.StartScript("tas/level1.star")
	a.expect(t, bus.StartScript{Path: "tas/level1.star"})
	go c.SetWorkingDir("/srv/scripts")
	a.expect(t, bus.SetWorkingDir{Dir: "/srv/scripts"})
	go c.StopScript()
	a.expect(t, bus.StopScript{})

	go a.enc.Encode(bus.Log{Level: bus.LevelWarn, Text: "slow frame"})
	if m := <-c.Messages(); m != (bus.Log{Level: bus.LevelWarn, Text: "slow frame"}) {
		t.Fatalf("client received %#v", m)
	}

	go c.Close()
	a.expect(t, bus.Disconnect{Reason: bus.ReasonClientClosed})
	for range c.Messages() {
	}
	if c.Err() != nil {
		t.Fatalf("unexpected error %v", c.Err())
	}
}

func TestClientRejected(t *testing.T) {
	c, a := newPipe(t)
	go func() {
		a.conn.Write(wire.RejectSignal)
		a.conn.Close()
	}()
	for m := range c.Messages() {
		t.Fatalf("unexpected message %#v", m)
	}
	if !errors.Is(c.Err(), ErrRejected) {
		t.Fatalf("expected rejection, got %v", c.Err())
	}
}

func TestCommands(t *testing.T) {
	c, a := newPipe(t)
	var out bytes.Buffer
	term := newTerm(c, &out)

	go func() {
		if err := term.cmds.Call(`start "my script.star"`, term); err != nil {
			t.Error(err)
		}
	}()
	a.expect(t, bus.StartScript{Path: "my script.star"})

	go term.cmds.Call("cd ../other", term)
	a.expect(t, bus.SetWorkingDir{Dir: "../other"})

	for _, tc := range []struct {
		cmd, want string
	}{
		{"start", "takes 1 argument"},
		{"stop now", "takes 0 argument"},
		{"jump", "command not available"},
		{"start a | b", "pipes"},
	} {
		err := term.cmds.Call(tc.cmd, term)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%q: expected error containing %q, got %v", tc.cmd, tc.want, err)
		}
	}

	if err := term.cmds.Call("quit", term); err != (ExitRequestError{}) {
		t.Fatalf("quit returned %v", err)
	}

	if err := term.cmds.Call("help start", term); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Starts a controller script.") {
		t.Fatalf("help output %q", out.String())
	}
}

func TestStatus(t *testing.T) {
	c, _ := newPipe(t)
	var out bytes.Buffer
	term := newTerm(c, &out)

	term.handle(bus.ScriptStatus{Running: true})
	term.handle(bus.FrameReport{Frame: 41})
	term.handle(bus.FrameReport{Frame: 42})
	term.handle(bus.Log{Level: bus.LevelError, Text: "boom"})
	term.cmds.Call("status", term)
	term.handle(bus.ScriptStatus{Err: "on_frame failed"})
	term.cmds.Call("status", term)

	want := "script running\nerror: boom\nscript running, last frame 42\n" +
		"script stopped: on_frame failed\nno script running, last error: on_frame failed\n"
	if out.String() != want {
		t.Fatalf("output:\n%s\nexpected:\n%s", out.String(), want)
	}
}

func TestComplete(t *testing.T) {
	cmds := ControllerCommands()
	if got := cmds.Complete("st"); strings.Join(got, ",") != "start,status,stop" {
		t.Fatalf("completions %v", got)
	}
	if got := cmds.Complete("start x"); got != nil {
		t.Fatalf("completed arguments: %v", got)
	}
}
