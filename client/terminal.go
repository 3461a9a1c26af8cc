package client

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/go-delve/framelock/pkg/bus"
	"github.com/go-delve/framelock/pkg/config"
)

const (
	historyFile                 string = ".framelock_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiRed     = 31
	ansiGreen   = 32
	ansiYellow  = 33
	ansiBlue    = 34
	ansiBrBlack = 90
)

type scriptState struct {
	running bool
	frame   uint64
	err     string
}

// Term is the interactive controller terminal.
type Term struct {
	client *Client
	prompt string
	line   *liner.State
	cmds   *Commands
	color  bool

	// outMu serializes output from the prompt and from agent messages.
	outMu  sync.Mutex
	stdout io.Writer

	stateMu sync.Mutex
	state   scriptState
}

// NewTerm returns a terminal controlling the agent c is connected to.
func NewTerm(c *Client) *Term {
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	tty := isatty.IsTerminal(os.Stdout.Fd())
	var w io.Writer = os.Stdout
	if tty && !dumb {
		w = colorable.NewColorableStdout()
	}
	t := newTerm(c, w)
	t.color = tty && !dumb
	return t
}

func newTerm(c *Client, w io.Writer) *Term {
	return &Term{
		client: c,
		prompt: "(framelock) ",
		cmds:   ControllerCommands(),
		stdout: w,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

func (t *Term) status() scriptState {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

// Run reads commands until the user quits or the session ends. It returns
// the exit status of the client.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()
	t.line.SetCompleter(t.cmds.Complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}
	if f, err := os.Open(fullHistoryFile); err == nil {
		t.line.ReadHistory(f)
		f.Close()
	}

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		t.printMessages()
	}()

	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")
	for {
		cmdstr, err := t.line.Prompt(t.prompt)
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit(ended)
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}
		if cmdstr = strings.TrimSpace(cmdstr); cmdstr != "" {
			t.line.AppendHistory(cmdstr)
		}

		select {
		case <-ended:
			return t.sessionEnded()
		default:
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit(ended)
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) sessionEnded() (int, error) {
	if err := t.client.Err(); err != nil {
		return 1, err
	}
	fmt.Fprintln(t.stdout, "agent closed the connection")
	return 0, nil
}

func (t *Term) handleExit(ended <-chan struct{}) (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err == nil {
		if f, err := os.Create(fullHistoryFile); err == nil {
			if _, err := t.line.WriteHistory(f); err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}
	t.client.Close()
	<-ended
	return 0, nil
}

// printMessages prints the messages of the agent until the session ends.
func (t *Term) printMessages() {
	for m := range t.client.Messages() {
		t.handle(m)
	}
}

func (t *Term) handle(m bus.Message) {
	switch m := m.(type) {
	case bus.Log:
		switch m.Level {
		case bus.LevelError:
			t.println(ansiRed, "error: ", m.Text)
		case bus.LevelWarn:
			t.println(ansiYellow, "warning: ", m.Text)
		case bus.LevelDebug:
			t.println(ansiBrBlack, "", m.Text)
		default:
			t.println(0, "", m.Text)
		}
	case bus.ScriptStatus:
		t.stateMu.Lock()
		t.state.running = m.Running
		t.state.err = m.Err
		t.stateMu.Unlock()
		switch {
		case m.Running:
			t.println(ansiGreen, "", "script running")
		case m.Err != "":
			t.println(ansiRed, "script stopped: ", m.Err)
		default:
			t.println(ansiBlue, "", "script stopped")
		}
	case bus.FrameReport:
		t.stateMu.Lock()
		t.state.frame = m.Frame
		t.stateMu.Unlock()
	}
}

// println prints a line, the prefix highlighted with color if the output
// is a terminal.
func (t *Term) println(color int, prefix, str string) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	if t.color && color != 0 {
		if prefix == "" {
			str = fmt.Sprintf(terminalHighlightEscapeCode+"%s"+terminalResetEscapeCode, color, str)
		} else {
			prefix = fmt.Sprintf(terminalHighlightEscapeCode+"%s"+terminalResetEscapeCode, color, prefix)
		}
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}
