package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
)

type cmdfunc func(t *Term, args []string) error

type command struct {
	aliases []string
	// nargs is the number of arguments the command takes.
	nargs   int
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the controller terminal.
type Commands struct {
	cmds  []command
	names *trie.Trie
}

// ExitRequestError is returned by the quit command.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

var errNoCmd = errors.New("command not available")

// ControllerCommands returns a Commands struct with the default commands
// defined.
func ControllerCommands() *Commands {
	c := &Commands{}
	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, nargs: -1, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"start", "run"}, cmdFn: start, nargs: 1, helpMsg: `Starts a controller script.

	start <script>

The path is relative to the agent's working directory (see cd). Any
script already running is stopped first. If the script defines
on_frame(frame, state) every frame of the game waits for it.`},
		{aliases: []string{"stop"}, cmdFn: stop, helpMsg: `Stops the running script.

Frames run free until the next script is started.`},
		{aliases: []string{"cd"}, cmdFn: cd, nargs: 1, helpMsg: `Changes the agent's script directory.

	cd <dir>`},
		{aliases: []string{"status"}, cmdFn: status, helpMsg: "Prints the state of the running script."},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Ends the session and exits the client."},
	}
	sort.Slice(c.cmds, func(i, j int) bool { return c.cmds[i].aliases[0] < c.cmds[j].aliases[0] })

	c.names = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.names.Add(alias, nil)
		}
	}
	return c
}

// Complete returns the command names starting with line.
func (c *Commands) Complete(line string) []string {
	if strings.ContainsAny(line, " \t") {
		return nil
	}
	r := c.names.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

// Find returns the command named cmdstr.
func (c *Commands) Find(cmdstr string) (command, bool) {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v, true
		}
	}
	return command{}, false
}

// Call parses and executes a command line.
func (c *Commands) Call(cmdstr string, t *Term) error {
	cmdstr = strings.TrimSpace(cmdstr)
	if cmdstr == "" {
		return nil
	}
	words, err := argv.Argv(cmdstr, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in '%s'", s)
	}, nil)
	if err != nil {
		return err
	}
	if len(words) != 1 {
		return fmt.Errorf("pipes are not supported")
	}
	args := words[0]
	cmd, ok := c.Find(args[0])
	if !ok {
		return errNoCmd
	}
	args = args[1:]
	if cmd.nargs >= 0 && len(args) != cmd.nargs {
		return fmt.Errorf("%s takes %d argument(s), see \"help %s\"", cmd.aliases[0], cmd.nargs, cmd.aliases[0])
	}
	return cmd.cmdFn(t, args)
}

func (c *Commands) help(t *Term, args []string) error {
	if len(args) > 0 {
		cmd, ok := c.Find(args[0])
		if !ok {
			return errNoCmd
		}
		fmt.Fprintln(t.stdout, cmd.helpMsg)
		return nil
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func start(t *Term, args []string) error {
	return t.client.StartScript(args[0])
}

func stop(t *Term, args []string) error {
	return t.client.StopScript()
}

func cd(t *Term, args []string) error {
	return t.client.SetWorkingDir(args[0])
}

func status(t *Term, args []string) error {
	st := t.status()
	switch {
	case st.running:
		fmt.Fprintf(t.stdout, "script running, last frame %d\n", st.frame)
	case st.err != "":
		fmt.Fprintf(t.stdout, "no script running, last error: %s\n", st.err)
	default:
		fmt.Fprintln(t.stdout, "no script running")
	}
	return nil
}

func exitCommand(t *Term, args []string) error {
	return ExitRequestError{}
}
