package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/framelock/client"
	"github.com/go-delve/framelock/pkg/logflags"
	"github.com/go-delve/framelock/pkg/symbols"
	"github.com/go-delve/framelock/pkg/tls"
	"github.com/go-delve/framelock/pkg/version"
)

var (
	// log is whether to log client activity.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// tlsFiles are the certificates used to connect to an agent serving TLS.
	tlsFiles tls.Files

	// symPrefix limits the symbols dump to names starting with it.
	symPrefix string
	// symDemangle prints display names instead of raw names.
	symDemangle bool

	// verbose prints the build information with the version.
	verbose bool
)

const framelockCommandLongDesc = `Framelock runs a game one frame at a time under the control of a script.

The framelock agent is a shared library loaded into the game process. It
intercepts the functions listed in its configuration file and waits for a
controller to connect. This command is the controller: connect to a running
agent with 'framelock connect', or list the functions of a game binary
that can be hooked with 'framelock symbols'.`

const logCommandLongDesc = `Logging can be enabled with --log. Components are selected with
--log-output, a comma separated list of:

	hook	installing and removing hooks
	symbols	loading symbol tables
	engine	frame pacing and script execution (default)
	session	controller sessions and the messages they exchange
	script	output of controller scripts

--log-dest writes the logs to a file (opened in append mode) or, if the
argument is a number, to that file descriptor.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Main framelock root command.
	rootCommand := &cobra.Command{
		Use:          "framelock",
		Short:        "Framelock steps games frame by frame from a script.",
		Long:         framelockCommandLongDesc,
		SilenceUsage: true,
	}
	addLogFlags(rootCommand.PersistentFlags())

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect addr",
		Short: "Connect to a running agent.",
		Long:  "Connect to a framelock agent and start an interactive session.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide an address as the first argument")
			}
			return nil
		},
		Run: connectCmd,
	}
	connectCommand.Flags().StringVar(&tlsFiles.CA, "tls-ca", "", "Connect over TLS, verifying the agent certificate against this CA.")
	connectCommand.Flags().StringVar(&tlsFiles.Cert, "tls-cert", "", "Client certificate, for agents requiring one.")
	connectCommand.Flags().StringVar(&tlsFiles.Key, "tls-key", "", "Key of the client certificate.")
	rootCommand.AddCommand(connectCommand)

	// 'symbols' subcommand.
	symbolsCommand := &cobra.Command{
		Use:   "symbols image",
		Short: "Lists the functions of an image.",
		Long: `Lists the symbols of an ELF image with their address and size.

Both the raw and the demangled names can be used as hook symbols in the
agent configuration file.`,
		Args: cobra.ExactArgs(1),
		RunE: symbolsCmd,
	}
	symbolsCommand.Flags().StringVar(&symPrefix, "prefix", "", "Only list symbols whose raw or demangled name starts with this prefix.")
	symbolsCommand.Flags().BoolVar(&symDemangle, "demangle", false, "Print demangled names.")
	rootCommand.AddCommand(symbolsCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Framelock\n%s\n", version.FramelockVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long:  logCommandLongDesc,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addLogFlags(fs *pflag.FlagSet) {
	fs.BoolVarP(&log, "log", "", false, "Enable logging.")
	fs.StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'framelock help log')`)
	fs.StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'framelock help log').")
}

func connectCmd(cmd *cobra.Command, args []string) {
	addr := args[0]
	if addr == "" {
		fmt.Fprint(os.Stderr, "An empty address was provided. You must provide an address as the first argument.\n")
		os.Exit(1)
	}
	os.Exit(connect(addr))
}

func connect(addr string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	var (
		c   *client.Client
		err error
	)
	if tlsFiles.Enabled() {
		c, err = client.DialTLS(addr, tlsFiles)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not connect to %s: %v\n", addr, err)
		return 1
	}
	term := client.NewTerm(c)
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

func symbolsCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()

	img, err := symbols.Open(args[0], 0)
	if err != nil {
		return err
	}
	syms := img.Symbols()
	if symPrefix != "" {
		syms = img.PrefixSearch(symPrefix)
	}
	printSymbols(cmd.OutOrStdout(), syms, symDemangle)
	return nil
}

func printSymbols(out io.Writer, syms []symbols.Symbol, demangled bool) {
	w := tabwriter.NewWriter(out, 0, 8, 1, ' ', 0)
	defer w.Flush()
	for _, sym := range syms {
		name := sym.Name
		if demangled {
			name = sym.Demangled
		}
		table := "symtab"
		if sym.Dynamic {
			table = "dynsym"
		}
		fmt.Fprintf(w, "%#016x\t%d\t%s\t%s\n", sym.Addr, sym.Size, table, name)
	}
}
