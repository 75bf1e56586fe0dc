package cmdline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	arg "github.com/alexflint/go-arg"
	goerrors "github.com/go-errors/errors"
	"github.com/injadlu/dama/dama-golib/errors"
)

// Command is a subcommand of a multi-command binary. Args is both the go-arg
// destination and the handler run once parsing succeeds.
type Command struct {
	Name     string
	Synopsis string
	Args     Handler
}

// Handler runs a parsed command.
type Handler interface {
	Handle(ctx context.Context) error
}

// Validator is implemented by Args that check their values after parsing.
type Validator interface {
	Validate() error
}

// Exit codes returned by Dispatch.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
	// ExitFatal is returned for errors marked with errors.Fatal, e.g. a NaN
	// in the loss or a hung collective.
	ExitFatal = 3
)

func prog() string {
	if len(os.Args) == 0 {
		return "program"
	}
	return filepath.Base(os.Args[0])
}

func writeUsage(w io.Writer, cmds []Command) {
	fmt.Fprintf(w, "Usage: %s COMMAND [ARGS]\n", prog())
	fmt.Fprintln(w, "Command can be one of:")
	rows := make([][2]string, 0, len(cmds)+2)
	for _, cmd := range cmds {
		rows = append(rows, [2]string{cmd.Name, cmd.Synopsis})
	}
	rows = append(rows,
		[2]string{"help", "display this help and exit"},
		[2]string{"help COMMAND", "display help for command and exit"})
	for _, r := range rows {
		fmt.Fprintf(w, "  %-20s %s\n", r[0], r[1])
	}
}

func find(cmds []Command, name string) *Command {
	for i := range cmds {
		if cmds[i].Name == name {
			return &cmds[i]
		}
	}
	return nil
}

// MustDispatch runs Dispatch on os.Args and exits with its status. The
// command context is cancelled on SIGINT or SIGTERM.
func MustDispatch(cmds ...Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr, cmds...)
	stop()
	os.Exit(code)
}

// Dispatch parses args (without the program name), runs the selected command
// and returns the process exit code.
func Dispatch(ctx context.Context, args []string, stdout, stderr io.Writer, cmds ...Command) int {
	if len(args) == 0 {
		writeUsage(stdout, cmds)
		fmt.Fprintln(stdout, "\nError: no command provided")
		return ExitUsage
	}

	name, help := args[0], false
	if name == "help" {
		if len(args) == 1 {
			writeUsage(stdout, cmds)
			fmt.Fprintln(stdout, "\nFor help on a specific command use help COMMAND")
			return ExitOK
		}
		name, help = args[1], true
	}

	cmd := find(cmds, name)
	if cmd == nil {
		writeUsage(stdout, cmds)
		fmt.Fprintln(stdout, "\nError: unknown command", name)
		return ExitUsage
	}

	parser, err := arg.NewParser(arg.Config{Program: prog() + " " + name}, cmd.Args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitError
	}
	if help {
		parser.WriteHelp(stdout)
		return ExitOK
	}

	usageError := func(err error) int {
		parser.WriteUsage(stderr)
		fmt.Fprintln(stderr, "error:", err)
		return ExitUsage
	}
	switch err := parser.Parse(args[1:]); {
	case err == arg.ErrHelp:
		parser.WriteHelp(stdout)
		return ExitOK
	case err != nil:
		return usageError(err)
	}
	if v, ok := cmd.Args.(Validator); ok {
		if err := v.Validate(); err != nil {
			return usageError(err)
		}
	}

	err = cmd.Args.Handle(ctx)
	switch {
	case err == nil:
		return ExitOK
	case errors.IsFatal(err):
		fmt.Fprintln(stderr, goerrors.Wrap(err, 1).ErrorStack())
		return ExitFatal
	default:
		fmt.Fprintln(stderr, err)
		return ExitError
	}
}
