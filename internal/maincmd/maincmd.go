package maincmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mna/mainer"
	"github.com/rs/zerolog"
)

const binName = "brindille"

var (
	shortUsage = fmt.Sprintf(`
usage: %s [<option>...] <command> [<arg>...]
Run '%[1]s --help' for details.
`, binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] <command> [<arg>...]
       %[1]s -h|--help
       %[1]s -v|--version

Cooperative green threads and lenient number scanning playground.

The <command> can be one of:
       hex <string>...           Print the integer value of the
                                 hexadecimal prefix of each string.
       status [<scenario>...]    Run the thread status scenarios and
                                 print the snapshot each one captured.
                                 All scenarios are run if none is
                                 provided.

Valid flag options are:
       -h --help                 Show this help and exit.
       -v --version              Print version and exit.

Valid flag options for the <status> command are:
       --trace                   Log the thread status transitions
                                 to stderr.

More information on the %[1]s repository:
       https://github.com/mna/brindille
`, binName)
)

// Cmd is the brindille command, its flag fields are set from the
// command-line arguments.
type Cmd struct {
	BuildVersion string
	BuildDate    string

	Help    bool `flag:"h,help"`
	Version bool `flag:"v,version"`

	Trace bool `flag:"trace"`

	args  []string
	flags map[string]bool
	cmdFn cmdFunc
}

func (c *Cmd) SetArgs(args []string) {
	c.args = args
}

func (c *Cmd) SetFlags(flags map[string]bool) {
	c.flags = flags
}

func (c *Cmd) Validate() error {
	if c.Help || c.Version {
		return nil
	}

	if len(c.args) == 0 {
		return errors.New("no command specified")
	}

	cmdName := c.args[0]

	commands := buildCmds(c)
	c.cmdFn = commands[cmdName]
	if c.cmdFn == nil {
		return fmt.Errorf("unknown command: %s", c.args[0])
	}

	if cmdName == "hex" && len(c.args[1:]) == 0 {
		return fmt.Errorf("%s: at least one string must be provided", cmdName)
	}

	if c.flags["trace"] && cmdName != "status" {
		return fmt.Errorf("%s: invalid flag 'trace'", cmdName)
	}

	return nil
}

func printError(stdio mainer.Stdio, err error) error {
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "%s\n", err)
	}
	return err
}

// Main parses args and runs the requested command, returning the process
// exit code.
func (c *Cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	p := mainer.Parser{
		EnvVars:   false,
		EnvPrefix: strings.ToUpper(binName) + "_",
	}
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s", err, shortUsage)
		return mainer.InvalidArgs
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success

	case c.Version:
		fmt.Fprintf(stdio.Stdout, "%s %s %s\n", binName, c.BuildVersion, c.BuildDate)
		return mainer.Success
	}

	ctx := mainer.CancelOnSignal(context.Background(), os.Interrupt)
	if c.Trace {
		log := zerolog.New(zerolog.ConsoleWriter{Out: stdio.Stderr, NoColor: true}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
		ctx = log.WithContext(ctx)
	}
	if err := c.cmdFn(ctx, stdio, c.args[1:]); err != nil {
		// each command takes care of printing its errors, just return with an error code
		return mainer.Failure
	}
	return mainer.Success
}

// cmdFunc is the signature of a command method of Cmd.
type cmdFunc = func(context.Context, mainer.Stdio, []string) error

// buildCmds returns the commands of v indexed by their lower-cased method
// name. Valid commands are methods of *Cmd that take a context, a
// mainer.Stdio and a slice of strings as input, and return an error as
// output.
func buildCmds(v any) map[string]cmdFunc {
	cmds := make(map[string]cmdFunc)

	vv := reflect.ValueOf(v)
	vt := vv.Type()
	for i := 0; i < vt.NumMethod(); i++ {
		m := vt.Method(i)
		mt := m.Type

		// must take 4 parameters (including receiver) and return 1
		if mt.NumIn() != 4 || mt.NumOut() != 1 {
			continue
		}

		if rt := mt.Out(0); rt.Kind() != reflect.Interface || rt.Name() != "error" {
			continue
		}
		if p0 := mt.In(0); p0.Kind() != reflect.Ptr || p0.Elem().Name() != "Cmd" {
			continue
		}
		if p1 := mt.In(1); p1.Kind() != reflect.Interface || p1.Name() != "Context" {
			continue
		}
		if p2 := mt.In(2); p2.Kind() != reflect.Struct || p2.Name() != "Stdio" {
			continue
		}
		if p3 := mt.In(3); p3.Kind() != reflect.Slice || p3.Elem().Name() != "string" {
			continue
		}
		cmds[strings.ToLower(m.Name)] = vv.Method(i).Interface().(cmdFunc)
	}
	return cmds
}
