package command

import (
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v2"
)

// Invocation is a parsed run invocation.
type Invocation struct {
	// Target is the positional run target (a link, a path or a builtin entry).
	Target string
	// Rest holds the trailing free-form arguments after the target.
	Rest []string
	// Flags holds the run flags that were set, keyed by their long name.
	Flags map[string]string

	LogLevel string
	LogJSON  bool

	// TargetIndex is the index of Target in the parsed argv, or -1 when not parsed from an argv.
	TargetIndex int
	// RestIndex is the index of the rest boundary in the parsed argv, or -1 when there are no trailing args.
	RestIndex int
}

// Parse parses argv (without the program name) against the run grammar and locates the target and rest boundary.
func Parse(argv []string) (*Invocation, error) {
	var inv *Invocation
	app := NewApp(func(ctx *cli.Context, i *Invocation) error {
		inv = i
		return nil
	})
	app.Writer = io.Discard
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run(append([]string{AppName}, argv...))
	if err != nil {
		return nil, fmt.Errorf("parsing %v: %w", argv, err)
	}
	if inv == nil {
		return nil, fmt.Errorf("parsing %v: %w", argv, ErrNotRun)
	}

	// flag parsing stops at the target, so everything from the target on is positional
	inv.TargetIndex = len(argv) - len(inv.Rest) - 1
	if len(inv.Rest) > 0 {
		inv.RestIndex = inv.TargetIndex + 1
	}
	return inv, nil
}

// DeriveArgv derives a worker's argv from argv, the argv of the current run invocation.
// The result is argv with the target replaced by target and truncated at the rest boundary.
// A target that is empty or looks like a flag is rejected, since the worker could not parse it back.
func DeriveArgv(argv []string, target string) ([]string, error) {
	if target == "" || strings.HasPrefix(target, "-") {
		return nil, fmt.Errorf("%w: %q", ErrBadTarget, target)
	}
	inv, err := Parse(argv)
	if err != nil {
		return nil, err
	}
	end := len(argv)
	if inv.RestIndex >= 0 {
		end = inv.RestIndex
	}
	derived := make([]string, end)
	copy(derived, argv[:end])
	derived[inv.TargetIndex] = target
	return derived, nil
}
