package command

import (
	"errors"

	"github.com/urfave/cli/v2"
)

const (
	AppName = "peerrun"
	RunName = "run"
)

// Global flags.
const (
	FlagLogLevel = "log-level"
	FlagLogJSON  = "log-json"
)

// Run flags. Workers inherit all of them.
const (
	FlagDev      = "dev"
	FlagStore    = "store"
	FlagTmpStore = "tmp-store"
	FlagLinks    = "links"
	FlagCheckout = "checkout"
	FlagDetached = "detached"
	FlagNoAsk    = "no-ask"
)

var (
	ErrNotRun    = errors.New("argv is not a run invocation")
	ErrNoTarget  = errors.New("run invocation has no target")
	ErrBadTarget = errors.New("invalid run target")
)

// RunFunc is called with the parsed invocation when the run command is selected.
type RunFunc func(ctx *cli.Context, inv *Invocation) error

// NewApp builds the peerrun CLI. The same App is used by the binary and by argv derivation.
func NewApp(run RunFunc) *cli.App {
	return &cli.App{
		Name:  AppName,
		Usage: "run peer-to-peer applications and their workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  FlagLogLevel,
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  FlagLogJSON,
				Usage: "Emit JSON logs instead of console logs.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      RunName,
				Usage:     "run an application or a builtin worker entry point",
				ArgsUsage: "<target> [args...]",
				Flags:     runFlags(),
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() == 0 {
						return ErrNoTarget
					}
					return run(ctx, newInvocation(ctx))
				},
			},
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    FlagDev,
			Aliases: []string{"d"},
			Usage:   "Enable development mode.",
		},
		&cli.StringFlag{
			Name:    FlagStore,
			Aliases: []string{"s"},
			Usage:   "Set the application storage path.",
		},
		&cli.BoolFlag{
			Name:  FlagTmpStore,
			Usage: "Use a temporary application storage path.",
		},
		&cli.StringFlag{
			Name:  FlagLinks,
			Usage: "Override configured links with comma-separated key-value pairs.",
		},
		&cli.StringFlag{
			Name:  FlagCheckout,
			Usage: "Run a checkout of the application: a length, 'release' or 'staged'.",
		},
		&cli.BoolFlag{
			Name:  FlagDetached,
			Usage: "Run the application detached from the launching process.",
		},
		&cli.BoolFlag{
			Name:  FlagNoAsk,
			Usage: "Suppress permission prompts.",
		},
	}
}

func newInvocation(ctx *cli.Context) *Invocation {
	args := ctx.Args().Slice()
	inv := &Invocation{
		Target:      args[0],
		Rest:        args[1:],
		Flags:       map[string]string{},
		LogLevel:    ctx.String(FlagLogLevel),
		LogJSON:     ctx.Bool(FlagLogJSON),
		TargetIndex: -1,
		RestIndex:   -1,
	}
	for _, f := range runFlags() {
		switch f := f.(type) {
		case *cli.BoolFlag:
			if ctx.Bool(f.Name) {
				inv.Flags[f.Name] = "true"
			}
		case *cli.StringFlag:
			if v := ctx.String(f.Name); v != "" {
				inv.Flags[f.Name] = v
			}
		}
	}
	return inv
}
