package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/peerrun/command"
	"github.com/guseggert/peerrun/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// exitWait bounds how long the host waits for its workers after the entry point returns.
const exitWait = 10 * time.Second

type entry func(ctx context.Context, log *zap.SugaredLogger, inv *command.Invocation) error

var entries = map[string]entry{
	"builtin:transform":      runTransformWorker,
	"builtin:echo":           runEcho,
	"builtin:broker":         runBroker,
	"builtin:transform-file": runTransformFile,
}

func main() {
	app := command.NewApp(func(cliCtx *cli.Context, inv *command.Invocation) error {
		logger, err := newLogger(inv.LogLevel, inv.LogJSON)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()
		log := logger.Sugar().With("PID", os.Getpid())

		run, ok := entries[inv.Target]
		if !ok {
			return fmt.Errorf("unsupported target %q: only builtin entry points can be run", inv.Target)
		}

		ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Debugw("running entry point", "Target", inv.Target, "Args", inv.Rest)
		runErr := run(ctx, log, inv)

		waitCtx, cancel := context.WithTimeout(context.Background(), exitWait)
		defer cancel()
		if err := worker.DefaultKeeper.Wait(waitCtx); err != nil {
			log.Debugw("workers still running at exit", "Count", worker.DefaultKeeper.Count())
		}
		return runErr
	})
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string, json bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	if json {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	// stdout may be inherited by the worker's host, so logs go to stderr
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
