package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"github.com/guseggert/peerrun/command"
	"go.uber.org/zap"
)

// Launcher spawns workers.
type Launcher struct {
	// Executable is the binary to run, defaults to the current executable.
	Executable string
	// Argv is the run invocation workers are derived from, defaults to os.Args[1:].
	Argv []string
	// Env is appended to the current environment.
	Env []string

	// Stdin, Stdout and Stderr default to the launcher's own standard streams.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Keeper defaults to DefaultKeeper.
	Keeper Keeper
	Log    *zap.SugaredLogger
}

type Option func(l *Launcher)

func WithExecutable(path string) Option {
	return func(l *Launcher) {
		l.Executable = path
	}
}

func WithArgv(argv []string) Option {
	return func(l *Launcher) {
		l.Argv = argv
	}
}

func WithEnv(env ...string) Option {
	return func(l *Launcher) {
		l.Env = append(l.Env, env...)
	}
}

func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(l *Launcher) {
		l.Stdin = stdin
		l.Stdout = stdout
		l.Stderr = stderr
	}
}

func WithKeeper(k Keeper) Option {
	return func(l *Launcher) {
		l.Keeper = k
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Launcher) {
		l.Log = log.Named("launcher")
	}
}

func NewLauncher(opts ...Option) *Launcher {
	l := &Launcher{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Keeper: DefaultKeeper,
		Log:    zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Run spawns a worker for target with args appended to the derived argv.
// It returns as soon as the process is spawned. An argv that cannot be derived is an error;
// a process that cannot be spawned is returned as a worker that has already crashed.
// The worker is killed when ctx is done.
func (l *Launcher) Run(ctx context.Context, target string, args ...string) (*Worker, error) {
	base := l.Argv
	if base == nil {
		base = os.Args[1:]
	}
	argv, err := command.DeriveArgv(base, target)
	if err != nil {
		return nil, fmt.Errorf("deriving argv for %q: %w", target, err)
	}
	argv = append(argv, args...)

	exe := l.Executable
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving executable: %w", err)
		}
	}

	parentEnd, childEnd, err := socketpair()
	if err != nil {
		return nil, fmt.Errorf("creating worker pipe: %w", err)
	}
	conn, err := net.FileConn(parentEnd)
	parentEnd.Close()
	if err != nil {
		childEnd.Close()
		return nil, fmt.Errorf("opening worker pipe: %w", err)
	}

	log := l.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	w := &Worker{
		ID:     uuid.NewString(),
		Target: target,
		Argv:   argv,
		done:   make(chan struct{}),
	}
	w.log = log.With("WorkerID", w.ID)
	w.pipe = &Pipe{conn: conn, w: w}

	cmd := exec.Command(exe, argv...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = l.Stdin
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.ExtraFiles = []*os.File{childEnd}
	w.cmd = cmd

	err = cmd.Start()
	childEnd.Close()
	if err != nil {
		w.log.Debugw("spawning worker failed", "Executable", exe, "Argv", argv, "Error", err)
		w.finish(-1, fmt.Errorf("spawning %s: %w", exe, err))
		return w, nil
	}
	w.log.Debugw("spawned worker", "PID", cmd.Process.Pid, "Argv", argv)

	keeper := l.Keeper
	if keeper == nil {
		keeper = DefaultKeeper
	}
	keeper.Ref()

	go func() {
		defer keeper.Unref()

		var waitErr error
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				waitErr = err
				code = -1
			}
		}
		w.log.Debugw("worker exited", "PID", cmd.Process.Pid, "ExitCode", code)
		w.finish(code, waitErr)
	}()

	// kill the worker if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			_ = w.Kill()
		case <-w.done:
		}
	}()

	return w, nil
}

// Parent opens the worker side of the dedicated channel. It fails if the process was not launched as a worker.
func Parent() (net.Conn, error) {
	f := os.NewFile(3, "worker-pipe")
	if f == nil {
		return nil, errors.New("no worker pipe: not launched as a worker")
	}
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("opening worker pipe: %w", err)
	}
	return conn, nil
}
