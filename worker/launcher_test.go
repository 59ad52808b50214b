package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/guseggert/peerrun/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "PEERRUN_WORKER_TEST_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(helperMain())
	}
	os.Exit(m.Run())
}

// helperMain runs when the test binary is launched as a worker.
func helperMain() int {
	inv, err := command.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 100
	}
	conn, err := Parent()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 101
	}
	defer conn.Close()

	switch inv.Target {
	case "echo":
		if _, err := io.Copy(conn, conn); err != nil {
			return 102
		}
		return 0
	case "exit":
		code, _ := strconv.Atoi(inv.Rest[0])
		return code
	case "argv":
		_ = json.NewEncoder(conn).Encode(os.Args[1:])
		return 0
	default:
		return 103
	}
}

func newTestLauncher(t *testing.T, opts ...Option) (*Launcher, *RefCount) {
	keeper := &RefCount{}
	opts = append([]Option{
		WithExecutable(os.Args[0]),
		WithArgv([]string{"run", "test:self"}),
		WithEnv(helperEnv + "=1"),
		WithKeeper(keeper),
		WithStdio(nil, io.Discard, io.Discard),
	}, opts...)
	return NewLauncher(opts...), keeper
}

func waitIdle(t *testing.T, keeper *RefCount) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, keeper.Wait(ctx))
}

func TestRunEcho(t *testing.T) {
	ctx := context.Background()
	l, keeper := newTestLauncher(t)

	w, err := l.Run(ctx, "echo")
	require.NoError(t, err)
	assert.True(t, w.PID() > 0)
	assert.Equal(t, []string{"run", "echo"}, w.Argv)

	_, err = w.Pipe().Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Pipe().CloseWrite())

	b, err := io.ReadAll(w.Pipe())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	require.NoError(t, w.Wait(ctx))
	code, exited := w.Exit()
	assert.True(t, exited)
	assert.Equal(t, 0, code)
	assert.False(t, w.Alive())

	waitIdle(t, keeper)
	assert.Equal(t, 0, keeper.Count())
}

func TestCrashSignal(t *testing.T) {
	ctx := context.Background()
	l, keeper := newTestLauncher(t)

	w, err := l.Run(ctx, "exit", "2")
	require.NoError(t, err)

	_, err = io.ReadAll(w.Pipe())
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected crash signal, got %v", err)
	assert.Equal(t, 2, exitErr.Code)

	err = w.Wait(ctx)
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)

	waitIdle(t, keeper)
}

func TestSpawnFailureIsACrash(t *testing.T) {
	ctx := context.Background()
	l, keeper := newTestLauncher(t, WithExecutable("/nonexistent/peerrun"))

	w, err := l.Run(ctx, "echo")
	require.NoError(t, err)

	select {
	case <-w.Done():
	default:
		t.Fatal("expected worker to be done immediately")
	}
	assert.Equal(t, 0, w.PID())

	_, err = w.Pipe().Read(make([]byte, 1))
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected crash signal, got %v", err)
	assert.Equal(t, -1, exitErr.Code)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 0, keeper.Count())
}

func TestArgvDerivationFailure(t *testing.T) {
	l, keeper := newTestLauncher(t, WithArgv([]string{"--log-level", "debug"}))

	_, err := l.Run(context.Background(), "echo")
	assert.ErrorIs(t, err, command.ErrNotRun)
	assert.Equal(t, 0, keeper.Count())
}

func TestArgvIsDerivedFromLauncherArgv(t *testing.T) {
	ctx := context.Background()
	l, keeper := newTestLauncher(t, WithArgv([]string{"run", "--dev", "--store", "/tmp/s", "test:self", "dropped"}))

	w, err := l.Run(ctx, "argv", "a", "b")
	require.NoError(t, err)

	var argv []string
	require.NoError(t, json.NewDecoder(w.Pipe()).Decode(&argv))
	assert.Equal(t, []string{"run", "--dev", "--store", "/tmp/s", "argv", "a", "b"}, argv)

	require.NoError(t, w.Wait(ctx))
	waitIdle(t, keeper)
}

func TestKillOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l, keeper := newTestLauncher(t)

	w, err := l.Run(ctx, "echo")
	require.NoError(t, err)
	assert.True(t, w.Alive())
	assert.Equal(t, 1, keeper.Count())

	cancel()

	err = w.Wait(context.Background())
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected crash signal, got %v", err)
	assert.Equal(t, -1, exitErr.Code)

	waitIdle(t, keeper)
}

func TestRefCount(t *testing.T) {
	r := &RefCount{}
	require.NoError(t, r.Wait(context.Background()))

	r.Ref()
	r.Ref()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)

	r.Unref()
	r.Unref()
	require.NoError(t, r.Wait(context.Background()))
	assert.Panics(t, r.Unref)
}
