package worker

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// Worker is a handle to one spawned worker process.
// It is live from the moment the process is spawned until the process exits; after that it must not be reused.
type Worker struct {
	ID     string
	Target string
	// Argv is the argv the worker was launched with, without the executable.
	Argv []string

	log  *zap.SugaredLogger
	cmd  *exec.Cmd
	pipe *Pipe
	done chan struct{}

	mu     sync.Mutex
	code   int
	exited bool
	err    *ExitError
}

// Pipe returns the launcher's end of the worker's dedicated channel.
func (w *Worker) Pipe() *Pipe { return w.pipe }

// PID returns the process id, or 0 if the process was never started.
func (w *Worker) PID() int {
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Exit returns the exit code and whether the process has exited.
func (w *Worker) Exit() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.code, w.exited
}

// Err returns the crash signal once the process exited abnormally, nil otherwise.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		return nil
	}
	return w.err
}

// Wait waits for the process to exit and returns its crash signal, if any.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill kills the process if it is still live.
func (w *Worker) Kill() error {
	if !w.Alive() || w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	w.log.Debugw("killing worker", "PID", w.PID())
	return w.cmd.Process.Kill()
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker %s (%s) pid=%d", w.ID, w.Target, w.PID())
}

// finish records the exit status and closes Done. It must be called exactly once.
func (w *Worker) finish(code int, err error) {
	w.mu.Lock()
	w.code = code
	w.exited = true
	if code != 0 || err != nil {
		w.err = &ExitError{Code: code, Err: err}
	}
	w.mu.Unlock()
	close(w.done)
}
