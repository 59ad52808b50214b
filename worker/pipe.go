package worker

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// exitGrace bounds how long a failed read or write waits for the worker's exit status,
// since the channel usually reports EOF slightly before the process is reaped.
const exitGrace = 250 * time.Millisecond

// ExitError is the crash signal of a worker that exited with a non-zero or abnormal status.
type ExitError struct {
	// Code is the exit code, or -1 if the process was killed by a signal or never started.
	Code int
	// Err is the spawn or wait error, if any.
	Err error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker crashed with exit code %d: %s", e.Code, e.Err)
	}
	return fmt.Sprintf("worker crashed with exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Pipe is the launcher's end of a worker's dedicated duplex channel.
type Pipe struct {
	conn net.Conn
	w    *Worker
}

func (p *Pipe) Read(b []byte) (int, error) {
	n, err := p.conn.Read(b)
	if err != nil {
		err = p.translate(err)
	}
	return n, err
}

func (p *Pipe) Write(b []byte) (int, error) {
	n, err := p.conn.Write(b)
	if err != nil {
		err = p.translate(err)
	}
	return n, err
}

// CloseWrite half-closes the channel; the worker reads EOF.
func (p *Pipe) CloseWrite() error {
	if cw, ok := p.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return p.conn.Close()
}

func (p *Pipe) Close() error {
	return p.conn.Close()
}

// Worker returns the worker on the other end of the pipe.
func (p *Pipe) Worker() *Worker { return p.w }

// translate replaces a stream error with the crash signal if the worker exited abnormally.
func (p *Pipe) translate(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return err
	}
	t := time.NewTimer(exitGrace)
	defer t.Stop()
	select {
	case <-p.w.done:
	case <-t.C:
		return err
	}
	if crash := p.w.Err(); crash != nil {
		return crash
	}
	return err
}
