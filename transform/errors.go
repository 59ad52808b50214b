package transform

import (
	"errors"
	"fmt"

	"github.com/guseggert/peerrun/worker"
)

var (
	ErrTimeout  = errors.New("timed out")
	ErrProtocol = errors.New("protocol violation")
	ErrClosed   = errors.New("transformer closed")
)

// Error is a failed transform of one file.
type Error struct {
	File string
	// Code is the worker's exit code if the worker crashed, -1 otherwise.
	Code int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transforming %s failed: %s", e.File, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(file string, err error) *Error {
	code := -1
	var exitErr *worker.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.Code
	}
	return &Error{File: file, Code: code, Err: err}
}
