package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/guseggert/peerrun/frame"
	"go.uber.org/zap"
)

// Func transforms a source with the options of its descriptor.
type Func func(src []byte, opts map[string]any) ([]byte, error)

// ServeConfig configures the worker end of the transform protocol.
type ServeConfig struct {
	Handshake bool
	// Transforms defaults to Builtins.
	Transforms map[string]Func
	Log        *zap.SugaredLogger
}

// ServeWorker serves transform jobs on conn until the host closes it, which returns nil.
// Any other error leaves the stream unusable and should end the worker process.
func ServeWorker(ctx context.Context, conn *frame.Conn, cfg ServeConfig) error {
	fns := cfg.Transforms
	if fns == nil {
		fns = Builtins
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.Named("transform-worker")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if cfg.Handshake {
		if err := conn.Send([]byte{handshakeByte}); err != nil {
			return fmt.Errorf("sending handshake: %w", err)
		}
	}
	for {
		manifest, err := conn.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading manifest: %w", err)
		}
		var ds []Descriptor
		if err := json.Unmarshal(manifest, &ds); err != nil {
			return fmt.Errorf("%w: decoding manifest: %s", ErrProtocol, err)
		}

		steps := make([]Func, len(ds))
		for i, d := range ds {
			b, err := conn.Recv()
			if err != nil {
				return fmt.Errorf("reading bundle of %s: %w", d.Name, err)
			}
			var bundle Bundle
			if err := json.Unmarshal(b, &bundle); err != nil {
				return fmt.Errorf("%w: decoding bundle of %s: %s", ErrProtocol, d.Name, err)
			}
			fn, ok := fns[d.Name]
			if !ok {
				return fmt.Errorf("unknown transform %q", d.Name)
			}
			steps[i] = fn
		}

		src, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}
		out := src
		for i, fn := range steps {
			out, err = fn(out, ds[i].Options)
			if err != nil {
				return fmt.Errorf("applying %s: %w", ds[i].Name, err)
			}
		}
		if out == nil {
			out = []byte{}
		}
		log.Debugw("transformed source", "Transforms", ds, "Size", len(out))
		if err := conn.Send(out); err != nil {
			return fmt.Errorf("sending reply: %w", err)
		}
	}
}
