package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/guseggert/peerrun/app"
	"github.com/guseggert/peerrun/broker"
	"github.com/guseggert/peerrun/command"
	"github.com/guseggert/peerrun/frame"
	"github.com/guseggert/peerrun/transform"
	"github.com/guseggert/peerrun/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// runTransformWorker serves the transform protocol to the host on the worker pipe.
func runTransformWorker(ctx context.Context, log *zap.SugaredLogger, inv *command.Invocation) error {
	conn, err := worker.Parent()
	if err != nil {
		return err
	}
	c := frame.New(conn)
	defer c.Close()

	handshake := false
	for _, a := range inv.Rest {
		if a == transform.HandshakeFlag {
			handshake = true
		}
	}
	return transform.ServeWorker(ctx, c, transform.ServeConfig{Handshake: handshake, Log: log})
}

// runEcho copies the worker pipe back to the host.
func runEcho(ctx context.Context, log *zap.SugaredLogger, inv *command.Invocation) error {
	conn, err := worker.Parent()
	if err != nil {
		return err
	}
	defer conn.Close()
	n, err := io.Copy(conn, conn)
	log.Debugw("echoed", "Bytes", n)
	return err
}

// runBroker serves control connections until interrupted.
func runBroker(ctx context.Context, log *zap.SugaredLogger, inv *command.Invocation) error {
	flags := &cli.App{
		Name:      "builtin:broker",
		HideHelp:  true,
		Writer:    os.Stderr,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "127.0.0.1:0",
			},
		},
	}
	var listenAddr string
	flags.Action = func(c *cli.Context) error {
		listenAddr = c.String("listen-addr")
		return nil
	}
	if err := flags.Run(append([]string{flags.Name}, inv.Rest...)); err != nil {
		return err
	}

	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	launcher := worker.NewLauncher(worker.WithLogger(log))
	srv := broker.NewServer(broker.WithLogger(log), broker.WithSpawner(launcher))
	// the address is the broker's only output, so that a parent can read it
	fmt.Println("http://" + l.Addr().String())

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return srv.Serve(l)
}

// runTransformFile transforms files of the app containing them and writes the results to stdout.
// Files no rule applies to are written unchanged.
func runTransformFile(ctx context.Context, log *zap.SugaredLogger, inv *command.Invocation) error {
	flags := &cli.App{
		Name:      "builtin:transform-file",
		HideHelp:  true,
		Writer:    os.Stderr,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "Write transform metrics to this file when done.",
			},
		},
	}
	var (
		metricsFile string
		files       []string
	)
	flags.Action = func(c *cli.Context) error {
		metricsFile = c.String("metrics-file")
		files = c.Args().Slice()
		return nil
	}
	if err := flags.Run(append([]string{flags.Name}, inv.Rest...)); err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("usage: run builtin:transform-file [--metrics-file <path>] <file>...")
	}

	metrics := transform.NewPrometheusMetricsCollector("")
	if metricsFile != "" {
		defer func() {
			if err := metrics.WriteToTextfile(metricsFile); err != nil {
				log.Warnw("error writing metrics", "Path", metricsFile, "Error", err)
			}
		}()
	}
	transformers := &transform.Registry{}
	defer transformers.Close()
	return transformFiles(ctx, transformers, files, os.Stdout, transform.WithLogger(log), transform.WithMetrics(metrics))
}

func transformFiles(ctx context.Context, transformers *transform.Registry, files []string, w io.Writer, opts ...transform.Option) error {
	apps := map[string]*app.App{}
	for _, name := range files {
		path, err := filepath.Abs(name)
		if err != nil {
			return err
		}
		a, err := app.Find(filepath.Dir(path))
		if err != nil {
			return err
		}
		if loaded, ok := apps[a.Dir]; ok {
			a = loaded
		}
		apps[a.Dir] = a
		tr, err := transformers.For(a, opts...)
		if err != nil {
			return fmt.Errorf("loading transforms of %s: %w", a.Name, err)
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.Dir, path)
		if err != nil {
			return err
		}
		out, err := tr.Transform(ctx, src, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if out == nil {
			out = src
		}
		if _, err := w.Write(out); err != nil {
			return err
		}
	}
	return nil
}
