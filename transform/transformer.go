package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/guseggert/peerrun/app"
	"github.com/guseggert/peerrun/frame"
	"github.com/guseggert/peerrun/worker"
	"go.uber.org/zap"
)

const (
	// Target is the run target of transform workers.
	Target = "builtin:transform"
	// HandshakeFlag is passed to workers that must send the open handshake.
	HandshakeFlag = "--handshake"

	handshakeByte = 0x01
)

// Spawner launches workers; *worker.Launcher is the usual implementation.
type Spawner interface {
	Run(ctx context.Context, target string, args ...string) (*worker.Worker, error)
}

// Policy selects the open protocol and timeouts. Zero timeouts wait forever.
type Policy struct {
	// Handshake makes the transformer wait for the worker's 0x01 frame before sending jobs.
	Handshake   bool
	OpenTimeout time.Duration
	JobTimeout  time.Duration
}

// ReferencePolicy is the acknowledged open with 5 second open and job timeouts.
var ReferencePolicy = Policy{Handshake: true, OpenTimeout: 5 * time.Second, JobTimeout: 5 * time.Second}

func PolicyFromConfig(c app.WorkerConfig) Policy {
	return Policy{Handshake: c.Handshake, OpenTimeout: c.OpenTimeout, JobTimeout: c.JobTimeout}
}

type Option func(t *Transformer)

func WithSpawner(s Spawner) Option {
	return func(t *Transformer) {
		t.spawner = s
	}
}

func WithBundler(b Bundler) Option {
	return func(t *Transformer) {
		t.bundler = b
	}
}

func WithPolicy(p Policy) Option {
	return func(t *Transformer) {
		t.policy = p
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *Transformer) {
		t.log = log
	}
}

func WithMetrics(m MetricsCollector) Option {
	return func(t *Transformer) {
		t.metrics = m
	}
}

// Transformer runs the transform jobs of one app on a single worker.
type Transformer struct {
	App *app.App

	rules   []Rule
	spawner Spawner
	bundler Bundler
	policy  Policy
	log     *zap.SugaredLogger
	metrics MetricsCollector

	mu    sync.Mutex
	state State
	queue []*job
	sess  *session
}

type result struct {
	out []byte
	err error
}

type job struct {
	ctx         context.Context
	name        string
	src         []byte
	descriptors []Descriptor
	submitted   time.Time
	done        chan result
}

// New creates a transformer for a. Most callers want For, which returns the app's existing transformer.
func New(a *app.App, opts ...Option) (*Transformer, error) {
	rules, err := ParseRules(a.Config.Transforms)
	if err != nil {
		return nil, err
	}
	t := &Transformer{
		App:     a,
		rules:   rules,
		policy:  PolicyFromConfig(a.Config.Worker),
		log:     zap.NewNop().Sugar(),
		metrics: NewNoopMetricsCollector(),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.Named("transform").With("App", a.Name)
	if t.spawner == nil {
		t.spawner = worker.NewLauncher(worker.WithLogger(t.log))
	}
	if t.bundler == nil {
		t.bundler = &DirBundler{Dir: a.Dir}
	}
	return t, nil
}

func (t *Transformer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// transition must be called with mu held.
func (t *Transformer) transition(to State) {
	if !validTransition(t.state, to) {
		panic(fmt.Sprintf("transform: illegal state transition %s -> %s", t.state, to))
	}
	t.log.Debugw("state transition", "From", t.state, "To", to)
	t.state = to
}

// Transform applies the transforms whose rules match name to src.
// It returns a nil slice and no error if no rule matches; the worker is not involved then.
// Failures are reported as *Error.
func (t *Transformer) Transform(ctx context.Context, src []byte, name string) ([]byte, error) {
	ds := Match(t.rules, name)
	if len(ds) == 0 {
		return nil, nil
	}
	j := t.submit(ctx, src, name, ds)
	select {
	case r := <-j.done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transformer) submit(ctx context.Context, src []byte, name string, ds []Descriptor) *job {
	j := &job{
		ctx:         ctx,
		name:        name,
		src:         src,
		descriptors: ds,
		submitted:   time.Now(),
		done:        make(chan result, 1),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, j)
	if t.state == StateClosed {
		t.open()
	} else {
		t.sess.wake()
	}
	return j
}

// open starts a session for the queued jobs. It must be called with mu held.
func (t *Transformer) open() {
	t.transition(StateOpening)
	s := newSession(t)
	t.sess = s
	go s.run()
}

// Close rejects all pending jobs with ErrClosed and stops the worker.
// The transformer stays usable: the next Transform spawns a new worker.
func (t *Transformer) Close() error {
	t.mu.Lock()
	s := t.sess
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	s.close()
	<-s.done
	return nil
}

func (t *Transformer) finish(j *job, out []byte, err error) {
	res := ResultOK
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res = ResultCanceled
	case err != nil:
		res = ResultFailed
	}
	t.metrics.JobFinished(res, time.Since(j.submitted))
	j.done <- result{out: out, err: err}
}

// errCanceled ends a session whose in-flight job was abandoned by its caller.
var errCanceled = errors.New("in-flight job canceled")

type frameResult struct {
	msg []byte
	err error
}

// session is the lifetime of one worker.
type session struct {
	t      *Transformer
	log    *zap.SugaredLogger
	ctx    context.Context
	cancel context.CancelFunc

	wakeC     chan struct{}
	closeC    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	w      *worker.Worker
	conn   *frame.Conn
	frames chan frameResult
}

func newSession(t *Transformer) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		t:      t,
		log:    t.log,
		ctx:    ctx,
		cancel: cancel,
		wakeC:  make(chan struct{}, 1),
		closeC: make(chan struct{}),
		done:   make(chan struct{}),
		frames: make(chan frameResult),
	}
}

func (s *session) wake() {
	select {
	case s.wakeC <- struct{}{}:
	default:
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.closeC) })
}

func (s *session) run() {
	defer close(s.done)
	if err := s.open(); err != nil {
		s.teardown(err, true)
		return
	}
	for {
		j := s.next()
		if j == nil {
			select {
			case <-s.wakeC:
				continue
			case <-s.closeC:
				s.teardown(ErrClosed, true)
				return
			case r := <-s.frames:
				s.teardown(unexpected(r), true)
				return
			}
		}
		if err := s.do(j); err != nil {
			s.teardown(err, !errors.Is(err, errCanceled))
			return
		}
	}
}

func (s *session) open() error {
	var args []string
	if s.t.policy.Handshake {
		args = append(args, HandshakeFlag)
	}
	w, err := s.t.spawner.Run(s.ctx, Target, args...)
	if err != nil {
		return err
	}
	s.w = w
	s.log = s.log.With("WorkerID", w.ID)
	s.conn = frame.New(w.Pipe())
	s.t.metrics.WorkerOpened()
	go s.read()

	if s.t.policy.Handshake {
		timeout, stop := after(s.t.policy.OpenTimeout)
		defer stop()
		select {
		case r := <-s.frames:
			if r.err != nil {
				return fmt.Errorf("awaiting worker handshake: %w", r.err)
			}
			if len(r.msg) != 1 || r.msg[0] != handshakeByte {
				return fmt.Errorf("%w: bad worker handshake %x", ErrProtocol, r.msg)
			}
		case <-timeout:
			return fmt.Errorf("%w after %s awaiting worker handshake", ErrTimeout, s.t.policy.OpenTimeout)
		case <-s.closeC:
			return ErrClosed
		}
	}

	s.t.mu.Lock()
	s.t.transition(StateReady)
	s.t.mu.Unlock()
	s.log.Debugw("worker ready", "PID", w.PID())
	return nil
}

func (s *session) read() {
	for {
		msg, err := s.conn.Recv()
		select {
		case s.frames <- frameResult{msg: msg, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// next pops the oldest job whose caller is still waiting.
func (s *session) next() *job {
	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.queue) > 0 {
		j := t.queue[0]
		t.queue = t.queue[1:]
		if err := j.ctx.Err(); err != nil {
			t.finish(j, nil, err)
			continue
		}
		return j
	}
	return nil
}

// do runs one job to completion and resolves it.
// A non-nil error means the worker can no longer be used.
func (s *session) do(j *job) error {
	msgs := make([][]byte, 0, len(j.descriptors)+2)
	manifest, err := json.Marshal(j.descriptors)
	if err != nil {
		s.t.finish(j, nil, newError(j.name, err))
		return nil
	}
	msgs = append(msgs, manifest)
	for _, d := range j.descriptors {
		b, err := s.t.bundler.Bundle(j.ctx, d)
		if err != nil {
			s.t.finish(j, nil, newError(j.name, fmt.Errorf("bundling %s: %w", d.Name, err)))
			return nil
		}
		msgs = append(msgs, b)
	}
	msgs = append(msgs, j.src)

	log := s.log.With("File", j.name)
	log.Debugw("sending job", "Transforms", j.descriptors)

	sent := make(chan error, 1)
	go func() {
		for _, m := range msgs {
			if err := s.conn.Send(m); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	timeout, stop := after(s.t.policy.JobTimeout)
	defer stop()
	// the worker may answer before the last Send returns; the reply is held until it does
	frames := s.frames
	var reply []byte
	for {
		var fail error
		select {
		case err := <-sent:
			if err != nil {
				fail = fmt.Errorf("sending job: %w", err)
				break
			}
			sent = nil
			if frames == nil {
				log.Debugw("job done", "Size", len(reply))
				s.t.finish(j, reply, nil)
				return nil
			}
			continue
		case r := <-frames:
			switch {
			case r.err != nil:
				fail = unexpected(r)
			case sent != nil:
				reply, frames = r.msg, nil
				continue
			default:
				log.Debugw("job done", "Size", len(r.msg))
				s.t.finish(j, r.msg, nil)
				return nil
			}
		case <-timeout:
			fail = fmt.Errorf("%w after %s awaiting reply", ErrTimeout, s.t.policy.JobTimeout)
		case <-j.ctx.Done():
			s.t.finish(j, nil, j.ctx.Err())
			return errCanceled
		case <-s.closeC:
			fail = ErrClosed
		}
		s.t.finish(j, nil, newError(j.name, fail))
		return fail
	}
}

// unexpected describes a read that ended the stream.
func unexpected(r frameResult) error {
	switch {
	case r.err == nil:
		return fmt.Errorf("%w: unexpected frame from idle worker", ErrProtocol)
	case errors.Is(r.err, io.EOF):
		return fmt.Errorf("worker closed the channel: %w", r.err)
	default:
		return r.err
	}
}

// teardown stops the worker and returns the transformer to StateClosed.
// With failQueued every queued job is rejected with cause, otherwise a new session serves them.
func (s *session) teardown(cause error, failQueued bool) {
	s.cancel()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	var exitErr *worker.ExitError
	if errors.As(cause, &exitErr) {
		s.t.metrics.WorkerCrashed(exitErr.Code)
	}
	s.log.Debugw("closing worker", "Cause", cause)

	t := s.t
	t.mu.Lock()
	defer t.mu.Unlock()
	var failed []*job
	if failQueued {
		failed, t.queue = t.queue, nil
	}
	t.transition(StateClosed)
	t.sess = nil
	for _, j := range failed {
		t.finish(j, nil, newError(j.name, cause))
	}
	if len(t.queue) > 0 {
		t.open()
	}
}

// after returns a channel that fires after d, or never if d is not positive.
func after(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(d)
	return timer.C, func() { timer.Stop() }
}
