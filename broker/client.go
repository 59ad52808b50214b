package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var ErrClosed = errors.New("broker connection closed")

// Client is the caller side of one control connection.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL     string
	waitTimeout time.Duration

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// reqC allows one peek or run request in flight, since replies carry no request id.
	reqC    chan struct{}
	replies chan reply

	mu    sync.Mutex
	pipes map[int]*Pipe
	err   error
}

type reply struct {
	ev   event
	pipe *Pipe
}

type ClientOption func(c *Client)

// WithWaitTimeout bounds WaitForServer.
func WithWaitTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitTimeout = d
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient creates a client for the broker at baseURL, e.g. http://127.0.0.1:8080.
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:      log.Named("broker_client"),
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		waitTimeout: 30 * time.Second,
		reqC:        make(chan struct{}, 1),
		replies:     make(chan reply),
		pipes:       map[int]*Pipe{},
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer polls the broker's health endpoint with exponential backoff until it answers.
func (c *Client) WaitForServer(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = c.waitTimeout
	attempt := 1
	err := backoff.Retry(func() error {
		err := c.checkHealth(ctx)
		if err != nil {
			c.Logger.Debugw("waiting for broker", "Attempt", attempt, "Error", err)
			attempt++
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("waiting for broker at %s: %w", c.baseURL, err)
	}
	return nil
}

// Connect opens the control connection. The connection lives until Close or until ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	u := c.baseURL + "/pipes"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return fmt.Errorf("dialing control connection: %w", err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.readEvents()
	return nil
}

// Close closes the control connection; the broker kills every worker of this connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}

func (c *Client) send(req request) error {
	if err := wsjson.Write(c.ctx, c.conn, req); err != nil {
		return fmt.Errorf("sending %s request: %w", req.Op, err)
	}
	return nil
}

// roundTrip sends a peek or run request and waits for its reply.
func (c *Client) roundTrip(ctx context.Context, req request) (reply, error) {
	select {
	case c.reqC <- struct{}{}:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-c.done:
		return reply{}, c.closedErr()
	}
	if err := c.send(req); err != nil {
		<-c.reqC
		return reply{}, err
	}
	select {
	case r := <-c.replies:
		<-c.reqC
		return r, nil
	case <-c.done:
		<-c.reqC
		return reply{}, c.closedErr()
	case <-ctx.Done():
		// the reply is still consumed, or the next request would receive it
		go func() {
			defer func() { <-c.reqC }()
			select {
			case r := <-c.replies:
				if r.pipe != nil {
					c.Logger.Debugw("closing pipe of abandoned run", "ID", r.pipe.ID)
					_ = r.pipe.Close()
				}
			case <-c.done:
			}
		}()
		return reply{}, ctx.Err()
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %s", ErrClosed, c.err)
	}
	return ErrClosed
}

// PeekNextID returns the id the broker would assign to the next Run. The id is not reserved.
func (c *Client) PeekNextID(ctx context.Context) (int, error) {
	r, err := c.roundTrip(ctx, request{Op: OpPeek})
	if err != nil {
		return 0, err
	}
	return r.ev.ID, nil
}

// Run asks the broker to run a worker for target and returns its pipe.
func (c *Client) Run(ctx context.Context, target string, args ...string) (*Pipe, error) {
	r, err := c.roundTrip(ctx, request{Op: OpRun, Target: target, Args: args})
	if err != nil {
		return nil, err
	}
	if r.ev.Message != "" {
		return nil, fmt.Errorf("running %s: %s", target, r.ev.Message)
	}
	return r.pipe, nil
}

func (c *Client) pipe(id int) *Pipe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipes[id]
}

func (c *Client) readEvents() {
	defer close(c.done)
	var readErr error
	defer func() {
		c.mu.Lock()
		c.err = readErr
		pipes := c.pipes
		c.pipes = map[int]*Pipe{}
		c.mu.Unlock()
		for _, p := range pipes {
			p.finish(ErrClosed)
		}
	}()

	for {
		var ev event
		err := wsjson.Read(c.ctx, c.conn, &ev)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				readErr = err
			}
			c.Logger.Debugw("control connection ended", "Error", err)
			return
		}

		switch ev.Event {
		case EventPeek:
			if !c.deliverReply(reply{ev: ev}) {
				return
			}
		case EventRun:
			r := reply{ev: ev}
			if ev.Message == "" {
				// registered before any event of the pipe is read
				r.pipe = newPipe(c, ev.ID)
				c.mu.Lock()
				c.pipes[ev.ID] = r.pipe
				c.mu.Unlock()
			}
			if !c.deliverReply(r) {
				return
			}
		case EventData, EventEnd, EventError:
			if p := c.pipe(ev.ID); p != nil {
				p.deliver(ev)
			} else {
				c.Logger.Debugw("event for unknown pipe", "Event", ev.Event, "ID", ev.ID, "Message", ev.Message)
			}
		case EventClose:
			c.mu.Lock()
			p := c.pipes[ev.ID]
			delete(c.pipes, ev.ID)
			c.mu.Unlock()
			if err := c.send(request{Op: OpRelease, ID: ev.ID}); err != nil {
				c.Logger.Debugw("error releasing pipe", "ID", ev.ID, "Error", err)
			}
			if p != nil {
				p.finish(nil)
			}
		}
	}
}

func (c *Client) deliverReply(r reply) bool {
	select {
	case c.replies <- r:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// Pipe is a worker channel relayed through the broker.
type Pipe struct {
	ID int
	c  *Client

	mu       sync.Mutex
	cond     *sync.Cond
	chunks   [][]byte
	ended    bool
	readErr  error
	crash    error
	closed   bool
	doneOnce sync.Once
	done     chan struct{}
}

func newPipe(c *Client, id int) *Pipe {
	p := &Pipe{ID: id, c: c, done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pipe) deliver(ev event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Event {
	case EventData:
		p.chunks = append(p.chunks, ev.Data)
	case EventEnd:
		p.ended = true
	case EventError:
		err := &RemoteError{ID: p.ID, Message: ev.Message}
		if !p.ended && p.readErr == nil {
			p.readErr = err
		}
		p.crash = err
	}
	p.cond.Broadcast()
}

// finish marks the pipe closed by the broker, or failed with err if the control connection broke.
func (p *Pipe) finish(err error) {
	p.mu.Lock()
	p.closed = true
	if err != nil && p.readErr == nil && !p.ended {
		p.readErr = err
	}
	if err != nil && p.crash == nil {
		p.crash = err
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
}

// Read reads the worker's output. It returns io.EOF once the worker ended its output,
// or the error the broker reported for the pipe.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.chunks) == 0 && !p.ended && p.readErr == nil && !p.closed {
		p.cond.Wait()
	}
	if len(p.chunks) > 0 {
		n := copy(b, p.chunks[0])
		if n == len(p.chunks[0]) {
			p.chunks = p.chunks[1:]
		} else {
			p.chunks[0] = p.chunks[0][n:]
		}
		return n, nil
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	return 0, io.EOF
}

func (p *Pipe) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	written := 0
	for len(b) > 0 {
		n := min(len(b), chunkSize)
		if err := p.c.send(request{Op: OpWrite, ID: p.ID, Data: b[:n]}); err != nil {
			return written, err
		}
		written += n
		b = b[n:]
	}
	return written, nil
}

// CloseWrite ends the worker's input.
func (p *Pipe) CloseWrite() error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.c.send(request{Op: OpEnd, ID: p.ID})
}

// Close asks the broker to close the pipe and kill its worker. Done is closed once the id is released.
func (p *Pipe) Close() error {
	if p.isClosed() {
		return nil
	}
	return p.c.send(request{Op: OpClose, ID: p.ID})
}

// Done is closed once the broker closed the pipe and its id was released.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Wait waits for the pipe to close and returns the crash or stream error reported for it, if any.
func (p *Pipe) Wait(ctx context.Context) error {
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crash
}

func (p *Pipe) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
