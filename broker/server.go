package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/guseggert/peerrun/worker"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Spawner launches workers; *worker.Launcher is the usual implementation.
type Spawner interface {
	Run(ctx context.Context, target string, args ...string) (*worker.Worker, error)
}

// Server serves control connections on /pipes, plus /healthz and /metrics.
type Server struct {
	log     *zap.SugaredLogger
	spawner Spawner
	metrics *Metrics

	httpServer *http.Server
}

type Option func(s *Server)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func WithSpawner(sp Spawner) Option {
	return func(s *Server) {
		s.spawner = sp
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{log: zap.NewNop().Sugar()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("broker")
	if s.spawner == nil {
		s.spawner = worker.NewLauncher(worker.WithLogger(s.log))
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("")
	}
	return s
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/pipes", s.pipes)
	router.GET("/healthz", s.healthz)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return router
}

// Serve serves on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	s.httpServer = &http.Server{Handler: s.Handler()}
	s.log.Infow("serving", "Addr", l.Addr().String())
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) pipes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.log.Debug("accepted control connection")

	ctx, cancel := context.WithCancel(r.Context())
	sess := &session{
		log:     s.log.Named("session"),
		conn:    wsConn,
		ctx:     ctx,
		cancel:  cancel,
		spawner: s.spawner,
		metrics: s.metrics,
		slots:   map[int]*slot{},
	}
	sess.run()
}

// session is one control connection and the pipes it owns.
type session struct {
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	spawner Spawner
	metrics *Metrics

	ids   FreeList
	mu    sync.Mutex
	slots map[int]*slot
	wg    sync.WaitGroup

	closeConnOnce sync.Once
}

// slot binds a pipe id to a live worker channel.
type slot struct {
	id   int
	w    *worker.Worker
	pipe *worker.Pipe

	// ops holds writes and ends not yet applied, so a worker that stops reading never blocks the control connection.
	opsMu sync.Mutex
	ops   []request
	wakeC chan struct{}

	// closing suppresses errors caused by a requested close.
	closing atomic.Bool
	// relayed is closed after the close event is sent.
	relayed chan struct{}
}

func (sl *slot) push(req request) {
	sl.opsMu.Lock()
	sl.ops = append(sl.ops, req)
	sl.opsMu.Unlock()
	select {
	case sl.wakeC <- struct{}{}:
	default:
	}
}

func (sl *slot) pop() (request, bool) {
	sl.opsMu.Lock()
	defer sl.opsMu.Unlock()
	if len(sl.ops) == 0 {
		return request{}, false
	}
	req := sl.ops[0]
	sl.ops[0] = request{}
	sl.ops = sl.ops[1:]
	return req, true
}

// kill closes the channel and kills the worker; pending operations fail fast and are dropped.
func (sl *slot) kill() error {
	sl.closing.Store(true)
	_ = sl.pipe.Close()
	return sl.w.Kill()
}

func (sl *slot) isRelayed() bool {
	select {
	case <-sl.relayed:
		return true
	default:
		return false
	}
}

// shutdown kills every worker of the session and waits for its goroutines.
func (s *session) shutdown() {
	s.cancel()
	s.mu.Lock()
	for _, sl := range s.slots {
		if err := sl.kill(); err != nil {
			s.log.Debugw("error killing worker", "ID", sl.id, "Error", err)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *session) closeConn(code websocket.StatusCode, reason string) {
	s.closeConnOnce.Do(func() {
		if err := s.conn.Close(code, reason); err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (s *session) run() {
	defer func() {
		s.shutdown()
		s.mu.Lock()
		for id := range s.slots {
			s.metrics.pipeReleased()
			delete(s.slots, id)
		}
		s.mu.Unlock()
		s.log.Debug("control connection done")
	}()

	for {
		var req request
		err := wsjson.Read(s.ctx, s.conn, &req)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			s.log.Debug("got normal closure from caller")
			return
		}
		if err != nil {
			s.log.Debugf("message reader got error: %s", err)
			s.closeConn(websocket.StatusInternalError, "reading request")
			return
		}
		if err := s.handle(req); err != nil {
			s.log.Debugf("error handling %s request: %s", req.Op, err)
			s.closeConn(websocket.StatusInternalError, "writing event")
			return
		}
	}
}

// handle processes one request. Errors that concern a single pipe are reported to the caller as error events;
// a returned error means the control connection is broken.
func (s *session) handle(req request) error {
	switch req.Op {
	case OpPeek:
		return s.send(event{Event: EventPeek, ID: s.ids.Peek()})
	case OpRun:
		return s.runWorker(req)
	case OpWrite, OpEnd, OpClose:
		sl := s.slot(req.ID)
		if sl == nil {
			return s.send(event{Event: EventError, ID: req.ID, Message: fmt.Sprintf("no pipe %d", req.ID)})
		}
		switch {
		case req.Op == OpClose:
			if err := sl.kill(); err != nil {
				s.log.Debugw("error killing worker", "ID", sl.id, "Error", err)
			}
		case sl.isRelayed():
			// the worker is gone and its close event was sent; the caller has not seen it yet
			s.log.Debugw("dropping operation on closed pipe", "ID", sl.id, "Op", req.Op)
		default:
			sl.push(req)
		}
		return nil
	case OpRelease:
		return s.release(req.ID)
	default:
		return s.send(event{Event: EventError, ID: req.ID, Message: fmt.Sprintf("unknown op %q", req.Op)})
	}
}

func (s *session) runWorker(req request) error {
	w, err := s.spawner.Run(s.ctx, req.Target, req.Args...)
	if err != nil {
		return s.send(event{Event: EventRun, Message: err.Error()})
	}
	sl := &slot{
		id:      s.ids.Alloc(),
		w:       w,
		pipe:    w.Pipe(),
		wakeC:   make(chan struct{}, 1),
		relayed: make(chan struct{}),
	}
	s.mu.Lock()
	s.slots[sl.id] = sl
	s.mu.Unlock()
	s.metrics.pipeOpened()
	s.log.Debugw("bound pipe", "ID", sl.id, "Worker", w.ID, "Target", req.Target)

	// the reply goes out before any event of the new pipe
	if err := s.send(event{Event: EventRun, ID: sl.id}); err != nil {
		return err
	}
	s.wg.Add(2)
	go s.relay(sl)
	go s.apply(sl)
	return nil
}

func (s *session) slot(id int) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[id]
}

// release returns the id of a closed pipe to the free list.
func (s *session) release(id int) error {
	sl := s.slot(id)
	if sl == nil {
		return s.send(event{Event: EventError, ID: id, Message: fmt.Sprintf("no pipe %d", id)})
	}
	select {
	case <-sl.relayed:
	default:
		return s.send(event{Event: EventError, ID: id, Message: fmt.Sprintf("pipe %d is still open", id)})
	}
	s.mu.Lock()
	delete(s.slots, id)
	s.mu.Unlock()
	if err := s.ids.Free(id); err != nil {
		return err
	}
	s.metrics.pipeReleased()
	s.log.Debugw("released pipe", "ID", id)
	return nil
}

// relay forwards the worker channel's lifecycle to the caller: data until the read side ends, then end or
// error, then close once the worker has exited.
func (s *session) relay(sl *slot) {
	defer s.wg.Done()
	defer close(sl.relayed)
	log := s.log.With("ID", sl.id)

	buf := make([]byte, chunkSize)
	for {
		n, err := sl.pipe.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if s.send(event{Event: EventData, ID: sl.id, Data: data}) != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			if s.send(event{Event: EventEnd, ID: sl.id}) != nil {
				return
			}
			break
		}
		if err != nil {
			var exitErr *worker.ExitError
			switch {
			case sl.closing.Load(), errors.As(err, &exitErr):
				// requested, or reported as a crash once the worker has exited
			case exited(sl.w):
				// a worker that exits cleanly with unread input resets the channel
				log.Debugw("channel reset by exited worker", "Error", err)
				if s.send(event{Event: EventEnd, ID: sl.id}) != nil {
					return
				}
			default:
				if s.send(event{Event: EventError, ID: sl.id, Message: err.Error()}) != nil {
					return
				}
			}
			break
		}
	}

	select {
	case <-sl.w.Done():
	case <-s.ctx.Done():
		return
	}
	_ = sl.pipe.Close()
	if crash := sl.w.Err(); crash != nil && !sl.closing.Load() {
		log.Debugw("worker crashed", "Error", crash)
		if s.send(event{Event: EventError, ID: sl.id, Message: crash.Error()}) != nil {
			return
		}
	}
	_ = s.send(event{Event: EventClose, ID: sl.id})
}

// apply performs the caller's writes and ends on a pipe in order.
func (s *session) apply(sl *slot) {
	defer s.wg.Done()
	for {
		req, ok := sl.pop()
		if !ok {
			select {
			case <-sl.wakeC:
				continue
			case <-sl.relayed:
				return
			case <-s.ctx.Done():
				return
			}
		}
		var err error
		switch req.Op {
		case OpWrite:
			_, err = sl.pipe.Write(req.Data)
		case OpEnd:
			err = sl.pipe.CloseWrite()
		}
		if err == nil || sl.closing.Load() {
			continue
		}
		if exited(sl.w) {
			// the relay reports the exit; input the worker never read is dropped
			s.log.Debugw("dropping operation on exited worker", "ID", sl.id, "Op", req.Op, "Error", err)
			continue
		}
		s.log.Debugw("pipe operation failed", "ID", sl.id, "Op", req.Op, "Error", err)
		_ = s.send(event{Event: EventError, ID: sl.id, Message: err.Error()})
	}
}

func exited(w *worker.Worker) bool {
	select {
	case <-w.Done():
		return true
	default:
		return false
	}
}

func (s *session) send(ev event) error {
	return wsjson.Write(s.ctx, s.conn, ev)
}
