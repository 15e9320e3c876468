package kestrel

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelfs/kestrel/internal/kestrellog"
)

const (
	// defaultRequestQueueCapacity sizes the buffered control-request
	// channel. Requests still block their caller until acknowledged (via
	// their result channel), so this only bounds how many concurrent
	// control-plane calls can be in flight before a new one blocks on
	// send.
	defaultRequestQueueCapacity = 64

	// defaultControlDeadline bounds how long StartWatching/StopWatching
	// will wait for the Backend thread to acknowledge a request before
	// giving up and returning to the caller. A timeout here does not
	// cancel the underlying transition; it only releases the caller.
	defaultControlDeadline = 30 * time.Second
)

// Server is the platform-neutral watch façade: it owns the map of roots
// to watch points, owns the single Backend thread, and mediates
// start/stop/close across arbitrary host threads.
type Server struct {
	// id uniquely identifies this Server instance, for log correlation
	// across its backend and watch points.
	id uuid.UUID

	// sink is the host-provided event queue; the Backend thread and the
	// root-identity poller (see rootidentity.go) post to it.
	sink Sink
	// logger is used for diagnostic output; its verbosity is controlled
	// via SetLogLevel.
	logger *kestrellog.Logger

	// mu guards roots and closed. It is held only for map lookups/edits,
	// never across a Sink.Enqueue call or an OS wait.
	mu     sync.RWMutex
	roots  map[string]*watchPoint
	closed bool

	// requests is the control-plane queue described in backend.go.
	requests chan controlRequest

	// backend is the single platform-specific event pump.
	backend platformBackend

	// backendDone is closed once the Backend thread's run loop returns.
	backendDone chan struct{}

	// windowsBufferSize and latency are platform-specific tuning knobs;
	// they are read by the backend at arm time and are safe to set only
	// before the first call to StartWatching.
	windowsBufferSize int
	latency           time.Duration

	// started records whether Start has been called, so that Close knows
	// whether there is a Backend thread to hand-shake with at all.
	started bool

	// stopIdentityPoll stops the supplementary root-identity poller (see
	// rootidentity.go) on Close; identityPollDone is closed once the
	// poller has exited, so that Close can guarantee no event follows its
	// return.
	stopIdentityPoll chan struct{}
	identityPollDone chan struct{}
}

// NewServer constructs a Server that will deliver events to sink. The
// Backend thread is not started until Start is called.
func NewServer(sink Sink) *Server {
	if sink == nil {
		panic("kestrel: NewServer requires a non-nil Sink")
	}
	return &Server{
		id:                uuid.New(),
		sink:              sink,
		logger:            kestrellog.NewLogger(kestrellog.LevelWarn, "kestrel"),
		roots:             make(map[string]*watchPoint),
		requests:          make(chan controlRequest, defaultRequestQueueCapacity),
		backend:           newPlatformBackend(),
		backendDone:       make(chan struct{}),
		windowsBufferSize: defaultWindowsBufferSize,
		latency:           defaultDarwinLatency,
		stopIdentityPoll:  make(chan struct{}),
		identityPollDone:  make(chan struct{}),
	}
}

// SetLogLevel adjusts internal diagnostic verbosity. It affects only the
// Server's own log output; the messages of Failure events are the same at
// every level. It must be called before Start to take effect for startup
// diagnostics.
func (s *Server) SetLogLevel(level kestrellog.Level) {
	s.logger.SetLevel(level)
}

// SetLogger replaces the Server's logger outright, for hosts that want a
// logger with their own prefix or level. Every kestrellog.Logger writes
// to standard error. A nil logger is ignored.
func (s *Server) SetLogger(logger *kestrellog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetWindowsBufferSize configures the per-directory notification buffer
// used by the Windows backend, clamped to [4 KiB, 64 MiB]. It has no
// effect on other platforms. It must be called before the first
// StartWatching call.
func (s *Server) SetWindowsBufferSize(bytes int) {
	s.windowsBufferSize = clampWindowsBufferSize(bytes)
}

// SetLatency configures the FSEvents coalescing latency used by the
// macOS backend. It has no effect on other platforms. It must be called
// before the first StartWatching call.
func (s *Server) SetLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.latency = d
}

// Start spawns the Backend thread and blocks the caller until the thread
// either signals readiness (empty watch set, pump entered) or fails with
// an initialization error.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newWatchError(ErrorKindClosed, "", ErrClosed)
	}
	s.started = true
	s.mu.Unlock()

	ready := make(chan error, 1)
	go func() {
		defer close(s.backendDone)
		s.backend.run(s, s.requests, ready)
	}()
	err := <-ready
	if err == nil {
		go func() {
			defer close(s.identityPollDone)
			s.pollRootIdentities(s.stopIdentityPoll)
		}()
	} else {
		close(s.identityPollDone)
	}
	return err
}

// StartWatching posts an add request for root to the Backend and blocks
// until the corresponding watch point leaves StatusUninitialized. If root
// is already being watched, it fails with ErrorKindAlreadyWatching
// without involving the Backend thread.
func (s *Server) StartWatching(root string) error {
	return s.StartWatchingWithFilter(root, nil)
}

// StartWatchingWithFilter is StartWatching with an optional Filter
// applied to events generated under root.
func (s *Server) StartWatchingWithFilter(root string, filter Filter) error {
	normalized, err := normalizeRoot(root)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return newWatchError(ErrorKindClosed, normalized, ErrClosed)
	}
	if _, exists := s.roots[normalized]; exists {
		s.mu.Unlock()
		return newWatchError(ErrorKindAlreadyWatching, normalized, ErrAlreadyWatching)
	}
	wp := newWatchPoint(normalized, filter)
	s.roots[normalized] = wp
	s.mu.Unlock()

	result := make(chan error, 1)
	if err := s.submit(controlRequest{kind: requestAdd, root: normalized, wp: wp, result: result}); err != nil {
		s.mu.Lock()
		delete(s.roots, normalized)
		s.mu.Unlock()
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			s.mu.Lock()
			delete(s.roots, normalized)
			s.mu.Unlock()
			return err
		}
	case <-time.After(defaultControlDeadline):
		s.logger.Warnf("startWatching(%s): timed out awaiting acknowledgement", normalized)
	}

	status := wp.awaitListeningStarted(time.Now().Add(defaultControlDeadline))
	if status == StatusFailedToListen {
		s.mu.Lock()
		delete(s.roots, normalized)
		s.mu.Unlock()
		return newWatchError(ErrorKindBackendFault, normalized, wp.failure)
	}
	return nil
}

// StopWatching posts a remove request for root and blocks until the
// corresponding watch point reaches StatusFinished or a deadline elapses.
// If root is unknown, it fails with ErrorKindNotWatching. A timed-out
// wait still returns successfully to the caller once the request has been
// submitted; the watch point continues its transition in the background.
func (s *Server) StopWatching(root string) error {
	normalized, err := normalizeRoot(root)
	if err != nil {
		normalized = root
	}

	s.mu.RLock()
	closed := s.closed
	wp, exists := s.roots[normalized]
	s.mu.RUnlock()

	if closed {
		return newWatchError(ErrorKindClosed, normalized, ErrClosed)
	}
	if !exists {
		return newWatchError(ErrorKindNotWatching, normalized, ErrNotWatching)
	}

	result := make(chan error, 1)
	if err := s.submit(controlRequest{kind: requestRemove, root: normalized, wp: wp, result: result}); err != nil {
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			return err
		}
	case <-time.After(defaultControlDeadline):
		s.logger.Warnf("stopWatching(%s): timed out awaiting acknowledgement", normalized)
	}

	wp.awaitFinished(time.Now().Add(defaultControlDeadline))

	s.mu.Lock()
	delete(s.roots, normalized)
	s.mu.Unlock()

	return nil
}

// Close posts a terminate request that cancels all watch points and
// blocks until the Backend thread exits. After Close returns, no further
// event will be enqueued and all other Server operations fail with
// ErrorKindClosed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	close(s.stopIdentityPoll)

	if !started {
		return nil
	}

	result := make(chan error, 1)
	select {
	case s.requests <- controlRequest{kind: requestTerminate, result: result}:
		s.backend.wake()
	default:
		// The queue is full; wake the backend so it drains space, then
		// retry with a blocking send since Close must not give up.
		s.backend.wake()
		s.requests <- controlRequest{kind: requestTerminate, result: result}
		s.backend.wake()
	}

	<-s.backendDone
	<-s.identityPollDone
	return nil
}

// submit enqueues req on the control-plane queue and wakes the Backend
// thread, failing fast with ErrorKindClosed if the Server has already
// been closed.
func (s *Server) submit(req controlRequest) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return newWatchError(ErrorKindClosed, req.root, ErrClosed)
	}

	select {
	case s.requests <- req:
		s.backend.wake()
		return nil
	default:
	}

	// The queue is momentarily full; wake the backend so it drains, then
	// fall back to a blocking send.
	s.backend.wake()
	s.requests <- req
	s.backend.wake()
	return nil
}

// emit posts event to the Sink. If the Sink rejects it, emit logs the
// error and makes one attempt to enqueue a Failure event in its place; the
// rejected event is not retried and the backend keeps running.
func (s *Server) emit(event Event) {
	if err := s.sink.Enqueue(event); err != nil {
		s.logger.Errorf("sink rejected event: %v", err)
		failure := failureEvent(ErrorKindBackendFault, fmt.Sprintf("event sink unavailable: %v", err))
		// Best-effort: if the sink is failing, there is nothing better
		// to do than try once more for the failure notice itself and
		// otherwise give up quietly, since retrying indefinitely against
		// a broken sink would stall the Backend thread forever.
		_ = s.sink.Enqueue(failure)
	}
}

// watchPointFor returns the watch point registered for root, if any.
func (s *Server) watchPointFor(root string) (*watchPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wp, ok := s.roots[root]
	return wp, ok
}

// forEachRoot calls f for every currently registered watch point. f must
// not call back into the Server in a way that would reacquire s.mu.
func (s *Server) forEachRoot(f func(*watchPoint)) {
	s.mu.RLock()
	points := make([]*watchPoint, 0, len(s.roots))
	for _, wp := range s.roots {
		points = append(points, wp)
	}
	s.mu.RUnlock()
	for _, wp := range points {
		f(wp)
	}
}

// removeRoot deletes root from the map, returning whether it was present.
func (s *Server) removeRoot(root string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roots[root]; !ok {
		return false
	}
	delete(s.roots, root)
	return true
}
