package kestrel

import (
	"sync"
	"time"
)

// WatchStatus is the lifecycle state of a watchPoint.
type WatchStatus int32

const (
	// StatusUninitialized is the state of a watchPoint that has been
	// created but not yet armed.
	StatusUninitialized WatchStatus = iota
	// StatusListening is the state of a watchPoint whose OS subscription
	// has been accepted and is actively delivering events.
	StatusListening
	// StatusNotListening is the state of a watchPoint that has begun
	// shutting down but has outstanding OS callbacks still in flight.
	StatusNotListening
	// StatusFinished is the terminal state of a watchPoint after all
	// outstanding OS callbacks have completed and its resources have
	// been released.
	StatusFinished
	// StatusFailedToListen is the terminal state of a watchPoint whose
	// OS subscription was refused.
	StatusFailedToListen
)

// String renders a human-readable name for a WatchStatus.
func (s WatchStatus) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusListening:
		return "listening"
	case StatusNotListening:
		return "not listening"
	case StatusFinished:
		return "finished"
	case StatusFailedToListen:
		return "failed to listen"
	default:
		return "unknown"
	}
}

func (s WatchStatus) terminal() bool {
	return s == StatusFinished || s == StatusFailedToListen
}

// watchPoint is the Server's record of a single subscribed root
// directory. Only the Backend thread mutates a watchPoint's status or
// resource after creation; control threads only read status (via
// awaitListeningStarted / awaitFinished) and otherwise only post requests
// to the Backend.
type watchPoint struct {
	// root is the canonicalized, absolute root path, used as the
	// Server's map key.
	root string
	// filter optionally excludes paths from events generated under this
	// root.
	filter Filter

	// mu guards status, failure, and changed below.
	mu sync.Mutex
	// status is the current lifecycle state.
	status WatchStatus
	// failure is set when status becomes StatusFailedToListen or the
	// watch point otherwise terminates abnormally.
	failure error
	// changed is closed and replaced on every status transition, giving
	// waiters a channel to select on alongside a deadline timer.
	changed chan struct{}

	// resource is the platform-specific OS resource handle(s) for this
	// watch point (e.g. an inotify watch descriptor, a Windows directory
	// HANDLE with its OVERLAPPED and buffer). It is exclusively owned
	// and type-asserted by the backend that created it.
	resource any
}

// newWatchPoint creates a watchPoint in StatusUninitialized for root.
func newWatchPoint(root string, filter Filter) *watchPoint {
	return &watchPoint{
		root:    root,
		filter:  filter,
		status:  StatusUninitialized,
		changed: make(chan struct{}),
	}
}

// setStatus transitions the watch point to status, recording failure if
// provided, and wakes any goroutine blocked in awaitListeningStarted or
// awaitFinished. Must be called only from the Backend thread.
func (w *watchPoint) setStatus(status WatchStatus, failure error) {
	w.mu.Lock()
	w.status = status
	if failure != nil {
		w.failure = failure
	}
	previous := w.changed
	w.changed = make(chan struct{})
	w.mu.Unlock()
	close(previous)
}

// currentStatus returns the watch point's current status.
func (w *watchPoint) currentStatus() WatchStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// wait blocks until done(status) is true or deadline elapses (a zero
// deadline means wait indefinitely), returning the final observed
// status.
func (w *watchPoint) wait(deadline time.Time, done func(WatchStatus) bool) WatchStatus {
	for {
		w.mu.Lock()
		status := w.status
		changed := w.changed
		w.mu.Unlock()

		if done(status) {
			return status
		}

		if deadline.IsZero() {
			<-changed
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return status
		}
		timer := time.NewTimer(remaining)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
			return w.currentStatus()
		}
	}
}

// awaitListeningStarted blocks the calling goroutine until the watch
// point leaves StatusUninitialized, or until deadline elapses, whichever
// comes first. It returns the final observed status. A zero deadline
// means wait indefinitely.
func (w *watchPoint) awaitListeningStarted(deadline time.Time) WatchStatus {
	return w.wait(deadline, func(s WatchStatus) bool { return s != StatusUninitialized })
}

// awaitFinished blocks until the watch point reaches StatusFinished or
// StatusFailedToListen, or until deadline elapses. It returns the final
// observed status.
func (w *watchPoint) awaitFinished(deadline time.Time) WatchStatus {
	return w.wait(deadline, WatchStatus.terminal)
}
