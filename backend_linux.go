//go:build linux

package kestrel

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// inotifySubscriptionMask is the set of inotify events every root watch
// point subscribes to.
const inotifySubscriptionMask = unix.IN_MODIFY | unix.IN_ATTRIB |
	unix.IN_CLOSE_WRITE |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
	unix.IN_CREATE | unix.IN_DELETE |
	unix.IN_DELETE_SELF | unix.IN_MOVE_SELF |
	unix.IN_UNMOUNT

// inotifyReadBufferSize is sized to comfortably hold a burst of inotify
// records (each at least unix.SizeofInotifyEvent plus a short name) in a
// single read.
const inotifyReadBufferSize = 64 * 1024

// linuxBackend implements platformBackend using one inotify instance per
// Server (one watch descriptor per subscribed root) multiplexed with an
// eventfd used solely as a control-plane wake-up.
type linuxBackend struct {
	inotifyFD int
	eventFD   int

	mu     sync.Mutex
	byWD   map[int32]*watchPoint
	byRoot map[string]int32
}

// newPlatformBackend constructs the Linux backend.
func newPlatformBackend() platformBackend {
	return &linuxBackend{
		inotifyFD: -1,
		eventFD:   -1,
		byWD:      make(map[int32]*watchPoint),
		byRoot:    make(map[string]int32),
	}
}

// wake implements platformBackend.wake by writing to the eventfd.
func (b *linuxBackend) wake() {
	if b.eventFD < 0 {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(b.eventFD, buf[:])
}

// run implements platformBackend.run.
func (b *linuxBackend) run(s *Server, requests <-chan controlRequest, ready chan<- error) {
	inotifyFD, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		ready <- fmt.Errorf("unable to initialize inotify: %w", err)
		return
	}
	b.inotifyFD = inotifyFD
	defer unix.Close(inotifyFD)

	eventFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		ready <- fmt.Errorf("unable to create eventfd: %w", err)
		return
	}
	b.eventFD = eventFD
	defer unix.Close(eventFD)

	ready <- nil
	s.logger.Debugf("linux backend entering poll loop")

	buffer := make([]byte, inotifyReadBufferSize)
	pollFDs := []unix.PollFd{
		{Fd: int32(inotifyFD), Events: unix.POLLIN},
		{Fd: int32(eventFD), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFDs, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.emit(failureEvent(ErrorKindBackendFault, fmt.Sprintf("poll failed: %v", err)))
			b.terminateAll(s)
			return
		}

		if pollFDs[0].Revents&unix.POLLIN != 0 {
			if b.drainInotify(s, buffer) {
				return
			}
		}

		if pollFDs[1].Revents&unix.POLLIN != 0 {
			b.drainEventFD()
			if b.processRequests(s, requests) {
				return
			}
		}
	}
}

// drainEventFD consumes the eventfd counter so that the next wake() call
// results in a fresh POLLIN.
func (b *linuxBackend) drainEventFD() {
	var buf [8]byte
	for {
		_, err := unix.Read(b.eventFD, buf[:])
		if err != nil {
			return
		}
	}
}

// processRequests drains all currently queued control requests. It
// returns true if a terminate request was processed (the caller should
// return from run).
func (b *linuxBackend) processRequests(s *Server, requests <-chan controlRequest) bool {
	for {
		select {
		case req := <-requests:
			switch req.kind {
			case requestAdd:
				b.handleAdd(s, req)
			case requestRemove:
				b.handleRemove(s, req)
			case requestTerminate:
				b.terminateAll(s)
				if req.result != nil {
					req.result <- nil
				}
				return true
			}
		default:
			return false
		}
	}
}

// handleAdd arms a new watch point.
func (b *linuxBackend) handleAdd(s *Server, req controlRequest) {
	wd, err := unix.InotifyAddWatch(b.inotifyFD, req.root, inotifySubscriptionMask)
	if err != nil {
		var kind ErrorKind
		switch {
		case err == unix.ENOENT:
			kind = ErrorKindInvalidPath
		case err == unix.EACCES:
			kind = ErrorKindPermissionDenied
		case err == unix.ENOSPC || err == unix.ENOMEM:
			kind = ErrorKindResourceExhausted
		default:
			kind = ErrorKindBackendFault
		}
		watchErr := newWatchError(kind, req.root, err)
		req.wp.setStatus(StatusFailedToListen, watchErr)
		if req.result != nil {
			req.result <- watchErr
		}
		return
	}

	b.mu.Lock()
	b.byWD[int32(wd)] = req.wp
	b.byRoot[req.root] = int32(wd)
	b.mu.Unlock()

	req.wp.resource = int32(wd)
	req.wp.setStatus(StatusListening, nil)
	if req.result != nil {
		req.result <- nil
	}
}

// handleRemove begins shutdown of an existing watch point. The watch
// point reaches StatusFinished asynchronously once IN_IGNORED is
// observed for its descriptor.
func (b *linuxBackend) handleRemove(s *Server, req controlRequest) {
	b.mu.Lock()
	wd, ok := b.byRoot[req.root]
	b.mu.Unlock()

	req.wp.setStatus(StatusNotListening, nil)

	if ok {
		_, _ = unix.InotifyRmWatch(b.inotifyFD, uint32(wd))
	} else {
		// Already gone (e.g. the root was deleted and IN_IGNORED already
		// arrived); finish immediately.
		req.wp.setStatus(StatusFinished, nil)
	}

	if req.result != nil {
		req.result <- nil
	}
}

// terminateAll cancels every outstanding watch point, as required by
// Server.Close.
func (b *linuxBackend) terminateAll(s *Server) {
	b.mu.Lock()
	points := make([]*watchPoint, 0, len(b.byWD))
	for _, wp := range b.byWD {
		points = append(points, wp)
	}
	b.byWD = make(map[int32]*watchPoint)
	b.byRoot = make(map[string]int32)
	b.mu.Unlock()

	for _, wp := range points {
		wp.setStatus(StatusFinished, nil)
	}
}

// drainInotify reads and translates pending inotify records. It returns
// true if a fatal condition was encountered and run should exit.
func (b *linuxBackend) drainInotify(s *Server, buffer []byte) bool {
	for {
		n, err := unix.Read(b.inotifyFD, buffer)
		if err != nil {
			if err == unix.EAGAIN {
				return false
			}
			s.emit(failureEvent(ErrorKindBackendFault, fmt.Sprintf("inotify read failed: %v", err)))
			b.terminateAll(s)
			return true
		}
		if n == 0 {
			return false
		}

		offset := 0
		for offset+unix.SizeofInotifyEvent <= n {
			raw := buffer[offset : offset+unix.SizeofInotifyEvent]
			wd := int32(binary.LittleEndian.Uint32(raw[0:4]))
			mask := binary.LittleEndian.Uint32(raw[4:8])
			nameLen := binary.LittleEndian.Uint32(raw[12:16])

			nameStart := offset + unix.SizeofInotifyEvent
			nameEnd := nameStart + int(nameLen)
			if nameEnd > n {
				break
			}
			name := ""
			if nameLen > 0 {
				raw := buffer[nameStart:nameEnd]
				if idx := indexNUL(raw); idx >= 0 {
					name = string(raw[:idx])
				} else {
					name = string(raw)
				}
			}
			offset = nameEnd

			b.translate(s, wd, mask, name)
		}
	}
}

// indexNUL returns the index of the first NUL byte in buf, or -1 if
// absent.
func indexNUL(buf []byte) int {
	for i, c := range buf {
		if c == 0 {
			return i
		}
	}
	return -1
}

// translate converts a single inotify record into zero or more Events,
// mapping inotify masks to semantic change kinds.
func (b *linuxBackend) translate(s *Server, wd int32, mask uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		s.emit(overflowEvent(""))
		return
	}

	b.mu.Lock()
	wp, ok := b.byWD[wd]
	b.mu.Unlock()
	if !ok {
		s.emit(unknownEvent(""))
		return
	}

	if mask&unix.IN_IGNORED != 0 {
		b.mu.Lock()
		delete(b.byWD, wd)
		delete(b.byRoot, wp.root)
		b.mu.Unlock()
		wp.setStatus(StatusFinished, nil)
		return
	}

	if mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF|unix.IN_UNMOUNT) != 0 {
		s.emit(changeEvent(Invalidated, wp.root))
		wp.setStatus(StatusNotListening, nil)
		return
	}

	// Filters apply only to child entries; root-scoped events above are
	// never suppressed.
	path := joinEventPath(wp.root, name)
	if wp.filter != nil && wp.filter(path) {
		return
	}

	switch {
	case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
		s.emit(changeEvent(Created, path))
	case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
		s.emit(changeEvent(Removed, path))
	case mask&(unix.IN_MODIFY|unix.IN_ATTRIB|unix.IN_CLOSE_WRITE) != 0:
		s.emit(changeEvent(Modified, path))
	default:
		s.emit(unknownEvent(path))
	}
}
