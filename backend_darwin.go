//go:build darwin && cgo

package kestrel

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mutagen-io/fsevents"
)

// darwinBackend implements platformBackend using a single FSEventStream
// per Server carrying the full set of currently subscribed roots.
// FSEvents does not support incrementally adding or removing roots from a
// running stream, so every control-plane mutation stops the stream, edits
// the root set, and restarts it, preserving the last delivered event ID
// so that no events are missed across the restart.
//
// The mutagen-io/fsevents binding owns its own dedicated dispatch queue
// internally (serving the role a dedicated CFRunLoop plays in a native
// implementation), so this backend's run loop only needs to multiplex the
// Go-level control-request channel with the binding's Go event channel —
// an ordinary select accomplishes what CFRunLoopPerformBlock +
// CFRunLoopWakeUp accomplish on the native side, so wake is a no-op here.
type darwinBackend struct {
	mu          sync.Mutex
	stream      *fsevents.EventStream
	roots       map[string]*watchPoint
	lastEventID uint64
}

// newPlatformBackend constructs the macOS backend.
func newPlatformBackend() platformBackend {
	return &darwinBackend{roots: make(map[string]*watchPoint)}
}

// wake is a no-op; see the darwinBackend doc comment.
func (b *darwinBackend) wake() {}

// run implements platformBackend.run.
func (b *darwinBackend) run(s *Server, requests <-chan controlRequest, ready chan<- error) {
	ready <- nil
	s.logger.Debugf("darwin backend entering event loop")

	for {
		b.mu.Lock()
		var events chan []fsevents.Event
		if b.stream != nil {
			events = b.stream.Events
		}
		b.mu.Unlock()

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
				return
			}
		case batch, ok := <-events:
			if !ok {
				// The stream was replaced concurrently with this read;
				// loop around to pick up the new channel.
				continue
			}
			for _, event := range batch {
				b.translate(s, event)
			}
		}
	}
}

// handleAdd registers a new root and rebuilds the stream.
func (b *darwinBackend) handleAdd(s *Server, req controlRequest) {
	b.mu.Lock()
	b.roots[req.root] = req.wp
	err := b.rebuildLocked(s)
	b.mu.Unlock()

	if err != nil {
		watchErr := newWatchError(ErrorKindBackendFault, req.root, err)
		req.wp.setStatus(StatusFailedToListen, watchErr)
		if req.result != nil {
			req.result <- watchErr
		}
		return
	}

	req.wp.setStatus(StatusListening, nil)
	if req.result != nil {
		req.result <- nil
	}
}

// handleRemove unregisters a root and rebuilds the stream.
func (b *darwinBackend) handleRemove(s *Server, req controlRequest) {
	req.wp.setStatus(StatusNotListening, nil)

	b.mu.Lock()
	delete(b.roots, req.root)
	err := b.rebuildLocked(s)
	b.mu.Unlock()

	if err != nil {
		s.logger.Errorf("failed to rebuild FSEvents stream after removing %s: %v", req.root, err)
	}

	req.wp.setStatus(StatusFinished, nil)
	if req.result != nil {
		req.result <- nil
	}
}

// terminateAll stops the stream and finishes every watch point.
func (b *darwinBackend) terminateAll(s *Server) {
	b.mu.Lock()
	if b.stream != nil {
		b.stream.Stop()
		b.stream = nil
	}
	points := make([]*watchPoint, 0, len(b.roots))
	for _, wp := range b.roots {
		points = append(points, wp)
	}
	b.roots = make(map[string]*watchPoint)
	b.mu.Unlock()

	for _, wp := range points {
		wp.setStatus(StatusFinished, nil)
	}
}

// rebuildLocked stops any existing stream and starts a new one covering
// exactly the current root set, resuming from the last delivered event
// ID. b.mu must be held by the caller.
func (b *darwinBackend) rebuildLocked(s *Server) error {
	if b.stream != nil {
		b.lastEventID = b.stream.EventID
		b.stream.Stop()
		b.stream = nil
	}

	if len(b.roots) == 0 {
		return nil
	}

	paths := make([]string, 0, len(b.roots))
	for root := range b.roots {
		paths = append(paths, root)
	}

	stream := &fsevents.EventStream{
		Events:  make(chan []fsevents.Event, fseventsChannelCapacity),
		Paths:   paths,
		Latency: s.latency,
		Flags:   fsevents.NoDefer | fsevents.WatchRoot | fsevents.FileEvents,
		EventID: b.lastEventID,
		Resume:  b.lastEventID != 0,
	}
	if err := stream.Start(); err != nil {
		return fmt.Errorf("unable to start FSEvents stream: %w", err)
	}
	b.stream = stream
	return nil
}

// fseventsChannelCapacity is the capacity used for the internal FSEvents
// events channel.
const fseventsChannelCapacity = 50

// owningRootLocked returns the watch point whose root is the longest
// prefix of path, and path made relative to that root. b.mu must be held
// by the caller.
func (b *darwinBackend) owningRootLocked(path string) (*watchPoint, string, bool) {
	var best *watchPoint
	var bestRoot string
	for root, wp := range b.roots {
		if path != root && !strings.HasPrefix(path, root+"/") {
			continue
		}
		if len(root) > len(bestRoot) {
			best, bestRoot = wp, root
		}
	}
	if best == nil {
		return nil, "", false
	}
	if path == bestRoot {
		return best, "", true
	}
	return best, strings.TrimPrefix(path, bestRoot+"/"), true
}

// translate converts a single FSEvents record into zero or more Events,
// mapping FSEvents flags to semantic change kinds.
func (b *darwinBackend) translate(s *Server, event fsevents.Event) {
	b.mu.Lock()
	wp, relative, ok := b.owningRootLocked(event.Path)
	b.mu.Unlock()

	if event.Flags&fsevents.MustScanSubDirs != 0 {
		scope := ""
		if ok {
			scope = wp.root
		}
		s.emit(overflowEvent(scope))
		return
	}

	if event.Flags&fsevents.RootChanged != 0 {
		if ok {
			s.emit(changeEvent(Invalidated, wp.root))
			wp.setStatus(StatusNotListening, nil)
		}
		return
	}

	if event.Flags&(fsevents.UserDropped|fsevents.KernelDropped) != 0 {
		scope := ""
		if ok {
			scope = wp.root
		}
		s.emit(overflowEvent(scope))
		return
	}

	if event.Flags&fsevents.HistoryDone != 0 {
		return
	}

	if !ok {
		s.emit(unknownEvent(event.Path))
		return
	}
	if wp.filter != nil && wp.filter(event.Path) {
		return
	}

	switch {
	case event.Flags&fsevents.ItemRenamed != 0:
		// RACE: existence at callback time can disagree with the true
		// final state of a rapid sequence of operations on this path.
		// Renames are resolved by checking existence rather than
		// emitting an unconditional Modified; the check can misreport a
		// path that was renamed and then immediately recreated or
		// removed again.
		if _, err := os.Lstat(event.Path); err == nil {
			s.emit(changeEvent(Created, joinEventPath(wp.root, relative)))
		} else {
			s.emit(changeEvent(Removed, joinEventPath(wp.root, relative)))
		}
	case event.Flags&fsevents.ItemCreated != 0:
		s.emit(changeEvent(Created, joinEventPath(wp.root, relative)))
	case event.Flags&fsevents.ItemRemoved != 0:
		s.emit(changeEvent(Removed, joinEventPath(wp.root, relative)))
	case event.Flags&(fsevents.ItemModified|fsevents.ItemInodeMetaMod|fsevents.ItemFinderInfoMod|fsevents.ItemChangeOwner|fsevents.ItemXattrMod) != 0:
		s.emit(changeEvent(Modified, joinEventPath(wp.root, relative)))
	default:
		s.emit(unknownEvent(joinEventPath(wp.root, relative)))
	}
}
