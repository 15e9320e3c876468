//go:build windows

package kestrel

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"
)

// QueueUserAPC and SleepEx are not exposed by golang.org/x/sys/windows,
// so they are declared here against kernel32 directly.
var (
	kernel32         = windows.NewLazySystemDLL("kernel32.dll")
	procQueueUserAPC = kernel32.NewProc("QueueUserAPC")
	procSleepEx      = kernel32.NewProc("SleepEx")
)

// queueUserAPC queues callback to run with arg on the thread identified by
// thread the next time it enters an alertable wait.
func queueUserAPC(callback uintptr, thread windows.Handle, arg uintptr) error {
	r, _, err := procQueueUserAPC.Call(callback, uintptr(thread), arg)
	if r == 0 {
		return err
	}
	return nil
}

// sleepEx suspends the calling thread, optionally in an alertable state in
// which queued APCs and overlapped completion routines run.
func sleepEx(milliseconds uint32, alertable bool) uint32 {
	var alert uintptr
	if alertable {
		alert = 1
	}
	r, _, _ := procSleepEx.Call(uintptr(milliseconds), alert)
	return uint32(r)
}

// windowsNotifyMask is the FILE_NOTIFY_CHANGE_* mask every watch point
// subscribes to: file-name, directory-name, attribute, size, and
// last-write changes.
const windowsNotifyMask = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
	windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE

// windowsWatch is the OS resource bundle backing a single watchPoint on
// Windows: the directory handle, its in-flight OVERLAPPED structure, and
// the per-directory notification buffer. It is exclusively owned by the
// Backend thread; a directory handle with pending overlapped I/O must
// only be cancelled and closed on the thread that issued the read.
type windowsWatch struct {
	wp         *watchPoint
	handle     windows.Handle
	overlapped windows.Overlapped
	buffer     []byte
	closing    bool
}

// windowsBackend implements platformBackend using ReadDirectoryChangesW
// with overlapped I/O and an alertable wait. Control-plane requests are
// marshalled onto the Backend
// thread via QueueUserAPC; the thread's SleepEx(..., true) call is the
// alertable wait that lets both read completions and queued APCs run.
type windowsBackend struct {
	threadHandle windows.Handle
	bufferSize   int

	mu       sync.Mutex
	byHandle map[windows.Handle]*windowsWatch

	apcMu  sync.Mutex
	apcSeq uintptr
	apcOps map[uintptr]func()

	completionCallback uintptr
	apcCallback        uintptr

	terminating atomic.Bool
}

// newPlatformBackend constructs the Windows backend.
func newPlatformBackend() platformBackend {
	return &windowsBackend{
		byHandle: make(map[windows.Handle]*windowsWatch),
		apcOps:   make(map[uintptr]func()),
	}
}

// wake implements platformBackend.wake by queueing a no-op APC, which is
// sufficient to break the Backend thread out of SleepEx so it re-checks
// its terminating flag and runs any APCs already queued by the request
// forwarder in run.
func (b *windowsBackend) wake() {
	b.queueOp(func() {})
}

// queueOp registers fn to run on the Backend thread and queues an APC
// that will invoke it.
func (b *windowsBackend) queueOp(fn func()) {
	if b.threadHandle == 0 {
		return
	}
	b.apcMu.Lock()
	b.apcSeq++
	key := b.apcSeq
	b.apcOps[key] = fn
	b.apcMu.Unlock()

	if err := queueUserAPC(b.apcCallback, b.threadHandle, key); err != nil {
		b.apcMu.Lock()
		delete(b.apcOps, key)
		b.apcMu.Unlock()
	}
}

// run implements platformBackend.run.
func (b *windowsBackend) run(s *Server, requests <-chan controlRequest, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	current, err := duplicateCurrentThreadHandle()
	if err != nil {
		ready <- fmt.Errorf("unable to obtain a durable thread handle: %w", err)
		return
	}
	b.threadHandle = current
	defer windows.CloseHandle(current)

	b.bufferSize = s.windowsBufferSize

	b.apcCallback = windows.NewCallback(func(arg uintptr) uintptr {
		b.apcMu.Lock()
		fn, ok := b.apcOps[arg]
		delete(b.apcOps, arg)
		b.apcMu.Unlock()
		if ok {
			fn()
		}
		return 0
	})
	b.completionCallback = windows.NewCallback(func(errorCode, bytesTransferred uint32, overlapped *windows.Overlapped) uintptr {
		b.handleCompletion(s, errorCode, bytesTransferred, overlapped)
		return 0
	})

	// Forward control-plane requests from the Go channel onto the
	// Backend thread via APC, since channel receives cannot themselves
	// interrupt an alertable wait.
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for req := range requests {
			req := req
			if req.kind == requestTerminate {
				b.queueOp(func() {
					b.terminateAll(s)
					b.terminating.Store(true)
					if req.result != nil {
						req.result <- nil
					}
				})
				return
			}
			b.queueOp(func() {
				switch req.kind {
				case requestAdd:
					b.handleAdd(s, req)
				case requestRemove:
					b.handleRemove(s, req)
				}
			})
		}
	}()

	ready <- nil
	s.logger.Debugf("windows backend entering alertable wait loop")

	for !b.terminating.Load() {
		sleepEx(windows.INFINITE, true)
	}

	// Give the completion routines of the reads cancelled by terminateAll
	// a chance to run on this thread, then close whatever handles remain
	// and finish their watch points. Only this thread mutates byHandle.
	for attempt := 0; attempt < 10 && len(b.byHandle) > 0; attempt++ {
		sleepEx(100, true)
	}
	for handle, watch := range b.byHandle {
		windows.CloseHandle(handle)
		watch.wp.setStatus(StatusFinished, nil)
	}

	<-forwardDone
}

// handleAdd opens the directory and issues the first ReadDirectoryChangesW.
func (b *windowsBackend) handleAdd(s *Server, req controlRequest) {
	pathPtr, err := windows.UTF16PtrFromString(req.root)
	if err != nil {
		watchErr := newWatchError(ErrorKindInvalidPath, req.root, err)
		req.wp.setStatus(StatusFailedToListen, watchErr)
		if req.result != nil {
			req.result <- watchErr
		}
		return
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		kind := ErrorKindBackendFault
		switch err {
		case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND:
			kind = ErrorKindInvalidPath
		case windows.ERROR_ACCESS_DENIED:
			kind = ErrorKindPermissionDenied
		case windows.ERROR_TOO_MANY_OPEN_FILES:
			kind = ErrorKindResourceExhausted
		}
		watchErr := newWatchError(kind, req.root, err)
		req.wp.setStatus(StatusFailedToListen, watchErr)
		if req.result != nil {
			req.result <- watchErr
		}
		return
	}

	b.bufferSize = s.windowsBufferSize
	watch := &windowsWatch{
		wp:     req.wp,
		handle: handle,
		buffer: make([]byte, b.bufferSize),
	}
	req.wp.resource = watch

	b.mu.Lock()
	b.byHandle[handle] = watch
	b.mu.Unlock()

	if err := b.issueRead(watch); err != nil {
		watchErr := newWatchError(ErrorKindBackendFault, req.root, err)
		req.wp.setStatus(StatusFailedToListen, watchErr)
		windows.CloseHandle(handle)
		b.mu.Lock()
		delete(b.byHandle, handle)
		b.mu.Unlock()
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

// issueRead (re-)issues ReadDirectoryChangesW against watch's handle and
// buffer.
func (b *windowsBackend) issueRead(watch *windowsWatch) error {
	var bytesReturned uint32
	return windows.ReadDirectoryChanges(
		watch.handle,
		&watch.buffer[0],
		uint32(len(watch.buffer)),
		false, // non-recursive: only the root directory itself is watched
		windowsNotifyMask,
		&bytesReturned,
		&watch.overlapped,
		b.completionCallback,
	)
}

// handleRemove cancels in-flight I/O for root's watch point; completion
// of the cancellation is observed in handleCompletion, which transitions
// the watch point the rest of the way to StatusFinished.
func (b *windowsBackend) handleRemove(s *Server, req controlRequest) {
	req.wp.setStatus(StatusNotListening, nil)

	watch, ok := req.wp.resource.(*windowsWatch)
	if !ok || watch == nil {
		req.wp.setStatus(StatusFinished, nil)
		if req.result != nil {
			req.result <- nil
		}
		return
	}

	watch.closing = true
	_ = windows.CancelIoEx(watch.handle, &watch.overlapped)

	if req.result != nil {
		req.result <- nil
	}
}

// terminateAll cancels every outstanding watch's I/O. Handles are closed
// and their watch points marked finished as the cancellations are observed
// in handleCompletion; any that never complete (which should not happen in
// practice once CancelIoEx has been issued) are closed, and their watch
// points finished, by run as a last resort after its wait loop ends.
func (b *windowsBackend) terminateAll(s *Server) {
	b.mu.Lock()
	watches := make([]*windowsWatch, 0, len(b.byHandle))
	for _, watch := range b.byHandle {
		watches = append(watches, watch)
	}
	b.mu.Unlock()

	for _, watch := range watches {
		watch.closing = true
		_ = windows.CancelIoEx(watch.handle, &watch.overlapped)
	}
}

// handleCompletion processes a single completed (or cancelled)
// ReadDirectoryChangesW operation.
func (b *windowsBackend) handleCompletion(s *Server, errorCode, bytesTransferred uint32, overlapped *windows.Overlapped) {
	b.mu.Lock()
	var watch *windowsWatch
	for _, candidate := range b.byHandle {
		if &candidate.overlapped == overlapped {
			watch = candidate
			break
		}
	}
	b.mu.Unlock()
	if watch == nil {
		return
	}

	if watch.closing || errorCode == uint32(windows.ERROR_OPERATION_ABORTED) {
		b.mu.Lock()
		delete(b.byHandle, watch.handle)
		b.mu.Unlock()
		windows.CloseHandle(watch.handle)
		watch.wp.setStatus(StatusFinished, nil)
		return
	}

	if errorCode != 0 && errorCode != uint32(windows.ERROR_NOTIFY_ENUM_DIR) {
		s.emit(failureEvent(ErrorKindBackendFault, fmt.Sprintf("ReadDirectoryChangesW failed for %s: error %d", watch.wp.root, errorCode)))
		watch.wp.setStatus(StatusFinished, newWatchError(ErrorKindBackendFault, watch.wp.root, fmt.Errorf("error code %d", errorCode)))
		b.mu.Lock()
		delete(b.byHandle, watch.handle)
		b.mu.Unlock()
		windows.CloseHandle(watch.handle)
		return
	}

	// ERROR_NOTIFY_ENUM_DIR and a zero-length completion both indicate
	// that the notification buffer overflowed and the OS discarded the
	// backlog.
	if errorCode == uint32(windows.ERROR_NOTIFY_ENUM_DIR) || bytesTransferred == 0 {
		s.emit(overflowEvent(watch.wp.root))
	} else {
		b.translate(s, watch, watch.buffer[:bytesTransferred])
	}

	if err := b.issueRead(watch); err != nil {
		s.emit(failureEvent(ErrorKindBackendFault, fmt.Sprintf("unable to re-arm watch for %s: %v", watch.wp.root, err)))
		watch.wp.setStatus(StatusFinished, newWatchError(ErrorKindBackendFault, watch.wp.root, err))
		b.mu.Lock()
		delete(b.byHandle, watch.handle)
		b.mu.Unlock()
		windows.CloseHandle(watch.handle)
	}
}

// translate walks the FILE_NOTIFY_INFORMATION records in buffer in order
// and emits one Change per record, mapping FILE_ACTION_* values to
// semantic change kinds (rename legs become Removed and Created).
func (b *windowsBackend) translate(s *Server, watch *windowsWatch, buffer []byte) {
	offset := 0
	for {
		if offset+12 > len(buffer) {
			return
		}
		nextEntryOffset := binary.LittleEndian.Uint32(buffer[offset : offset+4])
		action := binary.LittleEndian.Uint32(buffer[offset+4 : offset+8])
		nameLen := binary.LittleEndian.Uint32(buffer[offset+8 : offset+12])

		nameStart := offset + 12
		nameEnd := nameStart + int(nameLen)
		if nameEnd > len(buffer) {
			return
		}

		nameUTF16 := make([]uint16, nameLen/2)
		for i := range nameUTF16 {
			nameUTF16[i] = binary.LittleEndian.Uint16(buffer[nameStart+2*i : nameStart+2*i+2])
		}
		name := windows.UTF16ToString(nameUTF16)
		path := joinEventPath(watch.wp.root, name)

		if watch.wp.filter == nil || !watch.wp.filter(path) {
			switch action {
			case windows.FILE_ACTION_ADDED, windows.FILE_ACTION_RENAMED_NEW_NAME:
				s.emit(changeEvent(Created, path))
			case windows.FILE_ACTION_REMOVED, windows.FILE_ACTION_RENAMED_OLD_NAME:
				s.emit(changeEvent(Removed, path))
			case windows.FILE_ACTION_MODIFIED:
				s.emit(changeEvent(Modified, path))
			default:
				s.emit(unknownEvent(path))
			}
		}

		if nextEntryOffset == 0 {
			return
		}
		offset += int(nextEntryOffset)
	}
}

// duplicateCurrentThreadHandle returns a handle to the calling OS thread
// that remains valid for use by other threads (QueueUserAPC requires a
// real handle; GetCurrentThread returns a pseudo-handle that only has
// meaning to the thread that retrieved it).
func duplicateCurrentThreadHandle() (windows.Handle, error) {
	process := windows.CurrentProcess()
	pseudo := windows.CurrentThread()
	var real windows.Handle
	err := windows.DuplicateHandle(
		process, pseudo,
		process, &real,
		0, false,
		windows.DUPLICATE_SAME_ACCESS,
	)
	if err != nil {
		return 0, err
	}
	return real, nil
}
