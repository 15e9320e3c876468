package kestrel

import "errors"

// ErrorKind classifies the structured errors the core can produce.
type ErrorKind uint8

const (
	// ErrorKindNone is the zero value and is never attached to an actual
	// error.
	ErrorKindNone ErrorKind = iota
	// ErrorKindInvalidPath indicates that a path could not be
	// canonicalized or is not a directory.
	ErrorKindInvalidPath
	// ErrorKindAlreadyWatching indicates that the root is already
	// present in the Server's watch map.
	ErrorKindAlreadyWatching
	// ErrorKindNotWatching indicates that the root is not present in the
	// Server's watch map.
	ErrorKindNotWatching
	// ErrorKindResourceExhausted indicates that the OS refused a
	// subscription due to a resource limit (descriptor count, watch
	// count, buffer allocation).
	ErrorKindResourceExhausted
	// ErrorKindPermissionDenied indicates that the OS denied access to
	// the watch root.
	ErrorKindPermissionDenied
	// ErrorKindClosed indicates that an operation was attempted after
	// the Server was closed.
	ErrorKindClosed
	// ErrorKindBackendFault indicates an unexpected OS error on an
	// established subscription.
	ErrorKindBackendFault
)

// String renders a human-readable name for an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindInvalidPath:
		return "invalid path"
	case ErrorKindAlreadyWatching:
		return "already watching"
	case ErrorKindNotWatching:
		return "not watching"
	case ErrorKindResourceExhausted:
		return "resource exhausted"
	case ErrorKindPermissionDenied:
		return "permission denied"
	case ErrorKindClosed:
		return "closed"
	case ErrorKindBackendFault:
		return "backend fault"
	default:
		return "unknown error"
	}
}

// WatchError is the concrete error type returned by control-plane
// operations. It carries an ErrorKind so that callers can branch on
// failure category with errors.As, in addition to using the package-level
// sentinels below with errors.Is.
type WatchError struct {
	Kind ErrorKind
	Path string
	Err  error
}

// Error implements the error interface.
func (e *WatchError) Error() string {
	if e.Path == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + " (" + e.Path + "): " + e.Err.Error()
}

// Unwrap allows errors.Is/errors.As to see through to the underlying
// cause.
func (e *WatchError) Unwrap() error {
	return e.Err
}

// Sentinel causes wrapped by WatchError.Err for the cases that don't carry
// OS-specific detail.
var (
	// ErrInvalidPath is the cause wrapped when a path cannot be
	// canonicalized or does not refer to a directory.
	ErrInvalidPath = errors.New("path cannot be canonicalized or is not a directory")
	// ErrAlreadyWatching is the cause wrapped when startWatching is
	// called for a root already present in the watch map.
	ErrAlreadyWatching = errors.New("root is already being watched")
	// ErrNotWatching is the cause wrapped when stopWatching is called
	// for a root not present in the watch map.
	ErrNotWatching = errors.New("root is not being watched")
	// ErrClosed is the cause wrapped when an operation is attempted
	// after Close has completed.
	ErrClosed = errors.New("server is closed")
	// ErrWatchTerminated indicates that a watcher or backend has been
	// terminated.
	ErrWatchTerminated = errors.New("watch terminated")
	// ErrTooManyPendingPaths indicates that too many paths were
	// coalesced into a single pending notification.
	ErrTooManyPendingPaths = errors.New("too many pending paths")
)

// newWatchError constructs a *WatchError, wrapping cause if non-nil or
// otherwise a new error whose message is the kind's name.
func newWatchError(kind ErrorKind, path string, cause error) *WatchError {
	if cause == nil {
		cause = errors.New(kind.String())
	}
	return &WatchError{Kind: kind, Path: path, Err: cause}
}
