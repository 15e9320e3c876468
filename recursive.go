package kestrel

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
)

// WalkAndWatch subscribes root and every directory beneath it to server.
// The Linux and Windows backends watch only the directory they are given
// (the macOS FSEvents stream already reports each root's whole subtree),
// keeping subtree discovery out of the Backend thread; WalkAndWatch is the
// host-side helper that performs that walk on top of the public Server
// API, for callers that want recursive coverage without hand-rolling
// filepath.WalkDir themselves. It returns the list of roots it
// successfully subscribed; on a partial failure, it stops watching
// anything it already subscribed before returning the error.
func WalkAndWatch(server *Server, root string, filter Filter) ([]string, error) {
	var watched []string

	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if filter != nil && filter(path) {
			return filepath.SkipDir
		}
		if err := server.StartWatchingWithFilter(path, filter); err != nil {
			return err
		}
		watched = append(watched, path)
		return nil
	})

	if walkErr != nil {
		for _, path := range watched {
			_ = server.StopWatching(path)
		}
		return nil, walkErr
	}

	return watched, nil
}

// WatchWithRetry calls server.StartWatching(root) repeatedly according to
// policy until it succeeds, the root becomes watchable, or policy gives
// up, retrying only on ErrorKindResourceExhausted (a transient condition
// such as a temporarily exhausted inotify watch limit). Other failure
// kinds are returned immediately without retry, since they will not
// change as a result of waiting.
func WatchWithRetry(server *Server, root string, policy backoff.BackOff) error {
	return backoff.Retry(func() error {
		err := server.StartWatching(root)
		if err == nil {
			return nil
		}
		var watchErr *WatchError
		if errors.As(err, &watchErr) && watchErr.Kind == ErrorKindResourceExhausted {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
