package kestrel

import (
	"time"

	"github.com/mutagen-io/extstat"
)

// rootIdentityPollInterval is the interval at which watched roots are
// checked for silent replacement (the root path still exists, but now
// refers to a different underlying directory than the one that was
// armed). Device and file identifiers are available on every platform
// this module supports, so a single cross-platform poll covers all three
// backends.
const rootIdentityPollInterval = 5 * time.Second

// rootIdentity captures enough of a directory's extended metadata to
// detect replacement (delete-then-recreate, or a new mount taking the
// same path) even when the backend's own event stream doesn't
// distinguish that case from ordinary activity under the root.
type rootIdentity struct {
	deviceID uint64
	fileID   uint64
}

// captureRootIdentity snapshots root's current device/file identity.
func captureRootIdentity(root string) (rootIdentity, error) {
	metadata, err := extstat.New(root)
	if err != nil {
		return rootIdentity{}, err
	}
	return rootIdentity{deviceID: metadata.DeviceID, fileID: metadata.FileID}, nil
}

// pollRootIdentities runs until s is closed, periodically checking every
// currently-listening watch point's root against the identity this poll
// last recorded for that path (the first poll after arming only records
// it) and synthesizing an Invalidated Change if it has changed out from
// under the watch. This is a supplementary safety net: on
// platforms whose native event stream already reports root replacement
// directly (IN_DELETE_SELF on Linux, kFSEventStreamEventFlagRootChanged
// on macOS), this poll is expected to rarely fire, but it closes the gap
// for cases where a root is removed and an unrelated directory is
// promptly created at the same path before the backend's own
// notification arrives.
func (s *Server) pollRootIdentities(stop <-chan struct{}) {
	ticker := time.NewTicker(rootIdentityPollInterval)
	defer ticker.Stop()

	identities := make(map[string]rootIdentity)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.forEachRoot(func(wp *watchPoint) {
			if wp.currentStatus() != StatusListening {
				return
			}

			current, err := captureRootIdentity(wp.root)
			if err != nil {
				// The root is no longer statable; the backend's own
				// deletion handling will surface this shortly, so avoid
				// emitting a duplicate Invalidated here.
				return
			}

			previous, seen := identities[wp.root]
			identities[wp.root] = current
			if seen && previous != current {
				s.emit(changeEvent(Invalidated, wp.root))
			}
		})
	}
}
