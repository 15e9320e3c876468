package kestrel

import (
	"os"
	"path/filepath"
	"strings"
)

// normalizeRoot converts a host-supplied root path into the canonical,
// absolute, OS-native form used as a Server map key and as the prefix for
// emitted event paths. It strips trailing separators (except a bare root
// marker such as "/" or "C:\"), and defers any further platform-specific
// canonicalization (long-path escaping on Windows, NFD on macOS) to
// platformNormalizeRoot.
func normalizeRoot(path string) (string, error) {
	if path == "" {
		return "", newWatchError(ErrorKindInvalidPath, path, ErrInvalidPath)
	}

	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", newWatchError(ErrorKindInvalidPath, path, err)
	}

	info, err := os.Stat(absolute)
	if err != nil {
		if os.IsNotExist(err) {
			return "", newWatchError(ErrorKindInvalidPath, path, ErrInvalidPath)
		} else if os.IsPermission(err) {
			return "", newWatchError(ErrorKindPermissionDenied, path, err)
		}
		return "", newWatchError(ErrorKindInvalidPath, path, err)
	} else if !info.IsDir() {
		return "", newWatchError(ErrorKindInvalidPath, path, ErrInvalidPath)
	}

	absolute = stripTrailingSeparator(filepath.Clean(absolute))

	return platformNormalizeRoot(absolute)
}

// stripTrailingSeparator removes a trailing path separator unless doing
// so would leave an empty string or strip a bare root marker (e.g. "/" on
// POSIX or "C:\" on Windows).
func stripTrailingSeparator(path string) string {
	if len(path) <= 1 {
		return path
	}
	trimmed := strings.TrimRight(path, string(filepath.Separator))
	if trimmed == "" {
		return path[:1]
	}
	if trimmed == filepath.VolumeName(path) {
		// A bare volume root such as "C:\" keeps its separator.
		return path[:len(trimmed)+1]
	}
	return trimmed
}

// joinEventPath concatenates an absolute watch root with an OS-reported
// relative sub-path using the platform separator. If relative is empty,
// the root itself is returned (used for root-scoped events such as
// Invalidated).
func joinEventPath(root, relative string) string {
	if relative == "" {
		return root
	}
	return filepath.Join(root, relative)
}
