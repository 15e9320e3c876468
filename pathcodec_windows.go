//go:build windows

package kestrel

import (
	"strings"
)

const (
	// windowsLegacyMaxPath is the legacy MAX_PATH limit beyond which a
	// path must be escaped with the "\\?\" long-path prefix to be passed
	// to CreateFileW successfully.
	windowsLegacyMaxPath = 260
	// windowsLongPathPrefix is the escape prefix that disables path
	// parsing and the legacy length limit.
	windowsLongPathPrefix = `\\?\`
)

// windowsReservedNames are device names that are reserved regardless of
// extension or case, per Windows path rules.
var windowsReservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// platformNormalizeRoot applies Windows-specific canonicalization to an
// already-absolute, already-cleaned root path: it rejects reserved device
// names appearing as path components and prefixes the path with the
// long-path escape when it exceeds the legacy MAX_PATH limit.
func platformNormalizeRoot(path string) (string, error) {
	for _, component := range strings.Split(path, `\`) {
		name := component
		if dot := strings.IndexByte(name, '.'); dot >= 0 {
			name = name[:dot]
		}
		if windowsReservedNames[strings.ToUpper(name)] {
			return "", newWatchError(ErrorKindInvalidPath, path, ErrInvalidPath)
		}
	}

	if strings.HasPrefix(path, windowsLongPathPrefix) {
		return path, nil
	}
	if len(path) > windowsLegacyMaxPath {
		return windowsLongPathPrefix + path, nil
	}
	return path, nil
}

// stripLongPathPrefix removes a "\\?\" escape prefix from a path, for use
// when constructing event paths that should match what the host
// originally supplied.
func stripLongPathPrefix(path string) string {
	return strings.TrimPrefix(path, windowsLongPathPrefix)
}
