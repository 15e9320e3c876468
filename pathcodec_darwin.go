//go:build darwin

package kestrel

import "golang.org/x/text/unicode/norm"

// platformNormalizeRoot applies macOS-specific canonicalization: HFS+/APFS
// both report and expect decomposed (NFD) Unicode in path components, so
// paths are re-encoded to NFD to match what FSEvents will report back in
// event paths. Case is preserved; only normalization form changes.
func platformNormalizeRoot(path string) (string, error) {
	return norm.NFD.String(path), nil
}
