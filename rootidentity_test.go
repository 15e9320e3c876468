package kestrel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCaptureRootIdentityStable(t *testing.T) {
	dir := t.TempDir()

	first, err := captureRootIdentity(dir)
	if err != nil {
		t.Fatalf("captureRootIdentity failed: %v", err)
	}
	second, err := captureRootIdentity(dir)
	if err != nil {
		t.Fatalf("captureRootIdentity failed: %v", err)
	}
	if first != second {
		t.Errorf("expected repeated captures of an unchanged directory to match: %+v != %+v", first, second)
	}
}

func TestCaptureRootIdentityDistinguishesDirectories(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()

	identityA, err := captureRootIdentity(a)
	if err != nil {
		t.Fatalf("captureRootIdentity(a) failed: %v", err)
	}
	identityB, err := captureRootIdentity(b)
	if err != nil {
		t.Fatalf("captureRootIdentity(b) failed: %v", err)
	}
	if identityA == identityB {
		t.Error("expected distinct directories to have distinct identities")
	}
}

func TestCaptureRootIdentityFailsForMissingPath(t *testing.T) {
	if _, err := captureRootIdentity(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected an error for a non-existent path")
	}
}

func TestCaptureRootIdentityOfWatchedRootIsNonZero(t *testing.T) {
	sink := NewChannelSink(8, PolicyBlock)
	server := NewServer(sink)
	if err := server.Start(); err != nil {
		t.Skipf("native watching unavailable on this platform: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	root := t.TempDir()
	if err := server.StartWatching(root); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}

	wp, ok := server.watchPointFor(root)
	if !ok {
		t.Fatal("expected the root to be registered")
	}
	wp.setStatus(StatusListening, nil)

	stop := make(chan struct{})
	defer close(stop)

	// Driving pollRootIdentities with a fast-firing interval would require
	// a configurable interval, which this package does not expose, so this
	// test does not run the poller's replacement detection; it only
	// verifies that a synchronous capture against the live, watched root
	// succeeds and yields a non-zero identity.
	identity, err := captureRootIdentity(root)
	if err != nil {
		t.Fatalf("captureRootIdentity failed: %v", err)
	}
	if identity.deviceID == 0 && identity.fileID == 0 {
		t.Error("expected a non-zero identity for an existing directory")
	}
}
