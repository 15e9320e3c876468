package kestrel

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// startTestServer constructs a Server over a fresh ChannelSink and starts
// its backend, skipping the test if this platform has no native watching
// implementation.
func startTestServer(t *testing.T) (*Server, *ChannelSink) {
	t.Helper()

	sink := NewChannelSink(32, PolicyBlock)
	server := NewServer(sink)
	if err := server.Start(); err != nil {
		t.Skipf("native watching unavailable on this platform: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server, sink
}

func TestServerStartWatchingAndStopWatching(t *testing.T) {
	server, _ := startTestServer(t)
	dir := t.TempDir()

	if err := server.StartWatching(dir); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}

	if err := server.StartWatching(dir); err == nil {
		t.Fatal("expected a second StartWatching call for the same root to fail")
	}

	if err := server.StopWatching(dir); err != nil {
		t.Fatalf("StopWatching failed: %v", err)
	}

	if err := server.StopWatching(dir); err == nil {
		t.Fatal("expected StopWatching on an unwatched root to fail")
	}
}

func TestServerStartWatchingRejectsInvalidPath(t *testing.T) {
	server, _ := startTestServer(t)

	if err := server.StartWatching(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected StartWatching to fail for a non-existent path")
	}
}

func TestServerObservesFileCreation(t *testing.T) {
	server, sink := startTestServer(t)
	dir := t.TempDir()

	if err := server.StartWatching(dir); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}

	target := filepath.Join(dir, "new-file.txt")
	if err := os.WriteFile(target, []byte("hello"), 0o600); err != nil {
		t.Fatalf("unable to write test file: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-sink.Events:
			if event.Type == EventChange && event.Path == target {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for a Change event for the created file")
		}
	}
}

func TestServerOperationsFailAfterClose(t *testing.T) {
	sink := NewChannelSink(8, PolicyBlock)
	server := NewServer(sink)
	if err := server.Start(); err != nil {
		t.Skipf("native watching unavailable on this platform: %v", err)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close must be idempotent.
	if err := server.Close(); err != nil {
		t.Fatalf("second Close call failed: %v", err)
	}

	if err := server.StartWatching(t.TempDir()); err == nil {
		t.Fatal("expected StartWatching to fail after Close")
	}
}

func TestServerCloseBeforeStart(t *testing.T) {
	server := NewServer(NewChannelSink(1, PolicyBlock))

	if err := server.Close(); err != nil {
		t.Fatalf("Close before Start failed: %v", err)
	}
	if err := server.Start(); err == nil {
		t.Fatal("expected Start to fail after Close")
	}
}

func TestServerSetWindowsBufferSizeClamps(t *testing.T) {
	server := NewServer(NewChannelSink(1, PolicyBlock))

	server.SetWindowsBufferSize(1)
	if server.windowsBufferSize != minWindowsBufferSize {
		t.Errorf("expected the buffer size to clamp to the minimum, got %d", server.windowsBufferSize)
	}

	server.SetWindowsBufferSize(1 << 30)
	if server.windowsBufferSize != maxWindowsBufferSize {
		t.Errorf("expected the buffer size to clamp to the maximum, got %d", server.windowsBufferSize)
	}
}

func TestServerSetLatencyRejectsNegative(t *testing.T) {
	server := NewServer(NewChannelSink(1, PolicyBlock))

	server.SetLatency(-time.Second)
	if server.latency != 0 {
		t.Errorf("expected negative latency to clamp to zero, got %s", server.latency)
	}
}

func TestNewServerPanicsOnNilSink(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected NewServer(nil) to panic")
		}
	}()
	NewServer(nil)
}
