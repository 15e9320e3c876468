//go:build darwin && cgo

package kestrel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mutagen-io/fsevents"
)

func TestDarwinBackendTranslateCreate(t *testing.T) {
	sink := NewChannelSink(4, PolicyBlock)
	server := NewServer(sink)

	dir := t.TempDir()
	target := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatalf("unable to create test file: %v", err)
	}

	wp := newWatchPoint(dir, nil)
	backend := &darwinBackend{roots: map[string]*watchPoint{dir: wp}}

	backend.translate(server, fsevents.Event{Path: target, Flags: fsevents.ItemCreated})

	event := <-sink.Events
	if event.Type != EventChange || event.Kind != Created || event.Path != target {
		t.Errorf("unexpected event: %+v", event)
	}
}

func TestDarwinBackendTranslateMustScanSubDirsIsOverflow(t *testing.T) {
	sink := NewChannelSink(4, PolicyBlock)
	server := NewServer(sink)

	dir := t.TempDir()
	wp := newWatchPoint(dir, nil)
	backend := &darwinBackend{roots: map[string]*watchPoint{dir: wp}}

	backend.translate(server, fsevents.Event{Path: dir, Flags: fsevents.MustScanSubDirs})

	event := <-sink.Events
	if event.Type != EventOverflow || event.Scope != dir {
		t.Errorf("unexpected event: %+v", event)
	}
}

func TestDarwinBackendTranslateRootChangedInvalidatesAndStops(t *testing.T) {
	sink := NewChannelSink(4, PolicyBlock)
	server := NewServer(sink)

	dir := t.TempDir()
	wp := newWatchPoint(dir, nil)
	wp.setStatus(StatusListening, nil)
	backend := &darwinBackend{roots: map[string]*watchPoint{dir: wp}}

	backend.translate(server, fsevents.Event{Path: dir, Flags: fsevents.RootChanged})

	event := <-sink.Events
	if event.Type != EventChange || event.Kind != Invalidated || event.Path != dir {
		t.Errorf("unexpected event: %+v", event)
	}
	if wp.currentStatus() != StatusNotListening {
		t.Errorf("expected StatusNotListening, got %s", wp.currentStatus())
	}
}

func TestDarwinBackendOwningRootLongestPrefix(t *testing.T) {
	outer := newWatchPoint("/a", nil)
	inner := newWatchPoint("/a/b", nil)
	backend := &darwinBackend{roots: map[string]*watchPoint{"/a": outer, "/a/b": inner}}

	wp, relative, ok := backend.owningRootLocked("/a/b/c.txt")
	if !ok || wp != inner || relative != "c.txt" {
		t.Errorf("expected the longest-prefix root /a/b to win, got wp=%v relative=%q ok=%v", wp, relative, ok)
	}
}
