//go:build linux

package kestrel

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestLinuxBackendTranslateCreate(t *testing.T) {
	sink := NewChannelSink(4, PolicyBlock)
	server := NewServer(sink)
	wp := newWatchPoint("/root", nil)

	backend := &linuxBackend{byWD: map[int32]*watchPoint{1: wp}, byRoot: map[string]int32{"/root": 1}}
	backend.translate(server, 1, unix.IN_CREATE, "file.txt")

	event := <-sink.Events
	if event.Type != EventChange || event.Kind != Created || event.Path != "/root/file.txt" {
		t.Errorf("unexpected event: %+v", event)
	}
}

func TestLinuxBackendTranslateSelfDeletionInvalidatesRoot(t *testing.T) {
	sink := NewChannelSink(4, PolicyBlock)
	server := NewServer(sink)
	wp := newWatchPoint("/root", nil)
	wp.setStatus(StatusListening, nil)

	backend := &linuxBackend{byWD: map[int32]*watchPoint{1: wp}, byRoot: map[string]int32{"/root": 1}}
	backend.translate(server, 1, unix.IN_DELETE_SELF, "")

	event := <-sink.Events
	if event.Type != EventChange || event.Kind != Invalidated || event.Path != "/root" {
		t.Errorf("unexpected event: %+v", event)
	}
	if wp.currentStatus() != StatusNotListening {
		t.Errorf("expected StatusNotListening, got %s", wp.currentStatus())
	}
}

func TestLinuxBackendTranslateOverflow(t *testing.T) {
	sink := NewChannelSink(4, PolicyBlock)
	server := NewServer(sink)

	backend := &linuxBackend{byWD: map[int32]*watchPoint{}, byRoot: map[string]int32{}}
	backend.translate(server, 0, unix.IN_Q_OVERFLOW, "")

	event := <-sink.Events
	if event.Type != EventOverflow {
		t.Errorf("expected an overflow event, got %+v", event)
	}
}

func TestLinuxBackendTranslateIgnoredFinishesWatchPoint(t *testing.T) {
	sink := NewChannelSink(4, PolicyBlock)
	server := NewServer(sink)
	wp := newWatchPoint("/root", nil)
	wp.setStatus(StatusNotListening, nil)

	backend := &linuxBackend{byWD: map[int32]*watchPoint{1: wp}, byRoot: map[string]int32{"/root": 1}}
	backend.translate(server, 1, unix.IN_IGNORED, "")

	if wp.currentStatus() != StatusFinished {
		t.Errorf("expected StatusFinished, got %s", wp.currentStatus())
	}
	if _, ok := backend.byWD[1]; ok {
		t.Error("expected the watch descriptor to be removed from byWD")
	}
}

func TestLinuxBackendTranslateHonorsFilter(t *testing.T) {
	sink := NewChannelSink(4, PolicyBlock)
	server := NewServer(sink)
	wp := newWatchPoint("/root", GlobFilter("**/*.tmp"))

	backend := &linuxBackend{byWD: map[int32]*watchPoint{1: wp}, byRoot: map[string]int32{"/root": 1}}
	backend.translate(server, 1, unix.IN_CREATE, "scratch.tmp")

	select {
	case event := <-sink.Events:
		t.Fatalf("expected the filtered path to produce no event, got %+v", event)
	default:
	}
}

func TestIndexNUL(t *testing.T) {
	if got := indexNUL([]byte("abc\x00def")); got != 3 {
		t.Errorf("indexNUL = %d, expected 3", got)
	}
	if got := indexNUL([]byte("abc")); got != -1 {
		t.Errorf("indexNUL = %d, expected -1", got)
	}
}
