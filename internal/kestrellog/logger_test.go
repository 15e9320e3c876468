package kestrellog

import "testing"

func TestNilLoggerMethodsAreNoOps(t *testing.T) {
	var logger *Logger

	// None of these should panic.
	logger.Debugf("x")
	logger.Infof("x")
	logger.Warnf("x")
	logger.Errorf("x")
	logger.SetLevel(LevelDebug)

	if logger.Level() != LevelDisabled {
		t.Errorf("expected a nil logger to report LevelDisabled, got %s", logger.Level())
	}
}

func TestLoggerSetLevelGatesOutput(t *testing.T) {
	logger := NewLogger(LevelDisabled, "test")
	if logger.enabled(LevelError) {
		t.Error("expected LevelDisabled to gate Errorf")
	}

	logger.SetLevel(LevelDebug)
	if !logger.enabled(LevelDebug) {
		t.Error("expected LevelDebug to enable Debugf")
	}
}

func TestLoggerLevelRoundTrip(t *testing.T) {
	logger := NewLogger(LevelInfo, "test")
	if logger.Level() != LevelInfo {
		t.Errorf("expected LevelInfo, got %s", logger.Level())
	}
}
