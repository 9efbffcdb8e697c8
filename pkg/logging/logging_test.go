package logging

import "testing"

func TestNilLoggerDiscardsOutput(t *testing.T) {
	var l *Logger

	// None of these should panic, regardless of the current threshold.
	l.Info("hello")
	l.Infof("hello %s", "world")
	l.Debug("hello")
	l.Debugf("hello %s", "world")
	l.Warn(nil)
	l.Error(nil)
}

func TestSubloggerPrefixNesting(t *testing.T) {
	root := &Logger{}
	child := root.Sublogger("watchcore")
	if child.prefix != "watchcore" {
		t.Errorf("expected prefix %q, got %q", "watchcore", child.prefix)
	}

	grandchild := child.Sublogger("linux")
	if grandchild.prefix != "watchcore.linux" {
		t.Errorf("expected prefix %q, got %q", "watchcore.linux", grandchild.prefix)
	}
}

func TestSubloggerOnNilReturnsNil(t *testing.T) {
	var l *Logger
	if got := l.Sublogger("anything"); got != nil {
		t.Errorf("expected Sublogger on a nil Logger to return nil, got %v", got)
	}
}

func TestSetLevelGatesOutput(t *testing.T) {
	defer SetLevel(LevelWarn)

	SetLevel(LevelDisabled)
	if enabled(LevelError) {
		t.Error("expected LevelError to be disabled when threshold is LevelDisabled")
	}

	SetLevel(LevelTrace)
	if !enabled(LevelDebug) {
		t.Error("expected LevelDebug to be enabled when threshold is LevelTrace")
	}
}
