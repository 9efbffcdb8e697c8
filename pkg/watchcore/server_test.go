package watchcore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const maximumEventWaitTime = 5 * time.Second

func TestServerStartWatchingAndObserveCreate(t *testing.T) {
	directory := t.TempDir()
	sink := newFakeSink()

	server, err := NewServer(sink, Options{})
	if err != nil {
		t.Fatalf("unable to construct server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Skipf("native watching unavailable on this platform: %v", err)
	}
	defer server.Close()

	if err := server.StartWatching([]string{directory}); err != nil {
		t.Fatalf("unable to start watching: %v", err)
	}

	target := filepath.Join(directory, "file")
	if err := os.WriteFile(target, []byte("hello"), 0600); err != nil {
		t.Fatalf("unable to create test file: %v", err)
	}

	waitForAnyChange(t, sink, target)
}

// waitForAnyChange polls sink until it has recorded any event for path,
// failing the test if maximumEventWaitTime elapses first. It does not
// require a specific ChangeType, since backends disagree on whether a brand-new file's first observable event is CREATED
// or MODIFIED.
func waitForAnyChange(t *testing.T, sink *fakeSink, path string) {
	t.Helper()
	deadline := time.Now().Add(maximumEventWaitTime)
	for time.Now().Before(deadline) {
		for _, event := range sink.snapshotEvents() {
			if event.Path == path {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for an event on %q; got %v", path, sink.snapshotEvents())
}

func TestServerStartWatchingRejectsDuplicateRegistration(t *testing.T) {
	directory := t.TempDir()
	sink := newFakeSink()

	server, err := NewServer(sink, Options{})
	if err != nil {
		t.Fatalf("unable to construct server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Skipf("native watching unavailable on this platform: %v", err)
	}
	defer server.Close()

	if err := server.StartWatching([]string{directory}); err != nil {
		t.Fatalf("unable to start watching: %v", err)
	}
	if err := server.StartWatching([]string{directory}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestServerStopWatchingReportsPartialMatch(t *testing.T) {
	directory := t.TempDir()
	sink := newFakeSink()

	server, err := NewServer(sink, Options{})
	if err != nil {
		t.Fatalf("unable to construct server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Skipf("native watching unavailable on this platform: %v", err)
	}
	defer server.Close()

	if err := server.StartWatching([]string{directory}); err != nil {
		t.Fatalf("unable to start watching: %v", err)
	}

	all, err := server.StopWatching([]string{directory, filepath.Join(directory, "never-registered")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if all {
		t.Error("expected StopWatching to report a partial match as false")
	}
}

func TestServerStopWatchingAllMatch(t *testing.T) {
	directory := t.TempDir()
	sink := newFakeSink()

	server, err := NewServer(sink, Options{})
	if err != nil {
		t.Fatalf("unable to construct server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Skipf("native watching unavailable on this platform: %v", err)
	}
	defer server.Close()

	if err := server.StartWatching([]string{directory}); err != nil {
		t.Fatalf("unable to start watching: %v", err)
	}

	all, err := server.StopWatching([]string{directory})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !all {
		t.Error("expected StopWatching to report a full match as true")
	}
}

func TestServerCloseIsIdempotentAndJoinsThread(t *testing.T) {
	sink := newFakeSink()
	server, err := NewServer(sink, Options{})
	if err != nil {
		t.Fatalf("unable to construct server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Skipf("native watching unavailable on this platform: %v", err)
	}

	if err := server.Close(); err != nil {
		t.Fatalf("unexpected error from Close: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("unexpected error from second Close: %v", err)
	}

	if err := server.StartWatching([]string{t.TempDir()}); err == nil {
		t.Error("expected StartWatching after Close to fail")
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.CommandTimeout != DefaultCommandTimeout {
		t.Errorf("expected default command timeout, got %v", o.CommandTimeout)
	}
	if o.Latency != DefaultLatency {
		t.Errorf("expected default latency, got %v", o.Latency)
	}
	if o.BufferSize != DefaultBufferSize {
		t.Errorf("expected default buffer size, got %d", o.BufferSize)
	}

	clamped := Options{BufferSize: MaxBufferSize * 2}.withDefaults()
	if clamped.BufferSize != MaxBufferSize {
		t.Errorf("expected buffer size clamped to %d, got %d", MaxBufferSize, clamped.BufferSize)
	}
}
