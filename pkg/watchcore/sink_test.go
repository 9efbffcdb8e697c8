package watchcore

import "sync"

// fakeSink is a minimal EventSink used throughout the package's tests. It
// records every delivered event and failure under a mutex so that it can be
// polled safely from a test goroutine while the watcher thread delivers
// concurrently.
type fakeSink struct {
	mu       sync.Mutex
	events   []Event
	failures []*Failure
}

func newFakeSink() *fakeSink {
	return &fakeSink{}
}

func (s *fakeSink) PathChanged(changeType ChangeType, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Type: changeType, Path: path})
}

func (s *fakeSink) ReportError(failure *Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
}

func (s *fakeSink) snapshotEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *fakeSink) snapshotFailures() []*Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Failure, len(s.failures))
	copy(out, s.failures)
	return out
}
