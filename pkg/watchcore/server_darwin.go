//go:build darwin && cgo

package watchcore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsevents"
	"github.com/pkg/errors"
)

// darwinFlags are the FSEventStream creation flags used for every stream
// rebuild. NoDefer delivers isolated events immediately
// instead of waiting out the full latency window; WatchRoot asks FSEvents
// to emit a RootChanged event if a watched root (or one of its parents) is
// itself renamed or removed; FileEvents asks for file-level (not just
// directory-level) granularity.
const darwinFlags = fsevents.NoDefer | fsevents.WatchRoot | fsevents.FileEvents

// sinceNowEventID mirrors the FSEvents kFSEventStreamEventIdSinceNow
// sentinel: passing it as EventStream.EventID requests events starting from
// now, with no historical replay. fsevents.LatestEventID is a function that
// returns the current system-wide event id (a fresh value on every call),
// not a fixed sentinel, so it cannot be used for this comparison.
const sinceNowEventID uint64 = 0xFFFFFFFFFFFFFFFF

// darwinBackend implements backend using FSEvents. Because FSEventStreamCreate
// takes an immutable array of paths, every register/unregister tears down and
// rebuilds the whole stream.
type darwinBackend struct {
	latency time.Duration

	mu                                 sync.Mutex
	stream                             *fsevents.EventStream
	lastSeenEventID                    uint64
	neverStarted                       bool
	finishedProcessingHistoricalEvents bool

	// rawEvents is the single channel the watcher thread (runLoop) receives
	// FSEvents batches on. Every stream rebuild spawns a fresh forwarding
	// goroutine that relays its own per-instance Events channel into this
	// one, so that handleEvents -- and the s.watchPoints map it reads and
	// writes -- is only ever touched from runLoop, never from a forwarding
	// goroutine directly.
	rawEvents chan []fsevents.Event
}

func newDarwinBackend(latency time.Duration) *darwinBackend {
	return &darwinBackend{
		latency:         latency,
		lastSeenEventID: sinceNowEventID,
		neverStarted:    true,
		rawEvents:       make(chan []fsevents.Event, 64),
	}
}

// NewServer constructs a macOS watch server backed by FSEvents. Its
// construction inputs are the callback, latencyInMillis, and
// commandTimeoutInMillis (carried in options.CommandTimeout).
func NewServer(sink EventSink, options Options) (*Server, error) {
	options = options.withDefaults()
	return newServer(sink, options, newDarwinBackend(options.Latency)), nil
}

func (b *darwinBackend) open() error {
	return nil
}

func (b *darwinBackend) close() {
	b.closeEventStream()
}

// closeEventStream flushes and tears down the current stream.
func (b *darwinBackend) closeEventStream() {
	b.mu.Lock()
	stream := b.stream
	b.stream = nil
	b.mu.Unlock()

	if stream == nil {
		return
	}
	stream.Flush(true)
	stream.Stop()
}

// openEventStream builds a CFArray of the currently registered roots and
// starts a new FSEventStream resuming from lastSeenEventID. On the first
// stream every root is tagged NEW, so that historical replay is suppressed
// for it; on every later rebuild every root, including one just added, is
// tagged HISTORICAL.
func (b *darwinBackend) openEventStream(s *Server) error {
	if len(s.watchPoints) == 0 {
		return nil
	}

	roots := make([]string, 0, len(s.watchPoints))
	for root, wp := range s.watchPoints {
		roots = append(roots, root)
		if b.neverStarted {
			wp.history = tagNew
		} else {
			wp.history = tagHistorical
		}
	}
	sort.Strings(roots)

	streamEvents := make(chan []fsevents.Event, 64)
	stream := &fsevents.EventStream{
		Events:  streamEvents,
		Paths:   roots,
		Latency: b.latency,
		Flags:   darwinFlags,
		EventID: b.lastSeenEventID,
	}
	stream.Start()
	b.neverStarted = false

	b.mu.Lock()
	b.stream = stream
	b.mu.Unlock()

	go b.forward(streamEvents)
	return nil
}

// forward relays a single FSEventStream instance's batches onto the
// backend's long-lived rawEvents channel, exiting once streamEvents is
// closed (which the fsevents package does when the stream is stopped). It
// must never touch s.watchPoints or call into the sink directly -- that is
// runLoop's job, on the watcher thread.
func (b *darwinBackend) forward(streamEvents <-chan []fsevents.Event) {
	for batch := range streamEvents {
		b.rawEvents <- batch
	}
}

// register implements backend.register: tear down, add the root, rebuild.
func (b *darwinBackend) register(s *Server, wp *watchPoint) error {
	b.closeEventStream()
	if err := b.openEventStream(s); err != nil {
		return errors.Wrapf(err, "unable to rebuild FSEventStream for %q", wp.root)
	}
	return nil
}

// unregister implements backend.unregister: tear down, drop the root from
// s.watchPoints (the caller deletes it again after this returns, which is
// then a no-op), and rebuild the stream around whatever roots remain.
func (b *darwinBackend) unregister(s *Server, wp *watchPoint) error {
	b.closeEventStream()
	delete(s.watchPoints, wp.root)
	if err := b.openEventStream(s); err != nil {
		return errors.Wrapf(err, "unable to rebuild FSEventStream after unwatching %q", wp.root)
	}
	return nil
}

// runLoop is the sole reader of rawEvents and the sole caller of
// processCommands, so s.watchPoints and the backend's own bookkeeping
// fields are never touched outside the watcher thread.
func (b *darwinBackend) runLoop(s *Server) {
	for {
		select {
		case events := <-b.rawEvents:
			b.handleEvents(s, events)
		case <-s.commands.wakeup():
			if s.processCommands() {
				b.closeEventStream()
				return
			}
		}
	}
}

// handleEvents translates a batch of raw FSEvents records into normalized
// events, applying a priority-ordered flag-to-ChangeType mapping and
// advancing lastSeenEventID monotonically.
func (b *darwinBackend) handleEvents(s *Server, events []fsevents.Event) {
	for _, event := range events {
		if event.ID != 0 {
			b.lastSeenEventID = event.ID
		}

		if event.Flags&fsevents.HistoryDone != 0 {
			for _, wp := range s.watchPoints {
				if wp.history == tagNew {
					wp.history = tagHistorical
				}
			}
			b.finishedProcessingHistoricalEvents = true
			continue
		}

		root := resolveRoot(s, event.Path)
		if root == "" {
			continue
		}
		wp, exists := s.watchPoints[root]
		if !exists {
			continue
		}

		// Suppress replayed historical events for freshly registered
		// roots until HistoryDone has been observed.
		if wp.history == tagNew && !b.finishedProcessingHistoricalEvents {
			continue
		}

		switch {
		case event.Flags&fsevents.MustScanSubDirs != 0:
			s.logger.Warn(errors.Errorf("fsevents reported a coalesced overflow for %q", root))
			s.reportChange(ChangeOverflow, root)
		case event.Flags&fsevents.RootChanged != 0 && event.ID == 0:
			s.reportChange(ChangeInvalidated, root)
		case event.Flags&(fsevents.Mount|fsevents.Unmount) != 0:
			s.reportChange(ChangeInvalidated, root)
		case event.Flags&fsevents.ItemRenamed != 0 && event.Flags&fsevents.ItemCreated != 0:
			s.reportChange(ChangeRemoved, event.Path)
		case event.Flags&fsevents.ItemRenamed != 0:
			s.reportChange(ChangeCreated, event.Path)
		case event.Flags&fsevents.ItemModified != 0:
			s.reportChange(ChangeModified, event.Path)
		case event.Flags&fsevents.ItemRemoved != 0:
			s.reportChange(ChangeRemoved, event.Path)
		case event.Flags&(fsevents.ItemInodeMetaMod|fsevents.ItemFinderInfoMod|fsevents.ItemChangeOwner|fsevents.ItemXattrMod) != 0:
			s.reportChange(ChangeModified, event.Path)
		case event.Flags&fsevents.ItemCreated != 0:
			s.reportChange(ChangeCreated, event.Path)
		default:
			s.reportChange(ChangeUnknown, event.Path)
		}
	}
}

// resolveRoot finds the registered root that is a prefix of (or equal to)
// path, since FSEvents reports fully-resolved absolute paths rather than
// tagging events with the watch point they belong to.
func resolveRoot(s *Server, path string) string {
	if wp, ok := s.watchPoints[path]; ok {
		return wp.root
	}
	for root := range s.watchPoints {
		if strings.HasPrefix(path, root+"/") {
			return root
		}
	}
	return ""
}
