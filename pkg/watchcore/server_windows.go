//go:build windows

package watchcore

import (
	"os"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// windowsShutdownDrainPasses bounds how many zero-timeout alertable waits
// runLoop performs after Terminate to let in-flight cancellation completion
// APCs fire before the watcher thread exits.
const windowsShutdownDrainPasses = 4

// windowsRootPollInterval is how often runLoop re-checks each watch root's
// metadata as a defense-in-depth invalidation check, independent of
// ReadDirectoryChangesW's own event stream.
const windowsRootPollInterval = 5 * time.Second

// windowsNotifyMask is the set of FILE_NOTIFY_CHANGE_* bits requested for
// every ReadDirectoryChangesW call.
const windowsNotifyMask = windows.FILE_NOTIFY_CHANGE_FILE_NAME |
	windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES |
	windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE |
	windows.FILE_NOTIFY_CHANGE_LAST_ACCESS |
	windows.FILE_NOTIFY_CHANGE_CREATION |
	windows.FILE_NOTIFY_CHANGE_SECURITY

// fileNotifyInformation mirrors the Win32 FILE_NOTIFY_INFORMATION struct. Its
// FileName field is a variable-length, not-necessarily-terminated UTF-16
// array that continues past the end of this header.
type fileNotifyInformation struct {
	NextEntryOffset uint32
	Action          uint32
	FileNameLength  uint32
	FileName        uint16
}

// windowsExtra is the Windows-specific Watch Point extra stored in
// watchPoint.native: the open directory handle, its overlapped control
// block, its pre-allocated read buffer, and the root metadata
// snapshot used by the defense-in-depth polling check below.
type windowsExtra struct {
	handle     windows.Handle
	overlapped windowsOverlapped
	buffer     []byte
	canceled   bool

	rootAttributes   uint32
	rootCreationTime syscall.Filetime
	haveRootMetadata bool
}

// captureRootMetadata snapshots root's attributes and creation time so that
// a later call to rootMetadataChanged can detect replacement of the watched
// directory out from under an open handle.
func (extra *windowsExtra) captureRootMetadata(root string) {
	info, err := os.Stat(root)
	if err != nil {
		return
	}
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return
	}
	extra.rootAttributes = data.FileAttributes
	extra.rootCreationTime = data.CreationTime
	extra.haveRootMetadata = true
}

// rootMetadataChanged reports whether root's attributes or creation time
// have diverged from the snapshot taken by captureRootMetadata, detecting
// that a watch root was replaced without the replacement generating a
// native event.
func (extra *windowsExtra) rootMetadataChanged(root string) bool {
	if !extra.haveRootMetadata {
		return false
	}
	info, err := os.Stat(root)
	if err != nil {
		return true
	}
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return false
	}
	return data.FileAttributes != extra.rootAttributes || data.CreationTime != extra.rootCreationTime
}

// windowsOverlapped embeds windows.Overlapped so that a pointer to it can be
// passed to ReadDirectoryChangesW and recovered by the completion routine
// (which only receives the bare *Overlapped), mirroring the overlappedEx
// pattern used by ReadDirectoryChangesW-based watchers.
type windowsOverlapped struct {
	windows.Overlapped
	server *Server
	wp     *watchPoint
}

// windowsBackend implements backend using ReadDirectoryChangesW with a
// completion routine delivered as an APC on the watcher thread.
// Command dispatch reuses the same mechanism: enqueue installs a no-op APC
// via QueueUserAPC to interrupt the alertable wait.
type windowsBackend struct {
	bufferSize uint32

	mu     sync.Mutex
	thread windows.Handle // duplicated handle to the watcher thread, valid once runLoop starts

	completionRoutine uintptr
	wakeRoutine       uintptr
}

func newWindowsBackend(bufferSize uint32) *windowsBackend {
	return &windowsBackend{bufferSize: bufferSize}
}

// NewServer constructs a Windows watch server backed by ReadDirectoryChangesW.
// BufferSize and CommandTimeout are the relevant construction
// inputs.
func NewServer(sink EventSink, options Options) (*Server, error) {
	options = options.withDefaults()
	return newServer(sink, options, newWindowsBackend(options.BufferSize)), nil
}

func (b *windowsBackend) open() error {
	b.completionRoutine = windows.NewCallback(b.completion)
	b.wakeRoutine = windows.NewCallback(func(_ uintptr) uintptr { return 0 })
	return nil
}

func (b *windowsBackend) close() {
	b.mu.Lock()
	if b.thread != 0 {
		windows.CloseHandle(b.thread)
		b.thread = 0
	}
	b.mu.Unlock()
}

// register opens a handle on wp.root and arms the first asynchronous read
//.
func (b *windowsBackend) register(s *Server, wp *watchPoint) error {
	pathPtr, err := windows.UTF16PtrFromString(wp.root)
	if err != nil {
		return errors.Wrap(err, "unable to convert path to UTF-16")
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return errors.Wrapf(err, "unable to open directory handle for %q", wp.root)
	}

	extra := &windowsExtra{
		handle: handle,
		buffer: make([]byte, b.bufferSize),
	}
	extra.captureRootMetadata(wp.root)
	extra.overlapped.server = s
	extra.overlapped.wp = wp
	wp.native = extra

	if err := b.armRead(extra); err != nil {
		windows.CloseHandle(handle)
		return errors.Wrapf(err, "unable to arm initial read for %q", wp.root)
	}
	return nil
}

// armRead issues (or reissues) an asynchronous ReadDirectoryChangesW against
// extra's handle and buffer. The completion routine is b.completion, invoked
// as an APC on the watcher thread once the read completes or is cancelled.
func (b *windowsBackend) armRead(extra *windowsExtra) error {
	return windows.ReadDirectoryChanges(
		extra.handle,
		&extra.buffer[0],
		uint32(len(extra.buffer)),
		true,
		windowsNotifyMask,
		nil,
		(*windows.Overlapped)(unsafe.Pointer(&extra.overlapped)),
		b.completionRoutine,
	)
}

// unregister cancels the outstanding read for wp. The directory handle and
// buffer are released by the completion routine once it observes
// ERROR_OPERATION_ABORTED cancellation procedure; we do not
// close the handle here to avoid racing the in-flight APC.
func (b *windowsBackend) unregister(s *Server, wp *watchPoint) error {
	extra, ok := wp.native.(*windowsExtra)
	if !ok {
		return nil
	}
	if extra.canceled {
		return nil
	}
	extra.canceled = true

	err := windows.CancelIoEx(extra.handle, (*windows.Overlapped)(unsafe.Pointer(&extra.overlapped)))
	if err != nil && !errors.Is(err, windows.ERROR_NOT_FOUND) {
		return errors.Wrapf(err, "CancelIoEx failed for %q", wp.root)
	}
	return nil
}

// runLoop blocks the watcher thread in an alertable wait, which is how both
// I/O completion routines and command-dispatch APCs are delivered. It
// captures a duplicated handle to the current OS thread so that
// commandChannel.enqueue can interrupt the wait via QueueUserAPC.
func (b *windowsBackend) runLoop(s *Server) {
	lockOSThreadForWatcher()

	process, err := windows.GetCurrentProcess()
	if err != nil {
		s.reportError(newFailure(ScopeRuntime, "", "unable to resolve current process handle", err))
		return
	}
	current, err := windows.GetCurrentThread()
	if err != nil {
		s.reportError(newFailure(ScopeRuntime, "", "unable to resolve current thread handle", err))
		return
	}
	var duplicated windows.Handle
	if err := windows.DuplicateHandle(process, current, process, &duplicated, 0, false, windows.DUPLICATE_SAME_ACCESS); err != nil {
		s.reportError(newFailure(ScopeRuntime, "", "unable to duplicate watcher thread handle", err))
		return
	}
	b.mu.Lock()
	b.thread = duplicated
	b.mu.Unlock()

	wakeRoutine := b.wakeRoutine
	s.commands.setOSWake(func() {
		b.mu.Lock()
		thread := b.thread
		b.mu.Unlock()
		if thread != 0 {
			_ = queueUserAPC(wakeRoutine, thread, 0)
		}
	})

	for {
		// SleepEx with alertable=true blocks until at least one APC has
		// been delivered to this thread -- either our own wake APC or a
		// native I/O completion routine invoked by the kernel. The wait is
		// bounded (rather than INFINITE) so that the root-metadata polling
		// check below runs periodically even when no APC arrives.
		sleepEx(uint32(windowsRootPollInterval.Milliseconds()), true)

		if s.processCommands() {
			// processCommands' Terminate handling has already issued
			// CancelIoEx against every still-LISTENING watch point; yield
			// a few times via a zero-timeout alertable wait so that the
			// resulting ERROR_OPERATION_ABORTED completion APCs are
			// delivered and close their directory handles before this
			// thread exits.
			for i := 0; i < windowsShutdownDrainPasses; i++ {
				sleepEx(0, true)
			}
			return
		}

		b.checkRootMetadata(s)
	}
}

// checkRootMetadata is a defense-in-depth invalidation check: if a watch
// root's attributes or creation time have changed since it was armed --
// indicating the directory was replaced without generating a FILE_ACTION
// event pointing at the root itself -- the watch point is invalidated
// rather than left silently
// watching a stale handle.
func (b *windowsBackend) checkRootMetadata(s *Server) {
	for root, wp := range s.watchPoints {
		extra, ok := wp.native.(*windowsExtra)
		if !ok || extra.canceled {
			continue
		}
		if !extra.rootMetadataChanged(root) {
			continue
		}
		s.reportChange(ChangeInvalidated, root)
		extra.canceled = true
		_ = windows.CancelIoEx(extra.handle, (*windows.Overlapped)(unsafe.Pointer(&extra.overlapped)))
		wp.state = stateCancelled
		delete(s.watchPoints, root)
	}
}

// completion is invoked as an APC whenever an outstanding
// ReadDirectoryChangesW call completes, running on the watcher thread.
func (b *windowsBackend) completion(errorCode, bytesTransferred uintptr, overlappedPtr uintptr) uintptr {
	overlapped := (*windowsOverlapped)(unsafe.Pointer(overlappedPtr))
	if overlapped == nil {
		return 0
	}
	s := overlapped.server
	wp := overlapped.wp
	extra, ok := wp.native.(*windowsExtra)
	if !ok {
		return 0
	}

	switch windows.Errno(errorCode) {
	case windows.ERROR_OPERATION_ABORTED:
		// Cancellation observed; the watch point is being torn down. Close
		// the handle now that no I/O is outstanding against it.
		windows.CloseHandle(extra.handle)
		wp.state = stateFinished
		return 0
	case 0: // ERROR_SUCCESS
		if bytesTransferred == 0 {
			// Buffer overflow: the kernel could not keep up and dropped
			// records. The watch point is invalidated and must be
			// re-registered by the caller to resume.
			s.logger.Warn(errors.Errorf("overlapped read buffer overflowed for %q", wp.root))
			s.reportChange(ChangeInvalidated, wp.root)
			windows.CloseHandle(extra.handle)
			wp.state = stateFinished
			delete(s.watchPoints, wp.root)
			return 0
		}
		b.translate(s, wp, extra, uint32(bytesTransferred))
	case windows.ERROR_ACCESS_DENIED:
		s.reportChange(ChangeRemoved, wp.root)
		windows.CloseHandle(extra.handle)
		wp.state = stateFinished
		delete(s.watchPoints, wp.root)
		return 0
	default:
		s.reportError(newFailure(ScopeRuntime, wp.root, "asynchronous read failed", windows.Errno(errorCode)))
		windows.CloseHandle(extra.handle)
		wp.state = stateFinished
		delete(s.watchPoints, wp.root)
		return 0
	}

	if extra.canceled {
		return 0
	}
	if err := b.armRead(extra); err != nil {
		s.reportError(newFailure(ScopeRuntime, wp.root, "unable to rearm asynchronous read", err))
		windows.CloseHandle(extra.handle)
		wp.state = stateFinished
		delete(s.watchPoints, wp.root)
		return 0
	}
	wp.state = stateListening
	return 0
}

// translate walks the FILE_NOTIFY_INFORMATION chain in extra.buffer and
// reports one normalized event per record.
func (b *windowsBackend) translate(s *Server, wp *watchPoint, extra *windowsExtra, n uint32) {
	var offset uint32
	for offset < n {
		raw := (*fileNotifyInformation)(unsafe.Pointer(&extra.buffer[offset]))

		nameLen := raw.FileNameLength
		nameStart := offset + uint32(unsafe.Offsetof(fileNotifyInformation{}.FileName))
		nameU16 := (*[1 << 28]uint16)(unsafe.Pointer(&extra.buffer[nameStart]))[: nameLen/2 : nameLen/2]
		name := windows.UTF16ToString(nameU16)

		path := wp.root + `\` + name
		path = stripLongPathPrefix(path)

		switch raw.Action {
		case windows.FILE_ACTION_ADDED, windows.FILE_ACTION_RENAMED_NEW_NAME:
			s.reportChange(ChangeCreated, path)
		case windows.FILE_ACTION_REMOVED, windows.FILE_ACTION_RENAMED_OLD_NAME:
			s.reportChange(ChangeRemoved, path)
		case windows.FILE_ACTION_MODIFIED:
			s.reportChange(ChangeModified, path)
		default:
			s.reportChange(ChangeUnknown, path)
		}

		if raw.NextEntryOffset == 0 {
			break
		}
		offset += raw.NextEntryOffset
	}
}
