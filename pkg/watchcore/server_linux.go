//go:build linux

package watchcore

import (
	"bytes"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// inotifyMask is the set of inotify events requested for every watch point.
// IN_EXCL_UNLINK stops children that have been unlinked from a watched
// directory from generating further events against it. Both IN_MODIFY (each
// write(2)) and IN_CLOSE_WRITE (close of a file opened for writing) are
// requested, and each is reported as MODIFIED.
const inotifyMask = unix.IN_CREATE | unix.IN_MODIFY | unix.IN_DELETE |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_ATTRIB |
	unix.IN_CLOSE_WRITE | unix.IN_MOVE_SELF | unix.IN_DELETE_SELF |
	unix.IN_EXCL_UNLINK

// linuxExtra is the Linux-specific Watch Point extra stored in
// watchPoint.native: the inotify watch descriptor.
type linuxExtra struct {
	wd int32
}

// linuxBackend implements backend using a single inotify file descriptor
// shared across all registered roots, multiplexed via poll alongside an
// eventfd used to wake the loop for command delivery.
type linuxBackend struct {
	fd      int
	eventfd int

	// wdToRoot maps inotify watch descriptors back to canonical roots so
	// that raw inotify_event records (which only carry a wd) can be
	// resolved to a watch point.
	wdToRoot map[int32]string
}

func newLinuxBackend() *linuxBackend {
	return &linuxBackend{
		fd:       -1,
		eventfd:  -1,
		wdToRoot: make(map[int32]string),
	}
}

// NewServer constructs a Linux watch server backed by inotify. The Linux
// backend's only construction input is the callback.
func NewServer(sink EventSink, options Options) (*Server, error) {
	return newServer(sink, options, newLinuxBackend()), nil
}

func (b *linuxBackend) open() error {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return errors.Wrap(err, "inotify_init1 failed")
	}
	eventfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "eventfd failed")
	}
	b.fd = fd
	b.eventfd = eventfd
	return nil
}

func (b *linuxBackend) close() {
	if b.fd >= 0 {
		unix.Close(b.fd)
	}
	if b.eventfd >= 0 {
		unix.Close(b.eventfd)
	}
}

func (b *linuxBackend) register(s *Server, wp *watchPoint) error {
	wd, err := unix.InotifyAddWatch(b.fd, wp.root, inotifyMask)
	if err != nil {
		return errors.Wrapf(err, "inotify_add_watch failed for %q", wp.root)
	}
	wp.native = &linuxExtra{wd: int32(wd)}
	b.wdToRoot[int32(wd)] = wp.root
	return nil
}

func (b *linuxBackend) unregister(s *Server, wp *watchPoint) error {
	extra, ok := wp.native.(*linuxExtra)
	if !ok {
		return nil
	}
	delete(b.wdToRoot, extra.wd)
	// IN_IGNORED will still arrive for this wd on the read side; we don't
	// wait for it before considering the watch point finished.
	if _, err := unix.InotifyRmWatch(b.fd, uint32(extra.wd)); err != nil {
		// EINVAL here commonly means the kernel already dropped the
		// watch (e.g. the root was deleted, generating IN_IGNORED on
		// its own); that's not a failure worth surfacing.
		if !errors.Is(err, unix.EINVAL) {
			return errors.Wrapf(err, "inotify_rm_watch failed for %q", wp.root)
		}
	}
	return nil
}

// runLoop multiplexes the inotify fd and the eventfd wake-up via poll,
// draining and processing commands whenever the eventfd fires, and
// translating raw inotify_event records into normalized events whenever the
// inotify fd is readable.
func (b *linuxBackend) runLoop(s *Server) {
	s.commands.setOSWake(func() {
		var one [8]byte
		one[7] = 1
		_, _ = unix.Write(b.eventfd, one[:])
	})

	buffer := make([]byte, 64*1024)
	pollfds := []unix.PollFd{
		{Fd: int32(b.fd), Events: unix.POLLIN},
		{Fd: int32(b.eventfd), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollfds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.reportError(newFailure(ScopeRuntime, "", "poll failed", err))
			continue
		}

		if pollfds[1].Revents&unix.POLLIN != 0 {
			var drain [8]byte
			for {
				if _, err := unix.Read(b.eventfd, drain[:]); err != nil {
					break
				}
			}
		}

		if s.processCommands() {
			return
		}

		if pollfds[0].Revents&unix.POLLIN != 0 {
			b.drainInotify(s, buffer)
		}
	}
}

func (b *linuxBackend) drainInotify(s *Server, buffer []byte) {
	n, err := unix.Read(b.fd, buffer)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		s.reportError(newFailure(ScopeRuntime, "", "inotify read failed", err))
		return
	}

	var offset int
	for offset+unix.SizeofInotifyEvent <= n {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buffer[offset]))
		nameLen := int(raw.Len)
		var name string
		if nameLen > 0 {
			nameBytes := buffer[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
			if idx := bytes.IndexByte(nameBytes, 0); idx >= 0 {
				nameBytes = nameBytes[:idx]
			}
			name = string(nameBytes)
		}
		offset += unix.SizeofInotifyEvent + nameLen

		root, known := b.wdToRoot[raw.Wd]
		mask := raw.Mask

		if mask&unix.IN_Q_OVERFLOW != 0 {
			s.logger.Warn(errors.New("inotify event queue overflowed"))
			for _, root := range b.wdToRoot {
				s.reportChange(ChangeOverflow, root)
			}
			continue
		}

		if !known {
			continue
		}

		wp, exists := s.watchPoints[root]
		if !exists {
			continue
		}

		if mask&(unix.IN_MOVE_SELF|unix.IN_DELETE_SELF) != 0 {
			s.reportChange(ChangeInvalidated, root)
			wp.state = stateFinished
			delete(s.watchPoints, root)
			if extra, ok := wp.native.(*linuxExtra); ok {
				delete(b.wdToRoot, extra.wd)
			}
			continue
		}

		path := rebasePath(root, name)
		switch {
		case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
			s.reportChange(ChangeCreated, path)
		case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
			s.reportChange(ChangeRemoved, path)
		case mask&(unix.IN_MODIFY|unix.IN_ATTRIB|unix.IN_CLOSE_WRITE) != 0:
			s.reportChange(ChangeModified, path)
		default:
			s.reportChange(ChangeUnknown, path)
		}
	}
}
