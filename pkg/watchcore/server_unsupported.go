//go:build !windows && !linux && !(darwin && cgo)

package watchcore

import "github.com/pkg/errors"

// unsupportedBackend is used on any platform for which no native backend is
// implemented (including darwin builds without cgo, since FSEvents requires
// cgo). It fails open() with a Startup-scoped error rather than panicking,
// so that the failure is reported synchronously to the caller of
// Server.Start.
type unsupportedBackend struct{}

// NewServer returns a Server whose Start fails because native watching is
// unavailable on this platform.
func NewServer(sink EventSink, options Options) (*Server, error) {
	return newServer(sink, options.withDefaults(), unsupportedBackend{}), nil
}

func (unsupportedBackend) open() error {
	return errors.New("native filesystem watching is not supported on this platform")
}

func (unsupportedBackend) runLoop(s *Server) {}

func (unsupportedBackend) register(s *Server, wp *watchPoint) error {
	return errors.New("native filesystem watching is not supported on this platform")
}

func (unsupportedBackend) unregister(s *Server, wp *watchPoint) error {
	return nil
}

func (unsupportedBackend) close() {}
