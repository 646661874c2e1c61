package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoBackend is returned when every factory in the chain failed to
// produce a working source.
var ErrNoBackend = errors.New("capture: no usable backend")

// Factory builds a capture source. Factories are probed at most once per
// acquisition pass, in chain order.
type Factory struct {
	Name  string
	Build func() (Source, error)
}

// Selector owns the backend fallback chain for one streaming session. It
// is constructed by the caller and injected, so no backend state lives in
// process-wide globals. After a fatal capture error the next Acquire
// re-probes, preferring the next backend in the chain.
type Selector struct {
	mu          sync.Mutex
	factories   []Factory
	current     Source
	currentName string
	next        int
	lastFailure time.Time
	log         *logrus.Entry
}

// NewSelector builds a selector over the given chain. The chain order is
// the fallback order.
func NewSelector(factories ...Factory) *Selector {
	return &Selector{
		factories: factories,
		log:       logrus.WithField("component", "capture-selector"),
	}
}

// DefaultSelector returns the standard chain for a display index. The
// generic screenshot backend is the sole cross-platform entry; platform
// builds prepend faster backends here.
func DefaultSelector(display int) *Selector {
	return NewSelector(Factory{
		Name:  "screenshot",
		Build: func() (Source, error) { return NewScreenshotSource(display) },
	})
}

// Acquire returns the current source, probing the chain if none is held.
// Each factory is tried at most once per call.
func (s *Selector) Acquire() (Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return s.current, nil
	}
	for attempts := 0; attempts < len(s.factories); attempts++ {
		f := s.factories[s.next%len(s.factories)]
		src, err := f.Build()
		if err == nil {
			s.current = src
			s.currentName = f.Name
			s.log.WithField("backend", f.Name).Info("capture backend selected")
			return src, nil
		}
		s.log.WithField("backend", f.Name).WithError(err).Warn("capture backend unavailable")
		s.next++
	}
	return nil, ErrNoBackend
}

// MarkFatal records a fatal backend error, closes the current source and
// advances the chain so the next Acquire prefers a different backend.
func (s *Selector) MarkFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFailure = time.Now()
	if s.current != nil {
		_ = s.current.Close()
		s.log.WithField("backend", s.currentName).WithError(err).Warn("capture backend failed, switching")
		s.current = nil
		s.currentName = ""
	}
	s.next++
}

// Current reports the active backend name, empty when none is held.
func (s *Selector) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentName
}

// LastFailure reports when the chain last saw a fatal error.
func (s *Selector) LastFailure() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure
}

// Close releases the held source, if any.
func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	s.currentName = ""
	return err
}
