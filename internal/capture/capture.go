// Package capture defines the pixel-source contract for the streaming
// pipeline and provides the cross-platform screenshot backend.
package capture

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/kbinani/screenshot"
)

// ErrWouldBlock reports that no new frame is ready yet. It is not a
// failure: the caller simply retries on the next cycle.
var ErrWouldBlock = errors.New("capture: no frame available yet")

// FatalError marks a backend as unusable (device lost, display mode
// changed). The selector switches backends when it sees one.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture: %s: %v", e.Reason, e.Err)
	}
	return "capture: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err signals an unusable backend.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RawFrame is one captured pixel buffer.
type RawFrame struct {
	Img        *image.RGBA
	CapturedAt time.Time
}

// Source produces raw pixel buffers on demand. CaptureFrame may return
// ErrWouldBlock when no new content is available, or a FatalError when the
// backend is gone for good.
type Source interface {
	CaptureFrame() (*RawFrame, error)
	Bounds() image.Rectangle
	Close() error
}

// Display describes one capturable screen.
type Display struct {
	Index  int
	Width  int
	Height int
}

// Displays enumerates the attached screens.
func Displays() []Display {
	n := screenshot.NumActiveDisplays()
	out := make([]Display, 0, n)
	for i := 0; i < n; i++ {
		b := screenshot.GetDisplayBounds(i)
		out = append(out, Display{Index: i, Width: b.Dx(), Height: b.Dy()})
	}
	return out
}

// ScreenshotSource captures a fixed display via the generic screenshot
// backend. It is the always-available end of the fallback chain.
type ScreenshotSource struct {
	display int
	bounds  image.Rectangle
}

// NewScreenshotSource probes the display index once and keeps its bounds
// for the lifetime of the source.
func NewScreenshotSource(display int) (*ScreenshotSource, error) {
	if display < 0 || display >= screenshot.NumActiveDisplays() {
		return nil, fmt.Errorf("capture: display %d out of range", display)
	}
	return &ScreenshotSource{
		display: display,
		bounds:  screenshot.GetDisplayBounds(display),
	}, nil
}

func (s *ScreenshotSource) CaptureFrame() (*RawFrame, error) {
	img, err := screenshot.CaptureRect(s.bounds)
	if err != nil {
		// A grab failure here usually means the display changed mode or
		// went away; let the selector re-probe.
		return nil, &FatalError{Reason: "screen grab failed", Err: err}
	}
	return &RawFrame{Img: img, CapturedAt: time.Now()}, nil
}

func (s *ScreenshotSource) Bounds() image.Rectangle { return s.bounds }

func (s *ScreenshotSource) Close() error { return nil }
