// Package encode defines the frame-encoder contract and the software JPEG
// implementation used when no hardware codec is available.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"mcast-screen-streamer/internal/capture"
)

// Encoder compresses raw frames into self-contained payloads. SetBitrate
// and SetFPS are advisory hints; implementations that cannot honor them
// must ignore them rather than fail the pipeline.
type Encoder interface {
	Encode(frame *capture.RawFrame) ([]byte, error)
	SetBitrate(kbps int)
	SetFPS(fps int)
}

// JPEG is the software encoder: optional downscale, then a JPEG encode at
// the current quality. Safe for use from one encoding goroutine; hint
// setters may be called concurrently.
type JPEG struct {
	mu      sync.Mutex
	quality int

	width  uint
	height uint

	bufs sync.Pool
}

// NewJPEG builds the software encoder. width/height of 0 keep the native
// capture size.
func NewJPEG(quality int, width, height uint) *JPEG {
	return &JPEG{
		quality: quality,
		width:   width,
		height:  height,
		bufs: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

func (e *JPEG) Encode(frame *capture.RawFrame) ([]byte, error) {
	var img image.Image = frame.Img
	if e.width > 0 && e.height > 0 {
		img = resize.Resize(e.width, e.height, img, resize.NearestNeighbor)
	}

	buf := e.bufs.Get().(*bytes.Buffer)
	buf.Reset()

	e.mu.Lock()
	quality := e.quality
	e.mu.Unlock()

	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		e.bufs.Put(buf)
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	e.bufs.Put(buf)
	return out, nil
}

// SetBitrate maps a bitrate hint onto a JPEG quality step.
func (e *JPEG) SetBitrate(kbps int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case kbps <= 0:
		// no hint
	case kbps < 1000:
		e.quality = 40
	case kbps < 4000:
		e.quality = 60
	default:
		e.quality = 80
	}
}

// SetFPS is a no-op: the software path keeps no rate state.
func (e *JPEG) SetFPS(fps int) {}

// Recompress re-encodes an already-compressed frame at a lower quality.
// Used when an encoded payload comes out too large to ship.
func Recompress(data []byte, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("recompress decode: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("recompress encode: %w", err)
	}
	return buf.Bytes(), nil
}
