package encode

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcast-screen-streamer/internal/capture"
)

func testFrame(w, h int) *capture.RawFrame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8(x ^ y), A: 255})
		}
	}
	return &capture.RawFrame{Img: img, CapturedAt: time.Now()}
}

func TestJPEGEncodeProducesValidBitstream(t *testing.T) {
	enc := NewJPEG(60, 0, 0)

	data, err := enc.Encode(testFrame(64, 48))
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(data, []byte{0xFF, 0xD8}), "missing SOI marker")
	assert.True(t, bytes.HasSuffix(data, []byte{0xFF, 0xD9}), "missing EOI marker")
}

func TestJPEGEncodeDownscales(t *testing.T) {
	enc := NewJPEG(60, 32, 24)

	data, err := enc.Encode(testFrame(128, 96))
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Width)
	assert.Equal(t, 24, cfg.Height)
}

func TestBitrateHintAdjustsQuality(t *testing.T) {
	enc := NewJPEG(90, 0, 0)
	frame := testFrame(128, 96)

	high, err := enc.Encode(frame)
	require.NoError(t, err)

	enc.SetBitrate(500)
	low, err := enc.Encode(frame)
	require.NoError(t, err)

	assert.Less(t, len(low), len(high), "lower bitrate hint should shrink output")

	// FPS hint is advisory and must never break encoding.
	enc.SetFPS(5)
	_, err = enc.Encode(frame)
	assert.NoError(t, err)
}

func TestRecompress(t *testing.T) {
	enc := NewJPEG(95, 0, 0)
	data, err := enc.Encode(testFrame(128, 96))
	require.NoError(t, err)

	smaller, err := Recompress(data, 30)
	require.NoError(t, err)
	assert.Less(t, len(smaller), len(data))
	assert.True(t, bytes.HasPrefix(smaller, []byte{0xFF, 0xD8}))

	_, err = Recompress([]byte("not an image"), 30)
	assert.Error(t, err)
}

func TestFactoryFallsBackToSoftware(t *testing.T) {
	enc := New(60, 0, 0,
		Probe{Name: "hw-a", Build: func() (Encoder, error) { return nil, errors.New("no device") }},
		Probe{Name: "hw-b", Build: func() (Encoder, error) { return nil, errors.New("no device") }},
	)

	_, ok := enc.(*JPEG)
	assert.True(t, ok, "exhausted probes must yield the software encoder")
}

func TestFactoryPrefersWorkingProbe(t *testing.T) {
	custom := NewJPEG(10, 0, 0)
	enc := New(60, 0, 0,
		Probe{Name: "hw", Build: func() (Encoder, error) { return custom, nil }},
	)
	assert.Same(t, custom, enc)
}
