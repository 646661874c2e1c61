package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	// ChunkSize keeps every datagram comfortably under typical path MTU
	// budgets once the header is prepended.
	ChunkSize = 8192

	// HeaderSize is the fixed per-datagram header length.
	HeaderSize = 12

	// MinFramePayload is the smallest payload accepted as a plausible
	// encoded frame. Anything below is degenerate and skipped or dropped.
	MinFramePayload = 100

	// MaxChunksPerFrame bounds slot allocation so a malformed header
	// cannot force an oversized table entry.
	MaxChunksPerFrame = 1 << 16
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

var ErrShortDatagram = errors.New("protocol: datagram shorter than header")

// Header prefixes every chunk on the wire, big-endian:
// bytes 0-3 frame id, 4-7 chunk index, 8-11 total chunks.
type Header struct {
	FrameID     uint32
	ChunkIndex  uint32
	TotalChunks uint32
}

// TotalChunks returns how many chunks a payload of n bytes occupies.
func TotalChunks(n int) int {
	return (n + ChunkSize - 1) / ChunkSize
}

// Split frames payload into ready-to-send datagrams of at most
// HeaderSize+ChunkSize bytes. The final chunk may be shorter. Concatenating
// the chunk payloads in index order reproduces the input exactly.
func Split(frameID uint32, payload []byte) [][]byte {
	total := TotalChunks(len(payload))
	datagrams := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		d := make([]byte, HeaderSize+end-start)
		binary.BigEndian.PutUint32(d[0:4], frameID)
		binary.BigEndian.PutUint32(d[4:8], uint32(i))
		binary.BigEndian.PutUint32(d[8:12], uint32(total))
		copy(d[HeaderSize:], payload[start:end])
		datagrams = append(datagrams, d)
	}
	return datagrams
}

// ParseDatagram splits a received datagram into its header and chunk
// payload. The payload aliases b.
func ParseDatagram(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrShortDatagram
	}
	h := Header{
		FrameID:     binary.BigEndian.Uint32(b[0:4]),
		ChunkIndex:  binary.BigEndian.Uint32(b[4:8]),
		TotalChunks: binary.BigEndian.Uint32(b[8:12]),
	}
	return h, b[HeaderSize:], nil
}

// ValidFrame reports whether an assembled payload looks like a legitimate
// JPEG bitstream. Complete frames must carry the end marker; salvaged
// frames are exempt since the terminal chunk may have been lost.
func ValidFrame(payload []byte, complete bool) bool {
	if len(payload) < MinFramePayload || !bytes.HasPrefix(payload, jpegSOI) {
		return false
	}
	if complete && !bytes.HasSuffix(payload, jpegEOI) {
		return false
	}
	return true
}
