package transport

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcast-screen-streamer/internal/protocol"
)

// collector accumulates emitted frames.
type collector struct {
	frames [][]byte
}

func (c *collector) sink(p []byte) {
	c.frames = append(c.frames, append([]byte(nil), p...))
}

func newTestReassembler(timeout time.Duration) (*Reassembler, *collector, *fakeClock) {
	c := &collector{}
	clock := &fakeClock{t: time.Unix(2000, 0)}
	r := NewReassembler(timeout, c.sink)
	r.now = clock.now
	return r, c, clock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// jpegPayload builds a payload of exactly chunks*ChunkSize bytes carrying
// the structural markers validation looks for.
func jpegPayload(chunks int) []byte {
	p := bytes.Repeat([]byte{0x5A}, chunks*protocol.ChunkSize)
	p[0], p[1] = 0xFF, 0xD8
	p[len(p)-2], p[len(p)-1] = 0xFF, 0xD9
	return p
}

func TestReassemblyInOrder(t *testing.T) {
	r, c, _ := newTestReassembler(time.Second)
	payload := jpegPayload(5)

	for _, d := range protocol.Split(1, payload) {
		r.Process(d)
	}

	require.Len(t, c.frames, 1)
	assert.True(t, bytes.Equal(payload, c.frames[0]))
	assert.Zero(t, r.InFlight(), "entry removed on completion")
}

func TestReassemblyOutOfOrder(t *testing.T) {
	r, c, _ := newTestReassembler(time.Second)
	payload := jpegPayload(5)
	datagrams := protocol.Split(1, payload)

	for i := len(datagrams) - 1; i >= 0; i-- {
		r.Process(datagrams[i])
	}

	require.Len(t, c.frames, 1)
	assert.True(t, bytes.Equal(payload, c.frames[0]), "reverse delivery rebuilds the same payload")
}

func TestReassemblyIdempotentOnDuplicates(t *testing.T) {
	r, c, _ := newTestReassembler(time.Second)
	payload := jpegPayload(5)
	datagrams := protocol.Split(1, payload)

	// Duplicate every chunk except the final one, then finish.
	for _, d := range datagrams[:4] {
		r.Process(d)
		r.Process(d)
	}
	r.Process(datagrams[4])

	require.Len(t, c.frames, 1, "duplicates never double-emit")
	assert.True(t, bytes.Equal(payload, c.frames[0]))
}

func TestInvalidChunkIndexIgnored(t *testing.T) {
	r, c, _ := newTestReassembler(time.Second)
	payload := jpegPayload(2)
	datagrams := protocol.Split(1, payload)

	r.Process(datagrams[0])

	bogus := append([]byte(nil), datagrams[1]...)
	binary.BigEndian.PutUint32(bogus[4:8], 9) // index >= total
	r.Process(bogus)

	assert.Empty(t, c.frames)
	assert.Equal(t, 1, r.InFlight(), "entry untouched by the invalid chunk")

	r.Process(datagrams[1])
	assert.Len(t, c.frames, 1)
}

func TestMalformedDatagramsIgnored(t *testing.T) {
	r, c, _ := newTestReassembler(time.Second)

	r.Process([]byte{0x01, 0x02})                        // shorter than the header
	r.Process(make([]byte, protocol.HeaderSize))         // header only, no payload
	r.Process(append(make([]byte, 8), 0, 0, 0, 0, 0xAA)) // total_chunks == 0

	assert.Empty(t, c.frames)
	assert.Zero(t, r.InFlight())
}

func TestPartialFrameEvicted(t *testing.T) {
	r, c, clock := newTestReassembler(500 * time.Millisecond)
	datagrams := protocol.Split(1, jpegPayload(5))

	// Chunks 0..2 arrive, then the sender goes quiet.
	for _, d := range datagrams[:3] {
		r.Process(d)
	}
	assert.Equal(t, 1, r.InFlight())

	clock.advance(600 * time.Millisecond)
	r.EvictStale()

	assert.Zero(t, r.InFlight())
	assert.Empty(t, c.frames, "a 3/5 frame is never emitted")

	// Late chunks for the evicted id start a fresh entry, not a revival.
	r.Process(datagrams[3])
	assert.Equal(t, 1, r.InFlight())
}

func TestEvictionRunsOnArrival(t *testing.T) {
	r, _, clock := newTestReassembler(500 * time.Millisecond)

	r.Process(protocol.Split(1, jpegPayload(3))[0])
	clock.advance(time.Second)

	// An arrival for a different frame triggers the stale scan.
	r.Process(protocol.Split(2, jpegPayload(3))[0])
	assert.Equal(t, 1, r.InFlight(), "only the fresh entry survives")
}

func TestSalvageNearCompleteFrame(t *testing.T) {
	r, c, clock := newTestReassembler(500 * time.Millisecond)
	payload := jpegPayload(100)
	datagrams := protocol.Split(1, payload)

	// All chunks but index 50 arrive: 99/100 = 0.99 >= 0.98.
	for i, d := range datagrams {
		if i == 50 {
			continue
		}
		r.Process(d)
	}
	assert.Empty(t, c.frames, "not complete yet")

	clock.advance(time.Second)
	r.EvictStale()

	require.Len(t, c.frames, 1, "stale near-complete frame is salvaged")
	want := append(append([]byte(nil), payload[:50*protocol.ChunkSize]...), payload[51*protocol.ChunkSize:]...)
	assert.True(t, bytes.Equal(want, c.frames[0]), "populated slots concatenated in index order")
}

func TestNoSalvageBelowThreshold(t *testing.T) {
	r, c, clock := newTestReassembler(500 * time.Millisecond)
	datagrams := protocol.Split(1, jpegPayload(100))

	// 95/100 = 0.95 < 0.98: evict, never emit.
	for i, d := range datagrams {
		if i >= 40 && i < 45 {
			continue
		}
		r.Process(d)
	}
	clock.advance(time.Second)
	r.EvictStale()

	assert.Empty(t, c.frames)
	assert.Zero(t, r.InFlight())
}

func TestSalvageOnExcessUpdates(t *testing.T) {
	r, c, _ := newTestReassembler(time.Hour)
	payload := jpegPayload(100)
	datagrams := protocol.Split(1, payload)

	for i, d := range datagrams {
		if i == 50 {
			continue
		}
		r.Process(d)
	}
	// Boundary retransmits keep arriving for a frame whose missing interior
	// chunk is gone for good.
	r.Process(datagrams[0])
	r.Process(datagrams[len(datagrams)-1])
	r.Process(datagrams[0])

	require.Len(t, c.frames, 1, "retransmit overflow finishes the frame without waiting for eviction")
}

func TestSalvagedFrameExemptFromEndMarker(t *testing.T) {
	r, c, clock := newTestReassembler(500 * time.Millisecond)
	payload := jpegPayload(100)
	datagrams := protocol.Split(1, payload)

	// The final chunk (with the EOI marker) is the one lost.
	for _, d := range datagrams[:99] {
		r.Process(d)
	}
	clock.advance(time.Second)
	r.EvictStale()

	require.Len(t, c.frames, 1)
	assert.False(t, bytes.HasSuffix(c.frames[0], []byte{0xFF, 0xD9}))
}

func TestCompleteFrameRequiresMarkers(t *testing.T) {
	r, c, _ := newTestReassembler(time.Second)

	// Proper size but no JPEG start marker: dropped after assembly.
	bogus := bytes.Repeat([]byte{0x00}, 2*protocol.ChunkSize)
	for _, d := range protocol.Split(1, bogus) {
		r.Process(d)
	}

	assert.Empty(t, c.frames)
	assert.Zero(t, r.InFlight(), "dropped frame still leaves the table")
}

func TestEndToEndScenario(t *testing.T) {
	r, c, clock := newTestReassembler(500 * time.Millisecond)
	payload := jpegPayload(5)
	datagrams := protocol.Split(7, payload)

	// All five chunks in order: byte-identical emission.
	for _, d := range datagrams {
		r.Process(d)
	}
	require.Len(t, c.frames, 1)
	assert.True(t, bytes.Equal(payload, c.frames[0]))

	// Chunk 2 dropped: 4/5 = 0.8 < 0.98, so the frame times out silently.
	datagrams = protocol.Split(8, payload)
	for i, d := range datagrams {
		if i == 2 {
			continue
		}
		r.Process(d)
	}
	clock.advance(time.Second)
	r.EvictStale()

	assert.Len(t, c.frames, 1, "incomplete frame below threshold never emitted")
	assert.Zero(t, r.InFlight())
}
