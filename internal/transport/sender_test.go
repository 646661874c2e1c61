package transport

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcast-screen-streamer/internal/protocol"
)

// recordingConn captures written datagrams and can fail selected writes.
type recordingConn struct {
	datagrams [][]byte
	failOn    map[int]error // write ordinal -> error
	writes    int
}

func (c *recordingConn) Write(b []byte) (int, error) {
	c.writes++
	if err, ok := c.failOn[c.writes]; ok {
		return 0, err
	}
	c.datagrams = append(c.datagrams, append([]byte(nil), b...))
	return len(b), nil
}

func (c *recordingConn) Close() error { return nil }

func framePayload(chunks int) []byte {
	p := make([]byte, chunks*protocol.ChunkSize)
	for i := range p {
		p[i] = byte(i)
	}
	p[0], p[1] = 0xFF, 0xD8
	p[len(p)-2], p[len(p)-1] = 0xFF, 0xD9
	return p
}

func TestSendFrameResendsBoundaryChunks(t *testing.T) {
	conn := &recordingConn{}
	s := newSender(conn)

	payload := framePayload(5)
	stats, err := s.SendFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), stats.FrameID)
	assert.Equal(t, 5, stats.Chunks)
	assert.Equal(t, 0, stats.Failed)

	// 5 chunks plus the re-sent first and last.
	require.Len(t, conn.datagrams, 7)

	first, _, err := protocol.ParseDatagram(conn.datagrams[5])
	require.NoError(t, err)
	last, _, err := protocol.ParseDatagram(conn.datagrams[6])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.ChunkIndex)
	assert.Equal(t, uint32(4), last.ChunkIndex)
	assert.Equal(t, conn.datagrams[0], conn.datagrams[5])
	assert.Equal(t, conn.datagrams[4], conn.datagrams[6])
}

func TestSendFrameNoResendForSmallFrames(t *testing.T) {
	conn := &recordingConn{}
	s := newSender(conn)

	_, err := s.SendFrame(framePayload(2))
	require.NoError(t, err)
	assert.Len(t, conn.datagrams, 2)

	conn.datagrams = nil
	_, err = s.SendFrame(framePayload(1))
	require.NoError(t, err)
	assert.Len(t, conn.datagrams, 1)
}

func TestFrameIDAdvancesPerAttempt(t *testing.T) {
	conn := &recordingConn{failOn: map[int]error{1: errors.New("tx queue full")}}
	s := newSender(conn)

	// First attempt loses its only chunk, but still consumes id 0.
	stats, err := s.SendFrame(framePayload(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), stats.FrameID)
	assert.Equal(t, 1, stats.Failed)

	stats, err = s.SendFrame(framePayload(1))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.FrameID)
	assert.Equal(t, 0, stats.Failed)
}

func TestSendFrameToleratesChunkFailures(t *testing.T) {
	conn := &recordingConn{failOn: map[int]error{2: errors.New("tx queue full")}}
	s := newSender(conn)

	stats, err := s.SendFrame(framePayload(4))
	require.NoError(t, err, "one lost chunk must not abort the pass")
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 0.25, stats.LossRate(), 1e-9)
	// 3 surviving first-pass chunks plus 2 boundary resends.
	assert.Len(t, conn.datagrams, 5)
}

func TestSendFrameAbortsOnClosedSocket(t *testing.T) {
	conn := &recordingConn{failOn: map[int]error{2: fmt.Errorf("send: %w", net.ErrClosed)}}
	s := newSender(conn)

	_, err := s.SendFrame(framePayload(4))
	assert.Error(t, err, "an unusable socket aborts the pass")
}

func TestNewSenderRejectsUnicastAddress(t *testing.T) {
	_, err := NewSender("192.168.1.10", 9999, 32)
	assert.Error(t, err)
}
