// Package transport moves encoded frames over UDP multicast: the sender
// splits frames into MTU-safe chunks, the receiver reassembles them.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"mcast-screen-streamer/internal/metrics"
	"mcast-screen-streamer/internal/protocol"
)

const (
	// boundaryResendDelay spaces the second pass over the boundary chunks
	// so it lands after any burst loss of the first pass.
	boundaryResendDelay = 2 * time.Millisecond

	// interChunkPause throttles long chunk bursts every pauseEvery
	// datagrams so a large frame does not overrun receive buffers.
	interChunkPause = 100 * time.Microsecond
	pauseEvery      = 10
)

type chunkWriter interface {
	Write(b []byte) (int, error)
	Close() error
}

// FrameStats reports the outcome of one chunked send pass.
type FrameStats struct {
	FrameID uint32
	Chunks  int
	Failed  int
}

// LossRate is the fraction of chunks that failed to send, usable as pacer
// feedback.
func (s FrameStats) LossRate() float64 {
	if s.Chunks == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Chunks)
}

// Sender owns the multicast socket and the frame-id counter. The id
// advances on every initiated send attempt, so receiver-side id gaps always
// mean whole-frame loss.
type Sender struct {
	mu      sync.Mutex
	conn    chunkWriter
	frameID uint32
	log     *logrus.Entry
}

// NewSender opens a connected UDP socket to the multicast group and sets
// the multicast TTL.
func NewSender(group string, port, ttl int) (*Sender, error) {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("transport: %q is not a multicast group", group)
	}
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: dial multicast: %w", err)
	}
	if err := ipv4.NewPacketConn(conn).SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: set multicast ttl: %w", err)
	}
	return newSender(conn), nil
}

func newSender(conn chunkWriter) *Sender {
	return &Sender{
		conn: conn,
		log:  logrus.WithField("component", "transport-sender"),
	}
}

// SendFrame splits payload into chunks and transmits them fire-and-forget.
// Individual chunk failures are counted but do not abort the pass; only an
// unusable socket does. When the frame spans more than two chunks, the
// first and last chunk are sent a second time: they carry the bitstream
// start and end markers the receiver needs to salvage partial frames.
func (s *Sender) SendFrame(payload []byte) (FrameStats, error) {
	s.mu.Lock()
	id := s.frameID
	s.frameID++ // advances per initiated attempt, wrapping at 2^32
	s.mu.Unlock()

	datagrams := protocol.Split(id, payload)
	stats := FrameStats{FrameID: id, Chunks: len(datagrams)}
	metrics.FramesSent.Inc()

	for i, d := range datagrams {
		if err := s.writeChunk(d, &stats); err != nil {
			return stats, fmt.Errorf("transport: frame %d chunk %d: %w", id, i, err)
		}
		if i%pauseEvery == pauseEvery-1 {
			time.Sleep(interChunkPause)
		}
	}

	if len(datagrams) > 2 {
		time.Sleep(boundaryResendDelay)
		for _, d := range [][]byte{datagrams[0], datagrams[len(datagrams)-1]} {
			if err := s.writeChunk(d, &stats); err != nil {
				return stats, fmt.Errorf("transport: frame %d boundary resend: %w", id, err)
			}
		}
	}

	if stats.Failed > 0 {
		s.log.WithFields(logrus.Fields{
			"frame_id": id,
			"failed":   stats.Failed,
			"chunks":   stats.Chunks,
		}).Debug("chunk sends failed")
	}
	return stats, nil
}

func (s *Sender) writeChunk(d []byte, stats *FrameStats) error {
	if _, err := s.conn.Write(d); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		stats.Failed++
		metrics.SendErrors.Inc()
		return nil
	}
	metrics.ChunksSent.Inc()
	return nil
}

// Close releases the socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}
