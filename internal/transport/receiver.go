package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultReadTimeout bounds each socket read so the loop re-checks its
	// running flag; stop latency is at most this long.
	DefaultReadTimeout = time.Second

	maxDatagramSize = 65535
)

// Receiver joins the multicast group, reads datagrams and feeds them to
// the reassembler. Validated frames reach the sink callback supplied at
// construction. Start and Stop are idempotent.
type Receiver struct {
	conn        *net.UDPConn
	asm         *Reassembler
	readTimeout time.Duration

	running atomic.Bool
	done    chan struct{}

	log *logrus.Entry
}

// NewReceiver binds the group on the any interface. identity tags the
// receiver's log lines so multiple consumers on one host stay
// distinguishable.
func NewReceiver(group string, port int, identity string, frameTimeout, readTimeout time.Duration, sink func(payload []byte)) (*Receiver, error) {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("transport: %q is not a multicast group", group)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: join multicast group: %w", err)
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		logrus.WithError(err).Warn("could not grow receive buffer")
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Receiver{
		conn:        conn,
		asm:         NewReassembler(frameTimeout, sink),
		readTimeout: readTimeout,
		log:         logrus.WithField("component", "receiver").WithField("identity", identity),
	}, nil
}

// Start launches the receive loop. A second Start while running is a
// no-op, so repeated start commands never leak a previous loop.
func (r *Receiver) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.done = make(chan struct{})
	go r.loop()
	r.log.Info("receiver started")
}

// Stop flips the running flag and waits for the loop to observe it at its
// next read-timeout expiry. Stopping a stopped receiver is a no-op.
func (r *Receiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	<-r.done
	r.log.Info("receiver stopped")
}

// Close stops the loop if needed and releases the socket.
func (r *Receiver) Close() error {
	r.Stop()
	return r.conn.Close()
}

func (r *Receiver) loop() {
	defer close(r.done)

	buf := make([]byte, maxDatagramSize)
	for r.running.Load() {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.readTimeout))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// Quiet network: still bound the in-flight table.
				r.asm.EvictStale()
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				r.running.Store(false)
				return
			}
			r.log.WithError(err).Warn("receive failed")
			continue
		}
		r.asm.Process(buf[:n])
	}
}
