// Package stream wires the pipeline together: the send-side session loop
// (pace, capture, encode, transmit) and the optional RTSP preview sink for
// received frames.
package stream

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mcast-screen-streamer/internal/capture"
	"mcast-screen-streamer/internal/encode"
	"mcast-screen-streamer/internal/metrics"
	"mcast-screen-streamer/internal/pacer"
	"mcast-screen-streamer/internal/protocol"
	"mcast-screen-streamer/internal/transport"
)

const (
	// maxConsecutiveFailures is the capture/encode failure budget before
	// the loop gives up instead of spinning.
	maxConsecutiveFailures = 10

	// recompressThreshold is the payload size above which a frame is
	// re-encoded at recompressQuality before sending.
	recompressThreshold = 500 * 1024
	recompressQuality   = 60

	// maxSleepSlice caps each cooperative sleep so Stop is observed within
	// a few milliseconds.
	maxSleepSlice = 5 * time.Millisecond
)

// frameSender is the slice of transport.Sender the loop needs.
type frameSender interface {
	SendFrame(payload []byte) (transport.FrameStats, error)
}

// Streamer runs the send-side cycle on one goroutine. Start and Stop are
// idempotent; after the loop ends, Err reports why (nil for a plain Stop).
type Streamer struct {
	pacer    *pacer.Pacer
	selector *capture.Selector
	encoder  encode.Encoder
	sender   frameSender

	running atomic.Bool
	done    chan struct{}
	err     error

	consecutiveFailures int

	log *logrus.Entry
}

// NewStreamer assembles a session from its injected collaborators.
func NewStreamer(p *pacer.Pacer, sel *capture.Selector, enc encode.Encoder, snd frameSender) *Streamer {
	return &Streamer{
		pacer:    p,
		selector: sel,
		encoder:  enc,
		sender:   snd,
		log:      logrus.WithField("component", "streamer"),
	}
}

// Start launches the streaming loop. Starting a running streamer is a
// no-op: a previous loop is never leaked.
func (s *Streamer) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.err = nil
	s.consecutiveFailures = 0
	s.done = make(chan struct{})
	go s.loop()
	s.log.Info("streaming started")
}

// Stop requests the loop to end; it is observed at the top of the next
// cycle. Stopping a stopped streamer is a no-op.
func (s *Streamer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	<-s.done
	s.log.Info("streaming stopped")
}

// Running reports whether the loop is active.
func (s *Streamer) Running() bool { return s.running.Load() }

// Done is closed when the loop ends, for callers waiting on a fatal stop.
func (s *Streamer) Done() <-chan struct{} { return s.done }

// Err reports the fatal condition that ended the loop, nil after a plain
// Stop. Valid once Done is closed.
func (s *Streamer) Err() error { return s.err }

func (s *Streamer) loop() {
	defer close(s.done)
	defer s.running.Store(false)

	for s.running.Load() {
		if !s.pacer.ShouldRunNow() {
			d := s.pacer.NextDelay()
			if d <= 0 || d > maxSleepSlice {
				d = maxSleepSlice
			}
			time.Sleep(d)
			continue
		}

		start := time.Now()
		if err := s.cycle(); err != nil {
			s.err = err
			s.log.WithError(err).Error("streaming loop stopped")
			return
		}
		s.pacer.ReportCycleLatency(time.Since(start))
		metrics.TargetFPS.Set(float64(s.pacer.TargetFPS()))
	}
}

// cycle runs one capture/encode/send pass. It returns an error only when
// the loop must stop; transient failures are absorbed into the consecutive
// failure budget.
func (s *Streamer) cycle() error {
	src, err := s.selector.Acquire()
	if err != nil {
		// No backend and no fallback left: nothing to retry against.
		return fmt.Errorf("stream: %w", err)
	}

	frame, err := src.CaptureFrame()
	if err != nil {
		if errors.Is(err, capture.ErrWouldBlock) {
			// Not a failure; the counter is left untouched.
			return nil
		}
		if capture.IsFatal(err) {
			s.selector.MarkFatal(err)
		}
		return s.countFailure("capture", err)
	}

	payload, err := s.encoder.Encode(frame)
	if err != nil {
		return s.countFailure("encode", err)
	}
	s.consecutiveFailures = 0

	// Degenerate output is skipped before a frame id is allocated.
	if len(payload) < protocol.MinFramePayload {
		metrics.FramesSkipped.Inc()
		s.log.WithField("size", len(payload)).Debug("skipping degenerate payload")
		return nil
	}

	if len(payload) > recompressThreshold {
		if smaller, rerr := encode.Recompress(payload, recompressQuality); rerr == nil {
			payload = smaller
		} else {
			s.log.WithError(rerr).Debug("recompress failed, sending original")
		}
	}

	stats, err := s.sender.SendFrame(payload)
	if err != nil {
		return fmt.Errorf("stream: transport unusable: %w", err)
	}
	s.pacer.ReportLossRate(stats.LossRate())
	s.encoder.SetFPS(s.pacer.TargetFPS())
	return nil
}

func (s *Streamer) countFailure(stage string, err error) error {
	s.consecutiveFailures++
	s.log.WithError(err).WithFields(logrus.Fields{
		"stage":       stage,
		"consecutive": s.consecutiveFailures,
	}).Warn("cycle failed")

	if s.consecutiveFailures >= maxConsecutiveFailures {
		return fmt.Errorf("stream: %d consecutive %s failures: %w", s.consecutiveFailures, stage, err)
	}
	return nil
}
