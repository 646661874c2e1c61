// Package metrics exposes the pipeline's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstream_frames_sent_total",
		Help: "Encoded frames for which a chunked send pass was initiated.",
	})
	ChunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstream_chunks_sent_total",
		Help: "Datagrams written to the multicast socket, retransmits included.",
	})
	SendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstream_send_errors_total",
		Help: "Per-chunk send failures.",
	})
	FramesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstream_frames_skipped_total",
		Help: "Degenerate payloads skipped before a frame id was allocated.",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenstream_frames_received_total",
		Help: "Frames emitted to the consumer, by reassembly outcome.",
	}, []string{"result"}) // complete | salvaged
	FramesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstream_frames_evicted_total",
		Help: "Incomplete frames discarded after the staleness window.",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstream_frames_dropped_total",
		Help: "Assembled frames that failed payload validation.",
	})
	InvalidChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screenstream_invalid_chunks_total",
		Help: "Malformed datagrams and out-of-range chunk indexes.",
	})

	TargetFPS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screenstream_target_fps",
		Help: "Current pacer target rate.",
	})
)

// Handler serves the default registry, for the optional metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
