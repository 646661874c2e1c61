package transport

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mcast-screen-streamer/internal/metrics"
	"mcast-screen-streamer/internal/protocol"
)

const (
	// DefaultFrameTimeout bounds how long an incomplete frame may sit in
	// the in-flight table without a new chunk.
	DefaultFrameTimeout = time.Second

	// salvageRatio is the fill ratio at or above which a frame that never
	// completed is still worth emitting. Strict on purpose: anything looser
	// produces visibly corrupt output.
	salvageRatio = 0.98

	// salvageSlack is how many arrivals past total_chunks a frame may see
	// before a near-complete chunk set is treated as finished. Boundary
	// retransmits land here when the interior chunk they would have
	// completed is gone.
	salvageSlack = 2

	statsLogInterval = 5 * time.Second
)

// pendingFrame is one in-flight entry: a slot per chunk, nil until that
// chunk arrives.
type pendingFrame struct {
	slots      [][]byte
	filled     int
	updates    int
	lastUpdate time.Time
}

func (p *pendingFrame) ratio() float64 {
	return float64(p.filled) / float64(len(p.slots))
}

// Reassembler rebuilds frames from out-of-order, possibly incomplete chunk
// deliveries and hands validated payloads to the sink. Every arrival is one
// atomic read-modify-write under mu: eviction scan, slot write, completion
// check and emit all happen inside the same critical section, so two
// deliveries can never emit the same frame twice.
type Reassembler struct {
	mu      sync.Mutex
	pending map[uint32]*pendingFrame
	timeout time.Duration
	sink    func(payload []byte)

	framesEmitted uint64
	lastStatsLog  time.Time

	now func() time.Time
	log *logrus.Entry
}

// NewReassembler builds a reassembler that emits validated frames to sink.
// A zero timeout selects DefaultFrameTimeout.
func NewReassembler(timeout time.Duration, sink func(payload []byte)) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultFrameTimeout
	}
	return &Reassembler{
		pending: make(map[uint32]*pendingFrame),
		timeout: timeout,
		sink:    sink,
		now:     time.Now,
		log:     logrus.WithField("component", "reassembler"),
	}
}

// Process handles one received datagram. Malformed datagrams and
// out-of-range chunk indexes are dropped without mutating any entry.
func (r *Reassembler) Process(datagram []byte) {
	h, payload, err := protocol.ParseDatagram(datagram)
	if err != nil || len(payload) == 0 {
		metrics.InvalidChunks.Inc()
		return
	}
	if h.TotalChunks == 0 || h.TotalChunks > protocol.MaxChunksPerFrame || h.ChunkIndex >= h.TotalChunks {
		metrics.InvalidChunks.Inc()
		r.log.WithFields(logrus.Fields{
			"frame_id": h.FrameID,
			"index":    h.ChunkIndex,
			"total":    h.TotalChunks,
		}).Debug("invalid chunk header")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.evictStaleLocked(now)

	pf, ok := r.pending[h.FrameID]
	if !ok {
		pf = &pendingFrame{slots: make([][]byte, h.TotalChunks)}
		r.pending[h.FrameID] = pf
	}
	if int(h.ChunkIndex) >= len(pf.slots) {
		// Header disagrees with the entry created by an earlier chunk.
		metrics.InvalidChunks.Inc()
		return
	}

	if pf.slots[h.ChunkIndex] == nil {
		pf.filled++
	}
	pf.slots[h.ChunkIndex] = append([]byte(nil), payload...)
	pf.lastUpdate = now
	pf.updates++

	if pf.filled == len(pf.slots) {
		r.finishLocked(h.FrameID, pf, true)
	} else if pf.updates >= len(pf.slots)+salvageSlack && pf.ratio() >= salvageRatio {
		r.finishLocked(h.FrameID, pf, false)
	}

	r.maybeLogStatsLocked(now)
}

// EvictStale runs the staleness scan outside an arrival, so quiet periods
// still bound the table. The receive loop calls it on read timeouts.
func (r *Reassembler) EvictStale() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictStaleLocked(r.now())
}

// InFlight reports how many incomplete frames the table holds.
func (r *Reassembler) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reassembler) evictStaleLocked(now time.Time) {
	for id, pf := range r.pending {
		if now.Sub(pf.lastUpdate) < r.timeout {
			continue
		}
		// A near-complete stale frame is the sender having moved past a
		// lost chunk; salvage it rather than throw the rest away.
		if pf.ratio() >= salvageRatio {
			r.finishLocked(id, pf, false)
			continue
		}
		delete(r.pending, id)
		metrics.FramesEvicted.Inc()
		r.log.WithFields(logrus.Fields{
			"frame_id": id,
			"filled":   pf.filled,
			"total":    len(pf.slots),
		}).Debug("evicted stale frame")
	}
}

// finishLocked moves a frame to a terminal state: concatenate populated
// slots in index order, validate, emit or drop, and remove the entry.
func (r *Reassembler) finishLocked(id uint32, pf *pendingFrame, complete bool) {
	delete(r.pending, id)

	size := 0
	for _, s := range pf.slots {
		size += len(s)
	}
	payload := make([]byte, 0, size)
	for _, s := range pf.slots {
		payload = append(payload, s...)
	}

	if !protocol.ValidFrame(payload, complete) {
		metrics.FramesDropped.Inc()
		r.log.WithFields(logrus.Fields{
			"frame_id": id,
			"size":     len(payload),
			"complete": complete,
		}).Debug("assembled frame failed validation")
		return
	}

	result := "complete"
	if !complete {
		result = "salvaged"
	}
	metrics.FramesReceived.WithLabelValues(result).Inc()
	r.framesEmitted++
	r.sink(payload)
}

func (r *Reassembler) maybeLogStatsLocked(now time.Time) {
	if now.Sub(r.lastStatsLog) < statsLogInterval {
		return
	}
	r.lastStatsLog = now
	r.log.WithFields(logrus.Fields{
		"frames_emitted": r.framesEmitted,
		"in_flight":      len(r.pending),
	}).Debug("reassembly stats")
}
