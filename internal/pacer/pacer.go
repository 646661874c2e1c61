// Package pacer gates how often a capture/encode/send cycle may run and
// adapts the target rate to observed packet loss and cycle latency.
package pacer

import (
	"math"
	"sync"
	"time"
)

const (
	// lossHighWater is the loss rate above which the rate is cut hard.
	lossHighWater = 0.10
	// lossLowWater is half the high-water mark; below it the rate may rise.
	lossLowWater = lossHighWater / 2

	lossCutFactor  = 0.8
	slowCutFactor  = 0.9
	raiseFactor    = 1.1
	slowCycleLimit = 5
)

// Pacer is a rate limiter plus a hysteretic control loop. It never blocks
// and schedules no work itself; callers poll ShouldRunNow from their own
// loop.
type Pacer struct {
	mu sync.Mutex

	targetFPS float64
	minFPS    float64
	maxFPS    float64

	lastRun         time.Time
	consecutiveSlow int

	framesEmitted uint64
	windowStart   time.Time

	now func() time.Time
}

// New builds a pacer clamped to [minFPS, maxFPS].
func New(targetFPS, minFPS, maxFPS int) *Pacer {
	p := &Pacer{
		targetFPS: float64(targetFPS),
		minFPS:    float64(minFPS),
		maxFPS:    float64(maxFPS),
		now:       time.Now,
	}
	p.targetFPS = p.clamp(p.targetFPS)
	p.windowStart = p.now()
	return p
}

func (p *Pacer) clamp(fps float64) float64 {
	return math.Min(p.maxFPS, math.Max(p.minFPS, fps))
}

func (p *Pacer) interval() time.Duration {
	return time.Duration(float64(time.Second) / p.targetFPS)
}

// ShouldRunNow reports whether a new cycle is due. It returns true at most
// once per inter-frame interval and advances the internal timestamp only
// when it does, so repeated polling never accumulates drift.
func (p *Pacer) ShouldRunNow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.lastRun.IsZero() || now.Sub(p.lastRun) >= p.interval() {
		p.lastRun = now
		p.framesEmitted++
		return true
	}
	return false
}

// NextDelay returns how long until the next cycle is due, for cooperative
// sleeping between polls.
func (p *Pacer) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastRun.IsZero() {
		return 0
	}
	d := p.interval() - p.now().Sub(p.lastRun)
	if d < 0 {
		return 0
	}
	return d
}

// ReportCycleLatency feeds back how long the last cycle took. Five
// consecutive cycles slower than twice the current interval cut the target
// rate by 10%; any cycle under the threshold resets the streak.
func (p *Pacer) ReportCycleLatency(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if latency > 2*p.interval() {
		p.consecutiveSlow++
		if p.consecutiveSlow >= slowCycleLimit {
			p.targetFPS = p.clamp(p.targetFPS * slowCutFactor)
			p.consecutiveSlow = 0
		}
		return
	}
	p.consecutiveSlow = 0
}

// ReportLossRate feeds back the observed packet loss rate. Loss above the
// high-water mark cuts the target rate by 20%; loss below half the
// low-water threshold raises it by 10%. Both are clamped and idempotent at
// the clamps.
func (p *Pacer) ReportLossRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case rate > lossHighWater:
		p.targetFPS = p.clamp(p.targetFPS * lossCutFactor)
	case rate < lossLowWater:
		p.targetFPS = p.clamp(p.targetFPS * raiseFactor)
	}
}

// TargetFPS reports the current target rate, rounded.
func (p *Pacer) TargetFPS() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(math.Round(p.targetFPS))
}

// ActualFPS reports the emission rate since the pacer was created.
func (p *Pacer) ActualFPS() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.now().Sub(p.windowStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.framesEmitted) / elapsed
}
