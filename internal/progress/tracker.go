// Package progress turns raw byte counters into smoothed transfer speed and
// remaining-time estimates.
package progress

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is the number of speed samples kept for smoothing.
	DefaultWindow = 5
	// DefaultAlpha is the exponential decay factor applied to the samples.
	DefaultAlpha = 0.5
	// DefaultSampleInterval is the minimum time between two recorded samples.
	DefaultSampleInterval = time.Second
)

// Sample is one recorded instantaneous speed.
type Sample struct {
	Speed float64 // bytes per second
	At    time.Time
}

// Tracker keeps a bounded ring of speed samples for one transfer.
// It is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	alpha    float64
	interval time.Duration

	ring  []Sample
	head  int // index of the next write
	count int

	lastBytes   int64
	lastAt      time.Time
	hasSnapshot bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSampleInterval overrides the minimum time between recorded samples.
func WithSampleInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithWindow overrides the number of retained samples.
func WithWindow(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.ring = make([]Sample, n)
		}
	}
}

// NewTracker returns a tracker with a window of 5 samples, α=0.5 and a one second
// sampling interval unless overridden.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		alpha:    DefaultAlpha,
		interval: DefaultSampleInterval,
		ring:     make([]Sample, DefaultWindow),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Update feeds the cumulative byte count observed at the given time. It reports
// whether a new sample was recorded; updates arriving less than the sampling
// interval after the last recorded snapshot are dropped.
func (t *Tracker) Update(totalWritten int64, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasSnapshot || totalWritten < t.lastBytes {
		t.snapshot(totalWritten, at)

		return false
	}

	elapsed := at.Sub(t.lastAt)
	if elapsed < t.interval {
		return false
	}

	speed := float64(totalWritten-t.lastBytes) / elapsed.Seconds()

	t.ring[t.head] = Sample{Speed: speed, At: at}
	t.head = (t.head + 1) % len(t.ring)

	if t.count < len(t.ring) {
		t.count++
	}

	t.snapshot(totalWritten, at)

	return true
}

// Speed returns the weighted moving average over the retained samples, newest
// first. It returns 0 when nothing has been recorded yet.
func (t *Tracker) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	speeds := make([]float64, 0, t.count)

	for i := 1; i <= t.count; i++ {
		idx := (t.head - i + len(t.ring)) % len(t.ring)
		speeds = append(speeds, t.ring[idx].Speed)
	}

	return WeightedAverage(speeds, t.alpha)
}

// Samples returns the retained samples, newest first.
func (t *Tracker) Samples() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Sample, 0, t.count)

	for i := 1; i <= t.count; i++ {
		out = append(out, t.ring[(t.head-i+len(t.ring))%len(t.ring)])
	}

	return out
}

// ETA estimates the remaining time. The second result is false when the
// expected size is unknown or no positive speed has been observed.
func (t *Tracker) ETA(expected, written int64) (time.Duration, bool) {
	return EstimateRemaining(expected, written, t.Speed())
}

// Reset drops all samples and the last snapshot. Throughput after a pause or a
// restart is not comparable to the throughput before it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.ring {
		t.ring[i] = Sample{}
	}

	t.head = 0
	t.count = 0
	t.lastBytes = 0
	t.lastAt = time.Time{}
	t.hasSnapshot = false
}

func (t *Tracker) snapshot(bytes int64, at time.Time) {
	t.lastBytes = bytes
	t.lastAt = at
	t.hasSnapshot = true
}

// WeightedAverage computes the exponentially weighted mean of speeds ordered
// newest first. The i-th sample weighs alpha*(1-alpha)^i and the oldest sample
// absorbs whatever weight is left so the weights always sum to 1.
func WeightedAverage(speeds []float64, alpha float64) float64 {
	if len(speeds) == 0 {
		return 0
	}

	var (
		avg       float64
		remaining = 1.0
		weight    = alpha
	)

	for i, s := range speeds {
		w := weight
		if i == len(speeds)-1 {
			w = remaining
		}

		avg += w * s
		remaining -= w
		weight *= 1 - alpha
	}

	return avg
}

// EstimateRemaining divides the missing bytes by speed.
func EstimateRemaining(expected, written int64, speed float64) (time.Duration, bool) {
	if expected <= 0 || speed <= 0 {
		return 0, false
	}

	left := expected - written
	if left < 0 {
		left = 0
	}

	return time.Duration(float64(left) / speed * float64(time.Second)), true
}
