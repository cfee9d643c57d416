// Package ratelimit implements per-provider sliding-window admission with
// latency-driven capacity scaling.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Strob0t/Conclave/internal/domain"
)

// Verdict is the outcome of an admission attempt.
type Verdict int

const (
	// Admitted means the call may proceed now; the slot has been consumed.
	Admitted Verdict = iota
	// Wait means a slot frees up soon enough to sleep in place.
	Wait
	// Queue means the call should be parked in the request queue.
	Queue
	// Reject means the provider is saturated for this request.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case Wait:
		return "wait"
	case Queue:
		return "queue"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Admission is returned by TryAdmit.
type Admission struct {
	Verdict    Verdict
	RetryAfter time.Duration
}

// Defaults for the adaptive window.
const (
	DefaultWindow         = time.Minute
	DefaultWaitThreshold  = 5 * time.Second
	DefaultQueueThreshold = 10 * time.Second
	DefaultRescaleEvery   = time.Minute
	DefaultFastLatency    = 2 * time.Second
	DefaultSlowLatency    = 5 * time.Second
	DefaultGrowFactor     = 1.1
	DefaultShrinkFactor   = 0.8
	DefaultFloorRatio     = 0.2
	DefaultEMAAlpha       = 0.2
)

// Options tunes the limiter. Zero fields take defaults.
type Options struct {
	Window         time.Duration
	WaitThreshold  time.Duration
	QueueThreshold time.Duration
	RescaleEvery   time.Duration
	FastLatency    time.Duration
	SlowLatency    time.Duration
	GrowFactor     float64
	ShrinkFactor   float64
	FloorRatio     float64
	EMAAlpha       float64
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.WaitThreshold <= 0 {
		o.WaitThreshold = DefaultWaitThreshold
	}
	if o.QueueThreshold < o.WaitThreshold {
		o.QueueThreshold = DefaultQueueThreshold
		if o.QueueThreshold < o.WaitThreshold {
			o.QueueThreshold = o.WaitThreshold
		}
	}
	if o.RescaleEvery <= 0 {
		o.RescaleEvery = DefaultRescaleEvery
	}
	if o.FastLatency <= 0 {
		o.FastLatency = DefaultFastLatency
	}
	if o.SlowLatency <= 0 {
		o.SlowLatency = DefaultSlowLatency
	}
	if o.GrowFactor <= 1 {
		o.GrowFactor = DefaultGrowFactor
	}
	if o.ShrinkFactor <= 0 || o.ShrinkFactor >= 1 {
		o.ShrinkFactor = DefaultShrinkFactor
	}
	if o.FloorRatio <= 0 || o.FloorRatio > 1 {
		o.FloorRatio = DefaultFloorRatio
	}
	if o.EMAAlpha <= 0 || o.EMAAlpha > 1 {
		o.EMAAlpha = DefaultEMAAlpha
	}
	return o
}

// Snapshot is a point-in-time view of one provider window.
type Snapshot struct {
	ProviderID   string        `json:"provider_id"`
	Capacity     int           `json:"capacity"`
	MaxRPM       int           `json:"max_rpm"`
	InWindow     int           `json:"in_window"`
	LatencyEMA   time.Duration `json:"latency_ema"`
	BackoffUntil time.Time     `json:"backoff_until,omitempty"`
}

type window struct {
	mu          sync.Mutex
	stamps      []time.Time // ascending admission times within the window
	capacity    int
	maxRPM      int
	floor       int
	ema         time.Duration
	lastRescale time.Time
	backoff     time.Time
}

// Limiter tracks one sliding window per provider. The provider set is fixed
// at construction; each window has its own lock.
type Limiter struct {
	opts    Options
	windows map[string]*window
	now     func() time.Time
}

// New creates a limiter for the given provider -> max_rpm table.
func New(maxRPM map[string]int, opts Options) (*Limiter, error) {
	opts = opts.withDefaults()
	l := &Limiter{
		opts:    opts,
		windows: make(map[string]*window, len(maxRPM)),
		now:     time.Now,
	}
	start := l.now()
	for id, rpm := range maxRPM {
		if rpm < 1 {
			return nil, fmt.Errorf("%w: provider %q max_rpm must be >= 1", domain.ErrValidation, id)
		}
		floor := int(math.Ceil(float64(rpm) * opts.FloorRatio))
		if floor < 1 {
			floor = 1
		}
		l.windows[id] = &window{capacity: rpm, maxRPM: rpm, floor: floor, lastRescale: start}
	}
	return l, nil
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
	t := now()
	for _, w := range l.windows {
		w.mu.Lock()
		w.lastRescale = t
		w.mu.Unlock()
	}
}

func (l *Limiter) window(id string) (*window, error) {
	w, ok := l.windows[id]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", domain.ErrNotFound, id)
	}
	return w, nil
}

// TryAdmit attempts to take a slot for provider id without blocking.
func (l *Limiter) TryAdmit(id string) (Admission, error) {
	w, err := l.window(id)
	if err != nil {
		return Admission{Verdict: Reject}, err
	}
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	l.rescaleLocked(w, now)
	w.pruneLocked(now.Add(-l.opts.Window))

	var wait time.Duration
	switch {
	case now.Before(w.backoff):
		wait = w.backoff.Sub(now)
	case len(w.stamps) < w.capacity:
		w.stamps = append(w.stamps, now)
		return Admission{Verdict: Admitted}, nil
	default:
		// Slot frees when the oldest admission still counting toward the
		// current capacity leaves the window.
		oldest := w.stamps[len(w.stamps)-w.capacity]
		wait = oldest.Add(l.opts.Window).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
	}

	switch {
	case wait < l.opts.WaitThreshold:
		return Admission{Verdict: Wait, RetryAfter: wait}, nil
	case wait <= l.opts.QueueThreshold:
		return Admission{Verdict: Queue, RetryAfter: wait}, nil
	default:
		return Admission{Verdict: Reject, RetryAfter: wait}, nil
	}
}

// Admit admits a call for provider id, sleeping in place on the Wait tier.
// It returns the first non-Wait admission, or ctx's error.
func (l *Limiter) Admit(ctx context.Context, id string) (Admission, error) {
	for {
		adm, err := l.TryAdmit(id)
		if err != nil || adm.Verdict != Wait {
			return adm, err
		}
		timer := time.NewTimer(adm.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Admission{Verdict: Reject}, ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordCompletion feeds one finished call into the latency average.
// Only successful calls carry meaningful latency; timeouts go through
// RecordTimeout.
func (l *Limiter) RecordCompletion(id string, latency time.Duration, success bool) {
	if !success {
		return
	}
	l.observe(id, latency)
}

// RecordTimeout feeds a timed-out call into the latency average. The call
// took at least elapsed, and never counts as faster than the slow bound, so
// a backend that only times out still has its capacity shrunk.
func (l *Limiter) RecordTimeout(id string, elapsed time.Duration) {
	l.observe(id, max(elapsed, l.opts.SlowLatency+time.Millisecond))
}

func (l *Limiter) observe(id string, latency time.Duration) {
	w, err := l.window(id)
	if err != nil || latency <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ema == 0 {
		w.ema = latency
		return
	}
	a := l.opts.EMAAlpha
	w.ema = time.Duration(a*float64(latency) + (1-a)*float64(w.ema))
}

// RecordThrottle marks provider id as throttled by the upstream for d.
func (l *Limiter) RecordThrottle(id string, d time.Duration) {
	w, err := l.window(id)
	if err != nil {
		return
	}
	if d <= 0 {
		d = time.Second
	}
	until := l.now().Add(d)
	w.mu.Lock()
	if until.After(w.backoff) {
		w.backoff = until
	}
	w.mu.Unlock()
}

// Snapshot returns the current state of provider id's window.
func (l *Limiter) Snapshot(id string) (Snapshot, error) {
	w, err := l.window(id)
	if err != nil {
		return Snapshot{}, err
	}
	now := l.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	l.rescaleLocked(w, now)
	w.pruneLocked(now.Add(-l.opts.Window))
	s := Snapshot{
		ProviderID: id,
		Capacity:   w.capacity,
		MaxRPM:     w.maxRPM,
		InWindow:   len(w.stamps),
		LatencyEMA: w.ema,
	}
	if now.Before(w.backoff) {
		s.BackoffUntil = w.backoff
	}
	return s, nil
}

// rescaleLocked adjusts capacity once per RescaleEvery based on the latency
// average. Capacity stays within [floor, maxRPM].
func (l *Limiter) rescaleLocked(w *window, now time.Time) {
	if now.Sub(w.lastRescale) < l.opts.RescaleEvery {
		return
	}
	w.lastRescale = now
	switch {
	case w.ema == 0:
	case w.ema < l.opts.FastLatency:
		w.capacity = int(math.Ceil(float64(w.capacity) * l.opts.GrowFactor))
	case w.ema > l.opts.SlowLatency:
		w.capacity = int(math.Floor(float64(w.capacity) * l.opts.ShrinkFactor))
	}
	if w.capacity > w.maxRPM {
		w.capacity = w.maxRPM
	}
	if w.capacity < w.floor {
		w.capacity = w.floor
	}
}

func (w *window) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
