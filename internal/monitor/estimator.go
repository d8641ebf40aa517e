package monitor

import (
	"sync"
	"time"

	"qms/dispatch-service/internal/models"
)

const (
	defaultWindow            = 20
	defaultMaxAge            = 60 * time.Minute
	defaultServiceDuration   = 5 * time.Minute
	defaultCriticalThreshold = 30 * time.Minute
	defaultBusyMultiplier    = 3
)

type EstimatorOptions struct {
	// Window is the number of most recent completions averaged per group.
	Window int
	// MaxAge drops completions older than this from the average.
	MaxAge            time.Duration
	DefaultDuration   time.Duration
	CriticalThreshold time.Duration
	BusyMultiplier    int
}

// Sample is one observed service, measured from assignment to completion.
type Sample struct {
	Duration    time.Duration
	CompletedAt time.Time
}

// Estimator keeps a rolling window of service durations per service group.
type Estimator struct {
	mu      sync.Mutex
	opts    EstimatorOptions
	samples map[string][]Sample
	now     func() time.Time
}

func NewEstimator(opts EstimatorOptions) *Estimator {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = defaultServiceDuration
	}
	if opts.CriticalThreshold <= 0 {
		opts.CriticalThreshold = defaultCriticalThreshold
	}
	if opts.BusyMultiplier <= 0 {
		opts.BusyMultiplier = defaultBusyMultiplier
	}
	return &Estimator{
		opts:    opts,
		samples: make(map[string][]Sample),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (e *Estimator) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Estimator) Options() EstimatorOptions {
	return e.opts
}

// Record adds a completed service duration for a group.
func (e *Estimator) Record(serviceGroupID string, duration time.Duration, completedAt time.Time) {
	if duration < 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendLocked(serviceGroupID, Sample{Duration: duration, CompletedAt: completedAt})
}

// Seed loads historical samples, oldest first, e.g. from the journal at startup.
func (e *Estimator) Seed(serviceGroupID string, samples []Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sample := range samples {
		if sample.Duration < 0 {
			continue
		}
		e.appendLocked(serviceGroupID, sample)
	}
}

func (e *Estimator) appendLocked(serviceGroupID string, sample Sample) {
	window := append(e.samples[serviceGroupID], sample)
	if len(window) > e.opts.Window {
		window = append([]Sample(nil), window[len(window)-e.opts.Window:]...)
	}
	e.samples[serviceGroupID] = window
}

// AverageDuration returns the rolling mean for a group and whether it came
// from observed completions. Without recent samples it falls back to the
// group default, then the global default.
func (e *Estimator) AverageDuration(serviceGroupID string, groupDefault time.Duration) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.opts.MaxAge)
	var total time.Duration
	count := 0
	for _, sample := range e.samples[serviceGroupID] {
		if sample.CompletedAt.Before(cutoff) {
			continue
		}
		total += sample.Duration
		count++
	}
	if count > 0 {
		return total / time.Duration(count), true
	}
	if groupDefault > 0 {
		return groupDefault, false
	}
	return e.opts.DefaultDuration, false
}

// Estimate computes queueLength / max(activeCounters, 1) * average duration.
func (e *Estimator) Estimate(serviceGroupID string, queueLength, activeCounters int, groupDefault time.Duration) time.Duration {
	if queueLength <= 0 {
		return 0
	}
	average, _ := e.AverageDuration(serviceGroupID, groupDefault)
	servers := activeCounters
	if servers < 1 {
		servers = 1
	}
	return time.Duration(float64(queueLength) / float64(servers) * float64(average))
}

// Classify maps queue pressure onto a dashboard status.
func (e *Estimator) Classify(queueLength, activeCounters int, estimate time.Duration) string {
	return classify(queueLength, activeCounters, estimate, e.opts.CriticalThreshold, e.opts.BusyMultiplier)
}

func classify(queueLength, activeCounters int, estimate, critical time.Duration, busyMultiplier int) string {
	switch {
	case queueLength == 0:
		return models.QueueEmpty
	case estimate > critical || activeCounters == 0:
		return models.QueueCritical
	case queueLength > activeCounters*busyMultiplier:
		return models.QueueBusy
	default:
		return models.QueueNormal
	}
}
