package cache

import (
	"sync"
	"time"
)

const DefaultRecorderCapacity = 1000

// Metric is a single cache observation.
type Metric struct {
	Endpoint  string        `json:"endpoint"`
	Key       string        `json:"key"`
	Hit       bool          `json:"hit"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

type HealthReport struct {
	Status       HealthStatus `json:"status"`
	HitRate      float64      `json:"hit_rate"`
	AvgLatencyMs float64      `json:"avg_latency_ms"`
	Samples      int          `json:"samples"`
	Window       string       `json:"window"`
}

// Recorder keeps the most recent cache observations in a fixed-size ring buffer.
// Once full, each new observation overwrites the oldest one.
type Recorder struct {
	mu   sync.Mutex
	buf  []Metric
	next int
	size int
	now  func() time.Time
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	return &Recorder{
		buf: make([]Metric, capacity),
		now: time.Now,
	}
}

func (r *Recorder) Record(endpoint, key string, hit bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = Metric{
		Endpoint:  endpoint,
		Key:       key,
		Hit:       hit,
		Latency:   latency,
		Timestamp: r.now(),
	}
	r.next = (r.next + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// HitRate returns the hit percentage for endpoint over the trailing window.
// An empty endpoint matches every observation. No data yields 0.
func (r *Recorder) HitRate(endpoint string, window time.Duration) float64 {
	var hits, total int
	r.each(endpoint, window, func(m Metric) {
		total++
		if m.Hit {
			hits++
		}
	})
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// AverageLatency returns the mean latency in milliseconds over the trailing window.
func (r *Recorder) AverageLatency(endpoint string, window time.Duration) float64 {
	var sum time.Duration
	var total int
	r.each(endpoint, window, func(m Metric) {
		total++
		sum += m.Latency
	})
	if total == 0 {
		return 0
	}
	return float64(sum) / float64(total) / float64(time.Millisecond)
}

// Health classifies cache behaviour over the window. A window without observations
// is healthy.
func (r *Recorder) Health(window time.Duration) HealthReport {
	var hits, total int
	var sum time.Duration
	r.each("", window, func(m Metric) {
		total++
		sum += m.Latency
		if m.Hit {
			hits++
		}
	})

	report := HealthReport{Status: HealthHealthy, Samples: total, Window: window.String()}
	if total == 0 {
		return report
	}

	report.HitRate = float64(hits) / float64(total) * 100
	report.AvgLatencyMs = float64(sum) / float64(total) / float64(time.Millisecond)

	switch {
	case report.HitRate < 50 || report.AvgLatencyMs > 1000:
		report.Status = HealthCritical
	case report.HitRate < 70 || report.AvgLatencyMs > 500:
		report.Status = HealthWarning
	}
	return report
}

// Recent returns up to limit observations, newest first.
func (r *Recorder) Recent(limit int) []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]Metric, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.next = 0
	r.size = 0
}

func (r *Recorder) each(endpoint string, window time.Duration, fn func(Metric)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-window)
	for i := 0; i < r.size; i++ {
		m := r.buf[i]
		if m.Timestamp.Before(cutoff) {
			continue
		}
		if endpoint != "" && m.Endpoint != endpoint {
			continue
		}
		fn(m)
	}
}
