package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"sitesync/internal/domain"
)

// Thresholds map probe latency onto a quality classification.
type Thresholds struct {
	Poor      time.Duration
	Excellent time.Duration
}

// Monitor samples connectivity and classifies it into a quality level. It
// only observes; retry and backoff decisions live with the executor.
type Monitor struct {
	Probe      func(ctx context.Context) (time.Duration, error)
	Interval   time.Duration
	Thresholds Thresholds

	mu       sync.RWMutex
	quality  string
	handlers []func(Change)
}

// Change describes a classification transition.
type Change struct {
	From string
	To   string
}

// New builds a monitor probing the given health URL.
func New(healthURL string, timeout, interval time.Duration, th Thresholds) *Monitor {
	client := &http.Client{Timeout: timeout}
	return &Monitor{
		Probe: func(ctx context.Context) (time.Duration, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
			if err != nil {
				return 0, err
			}
			start := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				return 0, err
			}
			resp.Body.Close()
			return time.Since(start), nil
		},
		Interval:   interval,
		Thresholds: th,
		quality:    domain.QualityOffline,
	}
}

// Current returns the latest classification. Safe to call concurrently with
// sampling; executors use it as a precondition read.
func (m *Monitor) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

// Online reports whether the current classification is non-offline.
func (m *Monitor) Online() bool {
	return m.Current() != domain.QualityOffline
}

// Notify registers a handler invoked on classification changes only. Repeat
// samples with the same quality are debounced.
func (m *Monitor) Notify(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Sample probes once and updates the classification, firing handlers when it
// changed.
func (m *Monitor) Sample(ctx context.Context) string {
	latency, err := m.Probe(ctx)
	quality := m.classify(latency, err)

	m.mu.Lock()
	prev := m.quality
	m.quality = quality
	var handlers []func(Change)
	if quality != prev {
		handlers = append(handlers, m.handlers...)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(Change{From: prev, To: quality})
	}
	return quality
}

// Start samples on the configured interval until ctx is canceled. The first
// sample runs immediately so callers start from a real reading.
func (m *Monitor) Start(ctx context.Context) {
	m.Sample(ctx)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

func (m *Monitor) classify(latency time.Duration, err error) string {
	if err != nil {
		return domain.QualityOffline
	}
	switch {
	case latency > m.Thresholds.Poor:
		return domain.QualityPoor
	case latency > m.Thresholds.Excellent:
		return domain.QualityGood
	default:
		return domain.QualityExcellent
	}
}
