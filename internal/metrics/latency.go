// Package metrics holds the model server's Prometheus collectors and the
// client's per-provider round-trip tracker.
package metrics

import (
	"sync"
	"time"
)

type ProviderLatency struct {
	// EWMA of RTT in milliseconds.
	EWMAms float64

	OK    uint64
	Error uint64

	LastRTT time.Duration
	LastAt  time.Time
}

// LatencyTracker keeps one smoothed RTT per provider index.
type LatencyTracker struct {
	mu        sync.RWMutex
	alpha     float64
	providers map[int]*ProviderLatency
}

// NewLatencyTracker creates a tracker with EWMA smoothing factor alpha.
// Typical alpha: 0.1..0.3 (higher reacts faster).
func NewLatencyTracker(alpha float64) *LatencyTracker {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.2
	}
	return &LatencyTracker{
		alpha:     alpha,
		providers: map[int]*ProviderLatency{},
	}
}

// Observe records one call against provider. A nil tracker ignores it.
func (t *LatencyTracker) Observe(provider int, rtt time.Duration, err error) {
	if t == nil {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.providers[provider]
	if p == nil {
		p = &ProviderLatency{}
		t.providers[provider] = p
	}

	ms := float64(rtt) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	if p.OK+p.Error == 0 {
		p.EWMAms = ms
	} else {
		p.EWMAms = t.alpha*ms + (1.0-t.alpha)*p.EWMAms
	}

	p.LastRTT = rtt
	p.LastAt = now
	if err == nil {
		p.OK++
	} else {
		p.Error++
	}
}

func (t *LatencyTracker) Get(provider int) (ProviderLatency, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p := t.providers[provider]
	if p == nil {
		return ProviderLatency{}, false
	}
	return *p, true
}

func (t *LatencyTracker) Snapshot() map[int]ProviderLatency {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[int]ProviderLatency, len(t.providers))
	for k, v := range t.providers {
		out[k] = *v
	}
	return out
}
