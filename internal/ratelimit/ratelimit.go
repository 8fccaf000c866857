// Package ratelimit throttles scan submissions per supervisor.
package ratelimit

import (
	"sync"
	"time"
)

// ScanLimiter admits at most burst requests per actor inside a trailing
// window. State is in-memory only; a restart resets all limits.
type ScanLimiter struct {
	window time.Duration
	burst  int

	mu     sync.Mutex
	actors map[string][]time.Time

	stopCh chan struct{}
}

// NewScanLimiter creates a limiter and starts a background sweep that drops
// idle actor entries every gcInterval to bound memory.
func NewScanLimiter(burst int, window, gcInterval time.Duration) *ScanLimiter {
	if burst <= 0 {
		burst = 5
	}
	if window <= 0 {
		window = time.Second
	}
	l := &ScanLimiter{
		window: window,
		burst:  burst,
		actors: make(map[string][]time.Time),
		stopCh: make(chan struct{}),
	}
	if gcInterval > 0 {
		go l.gcLoop(gcInterval)
	}
	return l
}

// Admit records and admits the request if the actor has made fewer than
// burst requests inside the trailing window; otherwise it rejects without
// recording, so a rejected burst does not extend the penalty.
func (l *ScanLimiter) Admit(actorID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	recent := l.actors[actorID][:0]
	for _, t := range l.actors[actorID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.burst {
		l.actors[actorID] = recent
		return false
	}
	l.actors[actorID] = append(recent, now)
	return true
}

// Stop terminates the sweep goroutine.
func (l *ScanLimiter) Stop() {
	close(l.stopCh)
}

func (l *ScanLimiter) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *ScanLimiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	for actor, times := range l.actors {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.actors, actor)
		}
	}
}
