// Package ratelimit implements a sliding-window rate limiter keyed by an
// arbitrary string (device id, user id, IP). Unlike golang.org/x/time/rate's
// token bucket, which smooths a rate over time, this counts discrete
// attempts within a trailing window per key — the shape spec.md's pairing,
// auth, message, typing, and oversize limits require. No ecosystem library
// in the example corpus implements this; see DESIGN.md for why
// golang.org/x/time/rate was ruled out.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces "at most Max attempts per Window" per key.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
}

// New builds a limiter allowing up to max attempts within window per key.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
	}
}

// Allow reports whether key may make another attempt right now, and records
// the attempt if so.
func (l *Limiter) Allow(key string) bool {
	return l.AllowAt(key, time.Now())
}

// AllowAt is Allow with an explicit clock, for deterministic tests.
func (l *Limiter) AllowAt(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	existing := l.hits[key]
	kept := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.hits[key] = kept
		return false
	}

	kept = append(kept, now)
	l.hits[key] = kept
	return true
}

// Reset clears all recorded attempts for key, so that key can retry
// immediately.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, key)
}

// Prune drops keys with no attempts inside the current window, bounding
// memory for a long-lived limiter with many transient keys.
func (l *Limiter) Prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	for key, times := range l.hits {
		anyRecent := false
		for _, t := range times {
			if t.After(cutoff) {
				anyRecent = true
				break
			}
		}
		if !anyRecent {
			delete(l.hits, key)
		}
	}
}
