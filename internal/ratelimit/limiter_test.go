package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinWindow(t *testing.T) {
	t.Parallel()
	l := New(3, time.Minute)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !l.AllowAt("device-1", base) {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
	if l.AllowAt("device-1", base) {
		t.Fatalf("4th attempt within the window should be rejected")
	}
}

func TestAllowSlidesWithTime(t *testing.T) {
	t.Parallel()
	l := New(2, time.Minute)
	base := time.Unix(1_700_000_000, 0)

	if !l.AllowAt("device-1", base) {
		t.Fatalf("1st attempt should be allowed")
	}
	if !l.AllowAt("device-1", base.Add(30*time.Second)) {
		t.Fatalf("2nd attempt should be allowed")
	}
	if l.AllowAt("device-1", base.Add(59*time.Second)) {
		t.Fatalf("3rd attempt inside the window should be rejected")
	}
	if !l.AllowAt("device-1", base.Add(61*time.Second)) {
		t.Fatalf("attempt after the 1st expires out of the window should be allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()
	l := New(1, time.Minute)
	base := time.Unix(1_700_000_000, 0)

	if !l.AllowAt("a", base) {
		t.Fatalf("key a should be allowed")
	}
	if !l.AllowAt("b", base) {
		t.Fatalf("key b should be independently allowed")
	}
	if l.AllowAt("a", base) {
		t.Fatalf("key a should now be rate limited")
	}
}

func TestResetClearsKey(t *testing.T) {
	t.Parallel()
	l := New(1, time.Minute)
	base := time.Unix(1_700_000_000, 0)

	if !l.AllowAt("a", base) {
		t.Fatalf("first attempt should be allowed")
	}
	l.Reset("a")
	if !l.AllowAt("a", base) {
		t.Fatalf("attempt after reset should be allowed again")
	}
}

func TestPruneDropsStaleKeys(t *testing.T) {
	t.Parallel()
	l := New(1, time.Minute)
	base := time.Unix(1_700_000_000, 0)

	l.AllowAt("a", base)
	l.Prune(base.Add(2 * time.Minute))

	l.mu.Lock()
	_, exists := l.hits["a"]
	l.mu.Unlock()
	if exists {
		t.Fatalf("expected stale key to be pruned")
	}
}
