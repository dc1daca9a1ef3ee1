package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowIsPerKey(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	if !l.Allow("9", now) {
		t.Fatal("first token for key denied")
	}
	if l.Allow("9", now) {
		t.Fatal("second token for exhausted key allowed")
	}
	if !l.Allow("24133", now) {
		t.Fatal("fresh key throttled by another key's bucket")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(10, 1, time.Minute)
	now := time.Now()

	if !l.Allow("9", now) {
		t.Fatal("first token denied")
	}
	if l.Allow("9", now) {
		t.Fatal("bucket did not empty")
	}
	if !l.Allow("9", now.Add(200*time.Millisecond)) {
		t.Fatal("bucket did not refill at 10 rps")
	}
}

func TestNilAndBlankInputsAllow(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("9", time.Now()) {
		t.Fatal("nil limiter denied")
	}
	if New(0, 1, 0) != nil {
		t.Fatal("invalid rps did not return nil")
	}
	if !New(1, 1, 0).Allow("  ", time.Now()) {
		t.Fatal("blank key denied")
	}
}
