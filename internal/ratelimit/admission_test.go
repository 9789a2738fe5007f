package ratelimit

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAdmissionLimiterBurst(t *testing.T) {
	l := NewAdmissionLimiter(1, 2, time.Minute)
	now := time.Unix(1700000000, 0)

	if !l.Allow("ip:1.2.3.4", now) || !l.Allow("ip:1.2.3.4", now) {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("ip:1.2.3.4", now) {
		t.Fatal("third attempt in the same instant should be denied")
	}
	if !l.Allow("ip:5.6.7.8", now) {
		t.Fatal("other keys are independent")
	}
	if !l.Allow("ip:1.2.3.4", now.Add(time.Second)) {
		t.Fatal("token should refill after one second")
	}
}

func TestAdmissionLimiterEvictsIdle(t *testing.T) {
	l := NewAdmissionLimiter(100, 100, time.Minute)
	start := time.Unix(1700000000, 0)
	for i := 0; i < 100; i++ {
		l.Allow(fmt.Sprintf("ip:old-%d", i), start)
	}
	later := start.Add(2 * time.Minute)
	for i := 0; i < 412; i++ {
		l.Allow("ip:fresh", later)
	}
	if got := l.size(); got != 1 {
		t.Fatalf("size() = %d, want 1 after idle eviction", got)
	}
}

func TestAdmissionLimiterDisabled(t *testing.T) {
	var l *AdmissionLimiter = NewAdmissionLimiter(0, 0, 0)
	if l != nil {
		t.Fatal("expected nil limiter")
	}
	if !l.Allow("ip:1.2.3.4", time.Now()) {
		t.Fatal("nil limiter allows everything")
	}
}

func TestRemoteKey(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"10.0.0.1:5555", "ip:10.0.0.1"},
		{"[::1]:80", "ip:::1"},
		{"garbage", "ip:garbage"},
		{"", "ip:unknown"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = tt.remote
		if got := RemoteKey(r); got != tt.want {
			t.Errorf("RemoteKey(%q) = %q, want %q", tt.remote, got, tt.want)
		}
	}
}
