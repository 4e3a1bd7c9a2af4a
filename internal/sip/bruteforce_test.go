package sip

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func testGuard(cfg GuardConfig) *BruteForceGuard {
	return NewBruteForceGuard(cfg, slog.Default())
}

func TestGuardBlocksAfterThreshold(t *testing.T) {
	g := testGuard(GuardConfig{Window: time.Minute, Threshold: 3, BlockFor: time.Hour})

	source := "203.0.113.5:5060"
	for i := 0; i < 2; i++ {
		g.RecordFailure(source)
		if g.IsBlocked(source) {
			t.Fatalf("blocked after %d failures, threshold is 3", i+1)
		}
	}

	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("not blocked after reaching threshold")
	}

	// The block applies to the IP, not the port.
	if !g.IsBlocked("203.0.113.5:9999") {
		t.Fatal("block should cover all ports of the source IP")
	}
	if g.IsBlocked("203.0.113.6:5060") {
		t.Fatal("different IP should not be blocked")
	}
}

func TestGuardWindowExpiry(t *testing.T) {
	g := testGuard(GuardConfig{Window: 20 * time.Millisecond, Threshold: 3, BlockFor: time.Hour})

	source := "203.0.113.5:5060"
	g.RecordFailure(source)
	g.RecordFailure(source)

	// Let the first failures age out of the window.
	time.Sleep(30 * time.Millisecond)

	g.RecordFailure(source)
	if g.IsBlocked(source) {
		t.Fatal("stale failures should not count toward the threshold")
	}
}

func TestGuardBlockExpiresAndDoubles(t *testing.T) {
	g := testGuard(GuardConfig{Window: time.Minute, Threshold: 1, BlockFor: 20 * time.Millisecond})

	source := "203.0.113.5:5060"
	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("expected block after first failure with threshold 1")
	}

	time.Sleep(30 * time.Millisecond)
	if g.IsBlocked(source) {
		t.Fatal("block should have expired")
	}

	// The second offence serves a doubled block.
	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("expected block after repeat offence")
	}
	time.Sleep(30 * time.Millisecond)
	if !g.IsBlocked(source) {
		t.Fatal("doubled block should still be active")
	}
	time.Sleep(20 * time.Millisecond)
	if g.IsBlocked(source) {
		t.Fatal("doubled block should have expired by now")
	}
}

func TestGuardRecordSuccessClearsFailures(t *testing.T) {
	g := testGuard(GuardConfig{Window: time.Minute, Threshold: 3, BlockFor: time.Hour})

	source := "203.0.113.5:5060"
	g.RecordFailure(source)
	g.RecordFailure(source)
	g.RecordSuccess(source)
	g.RecordFailure(source)
	g.RecordFailure(source)

	if g.IsBlocked(source) {
		t.Fatal("success should have reset the failure count")
	}
}

func TestGuardUnblockIP(t *testing.T) {
	g := testGuard(GuardConfig{Window: time.Minute, Threshold: 1, BlockFor: time.Hour})

	g.RecordFailure("203.0.113.5:5060")
	if !g.IsBlocked("203.0.113.5:5060") {
		t.Fatal("expected block")
	}

	if !g.UnblockIP("203.0.113.5") {
		t.Fatal("UnblockIP should report the IP was blocked")
	}
	if g.IsBlocked("203.0.113.5:5060") {
		t.Fatal("IP should be unblocked")
	}
	if g.UnblockIP("203.0.113.5") {
		t.Fatal("UnblockIP on an unblocked IP should report false")
	}
}

func TestGuardBlockedIPs(t *testing.T) {
	g := testGuard(GuardConfig{Window: time.Minute, Threshold: 1, BlockFor: time.Hour})

	g.RecordFailure("203.0.113.5:5060")
	g.RecordFailure("203.0.113.6:5060")

	entries := g.BlockedIPs()
	if len(entries) != 2 {
		t.Fatalf("got %d blocked entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ExpiresAt.Sub(e.BlockedAt) != time.Hour {
			t.Errorf("entry %s expiry span = %s, want 1h", e.IP, e.ExpiresAt.Sub(e.BlockedAt))
		}
	}
}

func TestGuardCleanup(t *testing.T) {
	g := testGuard(GuardConfig{Window: 10 * time.Millisecond, Threshold: 2, BlockFor: 10 * time.Millisecond})

	g.RecordFailure("203.0.113.5:5060") // single stale failure
	g.RecordFailure("203.0.113.6:5060")
	g.RecordFailure("203.0.113.6:5060") // blocked

	time.Sleep(20 * time.Millisecond)
	g.Cleanup()

	g.mu.Lock()
	n := len(g.records)
	g.mu.Unlock()
	if n != 0 {
		t.Fatalf("cleanup left %d records, want 0", n)
	}
}

func TestGuardManySources(t *testing.T) {
	g := testGuard(GuardConfig{Window: time.Minute, Threshold: 3, BlockFor: time.Hour})

	for i := 0; i < 50; i++ {
		source := fmt.Sprintf("203.0.113.%d:5060", i)
		g.RecordFailure(source)
		g.RecordFailure(source)
	}
	for i := 0; i < 50; i++ {
		if g.IsBlocked(fmt.Sprintf("203.0.113.%d:5060", i)) {
			t.Fatalf("source %d blocked below threshold", i)
		}
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.5:5060", "203.0.113.5"},
		{"203.0.113.5", "203.0.113.5"},
		{"[2001:db8::1]:5060", "2001:db8::1"},
		{"", ""},
		{"not-an-ip", ""},
	}
	for _, tt := range tests {
		if got := extractIP(tt.in); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
