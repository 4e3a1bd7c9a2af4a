package media

import (
	"errors"
	"testing"
)

func TestNewPortAllocatorValidation(t *testing.T) {
	if _, err := NewPortAllocator(40001, 40010, testLogger()); err == nil {
		t.Error("odd portMin accepted")
	}
	if _, err := NewPortAllocator(40010, 40010, testLogger()); err == nil {
		t.Error("empty range accepted")
	}
}

func TestPortAllocatorPairs(t *testing.T) {
	a, err := NewPortAllocator(40200, 40211, testLogger())
	if err != nil {
		t.Fatalf("NewPortAllocator: %v", err)
	}
	if a.Capacity() != 6 {
		t.Fatalf("Capacity = %d, want 6", a.Capacity())
	}

	pair, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer a.Release(pair)

	if pair.RTPPort%2 != 0 {
		t.Errorf("RTP port %d is odd", pair.RTPPort)
	}
	if pair.RTCPPort != pair.RTPPort+1 {
		t.Errorf("RTCP port = %d, want %d", pair.RTCPPort, pair.RTPPort+1)
	}
	if pair.RTPConn == nil || pair.RTCPConn == nil {
		t.Fatal("allocated pair has nil sockets")
	}
	if a.AllocatedCount() != 1 {
		t.Errorf("AllocatedCount = %d, want 1", a.AllocatedCount())
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	a, err := NewPortAllocator(40300, 40303, testLogger())
	if err != nil {
		t.Fatalf("NewPortAllocator: %v", err)
	}

	p1, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate 1: %v", err)
	}
	p2, err := a.Allocate()
	if err != nil {
		a.Release(p1)
		t.Fatalf("Allocate 2: %v", err)
	}

	if _, err := a.Allocate(); !errors.Is(err, ErrPortsExhausted) {
		t.Errorf("Allocate on full range = %v, want ErrPortsExhausted", err)
	}

	// Releasing a pair makes its slot available again.
	a.Release(p1)
	p3, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if p3.RTPPort != p1.RTPPort {
		t.Errorf("reallocated port = %d, want %d", p3.RTPPort, p1.RTPPort)
	}

	a.Release(p2)
	a.Release(p3)
	if a.AllocatedCount() != 0 {
		t.Errorf("AllocatedCount after releases = %d, want 0", a.AllocatedCount())
	}
}

func TestPortAllocatorRotation(t *testing.T) {
	a, err := NewPortAllocator(40400, 40407, testLogger())
	if err != nil {
		t.Fatalf("NewPortAllocator: %v", err)
	}

	p1, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Release(p1)

	// The next allocation moves forward rather than reusing the port
	// that was just freed.
	p2, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer a.Release(p2)
	if p2.RTPPort == p1.RTPPort {
		t.Errorf("allocator reused port %d immediately after release", p1.RTPPort)
	}
}
