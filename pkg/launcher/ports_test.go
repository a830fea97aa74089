package launcher

import (
	"fmt"
	"net"
	"testing"
)

func TestPortAllocator(t *testing.T) {
	pa := newPortAllocator()

	port, err := pa.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port == 0 {
		t.Fatal("Allocate returned port 0")
	}

	// The returned port is actually bindable.
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("Allocated port not bindable: %v", err)
	}
	l.Close()
}

func TestPortAllocatorNoDuplicates(t *testing.T) {
	pa := newPortAllocator()
	seen := make(map[int]bool)

	for i := 0; i < 50; i++ {
		port, err := pa.Allocate()
		if err != nil {
			t.Fatalf("Allocate failed on iteration %d: %v", i, err)
		}
		if seen[port] {
			t.Fatalf("Port %d allocated twice", port)
		}
		seen[port] = true
	}
}

func TestPortAllocatorRelease(t *testing.T) {
	pa := newPortAllocator()

	port, err := pa.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	pa.Release(port)

	if _, taken := pa.inUse[port]; taken {
		t.Error("Released port still tracked as in use")
	}

	// Releasing an untracked port is harmless.
	pa.Release(99999)
}
