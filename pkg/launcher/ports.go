package launcher

import (
	"fmt"
	"net"
	"sync"
)

// portAllocator hands out free localhost ports by asking the kernel
// for an ephemeral one. The listener is closed immediately, so there
// is a small window where another process could grab the port; that
// race surfaces as a spawn failure and a retry with a fresh port.
type portAllocator struct {
	mu    sync.Mutex
	inUse map[int]struct{}
}

func newPortAllocator() *portAllocator {
	return &portAllocator{
		inUse: make(map[int]struct{}),
	}
}

// Allocate reserves a free port on 127.0.0.1.
func (pa *portAllocator) Allocate() (int, error) {
	for attempt := 0; attempt < 10; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, ErrPortAllocationFailed(err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		pa.mu.Lock()
		if _, taken := pa.inUse[port]; taken {
			pa.mu.Unlock()
			continue
		}
		pa.inUse[port] = struct{}{}
		pa.mu.Unlock()
		return port, nil
	}
	return 0, ErrPortAllocationFailed(fmt.Errorf("no free port after 10 attempts"))
}

// Release returns a port to the pool once its process has exited.
func (pa *portAllocator) Release(port int) {
	pa.mu.Lock()
	delete(pa.inUse, port)
	pa.mu.Unlock()
}
