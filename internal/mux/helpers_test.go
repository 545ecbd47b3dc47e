package mux

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// unixGetsockname returns the bound port of a v4 datagram socket, letting
// tests bind to an ephemeral port and discover what the kernel chose.
func unixGetsockname(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port, nil
	}
	if in6, ok := sa.(*unix.SockaddrInet6); ok {
		return in6.Port, nil
	}
	return 0, nil
}

func waitReadable(t *testing.T, fd int, timeout time.Duration) {
	t.Helper()
	m, err := New()
	if err != nil {
		t.Fatalf("mux.New: %v", err)
	}
	defer m.Close()
	if err := m.Add(fd); err != nil {
		t.Fatalf("mux.Add: %v", err)
	}
	events, err := m.Wait(timeout)
	if err != nil {
		t.Fatalf("mux.Wait: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("fd %d did not become readable within %s", fd, timeout)
	}
}
