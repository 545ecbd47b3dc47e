// Package mux implements the epoll-based I/O multiplexer that backs the
// probe manager's event loop, together with the low-level socket plumbing
// (creation, socket options, error-queue and data-path receive) a probe
// socket needs. Everything here talks directly to the kernel through
// golang.org/x/sys/unix; it has no notion of probes, sequences, or
// callbacks — that domain logic lives in package probemgr.
package mux

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// maxEvents bounds how many ready descriptors a single EpollWait call
// returns.
const maxEvents = 32

// EventKind classifies a readiness notification returned from Wait.
type EventKind int

const (
	// EventReadable means the descriptor in Event.FD has data (or an
	// error-queue entry) ready to be read.
	EventReadable EventKind = iota
	// EventWakeup means the multiplexer's wake-up descriptor fired; its
	// counter has already been drained by Wait.
	EventWakeup
)

// Event is one readiness notification from Wait.
type Event struct {
	Kind EventKind
	FD   int32
}

// Multiplexer wraps a Linux epoll instance plus an eventfd-backed wake-up
// descriptor that lets any goroutine interrupt a blocked Wait call.
type Multiplexer struct {
	epollFD  int
	wakeupFD int
}

// New creates an epoll instance and its wake-up eventfd, registering the
// eventfd for readability.
func New() (*Multiplexer, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mux: epoll_create1: %w", err)
	}

	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFD)
		return nil, fmt.Errorf("mux: eventfd: %w", err)
	}

	m := &Multiplexer{epollFD: epollFD, wakeupFD: wakeupFD}
	if err := m.addFD(wakeupFD); err != nil {
		unix.Close(wakeupFD)
		unix.Close(epollFD)
		return nil, fmt.Errorf("mux: registering wakeup fd: %w", err)
	}
	return m, nil
}

// Add registers fd for readable / peer-closed events.
func (m *Multiplexer) Add(fd int) error {
	if err := m.addFD(fd); err != nil {
		return fmt.Errorf("mux: epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

func (m *Multiplexer) addFD(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Remove deregisters fd. It is not an error to remove an fd that was
// already closed (and thus implicitly dropped from the epoll set).
func (m *Multiplexer) Remove(fd int) error {
	err := unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("mux: epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// Wakeup interrupts a blocked Wait call from any goroutine.
func (m *Multiplexer) Wakeup() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(m.wakeupFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("mux: eventfd write: %w", err)
	}
	return nil
}

// Wait blocks for up to timeout for readiness on any registered
// descriptor. timeout < 0 means block indefinitely. Wake-up events are
// drained internally and reported as EventWakeup; the caller does not need
// to (and should not) read the wake-up descriptor itself.
func (m *Multiplexer) Wait(timeout time.Duration) ([]Event, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
		if msec < 0 {
			msec = 0
		}
	}

	raw := make([]unix.EpollEvent, maxEvents)
	n, err := unix.EpollWait(m.epollFD, raw, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("mux: epoll_wait: %w", err)
	}

	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := raw[i].Fd
		if int(fd) == m.wakeupFD {
			m.drainWakeup()
			events = append(events, Event{Kind: EventWakeup, FD: fd})
			continue
		}
		events = append(events, Event{Kind: EventReadable, FD: fd})
	}
	return events, nil
}

func (m *Multiplexer) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(m.wakeupFD, buf[:])
		if err != nil {
			return
		}
	}
}

// Close releases the epoll instance and the wake-up eventfd. It does not
// close any probe socket registered with Add.
func (m *Multiplexer) Close() error {
	err1 := unix.Close(m.wakeupFD)
	err2 := unix.Close(m.epollFD)
	if err1 != nil {
		return fmt.Errorf("mux: close wakeup fd: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("mux: close epoll fd: %w", err2)
	}
	return nil
}
