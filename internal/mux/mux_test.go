package mux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWaitTimesOutWithNoEvents(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Close()

	start := time.Now()
	events, err := m.Wait(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestWakeupInterruptsWait(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Close()

	done := make(chan []Event, 1)
	go func() {
		events, _ := m.Wait(5 * time.Second)
		done <- events
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Wakeup())

	select {
	case events := <-done:
		require.Len(t, events, 1)
		assert.Equal(t, EventWakeup, events[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Wakeup")
	}
}

func TestAddReportsReadableSocket(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, m.Add(fds[0]))
	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	events, err := m.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventReadable, events[0].Kind)
	assert.Equal(t, int32(fds[0]), events[0].FD)
}

func TestRemoveStopsReporting(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, m.Add(fds[0]))
	require.NoError(t, m.Remove(fds[0]))

	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	events, err := m.Wait(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}
