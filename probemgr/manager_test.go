package probemgr

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInertManagerOnUnparseableDestination(t *testing.T) {
	m := New("not-an-ip", "", nil)
	assert.ErrorIs(t, m.Start(), ErrManagerInert)

	var got Result
	var mu sync.Mutex
	done := make(chan struct{}, 1)
	m2 := New("not-an-ip", "", func(id uint64, r Result) {
		mu.Lock()
		got = r
		mu.Unlock()
		done <- struct{}{}
	})
	status := m2.SendProbe(Request{ID: 1, Sequence: 1})
	assert.Equal(t, Fatal, status)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback not invoked for inert manager")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ResultUnknown, got.Kind)
}

func TestUDPProbeAgainstLoopbackListenerSucceeds(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	go func() {
		buf := make([]byte, 256)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteTo(buf[:n], addr)
		}
	}()

	results := make(chan Result, 1)
	m := New("127.0.0.1", "", func(id uint64, r Result) {
		results <- r
	})
	require.NoError(t, m.Start())
	defer m.Stop()

	status := m.SendProbe(Request{
		Kind:      UDP,
		DestPort:  port,
		ID:        42,
		Sequence:  7,
		TimeoutMS: 2000,
		Size:      16,
	})
	require.Equal(t, Queued, status)

	select {
	case r := <-results:
		assert.Equal(t, ResultSuccess, r.Kind)
		assert.Equal(t, uint16(7), r.Sequence)
		assert.Equal(t, "127.0.0.1", r.Remote)
		assert.Equal(t, 16, r.ProbeSize)
		assert.GreaterOrEqual(t, r.ElapsedUsec, int64(0))
	case <-time.After(3 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestUDPProbeTimesOutWithNoListener(t *testing.T) {
	// Port 1 on loopback with nothing bound locally should
	// produce either a Timeout or a NetError depending on whether the
	// sandbox's loopback answers with an ICMP unreachable; both are valid
	// "no successful reply" terminal outcomes.
	results := make(chan Result, 1)
	m := New("127.0.0.1", "", func(id uint64, r Result) {
		results <- r
	})
	require.NoError(t, m.Start())
	defer m.Stop()

	status := m.SendProbe(Request{
		Kind:      UDP,
		DestPort:  1,
		ID:        1,
		Sequence:  1,
		TimeoutMS: 300,
		Size:      8,
	})
	require.Equal(t, Queued, status)

	select {
	case r := <-results:
		assert.NotEqual(t, ResultSuccess, r.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestIdentIsStableAcrossCalls(t *testing.T) {
	m := New("127.0.0.1", "", nil)
	id1 := m.Ident()
	id2 := m.Ident()
	assert.Equal(t, id1, id2)
}

func TestPendingCountTracksInFlightProbes(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	done := make(chan struct{}, 1)
	m := New("127.0.0.1", "", func(id uint64, r Result) { done <- struct{}{} })
	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Equal(t, 0, m.PendingCount())
	m.SendProbe(Request{Kind: UDP, DestPort: port, ID: 1, TimeoutMS: 2000, Size: 8})

	assert.Eventually(t, func() bool { return m.PendingCount() == 1 || len(done) == 1 }, time.Second, 10*time.Millisecond)
	<-done
	assert.Eventually(t, func() bool { return m.PendingCount() == 0 }, time.Second, 10*time.Millisecond)
}
