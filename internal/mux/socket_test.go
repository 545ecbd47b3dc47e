package mux

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenConfigureAndSendUDPLoopback(t *testing.T) {
	serverFD, err := OpenProbeSocket(FamilyV4, true)
	require.NoError(t, err)
	defer Close(serverFD)
	require.NoError(t, BindSource(serverFD, FamilyV4, net.ParseIP("127.0.0.1")))

	addr, err := unixGetsockname(serverFD)
	require.NoError(t, err)

	clientFD, err := OpenProbeSocket(FamilyV4, true)
	require.NoError(t, err)
	defer Close(clientFD)
	require.NoError(t, Configure(clientFD, SocketOptions{
		Family:      FamilyV4,
		TTL:         64,
		SendTimeout: time.Second,
	}))

	payload := []byte("probe")
	require.NoError(t, SendTo(clientFD, FamilyV4, net.ParseIP("127.0.0.1"), addr, payload))

	waitReadable(t, serverFD, time.Second)

	msg, err := ReadData(serverFD, FamilyV4, 1024)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, payload, msg.Payload)
}

func TestErrorQueueObservesPortUnreachable(t *testing.T) {
	clientFD, err := OpenProbeSocket(FamilyV4, true)
	require.NoError(t, err)
	defer Close(clientFD)
	require.NoError(t, Configure(clientFD, SocketOptions{Family: FamilyV4, TTL: 64, SendTimeout: time.Second}))

	// Port 1 on loopback is reserved and almost never has a listener, so
	// the kernel is expected to answer with an ICMP port-unreachable that
	// lands on this socket's error queue.
	require.NoError(t, SendTo(clientFD, FamilyV4, net.ParseIP("127.0.0.1"), 1, []byte("x")))

	var ee *ExtendedErr
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ee, err = ReadErrorQueue(clientFD, FamilyV4)
		require.NoError(t, err)
		if ee != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ee == nil {
		t.Skip("no ICMP port-unreachable observed; sandboxed network may suppress it")
	}
	assert.Equal(t, eeOriginICMP, int(ee.Origin))
}
