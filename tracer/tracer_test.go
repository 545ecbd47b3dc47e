package tracer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impalex/icmpenguin/portstrategy"
	"github.com/impalex/icmpenguin/probemgr"
)

func TestSteppedTraceAgainstLoopbackListenerNeverExceedsFirstHop(t *testing.T) {
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

	tr := New(Config{
		Host: "127.0.0.1",
		Kind: probemgr.UDP,
		Strategy: Stepped{
			ProbesPerHop: 3,
			Concurrency:  5,
			MaxHops:      30,
		},
		Port:      portstrategy.Fixed{Port: port},
		Size:      ProbeSize{Mode: SizeStatic, Static: 32},
		TimeoutMS: 1000,
	}, nil)

	var mu sync.Mutex
	var results []Result
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = tr.Trace(ctx, func(hop int, r probemgr.Result) {
		mu.Lock()
		results = append(results, Result{Hop: hop, Result: r})
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, len(results), 3)
	for _, res := range results {
		assert.Equal(t, 1, res.Hop)
		assert.Equal(t, probemgr.ResultSuccess, res.Result.Kind)
	}
}

func TestConcurrentTraceTagsResultsWithCycleIndex(t *testing.T) {
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

	tr := New(Config{
		Host:      "127.0.0.1",
		Kind:      probemgr.UDP,
		Strategy:  Concurrent{Cycles: 2, IntervalMS: 50, MaxHops: 3},
		Port:      portstrategy.Fixed{Port: port},
		Size:      ProbeSize{Mode: SizeStatic, Static: 32},
		TimeoutMS: 1000,
	}, nil)

	var mu sync.Mutex
	var sequences []uint16
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = tr.Trace(ctx, func(hop int, r probemgr.Result) {
		mu.Lock()
		sequences = append(sequences, r.Sequence)
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	// hop 1 always succeeds, so cutoff drops to 1 once its first reply is
	// handled; later results beyond hop 1 are suppressed. Every delivered
	// result carries its cycle index (0 or 1) as the sequence.
	require.GreaterOrEqual(t, len(sequences), 1)
	for _, seq := range sequences {
		assert.True(t, seq == 0 || seq == 1)
	}
}

func TestOverlappingTraceSessionsRejected(t *testing.T) {
	tr := New(Config{
		Host:      "127.0.0.1",
		Kind:      probemgr.UDP,
		Strategy:  Concurrent{Cycles: InfiniteCycles, IntervalMS: 50, MaxHops: 1},
		Port:      portstrategy.Fixed{Port: 1},
		Size:      ProbeSize{Mode: SizeStatic, Static: 32},
		TimeoutMS: 1000,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		close(started)
		_ = tr.Trace(ctx, func(int, probemgr.Result) {})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	err := tr.Trace(context.Background(), func(int, probemgr.Result) {})
	assert.ErrorIs(t, err, ErrAlreadyActive)
	cancel()
}
