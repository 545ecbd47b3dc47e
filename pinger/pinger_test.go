package pinger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impalex/icmpenguin/probemgr"
)

func TestLoopbackPingProducesSequentialSuccesses(t *testing.T) {
	p := New(Config{
		Host:       "127.0.0.1",
		MaxCount:   3,
		IntervalMS: 5,
		TimeoutMS:  1000,
		ProbeSize:  32,
	})

	var results []probemgr.Result
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.Ping(ctx, func(r probemgr.Result) {
		results = append(results, r)
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, probemgr.ResultSuccess, r.Kind)
		assert.Equal(t, uint16(i+1), r.Sequence)
		assert.Equal(t, "127.0.0.1", r.Remote)
		assert.Equal(t, 20, r.Overhead)
	}
}

func TestOverlappingSessionsRejected(t *testing.T) {
	p := New(Config{Host: "127.0.0.1", MaxCount: Infinite, IntervalMS: 50, TimeoutMS: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		close(started)
		_ = p.Ping(ctx, func(probemgr.Result) {})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	err := p.Ping(context.Background(), func(probemgr.Result) {})
	assert.ErrorIs(t, err, ErrAlreadyActive)
	cancel()
}
