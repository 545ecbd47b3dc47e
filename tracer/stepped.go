package tracer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/impalex/icmpenguin/probemgr"
)

func (t *Tracer) runStepped(ctx context.Context, mgr *probemgr.ProbeManager, s Stepped) error {
	concurrency := s.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	probesPerHop := s.ProbesPerHop
	if probesPerHop < 1 {
		probesPerHop = 1
	}

	probeCounter := 0
	for {
		hop := probeCounter/probesPerHop + 1
		limit := s.MaxHops
		if cutoff := atomic.LoadInt64(&t.cutoff); cutoff < int64(limit) {
			limit = int(cutoff)
		}
		if hop > limit {
			return nil
		}

		if err := t.waitForConcurrencySlot(ctx, mgr, concurrency); err != nil {
			return err
		}

		seq := uint16(probeCounter)
		t.submit(mgr, hop, seq)
		probeCounter++

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (t *Tracer) waitForConcurrencySlot(ctx context.Context, mgr *probemgr.ProbeManager, concurrency int) error {
	for mgr.PendingCount() > concurrency {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(concurrencyPollInterval):
		}
	}
	return nil
}
