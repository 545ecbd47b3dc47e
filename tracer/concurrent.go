package tracer

import (
	"context"
	"time"

	"github.com/impalex/icmpenguin/probemgr"
)

func (t *Tracer) runConcurrent(ctx context.Context, mgr *probemgr.ProbeManager, s Concurrent) error {
	for cycle := 0; s.Cycles == InfiniteCycles || cycle < s.Cycles; cycle++ {
		seq := uint16(cycle)
		for hop := 1; hop <= s.MaxHops; hop++ {
			t.submit(mgr, hop, seq)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(s.IntervalMS) * time.Millisecond):
		}
	}
	return nil
}
