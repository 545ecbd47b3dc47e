package tracer

import (
	"context"
	"math"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/impalex/icmpenguin/internal/logx"
	"github.com/impalex/icmpenguin/internal/mtucache"
	"github.com/impalex/icmpenguin/internal/route"
	"github.com/impalex/icmpenguin/probemgr"
)

// mtuDiscoveryCeiling is the near-jumbo-frame starting size used when
// Config.Host is not an IP literal, so no route MTU lookup is made.
// route.MTUFor itself never fails: it falls back to a 1500-byte default.
const mtuDiscoveryCeiling = 65487

// concurrencyPollInterval is how often the Stepped strategy rechecks the
// manager's in-flight queue once it is full.
const concurrencyPollInterval = 100 * time.Millisecond

// Tracer drives a probemgr.ProbeManager through one of two TTL-limited
// probing strategies. Shared state (cutoff, size, active) is scalar and
// updated only through atomic operations, never under a mutex, per the
// concurrency model this package follows.
type Tracer struct {
	cfg Config

	cutoff int64 // smallest hop confirmed terminal; math.MaxInt64 means "none yet"
	size   int64
	active int32

	cache *mtucache.Cache
}

// New constructs a Tracer, filling unset Config fields with spec defaults.
// cache is optional; when non-nil it seeds and updates a cross-session
// remembered probe size for Config.Host under MTU discovery.
func New(cfg Config, cache *mtucache.Cache) *Tracer {
	return &Tracer{cfg: cfg.withDefaults(), cache: cache}
}

// Trace runs one session, invoking cb once per in-window probe outcome
// with its hop index attached. It blocks until the strategy completes (or
// is canceled via ctx) and the manager's in-flight queue has drained. Only
// one session may be active on a given Tracer at a time.
func (t *Tracer) Trace(ctx context.Context, cb func(hop int, r probemgr.Result)) error {
	if !atomic.CompareAndSwapInt32(&t.active, 0, 1) {
		return ErrAlreadyActive
	}
	defer atomic.StoreInt32(&t.active, 0)

	atomic.StoreInt64(&t.cutoff, math.MaxInt64)
	atomic.StoreInt64(&t.size, int64(t.initialSize()))

	var mgr *probemgr.ProbeManager
	mgr = probemgr.New(t.cfg.Host, t.cfg.SourceIP, func(id uint64, r probemgr.Result) {
		hop, seq := decodeID(id)
		t.onResult(mgr, hop, seq, r, cb)
	})
	if err := mgr.Start(); err != nil {
		return err
	}
	defer drainAndStop(mgr)

	switch s := t.cfg.Strategy.(type) {
	case Stepped:
		return t.runStepped(ctx, mgr, s)
	case Concurrent:
		return t.runConcurrent(ctx, mgr, s)
	default:
		return nil
	}
}

func (t *Tracer) initialSize() int {
	if t.cfg.Size.Mode == SizeStatic {
		return t.cfg.Size.Static
	}

	if t.cache != nil {
		if cached, ok := t.cache.Get(t.cfg.Host); ok {
			return cached
		}
	}

	if ip := net.ParseIP(t.cfg.Host); ip != nil {
		if mtu, err := route.MTUFor(ip); err == nil && mtu > 0 {
			return mtu
		}
	}
	return mtuDiscoveryCeiling
}

func (t *Tracer) onResult(mgr *probemgr.ProbeManager, hop int, seq uint16, r probemgr.Result, cb func(int, probemgr.Result)) {
	t.shrinkSizeIfSmaller(r.ProbeSize)

	if t.cfg.Size.Mode == SizeMTUDiscovery && r.Kind == probemgr.ResultNetError && r.ErrNo == int(unix.EMSGSIZE) {
		newSize := int(r.ErrInfo) - r.Overhead
		if newSize < 1 {
			newSize = 1
		}
		t.shrinkSizeIfSmaller(newSize)
		logx.Debugf("tracer: hop %d got EMSGSIZE, shrinking probe size to %d and retrying", hop, newSize)
		t.deliverIfInWindow(hop, r, cb)
		t.resubmit(mgr, hop, seq)
		return
	}

	if t.cfg.Size.Mode == SizeMTUDiscovery && r.Kind == probemgr.ResultSuccess && t.cache != nil {
		t.cache.Remember(t.cfg.Host, r.ProbeSize)
	}

	t.updateCutoff(hop, r)
	t.deliverIfInWindow(hop, r, cb)
}

func (t *Tracer) shrinkSizeIfSmaller(candidate int) {
	if candidate <= 0 {
		return
	}
	for {
		old := atomic.LoadInt64(&t.size)
		if int64(candidate) >= old {
			return
		}
		if atomic.CompareAndSwapInt64(&t.size, old, int64(candidate)) {
			return
		}
	}
}

func (t *Tracer) updateCutoff(hop int, r probemgr.Result) {
	if r.Kind != probemgr.ResultSuccess && r.Kind != probemgr.ResultConnectionRefused {
		return
	}
	for {
		old := atomic.LoadInt64(&t.cutoff)
		if int64(hop) >= old {
			return
		}
		if atomic.CompareAndSwapInt64(&t.cutoff, old, int64(hop)) {
			logx.Tracef("tracer: cutoff lowered to hop %d", hop)
			return
		}
	}
}

func (t *Tracer) deliverIfInWindow(hop int, r probemgr.Result, cb func(int, probemgr.Result)) {
	if int64(hop) <= atomic.LoadInt64(&t.cutoff) {
		cb(hop, r)
	}
}

func (t *Tracer) resubmit(mgr *probemgr.ProbeManager, hop int, seq uint16) {
	size := int(atomic.LoadInt64(&t.size))
	port := 0
	if t.cfg.Kind == probemgr.UDP {
		port = t.cfg.Port.Resolve(hop)
	}
	mgr.SendProbe(probemgr.Request{
		Kind:         t.cfg.Kind,
		DestPort:     port,
		ID:           encodeID(hop, seq),
		Sequence:     seq,
		TTL:          hop,
		TimeoutMS:    t.cfg.TimeoutMS,
		Size:         size,
		Pattern:      t.cfg.Pattern,
		MTUDiscovery: true,
	})
}

func (t *Tracer) submit(mgr *probemgr.ProbeManager, hop int, seq uint16) {
	size := int(atomic.LoadInt64(&t.size))
	port := 0
	if t.cfg.Kind == probemgr.UDP {
		port = t.cfg.Port.Resolve(hop)
	}
	mgr.SendProbe(probemgr.Request{
		Kind:         t.cfg.Kind,
		DestPort:     port,
		ID:           encodeID(hop, seq),
		Sequence:     seq,
		TTL:          hop,
		TimeoutMS:    t.cfg.TimeoutMS,
		Size:         size,
		Pattern:      t.cfg.Pattern,
		MTUDiscovery: t.cfg.Size.Mode == SizeMTUDiscovery,
	})
}

func drainAndStop(mgr *probemgr.ProbeManager) {
	for mgr.PendingCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	mgr.Stop()
}
