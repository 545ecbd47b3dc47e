package simpletracer

import (
	"context"
	"math"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/impalex/icmpenguin/internal/packet"
	"github.com/impalex/icmpenguin/probemgr"
	"github.com/impalex/icmpenguin/tracer"
)

// hopState is the mutable per-hop accumulator; HopStatus is the immutable
// snapshot handed to the caller.
type hopState struct {
	num       int
	ips       map[string]struct{}
	responses []Response
}

func (h *hopState) snapshot(isLast bool) HopStatus {
	ips := make([]string, 0, len(h.ips))
	for ip := range h.ips {
		ips = append(ips, ip)
	}
	responses := make([]Response, len(h.responses))
	copy(responses, h.responses)
	return HopStatus{Num: h.num, IPs: ips, Responses: responses, IsLast: isLast}
}

// SimpleTracer aggregates a Stepped tracer.Tracer's per-probe outcomes
// into a HopStatus per hop, delivering callbacks to the caller in strict
// order via a single-permit semaphore.
type SimpleTracer struct {
	cfg         Config
	inner       *tracer.Tracer
	destination string

	sem *semaphore.Weighted

	mu     sync.Mutex
	hops   map[int]*hopState
	cutoff int
}

// New constructs a SimpleTracer, filling unset Config fields with spec §6
// defaults and configuring the underlying Tracer as Stepped.
func New(cfg Config) *SimpleTracer {
	cfg = cfg.withDefaults()

	destination := cfg.Host
	if ip, _, err := packet.ParseAddress(cfg.Host); err == nil {
		destination = packet.FormatAddress(ip)
	}

	inner := tracer.New(tracer.Config{
		Host:      cfg.Host,
		SourceIP:  cfg.SourceIP,
		Kind:      cfg.ProbeType,
		Strategy:  tracer.Stepped{ProbesPerHop: cfg.ProbesPerHop, Concurrency: cfg.Concurrency, MaxHops: cfg.MaxHops},
		Port:      cfg.PortStrategy,
		Size:      cfg.ProbeSize,
		TimeoutMS: cfg.TimeoutMS,
	}, cfg.Cache)

	return &SimpleTracer{
		cfg:         cfg,
		inner:       inner,
		destination: destination,
		sem:         semaphore.NewWeighted(1),
		hops:        make(map[int]*hopState),
		cutoff:      math.MaxInt,
	}
}

// Trace runs one traceroute session, invoking cb with the updated
// HopStatus after every probe outcome that survives the cutoff window.
func (s *SimpleTracer) Trace(ctx context.Context, cb func(HopStatus)) error {
	return s.inner.Trace(ctx, func(hop int, r probemgr.Result) {
		s.onProbeResult(ctx, hop, r, cb)
	})
}

func (s *SimpleTracer) onProbeResult(ctx context.Context, hop int, r probemgr.Result, cb func(HopStatus)) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	justSetCutoff := false
	if reachedDestination(r, s.destination) && hop < s.cutoff {
		s.cutoff = hop
		justSetCutoff = true
		for h := range s.hops {
			if h > s.cutoff {
				delete(s.hops, h)
			}
		}
	}
	if hop > s.cutoff {
		return
	}

	hs := s.hops[hop]
	if hs == nil {
		hs = &hopState{num: hop, ips: make(map[string]struct{})}
		s.hops[hop] = hs
	}

	resp, ip := classify(r, s.cfg.ProbeSize.Mode == tracer.SizeMTUDiscovery)
	hs.responses = append(hs.responses, resp)
	if ip != "" {
		hs.ips[ip] = struct{}{}
	}

	// justSetCutoff is true only on the fold that lowers the cutoff to this
	// hop, i.e. the update that first confirmed it as the destination. The
	// cutoff never rises, so each later IsLast=true snapshot is for a lower
	// hop than any earlier one; when results arrive in hop order, exactly
	// one HopStatus carries IsLast=true.
	cb(hs.snapshot(justSetCutoff))
}

// reachedDestination reports whether r is a terminal outcome whose
// offender (or, for a genuine reply, remote) equals the trace's final
// destination.
func reachedDestination(r probemgr.Result, destination string) bool {
	switch r.Kind {
	case probemgr.ResultSuccess:
		return r.Remote == destination
	case probemgr.ResultConnectionRefused, probemgr.ResultHostUnreachable:
		return r.Offender == destination
	default:
		return false
	}
}

// classify folds a probe Result into a Response plus the IP it should
// contribute to the hop's address set.
func classify(r probemgr.Result, mtuDiscovery bool) (Response, string) {
	switch r.Kind {
	case probemgr.ResultSuccess:
		return Response{Kind: ResponseSuccess, ElapsedUsec: r.ElapsedUsec, MTU: successMTU(r, mtuDiscovery)}, r.Remote
	case probemgr.ResultConnectionRefused, probemgr.ResultHostUnreachable, probemgr.ResultNetUnreachable:
		return Response{Kind: ResponseSuccess, ElapsedUsec: r.ElapsedUsec, MTU: successMTU(r, mtuDiscovery)}, r.Offender
	default:
		return Response{Kind: ResponseError}, r.Offender
	}
}

func successMTU(r probemgr.Result, mtuDiscovery bool) int {
	if !mtuDiscovery {
		return 0
	}
	return r.ProbeSize + r.Overhead
}
