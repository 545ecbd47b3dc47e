// Package pinger drives the probe manager to emit a bounded or unbounded
// sequence of ICMP echoes at a fixed cadence.
package pinger

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/impalex/icmpenguin/probemgr"
)

// Infinite is the MaxCount sentinel for an unbounded ping session.
const Infinite = -1

// ErrAlreadyActive is returned by Ping when a session is already running
// on this Pinger instance.
var ErrAlreadyActive = errors.New("pinger: session already active")

// Config configures a Pinger. Zero-valued fields are filled with the
// defaults from spec §6 by New.
type Config struct {
	Host string
	// TTL <= 0 leaves the OS default in place; the spec default is -1.
	TTL int
	TimeoutMS  int
	MaxCount   int
	IntervalMS int
	ProbeSize  int
	Pattern    []byte
	SourceIP   string
}

func (c Config) withDefaults() Config {
	if c.TTL == 0 {
		c.TTL = -1
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 5000
	}
	if c.MaxCount == 0 {
		c.MaxCount = 4
	}
	if c.IntervalMS == 0 {
		c.IntervalMS = 1000
	}
	if c.ProbeSize == 0 {
		c.ProbeSize = 32
	}
	return c
}

// Pinger loops issuing ICMP probes at Config.IntervalMS until Config.MaxCount
// is reached (or forever, if MaxCount is Infinite).
type Pinger struct {
	cfg    Config
	active int32
}

// New constructs a Pinger, filling unset Config fields with spec defaults.
func New(cfg Config) *Pinger {
	return &Pinger{cfg: cfg.withDefaults()}
}

// Ping runs one session, invoking cb once per completed probe. It blocks
// until MaxCount probes have completed, ctx is canceled, or an unbounded
// session is canceled externally. Only one session may be active on a
// given Pinger at a time.
func (p *Pinger) Ping(ctx context.Context, cb func(probemgr.Result)) error {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return ErrAlreadyActive
	}
	defer atomic.StoreInt32(&p.active, 0)

	results := make(chan probemgr.Result, 1)
	mgr := probemgr.New(p.cfg.Host, p.cfg.SourceIP, func(_ uint64, r probemgr.Result) {
		results <- r
	})
	if err := mgr.Start(); err != nil {
		return err
	}
	defer drainAndStop(mgr)

	count := 0
	for p.cfg.MaxCount == Infinite || count < p.cfg.MaxCount {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		seq := uint16(count + 1)
		mgr.SendProbe(probemgr.Request{
			Kind:      probemgr.ICMP,
			ID:        uint64(seq),
			Sequence:  seq,
			TTL:       p.cfg.TTL,
			TimeoutMS: p.cfg.TimeoutMS,
			Size:      p.cfg.ProbeSize,
			Pattern:   p.cfg.Pattern,
		})

		select {
		case r := <-results:
			cb(r)
		case <-ctx.Done():
			return ctx.Err()
		}

		count++
		if p.cfg.MaxCount != Infinite && count >= p.cfg.MaxCount {
			break
		}

		select {
		case <-time.After(time.Duration(p.cfg.IntervalMS) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func drainAndStop(mgr *probemgr.ProbeManager) {
	for mgr.PendingCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	mgr.Stop()
}
