// Package tracer enumerates path hops with TTL-limited probes under one
// of two scheduling strategies, supports path-MTU discovery by reacting to
// EMSGSIZE, and suppresses results beyond a discovered terminal hop.
package tracer

import (
	"errors"

	"github.com/impalex/icmpenguin/portstrategy"
	"github.com/impalex/icmpenguin/probemgr"
)

// InfiniteCycles is the Concurrent strategy's Cycles sentinel for an
// unbounded trace.
const InfiniteCycles = -1

// ErrAlreadyActive is returned by Trace when a session is already running
// on this Tracer instance.
var ErrAlreadyActive = errors.New("tracer: session already active")

// Stepped maintains a probe counter and derives the current hop from it,
// submitting a new probe only while no more than Concurrency probes are in
// flight (so up to Concurrency+1 can be outstanding) and stopping once hop
// exceeds min(MaxHops, cutoff).
type Stepped struct {
	ProbesPerHop int
	Concurrency  int
	MaxHops      int
}

// Concurrent emits one probe per hop 1..MaxHops simultaneously each cycle,
// sleeping Interval between cycles, for Cycles cycles (or forever when
// Cycles is InfiniteCycles).
type Concurrent struct {
	Cycles     int
	IntervalMS int
	MaxHops    int
}

// Strategy is the sum type of the two scheduling strategies; a Config's
// Strategy field holds exactly one of Stepped or Concurrent.
type Strategy interface {
	isStrategy()
}

func (Stepped) isStrategy()   {}
func (Concurrent) isStrategy() {}

// SizeMode selects how a Tracer picks its probe payload size.
type SizeMode int

const (
	// SizeStatic keeps the probe size fixed at ProbeSize.Static.
	SizeStatic SizeMode = iota
	// SizeMTUDiscovery starts at a size remembered by the Tracer's cache,
	// else at the route's MTU (1500 when it cannot be looked up), else,
	// when Host is not an IP literal, near a jumbo-frame ceiling; it
	// shrinks on EMSGSIZE.
	SizeMTUDiscovery
)

// ProbeSize configures payload sizing.
type ProbeSize struct {
	Mode   SizeMode
	Static int
}

// Config configures a Tracer.
type Config struct {
	Host      string
	SourceIP  string
	Kind      probemgr.Kind
	Strategy  Strategy
	Port      portstrategy.Strategy
	Size      ProbeSize
	TimeoutMS int
	Pattern   []byte
}

func (c Config) withDefaults() Config {
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 5000
	}
	if c.Port == nil {
		c.Port = portstrategy.Fixed{Port: 33434}
	}
	if c.Strategy == nil {
		c.Strategy = Stepped{ProbesPerHop: 3, Concurrency: 5, MaxHops: 30}
	}
	return c
}

// Result is one hop-tagged probe outcome delivered to the caller.
type Result struct {
	Hop    int
	Result probemgr.Result
}

// encodeID packs a hop and truncated sequence into the opaque probemgr
// request identifier, so the manager's callback can recover both without
// the Tracer needing a second correlation map.
func encodeID(hop int, seq uint16) uint64 {
	return uint64(uint32(hop))<<16 | uint64(seq)
}

func decodeID(id uint64) (hop int, seq uint16) {
	return int(uint32(id >> 16)), uint16(id & 0xFFFF)
}
