// Package simpletracer wraps a Stepped tracer.Tracer, aggregating each
// hop's probe outcomes into a HopStatus and re-emitting it after every
// update, with callbacks to the caller strictly ordered.
package simpletracer

import (
	"github.com/impalex/icmpenguin/internal/mtucache"
	"github.com/impalex/icmpenguin/portstrategy"
	"github.com/impalex/icmpenguin/probemgr"
	"github.com/impalex/icmpenguin/tracer"
)

// ResponseKind tags a Response as a reply (however it arrived) or a
// definitive failure to get one.
type ResponseKind int

const (
	// ResponseSuccess covers a genuine echo reply as well as the
	// destination-side errors (connection refused, host/net unreachable)
	// that, from a traceroute's perspective, mean the packet arrived.
	ResponseSuccess ResponseKind = iota
	// ResponseError covers timeouts, unrecognized errors, and local
	// failures — no useful reply was obtained for this probe.
	ResponseError
)

// Response is one probe's folded outcome within a HopStatus.
type Response struct {
	Kind ResponseKind
	// ElapsedUsec and MTU are meaningful only for ResponseSuccess. MTU is
	// zero unless the tracer runs under MTU discovery.
	ElapsedUsec int64
	MTU         int
}

// HopStatus is the aggregate state of one traceroute hop, re-emitted after
// every probe outcome folded into it.
type HopStatus struct {
	Num       int
	IPs       []string
	Responses []Response
	IsLast    bool
}

// Config configures a SimpleTracer. Zero-valued fields take the spec §6
// defaults.
type Config struct {
	Host         string
	SourceIP     string
	ProbeType    probemgr.Kind
	TimeoutMS    int
	MaxHops      int
	ProbesPerHop int
	Concurrency  int
	PortStrategy portstrategy.Strategy
	ProbeSize    tracer.ProbeSize
	// Cache, when set, lets the underlying Tracer remember and reuse a
	// confirmed-good probe size for Host across sessions.
	Cache *mtucache.Cache
}

func (c Config) withDefaults() Config {
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 5000
	}
	if c.MaxHops == 0 {
		c.MaxHops = 30
	}
	if c.ProbesPerHop == 0 {
		c.ProbesPerHop = 3
	}
	if c.Concurrency == 0 {
		c.Concurrency = 5
	}
	if c.PortStrategy == nil {
		c.PortStrategy = portstrategy.Sequential{Start: 33434, Step: 1}
	}
	if c.ProbeSize == (tracer.ProbeSize{}) {
		c.ProbeSize = tracer.ProbeSize{Mode: tracer.SizeMTUDiscovery}
	}
	return c
}
