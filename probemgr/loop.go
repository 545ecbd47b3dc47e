package probemgr

import (
	"sync/atomic"
	"time"

	"github.com/impalex/icmpenguin/internal/mux"
	"github.com/impalex/icmpenguin/internal/packet"
)

func (m *ProbeManager) run(ready chan<- error) {
	defer m.wg.Done()

	mx, err := mux.New()
	if err != nil {
		ready <- err
		return
	}

	m.mu.Lock()
	m.mx = mx
	m.mu.Unlock()
	ready <- nil

	m.log.Tracef("worker started, ident=%#04x", m.ident)

	for atomic.LoadInt32(&m.running) == 1 {
		m.iterate(mx)
	}
	m.shutdown(mx)

	if err := mx.Close(); err != nil {
		m.log.Warnf("closing multiplexer: %v", err)
	}
	m.log.Tracef("worker stopped")
}

// iterate runs one pass of the event loop: wait, receive, sweep timeouts,
// drain callbacks, reap sockets — see spec §4.1's numbered steps.
func (m *ProbeManager) iterate(mx *mux.Multiplexer) {
	events, err := mx.Wait(m.nextDeadline())
	if err != nil {
		m.log.Warnf("multiplexer wait: %v", err)
		return
	}

	for _, ev := range events {
		if ev.Kind == mux.EventWakeup {
			continue
		}
		m.handleReadable(int(ev.FD))
	}

	m.sweepTimeouts()
	m.drainAndReap(mx)
}

// nextDeadline computes the minimum remaining time across all waiting
// probes with a positive timeout, clamped to zero. Probes with a
// non-positive timeout are skipped (such a probe only resolves via a reply
// or manager shutdown, since the sweep never escalates non-positive
// timeouts). It returns -1 (block indefinitely) when nothing is in flight
// or when no waiting probe carries a positive timeout.
func (m *ProbeManager) nextDeadline() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.probes) == 0 {
		return -1
	}

	deadline := time.Duration(-1)
	now := time.Now()
	for _, ctx := range m.probes {
		if ctx.status != statusWaiting || ctx.req.TimeoutMS <= 0 {
			continue
		}
		remaining := time.Duration(ctx.req.TimeoutMS)*time.Millisecond - now.Sub(ctx.sentAt)
		if remaining < 0 {
			remaining = 0
		}
		if deadline < 0 || remaining < deadline {
			deadline = remaining
		}
	}
	return deadline
}

// handleReadable performs the two-pass receive for one ready probe socket:
// error queue first, then the data path, per spec §4.1 "Receive path".
func (m *ProbeManager) handleReadable(fd int) {
	m.mu.Lock()
	ctx, ok := m.probes[fd]
	m.mu.Unlock()
	if !ok || ctx.status != statusWaiting {
		return
	}

	ee, err := mux.ReadErrorQueue(fd, ctx.family)
	if err != nil {
		m.log.Warnf("reading error queue for fd %d: %v", fd, err)
	}
	if ee != nil {
		ctx.status = statusNetError
		ctx.errNo = ee.Errno
		ctx.errCode = int(ee.Code)
		ctx.errType = int(ee.Origin)
		ctx.errInfo = ee.Info
		ctx.replyTTL = ee.HopLimit
		ctx.receivedAt = ee.ReceivedAt
		if ee.Offender != nil {
			ctx.offender = packet.FormatAddress(ee.Offender)
		}
		// SO_EE_OFFENDER above is the authoritative source of the
		// notifying router's address; this is a diagnostic cross-check
		// against the embedded copy of the packet that triggered it.
		if embedded, derr := packet.DecodeEmbedded(ee.EmbeddedData, ctx.family); derr == nil {
			m.log.Debugf("fd %d error queue notification embeds original packet to %s (protocol %s)",
				fd, embedded.DestIP, embedded.Protocol)
		}
		return
	}

	msg, err := mux.ReadData(fd, ctx.family, replyBufferSize)
	if err != nil {
		m.log.Warnf("reading data for fd %d: %v", fd, err)
		return
	}
	if msg == nil {
		// Spurious wake-up: neither pass produced anything. Status stays
		// Waiting and will be re-evaluated by the next timeout sweep.
		return
	}
	ctx.status = statusSuccess
	ctx.replyBuf = msg.Payload
	ctx.replyTTL = msg.HopLimit
	ctx.receivedAt = msg.ReceivedAt
}

func (m *ProbeManager) sweepTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, ctx := range m.probes {
		if ctx.status != statusWaiting || ctx.req.TimeoutMS <= 0 {
			continue
		}
		if now.Sub(ctx.sentAt) >= time.Duration(ctx.req.TimeoutMS)*time.Millisecond {
			ctx.status = statusTimeout
		}
	}
}

// drainAndReap invokes the callback for every probe that left Waiting,
// then unregisters and closes its socket.
func (m *ProbeManager) drainAndReap(mx *mux.Multiplexer) {
	m.mu.Lock()
	var done []*probeContext
	for fd, ctx := range m.probes {
		if ctx.status == statusWaiting {
			continue
		}
		done = append(done, ctx)
		delete(m.probes, fd)
	}
	m.mu.Unlock()

	for _, ctx := range done {
		m.invoke(ctx.req.ID, ctx.toResult())
		if err := mx.Remove(ctx.fd); err != nil {
			m.log.Warnf("removing fd %d from multiplexer: %v", ctx.fd, err)
		}
		if err := mux.Close(ctx.fd); err != nil {
			m.log.Warnf("closing fd %d: %v", ctx.fd, err)
		}
	}
}

// shutdown forces every remaining waiting probe to Timeout and reaps it,
// guaranteeing no outstanding callback is swallowed when the manager
// stops.
func (m *ProbeManager) shutdown(mx *mux.Multiplexer) {
	m.mu.Lock()
	for _, ctx := range m.probes {
		if ctx.status == statusWaiting {
			ctx.status = statusTimeout
		}
	}
	remaining := make([]*probeContext, 0, len(m.probes))
	for fd, ctx := range m.probes {
		remaining = append(remaining, ctx)
		delete(m.probes, fd)
	}
	m.mu.Unlock()

	for _, ctx := range remaining {
		m.invoke(ctx.req.ID, ctx.toResult())
		if err := mx.Remove(ctx.fd); err != nil {
			m.log.Warnf("removing fd %d from multiplexer: %v", ctx.fd, err)
		}
		if err := mux.Close(ctx.fd); err != nil {
			m.log.Warnf("closing fd %d: %v", ctx.fd, err)
		}
	}
}
