// Package probemgr implements the probe manager: a per-session event loop
// that owns many in-flight unprivileged ICMP/UDP probe sockets at once,
// correlates each with its outcome, and delivers results through a
// caller-supplied callback.
package probemgr

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/impalex/icmpenguin/internal/logx"
	"github.com/impalex/icmpenguin/internal/mux"
	"github.com/impalex/icmpenguin/internal/packet"
)

// replyBufferSize is the incoming datagram buffer size, carried forward
// from the original native core's INCOMING_BUFFER_SIZE constant.
const replyBufferSize = 2048

// defaultSendTimeout mirrors the original core's DEFAULT_SEND_TIMEOUT
// (1000ms), applied to every probe socket's SO_SNDTIMEO.
const defaultSendTimeout = time.Second

// startReadyTimeout bounds how long Start waits for the worker to report
// readiness before giving up and returning anyway.
const startReadyTimeout = 10 * time.Second

// ProbeManager owns one background worker goroutine and a set of
// in-flight probe sockets. It is safe to call SendProbe from any
// goroutine. SendProbe opens, configures and sends on the probe socket in
// the caller's goroutine, and invokes the callback inline only on a
// synchronous failure; all receiving and every other callback invocation
// happen on the worker goroutine.
type ProbeManager struct {
	sessionID string
	log       logx.Scoped
	ident     uint16

	remoteIP   net.IP
	family     packet.Family
	sourceIP   net.IP
	haveSource bool
	inert      bool

	callback Callback

	mu     sync.Mutex
	probes map[int]*probeContext
	mx     *mux.Multiplexer

	running int32
	stopped int32
	wg      sync.WaitGroup
}

// New constructs a manager targeting remote (textual IPv4 or IPv6). source
// is an optional textual source address; a source that fails to parse is
// dropped (logged) and the OS default source is used instead. remote that
// fails to parse as either family makes the manager permanently inert:
// Start returns ErrManagerInert and SendProbe always resolves to a
// synchronous Unknown result.
func New(remote, source string, callback Callback) *ProbeManager {
	sessionID := uuid.NewString()
	m := &ProbeManager{
		sessionID: sessionID,
		log:       logx.WithPrefix(fmt.Sprintf("probemgr[%s]: ", sessionID)),
		ident:     randomIdent(),
		callback:  callback,
		probes:    make(map[int]*probeContext),
	}

	ip, family, err := packet.ParseAddress(remote)
	if err != nil {
		m.inert = true
		m.log.Warnf("destination %q did not parse: %v", remote, err)
		return m
	}
	m.remoteIP = ip
	m.family = family

	if source != "" {
		sip, sfamily, serr := packet.ParseAddress(source)
		if serr != nil || sfamily != family {
			m.log.Warnf("source %q dropped (using OS default): %v", source, serr)
		} else {
			m.sourceIP = sip
			m.haveSource = true
		}
	}
	return m
}

func randomIdent() uint16 {
	return uint16(rand.Intn(1 << 16))
}

// Ident returns the 16-bit session identifier stamped into every ICMP
// echo header this manager sends. It is constant for the manager's
// lifetime.
func (m *ProbeManager) Ident() uint16 {
	return m.ident
}

// SessionID returns the manager's log-correlation identifier.
func (m *ProbeManager) SessionID() string {
	return m.sessionID
}

// PendingCount returns the number of probes currently in flight.
func (m *ProbeManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.probes)
}

// Start spawns the worker goroutine and waits up to 10s for it to report
// readiness, returning regardless after that bound. It is a no-op error
// (ErrManagerInert) on an inert manager, and ErrAlreadyStarted if already
// running.
func (m *ProbeManager) Start() error {
	if m.inert {
		return ErrManagerInert
	}
	if atomic.LoadInt32(&m.stopped) == 1 {
		return ErrManagerStopped
	}
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return ErrAlreadyStarted
	}

	ready := make(chan error, 1)
	m.wg.Add(1)
	go m.run(ready)

	select {
	case err := <-ready:
		if err != nil {
			atomic.StoreInt32(&m.running, 0)
			return err
		}
	case <-time.After(startReadyTimeout):
		m.log.Warnf("worker readiness timed out after %s", startReadyTimeout)
	}
	return nil
}

// Stop clears the running flag, wakes the worker, and blocks until it has
// torn down, forcing every still-waiting probe to Timeout first. After
// Stop, the manager is terminal; Start may be called again only on a fresh
// instance.
func (m *ProbeManager) Stop() {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return
	}
	atomic.StoreInt32(&m.stopped, 1)
	m.mu.Lock()
	mx := m.mx
	m.mu.Unlock()
	if mx != nil {
		_ = mx.Wakeup()
	}
	m.wg.Wait()
}

// SendProbe submits one probe. It may be called from any goroutine. On a
// synchronous failure (socket/bind/send/registration) it invokes the
// callback inline with an Unknown result and returns Fatal; otherwise the
// probe is queued and its eventual outcome arrives through the callback.
func (m *ProbeManager) SendProbe(req Request) SubmitStatus {
	if m.inert {
		m.deliverFatal(req, "manager is inert")
		return Fatal
	}
	if atomic.LoadInt32(&m.stopped) == 1 {
		m.deliverFatal(req, ErrManagerStopped.Error())
		return Fatal
	}

	overhead := packet.Overhead(m.family, req.Kind == UDP)

	fd, err := mux.OpenProbeSocket(m.family, req.Kind == UDP)
	if err != nil {
		m.deliverFatal(req, err.Error())
		return Fatal
	}

	if m.haveSource {
		if err := mux.BindSource(fd, m.family, m.sourceIP); err != nil {
			mux.Close(fd)
			m.deliverFatal(req, err.Error())
			return Fatal
		}
	}

	if err := mux.Configure(fd, mux.SocketOptions{
		Family:      m.family,
		TTL:         req.TTL,
		SendTimeout: defaultSendTimeout,
		RecvTimeout: time.Duration(req.TimeoutMS) * time.Millisecond,
		ProbeMTU:    req.MTUDiscovery,
	}); err != nil {
		mux.Close(fd)
		m.deliverFatal(req, err.Error())
		return Fatal
	}

	pkt, err := m.buildPacket(req)
	if err != nil {
		mux.Close(fd)
		m.deliverFatal(req, err.Error())
		return Fatal
	}

	sentAt := time.Now()
	if err := mux.SendTo(fd, m.family, m.remoteIP, req.DestPort, pkt); err != nil {
		if !errors.Is(err, unix.EMSGSIZE) {
			mux.Close(fd)
			m.deliverFatal(req, err.Error())
			return Fatal
		}
		m.log.Debugf("sendto reported EMSGSIZE, awaiting error-queue notification")
	}

	ctx := &probeContext{
		req:      req,
		family:   m.family,
		fd:       fd,
		packet:   pkt,
		sentAt:   sentAt,
		remote:   packet.FormatAddress(m.remoteIP),
		overhead: overhead,
		status:   statusWaiting,
	}

	m.mu.Lock()
	m.probes[fd] = ctx
	mx := m.mx
	m.mu.Unlock()

	if mx == nil {
		return Queued
	}
	if err := mx.Add(fd); err != nil {
		m.mu.Lock()
		delete(m.probes, fd)
		m.mu.Unlock()
		mux.Close(fd)
		m.deliverFatal(req, err.Error())
		return Fatal
	}
	_ = mx.Wakeup()

	return Queued
}

func (m *ProbeManager) buildPacket(req Request) ([]byte, error) {
	if req.Kind == ICMP {
		return packet.BuildEchoRequest(m.family, m.ident, req.Sequence, req.Size, req.Pattern)
	}
	return packet.BuildUDPPayload(req.Size, req.Pattern), nil
}

func (m *ProbeManager) deliverFatal(req Request, message string) {
	m.log.Warnf("probe %d failed synchronously: %s", req.ID, message)
	m.invoke(req.ID, Result{
		Kind:     ResultUnknown,
		Sequence: req.Sequence,
		Message:  message,
	})
}

func (m *ProbeManager) invoke(id uint64, result Result) {
	if m.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("callback panicked: %v", r)
		}
	}()
	m.callback(id, result)
}
