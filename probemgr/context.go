package probemgr

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/impalex/icmpenguin/internal/packet"
)

// probeContext is the manager's private bookkeeping for one in-flight (or
// just-resolved) probe. Exactly one exists per open socket; §3's invariant
// that every socket is either in the probe map or closed-and-removed is
// enforced by the manager always creating and destroying the pair
// together.
type probeContext struct {
	req    Request
	family packet.Family

	fd int

	packet   []byte
	replyBuf []byte

	sentAt     time.Time
	receivedAt time.Time

	remote   string
	overhead int

	replyTTL int
	offender string

	errNo, errCode, errType int
	errInfo                 uint32

	status status
}

func (c *probeContext) elapsedUsec() int64 {
	if c.receivedAt.IsZero() || c.sentAt.IsZero() {
		return 0
	}
	d := c.receivedAt.Sub(c.sentAt)
	if d < 0 {
		return 0
	}
	return d.Microseconds()
}

// toResult classifies the context's terminal status into the Result the
// caller's callback receives, per spec §4.1 "Classification to
// ProbeResult".
func (c *probeContext) toResult() Result {
	switch c.status {
	case statusFatalError:
		return Result{
			Kind:      ResultUnknown,
			Sequence:  c.req.Sequence,
			Remote:    c.remote,
			ProbeSize: len(c.packet),
			Overhead:  c.overhead,
			Message:   c.offender,
		}
	case statusTimeout:
		return Result{
			Kind:      ResultTimeout,
			Sequence:  c.req.Sequence,
			Remote:    c.remote,
			ProbeSize: len(c.packet),
			Overhead:  c.overhead,
		}
	case statusSuccess:
		return Result{
			Kind:        ResultSuccess,
			Sequence:    c.req.Sequence,
			Remote:      c.remote,
			ProbeSize:   len(c.packet),
			Overhead:    c.overhead,
			ElapsedUsec: c.elapsedUsec(),
			ReplyTTL:    c.replyTTL,
			Data:        c.replyBuf,
		}
	case statusNetError:
		base := Result{
			Sequence:    c.req.Sequence,
			Remote:      c.remote,
			ProbeSize:   len(c.packet),
			Overhead:    c.overhead,
			ElapsedUsec: c.elapsedUsec(),
			Offender:    c.offender,
			ErrNo:       c.errNo,
			ErrCode:     c.errCode,
			ErrType:     c.errType,
			ErrInfo:     c.errInfo,
		}
		switch c.errNo {
		case int(unix.ECONNREFUSED):
			base.Kind = ResultConnectionRefused
		case int(unix.EHOSTUNREACH):
			base.Kind = ResultHostUnreachable
		case int(unix.ENETUNREACH):
			base.Kind = ResultNetUnreachable
		default:
			base.Kind = ResultNetError
		}
		return base
	default:
		return Result{Kind: ResultUnknown, Sequence: c.req.Sequence, Message: "unexpected status"}
	}
}
