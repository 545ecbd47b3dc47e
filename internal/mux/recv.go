package mux

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DataMessage is one datagram read from a probe socket's normal (non
// error-queue) receive path.
type DataMessage struct {
	Payload []byte
	// HopLimit is the IP TTL / IPv6 hop limit the reply carried, recovered
	// from the IP_RECVTTL / IPV6_RECVHOPLIMIT ancillary data. Zero if the
	// kernel did not supply one.
	HopLimit int
	// ReceivedAt is the kernel receive timestamp (SIOCGSTAMP), which is
	// more accurate than sampling the clock after the fact since it is
	// latched by the kernel at the moment the packet arrived. It falls
	// back to time.Now() if the ioctl fails.
	ReceivedAt time.Time
}

// ReadData performs a single non-blocking read of fd's normal receive
// path. It returns (nil, nil) when no datagram is pending.
func ReadData(fd int, family Family, bufferSize int) (*DataMessage, error) {
	buf := make([]byte, bufferSize)
	oob := make([]byte, oobBufferSize)

	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("mux: recvmsg: %w", err)
	}

	msg := &DataMessage{
		Payload:    buf[:n],
		ReceivedAt: ReceiveTimestamp(fd),
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err == nil {
		msg.HopLimit = hopLimitFrom(cmsgs, family)
	}
	return msg, nil
}

func hopLimitFrom(cmsgs []unix.SocketControlMessage, family Family) int {
	level := unix.SOL_IP
	typ := unix.IP_TTL
	if family == FamilyV6 {
		level = unix.SOL_IPV6
		typ = unix.IPV6_HOPLIMIT
	}
	for _, cm := range cmsgs {
		if int(cm.Header.Level) != level || int(cm.Header.Type) != typ {
			continue
		}
		if len(cm.Data) >= 4 {
			return int(int32(binary.NativeEndian.Uint32(cm.Data[0:4])))
		}
	}
	return 0
}

// ReceiveTimestamp reads the kernel's SIOCGSTAMP receive timestamp for the
// most recent datagram read from fd, falling back to the current time if
// the ioctl fails (e.g. nothing has been received on fd yet).
func ReceiveTimestamp(fd int) time.Time {
	var tv unix.Timeval
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCGSTAMP), uintptr(unsafe.Pointer(&tv)))
	if errno != 0 {
		return time.Now()
	}
	return time.Unix(int64(tv.Sec), int64(tv.Usec)*int64(time.Microsecond))
}
