package mux

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// extendedErrSize is sizeof(struct sock_extended_err) on Linux: ee_errno,
// ee_origin, ee_type, ee_code, ee_pad (all one word of u8/u32), ee_info,
// ee_data.
const extendedErrSize = 16

// oobBufferSize is generous enough for a sock_extended_err plus the
// SO_EE_OFFENDER sockaddr that follows it (28 bytes for sockaddr_in6) with
// cmsg alignment padding.
const oobBufferSize = 256

// ExtendedErr is a decoded Linux struct sock_extended_err, the ancillary
// message a socket's error queue carries for every ICMP notification
// (Time Exceeded, Destination Unreachable, Fragmentation Needed, ...)
// delivered to a connected or targeted datagram socket.
type ExtendedErr struct {
	// Errno is the errno value the kernel associated with this
	// notification (e.g. EMSGSIZE for a "Fragmentation Needed" reply).
	Errno int
	// Origin identifies where the notification came from; for ICMP
	// errors this is SO_EE_ORIGIN_ICMP or SO_EE_ORIGIN_ICMP6.
	Origin uint8
	// Type and Code are the ICMP (or ICMPv6) type/code of the
	// notification, e.g. Time Exceeded or Destination Unreachable.
	Type uint8
	Code uint8
	// Info carries type-specific data; for a Fragmentation Needed
	// notification this is the next-hop MTU.
	Info uint32
	// Offender is the address of the router or host that generated the
	// ICMP notification, recovered from the SO_EE_OFFENDER sockaddr that
	// trails the fixed-size sock_extended_err structure. It is nil if the
	// kernel did not supply one.
	Offender net.IP
	// HopLimit is the reply's IP TTL / IPv6 hop limit if the kernel
	// attached one to this same control-message batch.
	HopLimit int
	// ReceivedAt is the kernel receive timestamp for this notification.
	ReceivedAt time.Time
	// EmbeddedData is the regular (non-ancillary) data the kernel returned
	// alongside this notification: for IP_RECVERR/IPV6_RECVERR on a
	// datagram socket, this is the router-truncated copy of the original
	// packet's IP header that triggered the ICMP error, not the socket's
	// own sent payload.
	EmbeddedData []byte
}

// Linux SO_EE_ORIGIN_* constants (not exposed by x/sys/unix).
const (
	eeOriginICMP  = 2
	eeOriginICMP6 = 3
)

// ReadErrorQueue performs a single non-blocking read of fd's socket error
// queue (MSG_ERRQUEUE), returning the decoded notification if one was
// pending. It returns (nil, nil) when the error queue is empty.
func ReadErrorQueue(fd int, family Family) (*ExtendedErr, error) {
	data := make([]byte, 128)
	oob := make([]byte, oobBufferSize)

	n, oobn, _, _, err := unix.Recvmsg(fd, data, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("mux: recvmsg(MSG_ERRQUEUE): %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("mux: parsing error-queue control messages: %w", err)
	}

	recvErrType := unix.IP_RECVERR
	level := unix.SOL_IP
	if family == FamilyV6 {
		level = unix.SOL_IPV6
		recvErrType = unix.IPV6_RECVERR
	}

	hopLimit := hopLimitFrom(cmsgs, family)

	for _, cm := range cmsgs {
		if int(cm.Header.Level) != level || int(cm.Header.Type) != recvErrType {
			continue
		}
		ee, err := decodeExtendedErr(cm.Data, family)
		if err != nil {
			return nil, err
		}
		ee.HopLimit = hopLimit
		ee.ReceivedAt = ReceiveTimestamp(fd)
		if n > 0 {
			ee.EmbeddedData = append([]byte(nil), data[:n]...)
		}
		return ee, nil
	}
	return nil, nil
}

func decodeExtendedErr(raw []byte, family Family) (*ExtendedErr, error) {
	if len(raw) < extendedErrSize {
		return nil, fmt.Errorf("mux: SO_EE control message too short (%d bytes)", len(raw))
	}

	ee := &ExtendedErr{
		Errno:  int(binary.NativeEndian.Uint32(raw[0:4])),
		Origin: raw[4],
		Type:   raw[5],
		Code:   raw[6],
		Info:   binary.NativeEndian.Uint32(raw[8:12]),
	}

	if offender := raw[extendedErrSize:]; len(offender) > 0 {
		ee.Offender = decodeOffender(offender, family)
	}
	return ee, nil
}

// decodeOffender extracts the IP address from the sockaddr the kernel
// appends after sock_extended_err for SO_EE_OFFENDER: a sockaddr_in
// (family, port, 4-byte address, padding) for IPv4 or a sockaddr_in6
// (family, port, flowinfo, 16-byte address, scope id) for IPv6.
func decodeOffender(b []byte, family Family) net.IP {
	if family == FamilyV6 {
		if len(b) < 8+16 {
			return nil
		}
		return net.IP(append([]byte(nil), b[8:24]...))
	}
	if len(b) < 4+4 {
		return nil
	}
	return net.IP(append([]byte(nil), b[4:8]...))
}
