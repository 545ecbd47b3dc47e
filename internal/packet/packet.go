// Package packet implements the pure, I/O-free address and packet helpers
// used by the probe manager: address family detection, ICMP echo header
// assembly, and payload pattern tiling.
package packet

import (
	"fmt"
	"net"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Family identifies an IP address family.
type Family int

const (
	// FamilyV4 is IPv4.
	FamilyV4 Family = iota
	// FamilyV6 is IPv6.
	FamilyV6
)

// Sizing constants shared by the probe manager and the tracer.
const (
	// ICMPHeaderSize is the length in bytes of an ICMP echo header
	// (type, code, checksum, identifier, sequence).
	ICMPHeaderSize = 8
	// IPv4Overhead is the length in bytes of a bare IPv4 header.
	IPv4Overhead = 20
	// IPv6Overhead is the length in bytes of a bare IPv6 header.
	IPv6Overhead = 40
	// UDPOverhead is the length in bytes of a UDP header.
	UDPOverhead = 8
)

// ParseAddress parses s as an IPv4 address first, then IPv6. It performs no
// DNS resolution; callers must supply a pre-resolved textual address.
func ParseAddress(s string) (net.IP, Family, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, 0, fmt.Errorf("packet: %q is not a valid IP address", s)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, FamilyV4, nil
	}
	return ip.To16(), FamilyV6, nil
}

// FormatAddress renders ip in its canonical textual form.
func FormatAddress(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// Overhead returns the number of bytes of framing (IP header, plus a UDP
// header when udp is true) that precede the payload on the wire.
func Overhead(family Family, udp bool) int {
	overhead := IPv4Overhead
	if family == FamilyV6 {
		overhead = IPv6Overhead
	}
	if udp {
		overhead += UDPOverhead
	}
	return overhead
}

// BuildEchoRequest assembles an ICMP echo request carrying identifier and
// sequence (truncated to 16 bits) for the given family. If size is smaller
// than ICMPHeaderSize the payload is expanded to exactly ICMPHeaderSize
// bytes; the returned slice's length is the actual size sent. Any bytes
// beyond the header are filled by tiling pattern (a nil or empty pattern
// tiles as zero bytes).
func BuildEchoRequest(family Family, identifier, sequence uint16, size int, pattern []byte) ([]byte, error) {
	if size < ICMPHeaderSize {
		size = ICMPHeaderSize
	}
	data := make([]byte, size-ICMPHeaderSize)
	Tile(data, pattern)

	msg := icmp.Message{
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(identifier),
			Seq:  int(sequence & 0xFFFF),
			Data: data,
		},
	}
	if family == FamilyV6 {
		msg.Type = ipv6.ICMPTypeEchoRequest
	} else {
		msg.Type = ipv4.ICMPTypeEcho
	}

	return msg.Marshal(nil)
}

// BuildUDPPayload returns a size-byte payload for a UDP probe, tiled from
// pattern with no header reserved.
func BuildUDPPayload(size int, pattern []byte) []byte {
	if size < 0 {
		size = 0
	}
	buf := make([]byte, size)
	Tile(buf, pattern)
	return buf
}

// Tile fills dst by repeating pattern until dst is exhausted. An empty
// pattern tiles as a single zero byte, matching a caller-omitted pattern.
func Tile(dst, pattern []byte) {
	if len(pattern) == 0 {
		pattern = []byte{0}
	}
	n := 0
	for n < len(dst) {
		n += copy(dst[n:], pattern)
	}
}
