package mux

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/impalex/icmpenguin/internal/packet"
)

// IPTOSLowDelay is the classic IPTOS_LOWDELAY type-of-service value this
// module requests on every probe socket, matching ping/traceroute's usual
// preference for low-latency queuing treatment over routers along the path.
const IPTOSLowDelay = 0x10

// SocketOptions configures a freshly opened probe socket.
type SocketOptions struct {
	Family Family
	// TTL is the IPv4 time-to-live / IPv6 hop limit outgoing datagrams
	// carry. Zero leaves the kernel default in place.
	TTL int
	// SendTimeout bounds how long a Sendto on this socket may block.
	SendTimeout time.Duration
	// RecvTimeout sets SO_RCVTIMEO when positive. The event loop never
	// blocks in a recv call (all receive paths are non-blocking, driven by
	// the epoll multiplexer), so this has no effect on the manager's own
	// behavior; it is still set to keep the socket's observable
	// configuration faithful to a conventional blocking-recv client.
	RecvTimeout time.Duration
	// ProbeMTU requests IP_MTU_DISCOVER / IPV6_MTU_DISCOVER in PROBE mode,
	// which never fragments and never sets DF based on path state — the
	// kernel reports EMSGSIZE with the next-hop MTU instead of silently
	// fragmenting or black-holing.
	ProbeMTU bool
}

// Family mirrors packet.Family to keep this package's public surface free
// of an import-for-a-single-type dependency on callers that only need
// sockets.
type Family = packet.Family

const (
	// FamilyV4 is IPv4.
	FamilyV4 = packet.FamilyV4
	// FamilyV6 is IPv6.
	FamilyV6 = packet.FamilyV6
)

// OpenProbeSocket opens a non-blocking, close-on-exec datagram socket
// suitable for an unprivileged ICMP echo ("ping socket") or UDP probe.
// The ICMP datagram socket class requires the running kernel's
// net.ipv4.ping_group_range (or net.ipv6.ping_group_range) sysctl to admit
// the calling process's group.
func OpenProbeSocket(family Family, udp bool) (int, error) {
	domain := unix.AF_INET
	proto := unix.IPPROTO_ICMP
	if family == FamilyV6 {
		domain = unix.AF_INET6
		proto = unix.IPPROTO_ICMPV6
	}
	if udp {
		proto = unix.IPPROTO_UDP
	}

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, fmt.Errorf("mux: socket(%v, dgram, %d): %w", family, proto, err)
	}
	return fd, nil
}

// BindSource binds fd to sourceIP, letting the kernel choose the port (or
// not bind a port at all, for ICMP sockets). A nil or unspecified sourceIP
// leaves routing to pick the egress address.
func BindSource(fd int, family Family, sourceIP net.IP) error {
	if sourceIP == nil || sourceIP.IsUnspecified() {
		return nil
	}
	sa, err := toSockaddr(family, sourceIP, 0)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("mux: bind %s: %w", sourceIP, err)
	}
	return nil
}

// Configure applies the socket options needed to run a probe: TTL/hop
// limit, send timeout, error-queue delivery, inbound hop-limit ancillary
// data, PMTU probing, and a low-delay ToS/traffic class.
func Configure(fd int, opts SocketOptions) error {
	if opts.Family == FamilyV6 {
		return configureV6(fd, opts)
	}
	return configureV4(fd, opts)
}

func configureV4(fd int, opts SocketOptions) error {
	if opts.TTL > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, opts.TTL); err != nil {
			return fmt.Errorf("mux: IP_TTL: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVERR, 1); err != nil {
		return fmt.Errorf("mux: IP_RECVERR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVTTL, 1); err != nil {
		return fmt.Errorf("mux: IP_RECVTTL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, IPTOSLowDelay); err != nil {
		return fmt.Errorf("mux: IP_TOS: %w", err)
	}
	if opts.ProbeMTU {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_PROBE); err != nil {
			return fmt.Errorf("mux: IP_MTU_DISCOVER: %w", err)
		}
	}
	if err := setRecvTimeout(fd, opts.RecvTimeout); err != nil {
		return err
	}
	return setSendTimeout(fd, opts.SendTimeout)
}

func configureV6(fd int, opts SocketOptions) error {
	if opts.TTL > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, opts.TTL); err != nil {
			return fmt.Errorf("mux: IPV6_UNICAST_HOPS: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVERR, 1); err != nil {
		return fmt.Errorf("mux: IPV6_RECVERR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVHOPLIMIT, 1); err != nil {
		return fmt.Errorf("mux: IPV6_RECVHOPLIMIT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, IPTOSLowDelay); err != nil {
		return fmt.Errorf("mux: IPV6_TCLASS: %w", err)
	}
	if opts.ProbeMTU {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_PROBE); err != nil {
			return fmt.Errorf("mux: IPV6_MTU_DISCOVER: %w", err)
		}
	}
	if err := setRecvTimeout(fd, opts.RecvTimeout); err != nil {
		return err
	}
	return setSendTimeout(fd, opts.SendTimeout)
}

func setSendTimeout(fd int, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		return fmt.Errorf("mux: SO_SNDTIMEO: %w", err)
	}
	return nil
}

func setRecvTimeout(fd int, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("mux: SO_RCVTIMEO: %w", err)
	}
	return nil
}

// SendTo transmits buf toward destIP (and destPort, ignored for ICMP
// sockets) on fd.
func SendTo(fd int, family Family, destIP net.IP, destPort int, buf []byte) error {
	sa, err := toSockaddr(family, destIP, destPort)
	if err != nil {
		return err
	}
	if err := unix.Sendto(fd, buf, 0, sa); err != nil {
		return fmt.Errorf("mux: sendto %s: %w", destIP, err)
	}
	return nil
}

func toSockaddr(family Family, ip net.IP, port int) (unix.Sockaddr, error) {
	if family == FamilyV6 {
		var addr [16]byte
		copy(addr[:], ip.To16())
		return &unix.SockaddrInet6{Port: port, Addr: addr}, nil
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("mux: %s is not an IPv4 address", ip)
	}
	var addr [4]byte
	copy(addr[:], v4)
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

// Close closes fd, swallowing EBADF, which only indicates the descriptor
// was already gone.
func Close(fd int) error {
	err := unix.Close(fd)
	if err != nil && err != unix.EBADF {
		return fmt.Errorf("mux: close: %w", err)
	}
	return nil
}
