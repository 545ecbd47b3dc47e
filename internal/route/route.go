//go:build linux

// Package route looks up the kernel's route MTU for a destination, so the
// tracer can seed its MTU-discovery probe-size ceiling from reality
// instead of an arbitrary near-jumbo-frame constant. It prefers a direct
// netlink route query and falls back to inferring the egress interface's
// MTU through a UDP-dial trick when netlink is unavailable (e.g. a
// sandboxed or rootless network namespace).
package route

import (
	"fmt"
	"net"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/impalex/icmpenguin/internal/logx"
)

// fallbackMTU is a conservative default when neither netlink nor the
// UDP-dial fallback can resolve an interface MTU — the classic Ethernet
// payload ceiling.
const fallbackMTU = 1500

// MTUFor returns the link MTU the kernel's routing table would use to
// reach dest.
func MTUFor(dest net.IP) (int, error) {
	mtu, err := mtuViaNetlink(dest)
	if err == nil {
		return mtu, nil
	}
	logx.Debugf("route: netlink MTU lookup for %s failed (%v), falling back to UDP-dial inference", dest, err)

	mtu, derr := mtuViaDial(dest)
	if derr == nil {
		return mtu, nil
	}
	logx.Warnf("route: UDP-dial MTU inference for %s failed (%v), using default %d", dest, derr, fallbackMTU)
	return fallbackMTU, nil
}

func mtuViaNetlink(dest net.IP) (int, error) {
	routes, err := netlink.RouteGet(dest)
	if err != nil {
		return 0, fmt.Errorf("netlink.RouteGet: %w", err)
	}
	if len(routes) == 0 {
		return 0, fmt.Errorf("no route returned for %s", dest)
	}

	route := routes[0]
	if route.MTU > 0 {
		return route.MTU, nil
	}

	link, err := netlink.LinkByIndex(route.LinkIndex)
	if err != nil {
		return 0, fmt.Errorf("netlink.LinkByIndex(%d): %w", route.LinkIndex, err)
	}
	mtu := link.Attrs().MTU
	if mtu <= 0 {
		return 0, fmt.Errorf("link %s reports non-positive MTU", link.Attrs().Name)
	}
	return mtu, nil
}

// mtuViaDial opens a UDP "connection" toward dest (no packet is actually
// sent until the caller writes) purely to let the kernel pick an egress
// route, then reads back the local address it chose and matches it
// against a local interface to recover that interface's MTU.
func mtuViaDial(dest net.IP) (int, error) {
	conn, err := net.DialTimeout("udp", net.JoinHostPort(dest.String(), "9"), 500*time.Millisecond)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, fmt.Errorf("net.Interfaces: %w", err)
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.Equal(local.IP) {
				return iface.MTU, nil
			}
		}
	}
	return 0, fmt.Errorf("no local interface matched dial-chosen address %s", local.IP)
}
