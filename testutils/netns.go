//go:build linux && test

// Package testutils provides an isolated network-namespace harness for
// integration tests that need to exercise real sockets (probemgr,
// tracer, pinger) without depending on the host's routing table or
// touching anything reachable from outside the sandbox.
package testutils

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// WithNS executes fn inside ns, restoring the calling goroutine's original
// namespace afterward. The calling goroutine is locked to its OS thread for
// the duration, since namespace membership is per-thread on Linux.
func WithNS(ns netns.NsHandle, fn func() error) error {
	if ns == netns.None() {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	prevNS, err := netns.Get()
	if err != nil {
		return err
	}
	defer prevNS.Close()

	if ns.Equal(prevNS) {
		return fn()
	}

	if err := netns.Set(ns); err != nil {
		return err
	}

	fnErr := fn()
	nsErr := netns.Set(prevNS)
	if fnErr != nil {
		return fnErr
	}
	return nsErr
}

// VethPair is a pair of link names connecting two network namespaces,
// each brought up with a /30 and an all-protocols-through loopback-like
// path between them, so a probe can traverse at least one real hop
// without leaving the sandbox.
type VethPair struct {
	HostNS, PeerNS     netns.NsHandle
	hostNSName, peerNSName string
	HostLink, PeerLink string
	HostAddr, PeerAddr string
}

// NewVethPair creates two fresh named network namespaces joined by a veth
// pair, with hostAddr/peerAddr (CIDR form, e.g. "10.200.0.1/30") assigned
// to each end and both links brought up. Callers are responsible for
// calling Close when done.
func NewVethPair(name string, hostAddr, peerAddr string) (*VethPair, error) {
	hostNS, err := netns.NewNamed(name + "-host")
	if err != nil {
		return nil, fmt.Errorf("create host namespace: %w", err)
	}
	peerNS, err := netns.NewNamed(name + "-peer")
	if err != nil {
		hostNS.Close()
		_ = netns.DeleteNamed(name + "-host")
		return nil, fmt.Errorf("create peer namespace: %w", err)
	}

	pair := &VethPair{
		HostNS:     hostNS,
		PeerNS:     peerNS,
		hostNSName: name + "-host",
		peerNSName: name + "-peer",
		HostLink:   name + "h",
		PeerLink:   name + "p",
		HostAddr:   hostAddr,
		PeerAddr:   peerAddr,
	}

	if err := pair.wire(); err != nil {
		pair.Close()
		return nil, err
	}
	return pair, nil
}

func (p *VethPair) wire() error {
	return WithNS(p.HostNS, func() error {
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: p.HostLink},
			PeerName:  p.PeerLink,
		}
		if err := netlink.LinkAdd(veth); err != nil {
			return fmt.Errorf("create veth %s/%s: %w", p.HostLink, p.PeerLink, err)
		}

		peerLink, err := netlink.LinkByName(p.PeerLink)
		if err != nil {
			return fmt.Errorf("find peer link %s: %w", p.PeerLink, err)
		}
		if err := netlink.LinkSetNsFd(peerLink, int(p.PeerNS)); err != nil {
			return fmt.Errorf("move %s to peer namespace: %w", p.PeerLink, err)
		}

		if err := p.configureLocal(p.HostLink, p.HostAddr); err != nil {
			return err
		}
		return WithNS(p.PeerNS, func() error {
			return p.configureLocal(p.PeerLink, p.PeerAddr)
		})
	})
}

func (p *VethPair) configureLocal(linkName, cidr string) error {
	link, err := netlink.LinkByName(linkName)
	if err != nil {
		return fmt.Errorf("find link %s: %w", linkName, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse address %s: %w", cidr, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("assign %s to %s: %w", cidr, linkName, err)
	}
	return netlink.LinkSetUp(link)
}

// Close tears down both namespaces and their links.
func (p *VethPair) Close() {
	if p.HostNS != 0 {
		p.HostNS.Close()
		_ = netns.DeleteNamed(p.hostNSName)
	}
	if p.PeerNS != 0 {
		p.PeerNS.Close()
		_ = netns.DeleteNamed(p.peerNSName)
	}
}
