// Package tundev creates and configures the TUN device used by both cage
// (child-namespace interface) and cagesrv (server-side interface), per
// spec section 4.4: address, link-up and route configuration are issued as
// separate netlink requests in order; IPv4 failures are fatal, IPv6 default
// route addition is best-effort.
package tundev

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/tun"
)

// Handle wraps a real kernel TUN device opened against /dev/net/tun, bound
// to an interface name, with TUNSETIFF and no packet-information headers
// (golang.zx2c4.com/wireguard/tun.CreateTUN does both). It never crosses
// back out of the namespace it was opened in.
type Handle struct {
	dev  tun.Device
	name string
	mtu  int

	bufs  [][]byte
	sizes []int
}

// Create opens /dev/net/tun as name with the given MTU.
func Create(name string, mtu int) (*Handle, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("tundev: create %s: %w", name, err)
	}
	actualMTU, err := dev.MTU()
	if err != nil {
		actualMTU = mtu
	}
	actualName, err := dev.Name()
	if err != nil {
		actualName = name
	}
	return &Handle{
		dev:   dev,
		name:  actualName,
		mtu:   actualMTU,
		bufs:  [][]byte{make([]byte, actualMTU+64)},
		sizes: []int{0},
	}, nil
}

// Name returns the interface name the kernel actually assigned.
func (h *Handle) Name() string { return h.name }

// MTU returns the interface MTU.
func (h *Handle) MTU() int { return h.mtu }

// ReadPacket reads one whole IP packet (spec section 3, TunHandle: "Read
// yields a whole IP packet").
func (h *Handle) ReadPacket() ([]byte, error) {
	n, err := h.dev.Read(h.bufs, h.sizes, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, h.sizes[0])
	copy(out, h.bufs[0][:h.sizes[0]])
	return out, nil
}

// WritePacket writes one whole IP packet.
func (h *Handle) WritePacket(pkt []byte) error {
	_, err := h.dev.Write([][]byte{pkt}, 0)
	return err
}

// Close closes the underlying device.
func (h *Handle) Close() error { return h.dev.Close() }

// ConfigureV4 assigns addr/prefixLen to the interface, brings it up, and
// adds a default route via it. Any failure here is fatal per spec section
// 4.4.
func ConfigureV4(ifaceName string, addr netip.Addr, prefixLen int) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("tundev: link by name %s: %w", ifaceName, err)
	}

	bits := 32
	if addr.Is6() {
		bits = 128
	}
	ipNet := &net.IPNet{IP: addr.AsSlice(), Mask: net.CIDRMask(prefixLen, bits)}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet}); err != nil {
		return fmt.Errorf("tundev: add address %s/%d to %s: %w", addr, prefixLen, ifaceName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("tundev: link up %s: %w", ifaceName, err)
	}
	defaultRoute := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: nil}
	if err := netlink.RouteReplace(defaultRoute); err != nil {
		return fmt.Errorf("tundev: add default route via %s: %w", ifaceName, err)
	}
	return nil
}

// ConfigureAddressOnly assigns addr/prefixLen and brings the link up, but
// does not add a default route (used server-side, where routing is limited
// to the configured subnet, spec section 4.6).
func ConfigureAddressOnly(ifaceName string, addr netip.Addr, prefixLen int) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("tundev: link by name %s: %w", ifaceName, err)
	}
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	ipNet := &net.IPNet{IP: addr.AsSlice(), Mask: net.CIDRMask(prefixLen, bits)}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: ipNet}); err != nil {
		return fmt.Errorf("tundev: add address %s/%d to %s: %w", addr, prefixLen, ifaceName, err)
	}
	return netlink.LinkSetUp(link)
}

// ConfigureV6Best is the best-effort IPv6 counterpart to ConfigureV4;
// failures are logged by the caller and otherwise ignored (spec section
// 4.4).
func ConfigureV6Best(ifaceName string) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return err
	}
	_, dst, err := net.ParseCIDR("::/0")
	if err != nil {
		return err
	}
	return netlink.RouteReplace(&netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst})
}

// SetLoUp brings the loopback interface up inside the new network
// namespace (spec section 4.2 step 3).
func SetLoUp() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("tundev: link by name lo: %w", err)
	}
	return netlink.LinkSetUp(link)
}

// AddSubnetRoute installs an idempotent route for cidr via ifaceName,
// matching spec section 4.6's "ip route replace" behavior for the server's
// subnet.
func AddSubnetRoute(ifaceName string, cidr netip.Prefix) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return fmt.Errorf("tundev: link by name %s: %w", ifaceName, err)
	}
	ones := cidr.Bits()
	bits := 32
	if cidr.Addr().Is6() {
		bits = 128
	}
	ipNet := &net.IPNet{IP: cidr.Addr().AsSlice(), Mask: net.CIDRMask(ones, bits)}
	return netlink.RouteReplace(&netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipNet})
}

// DefaultRouteInterface resolves the device carrying the current IPv4
// default route, the idiomatic-Go replacement for shelling out to
// "ip route show default" and parsing its "dev <iface>" token (spec
// section 9 / original "get_default_interface").
func DefaultRouteInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("tundev: list routes: %w", err)
	}
	for _, r := range routes {
		if r.Dst == nil {
			link, err := netlink.LinkByIndex(r.LinkIndex)
			if err != nil {
				continue
			}
			return link.Attrs().Name, nil
		}
	}
	return "", fmt.Errorf("tundev: no default route found")
}
