// Package server implements cagesrv's N-peer dispatcher (spec section 4.6):
// UDP -> decrypt -> TUN and TUN -> lookup-peer -> encrypt -> UDP.
package server

import (
	"errors"
	"net"
	"net/netip"
	"os"

	"github.com/VictoriaMetrics/metrics"
	"github.com/netcage/cage/internal/peertable"
	"github.com/netcage/cage/internal/tundev"
	"github.com/netcage/cage/internal/wgengine"
)

// Logger is the subset of logging.Component the dispatcher needs.
type Logger interface {
	Errorf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}

var (
	metricUDPToTunPackets = metrics.NewCounter(`cagesrv_udp_to_tun_packets_total`)
	metricTunToUDPPackets = metrics.NewCounter(`cagesrv_tun_to_udp_packets_total`)
	metricFastPathHits    = metrics.NewCounter(`cagesrv_decap_fast_path_total`)
	metricSlowPathHits    = metrics.NewCounter(`cagesrv_decap_slow_path_total`)
	metricMisroutedDrops  = metrics.NewCounter(`cagesrv_misrouted_drops_total`)
	metricDecapErrors     = metrics.NewCounter(`cagesrv_decap_errors_total`)
	metricDecapRejected   = metrics.NewCounter(`cagesrv_decap_rejected_total`)
)

// Dispatcher runs the server's UDP<->TUN packet loop against a peer table.
type Dispatcher struct {
	udp   *net.UDPConn
	tun   *tundev.Handle
	peers *peertable.Table
	log   Logger

	tunWriteMu chan struct{} // 1-buffered, acts as the TUN write-half mutex
}

// New constructs a Dispatcher. udp must already be bound; tun must already
// be configured (address/route) by the caller.
func New(udp *net.UDPConn, tun *tundev.Handle, peers *peertable.Table, log Logger) *Dispatcher {
	if log == nil {
		log = nopLogger{}
	}
	d := &Dispatcher{udp: udp, tun: tun, peers: peers, log: log, tunWriteMu: make(chan struct{}, 1)}
	d.tunWriteMu <- struct{}{}
	return d
}

// Run drives both directions, each on one long-lived goroutine, matching the
// teacher/original's "no per-packet task spawn" discipline. It returns as
// soon as either loop ends: with that loop's TUN or UDP read error, or nil
// if its device or socket was closed (spec section 4.6).
func (d *Dispatcher) Run() error {
	errs := make(chan error, 2)
	go func() { errs <- d.tunToUDPLoop() }()
	go func() { errs <- d.udpToTunLoop() }()
	return <-errs
}

// udpToTunLoop implements spec section 4.6's UDP->TUN state machine: fast
// path by learned endpoint, slow path by scanning every peer, endpoint
// roaming update on first success, and WriteToNetwork replies (handshake
// responses / cookies) sent back to the source.
func (d *Dispatcher) udpToTunLoop() error {
	buf := make([]byte, 65535)
	for {
		n, srcAddr, err := d.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err // TUN/UDP read errors propagate and terminate (spec section 4.6)
		}
		cipher := make([]byte, n)
		copy(cipher, buf[:n])
		d.handlePacket(cipher, srcAddr)
	}
}

func (d *Dispatcher) handlePacket(cipher []byte, src netip.AddrPort) {
	if p, ok := d.peers.ByEndpoint(src); ok {
		if d.tryPeer(p, cipher, src) {
			metricFastPathHits.Inc()
			return
		}
	}
	for _, p := range d.peers.All() {
		if d.tryPeer(p, cipher, src) {
			metricSlowPathHits.Inc()
			return
		}
	}
	d.log.Debugf("dispatcher: no peer accepted datagram from %s", src)
}

// tryPeer attempts decapsulation against one peer. Crypto work happens
// under the Tunnel's own internal lock (wgengine.Tunnel.Decapsulate);
// nothing server-side additionally locks the peer table during the crypto
// call, satisfying spec section 4.6's "the packet send on the UDP socket
// MUST be performed after releasing the mutex" by construction (the mutex
// in question is the Tunnel's, released when Decapsulate returns).
//
// ActionDone and ActionRejected both mean "no bytes came back", but only
// ActionDone means this peer's Tunnel genuinely consumed the ciphertext
// (e.g. a keepalive). ActionRejected means the device flagged a message-
// authentication failure, i.e. the ciphertext does not belong to this peer
// at all — the caller's slow-path scan (handlePacket) must keep trying
// other peers rather than stopping here (spec section 4.6's multi-peer
// dispatch requirement).
func (d *Dispatcher) tryPeer(p *peertable.Peer, cipher []byte, src netip.AddrPort) bool {
	act := p.Tunnel.Decapsulate(src, cipher)
	switch act.Kind {
	case wgengine.ActionWriteToTunnelV4, wgengine.ActionWriteToTunnelV6:
		p.SetEndpoint(src) // roaming update (spec section 4.6 / section 8 scenario 5)
		d.writeTun(act.Bytes)
		metricUDPToTunPackets.Inc()
		return true
	case wgengine.ActionWriteToNetwork:
		p.SetEndpoint(src)
		if _, err := d.udp.WriteToUDPAddrPort(act.Bytes, src); err != nil {
			d.log.Warnf("dispatcher: udp send: %v", err)
		}
		return true
	case wgengine.ActionDone:
		return true // consumed (e.g. handshake-in-progress cookie ack), stop scanning
	case wgengine.ActionRejected:
		metricDecapRejected.Inc()
		return false // not this peer's ciphertext, keep scanning
	case wgengine.ActionErr:
		d.log.Debugf("dispatcher: decap error from %s: %v", src, act.Err)
		metricDecapErrors.Inc()
		return false
	default:
		return false
	}
}

func (d *Dispatcher) writeTun(pkt []byte) {
	<-d.tunWriteMu
	defer func() { d.tunWriteMu <- struct{}{} }()
	if err := d.tun.WritePacket(pkt); err != nil {
		d.log.Warnf("dispatcher: tun write: %v", err)
	}
}

// tunToUDPLoop implements spec section 4.6's TUN->UDP state machine:
// inspect the IP version nibble, extract the destination address, find its
// owning peer by longest-prefix allowed-ips match, encapsulate and send.
func (d *Dispatcher) tunToUDPLoop() error {
	for {
		pkt, err := d.tun.ReadPacket()
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			d.log.Errorf("dispatcher: tun read: %v", err)
			return err
		}
		if len(pkt) == 0 {
			continue
		}
		dst, ok := destinationOf(pkt)
		if !ok {
			continue
		}
		peer, ok := d.peers.Owner(dst)
		if !ok {
			d.log.Debugf("dispatcher: dropped packet to %s, no owning peer", dst)
			metricMisroutedDrops.Inc()
			continue
		}
		ep := peer.Endpoint()
		if !ep.IsValid() {
			d.log.Debugf("dispatcher: dropped packet to %s, peer has no endpoint yet", dst)
			continue
		}
		act := peer.Tunnel.Encapsulate(pkt)
		if act.Kind != wgengine.ActionWriteToNetwork {
			continue
		}
		if _, err := d.udp.WriteToUDPAddrPort(act.Bytes, ep); err != nil {
			d.log.Warnf("dispatcher: udp send: %v", err)
			continue
		}
		metricTunToUDPPackets.Inc()
	}
}

// destinationOf extracts an IP packet's destination address per spec
// section 4.6: IPv4 from bytes 16..20, IPv6 from bytes 24..40.
func destinationOf(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFromSlice(pkt[16:20])
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFromSlice(pkt[24:40])
	default:
		return netip.Addr{}, false
	}
}
