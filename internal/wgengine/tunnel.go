package wgengine

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/netcage/cage/internal/wgkey"
	"golang.zx2c4.com/wireguard/device"
)

const (
	// FramingOverhead is the maximum number of bytes WireGuard's Noise
	// framing adds to a plaintext packet; callers sizing output buffers
	// for Encapsulate must add this (spec section 4.1 / section 6).
	FramingOverhead = 148

	// actionWaitTimeout bounds how long Encapsulate/Decapsulate wait for
	// device.Device's internal goroutines to produce an observable
	// result before reporting ActionDone.
	actionWaitTimeout = 75 * time.Millisecond
)

// Tunnel is a single Noise-IK session with one remote peer, identified by
// (local static private key, remote static public key). It wraps
// golang.zx2c4.com/wireguard's device.Device behind the pure-buffer
// Encapsulate/Decapsulate/Tick facade. A Tunnel is used by at most one
// caller at a time; the internal mutex enforces this even if a caller
// forgets to serialize access itself.
type Tunnel struct {
	mu  sync.Mutex
	dev *device.Device
	tun *channelTun
	bnd *chanBind

	// reject is signaled by the wrapped device.Logger whenever device.Device
	// logs a message-authentication rejection (bad MAC1, unknown sender
	// static key, failed AEAD open) while a Decapsulate call is in flight.
	// Buffered 1: Decapsulate drains it before delivering and consults it
	// only after its own wait times out.
	reject chan struct{}
}

// rejectionSubstrings are lowercase fragments of the log lines
// golang.zx2c4.com/wireguard's device package emits (device/receive.go,
// device/noise-protocol.go) when it drops a handshake or transport message
// because it failed message authentication against this device's
// configured peer(s) — as opposed to a message it legitimately consumed
// with nothing to send back (e.g. a keepalive). Several probable phrasings
// are OR'd together since the exact wording isn't part of the package's
// documented API surface and is only asserted against loosely here.
var rejectionSubstrings = []string{
	"invalid initiation",
	"invalid response",
	"invalid cookie",
	"invalid mac",
	"unknown peer",
	"unknown sender",
	"failed to decrypt",
	"unexpected packet",
}

func isRejectionMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range rejectionSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// New constructs a Tunnel. No I/O is performed beyond configuring the
// in-process device.
func New(priv, pub wgkey.Key, verbosef, errorf func(string, ...interface{})) (*Tunnel, error) {
	t := newChannelTun("cagewg0", device.DefaultMTU)
	b := newChanBind()
	tn := &Tunnel{tun: t, bnd: b, reject: make(chan struct{}, 1)}

	signalReject := func(msg string) {
		if isRejectionMessage(msg) {
			select {
			case tn.reject <- struct{}{}:
			default:
			}
		}
	}
	wrappedVerbosef := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		signalReject(msg)
		if verbosef != nil {
			verbosef("%s", msg)
		}
	}
	wrappedErrorf := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		signalReject(msg)
		if errorf != nil {
			errorf("%s", msg)
		}
	}
	logger := &device.Logger{Verbosef: wrappedVerbosef, Errorf: wrappedErrorf}
	dev := device.NewDevice(t, b, logger)

	ipc := fmt.Sprintf(
		"private_key=%s\nlisten_port=0\npublic_key=%s\nendpoint=127.0.0.1:1\n"+
			"allowed_ip=0.0.0.0/0\nallowed_ip=::/0\npersistent_keepalive_interval=25\n",
		priv.Hex(), pub.Hex(),
	)
	if err := dev.IpcSet(ipc); err != nil {
		dev.Close()
		return nil, fmt.Errorf("wgengine: configure device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("wgengine: bring device up: %w", err)
	}
	tn.dev = dev
	return tn, nil
}

// Close tears down the underlying device and its channels.
func (tn *Tunnel) Close() error {
	tn.dev.Close()
	return nil
}

// Encapsulate submits plaintext for encryption and reports what happened.
// Per spec section 4.1, out_buf sizing (len(plain)+FramingOverhead) is the
// caller's concern if they pre-allocate; this facade allocates internally.
func (tn *Tunnel) Encapsulate(plain []byte) Action {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	if err := tn.tun.submit(plain); err != nil {
		return errAction(fmt.Errorf("wgengine: submit plaintext: %w", err))
	}
	select {
	case d := <-tn.bnd.egress:
		return networkAction(d.data)
	case <-time.After(actionWaitTimeout):
		// Handshake in progress: caller must bound-retry, never queue
		// arbitrary plaintext pending handshake (spec section 9).
		return doneAction()
	}
}

// Decapsulate processes ciphertext received from src. src is threaded all
// the way into the device (via chanBind's synthetic conn.Endpoint) so its
// own per-source cookie/MAC2 rate limiting and peer endpoint roaming act on
// the real sender rather than a shared placeholder address (spec section
// 4.1's "src is advisory for cookie processing").
//
// If the wait below times out, the device may have silently: (a) accepted
// the message with nothing to send back (e.g. a keepalive), or (b) rejected
// it because it failed message authentication against this Tunnel's peer —
// these look identical from the channel side alone. The wrapped
// device.Logger installed in New distinguishes them by watching for known
// rejection log lines; Decapsulate consults that signal only on the timeout
// path to turn case (b) into ActionRejected so a caller trying this
// ciphertext against multiple peers' Tunnels (spec section 4.6) knows to
// keep trying the next one instead of treating the timeout as acceptance.
func (tn *Tunnel) Decapsulate(src netip.AddrPort, cipher []byte) Action {
	tn.mu.Lock()
	defer tn.mu.Unlock()

	// Drain any stale signal left over from a previous call so this call's
	// timeout check only reflects what happens during this delivery.
	select {
	case <-tn.reject:
	default:
	}

	if err := tn.bnd.deliver(src, cipher); err != nil {
		return errAction(fmt.Errorf("wgengine: deliver ciphertext: %w", err))
	}
	select {
	case pkt, ok := <-tn.tun.outbound:
		if !ok {
			return doneAction()
		}
		return tunnelAction(pkt)
	case d := <-tn.bnd.egress:
		return networkAction(d.data)
	case <-time.After(actionWaitTimeout):
		select {
		case <-tn.reject:
			return rejectedAction()
		default:
			return doneAction()
		}
	}
}

// Tick returns one datagram the device's internal timers (handshake retry,
// keepalive) queued for the network, if any; further queued datagrams are
// left for later calls. Call at a cadence
// of 250ms +/- 50ms (spec section 4.1); device.Device runs its own timers
// once Up() has been called, so Tick is purely an observation point.
func (tn *Tunnel) Tick() Action {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	if d, ok := tn.bnd.take(); ok {
		return networkAction(d.data)
	}
	return doneAction()
}

// tunnelAction classifies a decrypted plaintext packet as IPv4 or IPv6 by
// its version nibble and tags it with its source address (spec section
// 4.6's "inspect the version nibble" rule applies equally here).
func tunnelAction(pkt []byte) Action {
	if len(pkt) < 1 {
		return doneAction()
	}
	version := pkt[0] >> 4
	switch version {
	case 4:
		if len(pkt) < 20 {
			return errAction(fmt.Errorf("wgengine: short ipv4 packet (%d bytes)", len(pkt)))
		}
		src, ok := netip.AddrFromSlice(pkt[12:16])
		if !ok {
			return errAction(fmt.Errorf("wgengine: bad ipv4 source address"))
		}
		return Action{Kind: ActionWriteToTunnelV4, Bytes: pkt, SrcIP: src}
	case 6:
		if len(pkt) < 40 {
			return errAction(fmt.Errorf("wgengine: short ipv6 packet (%d bytes)", len(pkt)))
		}
		src, ok := netip.AddrFromSlice(pkt[8:24])
		if !ok {
			return errAction(fmt.Errorf("wgengine: bad ipv6 source address"))
		}
		return Action{Kind: ActionWriteToTunnelV6, Bytes: pkt, SrcIP: src}
	default:
		return errAction(fmt.Errorf("wgengine: unknown ip version nibble %d", version))
	}
}
