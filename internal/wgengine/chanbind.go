package wgengine

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/conn"
)

// chanEndpoint implements conn.Endpoint over a netip.AddrPort. There is no
// pack example that builds a custom conn.Bind for golang.zx2c4.com/wireguard
// (every teacher/example site uses conn.NewDefaultBind()); this type and
// chanBind below reconstruct the documented conn.Bind/conn.Endpoint contract
// over channels instead of a real socket, so Tunnel can synchronously
// observe what device.Device emits.
type chanEndpoint struct {
	addr netip.AddrPort
}

func (e *chanEndpoint) ClearSrc()            {}
func (e *chanEndpoint) SrcToString() string  { return "" }
func (e *chanEndpoint) DstToString() string  { return e.addr.String() }
func (e *chanEndpoint) DstToBytes() []byte   { b, _ := e.addr.MarshalBinary(); return b }
func (e *chanEndpoint) DstIP() netip.Addr    { return e.addr.Addr() }
func (e *chanEndpoint) SrcIP() netip.Addr    { return netip.Addr{} }

// outboundDatagram is a ciphertext packet device.Device asked to send,
// captured instead of going to a real socket.
type outboundDatagram struct {
	data []byte
	dst  netip.AddrPort
}

// inboundDatagram is ciphertext handed to the device as if it had just
// arrived from src. Carrying the real source (rather than a synthetic
// placeholder) lets device.Device's own per-endpoint state — cookie/MAC2
// rate limiting, peer endpoint roaming — key off the real remote address
// instead of treating every sender as the same address (spec section 4.1's
// "src is advisory for cookie processing").
type inboundDatagram struct {
	data []byte
	src  netip.AddrPort
}

// chanBind is a conn.Bind that captures outbound ciphertext on a channel
// (egress) and accepts inbound ciphertext pushed in from the caller
// (ingress), rather than talking to a real UDP socket.
type chanBind struct {
	mu     sync.Mutex
	open   bool
	egress chan outboundDatagram

	recvFn conn.ReceiveFunc
	ingest chan inboundDatagram

	closed chan struct{}
}

func newChanBind() *chanBind {
	return &chanBind{
		egress: make(chan outboundDatagram, 64),
		ingest: make(chan inboundDatagram, 64),
		closed: make(chan struct{}),
	}
}

func (b *chanBind) Open(port uint16) ([]conn.ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return nil, 0, errors.New("chanBind: already open")
	}
	b.open = true
	fn := func(bufs [][]byte, sizes []int, eps []conn.Endpoint) (int, error) {
		select {
		case <-b.closed:
			return 0, io.EOF
		case d := <-b.ingest:
			if len(d.data) > len(bufs[0]) {
				return 0, errors.New("chanBind: packet too large for buffer")
			}
			n := copy(bufs[0], d.data)
			sizes[0] = n
			eps[0] = &chanEndpoint{addr: d.src}
			return 1, nil
		}
	}
	b.recvFn = fn
	return []conn.ReceiveFunc{fn}, port, nil
}

func (b *chanBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	b.open = false
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func (b *chanBind) SetMark(mark uint32) error { return nil }

func (b *chanBind) Send(bufs [][]byte, ep conn.Endpoint) error {
	ce, ok := ep.(*chanEndpoint)
	dst := netip.AddrPort{}
	if ok {
		dst = ce.addr
	}
	for _, buf := range bufs {
		out := make([]byte, len(buf))
		copy(out, buf)
		select {
		case <-b.closed:
			return io.EOF
		case b.egress <- outboundDatagram{data: out, dst: dst}:
		}
	}
	return nil
}

func (b *chanBind) ParseEndpoint(s string) (conn.Endpoint, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, fmt.Errorf("chanBind: parse endpoint %q: %w", s, err)
	}
	return &chanEndpoint{addr: addr}, nil
}

func (b *chanBind) BatchSize() int { return 1 }

// deliver feeds ciphertext into the device as if it had just arrived on the
// wire from src (Tunnel.Decapsulate's entry point).
func (b *chanBind) deliver(src netip.AddrPort, pkt []byte) error {
	select {
	case <-b.closed:
		return io.EOF
	case b.ingest <- inboundDatagram{data: pkt, src: src}:
		return nil
	}
}

// take returns one queued outbound datagram, if any, without blocking.
func (b *chanBind) take() (outboundDatagram, bool) {
	select {
	case d := <-b.egress:
		return d, true
	default:
		return outboundDatagram{}, false
	}
}
