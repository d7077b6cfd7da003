package wgengine

import (
	"errors"
	"io"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

// channelTun is a tun.Device backed by channels instead of a kernel
// character device, so that Tunnel.Encapsulate/Decapsulate can observe
// exactly the plaintext the device produces or consumes.
//
// Naming follows the device's own point of view, matching the batched
// MemoryTUN this is grounded on: outbound is what the device hands to Write
// (decrypted plaintext on its way out to the application/TUN consumer),
// inbound is what Read hands to the device (plaintext on its way in, to be
// encapsulated and sent).
type channelTun struct {
	name string
	mtu  int

	outbound chan []byte // plaintext decapsulated by the device, pending delivery
	inbound  chan []byte // plaintext submitted for encapsulation

	events    chan tun.Event
	closeOnce sync.Once
	closed    chan struct{}
}

func newChannelTun(name string, mtu int) *channelTun {
	return &channelTun{
		name:     name,
		mtu:      mtu,
		outbound: make(chan []byte, 256),
		inbound:  make(chan []byte, 256),
		events:   make(chan tun.Event, 8),
		closed:   make(chan struct{}),
	}
}

func (t *channelTun) Name() (string, error) { return t.name, nil }
func (t *channelTun) File() *os.File        { return nil }
func (t *channelTun) Events() <-chan tun.Event {
	return t.events
}
func (t *channelTun) MTU() (int, error) { return t.mtu, nil }
func (t *channelTun) BatchSize() int    { return 1 }

func (t *channelTun) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		close(t.events)
	})
	return nil
}

// Read is called by device.Device to pull plaintext the application handed
// it for encapsulation.
func (t *channelTun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, io.EOF
	case pkt := <-t.inbound:
		if len(pkt) > len(bufs[0])-offset {
			return 0, errors.New("channelTun: packet too large for buffer")
		}
		copy(bufs[0][offset:], pkt)
		sizes[0] = len(pkt)
		return 1, nil
	}
}

// Write is called by device.Device to deliver decrypted plaintext to the
// application.
func (t *channelTun) Write(bufs [][]byte, offset int) (int, error) {
	written := 0
	for _, buf := range bufs {
		if offset >= len(buf) {
			continue
		}
		pkt := make([]byte, len(buf)-offset)
		copy(pkt, buf[offset:])
		select {
		case <-t.closed:
			if written == 0 {
				return 0, io.EOF
			}
			return written, nil
		case t.outbound <- pkt:
			written++
		}
	}
	return written, nil
}

// submit pushes plaintext into the engine for encapsulation (the Tunnel's
// Encapsulate operation feeding the device's Read side).
func (t *channelTun) submit(pkt []byte) error {
	select {
	case <-t.closed:
		return io.EOF
	case t.inbound <- pkt:
		return nil
	}
}

// take returns a decrypted packet the device delivered, if any is already
// queued, without blocking.
func (t *channelTun) take() ([]byte, bool) {
	select {
	case pkt := <-t.outbound:
		return pkt, true
	default:
		return nil, false
	}
}
