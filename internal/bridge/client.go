package bridge

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/netcage/cage/internal/tundev"
	"github.com/netcage/cage/internal/wgengine"
)

const (
	// encapRetryInterval/encapMaxRetries realize spec section 4.3's "on
	// Done sleeps 50ms and retries, up to 20 attempts, then drops" rule
	// (original_source/src/network_new.rs), matching spec section 7's
	// "Handshake pending: bounded retry with 50ms sleep, up to ~1 second".
	encapRetryInterval = 50 * time.Millisecond
	encapMaxRetries    = 20

	// udpLivenessTimeout bounds the host-side UDP receive purely for
	// liveness logging (spec section 4.3/5); it is not an error
	// condition.
	udpLivenessTimeout = 2 * time.Second

	// tickInterval is the cadence at which Tick() is called to drive
	// handshake retries and keepalives (spec section 4.1).
	tickInterval = 250 * time.Millisecond
)

// Logger is the subset of logging.Component the bridge needs, kept as an
// interface so tests can supply a no-op.
type Logger interface {
	Errorf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Client wires a TUN device (child namespace) to a WireGuard tunnel and a
// UDP socket (host namespace) through two bounded queues, per spec section
// 4.3.
type Client struct {
	tun    *tundev.Handle
	udp    *net.UDPConn
	remote *net.UDPAddr
	tunnel *wgengine.Tunnel
	log    Logger

	tunToWG Queue
	wgToTun Queue

	stop chan struct{}
}

// NewClient constructs a bridge. Run must be called to start its
// goroutines.
func NewClient(tun *tundev.Handle, udp *net.UDPConn, remote *net.UDPAddr, tunnel *wgengine.Tunnel, log Logger) *Client {
	if log == nil {
		log = nopLogger{}
	}
	return &Client{
		tun:     tun,
		udp:     udp,
		remote:  remote,
		tunnel:  tunnel,
		log:     log,
		tunToWG: NewQueue(),
		wgToTun: NewQueue(),
		stop:    make(chan struct{}),
	}
}

// Run starts the bridge's goroutines: TUN reader, TUN writer, encapsulate
// consumer, UDP receiver, and the 250ms timer. It returns immediately; call
// Stop to tear down.
func (c *Client) Run() {
	go c.readTunLoop()
	go c.encapsulateLoop()
	go c.writeTunLoop()
	go c.receiveLoop()
	go c.timerLoop()
}

// Stop signals all bridge goroutines to exit.
func (c *Client) Stop() {
	close(c.stop)
}

// readTunLoop is the child->host reader half: TUN fd -> tun->wg queue.
// Runs as a plain blocking-read goroutine (spec section 9's resolved Open
// Question: the blocking-thread bridge variant, not an async split-fd one).
func (c *Client) readTunLoop() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		pkt, err := c.tun.ReadPacket()
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			c.log.Warnf("bridge: tun read: %v", err)
			continue
		}
		if len(pkt) == 0 {
			continue
		}
		select {
		case c.tunToWG <- pkt:
		case <-c.stop:
			return
		}
	}
}

// encapsulateLoop consumes tun->wg, encapsulates, and sends ciphertext to
// the remote endpoint, retrying while the handshake is pending.
func (c *Client) encapsulateLoop() {
	for {
		select {
		case <-c.stop:
			return
		case pkt := <-c.tunToWG:
			c.encapsulateAndSend(pkt)
		}
	}
}

func (c *Client) encapsulateAndSend(pkt []byte) {
	for attempt := 0; attempt < encapMaxRetries; attempt++ {
		act := c.tunnel.Encapsulate(pkt)
		switch act.Kind {
		case wgengine.ActionWriteToNetwork:
			if _, err := c.udp.WriteToUDP(act.Bytes, c.remote); err != nil {
				c.log.Warnf("bridge: udp send: %v", err)
			}
			return
		case wgengine.ActionDone:
			select {
			case <-time.After(encapRetryInterval):
			case <-c.stop:
				return
			}
			continue
		case wgengine.ActionErr:
			c.log.Debugf("bridge: encapsulate error: %v", act.Err)
			return
		default:
			return
		}
	}
	c.log.Debugf("bridge: dropped packet after %d handshake retries", encapMaxRetries)
}

// receiveLoop is the host->child reader half: UDP socket -> decapsulate ->
// wg->tun queue, or an immediate reply (handshake response/cookie) sent
// back over UDP.
func (c *Client) receiveLoop() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		c.udp.SetReadDeadline(time.Now().Add(udpLivenessTimeout))
		n, srcAddr, err := c.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.log.Debugf("bridge: no datagrams in %s", udpLivenessTimeout)
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return
			}
			c.log.Warnf("bridge: udp recv: %v", err)
			continue
		}
		cipher := make([]byte, n)
		copy(cipher, buf[:n])

		act := c.tunnel.Decapsulate(srcAddr, cipher)
		switch act.Kind {
		case wgengine.ActionWriteToTunnelV4, wgengine.ActionWriteToTunnelV6:
			select {
			case c.wgToTun <- act.Bytes:
			case <-c.stop:
				return
			}
		case wgengine.ActionWriteToNetwork:
			if _, err := c.udp.WriteToUDP(act.Bytes, c.remote); err != nil {
				c.log.Warnf("bridge: udp send (handshake reply): %v", err)
			}
		case wgengine.ActionErr:
			c.log.Debugf("bridge: decapsulate error: %v", act.Err)
		case wgengine.ActionRejected:
			c.log.Debugf("bridge: decapsulate rejected ciphertext from %s", srcAddr)
		}
	}
}

// writeTunLoop consumes wg->tun and writes plaintext into the real TUN
// device.
func (c *Client) writeTunLoop() {
	for {
		select {
		case <-c.stop:
			return
		case pkt := <-c.wgToTun:
			if err := c.tun.WritePacket(pkt); err != nil {
				c.log.Warnf("bridge: tun write: %v", err)
			}
		}
	}
}

// timerLoop drives Tick() at the documented cadence.
func (c *Client) timerLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			act := c.tunnel.Tick()
			if act.Kind == wgengine.ActionWriteToNetwork {
				if _, err := c.udp.WriteToUDP(act.Bytes, c.remote); err != nil {
					c.log.Warnf("bridge: udp send (tick): %v", err)
				}
			}
		}
	}
}
