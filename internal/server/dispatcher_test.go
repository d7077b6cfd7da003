package server

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/netcage/cage/internal/peertable"
	"github.com/netcage/cage/internal/wgengine"
	"github.com/netcage/cage/internal/wgkey"
)

func noopLog(string, ...interface{}) {}

func mustKeyPair(t *testing.T) (priv, pub wgkey.Key) {
	t.Helper()
	priv, err := wgkey.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err = priv.Public()
	if err != nil {
		t.Fatalf("public: %v", err)
	}
	return priv, pub
}

// TestHandlePacketRoutesToSecondPeer guards against a regression where the
// slow-path scan in handlePacket stopped at the first peer it tried whenever
// that peer's Tunnel silently timed out on ciphertext addressed to someone
// else: ActionDone used to mean both "genuinely accepted" and "ambiguous
// timeout, possibly rejected", so tryPeer always reported success on the
// first peer tried. With two real server-side peer Tunnels registered in
// order A, B, a handshake initiation actually encrypted for B must still
// reach B's Tunnel (and update B's learned endpoint, not A's) even though A
// is tried first.
func TestHandlePacketRoutesToSecondPeer(t *testing.T) {
	serverPriv, serverPub := mustKeyPair(t)
	_, aPub := mustKeyPair(t)
	bPriv, bPub := mustKeyPair(t)

	serverTunA, err := wgengine.New(serverPriv, aPub, noopLog, noopLog)
	if err != nil {
		t.Fatalf("server tunnel for peer a: %v", err)
	}
	defer serverTunA.Close()
	serverTunB, err := wgengine.New(serverPriv, bPub, noopLog, noopLog)
	if err != nil {
		t.Fatalf("server tunnel for peer b: %v", err)
	}
	defer serverTunB.Close()

	clientB, err := wgengine.New(bPriv, serverPub, noopLog, noopLog)
	if err != nil {
		t.Fatalf("client tunnel for peer b: %v", err)
	}
	defer clientB.Close()

	peers := peertable.New()
	peerA := &peertable.Peer{PublicKey: aPub, Tunnel: serverTunA, AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.200.100.2/32")}}
	peerB := &peertable.Peer{PublicKey: bPub, Tunnel: serverTunB, AllowedIPs: []netip.Prefix{netip.MustParsePrefix("10.200.100.3/32")}}
	peers.Add(peerA) // registered first, so the slow-path scan tries it first
	peers.Add(peerB)

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer udpConn.Close()

	d := New(udpConn, nil, peers, nil)
	clientSrc := netip.MustParseAddrPort("127.0.0.1:40000")

	var initMsg []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		act := clientB.Encapsulate([]byte{0x45, 0, 0, 20, 0, 0, 0, 0, 64, 17, 0, 0, 10, 200, 100, 3, 10, 200, 100, 1})
		if act.Kind == wgengine.ActionWriteToNetwork {
			initMsg = act.Bytes
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if initMsg == nil {
		t.Fatalf("handshake initiation was never emitted")
	}

	d.handlePacket(initMsg, clientSrc)

	if peerA.Endpoint().IsValid() {
		t.Fatalf("peer a's endpoint should not have been touched, got %s", peerA.Endpoint())
	}
	if peerB.Endpoint() != clientSrc {
		t.Fatalf("expected peer b's endpoint to be learned as %s, got %s", clientSrc, peerB.Endpoint())
	}
}

func TestDestinationOfIPv4(t *testing.T) {
	pkt := make([]byte, 20)
	pkt[0] = 0x45 // version 4, IHL 5
	copy(pkt[16:20], netip.MustParseAddr("10.7.0.2").AsSlice())

	dst, ok := destinationOf(pkt)
	if !ok {
		t.Fatalf("expected a destination")
	}
	if dst.String() != "10.7.0.2" {
		t.Fatalf("got %s, want 10.7.0.2", dst)
	}
}

func TestDestinationOfIPv6(t *testing.T) {
	pkt := make([]byte, 40)
	pkt[0] = 0x60 // version 6
	addr := netip.MustParseAddr("fd00::2")
	copy(pkt[24:40], addr.AsSlice())

	dst, ok := destinationOf(pkt)
	if !ok {
		t.Fatalf("expected a destination")
	}
	if dst != addr {
		t.Fatalf("got %s, want %s", dst, addr)
	}
}

func TestDestinationOfRejectsShortOrUnknownVersion(t *testing.T) {
	if _, ok := destinationOf([]byte{0x45, 0, 0}); ok {
		t.Fatalf("expected short ipv4 packet to be rejected")
	}
	if _, ok := destinationOf([]byte{0x00}); ok {
		t.Fatalf("expected unknown ip version to be rejected")
	}
	if _, ok := destinationOf(nil); ok {
		t.Fatalf("expected empty packet to be rejected")
	}
}
