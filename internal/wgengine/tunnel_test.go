package wgengine

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/netcage/cage/internal/wgkey"
)

var testSrc = netip.MustParseAddrPort("192.0.2.1:51820")

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

// TestRoundTrip exercises the quantified invariant from spec section 8:
// decapsulate(encapsulate(P)) == P once the handshake is complete.
func TestRoundTrip(t *testing.T) {
	aPriv, aPub := mustKeyPair(t)
	bPriv, bPub := mustKeyPair(t)

	a, err := New(aPriv, bPub, noopLog, noopLog)
	if err != nil {
		t.Fatalf("new tunnel a: %v", err)
	}
	defer a.Close()

	b, err := New(bPriv, aPub, noopLog, noopLog)
	if err != nil {
		t.Fatalf("new tunnel b: %v", err)
	}
	defer b.Close()

	// Drive the handshake: a's first encapsulate emits a handshake
	// initiation (ActionDone would also be acceptable if the device
	// hasn't scheduled it yet, so retry briefly).
	var initMsg []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		act := a.Encapsulate([]byte{0x45, 0, 0, 20, 0, 0, 0, 0, 64, 17, 0, 0, 10, 0, 0, 1, 10, 0, 0, 2})
		if act.Kind == ActionWriteToNetwork {
			initMsg = act.Bytes
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if initMsg == nil {
		t.Fatalf("handshake initiation was never emitted")
	}

	respAct := b.Decapsulate(testSrc, initMsg)
	if respAct.Kind != ActionWriteToNetwork {
		t.Fatalf("expected handshake response, got %v", respAct.Kind)
	}

	finishAct := a.Decapsulate(testSrc, respAct.Bytes)
	_ = finishAct // may be ActionDone (keepalive not yet observed) or a write

	payload := []byte("hello over the cage")
	var cipher []byte
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		act := a.Encapsulate(append([]byte{0x45, 0, 0, byte(20 + len(payload))}, append(make([]byte, 16), payload...)...))
		if act.Kind == ActionWriteToNetwork {
			cipher = act.Bytes
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if cipher == nil {
		t.Fatalf("transport packet was never emitted")
	}

	plainAct := b.Decapsulate(testSrc, cipher)
	if plainAct.Kind != ActionWriteToTunnelV4 {
		t.Fatalf("expected decrypted ipv4 payload, got %v (err=%v)", plainAct.Kind, plainAct.Err)
	}
	if !bytes.Contains(plainAct.Bytes, payload) {
		t.Fatalf("round-trip payload mismatch: got %q", plainAct.Bytes)
	}
}

func TestTickDrainsNothingWhenIdle(t *testing.T) {
	priv, pub := mustKeyPair(t)
	tn, err := New(priv, pub, noopLog, noopLog)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer tn.Close()

	act := tn.Tick()
	if act.Kind != ActionDone {
		t.Fatalf("expected ActionDone on an idle tunnel, got %v", act.Kind)
	}
}
