package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/netcage/cage/internal/wgkey"
)

func genB64(t *testing.T) string {
	t.Helper()
	k, err := wgkey.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return k.Base64()
}

func TestPeerFlagLastWins(t *testing.T) {
	var specs []PeerSpec
	f := &peerFlag{specs: &specs}

	pub := genB64(t)
	if err := f.Set(pub + ",10.0.0.1/32"); err != nil {
		t.Fatalf("set 1: %v", err)
	}
	if err := f.Set(pub + ",10.0.0.2/32"); err != nil {
		t.Fatalf("set 2: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("expected a single merged peer, got %d", len(specs))
	}
	if specs[0].AllowedIPs[0].String() != "10.0.0.2/32" {
		t.Fatalf("expected the later --peer to win, got %s", specs[0].AllowedIPs[0])
	}
}

func TestPeerFlagRejectsMalformed(t *testing.T) {
	var specs []PeerSpec
	f := &peerFlag{specs: &specs}
	if err := f.Set("not-a-valid-entry"); err == nil {
		t.Fatalf("expected an error for a malformed --peer value")
	}
}

func TestParseServerConfigRequiresAtLeastOnePeer(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "server.key")
	if err := os.WriteFile(keyFile, []byte(genB64(t)+"\n"), 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	_, err := ParseServerConfig([]string{"--private-key-file", keyFile})
	if err == nil {
		t.Fatalf("expected an error when no --peer is given")
	}
}
