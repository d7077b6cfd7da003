package peertable

import (
	"net/netip"
	"testing"
)

func peerWithCIDRs(key byte, cidrs ...string) *Peer {
	var prefixes []netip.Prefix
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	var pub [32]byte
	pub[0] = key
	return &Peer{PublicKey: pub, AllowedIPs: prefixes}
}

// TestOwnerLongestPrefixWins exercises spec section 8's quantified
// invariant: for peer configs P=(net,prefix) and addresses A, owns_ip is
// true iff A's leading prefix bits equal net's, and the most-specific
// match wins when more than one peer matches.
func TestOwnerLongestPrefixWins(t *testing.T) {
	tbl := New()
	broad := peerWithCIDRs(1, "10.0.0.0/8")
	narrow := peerWithCIDRs(2, "10.7.0.2/32")
	tbl.Add(broad)
	tbl.Add(narrow)

	owner, ok := tbl.Owner(netip.MustParseAddr("10.7.0.2"))
	if !ok {
		t.Fatalf("expected an owner")
	}
	if owner != narrow {
		t.Fatalf("expected the /32 peer to win over the /8 peer")
	}

	owner, ok = tbl.Owner(netip.MustParseAddr("10.9.9.9"))
	if !ok || owner != broad {
		t.Fatalf("expected the /8 peer to own an address only it covers")
	}
}

func TestOwnerNoMatchDrops(t *testing.T) {
	tbl := New()
	tbl.Add(peerWithCIDRs(1, "10.0.0.0/24"))

	_, ok := tbl.Owner(netip.MustParseAddr("192.168.1.1"))
	if ok {
		t.Fatalf("expected no owner for an address outside every peer's allowed ips")
	}
}

// TestOwnerRejectsTextualPrefixBug guards against the exact bug spec
// section 9 says must not be reproduced: "10.1" must not own "10.100.0.5"
// just because its string form starts with "10.1".
func TestOwnerRejectsTextualPrefixBug(t *testing.T) {
	tbl := New()
	tbl.Add(peerWithCIDRs(1, "10.1.0.0/16"))

	_, ok := tbl.Owner(netip.MustParseAddr("10.100.0.5"))
	if ok {
		t.Fatalf("textual startswith bug reproduced: 10.100.0.5 incorrectly matched 10.1.0.0/16")
	}
}

func TestEndpointRoaming(t *testing.T) {
	tbl := New()
	p := peerWithCIDRs(1, "10.0.0.0/24")
	tbl.Add(p)

	a := netip.MustParseAddrPort("203.0.113.1:51820")
	p.SetEndpoint(a)

	found, ok := tbl.ByEndpoint(a)
	if !ok || found != p {
		t.Fatalf("expected fast-path lookup by learned endpoint to find the peer")
	}

	b := netip.MustParseAddrPort("198.51.100.2:51820")
	p.SetEndpoint(b)
	if _, ok := tbl.ByEndpoint(a); ok {
		t.Fatalf("old endpoint should no longer resolve after roaming")
	}
	if found, ok := tbl.ByEndpoint(b); !ok || found != p {
		t.Fatalf("expected new endpoint to resolve after roaming")
	}
}
