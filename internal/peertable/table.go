// Package peertable maintains the server's mapping from WireGuard public
// key to tunnel/allowed-ips/endpoint state (spec section 3, PeerTable).
package peertable

import (
	"net/netip"
	"sync"

	"github.com/netcage/cage/internal/wgengine"
)

// Peer is one entry in the table: a Tunnel, its allowed-IPs CIDR set, and
// its learned endpoint (zero value netip.AddrPort means "unset", matching
// spec section 3's Endpoint "initially None").
type Peer struct {
	PublicKey  [32]byte
	Tunnel     *wgengine.Tunnel
	AllowedIPs []netip.Prefix

	mu       sync.Mutex
	endpoint netip.AddrPort
}

// Endpoint returns the peer's currently learned endpoint, or the zero
// value if none has been learned yet.
func (p *Peer) Endpoint() netip.AddrPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// SetEndpoint records a newly learned endpoint, supporting roaming (spec
// section 4.6: "The server MUST update Endpoint on every successful
// decap").
func (p *Peer) SetEndpoint(ep netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoint = ep
}

// owns reports whether addr falls within this peer's allowed IPs, via real
// bit-based prefix matching — not the textual startswith heuristic flagged
// as a known bug in spec section 9 — and returns the matching prefix's
// length for longest-prefix-match comparison by the table.
func (p *Peer) owns(addr netip.Addr) (int, bool) {
	best := -1
	for _, prefix := range p.AllowedIPs {
		if prefix.Contains(addr) && prefix.Bits() > best {
			best = prefix.Bits()
		}
	}
	return best, best >= 0
}

// Table is the server's peer set: static membership after startup, mutable
// per-peer endpoint. Its mutex guards membership and is held only while a
// lookup takes a snapshot of the peers; crypto operations run under each
// peer Tunnel's own mutex, and the UDP send happens after that is released.
type Table struct {
	mu    sync.Mutex
	byKey map[[32]byte]*Peer
	order []*Peer // stable iteration order for the slow-path scan
}

// New creates an empty Table.
func New() *Table {
	return &Table{byKey: make(map[[32]byte]*Peer)}
}

// Add registers a peer. Called only during startup (spec section 4.6:
// "static membership").
func (t *Table) Add(p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[p.PublicKey] = p
	t.order = append(t.order, p)
}

// ByKey returns the peer for a public key, if registered.
func (t *Table) ByKey(pub [32]byte) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byKey[pub]
	return p, ok
}

// ByEndpoint returns the peer whose learned endpoint equals ep, the fast
// path for spec section 4.6's "attempt decapsulation against the peer
// whose learned endpoint matches the source address".
func (t *Table) ByEndpoint(ep netip.AddrPort) (*Peer, bool) {
	t.mu.Lock()
	peers := append([]*Peer(nil), t.order...)
	t.mu.Unlock()
	for _, p := range peers {
		if p.Endpoint() == ep {
			return p, true
		}
	}
	return nil, false
}

// All returns a snapshot of every registered peer, in registration order,
// the slow path for spec section 4.6's "on miss, try every peer in turn".
func (t *Table) All() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Peer(nil), t.order...)
}

// Owner returns the peer whose allowed-ips most specifically covers addr,
// per spec section 4.6's "Select the peer whose allowed_ips covers the
// destination" / "Tie-breaker: longest matching prefix wins" (spec section
// 8's quantified owns_ip invariant, realized with net/netip bit-based
// matching rather than the textual heuristic section 9 flags as a bug).
func (t *Table) Owner(addr netip.Addr) (*Peer, bool) {
	peers := t.All()
	var bestPeer *Peer
	bestBits := -1
	for _, p := range peers {
		bits, ok := p.owns(addr)
		if ok && bits > bestBits {
			bestBits = bits
			bestPeer = p
		}
	}
	return bestPeer, bestPeer != nil
}
