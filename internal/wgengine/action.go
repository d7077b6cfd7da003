// Package wgengine wraps golang.zx2c4.com/wireguard's device.Device behind
// the pure-buffer Tunnel/Action facade this system is built around:
// encapsulate/decapsulate/tick each return a single Action describing what
// the caller must do next (spec section 4.1).
package wgengine

import "net/netip"

// ActionKind tags the variant carried by an Action.
type ActionKind int

const (
	// ActionDone means the engine consumed the input and produced no
	// output. For Encapsulate this means "handshake in progress"; for
	// Decapsulate it means "accepted, nothing to send back".
	ActionDone ActionKind = iota
	// ActionWriteToNetwork carries ciphertext the caller must send to a
	// remote UDP endpoint (handshake message, cookie reply, or transport
	// data).
	ActionWriteToNetwork
	// ActionWriteToTunnelV4 carries a decrypted IPv4 packet to write to
	// the TUN device.
	ActionWriteToTunnelV4
	// ActionWriteToTunnelV6 carries a decrypted IPv6 packet to write to
	// the TUN device.
	ActionWriteToTunnelV6
	// ActionErr means the engine rejected the input. Non-fatal: the
	// caller logs and discards it.
	ActionErr
	// ActionRejected means Decapsulate's wait timed out AND the device
	// logged a message-authentication rejection for this ciphertext (bad
	// MAC1, unknown sender static key, failed AEAD open, ...). Unlike
	// ActionDone, this tells the caller the ciphertext was never meant for
	// this Tunnel at all, so a multi-peer dispatcher must keep trying
	// other peers instead of treating the timeout as "accepted".
	ActionRejected
)

func (k ActionKind) String() string {
	switch k {
	case ActionDone:
		return "done"
	case ActionWriteToNetwork:
		return "write-to-network"
	case ActionWriteToTunnelV4:
		return "write-to-tunnel-v4"
	case ActionWriteToTunnelV6:
		return "write-to-tunnel-v6"
	case ActionErr:
		return "err"
	case ActionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Action is the tagged result of Encapsulate, Decapsulate or Tick.
type Action struct {
	Kind  ActionKind
	Bytes []byte
	// SrcIP is set for ActionWriteToTunnelV4/V6, the packet's source
	// address as read from the IP header (advisory, for logging/roaming).
	SrcIP netip.Addr
	// Err is set for ActionErr.
	Err error
}

func doneAction() Action { return Action{Kind: ActionDone} }

func rejectedAction() Action { return Action{Kind: ActionRejected} }

func errAction(err error) Action { return Action{Kind: ActionErr, Err: err} }

func networkAction(b []byte) Action { return Action{Kind: ActionWriteToNetwork, Bytes: b} }
