package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/netcage/cage/internal/wgkey"
	"github.com/spf13/pflag"
)

// PeerSpec is one --peer flag's parsed value.
type PeerSpec struct {
	PublicKey  wgkey.Key
	AllowedIPs []netip.Prefix
}

// ServerConfig is cagesrv's parsed CLI surface (spec section 6, "Server
// CLI").
type ServerConfig struct {
	PrivateKey        wgkey.Key
	ListenAddr        string
	Subnet            netip.Addr
	SubnetCIDR        netip.Prefix
	TunName           string
	OutboundInterface string
	Peers             []PeerSpec
	MetricsAddr       string // additive, see SPEC_FULL.md DOMAIN STACK
}

// peerFlag accumulates repeated --peer pubkey,cidr values. A later --peer
// for the same public key replaces the earlier one (matching the original
// Rust implementation's HashMap insert semantics).
type peerFlag struct {
	specs *[]PeerSpec
}

func (f *peerFlag) String() string { return "" }
func (f *peerFlag) Type() string   { return "pubkey,cidr" }

func (f *peerFlag) Set(value string) error {
	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return fmt.Errorf("--peer must be pubkey,cidr, got %q", value)
	}
	pub, err := wgkey.Decode(parts[0])
	if err != nil {
		return fmt.Errorf("--peer public key: %w", err)
	}
	cidr, err := netip.ParsePrefix(parts[1])
	if err != nil {
		return fmt.Errorf("--peer cidr: %w", err)
	}
	spec := PeerSpec{PublicKey: pub, AllowedIPs: []netip.Prefix{cidr}}

	for i, existing := range *f.specs {
		if existing.PublicKey == pub {
			(*f.specs)[i] = spec
			return nil
		}
	}
	*f.specs = append(*f.specs, spec)
	return nil
}

// ParseServerConfig parses argv (excluding the program name) into a
// ServerConfig.
func ParseServerConfig(argv []string) (*ServerConfig, error) {
	fs := pflag.NewFlagSet("cagesrv", pflag.ContinueOnError)

	privateKeyFile := fs.String("private-key-file", "", "path to the server's WireGuard private key (base64)")
	listenAddr := fs.String("listen-addr", "0.0.0.0:51820", "UDP listen address")
	subnetStr := fs.String("subnet", "10.200.100.1", "server's own tunnel address")
	subnetCIDRStr := fs.String("subnet-cidr", "10.200.100.0/24", "subnet routed to the TUN interface")
	tunName := fs.String("tun-name", "wg-srv", "TUN interface name")
	outboundIface := fs.String("outbound-interface", "", "NAT outbound interface; default route's device if unset")
	metricsAddr := fs.String("metrics-addr", "", "optional address to serve Prometheus metrics on")

	var peers []PeerSpec
	fs.Var(&peerFlag{specs: &peers}, "peer", "pubkey,cidr (repeatable)")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	cfg := &ServerConfig{
		ListenAddr:        *listenAddr,
		TunName:           *tunName,
		OutboundInterface: *outboundIface,
		Peers:             peers,
		MetricsAddr:       *metricsAddr,
	}

	if *privateKeyFile == "" {
		return nil, fmt.Errorf("config: --private-key-file is required")
	}
	priv, err := wgkey.LoadFile(*privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: --private-key-file: %w", err)
	}
	cfg.PrivateKey = priv

	subnet, err := netip.ParseAddr(*subnetStr)
	if err != nil {
		return nil, fmt.Errorf("config: --subnet: %w", err)
	}
	cfg.Subnet = subnet

	subnetCIDR, err := netip.ParsePrefix(*subnetCIDRStr)
	if err != nil {
		return nil, fmt.Errorf("config: --subnet-cidr: %w", err)
	}
	cfg.SubnetCIDR = subnetCIDR

	if len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("config: at least one --peer is required")
	}

	return cfg, nil
}
