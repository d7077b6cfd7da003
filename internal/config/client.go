// Package config defines the CLI surface and key-loading helpers for cage
// and cagesrv (spec section 6), using github.com/spf13/pflag in place of
// the teacher's stdlib flag package — grounded on ketan-10-arbok and
// getployz-ployz, both WireGuard-adjacent daemons in the retrieval pack
// that use pflag for exactly this kind of surface.
package config

import (
	"fmt"
	"net/netip"

	"github.com/netcage/cage/internal/wgkey"
	"github.com/spf13/pflag"
)

// ClientConfig is cage's parsed CLI surface (spec section 6, "Client CLI").
type ClientConfig struct {
	WGPublicKey     wgkey.Key
	WGPrivateKey    wgkey.Key
	WGEndpoint      string
	WGAddress       netip.Addr
	TunName         string
	Subnet          string // informational only, per spec section 6
	Gateway         netip.Addr
	User            string
	NoOverlay       bool
	LogLevel        string
	Command         []string
}

// ParseClientConfig parses argv (excluding the program name) into a
// ClientConfig. Trailing positional arguments are the command to run
// inside the cage, defaulting to /bin/sh (spec section 6).
func ParseClientConfig(argv []string) (*ClientConfig, error) {
	fs := pflag.NewFlagSet("cage", pflag.ContinueOnError)

	wgPublicKeyB64 := fs.String("wg-public-key", "", "remote peer's WireGuard public key (base64)")
	wgPrivateKeyFile := fs.String("wg-private-key-file", "", "path to this cage's WireGuard private key (base64)")
	wgEndpoint := fs.String("wg-endpoint", "", "remote peer's UDP endpoint, host:port")
	wgAddressStr := fs.String("wg-address", "", "this cage's tunnel address")
	tunName := fs.String("tun", "cage", "TUN interface name")
	subnet := fs.String("subnet", "", "informational subnet (not used for routing decisions)")
	gatewayStr := fs.String("gateway", "", "gateway address written into the overlaid resolv.conf")
	user := fs.String("user", "", "user (name or uid) whose uid/gid the cage maps to; defaults to the caller")
	noOverlay := fs.Bool("no-overlay", false, "do not overlay /etc/resolv.conf")
	logLevel := fs.String("log-level", "info", "error|warn|info|debug")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	cfg := &ClientConfig{
		WGEndpoint: *wgEndpoint,
		TunName:    *tunName,
		Subnet:     *subnet,
		User:       *user,
		NoOverlay:  *noOverlay,
		LogLevel:   *logLevel,
		Command:    fs.Args(),
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"/bin/sh"}
	}

	if *wgPublicKeyB64 == "" {
		return nil, fmt.Errorf("config: --wg-public-key is required")
	}
	pub, err := wgkey.Decode(*wgPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("config: --wg-public-key: %w", err)
	}
	cfg.WGPublicKey = pub

	if *wgPrivateKeyFile == "" {
		return nil, fmt.Errorf("config: --wg-private-key-file is required")
	}
	priv, err := wgkey.LoadFile(*wgPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("config: --wg-private-key-file: %w", err)
	}
	cfg.WGPrivateKey = priv

	if cfg.WGEndpoint == "" {
		return nil, fmt.Errorf("config: --wg-endpoint is required")
	}

	if *wgAddressStr == "" {
		return nil, fmt.Errorf("config: --wg-address is required")
	}
	addr, err := netip.ParseAddr(*wgAddressStr)
	if err != nil {
		return nil, fmt.Errorf("config: --wg-address: %w", err)
	}
	cfg.WGAddress = addr

	if *gatewayStr != "" {
		gw, err := netip.ParseAddr(*gatewayStr)
		if err != nil {
			return nil, fmt.Errorf("config: --gateway: %w", err)
		}
		cfg.Gateway = gw
	}

	return cfg, nil
}
