package server

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"

	"github.com/netcage/cage/internal/tundev"
)

// NATConfig describes the rules Setup installs, grounded on
// original_source/src/server.rs's setup_nat/cleanup_nat.
type NATConfig struct {
	SubnetCIDR netip.Prefix
	TunName    string
	OutIface   string
}

// EnableIPForwarding writes "1" to /proc/sys/net/ipv4/ip_forward
// (original_source/src/server.rs::main, spec section 6 "Kernel interfaces
// consumed").
func EnableIPForwarding() error {
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0644); err != nil {
		return fmt.Errorf("natsetup: enable ip_forward: %w", err)
	}
	return nil
}

// ResolveOutboundInterface returns explicit if set, otherwise the
// system default route's device (original "get_default_interface").
func ResolveOutboundInterface(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return tundev.DefaultRouteInterface()
}

func iptablesRuleExists(args ...string) bool {
	checkArgs := append([]string{"-C"}, args...)
	cmd := exec.Command("iptables", checkArgs...)
	return cmd.Run() == nil
}

func iptablesApply(verb string, args ...string) error {
	cmd := exec.Command("iptables", append([]string{verb}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("natsetup: iptables %s %v: %w: %s", verb, args, err, out)
	}
	return nil
}

// masqueradeArgs and forwardArgs are shared between install and cleanup so
// the -C existence check and the -A/-D mutation always agree on the rule
// shape (original "setup_nat"/"cleanup_nat" use the same literal args for
// both).
func masqueradeArgs(cfg NATConfig) []string {
	return []string{"POSTROUTING", "-t", "nat", "-s", cfg.SubnetCIDR.String(), "-o", cfg.OutIface, "-j", "MASQUERADE"}
}

func forwardInArgs(cfg NATConfig) []string {
	return []string{"FORWARD", "-i", cfg.TunName, "-j", "ACCEPT"}
}

func forwardOutArgs(cfg NATConfig) []string {
	return []string{"FORWARD", "-o", cfg.TunName, "-j", "ACCEPT"}
}

// Setup installs the server's route, NAT and forwarding rules. Rule
// installation is idempotent (spec section 8's quantified invariant):
// running the server twice leaves at most one copy of each iptables rule,
// via a presence check (-C) before every -A.
func Setup(cfg NATConfig) error {
	if err := tundev.AddSubnetRoute(cfg.TunName, cfg.SubnetCIDR); err != nil {
		return fmt.Errorf("natsetup: install subnet route: %w", err)
	}
	if err := EnableIPForwarding(); err != nil {
		return err
	}
	for _, args := range [][]string{masqueradeArgs(cfg), forwardInArgs(cfg), forwardOutArgs(cfg)} {
		if !iptablesRuleExists(args...) {
			if err := iptablesApply("-A", args...); err != nil {
				return err
			}
		}
	}
	// Route survival: a running systemd-networkd can delete the TUN
	// route out from under the process once NAT/forward rules are
	// installed (original_source/src/server.rs's verify_route closure).
	// Re-apply once more here. The route is not checked again after this;
	// the permanent fix is marking the interface unmanaged
	// (/etc/systemd/network/99-ignore-wg.network with Unmanaged=yes).
	if err := tundev.AddSubnetRoute(cfg.TunName, cfg.SubnetCIDR); err != nil {
		return fmt.Errorf("natsetup: re-apply subnet route after NAT setup: %w", err)
	}
	return nil
}

// Cleanup reverses the rules Setup installed, ignoring errors for rules
// that are already gone (SIGINT handler, original "cleanup_nat").
func Cleanup(cfg NATConfig) {
	for _, args := range [][]string{masqueradeArgs(cfg), forwardInArgs(cfg), forwardOutArgs(cfg)} {
		_ = iptablesApply("-D", args...)
	}
}
