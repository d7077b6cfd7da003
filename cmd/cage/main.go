// Command cage runs an arbitrary command inside a privacy cage: a child
// user/network namespace whose only route to the outside is a userspace
// WireGuard tunnel (spec section 1/2).
package main

import (
	"fmt"
	"net"
	"os"
	"os/exec"

	"github.com/netcage/cage/internal/bridge"
	"github.com/netcage/cage/internal/config"
	"github.com/netcage/cage/internal/logging"
	"github.com/netcage/cage/internal/nsctrl"
	"github.com/netcage/cage/internal/overlay"
	"github.com/netcage/cage/internal/tundev"
	"github.com/netcage/cage/internal/wgengine"
	"github.com/netcage/cage/internal/wgkey"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "genkey":
			runGenkey()
			return
		case "pubkey":
			runPubkey(os.Args[2:])
			return
		}
	}

	cfg, err := config.ParseClientConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cage: %v\n", err)
		os.Exit(1)
	}

	switch nsctrl.CurrentStage() {
	case nsctrl.StageOne:
		runStageOne(cfg)
	case nsctrl.StageTwo:
		runStageTwo(cfg)
	}
}

func runGenkey() {
	k, err := wgkey.Generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cage: genkey: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(k.Base64())
}

func runPubkey(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cage pubkey <private-key-file>")
		os.Exit(1)
	}
	priv, err := wgkey.LoadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cage: pubkey: %v\n", err)
		os.Exit(1)
	}
	pub, err := priv.Public()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cage: pubkey: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(pub.Base64())
}

// runStageOne implements spec section 4.2 Stage 1: fork into a new user
// namespace, map uid/gid, re-exec as stage 2, wait and propagate status.
func runStageOne(cfg *config.ClientConfig) {
	targetUID, targetGID, err := nsctrl.ResolveTargetUser(cfg.User)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cage: %v\n", err)
		os.Exit(1)
	}

	var extraEnv []string
	if cfg.NoOverlay {
		extraEnv = append(extraEnv, fmt.Sprintf("%s=1", nsctrl.EnvNoOverlay))
	}

	result, err := nsctrl.RunStageOne(targetUID, targetGID, extraEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cage: %v\n", err)
		os.Exit(1)
	}
	os.Exit(result.ExitCode)
}

// runStageTwo implements spec section 4.2 Stage 2's strict sequence.
func runStageTwo(cfg *config.ClientConfig) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	logger := logging.New(level, os.Stderr)
	wgLog := logger.Component("wgengine")
	bridgeLog := logger.Component("bridge")
	mainLog := logger.Component("cage")

	remoteAddr, err := net.ResolveUDPAddr("udp", cfg.WGEndpoint)
	if err != nil {
		fatalf(mainLog, "resolve --wg-endpoint %q: %v", cfg.WGEndpoint, err)
	}

	// Step 1: bind the host-namespace UDP socket and construct the
	// tunnel before the launcher thread unshares into the new network
	// namespace (namespace-pinning invariant, spec section 4.2/5).
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		fatalf(mainLog, "bind host-namespace udp socket: %v", err)
	}
	tunnel, err := wgengine.New(cfg.WGPrivateKey, cfg.WGPublicKey, wgLog.Debugf, wgLog.Errorf)
	if err != nil {
		fatalf(mainLog, "construct wireguard tunnel: %v", err)
	}

	// Step 2: unshare into a new network namespace.
	if err := nsctrl.EnterNetworkNamespace(); err != nil {
		fatalf(mainLog, "%v", err)
	}

	// Step 3: open /dev/net/tun, bring lo up.
	tun, err := tundev.Create(cfg.TunName, 1420)
	if err != nil {
		fatalf(mainLog, "create tun device: %v", err)
	}
	if err := tundev.SetLoUp(); err != nil {
		mainLog.Warnf("bring lo up: %v", err)
	}

	// Step 4: configure the interface (fatal on v4 failure, best-effort
	// on v6).
	prefixLen := 24
	if cfg.WGAddress.Is6() {
		prefixLen = 64
	}
	if err := tundev.ConfigureV4(tun.Name(), cfg.WGAddress, prefixLen); err != nil {
		fatalf(mainLog, "configure tun interface: %v", err)
	}
	if err := tundev.ConfigureV6Best(tun.Name()); err != nil {
		mainLog.Debugf("best-effort ipv6 default route: %v", err)
	}

	// Step 5: overlay /etc if enabled.
	var overlayGuard *overlay.Guard
	if !cfg.NoOverlay && cfg.Gateway.IsValid() {
		overlayGuard, err = overlay.Mount(cfg.Gateway)
		if err != nil {
			mainLog.Warnf("mount /etc overlay: %v", err)
		} else {
			defer overlayGuard.Close()
		}
	}

	// Step 6/7: start the bridge, spawn the target command, wait, and
	// propagate its exit status. The process does not exec() the target
	// because the WireGuard I/O goroutines must stay alive in this
	// process (spec section 4.2, Non-goal note).
	br := bridge.NewClient(tun, udpConn, remoteAddr, tunnel, bridgeLog)
	br.Run()
	defer br.Stop()

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), `PS1=cage # `, fmt.Sprintf("%s=2", nsctrl.EnvStage))

	if err := cmd.Start(); err != nil {
		fatalf(mainLog, "spawn target command: %v", err)
	}
	err = cmd.Wait()
	os.Exit(exitCodeOf(err))
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return 1
}

func fatalf(log *logging.Component, format string, args ...interface{}) {
	log.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "cage: "+format+"\n", args...)
	os.Exit(1)
}
