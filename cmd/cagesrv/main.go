// Command cagesrv runs the server half of a cage: a single UDP socket
// dispatching WireGuard traffic for many peers onto one TUN device, with NAT
// onto an outbound interface (spec section 1/4.6).
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/netcage/cage/internal/config"
	"github.com/netcage/cage/internal/logging"
	"github.com/netcage/cage/internal/peertable"
	"github.com/netcage/cage/internal/server"
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

	cfg, err := config.ParseServerConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cagesrv: %v\n", err)
		os.Exit(1)
	}
	run(cfg)
}

func runGenkey() {
	k, err := wgkey.Generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cagesrv: genkey: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(k.Base64())
}

func runPubkey(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cagesrv pubkey <private-key-file>")
		os.Exit(1)
	}
	priv, err := wgkey.LoadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cagesrv: pubkey: %v\n", err)
		os.Exit(1)
	}
	pub, err := priv.Public()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cagesrv: pubkey: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(pub.Base64())
}

func run(cfg *config.ServerConfig) {
	logger := logging.New(logging.LevelInfo, os.Stderr)
	mainLog := logger.Component("cagesrv")
	wgLog := logger.Component("wgengine")
	dispatchLog := logger.Component("dispatcher")

	pub, err := cfg.PrivateKey.Public()
	if err != nil {
		fatalf(mainLog, "derive server public key: %v", err)
	}

	peers := peertable.New()
	for _, spec := range cfg.Peers {
		tunnel, err := wgengine.New(cfg.PrivateKey, spec.PublicKey, wgLog.Debugf, wgLog.Errorf)
		if err != nil {
			fatalf(mainLog, "construct tunnel for peer: %v", err)
		}
		peers.Add(&peertable.Peer{
			PublicKey:  spec.PublicKey,
			Tunnel:     tunnel,
			AllowedIPs: spec.AllowedIPs,
		})
	}
	mainLog.Infof("server public key: %s", pub.Base64())
	mainLog.Infof("loaded %d peer(s)", len(cfg.Peers))

	tun, err := tundev.Create(cfg.TunName, 1420)
	if err != nil {
		fatalf(mainLog, "create tun device: %v", err)
	}
	prefixLen := cfg.SubnetCIDR.Bits()
	if err := tundev.ConfigureAddressOnly(tun.Name(), cfg.Subnet, prefixLen); err != nil {
		fatalf(mainLog, "configure tun interface: %v", err)
	}
	if err := tundev.AddSubnetRoute(tun.Name(), cfg.SubnetCIDR); err != nil {
		fatalf(mainLog, "install subnet route: %v", err)
	}

	outIface, err := server.ResolveOutboundInterface(cfg.OutboundInterface)
	if err != nil {
		fatalf(mainLog, "resolve outbound interface: %v", err)
	}
	mainLog.Infof("nat outbound interface: %s", outIface)

	natCfg := server.NATConfig{
		SubnetCIDR: cfg.SubnetCIDR,
		TunName:    tun.Name(),
		OutIface:   outIface,
	}
	if err := server.Setup(natCfg); err != nil {
		fatalf(mainLog, "nat setup: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		mainLog.Infof("shutting down, removing nat rules")
		server.Cleanup(natCfg)
		os.Exit(0)
	}()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, mainLog)
	}

	listenAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		fatalf(mainLog, "resolve --listen-addr %q: %v", cfg.ListenAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		fatalf(mainLog, "bind %s: %v", cfg.ListenAddr, err)
	}

	dispatcher := server.New(udpConn, tun, peers, dispatchLog)
	if err := dispatcher.Run(); err != nil {
		fatalf(mainLog, "dispatcher: %v", err)
	}
}

func serveMetrics(addr string, log *logging.Component) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	log.Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server: %v", err)
	}
}

func fatalf(log *logging.Component, format string, args ...interface{}) {
	log.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "cagesrv: "+format+"\n", args...)
	os.Exit(1)
}
