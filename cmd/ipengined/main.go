// Command ipengined runs the embedded IPv4 engine as a standalone daemon,
// binding either a live network interface (internal/rawsock) or a capture
// file (internal/pcapdriver). The CLI follows the usual cobra+viper shape:
// a root command with persistent flags, and a long-running subcommand that
// sets up signal-driven graceful shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/embernet/ipcore/internal/engcfg"
	"github.com/embernet/ipcore/internal/obslog"
	"github.com/embernet/ipcore/internal/pcapdriver"
	"github.com/embernet/ipcore/internal/rawsock"
	"github.com/embernet/ipcore/internal/telemetry"
	"github.com/embernet/ipcore/pkg/common"
	"github.com/embernet/ipcore/pkg/icmp"
	"github.com/embernet/ipcore/pkg/igmp"
	"github.com/embernet/ipcore/pkg/ip"
	"github.com/embernet/ipcore/pkg/tcp"
	"github.com/embernet/ipcore/pkg/udp"
)

const defaultPayloadSize = 2048

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ipengined: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ipengined",
		Short: "Run the embedded IPv4 engine",
		Long: `ipengined hosts the datagram engine (validation, fragment reassembly,
demultiplexing, and transmit preparation) against either a live Ethernet
interface or a recorded packet capture, replaying or emitting traffic
through the same pkg/ip.Engine either way.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	engcfg.RegisterFlags(root.PersistentFlags())
	return root
}

func run(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := engcfg.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	log := obslog.New(obslog.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON, FilePath: cfg.LogFile})
	log.WithField("interface", cfg.Interface).Info("ipengined starting")

	registry := prometheus.NewRegistry()
	counters := telemetry.NewCounters(registry)
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, registry, log)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engineCfg := ip.EngineConfig{
		MaxPerIf:          cfg.MaxPerIf,
		FragReasmTimeout:  cfg.FragReasmTimeout,
		LoopbackIf:        cfg.LoopbackIfNbr,
		ChecksumOffloadRX: cfg.ChecksumOffloadRX,
		ChecksumOffloadTX: cfg.ChecksumOffloadTX,
		MCastModuleEn:     cfg.MCastModuleEn,
		IGMPModuleEn:      cfg.IGMPModuleEn,
		TCPModuleEn:       cfg.TCPModuleEn,
		ICMPv4ModuleEn:    cfg.ICMPv4ModuleEn,
	}

	udpDemux := udp.NewDemultiplexer()
	udpReceiver := udp.NewReceiver(udpDemux)
	tcpTable := tcp.NewSocketTable()
	tcpReceiver := tcp.NewReceiver(tcpTable)
	closer := multiCloser{udpReceiver, tcpReceiver}

	mtus := &mtuTable{}

	// GroupMembership is wired onto Validator below, once IGMP exists, since
	// igmp.Manager itself needs engine to construct (it transmits reports
	// through it); NewEngine is given nil here and corrected immediately
	// after, before any datagram can reach Receive.
	engine := ip.NewEngine(engineCfg, defaultPayloadSize, closer, nil, mtus, counters)
	defer engine.Close()

	localAddrs := func(ifNbr int) (common.IPv4Address, bool) {
		addrs := engine.Addrs.GetAll(ifNbr)
		if len(addrs) == 0 {
			return common.IPv4Address{}, false
		}
		return addrs[0], true
	}

	if cfg.ICMPv4ModuleEn {
		responder := &icmp.Responder{Engine: engine, LocalAddrs: localAddrs}
		engine.RegisterICMP(responder)
	}
	if cfg.IGMPModuleEn {
		igmpMgr := igmp.NewManager(engine, localAddrs)
		if cfg.Interface != "" {
			if joiner, joinErr := igmp.NewOSJoiner(); joinErr == nil {
				igmpMgr.OSJoiner = joiner
				igmpMgr.IfName = func(ifNbr int) (string, bool) {
					if ifNbr != 0 {
						return "", false
					}
					return cfg.Interface, true
				}
			} else {
				log.WithError(joinErr).Warn("multicast kernel membership control socket unavailable")
			}
		}
		engine.Validator.Groups = igmpMgr
		engine.RegisterIGMP(igmpMgr)
	}
	engine.RegisterUDP(udpReceiver)
	if cfg.TCPModuleEn {
		engine.RegisterTCP(tcpReceiver)
	}

	for _, sa := range cfg.StaticAddrs {
		host, mask, gw, err := sa.Addr()
		if err != nil {
			return err
		}
		if err := engine.Addrs.CfgAddStatic(sa.IfNbr, host, mask, gw, sa.HasGwFlag); err != nil {
			return fmt.Errorf("static_addrs[if=%d]: %w", sa.IfNbr, err)
		}
	}

	driver, err := openDriver(cfg, engine, mtus)
	if err != nil {
		return err
	}
	defer driver.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	runErr := driver.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// ioDriver is the common surface internal/rawsock.Driver and
// internal/pcapdriver.Driver both satisfy.
type ioDriver interface {
	Run(ctx context.Context) error
	Close() error
}

func openDriver(cfg *engcfg.Config, engine *ip.Engine, mtus *mtuTable) (ioDriver, error) {
	const ifNbr = 0
	if cfg.Interface == "" {
		d, err := pcapdriver.Open("", "", ifNbr, engine, common.MACAddress{})
		if err != nil {
			return nil, err
		}
		mtus.add(d)
		return d, nil
	}

	d, err := rawsock.Open(cfg.Interface, ifNbr, engine, nil)
	if err != nil {
		return nil, err
	}
	mtus.add(d)
	return d, nil
}

// mtuTable composes one or more interface drivers into a single
// ip.MTUProvider, since Transmitter.MTUs is set once at NewEngine time,
// before any driver exists.
type mtuTable struct {
	providers []ip.MTUProvider
}

func (m *mtuTable) add(p ip.MTUProvider) { m.providers = append(m.providers, p) }

func (m *mtuTable) MTU(ifNbr int) int {
	for _, p := range m.providers {
		if mtu := p.MTU(ifNbr); mtu > 0 {
			return mtu
		}
	}
	return 0
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("metrics server stopped")
	}
}
