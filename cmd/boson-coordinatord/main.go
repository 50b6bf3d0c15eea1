// boson-coordinatord is the Coordinator process: Store/Cache, NodeRegistry,
// HeartbeatManager, LoadBalancer+RouteSelector, SessionStore, WSRelay,
// UDPRelay, and Dispatcher wired together behind a single HTTP API.
//
// Modeled on devopsclaw/cmd/devopsclaw's cobra root, generalized from an
// interactive CLI to a single long-running "serve" daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bosonmesh/overlay/pkg/api"
	"github.com/bosonmesh/overlay/pkg/audit"
	"github.com/bosonmesh/overlay/pkg/bosonstore"
	"github.com/bosonmesh/overlay/pkg/config"
	"github.com/bosonmesh/overlay/pkg/dispatch"
	"github.com/bosonmesh/overlay/pkg/health"
	"github.com/bosonmesh/overlay/pkg/heartbeat"
	"github.com/bosonmesh/overlay/pkg/mtls"
	"github.com/bosonmesh/overlay/pkg/observability"
	"github.com/bosonmesh/overlay/pkg/registry"
	"github.com/bosonmesh/overlay/pkg/routing"
	"github.com/bosonmesh/overlay/pkg/session"
	"github.com/bosonmesh/overlay/pkg/udprelay"
	"github.com/bosonmesh/overlay/pkg/wsrelay"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "boson-coordinatord",
		Short:         "Boson overlay Coordinator",
		Long:          "boson-coordinatord runs the control plane: node registry, heartbeat liveness, route selection, session tracking, and the WS/UDP relay paths to Nodes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the coordinator version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("boson-coordinatord %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Coordinator until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

// auditNoPathSink adapts audit.Logger to dispatch.EventSink.
type auditNoPathSink struct {
	log *audit.Logger
}

func (s auditNoPathSink) NoPath(ev dispatch.NoPathEvent) {
	if err := s.log.LogDispatchNoPath(context.Background(), ev.NodeID, ev.ClientID, ev.SessionID, ev.Reason); err != nil {
		slog.Default().Warn("audit: log dispatch no-path failed", "err", err)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadCoordinator()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	store, err := bosonstore.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	reg := registry.New(store, cfg.CacheTTLNode, logger)
	hb := heartbeat.New(reg, cfg.SweepIntervalRegistry, logger)
	sel := routing.New(reg, cfg.RouteTTL)
	sessions := session.New(store, cfg.CacheTTLSession, cfg.SweepIntervalSessions, logger)

	auditLog := audit.NewLogger(audit.NewFileStore(cfg.LogDir))
	metrics := observability.NewBosonMetrics()

	disp := dispatch.New(reg, cfg.NodeAPIPort, auditNoPathSink{log: auditLog}, logger)

	relay := wsrelay.New(sessions, disp, wsrelay.Config{
		HeartbeatPeriod: cfg.WSHeartbeatPeriod,
		BatchMax:        cfg.WSBatchMax,
		BatchWindow:     time.Duration(cfg.WSBatchWindowMS) * time.Millisecond,
	}, logger)
	disp.SetWSSender(relay)

	nodeRelay := wsrelay.NewNodeRelay(sessions, disp, wsrelay.Config{
		HeartbeatPeriod: cfg.WSHeartbeatPeriod,
	}, logger)
	disp.SetNodeSender(nodeRelay)

	udpAddr := fmt.Sprintf(":%d", cfg.WireguardPort)
	udp, err := udprelay.New(udpAddr, disp, relay, sessions, logger)
	if err != nil {
		return fmt.Errorf("start udp relay: %w", err)
	}
	disp.SetUDPSender(udp)
	defer udp.Close()

	handler := api.New(cfg, reg, hb, sel, sessions, disp, metrics, auditLog)
	apiServer := api.NewServer(cfg.ServerHost, cfg.ServerPort, handler, logger)
	apiServer.Engine().Any("/relay/*path", gin.WrapF(relay.Handler()))
	apiServer.Engine().Any("/node-relay/*path", gin.WrapF(nodeRelay.Handler("/node-relay/")))

	if cfg.MTLSEnabled {
		tlsCfg, err := mtls.ServerTLSConfig(mtls.Config{
			CACertFile:        cfg.MTLSCACertFile,
			ServerCertFile:    cfg.MTLSServerCertFile,
			ServerKeyFile:     cfg.MTLSServerKeyFile,
			RequireClientCert: cfg.MTLSRequireClientCert,
		})
		if err != nil {
			return fmt.Errorf("build mtls server config: %w", err)
		}
		apiServer.EnableTLS(tlsCfg)
		logger.Info("mTLS node authentication enabled", "require_client_cert", cfg.MTLSRequireClientCert)
	}

	healthSrv := health.NewServer(cfg.ServerHost, cfg.ServerPort+1)
	healthSrv.RegisterCheck("store", func() (bool, string) {
		if _, err := store.ListNodes(ctx); err != nil {
			return false, err.Error()
		}
		return true, "ok"
	})

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { hb.Run(gctx); return nil })
	group.Go(func() error { sessions.Run(gctx); return nil })
	group.Go(func() error { udp.Run(gctx); return nil })
	group.Go(func() error { return udp.Serve(gctx) })
	group.Go(func() error { return healthSrv.Start(gctx) })
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthSrv.Stop(shutdownCtx)
	})
	group.Go(func() error {
		if err := apiServer.ListenAndServe(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	healthSrv.SetReady(true)
	logger.Info("coordinator started", "api_addr", apiServer.Addr(), "udp_addr", udpAddr)

	return group.Wait()
}
