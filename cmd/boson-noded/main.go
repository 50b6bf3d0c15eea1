// boson-noded is the Node-Agent process (C9): STUN NAT detection, long-term
// keys, Coordinator registration, the durable WS attachment, the
// PacketForwarder (C10), the Node's own HTTP fallback surface, and the
// periodic HealthCheck (C11).
//
// Modeled on boson-coordinatord's cobra root and errgroup/signal.NotifyContext
// shutdown, generalized from the Coordinator's service set to the
// Node-Agent's.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bosonmesh/overlay/pkg/config"
	"github.com/bosonmesh/overlay/pkg/forwarder"
	"github.com/bosonmesh/overlay/pkg/healthcheck"
	"github.com/bosonmesh/overlay/pkg/natctl"
	"github.com/bosonmesh/overlay/pkg/nodeagent"
	"github.com/bosonmesh/overlay/pkg/nodeapi"
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
		Use:           "boson-noded",
		Short:         "Boson overlay Node-Agent",
		Long:          "boson-noded runs the Node-Agent egress runtime: STUN NAT detection, Coordinator registration, the durable WS attachment, and IP packet forwarding to the Internet.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the node-agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("boson-noded %s\n", version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var iface string
	var nodeAPIHost string
	var nodeAPIPort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Node-Agent until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, iface, nodeAPIHost, nodeAPIPort)
		},
	}
	cmd.Flags().StringVar(&iface, "interface", "eth0", "physical egress interface for NAT enable (ignored in API-mode)")
	cmd.Flags().StringVar(&nodeAPIHost, "node-api-host", "0.0.0.0", "bind host for the Node's own HTTP fallback endpoint")
	cmd.Flags().IntVar(&nodeAPIPort, "node-api-port", 8088, "bind port for the Node's own HTTP fallback endpoint")
	return cmd
}

func serve(ctx context.Context, iface, nodeAPIHost string, nodeAPIPort int) error {
	cfg, err := config.LoadNodeAgent()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NodeID == "" {
		return fmt.Errorf("NODE_ID is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var nat nodeagent.NATEnabler
	if !cfg.APIMode {
		nat = natctl.New(iface)
	}

	agent := nodeagent.New(cfg, nat, logger)

	fwd, err := forwarder.New(agent, logger)
	if err != nil {
		return fmt.Errorf("start forwarder: %w", err)
	}

	api := nodeapi.New(nodeAPIHost, nodeAPIPort, fwd, logger)

	hc := healthcheck.New(healthcheck.Config{
		NATCheck:     func(ctx context.Context) bool { return cfg.APIMode || agent.Connected() },
		RoutingCheck: agent.CheckRouting,
		WSCheck:      func(ctx context.Context) bool { return agent.Connected() },
		Recoverer:    agent,
		APIMode:      cfg.APIMode,
		Interval:     cfg.HealthCheckInterval,
	}, logger)

	if err := agent.Start(ctx); err != nil {
		return fmt.Errorf("node-agent start: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { agent.RunHeartbeat(gctx); return nil })
	group.Go(func() error { agent.RunReceiver(gctx, fwd); return nil })
	group.Go(func() error { fwd.Run(gctx); return nil })
	group.Go(func() error { fwd.ServeUDPResponses(gctx); return nil })
	group.Go(func() error { hc.Run(gctx); return nil })
	group.Go(func() error {
		<-gctx.Done()
		fwd.Stop()
		return nil
	})
	group.Go(func() error {
		if err := api.ListenAndServe(); err != nil {
			return fmt.Errorf("node api server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		<-gctx.Done()
		return agent.Shutdown(context.Background())
	})

	logger.Info("node-agent started", "node_id", cfg.NodeID, "api_addr", net.JoinHostPort(nodeAPIHost, strconv.Itoa(nodeAPIPort)))

	return group.Wait()
}
