package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"

	"github.com/dkwkekzz/hktnet/pkg/exporter"
	"github.com/dkwkekzz/hktnet/pkg/reliudp"
)

// tickInterval is the cadence of the server's maintenance loop.
const tickInterval = 10 * time.Millisecond

func serveCommand() *cobra.Command {
	var (
		port        uint16
		metricsPort uint16
		maxClients  int
		configFile  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a reliable-UDP echo server",
		Long: `Runs a server endpoint that echoes every received payload back to its
sender. Intended for soak testing clients and network conditions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), port, metricsPort, maxClients, configFile)
		},
	}
	flags := cmd.Flags()
	flags.Uint16Var(&port, "port", reliudp.DefaultServerPort, "UDP port to listen on")
	flags.Uint16Var(&metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
	flags.IntVar(&maxClients, "max-clients", 0, "refuse connections beyond this many clients (0 keeps the configured cap, unlimited by default)")
	flags.StringVar(&configFile, "config", "", "YAML file with protocol tunables")
	return cmd
}

// loadConfig resolves the tunables: the YAML file when one is given, the
// HKTNET_* environment otherwise.
func loadConfig(ctx context.Context, configFile string) (reliudp.Config, error) {
	if configFile != "" {
		return reliudp.LoadConfig(configFile)
	}
	cfg := reliudp.DefaultConfig()
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to read config from environment: %w", err)
	}
	return cfg, nil
}

// echoHandler sends every received payload straight back to its sender.
type echoHandler struct {
	server *reliudp.Server
}

func (h *echoHandler) OnConnect(ctx context.Context, peer reliudp.PeerKey) {
	dlog.Infof(ctx, "client %s joined", peer)
}

func (h *echoHandler) OnDisconnect(ctx context.Context, peer reliudp.PeerKey, reason string) {
	dlog.Infof(ctx, "client %s left: %s", peer, reason)
}

func (h *echoHandler) OnData(ctx context.Context, peer reliudp.PeerKey, payload []byte) {
	if err := h.server.SendTo(ctx, peer, payload); err != nil {
		dlog.Warnf(ctx, "unable to echo %d bytes to %s: %v", len(payload), peer, err)
	}
}

func serve(ctx context.Context, port, metricsPort uint16, maxClients int, configFile string) error {
	cfg, err := loadConfig(ctx, configFile)
	if err != nil {
		return err
	}
	if maxClients > 0 {
		cfg.MaxClients = maxClients
	}

	h := &echoHandler{}
	server := reliudp.NewServer(cfg, h)
	h.server = server

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	g.Go("server", func(ctx context.Context) error {
		if err := server.Start(ctx, port); err != nil {
			return err
		}
		defer func() {
			_ = server.Stop(dcontext.HardContext(ctx))
		}()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return server.Err()
			case <-ticker.C:
				server.Tick(ctx)
				if err := server.Err(); err != nil {
					return err
				}
			}
		}
	})
	if metricsPort > 0 {
		g.Go("metrics", func(ctx context.Context) error {
			coll := exporter.NewCollector("hktnet_", []string{"endpoint"}, prometheus.Labels{"role": "server"})
			coll.Add(server, []string{server.ID().String()})
			reg := prometheus.NewRegistry()
			if err := reg.Register(coll); err != nil {
				return err
			}
			sc := &dhttp.ServerConfig{Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			dlog.Infof(ctx, "Prometheus metrics server started on port %d", metricsPort)
			defer dlog.Info(ctx, "Prometheus metrics server stopped")
			return sc.ListenAndServe(ctx, fmt.Sprintf(":%d", metricsPort))
		})
	}
	return g.Wait()
}
