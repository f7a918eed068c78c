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

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/objectmesh/internal/cluster"
	"github.com/tunnelmesh/objectmesh/internal/config"
	"github.com/tunnelmesh/objectmesh/internal/distributor"
	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/metrics"
	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/internal/transport"
	"github.com/tunnelmesh/objectmesh/internal/unitstore"
)

const (
	metricsInterval  = 15 * time.Second
	advertiseTimeout = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the distributor with the configured nodes",
		Long: `Run the distributor over an in-process transport holding the configured
nodes. The reconciliation loops run on their configured intervals. When
cluster.bind is set, node liveness comes from memberlist gossip instead of
the transport. When metrics.listen is set, Prometheus metrics are served on
/metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgFile != "" {
				var err error
				if cfg, err = config.Load(cfgFile); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				logLevel = cfg.LogLevel
				setupLogging()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	rt, err := cfg.Runtime()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	rt.Logger = log.Logger
	if rt.LocalNodeID == "" {
		rt.LocalNodeID = uuid.NewString()
	}

	tr := transport.NewMemory()
	for _, n := range cfg.Nodes {
		tr.AddNode(n.ID, n.Attrs())
	}
	rt.Transport = tr

	rt.UnitStore = unitstore.NewMemory()
	if cfg.UnitStore.Backend == "badger" {
		store, err := unitstore.OpenBadger(cfg.UnitStore.Dir, log.Logger)
		if err != nil {
			return err
		}
		rt.UnitStore = store
	}

	var adv *advertiser
	if cfg.Cluster.Bind != "" {
		adv = &advertiser{store: rt.UnitStore, base: localAttrs(cfg, rt.LocalNodeID)}
		attrs, err := adv.attrs(ctx)
		if err != nil {
			return err
		}
		members, err := cluster.New(cluster.Config{
			Name:     rt.LocalNodeID,
			BindAddr: cfg.Cluster.Bind,
			Seeds:    cfg.Cluster.Seeds,
			Attrs:    attrs,
			Logger:   log.Logger,
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = members.Leave(5 * time.Second)
			_ = members.Shutdown()
		}()
		adv.members = members
		rt.Prober = members
	}

	var m *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		m = metrics.New(rt.LocalNodeID)
		rt.Metrics = m
	}

	svc := distributor.New()
	if err := svc.Initialize(ctx, rt); err != nil {
		return fmt.Errorf("initialize distributor: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close distributor")
		}
	}()

	localID, _ := svc.LocalNodeID()
	if err := registerNodes(ctx, svc, cfg, localID); err != nil {
		return err
	}
	if adv != nil {
		// Peers learn this node's usage through gossip, refreshed after every sync.
		if _, err := svc.AddEventListener(events.SyncCompleted, adv.advertise); err != nil {
			return err
		}
	}

	if m != nil {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("listen", cfg.Metrics.Listen).Msg("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go metrics.NewCollector(m, svc).Run(ctx, metricsInterval)
	}

	log.Info().
		Str("local_node", localID).
		Int("nodes", len(cfg.Nodes)).
		Str("unit_store", cfg.UnitStore.Backend).
		Msg("objectmesh serving")

	<-ctx.Done()
	log.Info().Msg("shutting down...")
	return nil
}

// registerNodes adds the local node and then every other configured node.
// The local node takes its attributes from its nodes entry when it has one.
func registerNodes(ctx context.Context, svc *distributor.Service, cfg *config.Config, localID string) error {
	if _, err := svc.AddStorageNode(ctx, localID, localAttrs(cfg, localID)); err != nil {
		return fmt.Errorf("register local node: %w", err)
	}
	for _, n := range cfg.Nodes {
		if n.ID == localID {
			continue
		}
		if _, err := svc.AddStorageNode(ctx, n.ID, n.Attrs()); err != nil {
			return fmt.Errorf("register node %s: %w", n.ID, err)
		}
	}
	return nil
}

func localAttrs(cfg *config.Config, localID string) node.Attrs {
	for _, n := range cfg.Nodes {
		if n.ID == localID {
			return n.Attrs()
		}
	}
	return node.Attrs{}
}

// advertiser gossips the local node's configured attributes together with
// what its unit store currently holds.
type advertiser struct {
	members *cluster.Membership
	store   unitstore.Store
	base    node.Attrs
}

func (a *advertiser) attrs(ctx context.Context) (node.Attrs, error) {
	_, used, err := a.store.Usage(ctx)
	if err != nil {
		return node.Attrs{}, fmt.Errorf("read unit store usage: %w", err)
	}
	attrs := a.base
	attrs.Used = &used
	return attrs, nil
}

func (a *advertiser) advertise(ctx context.Context, _ events.Event) error {
	attrs, err := a.attrs(ctx)
	if err != nil {
		return err
	}
	return a.members.Advertise(attrs, advertiseTimeout)
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return mux
}
