package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/objectmesh/internal/distributor"
	"github.com/tunnelmesh/objectmesh/internal/events"
	"github.com/tunnelmesh/objectmesh/internal/node"
	"github.com/tunnelmesh/objectmesh/internal/policy"
	"github.com/tunnelmesh/objectmesh/internal/transport"
	"github.com/tunnelmesh/objectmesh/pkg/bytesize"
)

type simulateOptions struct {
	Nodes   int
	Offline int
	Size    int
	Seed    string
}

func newSimulateCmd() *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Store an object under every policy and knock nodes offline",
		Long: `Run an in-process cluster, store one object under each distribution
policy, take nodes offline and report availability, retrieval outcome and
statistics for every object.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return simulate(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.Nodes, "nodes", 6, "number of storage nodes")
	cmd.Flags().IntVar(&opts.Offline, "offline", 2, "number of nodes to take offline")
	cmd.Flags().IntVar(&opts.Size, "size", 64*1024, "payload size in bytes")
	cmd.Flags().StringVar(&opts.Seed, "seed", "objectmesh", "payload seed text")
	return cmd
}

func simulate(ctx context.Context, w io.Writer, opts simulateOptions) error {
	if opts.Nodes < 1 {
		return fmt.Errorf("--nodes must be at least 1")
	}
	if opts.Offline < 0 || opts.Offline > opts.Nodes {
		return fmt.Errorf("--offline must be between 0 and --nodes")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ids := make([]string, opts.Nodes)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%02d", i+1)
	}
	tr := transport.NewMemory(ids...)

	cfg := distributor.DefaultConfig()
	cfg.LocalNodeID = "simulator"
	cfg.Transport = tr
	cfg.SyncInterval = 0
	cfg.VerificationInterval = 0
	cfg.NodeTimeout = time.Second
	cfg.ShardSize = max(1, opts.Size/4)
	cfg.Logger = log.Logger

	svc := distributor.New()
	if err := svc.Initialize(ctx, cfg); err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	for _, id := range ids {
		if _, err := svc.AddStorageNode(ctx, id, node.Attrs{}); err != nil {
			return err
		}
	}
	if _, err := svc.AddEventListener(events.OperationFailed, func(_ context.Context, e events.Event) error {
		p := e.Payload.(events.FailurePayload)
		log.Debug().Str("op", p.Op).Str("data_id", p.DataID).Str("kind", p.Kind).Msg("Operation failed")
		return nil
	}); err != nil {
		return err
	}

	payload := []byte(strings.Repeat(opts.Seed, opts.Size/max(1, len(opts.Seed))+1)[:opts.Size])
	policies := []policy.Policy{policy.Redundant, policy.Sharded, policy.ErasureCoded, policy.SpecializedShared}

	_, _ = fmt.Fprintf(w, "Storing %s under %d policies on %d nodes\n", bytesize.Format(int64(len(payload))), len(policies), len(ids))
	for _, p := range policies {
		res, err := svc.StoreData(ctx, string(p), payload, distributor.StoreOptions{Policy: p, Compress: true})
		if err != nil {
			_, _ = fmt.Fprintf(w, "  %-20s store failed: %s\n", p, distributor.KindName(err))
			continue
		}
		_, _ = fmt.Fprintf(w, "  %-20s %s on %s\n", p, res.Layout, strings.Join(res.Nodes, ","))
	}

	for _, id := range ids[:opts.Offline] {
		if _, err := svc.UpdateStorageNode(ctx, id, node.Attrs{Status: node.StatusOffline}); err != nil {
			return err
		}
		tr.SetOffline(id, true)
	}
	_, _ = fmt.Fprintf(w, "Took %d nodes offline: %s\n", opts.Offline, strings.Join(ids[:opts.Offline], ","))

	dataIDs, err := svc.ListData()
	if err != nil {
		return err
	}
	for _, id := range dataIDs {
		st, err := svc.GetDataStatus(id)
		if err != nil {
			return err
		}
		outcome := "ok"
		got, err := svc.RetrieveData(ctx, id, distributor.RetrieveOptions{})
		switch {
		case err != nil:
			outcome = distributor.KindName(err)
		case string(got.Data) != string(payload):
			outcome = "mismatch"
		}
		_, _ = fmt.Fprintf(w, "  %-20s policy=%s availability=%.2f retrieve=%s\n", id, st.Policy, st.AvailabilityRatio, outcome)
	}

	stats, err := svc.GetStorageStats()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Stats: stored=%s retrieved=%s replication_ops=%d failed_ops=%d records=%d online_nodes=%d/%d\n",
		bytesize.Format(int64(stats.BytesStored)), bytesize.Format(int64(stats.BytesRetrieved)),
		stats.ReplicationOps, stats.FailedOps, stats.Records, stats.OnlineNodes, stats.Nodes)
	return nil
}
