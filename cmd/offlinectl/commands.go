package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gatehouse/offline-sdk/pkg/adapter"
	"github.com/gatehouse/offline-sdk/pkg/connectivity"
	"github.com/gatehouse/offline-sdk/pkg/engine"
	"github.com/gatehouse/offline-sdk/pkg/logging"
	"github.com/gatehouse/offline-sdk/pkg/mutation"
	"github.com/gatehouse/offline-sdk/pkg/store"
)

func loggedContext() (context.Context, error) {
	return logging.Init(context.Background(),
		logging.WithLogLevel(viper.GetString("log-level")),
		logging.WithLogFormat(viper.GetString("log-format")),
	)
}

func openDB(ctx context.Context) (*store.DB, error) {
	return store.Open(ctx, viper.GetString("db"))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and cache counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loggedContext()
			if err != nil {
				return err
			}
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := db.CountByStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pending:   %d\n", counts[mutation.StatusPending])
			fmt.Printf("in_flight: %d\n", counts[mutation.StatusInFlight])
			fmt.Printf("failed:    %d\n", counts[mutation.StatusFailed])

			stats, err := db.Stats(ctx)
			if err != nil {
				return err
			}
			for table, n := range stats {
				fmt.Printf("%s: %d rows\n", table, n)
			}
			return nil
		},
	}
}

func listByStatus(status mutation.Status) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, err := loggedContext()
		if err != nil {
			return err
		}
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		ms, err := db.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, m := range ms {
			fmt.Printf("%s  %-8s %-24s retries=%d", m.ID, m.Kind, m.Target.String(), m.RetryCount)
			if m.LastError != "" {
				fmt.Printf("  last_error=%q", m.LastError)
			}
			fmt.Println()
		}
		fmt.Printf("%d total\n", len(ms))
		return nil
	}
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List pending mutations in enqueue order",
		RunE:  listByStatus(mutation.StatusPending),
	}
}

func failedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List terminally failed mutations",
		RunE:  listByStatus(mutation.StatusFailed),
	}
}

func retryCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [mutation-id]",
		Short: "Requeue failed mutations for another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loggedContext()
			if err != nil {
				return err
			}
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if all {
				n, err := db.RequeueAllFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("requeued %d mutations\n", n)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("expected a mutation id or --all")
			}
			if err := db.Requeue(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("requeued %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Requeue every failed mutation")
	return cmd
}

func discardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discard <mutation-id>",
		Short: "Delete a failed mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loggedContext()
			if err != nil {
				return err
			}
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Discard(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("discarded %s\n", args[0])
			return nil
		},
	}
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect cache entries",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <resource-type> <resource-id>",
		Short: "Show one cache entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loggedContext()
			if err != nil {
				return err
			}
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			e, err := db.GetEntry(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("fetched_at: %s\nttl: %s\nstale: %t\npayload: %s\n",
				e.FetchedAt, e.TTL, e.Stale, string(e.Payload))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <resource-type> <resource-id>",
		Short: "Delete one cache entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loggedContext()
			if err != nil {
				return err
			}
			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.DeleteEntry(ctx, args[0], args[1])
		},
	})
	return cmd
}

func drainCmd() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Drain the pending queue against the remote endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := loggedContext()
			if err != nil {
				return err
			}
			if endpoint == "" {
				return fmt.Errorf("--endpoint is required")
			}

			monitor := connectivity.NewMonitor(connectivity.WithInitialState(
				connectivity.State{Connected: true, Transport: connectivity.TransportUnknown},
			))
			sc, err := adapter.New(ctx, adapter.Config{
				DBPath:   viper.GetString("db"),
				Endpoint: endpoint,
				Monitor:  monitor,
			})
			if err != nil {
				return err
			}
			defer sc.Close()

			res := sc.Engine().TriggerDrain(ctx, engine.ReasonManualRetry)
			if res == nil {
				return fmt.Errorf("drain already running")
			}
			fmt.Printf("succeeded: %d\nfailed: %d\nretried: %d\nstill pending: %d\n",
				res.Succeeded, res.Failed, res.Retried, res.StillPending)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Base URL of the system of record")
	return cmd
}
