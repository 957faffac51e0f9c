package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	appkg "github.com/xenking/invoice-reconciler/internal/app"
	"github.com/xenking/invoice-reconciler/internal/artifact"
	"github.com/xenking/invoice-reconciler/internal/dispatch"
	"github.com/xenking/invoice-reconciler/internal/storage/postgres"
)

func migrateCmd(lg *zap.Logger) *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if databaseURL == "" {
				databaseURL = os.Getenv("INVOICE_STORE_DATABASE_URL")
			}
			if databaseURL == "" {
				databaseURL = os.Getenv("DATABASE_URL")
			}
			if databaseURL == "" {
				return errors.New("database URL is required: set --database-url or DATABASE_URL")
			}

			ctx := cmd.Context()
			pool, err := postgres.NewPool(ctx, databaseURL)
			if err != nil {
				return errors.Wrap(err, "connect")
			}
			defer pool.Close()

			applied, err := postgres.RunMigrations(ctx, pool)
			if err != nil {
				return errors.Wrap(err, "migrate")
			}
			lg.Info("Migrations done", zap.Strings("applied", applied))
			return nil
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	return cmd
}

func sweepCmd(lg *zap.Logger) *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Schedule reconciliation for orders stuck in CREATED",
		Long: `Sweep finds orders that were stored but never got a reconciliation
envelope, for example because the queue was unavailable when they were
placed, and enqueues their first cycle.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd.Context(), lg, func(ctx context.Context, c *appkg.Components) error {
				n, err := dispatch.Sweep(ctx, c.Orders, dispatch.NewScheduler(c.Queue), olderThan, limit)
				if err != nil {
					return err
				}
				lg.Info("Sweep done", zap.Int("scheduled", n))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Minute, "Only orders created before now minus this duration")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum orders to schedule, 0 for no limit")
	return cmd
}

func kickCmd(lg *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "kick <order-id>",
		Short: "Start a new reconciliation chain for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), lg, func(ctx context.Context, c *appkg.Components) error {
				o, err := c.Orders.Get(ctx, args[0])
				if err != nil {
					return errors.Wrap(err, "get order")
				}
				if o.Status.Terminal() {
					lg.Info("Order already final", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
					return nil
				}
				if err := dispatch.NewScheduler(c.Queue).Schedule(ctx, o.ID); err != nil {
					return errors.Wrap(err, "schedule")
				}
				lg.Info("Reconciliation scheduled", zap.String("order_id", o.ID))
				return nil
			})
		},
	}
}

func statusCmd(lg *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status <order-id>",
		Short: "Print the stored state of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), lg, func(ctx context.Context, c *appkg.Components) error {
				o, err := c.Orders.Get(ctx, args[0])
				if err != nil {
					return errors.Wrap(err, "get order")
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:       %s\n", o.ID)
				fmt.Fprintf(out, "status:   %s\n", o.Status)
				fmt.Fprintf(out, "customer: %s <%s>\n", o.Customer.FullName, o.Customer.Email)
				fmt.Fprintf(out, "total:    %s\n", artifact.FormatMoney(o.Total))
				fmt.Fprintf(out, "updated:  %s\n", o.UpdatedAt.Format(time.RFC3339))
				return nil
			})
		},
	}
}

// withComponents loads the service configuration from the environment and
// runs fn against the configured store and queue.
func withComponents(ctx context.Context, lg *zap.Logger, fn func(context.Context, *appkg.Components) error) error {
	cfg, err := appkg.LoadEnvConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend == appkg.BackendMemory || cfg.Queue.Backend == appkg.BackendMemory {
		return errors.New("invoicectl needs a shared store and queue, not the memory backends")
	}

	c, err := appkg.BuildComponents(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
