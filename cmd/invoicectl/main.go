// Command invoicectl runs operator tasks against the order store and the
// reconciliation queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()

	rootCmd := &cobra.Command{
		Use:           "invoicectl",
		Short:         "Operate the invoice reconciler",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(migrateCmd(lg))
	rootCmd.AddCommand(sweepCmd(lg))
	rootCmd.AddCommand(kickCmd(lg))
	rootCmd.AddCommand(statusCmd(lg))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		lg.Error("Command failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
