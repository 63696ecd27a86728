package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sleetbubble/sleetbubble/internal/cleanup"
	"github.com/sleetbubble/sleetbubble/internal/observability"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

var cleanupOnce bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Unpin and delete segments past retention",
	Long: `Run the segment cleanup daemon.

Each cycle removes live-captured segments that have aged past retention or
exceed the per-quality count cap: the segment is unpinned, its local file
deleted, and its index entry dropped. Every tenth cycle triggers a repo
garbage collection and reports storage usage.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupOnce, "once", false, "run a single cleanup cycle and exit")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger = observability.WithComponent(logger, "cleanup")

	ctx, cancel := signalContext()
	defer cancel()

	cas := newCASClient(cfg, logger)
	if _, err := cas.WaitReady(ctx, 2*time.Second); err != nil {
		return fmt.Errorf("waiting for store: %w", err)
	}

	cleaner := cleanup.New(cfg, state.New(cfg.Paths.StateDir), cas, logger)
	if cleanupOnce {
		cleaner.Cycle(ctx)
		return nil
	}
	if err := cleaner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("cleanup stopped")
	return nil
}
