package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sleetbubble/sleetbubble/internal/observability"
	"github.com/sleetbubble/sleetbubble/internal/state"
	"github.com/sleetbubble/sleetbubble/internal/statesync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the gossip state synchronizer",
	Long: `Run the state synchronizer daemon.

Nodes exchange playback positions over a shared pubsub topic. The freshest
peer state within the freshness window is adopted as the local position, the
local position is republished whenever it changes, and peers that fall
silent are dropped. Everything here is best-effort; the streamer never
blocks on it.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger = observability.WithComponent(logger, "statesync")

	ctx, cancel := signalContext()
	defer cancel()

	cas := newCASClient(cfg, logger)
	if _, err := cas.WaitReady(ctx, 2*time.Second); err != nil {
		return fmt.Errorf("waiting for store: %w", err)
	}

	sync := statesync.New(cfg, state.New(cfg.Paths.StateDir), cas, logger)
	if err := sync.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("state sync stopped")
	return nil
}
