package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sleetbubble/sleetbubble/internal/capture"
	"github.com/sleetbubble/sleetbubble/internal/observability"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Upload live HLS segments as they are produced",
	Long: `Run the live-capture uploader daemon.

The HLS output directory is watched for finished segments; each one is
uploaded, pinned, and recorded in the shared segment index. Pre-existing
segments are picked up on startup. Index writes are batched, so bursts of
segments cost one disk write per flush window.`,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger = observability.WithComponent(logger, "capture")

	ctx, cancel := signalContext()
	defer cancel()

	cas := newCASClient(cfg, logger)
	if _, err := cas.WaitReady(ctx, 2*time.Second); err != nil {
		return fmt.Errorf("waiting for store: %w", err)
	}

	c := capture.New(cfg, state.New(cfg.Paths.StateDir), cas, logger)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("capture stopped")
	return nil
}
