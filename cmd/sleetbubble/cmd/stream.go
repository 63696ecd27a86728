package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sleetbubble/sleetbubble/internal/observability"
	"github.com/sleetbubble/sleetbubble/internal/state"
	"github.com/sleetbubble/sleetbubble/internal/streamer"
)

var (
	streamSource  string
	streamQuality string
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Run the sliding-window streamer",
	Long: `Run the streamer daemon.

Every tick the streamer takes a window of consecutive segments from the
virtual playlist, renders an HLS media playlist, uploads it, and republishes
it under the node's stream IPNS name. The MEDIA-SEQUENCE counter is
persisted and never decreases, even across restarts.

With --source=manifest (the default) the window walks the static playlist
the setup processor produced. With --source=capture it walks the segments
the capture uploader is recording live.`,
	RunE: runStream,
}

func init() {
	streamCmd.Flags().StringVar(&streamSource, "source", "manifest", "playlist source (manifest, capture)")
	streamCmd.Flags().StringVar(&streamQuality, "quality", "stream", "quality bucket to stream in capture mode")
	rootCmd.AddCommand(streamCmd)
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger = observability.WithComponent(logger, "streamer")

	store := state.New(cfg.Paths.StateDir)

	var source streamer.Source
	switch streamSource {
	case "manifest":
		source = streamer.NewManifestSource(store, 30*time.Second)
	case "capture":
		source = streamer.NewCaptureSource(store, streamQuality)
	default:
		return fmt.Errorf("unknown playlist source %q", streamSource)
	}

	ctx, cancel := signalContext()
	defer cancel()

	cas := newCASClient(cfg, logger)
	if _, err := cas.WaitReady(ctx, 2*time.Second); err != nil {
		return fmt.Errorf("waiting for store: %w", err)
	}

	s := streamer.New(cfg, store, cas, source, logger)
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("streamer stopped")
	return nil
}
