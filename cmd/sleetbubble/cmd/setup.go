package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sleetbubble/sleetbubble/internal/ffmpeg"
	"github.com/sleetbubble/sleetbubble/internal/observability"
	"github.com/sleetbubble/sleetbubble/internal/setup"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Transcode and upload the configured track set",
	Long: `Run the one-shot setup processor.

The track set is chunked into uniform HLS segments, every segment is
uploaded and pinned, and the manifest plus the virtual playlist are written
for the streamer. The run is gated on a configuration fingerprint: with an
unchanged config only the playlist is rebuilt and nothing is re-transcoded.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().Bool("force-rebuild", false, "re-transcode even when the config fingerprint is unchanged")
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("force-rebuild") {
		cfg.Processing.ForceRebuild, _ = cmd.Flags().GetBool("force-rebuild")
	}
	logger = observability.WithComponent(logger, "setup")

	ffmpegPath, err := ffmpeg.FindBinary("ffmpeg", cfg.FFmpeg.BinaryPath)
	if err != nil {
		return err
	}
	ffprobePath, err := ffmpeg.FindBinary("ffprobe", cfg.FFmpeg.ProbePath)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	cas := newCASClient(cfg, logger)
	if _, err := cas.WaitReady(ctx, 2*time.Second); err != nil {
		return fmt.Errorf("waiting for store: %w", err)
	}

	processor := setup.New(cfg,
		state.New(cfg.Paths.StateDir),
		state.New(cfg.Paths.ProcessedDir),
		ffmpeg.NewChunker(ffmpegPath, logger),
		ffmpeg.NewProber(ffprobePath),
		cas,
		logger,
	)
	return processor.Run(ctx)
}
