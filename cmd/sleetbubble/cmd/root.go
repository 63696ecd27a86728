// Package cmd implements the CLI commands for sleetbubble.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sleetbubble/sleetbubble/internal/config"
	"github.com/sleetbubble/sleetbubble/internal/httpclient"
	"github.com/sleetbubble/sleetbubble/internal/ipfs"
	"github.com/sleetbubble/sleetbubble/internal/observability"
	"github.com/sleetbubble/sleetbubble/internal/version"
)

// cfgFiles holds the config file paths from the CLI flag, merged in order.
var cfgFiles []string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "sleetbubble",
	Short:   "Content-addressed live audio radio over IPFS/IPNS",
	Version: version.Short(),
	Long: `sleetbubble turns a static set of audio files into a continuous live
radio stream served entirely out of a content-addressed store.

A one-shot setup pass transcodes the track set into uniform HLS segments
and pins them. The streamer then walks the resulting virtual playlist in a
sliding window, republishing an HLS media playlist under the node's IPNS
name every few seconds. Independent nodes gossip their playback position
over pubsub so listeners hear roughly the same audio whichever node's name
they follow.

Each subcommand is one role process; they share state through JSON
documents in the state directory.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&cfgFiles, "config", nil,
		"config file (repeatable; later files override earlier ones)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig merges config files, environment, and explicit CLI overrides,
// and builds the process logger. CLI flags win only when explicitly set, so
// the priority stays: flag > env > config file > default.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, nil, err
	}

	flags := rootCmd.PersistentFlags()
	overrideString(flags, "log-level", &cfg.Logging.Level)
	overrideString(flags, "log-format", &cfg.Logging.Format)

	logger := observability.WithNode(observability.NewLogger(cfg.Logging), cfg.NodeID)
	observability.SetDefault(logger)
	return cfg, logger, nil
}

// overrideString copies a flag value into dst only when the flag was set on
// the command line, preserving config-file and env values otherwise.
func overrideString(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		*dst, _ = flags.GetString(name)
	}
}

// newCASClient builds the resilient store client every role process shares.
func newCASClient(cfg *config.Config, logger *slog.Logger) *ipfs.Client {
	hcCfg := httpclient.DefaultConfig()
	hcCfg.Logger = logger
	return ipfs.NewClient(cfg.IPFS.API,
		ipfs.WithLogger(logger),
		ipfs.WithHTTPClient(httpclient.New(hcCfg)),
	)
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
