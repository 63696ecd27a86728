// Package config provides configuration management for sleetbubble using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultSegmentDuration   = 6
	defaultBitrate           = "128k"
	defaultCodec             = "aac"
	defaultJingleCycle       = 2
	defaultIPFSTimeout       = 30 * time.Second
	defaultUpdateInterval    = 2 * time.Second
	defaultMaxSegments       = 15
	defaultAdvanceEvery      = 2
	defaultIPNSLifetime      = "24h"
	defaultIPNSTTL           = "10s"
	defaultPublishInterval   = 10 * time.Second
	defaultReapInterval      = 60 * time.Second
	defaultPeerTTL           = 600 * time.Second
	defaultFreshnessWindow   = 300 * time.Second
	defaultResubscribeDelay  = 5 * time.Second
	defaultCaptureMax        = 50
	defaultCaptureFlushDelay = 2 * time.Second
	defaultCleanupInterval   = 60 * time.Second
	defaultRetentionTime     = 300 * time.Second
	defaultCleanupMax        = 50
	defaultGCEveryCycles     = 10
)

// Config holds all configuration for the application.
type Config struct {
	NodeID     string           `mapstructure:"node_id"`
	IPFS       IPFSConfig       `mapstructure:"ipfs"`
	Paths      PathsConfig      `mapstructure:"paths"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Jingles    JinglesConfig    `mapstructure:"jingles"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Playlist   PlaylistConfig   `mapstructure:"playlist"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	IPNS       IPNSConfig       `mapstructure:"ipns"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg"`
}

// IPFSConfig holds connection settings for the content-addressed store.
type IPFSConfig struct {
	API         string        `mapstructure:"api"`     // Kubo RPC endpoint
	Gateway     string        `mapstructure:"gateway"` // HTTP gateway for listener-facing URLs
	Timeout     time.Duration `mapstructure:"timeout"` // per-upload timeout
	PinSegments bool          `mapstructure:"pin_segments"`
}

// PathsConfig holds filesystem locations shared between the role processes.
type PathsConfig struct {
	Workspace    string `mapstructure:"workspace"`     // config + source music root
	StateDir     string `mapstructure:"state_dir"`     // JSON state documents
	ProcessedDir string `mapstructure:"processed_dir"` // chunked segments + manifest
	HLSDir       string `mapstructure:"hls_dir"`       // live-capture segment directory
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// AudioConfig holds transcoding parameters for the setup processor.
type AudioConfig struct {
	SegmentDuration int    `mapstructure:"segment_duration"` // seconds
	Bitrate         string `mapstructure:"bitrate"`
	Codec           string `mapstructure:"codec"`
}

// JinglesConfig controls interstitial jingle interleaving.
type JinglesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Source  string `mapstructure:"source"` // relative to workspace
	Cycle   int    `mapstructure:"cycle"`  // one jingle every N tracks
}

// ProcessingConfig holds setup-processor behaviour flags.
type ProcessingConfig struct {
	ForceRebuild bool `mapstructure:"force_rebuild"`
}

// PlaylistConfig describes the source track set.
type PlaylistConfig struct {
	Source  string          `mapstructure:"source"` // relative to workspace
	Tracks  []string        `mapstructure:"tracks"` // explicit ordering; empty = scan
	Mode    string          `mapstructure:"mode"`   // ordered, auto, all
	Options PlaylistOptions `mapstructure:"options"`
}

// PlaylistOptions holds track-discovery options.
type PlaylistOptions struct {
	ScanSubdirectories bool `mapstructure:"scan_subdirectories"`
	SortAlphabetically bool `mapstructure:"sort_alphabetically"`
	ShuffleOnBuild     bool `mapstructure:"shuffle_on_build"`
}

// StreamingConfig holds the sliding-window streamer tuning.
type StreamingConfig struct {
	UpdateInterval time.Duration `mapstructure:"update_interval"` // republish cadence
	MaxSegments    int           `mapstructure:"max_segments"`    // window length: segments advertised per playlist
	AdvanceEvery   int           `mapstructure:"advance_every"`   // ticks per window advance
	PDTAnchor      string        `mapstructure:"pdt_anchor"`      // epoch, publish
}

// IPNSConfig holds mutable-name publish parameters.
type IPNSConfig struct {
	Lifetime     string `mapstructure:"lifetime"`
	TTL          string `mapstructure:"ttl"`
	AllowOffline bool   `mapstructure:"allow_offline"`
}

// SyncConfig holds the gossip state-synchronizer tuning.
type SyncConfig struct {
	Topic            string        `mapstructure:"topic"`
	PublishInterval  time.Duration `mapstructure:"publish_interval"`
	ReapInterval     time.Duration `mapstructure:"reap_interval"`
	PeerTTL          time.Duration `mapstructure:"peer_ttl"`          // drop peers silent this long
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`  // adopt states younger than this
	ResubscribeDelay time.Duration `mapstructure:"resubscribe_delay"` // backoff after a dropped subscription
}

// CaptureConfig holds the live-capture uploader tuning.
type CaptureConfig struct {
	MaxSegments int           `mapstructure:"max_segments"` // per quality bucket
	FlushDelay  time.Duration `mapstructure:"flush_delay"`  // write-behind bound for state persistence
}

// CleanupConfig holds the segment cleanup service tuning.
type CleanupConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	RetentionTime time.Duration `mapstructure:"retention_time"`
	MaxSegments   int           `mapstructure:"max_segments"`
	GCEveryCycles int           `mapstructure:"gc_every_cycles"`
}

// FFmpegConfig holds transcoder binary locations.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // ffmpeg (empty = $PATH lookup)
	ProbePath  string `mapstructure:"probe_path"`  // ffprobe (empty = $PATH lookup)
}

// Load reads configuration from one or more files plus environment variables.
// Files are merged in order, later files overriding earlier ones; missing
// files are skipped so the classic setup/playlist/streaming document trio can
// be passed unconditionally. Environment variables take precedence over file
// configuration and are prefixed with SLEETBUBBLE_ using underscores for
// nesting (SLEETBUBBLE_STREAMING_MAX_SEGMENTS=15). The legacy flat variable
// names (IPFS_API, NODE_ID, STREAM_TOPIC, ...) are honoured as aliases.
func Load(paths ...string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)
	bindEnv(v)

	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("checking config file %s: %w", p, err)
		}
		v.SetConfigFile(p)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", p, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "node1")

	v.SetDefault("ipfs.api", "http://127.0.0.1:5001")
	v.SetDefault("ipfs.gateway", "http://127.0.0.1:8080")
	v.SetDefault("ipfs.timeout", defaultIPFSTimeout)
	v.SetDefault("ipfs.pin_segments", true)

	v.SetDefault("paths.workspace", ".")
	v.SetDefault("paths.state_dir", "./data/state")
	v.SetDefault("paths.processed_dir", "./data/processed")
	v.SetDefault("paths.hls_dir", "./hls")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("audio.segment_duration", defaultSegmentDuration)
	v.SetDefault("audio.bitrate", defaultBitrate)
	v.SetDefault("audio.codec", defaultCodec)

	v.SetDefault("jingles.enabled", false)
	v.SetDefault("jingles.source", "src/jingles")
	v.SetDefault("jingles.cycle", defaultJingleCycle)

	v.SetDefault("processing.force_rebuild", false)

	v.SetDefault("playlist.source", "")
	v.SetDefault("playlist.mode", "auto")
	v.SetDefault("playlist.options.scan_subdirectories", true)
	v.SetDefault("playlist.options.sort_alphabetically", true)
	v.SetDefault("playlist.options.shuffle_on_build", false)

	v.SetDefault("streaming.update_interval", defaultUpdateInterval)
	v.SetDefault("streaming.max_segments", defaultMaxSegments)
	v.SetDefault("streaming.advance_every", defaultAdvanceEvery)
	v.SetDefault("streaming.pdt_anchor", "epoch")

	v.SetDefault("ipns.lifetime", defaultIPNSLifetime)
	v.SetDefault("ipns.ttl", defaultIPNSTTL)
	v.SetDefault("ipns.allow_offline", true)

	v.SetDefault("sync.topic", "sleetbubble-stream")
	v.SetDefault("sync.publish_interval", defaultPublishInterval)
	v.SetDefault("sync.reap_interval", defaultReapInterval)
	v.SetDefault("sync.peer_ttl", defaultPeerTTL)
	v.SetDefault("sync.freshness_window", defaultFreshnessWindow)
	v.SetDefault("sync.resubscribe_delay", defaultResubscribeDelay)

	v.SetDefault("capture.max_segments", defaultCaptureMax)
	v.SetDefault("capture.flush_delay", defaultCaptureFlushDelay)

	v.SetDefault("cleanup.interval", defaultCleanupInterval)
	v.SetDefault("cleanup.retention_time", defaultRetentionTime)
	v.SetDefault("cleanup.max_segments", defaultCleanupMax)
	v.SetDefault("cleanup.gc_every_cycles", defaultGCEveryCycles)

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
}

// bindEnv wires the SLEETBUBBLE_ prefix plus the legacy flat variable names
// the container deployment exports.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("SLEETBUBBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	aliases := map[string]string{
		"node_id":             "NODE_ID",
		"ipfs.api":            "IPFS_API",
		"ipfs.gateway":        "IPFS_GATEWAY",
		"paths.state_dir":     "STATE_DIR",
		"paths.processed_dir": "PROCESSED_DIR",
		"paths.hls_dir":       "HLS_DIR",
		"sync.topic":          "STREAM_TOPIC",
		"streaming.update_interval": "UPDATE_INTERVAL",
		"streaming.max_segments":    "MAX_SEGMENTS",
		"cleanup.interval":          "CLEANUP_INTERVAL",
		"cleanup.retention_time":    "SEGMENT_RETENTION_TIME",
		"ipns.lifetime":             "IPNS_LIFETIME",
		"ipns.ttl":                  "IPNS_TTL",
	}
	for key, env := range aliases {
		// BindEnv only fails on an empty key.
		_ = v.BindEnv(key, "SLEETBUBBLE_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.IPFS.API == "" {
		return fmt.Errorf("ipfs.api is required")
	}
	if c.Audio.SegmentDuration < 1 {
		return fmt.Errorf("audio.segment_duration must be at least 1")
	}
	if c.Jingles.Enabled && c.Jingles.Cycle < 1 {
		return fmt.Errorf("jingles.cycle must be at least 1 when jingles are enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	validModes := map[string]bool{"ordered": true, "auto": true, "all": true}
	if !validModes[c.Playlist.Mode] {
		return fmt.Errorf("playlist.mode must be one of: ordered, auto, all")
	}

	if c.Streaming.UpdateInterval <= 0 {
		return fmt.Errorf("streaming.update_interval must be positive")
	}
	if c.Streaming.MaxSegments < 1 {
		return fmt.Errorf("streaming.max_segments must be at least 1")
	}
	if c.Streaming.AdvanceEvery < 1 {
		return fmt.Errorf("streaming.advance_every must be at least 1")
	}
	validAnchors := map[string]bool{"epoch": true, "publish": true}
	if !validAnchors[c.Streaming.PDTAnchor] {
		return fmt.Errorf("streaming.pdt_anchor must be one of: epoch, publish")
	}

	if c.Cleanup.MaxSegments < 1 {
		return fmt.Errorf("cleanup.max_segments must be at least 1")
	}
	if c.Capture.MaxSegments < 1 {
		return fmt.Errorf("capture.max_segments must be at least 1")
	}

	return nil
}

// StreamKeyName returns the IPNS key name this node publishes its stream under.
func (c *Config) StreamKeyName() string {
	return c.NodeID + "-stream"
}

// SetupFingerprint returns the SHA-256 hex digest of the transcoding-relevant
// configuration. The manifest stores it; an unchanged fingerprint means the
// processed segment cache is still valid. Maps are used so encoding/json
// emits keys in sorted order, making the digest canonical.
func (c *Config) SetupFingerprint() (string, error) {
	doc := map[string]any{
		"setup": map[string]any{
			"audio": map[string]any{
				"segment_duration": c.Audio.SegmentDuration,
				"bitrate":          c.Audio.Bitrate,
				"codec":            c.Audio.Codec,
			},
			"jingles": map[string]any{
				"enabled": c.Jingles.Enabled,
				"source":  c.Jingles.Source,
				"cycle":   c.Jingles.Cycle,
			},
			"ipfs": map[string]any{
				"timeout":      c.IPFS.Timeout.String(),
				"pin_segments": c.IPFS.PinSegments,
			},
		},
		"playlist": map[string]any{
			"source": c.Playlist.Source,
			"tracks": c.Playlist.Tracks,
			"mode":   c.Playlist.Mode,
			"options": map[string]any{
				"scan_subdirectories": c.Playlist.Options.ScanSubdirectories,
				"sort_alphabetically": c.Playlist.Options.SortAlphabetically,
				"shuffle_on_build":    c.Playlist.Options.ShuffleOnBuild,
			},
		},
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshaling config fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
