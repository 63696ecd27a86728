package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// largeSingleSegmentBytes is the heuristic threshold for a transcode that
// produced exactly one segment: above this size the transcoder most likely
// failed to split the input.
const largeSingleSegmentBytes = 1 << 20

// ChunkParams are the transcoding parameters for one input file.
type ChunkParams struct {
	SegmentDuration int    // seconds per segment
	Bitrate         string // e.g. "128k"
	Codec           string // e.g. "aac"
}

// ChunkResult describes the segments produced for one input file.
type ChunkResult struct {
	BaseName     string   // input filename without extension
	Segments     []string // ordered absolute segment paths
	PlaylistPath string   // ffmpeg's by-product HLS playlist
	OutputDir    string

	// Suspect is set when exactly one oversized segment came out, which
	// usually means ffmpeg could not decode the input well enough to split
	// it. The result is still usable; the caller decides how much to trust it.
	Suspect bool
}

// Chunker cuts one audio file into uniform MPEG-TS HLS segments.
type Chunker struct {
	ffmpegPath string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewChunker creates a chunker using the given ffmpeg binary.
func NewChunker(ffmpegPath string, logger *slog.Logger) *Chunker {
	return &Chunker{
		ffmpegPath: ffmpegPath,
		timeout:    10 * time.Minute,
		logger:     logger,
	}
}

// WithTimeout sets the per-file transcode timeout.
func (c *Chunker) WithTimeout(timeout time.Duration) *Chunker {
	c.timeout = timeout
	return c
}

// buildArgs assembles the ffmpeg invocation. Key frames are forced at every
// segment boundary so segments cut cleanly at the configured duration.
func buildArgs(inputPath, outputDir, baseName string, params ChunkParams) []string {
	segDur := strconv.Itoa(params.SegmentDuration)
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", inputPath,
		"-vn",
		"-c:a", params.Codec,
		"-b:a", params.Bitrate,
		"-f", "hls",
		"-hls_time", segDur,
		"-hls_list_size", "0",
		"-hls_segment_type", "mpegts",
		"-force_key_frames", "expr:gte(t,n_forced*" + segDur + ")",
		"-hls_segment_filename", filepath.Join(outputDir, baseName+"_%03d.ts"),
		filepath.Join(outputDir, baseName+".m3u8"),
	}
}

// Chunk transcodes inputPath into outputDir and returns the ordered segment
// list. Zero produced segments is an error.
func (c *Chunker) Chunk(ctx context.Context, inputPath, outputDir string, params ChunkParams) (*ChunkResult, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir %s: %w", outputDir, err)
	}

	baseName := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := buildArgs(inputPath, outputDir, baseName, params)
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	c.logger.Debug("chunking audio file",
		slog.String("input", inputPath),
		slog.String("output_dir", outputDir),
		slog.Int("segment_duration", params.SegmentDuration),
	)

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed for %s: %w: %s", inputPath, err, strings.TrimSpace(stderr.String()))
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		c.logger.Warn("ffmpeg reported warnings",
			slog.String("input", inputPath),
			slog.String("stderr", msg),
		)
	}

	segments, err := filepath.Glob(filepath.Join(outputDir, baseName+"_*.ts"))
	if err != nil {
		return nil, fmt.Errorf("listing segments for %s: %w", inputPath, err)
	}
	sort.Strings(segments)

	if len(segments) == 0 {
		return nil, fmt.Errorf("no segments produced for %s", inputPath)
	}

	result := &ChunkResult{
		BaseName:     baseName,
		Segments:     segments,
		PlaylistPath: filepath.Join(outputDir, baseName+".m3u8"),
		OutputDir:    outputDir,
	}

	if len(segments) == 1 {
		if info, err := os.Stat(segments[0]); err == nil && info.Size() > largeSingleSegmentBytes {
			result.Suspect = true
			c.logger.Warn("single oversized segment produced, input may not have been split",
				slog.String("input", inputPath),
				slog.Int64("size_bytes", info.Size()),
			)
		}
	}

	return result, nil
}
