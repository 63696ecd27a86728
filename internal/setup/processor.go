// Package setup implements the one-shot setup processor: it transcodes the
// configured track set into uniform HLS segments, uploads them to the
// content-addressed store, and emits the manifest plus the virtual playlist.
// The whole run is gated on a configuration fingerprint so repeated boots
// with an unchanged config never re-transcode.
package setup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sleetbubble/sleetbubble/internal/config"
	"github.com/sleetbubble/sleetbubble/internal/ffmpeg"
	"github.com/sleetbubble/sleetbubble/internal/playlist"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

// audioExtensions are the source formats the processor picks up when scanning.
var audioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
}

// Chunker segments one audio file. Satisfied by *ffmpeg.Chunker.
type Chunker interface {
	Chunk(ctx context.Context, inputPath, outputDir string, params ffmpeg.ChunkParams) (*ffmpeg.ChunkResult, error)
}

// Prober validates one audio file. Satisfied by *ffmpeg.Prober.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Uploader stores one file in the CAS. Satisfied by *ipfs.Client.
type Uploader interface {
	AddFile(ctx context.Context, path string, pin bool) (string, error)
}

// Processor runs the setup pipeline.
type Processor struct {
	cfg       *config.Config
	stateDir  *state.Store // playlist.m3u
	processed *state.Store // manifest.json + segment output
	chunker   Chunker
	prober    Prober
	uploader  Uploader
	logger    *slog.Logger

	now func() time.Time
}

// New wires a processor from its collaborators.
func New(cfg *config.Config, stateDir, processed *state.Store, chunker Chunker, prober Prober, uploader Uploader, logger *slog.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		stateDir:  stateDir,
		processed: processed,
		chunker:   chunker,
		prober:    prober,
		uploader:  uploader,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes one setup pass. On a cache hit only the virtual playlist is
// rebuilt from the stored manifest; a cache miss transcodes and uploads the
// full track set before any state is written.
func (p *Processor) Run(ctx context.Context) error {
	fingerprint, err := p.cfg.SetupFingerprint()
	if err != nil {
		return err
	}

	if manifest, ok := p.cachedManifest(fingerprint); ok {
		p.logger.Info("setup cache hit, rebuilding playlist from manifest",
			slog.String("config_hash", fingerprint),
		)
		return p.writePlaylist(manifest.Tracks, manifest.Jingles)
	}

	p.logger.Info("setup cache miss, processing track set",
		slog.String("config_hash", fingerprint),
		slog.Bool("force_rebuild", p.cfg.Processing.ForceRebuild),
	)

	trackFiles, err := p.findTracks()
	if err != nil {
		return err
	}
	if len(trackFiles) == 0 {
		return fmt.Errorf("no music files found under %s", p.sourceRoot())
	}
	p.logger.Info("found music files", slog.Int("count", len(trackFiles)))

	tracks := make([]state.Track, 0, len(trackFiles))
	for idx, file := range trackFiles {
		track, err := p.processFile(ctx, file, idx, "track")
		if err != nil {
			return fmt.Errorf("processing track %s: %w", filepath.Base(file), err)
		}
		tracks = append(tracks, *track)
	}

	var jingles []state.Track
	for idx, file := range p.findJingles() {
		jingle, err := p.processFile(ctx, file, idx, "jingle")
		if err != nil {
			// Jingles are optional garnish; a bad one must not sink the run.
			p.logger.Warn("skipping jingle",
				slog.String("file", filepath.Base(file)),
				slog.String("error", err.Error()),
			)
			continue
		}
		jingles = append(jingles, *jingle)
	}

	if err := p.writePlaylist(tracks, jingles); err != nil {
		return err
	}

	manifest := &state.Manifest{
		ConfigHash: fingerprint,
		Timestamp:  p.now().Unix(),
		Tracks:     tracks,
		Jingles:    jingles,
		AudioConfig: map[string]any{
			"segment_duration": p.cfg.Audio.SegmentDuration,
			"bitrate":          p.cfg.Audio.Bitrate,
			"codec":            p.cfg.Audio.Codec,
		},
		JinglesConfig: map[string]any{
			"enabled": p.cfg.Jingles.Enabled,
			"source":  p.cfg.Jingles.Source,
			"cycle":   p.cfg.Jingles.Cycle,
		},
	}
	if err := p.processed.SaveManifest(manifest); err != nil {
		return err
	}

	totalSegments := 0
	for _, t := range tracks {
		totalSegments += t.SegmentCount
	}
	p.logger.Info("setup complete",
		slog.Int("tracks", len(tracks)),
		slog.Int("jingles", len(jingles)),
		slog.Int("total_segments", totalSegments),
	)
	return nil
}

// cachedManifest reports whether the stored manifest still matches the
// current configuration and no rebuild is forced.
func (p *Processor) cachedManifest(fingerprint string) (*state.Manifest, bool) {
	if p.cfg.Processing.ForceRebuild {
		return nil, false
	}
	manifest, err := p.processed.LoadManifest()
	if err != nil {
		p.logger.Warn("unreadable manifest, rebuilding", slog.String("error", err.Error()))
		return nil, false
	}
	if manifest == nil || manifest.ConfigHash != fingerprint {
		return nil, false
	}
	return manifest, true
}

func (p *Processor) sourceRoot() string {
	return filepath.Join(p.cfg.Paths.Workspace, p.cfg.Playlist.Source)
}

// findTracks enumerates the source files to process, in order. An explicit
// track list is honoured verbatim: each name is looked up at the source root
// first, then by recursive filename match when subdirectory scanning is on.
// Without a list, all audio files under the root are taken sorted by path.
func (p *Processor) findTracks() ([]string, error) {
	root := p.sourceRoot()
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("music source %s: %w", root, err)
	}

	scanSubdirs := p.cfg.Playlist.Options.ScanSubdirectories

	if len(p.cfg.Playlist.Tracks) > 0 {
		var files []string
		for _, name := range p.cfg.Playlist.Tracks {
			path := filepath.Join(root, name)
			if _, err := os.Stat(path); err != nil && scanSubdirs {
				path = p.findByName(root, name)
			}
			if path == "" {
				p.logger.Warn("track not found", slog.String("track", name))
				continue
			}
			if _, err := os.Stat(path); err != nil {
				p.logger.Warn("track not found", slog.String("track", name))
				continue
			}
			files = append(files, path)
		}
		return files, nil
	}

	var files []string
	if scanSubdirs {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && audioExtensions[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", root, err)
		}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", root, err)
		}
		for _, e := range entries {
			if !e.IsDir() && audioExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				files = append(files, filepath.Join(root, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// findByName walks root for the first file matching name, in path order.
func (p *Processor) findByName(root, name string) string {
	var found string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// findJingles enumerates the jingle directory, non-recursive, sorted.
func (p *Processor) findJingles() []string {
	if !p.cfg.Jingles.Enabled {
		return nil
	}
	dir := filepath.Join(p.cfg.Paths.Workspace, p.cfg.Jingles.Source)
	entries, err := os.ReadDir(dir)
	if err != nil {
		p.logger.Warn("jingles directory unavailable",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && audioExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// processFile validates, chunks, and uploads one source file. Any segment
// that fails to upload fails the whole file.
func (p *Processor) processFile(ctx context.Context, path string, index int, kind string) (*state.Track, error) {
	duration, err := p.prober.Duration(ctx, path)
	if err != nil {
		return nil, err
	}
	p.logger.Info("processing audio file",
		slog.String("file", filepath.Base(path)),
		slog.String("kind", kind),
		slog.Duration("duration", duration),
	)

	outputDir := filepath.Join(p.processed.Dir(), fmt.Sprintf("%s_%03d", kind, index))
	result, err := p.chunker.Chunk(ctx, path, outputDir, ffmpeg.ChunkParams{
		SegmentDuration: p.cfg.Audio.SegmentDuration,
		Bitrate:         p.cfg.Audio.Bitrate,
		Codec:           p.cfg.Audio.Codec,
	})
	if err != nil {
		return nil, err
	}

	refs := make([]state.SegmentRef, 0, len(result.Segments))
	for _, segPath := range result.Segments {
		cid, err := p.uploader.AddFile(ctx, segPath, p.cfg.IPFS.PinSegments)
		if err != nil {
			return nil, fmt.Errorf("uploading %s: %w", filepath.Base(segPath), err)
		}
		refs = append(refs, state.SegmentRef{
			Filename: filepath.Base(segPath),
			CID:      cid,
		})
	}

	relDir, err := filepath.Rel(p.processed.Dir(), outputDir)
	if err != nil {
		relDir = outputDir
	}
	return &state.Track{
		Filename:     filepath.Base(path),
		Type:         kind,
		BaseName:     result.BaseName,
		SegmentCount: len(refs),
		Segments:     refs,
		OutputDir:    relDir,
	}, nil
}

// writePlaylist flattens the track set and atomically replaces playlist.m3u.
func (p *Processor) writePlaylist(tracks, jingles []state.Track) error {
	cids := playlist.Flatten(tracks, jingles, playlist.InterleaveOptions{
		JinglesEnabled: p.cfg.Jingles.Enabled,
		JingleCycle:    p.cfg.Jingles.Cycle,
	})
	text := playlist.Render(cids, p.cfg.Audio.SegmentDuration)
	if err := p.stateDir.WriteFile(state.PlaylistFile, []byte(text)); err != nil {
		return err
	}
	p.logger.Info("virtual playlist written",
		slog.Int("entries", len(cids)),
		slog.String("path", p.stateDir.Path(state.PlaylistFile)),
	)
	return nil
}
