package streamer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sleetbubble/sleetbubble/internal/playlist"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

// Source yields the current virtual playlist as an ordered CID list. The
// streamer indexes it modulo its length, so a source may grow or shrink
// between ticks.
type Source interface {
	Entries(ctx context.Context) ([]string, error)
}

// ManifestSource serves the static virtual playlist the setup processor
// wrote. The file is read once and cached; a setup re-run requires a streamer
// restart, which is how deployments sequence the two anyway.
type ManifestSource struct {
	store   *state.Store
	retry   time.Duration
	entries []string
}

// NewManifestSource reads playlist.m3u from the store. A temporarily-absent
// file is retried for a bounded period so the streamer can boot alongside the
// setup processor.
func NewManifestSource(store *state.Store, retry time.Duration) *ManifestSource {
	return &ManifestSource{store: store, retry: retry}
}

func (m *ManifestSource) Entries(ctx context.Context) ([]string, error) {
	if m.entries != nil {
		return m.entries, nil
	}

	deadline := time.Now().Add(m.retry)
	for {
		raw, err := os.ReadFile(m.store.Path(state.PlaylistFile))
		if err == nil {
			entries, perr := playlist.Parse(string(raw))
			if perr != nil {
				return nil, perr
			}
			m.entries = entries
			return entries, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading virtual playlist: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("virtual playlist %s not found, run setup first", m.store.Path(state.PlaylistFile))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// CaptureSource serves live-captured segments recorded by the capture
// uploader, re-read every tick so new segments appear without restart.
type CaptureSource struct {
	store   *state.Store
	quality string
}

// NewCaptureSource reads the segment index for one quality bucket.
func NewCaptureSource(store *state.Store, quality string) *CaptureSource {
	return &CaptureSource{store: store, quality: quality}
}

func (c *CaptureSource) Entries(ctx context.Context) ([]string, error) {
	idx, err := c.store.LoadSegments()
	if err != nil {
		return nil, err
	}
	bucket := idx[c.quality]
	if len(bucket) == 0 {
		return nil, fmt.Errorf("no captured segments for quality %q", c.quality)
	}
	names := idx.SortedFilenames(c.quality)
	cids := make([]string, 0, len(names))
	for _, name := range names {
		cids = append(cids, bucket[name].CID)
	}
	return cids, nil
}
