// Package streamer maintains the live-stream illusion: it walks the virtual
// playlist in a sliding window, regenerates the HLS media playlist every tick,
// uploads it, and republishes it under the node's stream name with strictly
// monotonic MEDIA-SEQUENCE semantics across restarts.
package streamer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sleetbubble/sleetbubble/internal/config"
	"github.com/sleetbubble/sleetbubble/internal/ipfs"
	"github.com/sleetbubble/sleetbubble/internal/playlist"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

// Publisher is the slice of the CAS client the streamer needs.
type Publisher interface {
	Add(ctx context.Context, filename string, data []byte, pin bool) (string, error)
	NamePublish(ctx context.Context, keyName, cid string, opts ipfs.PublishOptions) (string, error)
	KeyList(ctx context.Context) ([]ipfs.Key, error)
	KeyGen(ctx context.Context, name string) (string, error)
}

// Streamer drives the tick loop.
type Streamer struct {
	cfg    *config.Config
	store  *state.Store
	cas    Publisher
	source Source
	logger *slog.Logger

	sequence      uint64
	updateCounter int
	keyID         string

	now func() time.Time
}

// New wires a streamer from its collaborators.
func New(cfg *config.Config, store *state.Store, cas Publisher, source Source, logger *slog.Logger) *Streamer {
	return &Streamer{
		cfg:    cfg,
		store:  store,
		cas:    cas,
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// Run initializes the streamer and ticks until the context is cancelled.
// A missing stream key is the one terminal condition.
func (s *Streamer) Run(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.Streaming.UpdateInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			// Transient failures skip the advance; the counter stays put.
			s.logger.Error("tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Streamer) init(ctx context.Context) error {
	keyID, err := s.EnsureKey(ctx, s.cfg.StreamKeyName())
	if err != nil {
		return fmt.Errorf("provisioning stream key: %w", err)
	}
	s.keyID = keyID

	seq, err := s.store.LoadSequence()
	if err != nil {
		return err
	}
	s.sequence = seq.Sequence
	s.logger.Info("streamer ready",
		slog.String("key", s.cfg.StreamKeyName()),
		slog.Uint64("sequence", s.sequence),
	)
	return nil
}

// EnsureKey resolves or creates the named IPNS key and persists the
// name-to-id map for other processes.
func (s *Streamer) EnsureKey(ctx context.Context, name string) (string, error) {
	keys, err := s.store.LoadKeys()
	if err != nil {
		return "", err
	}
	if id, ok := keys[name]; ok && id != "" {
		return id, nil
	}

	existing, err := s.cas.KeyList(ctx)
	if err != nil {
		return "", err
	}
	var id string
	for _, k := range existing {
		if k.Name == name {
			id = k.ID
			break
		}
	}
	if id == "" {
		id, err = s.cas.KeyGen(ctx, name)
		if err != nil {
			return "", err
		}
		s.logger.Info("created stream key", slog.String("name", name), slog.String("id", id))
	} else {
		s.logger.Info("found existing stream key", slog.String("name", name), slog.String("id", id))
	}

	keys[name] = id
	if err := s.store.SaveKeys(keys); err != nil {
		return "", err
	}
	return id, nil
}

// Window computes the published window over the given entries.
func (s *Streamer) Window(entries []string) []string {
	l := uint64(len(entries))
	if l == 0 {
		return nil
	}
	w := s.cfg.Streaming.MaxSegments
	window := make([]string, 0, w)
	for i := 0; i < w; i++ {
		window = append(window, entries[(s.sequence+uint64(i))%l])
	}
	return window
}

// Tick publishes one playlist generation and applies the advance rule.
func (s *Streamer) Tick(ctx context.Context) error {
	entries, err := s.source.Entries(ctx)
	if err != nil {
		return err
	}
	window := s.Window(entries)
	if len(window) == 0 {
		return fmt.Errorf("empty playlist window")
	}

	text := playlist.RenderWindow(window, playlist.WindowParams{
		Sequence:        s.sequence,
		SegmentDuration: s.cfg.Audio.SegmentDuration,
		Anchor:          playlist.PDTAnchor(s.cfg.Streaming.PDTAnchor),
		Now:             s.now(),
	})

	cid, err := s.cas.Add(ctx, "stream.m3u8", []byte(text), true)
	if err != nil {
		return fmt.Errorf("uploading window playlist: %w", err)
	}

	name, err := s.cas.NamePublish(ctx, s.cfg.StreamKeyName(), cid, ipfs.PublishOptions{
		Lifetime:     s.cfg.IPNS.Lifetime,
		TTL:          s.cfg.IPNS.TTL,
		AllowOffline: s.cfg.IPNS.AllowOffline,
	})
	if err != nil {
		return fmt.Errorf("publishing stream name: %w", err)
	}

	position := s.sequence % uint64(len(entries))
	if err := s.store.SaveStreamInfo(state.StreamInfo{
		StreamPlaylistIPNS: name,
		StreamPlaylistURL:  fmt.Sprintf("%s/ipns/%s", s.cfg.IPFS.Gateway, name),
		SequenceNumber:     s.sequence,
		PlaylistPosition:   position,
		UpdatedAt:          s.now().UTC().Format(time.RFC3339),
		NodeID:             s.cfg.NodeID,
	}); err != nil {
		s.logger.Error("writing stream info", slog.String("error", err.Error()))
	}

	s.logger.Debug("published window",
		slog.Uint64("sequence", s.sequence),
		slog.Uint64("position", position),
		slog.String("cid", cid),
	)

	s.advance(uint64(len(entries)))
	return nil
}

// advance applies the decoupled advance rule: the window moves one segment
// every advance_every ticks. The counter is persisted before it takes
// effect; if the write fails the advance is retried on the next tick, so the
// on-disk sequence never runs behind a published playlist.
func (s *Streamer) advance(total uint64) {
	s.updateCounter++
	if s.updateCounter < s.cfg.Streaming.AdvanceEvery {
		return
	}
	if err := s.store.SaveSequence(s.sequence + 1); err != nil {
		s.logger.Error("persisting sequence, holding position", slog.String("error", err.Error()))
		return
	}
	s.sequence++
	s.updateCounter = 0
	s.logger.Debug("stream advanced",
		slog.Uint64("sequence", s.sequence),
		slog.Uint64("playlist_position", s.sequence%total),
	)
}

// Sequence returns the current MEDIA-SEQUENCE counter.
func (s *Streamer) Sequence() uint64 {
	return s.sequence
}
