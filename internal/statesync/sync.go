// Package statesync is the best-effort gossip layer that lets independent
// nodes converge on a common playback position. It subscribes to a shared
// pub/sub topic, adopts the freshest peer state, republishes local state on
// change, and reaps silent peers. Nothing here blocks the streamer.
package statesync

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sleetbubble/sleetbubble/internal/config"
	"github.com/sleetbubble/sleetbubble/internal/ipfs"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

// PubSub is the slice of the CAS client the synchronizer needs.
type PubSub interface {
	PubsubSubscribe(ctx context.Context, topic string) (<-chan ipfs.Message, error)
	PubsubPublish(ctx context.Context, topic string, payload []byte) error
}

// wireState is the gossip envelope body: the shared position plus a per-boot
// instance id so a node can drop its own echoes.
type wireState struct {
	state.Position
	Instance string `json:"instance,omitempty"`
}

type peerRecord struct {
	position   state.Position
	receivedAt time.Time
}

// Synchronizer runs the subscriber, publisher, and reaper.
type Synchronizer struct {
	cfg      *config.Config
	store    *state.Store
	pubsub   PubSub
	logger   *slog.Logger
	instance string

	mu    sync.Mutex
	peers map[string]peerRecord

	lastPublished []byte

	now func() time.Time
}

// New wires a synchronizer from its collaborators.
func New(cfg *config.Config, store *state.Store, pubsub PubSub, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		cfg:      cfg,
		store:    store,
		pubsub:   pubsub,
		logger:   logger,
		instance: uuid.NewString(),
		peers:    make(map[string]peerRecord),
		now:      time.Now,
	}
}

// Run starts the three activities and blocks until the context is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.logger.Info("state sync starting",
		slog.String("topic", s.cfg.Sync.Topic),
		slog.String("instance", s.instance),
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.subscribeLoop(ctx) }()
	go func() { defer wg.Done(); s.publishLoop(ctx) }()
	go func() { defer wg.Done(); s.reapLoop(ctx) }()
	wg.Wait()
	return ctx.Err()
}

// subscribeLoop holds a subscription open for the life of the process,
// resubscribing after a bounded delay whenever the stream drops.
func (s *Synchronizer) subscribeLoop(ctx context.Context) {
	for {
		ch, err := s.pubsub.PubsubSubscribe(ctx, s.cfg.Sync.Topic)
		if err != nil {
			s.logger.Warn("subscribe failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("delay", s.cfg.Sync.ResubscribeDelay),
			)
			if !sleep(ctx, s.cfg.Sync.ResubscribeDelay) {
				return
			}
			continue
		}
		s.logger.Info("subscribed to topic", slog.String("topic", s.cfg.Sync.Topic))

		for msg := range ch {
			s.handleMessage(msg)
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("subscription dropped, resubscribing",
			slog.Duration("delay", s.cfg.Sync.ResubscribeDelay),
		)
		if !sleep(ctx, s.cfg.Sync.ResubscribeDelay) {
			return
		}
	}
}

func (s *Synchronizer) handleMessage(msg ipfs.Message) {
	raw, err := msg.DecodeData()
	if err != nil {
		s.logger.Debug("ignoring undecodable message", slog.String("error", err.Error()))
		return
	}
	var ws wireState
	if err := json.Unmarshal(raw, &ws); err != nil {
		s.logger.Debug("ignoring malformed state", slog.String("error", err.Error()))
		return
	}
	if ws.Instance != "" && ws.Instance == s.instance {
		return // our own echo
	}

	s.logger.Debug("received peer state",
		slog.String("node_id", ws.NodeID),
		slog.Uint64("position", ws.Position.Position),
		slog.String("track", ws.Track),
	)

	s.mu.Lock()
	s.peers[ws.NodeID] = peerRecord{position: ws.Position, receivedAt: s.now()}
	s.mu.Unlock()

	s.converge()
}

// converge adopts the freshest peer state, but only when its timestamp is
// within the freshness window; stale claims are never written to disk.
func (s *Synchronizer) converge() {
	s.mu.Lock()
	var freshest *state.Position
	for _, rec := range s.peers {
		if freshest == nil || rec.position.Timestamp > freshest.Timestamp {
			p := rec.position
			freshest = &p
		}
	}
	s.mu.Unlock()

	if freshest == nil {
		return
	}
	age := s.now().Unix() - freshest.Timestamp
	if age >= int64(s.cfg.Sync.FreshnessWindow/time.Second) {
		s.logger.Debug("freshest peer state too old",
			slog.String("node_id", freshest.NodeID),
			slog.Int64("age_seconds", age),
		)
		return
	}
	if err := s.store.SavePosition(*freshest); err != nil {
		s.logger.Error("persisting adopted position", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("synced to peer state",
		slog.String("node_id", freshest.NodeID),
		slog.Uint64("position", freshest.Position),
	)
}

// publishLoop republishes the local position on change.
func (s *Synchronizer) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Sync.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishLocal(ctx)
		}
	}
}

func (s *Synchronizer) publishLocal(ctx context.Context) {
	raw, err := os.ReadFile(s.store.Path(state.CurrentPositionFile))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("reading local position", slog.String("error", err.Error()))
		}
		return
	}
	if bytes.Equal(raw, s.lastPublished) {
		return
	}

	var pos state.Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		s.logger.Warn("local position unreadable", slog.String("error", err.Error()))
		return
	}
	payload, err := json.Marshal(wireState{Position: pos, Instance: s.instance})
	if err != nil {
		s.logger.Error("encoding local state", slog.String("error", err.Error()))
		return
	}
	if err := s.pubsub.PubsubPublish(ctx, s.cfg.Sync.Topic, payload); err != nil {
		s.logger.Warn("publishing local state", slog.String("error", err.Error()))
		return
	}
	s.lastPublished = raw
	s.logger.Debug("published local state", slog.Uint64("position", pos.Position))
}

// reapLoop drops peers that have gone silent.
func (s *Synchronizer) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Sync.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}

// Reap removes every peer not heard from within the peer TTL.
func (s *Synchronizer) Reap() {
	cutoff := s.now().Add(-s.cfg.Sync.PeerTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	for nid, rec := range s.peers {
		if rec.receivedAt.Before(cutoff) {
			delete(s.peers, nid)
			s.logger.Info("removed stale peer", slog.String("node_id", nid))
		}
	}
}

// Peers returns a snapshot of the peer table, for tests and introspection.
func (s *Synchronizer) Peers() map[string]state.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]state.Position, len(s.peers))
	for nid, rec := range s.peers {
		out[nid] = rec.position
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
