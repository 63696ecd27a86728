package streamer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleetbubble/sleetbubble/internal/config"
	"github.com/sleetbubble/sleetbubble/internal/ipfs"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

type fakeCAS struct {
	published []string // uploaded playlist texts, in order
	keys      []ipfs.Key
	genCalls  int
	addErr    error
	pubErr    error
}

func (f *fakeCAS) Add(_ context.Context, _ string, data []byte, _ bool) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.published = append(f.published, string(data))
	return fmt.Sprintf("QmPlaylist%d", len(f.published)), nil
}

func (f *fakeCAS) NamePublish(_ context.Context, _, _ string, _ ipfs.PublishOptions) (string, error) {
	if f.pubErr != nil {
		return "", f.pubErr
	}
	return "k51testname", nil
}

func (f *fakeCAS) KeyList(context.Context) ([]ipfs.Key, error) {
	return f.keys, nil
}

func (f *fakeCAS) KeyGen(_ context.Context, name string) (string, error) {
	f.genCalls++
	return "k-generated", nil
}

type staticSource []string

func (s staticSource) Entries(context.Context) ([]string, error) {
	return s, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Paths.StateDir = t.TempDir()
	cfg.Streaming.MaxSegments = 4
	cfg.Streaming.AdvanceEvery = 2
	return cfg
}

func entries(n int) staticSource {
	s := make(staticSource, n)
	for i := range s {
		s[i] = fmt.Sprintf("Qm%02d", i)
	}
	return s
}

func newStreamer(t *testing.T, cfg *config.Config, cas *fakeCAS, src Source) *Streamer {
	t.Helper()
	s := New(cfg, state.New(cfg.Paths.StateDir), cas, src, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return s
}

func sequenceOf(t *testing.T, playlistText string) string {
	t.Helper()
	for _, line := range strings.Split(playlistText, "\n") {
		if v, ok := strings.CutPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"); ok {
			return v
		}
	}
	t.Fatalf("no MEDIA-SEQUENCE in playlist:\n%s", playlistText)
	return ""
}

func urisOf(playlistText string) []string {
	var uris []string
	for _, line := range strings.Split(playlistText, "\n") {
		if strings.HasPrefix(line, "/ipfs/") {
			uris = append(uris, line)
		}
	}
	return uris
}

func TestAdvanceRule(t *testing.T) {
	// W=4, A=2, L=10: four ticks publish sequences 0, 0, 1, 1 and the URIs
	// shift by one starting at the third tick.
	cfg := testConfig(t)
	cas := &fakeCAS{}
	s := newStreamer(t, cfg, cas, entries(10))
	require.NoError(t, s.init(context.Background()))

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Tick(context.Background()))
	}
	require.Len(t, cas.published, 4)

	assert.Equal(t, "0", sequenceOf(t, cas.published[0]))
	assert.Equal(t, "0", sequenceOf(t, cas.published[1]))
	assert.Equal(t, "1", sequenceOf(t, cas.published[2]))
	assert.Equal(t, "1", sequenceOf(t, cas.published[3]))

	assert.Equal(t, []string{"/ipfs/Qm00", "/ipfs/Qm01", "/ipfs/Qm02", "/ipfs/Qm03"}, urisOf(cas.published[0]))
	assert.Equal(t, urisOf(cas.published[0]), urisOf(cas.published[1]))
	assert.Equal(t, []string{"/ipfs/Qm01", "/ipfs/Qm02", "/ipfs/Qm03", "/ipfs/Qm04"}, urisOf(cas.published[2]))
}

func TestWindowContinuity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Streaming.AdvanceEvery = 1
	cas := &fakeCAS{}
	s := newStreamer(t, cfg, cas, entries(10))
	require.NoError(t, s.init(context.Background()))

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Tick(context.Background()))
	}

	// Consecutive windows overlap in all but one URI.
	for i := 1; i < len(cas.published); i++ {
		prev, cur := urisOf(cas.published[i-1]), urisOf(cas.published[i])
		assert.Equal(t, prev[1:], cur[:len(cur)-1], "tick %d", i)
	}
}

func TestWindowWrapsModuloPlaylistLength(t *testing.T) {
	cfg := testConfig(t)
	cas := &fakeCAS{}
	store := state.New(cfg.Paths.StateDir)
	require.NoError(t, store.SaveSequence(8))

	s := newStreamer(t, cfg, cas, entries(10))
	require.NoError(t, s.init(context.Background()))
	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, "8", sequenceOf(t, cas.published[0]))
	assert.Equal(t, []string{"/ipfs/Qm08", "/ipfs/Qm09", "/ipfs/Qm00", "/ipfs/Qm01"}, urisOf(cas.published[0]))
}

func TestSequenceSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Streaming.AdvanceEvery = 1
	cas := &fakeCAS{}

	s := newStreamer(t, cfg, cas, entries(10))
	require.NoError(t, s.init(context.Background()))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Tick(context.Background()))
	}
	assert.Equal(t, uint64(3), s.Sequence())

	// A fresh streamer over the same state dir resumes, never regresses.
	restarted := newStreamer(t, cfg, &fakeCAS{}, entries(10))
	require.NoError(t, restarted.init(context.Background()))
	assert.Equal(t, uint64(3), restarted.Sequence())
}

func TestFailedTickDoesNotAdvance(t *testing.T) {
	cfg := testConfig(t)
	cfg.Streaming.AdvanceEvery = 1
	cas := &fakeCAS{}
	s := newStreamer(t, cfg, cas, entries(10))
	require.NoError(t, s.init(context.Background()))

	cas.addErr = fmt.Errorf("store down")
	require.Error(t, s.Tick(context.Background()))
	assert.Equal(t, uint64(0), s.Sequence())

	cas.addErr = nil
	cas.pubErr = fmt.Errorf("publish refused")
	require.Error(t, s.Tick(context.Background()))
	assert.Equal(t, uint64(0), s.Sequence())

	cas.pubErr = nil
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, uint64(1), s.Sequence())
}

func TestTickWritesStreamInfo(t *testing.T) {
	cfg := testConfig(t)
	cas := &fakeCAS{}
	store := state.New(cfg.Paths.StateDir)
	require.NoError(t, store.SaveSequence(13))

	s := newStreamer(t, cfg, cas, entries(10))
	require.NoError(t, s.init(context.Background()))
	require.NoError(t, s.Tick(context.Background()))

	var info state.StreamInfo
	ok, err := store.ReadJSON(state.StreamInfoFile, &info)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k51testname", info.StreamPlaylistIPNS)
	assert.Equal(t, cfg.IPFS.Gateway+"/ipns/k51testname", info.StreamPlaylistURL)
	assert.Equal(t, uint64(13), info.SequenceNumber)
	assert.Equal(t, uint64(3), info.PlaylistPosition)
	assert.Equal(t, cfg.NodeID, info.NodeID)
}

func TestEnsureKeyPrefersPersistedThenRemote(t *testing.T) {
	cfg := testConfig(t)
	store := state.New(cfg.Paths.StateDir)

	t.Run("persisted key wins", func(t *testing.T) {
		require.NoError(t, store.SaveKeys(map[string]string{cfg.StreamKeyName(): "k-persisted"}))
		cas := &fakeCAS{}
		s := newStreamer(t, cfg, cas, entries(10))
		id, err := s.EnsureKey(context.Background(), cfg.StreamKeyName())
		require.NoError(t, err)
		assert.Equal(t, "k-persisted", id)
		assert.Zero(t, cas.genCalls)
	})

	t.Run("remote key adopted and persisted", func(t *testing.T) {
		require.NoError(t, store.SaveKeys(map[string]string{}))
		cas := &fakeCAS{keys: []ipfs.Key{{Name: cfg.StreamKeyName(), ID: "k-remote"}}}
		s := newStreamer(t, cfg, cas, entries(10))
		id, err := s.EnsureKey(context.Background(), cfg.StreamKeyName())
		require.NoError(t, err)
		assert.Equal(t, "k-remote", id)
		assert.Zero(t, cas.genCalls)

		keys, err := store.LoadKeys()
		require.NoError(t, err)
		assert.Equal(t, "k-remote", keys[cfg.StreamKeyName()])
	})

	t.Run("missing key is generated", func(t *testing.T) {
		require.NoError(t, store.SaveKeys(map[string]string{}))
		cas := &fakeCAS{}
		s := newStreamer(t, cfg, cas, entries(10))
		id, err := s.EnsureKey(context.Background(), cfg.StreamKeyName())
		require.NoError(t, err)
		assert.Equal(t, "k-generated", id)
		assert.Equal(t, 1, cas.genCalls)
	})
}
