package streamer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleetbubble/sleetbubble/internal/state"
)

func TestManifestSourceReadsVirtualPlaylist(t *testing.T) {
	store := state.New(t.TempDir())
	text := "#EXTM3U\n#EXTINF:6,\n/ipfs/QmA\n#EXTINF:6,\n/ipfs/QmB\n"
	require.NoError(t, store.WriteFile(state.PlaylistFile, []byte(text)))

	src := NewManifestSource(store, time.Second)
	entries, err := src.Entries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"QmA", "QmB"}, entries)

	// Cached: a rewrite is not picked up until restart.
	require.NoError(t, store.WriteFile(state.PlaylistFile, []byte("#EXTM3U\n#EXTINF:6,\n/ipfs/QmC\n")))
	again, err := src.Entries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entries, again)
}

func TestManifestSourceFailsWhenPlaylistNeverAppears(t *testing.T) {
	src := NewManifestSource(state.New(t.TempDir()), 0)
	_, err := src.Entries(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run setup first")
}

func TestCaptureSourceOrdersByTimestamp(t *testing.T) {
	store := state.New(t.TempDir())
	idx := make(state.SegmentIndex)
	idx.Add("stream", "stream_6_300_2.ts", state.SegmentRecord{CID: "QmNew", Timestamp: 300}, 0)
	idx.Add("stream", "stream_6_100_0.ts", state.SegmentRecord{CID: "QmOld", Timestamp: 100}, 0)
	idx.Add("stream", "stream_6_200_1.ts", state.SegmentRecord{CID: "QmMid", Timestamp: 200}, 0)
	require.NoError(t, store.SaveSegments(idx))

	src := NewCaptureSource(store, "stream")
	entries, err := src.Entries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"QmOld", "QmMid", "QmNew"}, entries)
}

func TestCaptureSourceRejectsEmptyBucket(t *testing.T) {
	src := NewCaptureSource(state.New(t.TempDir()), "stream")
	_, err := src.Entries(context.Background())
	assert.Error(t, err)
}
