package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceDefaultsToZero(t *testing.T) {
	store := New(t.TempDir())
	seq, err := store.LoadSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq.Sequence)
}

func TestSequenceRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	require.NoError(t, store.SaveSequence(1234567890123))

	seq, err := store.LoadSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567890123), seq.Sequence)
	assert.NotEmpty(t, seq.Timestamp)
}

func TestKeysRoundTrip(t *testing.T) {
	store := New(t.TempDir())

	keys, err := store.LoadKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys["node1-stream"] = "k51abc"
	require.NoError(t, store.SaveKeys(keys))

	loaded, err := store.LoadKeys()
	require.NoError(t, err)
	assert.Equal(t, keys, loaded)
}

func TestManifestRoundTrip(t *testing.T) {
	store := New(t.TempDir())

	missing, err := store.LoadManifest()
	require.NoError(t, err)
	assert.Nil(t, missing)

	m := &Manifest{
		ConfigHash: "abc123",
		Timestamp:  1756000000,
		Tracks: []Track{{
			Filename:     "song.mp3",
			Type:         "track",
			BaseName:     "song",
			SegmentCount: 2,
			Segments: []SegmentRef{
				{Filename: "song_000.ts", CID: "QmA"},
				{Filename: "song_001.ts", CID: "QmB"},
			},
			OutputDir: "track_000",
		}},
	}
	require.NoError(t, store.SaveManifest(m))

	loaded, err := store.LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, m, loaded)
}

func TestWriteJSONIsPrettyPrinted(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	require.NoError(t, store.SaveSequence(5))

	raw, err := os.ReadFile(filepath.Join(dir, SequenceFile))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "\n  \"sequence\": 5"))
}

func TestWriteCreatesStateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	store := New(dir)
	require.NoError(t, store.SavePosition(Position{NodeID: "node1", Position: 9, Timestamp: 100}))

	pos, err := store.LoadPosition()
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, uint64(9), pos.Position)
}

func TestReadJSONRejectsCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SequenceFile), []byte("{broken"), 0o644))

	_, err := New(dir).LoadSequence()
	assert.Error(t, err)
}

func TestSegmentIndexOrdering(t *testing.T) {
	idx := make(SegmentIndex)
	idx.Add("stream", "c.ts", SegmentRecord{CID: "QmC", Timestamp: 300}, 0)
	idx.Add("stream", "a.ts", SegmentRecord{CID: "QmA", Timestamp: 100}, 0)
	idx.Add("stream", "b.ts", SegmentRecord{CID: "QmB", Timestamp: 200}, 0)

	assert.Equal(t, []string{"a.ts", "b.ts", "c.ts"}, idx.SortedFilenames("stream"))
}

func TestSegmentIndexEvictsOldestBeyondCap(t *testing.T) {
	idx := make(SegmentIndex)
	for i := 0; i < 5; i++ {
		name := string(rune('a'+i)) + ".ts"
		evicted := idx.Add("stream", name, SegmentRecord{CID: "Qm" + name, Timestamp: int64(i)}, 3)
		if i < 3 {
			assert.Empty(t, evicted)
		}
	}

	names := idx.SortedFilenames("stream")
	assert.Equal(t, []string{"c.ts", "d.ts", "e.ts"}, names)
	assert.Len(t, idx["stream"], 3)
}

func TestSegmentIndexRoundTrip(t *testing.T) {
	store := New(t.TempDir())

	idx := make(SegmentIndex)
	idx.Add("stream", "stream_6_100_0.ts", SegmentRecord{CID: "QmA", Timestamp: 100, Size: 2048, NodeID: "node1"}, 0)
	require.NoError(t, store.SaveSegments(idx))

	loaded, err := store.LoadSegments()
	require.NoError(t, err)
	assert.Equal(t, idx, loaded)
}
