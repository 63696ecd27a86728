package cleanup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleetbubble/sleetbubble/internal/config"
	"github.com/sleetbubble/sleetbubble/internal/ipfs"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

type fakeCAS struct {
	unpinned  []string
	unpinFail map[string]bool
	gcRuns    int
	statCalls int
}

func (f *fakeCAS) PinRm(_ context.Context, cid string) error {
	if f.unpinFail[cid] {
		return fmt.Errorf("unpin refused for %s", cid)
	}
	f.unpinned = append(f.unpinned, cid)
	return nil
}

func (f *fakeCAS) RepoGC(context.Context) error {
	f.gcRuns++
	return nil
}

func (f *fakeCAS) RepoStat(context.Context) (*ipfs.RepoStat, error) {
	f.statCalls++
	return &ipfs.RepoStat{RepoSize: 1 << 20, StorageMax: 10 << 20, NumObjects: 7}, nil
}

func newCleaner(t *testing.T) (*Cleaner, *state.Store, *fakeCAS) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Paths.StateDir = t.TempDir()
	cfg.Paths.HLSDir = t.TempDir()

	store := state.New(cfg.Paths.StateDir)
	cas := &fakeCAS{}
	c := New(cfg, store, cas, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, store, cas
}

// seed populates n segments with one-second timestamp spacing ending at end.
func seed(t *testing.T, c *Cleaner, store *state.Store, n int, end int64) {
	t.Helper()
	idx := make(state.SegmentIndex)
	for i := 0; i < n; i++ {
		ts := end - int64(n-1-i)
		name := fmt.Sprintf("stream_6_%d_%04d.ts", ts, i)
		idx.Add("stream", name, state.SegmentRecord{
			CID:       fmt.Sprintf("Qm%04d", i),
			Timestamp: ts,
			Size:      1024,
			NodeID:    "node1",
		}, 0)
		require.NoError(t, os.WriteFile(filepath.Join(c.cfg.Paths.HLSDir, name), []byte("x"), 0o644))
	}
	require.NoError(t, store.SaveSegments(idx))
}

func TestCountCapEvictsOldestFirst(t *testing.T) {
	// 60 segments all within retention, cap 50: the 10 oldest go.
	c, store, cas := newCleaner(t)
	now := int64(1756000000)
	c.now = func() time.Time { return time.Unix(now, 0) }
	seed(t, c, store, 60, now)

	require.NoError(t, c.cleanupSegments(context.Background()))

	assert.Len(t, cas.unpinned, 10)
	for i := 0; i < 10; i++ {
		assert.Contains(t, cas.unpinned, fmt.Sprintf("Qm%04d", i))
	}

	idx, err := store.LoadSegments()
	require.NoError(t, err)
	assert.Len(t, idx["stream"], 50)
	// The newest survive.
	names := idx.SortedFilenames("stream")
	assert.Equal(t, fmt.Sprintf("Qm%04d", 10), idx["stream"][names[0]].CID)
}

func TestRetentionEvictsAgedSegments(t *testing.T) {
	c, store, cas := newCleaner(t)
	now := int64(1756000000)
	c.now = func() time.Time { return time.Unix(now, 0) }

	idx := make(state.SegmentIndex)
	idx.Add("stream", "old.ts", state.SegmentRecord{CID: "QmOld", Timestamp: now - 301}, 0)
	idx.Add("stream", "edge.ts", state.SegmentRecord{CID: "QmEdge", Timestamp: now - 300}, 0)
	idx.Add("stream", "new.ts", state.SegmentRecord{CID: "QmNew", Timestamp: now - 10}, 0)
	require.NoError(t, store.SaveSegments(idx))

	require.NoError(t, c.cleanupSegments(context.Background()))

	// Strictly older than retention goes; exactly at retention stays.
	assert.Equal(t, []string{"QmOld"}, cas.unpinned)

	loaded, err := store.LoadSegments()
	require.NoError(t, err)
	assert.Len(t, loaded["stream"], 2)
}

func TestAgeAndCountSelectionsAreDeduplicated(t *testing.T) {
	c, store, cas := newCleaner(t)
	c.cfg.Cleanup.MaxSegments = 1
	now := int64(1756000000)
	c.now = func() time.Time { return time.Unix(now, 0) }

	idx := make(state.SegmentIndex)
	// Aged AND in excess: must be removed exactly once.
	idx.Add("stream", "old.ts", state.SegmentRecord{CID: "QmOld", Timestamp: now - 400}, 0)
	idx.Add("stream", "new.ts", state.SegmentRecord{CID: "QmNew", Timestamp: now - 10}, 0)
	require.NoError(t, store.SaveSegments(idx))

	require.NoError(t, c.cleanupSegments(context.Background()))
	assert.Equal(t, []string{"QmOld"}, cas.unpinned)
}

func TestUnpinFailureKeepsStateEntry(t *testing.T) {
	c, store, cas := newCleaner(t)
	now := int64(1756000000)
	c.now = func() time.Time { return time.Unix(now, 0) }

	idx := make(state.SegmentIndex)
	idx.Add("stream", "a.ts", state.SegmentRecord{CID: "QmA", Timestamp: now - 400}, 0)
	idx.Add("stream", "b.ts", state.SegmentRecord{CID: "QmB", Timestamp: now - 400}, 0)
	require.NoError(t, store.SaveSegments(idx))
	cas.unpinFail = map[string]bool{"QmA": true}

	require.NoError(t, c.cleanupSegments(context.Background()))

	loaded, err := store.LoadSegments()
	require.NoError(t, err)
	// QmA's unpin failed so its entry stays for a retry; QmB is gone.
	assert.Contains(t, loaded["stream"], "a.ts")
	assert.NotContains(t, loaded["stream"], "b.ts")
}

func TestCleanupDeletesLocalFiles(t *testing.T) {
	c, store, _ := newCleaner(t)
	now := int64(1756000000)
	c.now = func() time.Time { return time.Unix(now, 0) }
	seed(t, c, store, 60, now)

	require.NoError(t, c.cleanupSegments(context.Background()))

	entries, err := os.ReadDir(c.cfg.Paths.HLSDir)
	require.NoError(t, err)
	assert.Len(t, entries, 50)
}

func TestGCEveryTenthCycle(t *testing.T) {
	c, _, cas := newCleaner(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		c.Cycle(ctx)
	}
	assert.Equal(t, 2, cas.gcRuns)
	assert.Equal(t, 2, cas.statCalls)
}

func TestEmptyStateIsANoop(t *testing.T) {
	c, _, cas := newCleaner(t)
	require.NoError(t, c.cleanupSegments(context.Background()))
	assert.Empty(t, cas.unpinned)
}
