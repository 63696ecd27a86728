package playlist

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleetbubble/sleetbubble/internal/state"
)

func track(name string, cids ...string) state.Track {
	refs := make([]state.SegmentRef, len(cids))
	for i, cid := range cids {
		refs[i] = state.SegmentRef{Filename: fmt.Sprintf("%s_%03d.ts", name, i), CID: cid}
	}
	return state.Track{
		Filename:     name + ".mp3",
		Type:         "track",
		BaseName:     name,
		SegmentCount: len(refs),
		Segments:     refs,
	}
}

func TestFlattenWithoutJingles(t *testing.T) {
	tracks := []state.Track{
		track("t1", "A", "B"),
		track("t2", "C"),
	}

	cids := Flatten(tracks, nil, InterleaveOptions{})
	assert.Equal(t, []string{"A", "B", "C"}, cids)
}

func TestFlattenInterleavesJingles(t *testing.T) {
	// Two 12s tracks at 6s segments, one jingle, cycle 1:
	// expected T1_0, T1_1, J0_0, T2_0, T2_1.
	tracks := []state.Track{
		track("t1", "T1_0", "T1_1"),
		track("t2", "T2_0", "T2_1"),
	}
	jingles := []state.Track{track("j0", "J0_0")}

	cids := Flatten(tracks, jingles, InterleaveOptions{JinglesEnabled: true, JingleCycle: 1})
	assert.Equal(t, []string{"T1_0", "T1_1", "J0_0", "T2_0", "T2_1"}, cids)
}

func TestFlattenJinglePlacement(t *testing.T) {
	// With cycle k, jingle i sits immediately before track k*(i+1).
	tracks := []state.Track{
		track("t0", "T0"),
		track("t1", "T1"),
		track("t2", "T2"),
		track("t3", "T3"),
		track("t4", "T4"),
	}
	jingles := []state.Track{
		track("j0", "J0"),
		track("j1", "J1"),
	}

	cids := Flatten(tracks, jingles, InterleaveOptions{JinglesEnabled: true, JingleCycle: 2})
	assert.Equal(t, []string{"T0", "T1", "J0", "T2", "T3", "J1", "T4"}, cids)
}

func TestFlattenCyclesJingleSetRoundRobin(t *testing.T) {
	tracks := make([]state.Track, 7)
	for i := range tracks {
		tracks[i] = track(fmt.Sprintf("t%d", i), fmt.Sprintf("T%d", i))
	}
	jingles := []state.Track{track("j0", "J0"), track("j1", "J1")}

	cids := Flatten(tracks, jingles, InterleaveOptions{JinglesEnabled: true, JingleCycle: 2})
	// Jingles cycle J0, J1, J0 between every second track.
	assert.Equal(t, []string{"T0", "T1", "J0", "T2", "T3", "J1", "T4", "T5", "J0", "T6"}, cids)
}

func TestFlattenIgnoresEmptyJingleSet(t *testing.T) {
	tracks := []state.Track{track("t1", "A"), track("t2", "B"), track("t3", "C")}
	cids := Flatten(tracks, nil, InterleaveOptions{JinglesEnabled: true, JingleCycle: 1})
	assert.Equal(t, []string{"A", "B", "C"}, cids)
}

func TestRenderAndParseRoundTrip(t *testing.T) {
	cids := []string{"QmA", "QmB", "QmC"}
	text := Render(cids, 6)

	assert.True(t, strings.HasPrefix(text, "#EXTM3U\n"))
	assert.True(t, strings.HasSuffix(text, "\n"))
	assert.Contains(t, text, "#EXTINF:6,\n/ipfs/QmA\n")

	parsed, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, cids, parsed)
}

func TestRenderIsDeterministic(t *testing.T) {
	cids := []string{"QmA", "QmB"}
	assert.Equal(t, Render(cids, 6), Render(cids, 6))
}

func TestParseRejectsEmptyPlaylist(t *testing.T) {
	_, err := Parse("#EXTM3U\n")
	assert.Error(t, err)
}
