// Package playlist builds the virtual concatenated playlist from a manifest
// and renders HLS media playlist text for the sliding window.
package playlist

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sleetbubble/sleetbubble/internal/state"
)

// InterleaveOptions controls jingle insertion when flattening a manifest.
type InterleaveOptions struct {
	JinglesEnabled bool
	JingleCycle    int // one jingle between every N tracks
}

// Flatten lays the manifest out as one ordered CID sequence. Tracks appear in
// manifest order; with jingles enabled and cycle k, after the t-th track
// (t > 0, t mod k == 0) the next jingle is inserted round-robin before that
// track's segments.
func Flatten(tracks, jingles []state.Track, opts InterleaveOptions) []string {
	var cids []string

	appendSegments := func(t state.Track) {
		for _, seg := range t.Segments {
			cids = append(cids, seg.CID)
		}
	}

	if !opts.JinglesEnabled || len(jingles) == 0 || opts.JingleCycle < 1 {
		for _, t := range tracks {
			appendSegments(t)
		}
		return cids
	}

	jingleIndex := 0
	for counter, t := range tracks {
		if counter > 0 && counter%opts.JingleCycle == 0 {
			appendSegments(jingles[jingleIndex%len(jingles)])
			jingleIndex++
		}
		appendSegments(t)
	}
	return cids
}

// Render produces the playlist.m3u text: a minimal HLS file with one
// EXTINF/URI pair per virtual-playlist entry.
func Render(cids []string, segmentDuration int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, cid := range cids {
		b.WriteString("#EXTINF:")
		b.WriteString(strconv.Itoa(segmentDuration))
		b.WriteString(",\n/ipfs/")
		b.WriteString(cid)
		b.WriteByte('\n')
	}
	return b.String()
}

// Parse extracts the ordered CID list from playlist.m3u text. Lines that are
// not /ipfs/ URIs are skipped.
func Parse(text string) ([]string, error) {
	var cids []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if cid, ok := strings.CutPrefix(line, "/ipfs/"); ok && cid != "" {
			cids = append(cids, cid)
		}
	}
	if len(cids) == 0 {
		return nil, fmt.Errorf("playlist contains no /ipfs/ entries")
	}
	return cids, nil
}
