package playlist

import (
	"strconv"
	"strings"
	"time"
)

// PDTAnchor selects how PROGRAM-DATE-TIME is computed for a window.
type PDTAnchor string

const (
	// AnchorEpoch timestamps segment i of the window at
	// epoch + (S+i)·segment_duration, so a segment keeps its wall-clock
	// identity across republishes. This is HLS-conformant for seeking.
	AnchorEpoch PDTAnchor = "epoch"

	// AnchorPublish timestamps the last segment "now" and each prior
	// segment one duration earlier, recomputed at every publish. Kept for
	// compatibility with deployments that expect the legacy behaviour.
	AnchorPublish PDTAnchor = "publish"
)

// pdtFormat renders millisecond-precision UTC timestamps.
const pdtFormat = "2006-01-02T15:04:05.000Z"

// WindowParams describe one published sliding-window playlist.
type WindowParams struct {
	Sequence        uint64 // MEDIA-SEQUENCE of the first segment
	SegmentDuration int    // seconds
	Anchor          PDTAnchor
	Now             time.Time // publish instant, used by both anchors
}

// RenderWindow builds the HLS media playlist text for a window of CIDs.
func RenderWindow(cids []string, p WindowParams) string {
	dur := time.Duration(p.SegmentDuration) * time.Second

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-TARGETDURATION:")
	b.WriteString(strconv.Itoa(p.SegmentDuration + 1))
	b.WriteByte('\n')
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:")
	b.WriteString(strconv.FormatUint(p.Sequence, 10))
	b.WriteByte('\n')

	for i, cid := range cids {
		var pdt time.Time
		switch p.Anchor {
		case AnchorPublish:
			pdt = p.Now.Add(-time.Duration(len(cids)-i-1) * dur)
		default:
			pdt = time.Unix(0, 0).Add(time.Duration(p.Sequence+uint64(i)) * dur)
		}
		b.WriteString("#EXT-X-PROGRAM-DATE-TIME:")
		b.WriteString(pdt.UTC().Format(pdtFormat))
		b.WriteByte('\n')
		b.WriteString("#EXTINF:")
		b.WriteString(strconv.FormatFloat(float64(p.SegmentDuration), 'f', 1, 64))
		b.WriteString(",\n/ipfs/")
		b.WriteString(cid)
		b.WriteByte('\n')
	}
	return b.String()
}
