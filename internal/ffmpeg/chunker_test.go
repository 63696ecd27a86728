package ffmpeg

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	args := buildArgs("/music/song.mp3", "/out/track_000", "song", ChunkParams{
		SegmentDuration: 6,
		Bitrate:         "128k",
		Codec:           "aac",
	})

	// Audio-only HLS segmentation with forced key frames at segment
	// boundaries, so every segment comes out at the configured duration.
	assert.Equal(t, []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "/music/song.mp3",
		"-vn",
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", "6",
		"-hls_list_size", "0",
		"-hls_segment_type", "mpegts",
		"-force_key_frames", "expr:gte(t,n_forced*6)",
		"-hls_segment_filename", filepath.Join("/out/track_000", "song_%03d.ts"),
		filepath.Join("/out/track_000", "song.m3u8"),
	}, args)
}

func TestBuildArgsUsesSegmentDuration(t *testing.T) {
	args := buildArgs("/music/a.flac", "/out", "a", ChunkParams{
		SegmentDuration: 10,
		Bitrate:         "192k",
		Codec:           "libmp3lame",
	})
	assert.Contains(t, args, "expr:gte(t,n_forced*10)")

	var hlsTime string
	for i, a := range args {
		if a == "-hls_time" {
			hlsTime = args[i+1]
		}
	}
	assert.Equal(t, "10", hlsTime)
}

func TestFindBinaryExplicitPathMustExist(t *testing.T) {
	_, err := FindBinary("ffmpeg", "/nonexistent/ffmpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent/ffmpeg")
}
