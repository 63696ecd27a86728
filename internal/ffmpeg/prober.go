package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// MinTrackDuration is the shortest input the chunker accepts. Anything
// shorter is almost certainly a truncated or corrupt file.
const MinTrackDuration = 100 * time.Millisecond

// Prober validates audio inputs with ffprobe.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a prober using the given ffprobe binary.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	p.timeout = timeout
	return p
}

// Duration probes the file and returns its declared duration. It fails if
// the file cannot be decoded or is shorter than MinTrackDuration.
func (p *Prober) Duration(ctx context.Context, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	out, err := exec.CommandContext(ctx, p.ffprobePath, args...).Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		return 0, fmt.Errorf("ffprobe failed for %s: %w: %s", path, err, stderr)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing duration of %s: %w", path, err)
	}

	d := time.Duration(seconds * float64(time.Second))
	if d < MinTrackDuration {
		return 0, fmt.Errorf("duration of %s too short: %s", path, d)
	}
	return d, nil
}
