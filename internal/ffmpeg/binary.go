// Package ffmpeg wraps the external transcoder used to cut audio tracks into
// uniform HLS segments, plus ffprobe-based input validation.
package ffmpeg

import (
	"fmt"
	"os"
	"os/exec"
)

// FindBinary resolves the path to a transcoder binary. An explicit path wins;
// otherwise $PATH is searched.
func FindBinary(name, explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%s not found at configured path %s: %w", name, explicit, err)
		}
		return explicit, nil
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return path, nil
}
