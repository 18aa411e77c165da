// Package video assembles captured frame files into a video by invoking
// an external ffmpeg process.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rustyconover/deterministic-screenshots-chromium/log"
)

// ErrEncoderNotFound is returned when no ffmpeg executable can be located.
// Surfaced at startup, before any capture session is created.
var ErrEncoderNotFound = errors.New("ffmpeg executable not found in PATH")

// Encoder invokes ffmpeg on a directory of numbered frame files. The
// output uses a fixed pixel format and a moderate-compatibility H.264
// profile so the result plays in common players without tuning.
type Encoder struct {
	execPath string
	logger   *log.Logger
}

// NewEncoder resolves the ffmpeg executable, failing fast when it is
// absent. An empty execPath means lookup in PATH.
func NewEncoder(execPath string, logger *log.Logger) (*Encoder, error) {
	if execPath == "" {
		execPath = "ffmpeg"
	}
	resolved, err := exec.LookPath(execPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrEncoderNotFound, execPath)
	}
	return &Encoder{execPath: resolved, logger: logger}, nil
}

// Args returns the ffmpeg argument list for assembling frames matching
// pattern (a printf-style sequence like frame-%07d.png) under framesDir
// into output at the given frame rate.
func (e *Encoder) Args(framesDir, pattern string, frameRate float64, output string) []string {
	return []string{
		"-y",
		"-framerate", strconv.FormatFloat(frameRate, 'f', -1, 64),
		"-i", filepath.Join(framesDir, pattern),
		"-vcodec", "libx264",
		"-pix_fmt", "yuv420p",
		"-profile:v", "main",
		output,
	}
}

// Encode runs ffmpeg to completion. On failure the caller is expected to
// preserve the frame files so the user can re-encode manually.
func (e *Encoder) Encode(ctx context.Context, framesDir, pattern string, frameRate float64, output string) error {
	args := e.Args(framesDir, pattern, frameRate, output)
	e.logger.Debugf("encoder", "%s %s", e.execPath, strings.Join(args, " "))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.execPath, args...) //nolint:gosec
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("encoding video %q: %w: %s", output, err, lastLines(stderr.String(), 5))
	}
	e.logger.Infof("encoder", "wrote %s at %f fps", output, frameRate)
	return nil
}

// lastLines returns the trailing n lines of s; ffmpeg reports the actual
// failure at the end of a long banner.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
