package cmd

import (
	"fmt"
	"os"

	"github.com/mstoykov/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/rustyconover/deterministic-screenshots-chromium/capture"
)

// Config is the consolidated configuration of a capture run. Precedence
// is CLI flag over environment variable over default.
type Config struct {
	URL string

	Width           int64
	Height          int64
	FrameIntervalMs float64
	FrameCount      int

	Output     string
	FramesDir  string
	Format     string
	Quality    int64
	NoVideo    bool
	KeepFrames bool

	ChromePath string
	FfmpegPath string

	AnimationIntervalMs float64
	MaxTaskStarvation   int64
	TimestampNudgeMs    float64

	LogLevel          string
	LogCategoryFilter string
	Verbose           bool
}

func newConfig() Config {
	return Config{
		Width:               1280,
		Height:              720,
		FrameIntervalMs:     100,
		FrameCount:          60,
		Output:              "output.mp4",
		Format:              "jpg",
		Quality:             80,
		AnimationIntervalMs: capture.DefaultAnimationFrameIntervalMs,
		MaxTaskStarvation:   capture.DefaultMaxTaskStarvationCount,
		TimestampNudgeMs:    capture.DefaultTimestampNudgeMs,
		LogLevel:            "info",
	}
}

// envOverrides mirrors the flag surface with null types so unset
// variables are distinguishable from zero values during consolidation.
type envOverrides struct {
	Width           null.Int    `envconfig:"DS_WIDTH"`
	Height          null.Int    `envconfig:"DS_HEIGHT"`
	FrameIntervalMs null.Float  `envconfig:"DS_INTERVAL"`
	FrameCount      null.Int    `envconfig:"DS_FRAMES"`
	Output          null.String `envconfig:"DS_OUTPUT"`
	FramesDir       null.String `envconfig:"DS_FRAMES_DIR"`
	Format          null.String `envconfig:"DS_FORMAT"`
	Quality         null.Int    `envconfig:"DS_QUALITY"`
	NoVideo         null.Bool   `envconfig:"DS_NO_VIDEO"`
	KeepFrames      null.Bool   `envconfig:"DS_KEEP_FRAMES"`
	ChromePath      null.String `envconfig:"DS_CHROME_PATH"`
	FfmpegPath      null.String `envconfig:"DS_FFMPEG_PATH"`
	LogLevel        null.String `envconfig:"DS_LOG_LEVEL"`
}

// consolidate applies environment overrides to every option the user did
// not set on the command line.
func (c *Config) consolidate(flags *pflag.FlagSet) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("reading DS_* environment variables: %w", err)
	}

	set := func(name string) bool { return flags.Changed(name) }

	if env.Width.Valid && !set("width") {
		c.Width = env.Width.Int64
	}
	if env.Height.Valid && !set("height") {
		c.Height = env.Height.Int64
	}
	if env.FrameIntervalMs.Valid && !set("interval") {
		c.FrameIntervalMs = env.FrameIntervalMs.Float64
	}
	if env.FrameCount.Valid && !set("frames") {
		c.FrameCount = int(env.FrameCount.Int64)
	}
	if env.Output.Valid && !set("output") {
		c.Output = env.Output.String
	}
	if env.FramesDir.Valid && !set("frames-dir") {
		c.FramesDir = env.FramesDir.String
	}
	if env.Format.Valid && !set("format") {
		c.Format = env.Format.String
	}
	if env.Quality.Valid && !set("quality") {
		c.Quality = env.Quality.Int64
	}
	if env.NoVideo.Valid && !set("no-video") {
		c.NoVideo = env.NoVideo.Bool
	}
	if env.KeepFrames.Valid && !set("keep-frames") {
		c.KeepFrames = env.KeepFrames.Bool
	}
	if env.ChromePath.Valid && !set("chrome-path") {
		c.ChromePath = env.ChromePath.String
	}
	if env.FfmpegPath.Valid && !set("ffmpeg-path") {
		c.FfmpegPath = env.FfmpegPath.String
	}
	if env.LogLevel.Valid && !set("log-level") {
		c.LogLevel = env.LogLevel.String
	}

	return nil
}

// validate rejects configurations the capture engine cannot honor.
func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("a page URL is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("viewport size must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.FrameIntervalMs <= 0 {
		return fmt.Errorf("frame interval must be positive, got %f ms", c.FrameIntervalMs)
	}
	if c.FrameCount <= 0 {
		return fmt.Errorf("frame count must be positive, got %d", c.FrameCount)
	}
	if _, ok := capture.ParseImageFormat(c.Format); !ok {
		return fmt.Errorf("unsupported pixel format %q, use jpg or png", c.Format)
	}
	if c.Quality < 0 || c.Quality > 100 {
		return fmt.Errorf("quality must be between 0 and 100, got %d", c.Quality)
	}
	if c.AnimationIntervalMs <= 0 {
		return fmt.Errorf("animation interval must be positive, got %f ms", c.AnimationIntervalMs)
	}
	if c.TimestampNudgeMs <= 0 || c.TimestampNudgeMs >= c.FrameIntervalMs {
		return fmt.Errorf("timestamp nudge must be positive and smaller than the frame interval, got %f ms",
			c.TimestampNudgeMs)
	}
	if !c.NoVideo && c.Output == "" {
		return fmt.Errorf("an output filename is required unless --no-video is set")
	}
	return nil
}

// framesDir returns the directory frames are written to, creating a
// stable sibling of the output when frames are kept and no directory was
// chosen, or a temporary one otherwise. The second return reports whether
// the directory is temporary.
func (c Config) framesDir() (string, bool, error) {
	if c.FramesDir != "" {
		return c.FramesDir, false, nil
	}
	if c.KeepFrames || c.NoVideo {
		base := c.Output
		if base == "" {
			base = "capture"
		}
		return base + "-frames", false, nil
	}
	dir, err := os.MkdirTemp("", "screenshots-frames-*")
	if err != nil {
		return "", false, fmt.Errorf("creating temporary frame directory: %w", err)
	}
	return dir, true, nil
}
