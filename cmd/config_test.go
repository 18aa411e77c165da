package cmd

import (
	"os"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigConsolidate(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int64("width", 1280, "")
	flags.Float64("interval", 100, "")

	t.Setenv("DS_WIDTH", "1920")
	t.Setenv("DS_INTERVAL", "250")
	t.Setenv("DS_FORMAT", "png")
	t.Setenv("DS_KEEP_FRAMES", "true")

	// The user set --width explicitly; the environment must not override it.
	require.NoError(t, flags.Set("width", "800"))

	cfg := newConfig()
	cfg.Width = 800
	require.NoError(t, cfg.consolidate(flags))

	assert.Equal(t, int64(800), cfg.Width, "flag wins over environment")
	assert.Equal(t, float64(250), cfg.FrameIntervalMs, "environment wins over default")
	assert.Equal(t, "png", cfg.Format)
	assert.True(t, cfg.KeepFrames)
	assert.Equal(t, int64(720), cfg.Height, "untouched options keep their defaults")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		c := newConfig()
		c.URL = "https://example.com/"
		return c
	}

	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.URL = "" }, wantErr: "URL is required"},
		{name: "zero width", mutate: func(c *Config) { c.Width = 0 }, wantErr: "viewport size"},
		{name: "negative interval", mutate: func(c *Config) { c.FrameIntervalMs = -1 }, wantErr: "frame interval"},
		{name: "zero frames", mutate: func(c *Config) { c.FrameCount = 0 }, wantErr: "frame count"},
		{name: "bad format", mutate: func(c *Config) { c.Format = "webp" }, wantErr: "unsupported pixel format"},
		{name: "quality out of range", mutate: func(c *Config) { c.Quality = 101 }, wantErr: "quality"},
		{name: "nudge too large", mutate: func(c *Config) { c.TimestampNudgeMs = 200 }, wantErr: "timestamp nudge"},
		{name: "no output without no-video", mutate: func(c *Config) { c.Output = "" }, wantErr: "output filename"},
		{
			name: "no output with no-video",
			mutate: func(c *Config) {
				c.Output = ""
				c.NoVideo = true
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tc.mutate(&cfg)

			err := cfg.validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestConfigFramesDir(t *testing.T) {
	t.Parallel()

	t.Run("explicit directory", func(t *testing.T) {
		t.Parallel()

		cfg := newConfig()
		cfg.FramesDir = "/data/frames"
		dir, isTemp, err := cfg.framesDir()
		require.NoError(t, err)
		assert.Equal(t, "/data/frames", dir)
		assert.False(t, isTemp)
	})

	t.Run("kept frames live next to the output", func(t *testing.T) {
		t.Parallel()

		cfg := newConfig()
		cfg.Output = "anim.mp4"
		cfg.KeepFrames = true
		dir, isTemp, err := cfg.framesDir()
		require.NoError(t, err)
		assert.Equal(t, "anim.mp4-frames", dir)
		assert.False(t, isTemp)
	})

	t.Run("no video and no output", func(t *testing.T) {
		t.Parallel()

		cfg := newConfig()
		cfg.Output = ""
		cfg.NoVideo = true
		dir, isTemp, err := cfg.framesDir()
		require.NoError(t, err)
		assert.Equal(t, "capture-frames", dir)
		assert.False(t, isTemp)
	})

	t.Run("temporary otherwise", func(t *testing.T) {
		t.Parallel()

		cfg := newConfig()
		dir, isTemp, err := cfg.framesDir()
		require.NoError(t, err)
		assert.True(t, isTemp)
		assert.True(t, strings.Contains(dir, "screenshots-frames-"))
		t.Cleanup(func() { _ = os.RemoveAll(dir) })
	})
}
