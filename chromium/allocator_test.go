package chromium

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyconover/deterministic-screenshots-chromium/log"
)

func TestNewAllocatorMissingExecutable(t *testing.T) {
	t.Parallel()

	_, err := NewAllocator("/no/such/chromium-binary", nil, nil, log.NewNullLogger())
	assert.ErrorIs(t, err, ErrBrowserNotFound)
}

func TestParseArgs(t *testing.T) {
	t.Parallel()

	t.Run("flag rendering", func(t *testing.T) {
		t.Parallel()

		a := &Allocator{initFlags: map[string]any{
			"headless":    true,
			"mute-audio":  true,
			"window-size": "1280,720",
			"enabled-off": false,
		}}
		args, err := a.parseArgs()
		require.NoError(t, err)

		assert.Contains(t, args, "--headless")
		assert.Contains(t, args, "--mute-audio")
		assert.Contains(t, args, "--window-size=1280,720")
		assert.NotContains(t, args, "--enabled-off")
		assert.Contains(t, args, "--remote-debugging-port=0")
		assert.Equal(t, "about:blank", args[len(args)-1])
	})

	t.Run("explicit debugging port kept", func(t *testing.T) {
		t.Parallel()

		a := &Allocator{initFlags: map[string]any{
			"remote-debugging-port": "9222",
		}}
		args, err := a.parseArgs()
		require.NoError(t, err)

		assert.Contains(t, args, "--remote-debugging-port=9222")
		assert.NotContains(t, args, "--remote-debugging-port=0")
	})

	t.Run("invalid flag value", func(t *testing.T) {
		t.Parallel()

		a := &Allocator{initFlags: map[string]any{"window-size": 1280}}
		_, err := a.parseArgs()
		require.Error(t, err)
	})
}

func TestPrepareFlags(t *testing.T) {
	t.Parallel()

	f := PrepareFlags(800, 600, map[string]any{
		"headless":    false,
		"custom-flag": "on",
	})

	assert.Equal(t, "800,600", f["window-size"])
	assert.Equal(t, true, f["run-all-compositor-stages-before-draw"])
	assert.Equal(t, true, f["disable-threaded-animation"])
	assert.Equal(t, true, f["disable-new-content-rendering-timeout"])

	// Extras override the base table.
	assert.Equal(t, false, f["headless"])
	assert.Equal(t, "on", f["custom-flag"])
}
