package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryFilter(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		filter   string
		category string
		logged   bool
	}{
		{filter: "", category: "clock", logged: true},
		{filter: "^cdp", category: "cdp:send", logged: true},
		{filter: "^cdp", category: "recorder", logged: false},
		{filter: "clock|recorder", category: "recorder", logged: true},
	}

	for _, tc := range testCases {
		var buf bytes.Buffer
		ll := logrus.New()
		ll.SetOutput(&buf)
		ll.SetLevel(logrus.DebugLevel)

		l := New(ll, nil)
		require.NoError(t, l.SetCategoryFilter(tc.filter))

		l.Debugf(tc.category, "hello")
		assert.Equal(t, tc.logged, buf.Len() > 0,
			"filter %q category %q", tc.filter, tc.category)
	}
}

func TestLogfWithoutBackend(t *testing.T) {
	t.Parallel()

	// A logger without a logrus backend falls back to plain console
	// output instead of panicking on the level check.
	l := New(nil, nil)
	assert.NotPanics(t, func() {
		l.Logf(logrus.DebugLevel, "clock", "hello %s", "there")
	})

	var nilLogger *Logger
	assert.NotPanics(t, func() {
		nilLogger.Debugf("clock", "dropped")
	})
}

func TestSetCategoryFilterInvalid(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	require.Error(t, l.SetCategoryFilter("(unbalanced"))
}

func TestSetLevel(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())

	require.NoError(t, l.SetLevel("info"))
	assert.False(t, l.DebugMode())

	require.Error(t, l.SetLevel("nonexistent"))
}
