package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameStoreNaming(t *testing.T) {
	t.Parallel()

	s := NewFrameStore(afero.NewMemMapFs(), "/frames", "jpg")
	assert.Equal(t, "frame-0000001.jpg", s.FileName(1))
	assert.Equal(t, "frame-0000042.jpg", s.FileName(42))
	assert.Equal(t, "frame-%07d.jpg", s.Pattern())

	p := NewFrameStore(afero.NewMemMapFs(), "/frames", "png")
	assert.Equal(t, "frame-0000003.png", p.FileName(3))
}

func TestFrameStoreSaveRead(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	s := NewFrameStore(fs, "/out/frames", "png")

	path, err := s.Save(context.Background(), 1, []byte{0x89, 0x50})
	require.NoError(t, err)
	assert.Equal(t, "/out/frames/frame-0000001.png", path)

	data, err := s.Read(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50}, data)
}

func TestFrameStoreRemove(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	s := NewFrameStore(fs, "/frames", "jpg")

	p1, err := s.Save(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	p2, err := s.Save(context.Background(), 2, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, s.Remove([]string{p1, p2}))
	ok, _ := afero.Exists(fs, p1)
	assert.False(t, ok)

	// Removing already-removed files is not an error.
	require.NoError(t, s.Remove([]string{p1, p2}))
}
