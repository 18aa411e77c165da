package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// frameFileDigits is the fixed width of the zero-padded sequence number
// in frame file names.
const frameFileDigits = 7

// FrameStore persists captured frames as numbered image files in a single
// directory. File names are gap-free and fixed-width so the encoder can
// consume them with a simple sequence pattern.
type FrameStore struct {
	fs  afero.Fs
	dir string
	ext string // file extension without the dot, "jpg" or "png"
}

// NewFrameStore creates a frame store rooted at dir.
func NewFrameStore(fs afero.Fs, dir, ext string) *FrameStore {
	return &FrameStore{fs: fs, dir: dir, ext: ext}
}

// Dir returns the directory frames are written to.
func (s *FrameStore) Dir() string { return s.dir }

// FileName returns the file name for the given 1-based sequence number.
func (s *FrameStore) FileName(seq int) string {
	return fmt.Sprintf("frame-%0*d.%s", frameFileDigits, seq, s.ext)
}

// Pattern returns the printf-style sequence pattern understood by ffmpeg.
func (s *FrameStore) Pattern() string {
	return fmt.Sprintf("frame-%%0%dd.%s", frameFileDigits, s.ext)
}

// Save writes one frame's pixel data and returns the path it was written to.
func (s *FrameStore) Save(ctx context.Context, seq int, data []byte) (string, error) {
	path := filepath.Join(s.dir, s.FileName(seq))
	if err := s.persist(ctx, path, data); err != nil {
		return "", err
	}
	return path, nil
}

func (s *FrameStore) persist(_ context.Context, path string, data []byte) (err error) {
	cp := filepath.Clean(path)

	dir := filepath.Dir(cp)
	if err = s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating frame directory %q: %w", dir, err)
	}

	f, err := s.fs.Create(cp)
	if err != nil {
		return fmt.Errorf("creating frame file %q: %w", cp, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing frame file %q: %w", cp, cerr)
		}
	}()

	bf := bufio.NewWriter(f)

	if _, err := bf.Write(data); err != nil {
		return fmt.Errorf("writing frame data: %w", err)
	}

	if err := bf.Flush(); err != nil {
		return fmt.Errorf("flushing frame data to disk: %w", err)
	}

	return nil
}

// Read returns the pixel data of the given sequence number.
func (s *FrameStore) Read(seq int) ([]byte, error) {
	f, err := s.fs.Open(filepath.Join(s.dir, s.FileName(seq)))
	if err != nil {
		return nil, fmt.Errorf("opening frame file: %w", err)
	}
	defer f.Close() //nolint:errcheck
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading frame file: %w", err)
	}
	return data, nil
}

// Remove deletes the given frame files. Missing files are not an error.
func (s *FrameStore) Remove(paths []string) error {
	for _, p := range paths {
		if err := s.fs.Remove(p); err != nil {
			if ok, _ := afero.Exists(s.fs, p); !ok {
				continue
			}
			return fmt.Errorf("removing frame file %q: %w", p, err)
		}
	}
	return nil
}
