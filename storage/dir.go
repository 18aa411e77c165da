// Package storage provides on-disk storage for browser data and
// captured frame artifacts.
package storage

import (
	"fmt"
	"os"
)

// Dir manages the browser's user data directory.
type Dir struct {
	Dir    string // path to the data storage directory
	remove bool   // whether to remove the temporary directory in cleanup
}

// Make creates a temporary directory under tmpDir, or uses the
// given dir if it is non-empty.
func (d *Dir) Make(tmpDir string, dir string) error {
	if dir != "" {
		d.Dir = dir
		return nil
	}

	var err error
	if d.Dir, err = os.MkdirTemp(tmpDir, "screenshots-chromium-data-*"); err != nil {
		return fmt.Errorf("making temporary directory: %w", err)
	}
	d.remove = true

	return nil
}

// Cleanup removes the temporary directory if Make created one.
func (d *Dir) Cleanup() error {
	if !d.remove {
		return nil
	}
	return os.RemoveAll(d.Dir)
}
