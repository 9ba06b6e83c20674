// Package storage provides the filesystem helpers the browser engine needs:
// the isolated profile directory and file persistence for captured artifacts.
package storage

import (
	"fmt"
	"os"
	"sync"
)

// Dir manages the browser's user data (profile) directory.
type Dir struct {
	Dir string // path to the data directory

	remove      bool // whether to remove the temporary directory in cleanup
	cleanupOnce sync.Once
}

// Make creates a new temporary directory under tmpDir, or uses the given dir
// as-is. Directories provided by the caller are kept on cleanup; generated
// ones are removed.
func (d *Dir) Make(tmpDir string, dir any) error {
	if ud, ok := dir.(string); ok && ud != "" {
		d.Dir = ud
		return nil
	}

	var err error
	if d.Dir, err = os.MkdirTemp(tmpDir, "stealthwright-data-*"); err != nil {
		return fmt.Errorf("making browser data directory: %w", err)
	}
	d.remove = true

	return nil
}

// Cleanup removes the data directory if it was generated by Make.
// It is safe to call multiple times.
func (d *Dir) Cleanup() error {
	var err error
	d.cleanupOnce.Do(func() {
		if !d.remove || d.Dir == "" {
			return
		}
		err = os.RemoveAll(d.Dir)
	})
	return err
}
