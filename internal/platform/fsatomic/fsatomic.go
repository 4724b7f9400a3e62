// Package fsatomic provides a crash-safe replace-file-contents primitive.
//
// Write stages data in a temp file in the target's directory, forces it to
// stable storage, and renames it over the target. Rename is atomic on the
// same filesystem, so a concurrent reader observes either the complete old
// content or the complete new content, never a mix. The directory is synced
// after the rename so the replacement also survives power loss.
package fsatomic

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write atomically replaces the contents of path with data.
//
// On any failure the temp file is removed so partial artifacts never
// accumulate next to the target.
func Write(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	if err = syncDir(dir); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

// syncDir flushes the directory entry so a completed rename is not lost to
// power failure.
func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer handle.Close()
	return handle.Sync()
}
