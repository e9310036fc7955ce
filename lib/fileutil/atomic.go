// Copyright 2026 The Rescueclaw Authors
// SPDX-License-Identifier: Apache-2.0

package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic writes data to path so that readers see either the old
// content or the new content, never a partial file. The data is written
// to a temporary file in the same directory, fsynced, renamed into
// place, and the parent directory is fsynced so the rename survives a
// power loss. The parent directory must exist.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	return CommitFile(file, temporaryPath, path)
}

// CommitFile finishes an atomic write of an already-populated file:
// fsync, close, rename to finalPath, fsync the parent directory. On any
// failure the temporary file is removed. file is always closed.
func CommitFile(file *os.File, temporaryPath, finalPath string) error {
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing %s: %w", temporaryPath, err)
	}
	if err := os.Rename(temporaryPath, finalPath); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", filepath.Base(finalPath), err)
	}
	SyncDir(filepath.Dir(finalPath))
	return nil
}

// SyncDir fsyncs a directory so renames and unlinks inside it are
// durable. Errors are ignored: not every filesystem supports directory
// fsync, and the data itself is already on disk.
func SyncDir(directory string) {
	handle, err := os.Open(directory)
	if err != nil {
		return
	}
	handle.Sync()
	handle.Close()
}
