// Package ssekeepio has common i/o functions.
package ssekeepio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ssekeep/ssekeep/mlog"
)

// WriteFileAtomic writes buf to a temporary file in the directory of path,
// syncs it, and renames it over path. Readers see either the old or the new
// contents, never a partial file. The directory is synced after the rename.
func WriteFileAtomic(log mlog.Log, path string, buf []byte, perm os.FileMode) (rerr error) {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	name := f.Name()
	defer func() {
		if f != nil {
			err := f.Close()
			log.Check(err, "closing temporary file after error")
		}
		if rerr != nil {
			err := os.Remove(name)
			log.Check(err, "removing temporary file after error", slog.String("path", name))
		}
	}()

	if err := f.Chmod(perm); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	err = f.Close()
	f = nil
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	if err := SyncDir(log, dir); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}
