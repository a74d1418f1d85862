package session

import (
	"fmt"
	"io"
	"os"
)

// BackupWAL copies walPath to walPath+".bak" and returns the backup
// path. An existing non-empty backup at least as new as the original is
// reused as-is: re-opening the same database must not clobber a backup
// taken while the WAL still held frames the live file has since lost.
func BackupWAL(walPath string) (string, error) {
	backup := walPath + ".bak"

	orig, err := os.Stat(walPath)
	if err != nil {
		return "", fmt.Errorf("stat wal: %w", err)
	}
	if prev, err := os.Stat(backup); err == nil {
		if prev.Size() > 0 && !prev.ModTime().Before(orig.ModTime()) {
			return backup, nil
		}
	}

	src, err := os.Open(walPath)
	if err != nil {
		return "", fmt.Errorf("open wal: %w", err)
	}
	defer func() { _ = src.Close() }() // safe to ignore

	dst, err := os.Create(backup)
	if err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close() // ignore error
		return "", fmt.Errorf("copy wal: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("flush backup: %w", err)
	}
	return backup, nil
}
