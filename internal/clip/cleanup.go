package clip

import (
	"os"
	"path/filepath"
	"time"

	"github.com/filmaeu/penareia/internal/servicelog"
)

// CleanOlderThan removes regular files older than age from the given
// directories and returns the number of bytes reclaimed. Missing
// directories are skipped, individual removal failures are logged and
// do not stop the sweep.
func CleanOlderThan(logger servicelog.Logger, dirs []string, age time.Duration, now time.Time) int64 {
	cutoff := now.Add(-age)
	var freed int64
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil {
				logger.Warn("failed to remove stale clip",
					servicelog.String("path", path),
					servicelog.Error(err))
				continue
			}
			freed += info.Size()
			logger.Info("removed stale clip",
				servicelog.String("path", path),
				servicelog.Int64("bytes", info.Size()))
		}
	}
	return freed
}
