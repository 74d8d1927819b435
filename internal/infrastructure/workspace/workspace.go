// Package workspace manages the directories the service writes to.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bnema/reencode/internal/infrastructure/logger"
)

// Ensure creates each directory if it does not exist.
func Ensure(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// CleanTemp removes everything inside dir, leaving dir itself in place.
// Conversion scratch files are never reused across runs, so anything found
// here is orphaned. A missing dir is not an error.
func CleanTemp(dir string, log *logger.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp dir: %w", err)
	}

	removed := 0
	var firstErr error
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Errorf("failed to remove temp entry %s: %v", logger.SanitizeForLog(entry.Name()), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Debugf("removed temp entry %s", logger.SanitizeForLog(entry.Name()))
		removed++
	}

	if removed > 0 {
		log.Infof("cleaned %d temp entries from %s", removed, dir)
	}
	return removed, firstErr
}
