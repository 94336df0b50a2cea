package store

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// lockFileNames are the stale lock files SPEC_FULL.md §4.2 names explicitly;
// refs/heads/*.lock and refs/remotes/*/*.lock are matched structurally
// below rather than by exact name since the ref name varies.
var lockFileNames = map[string]bool{
	"index.lock":  true,
	"HEAD.lock":   true,
	"config.lock": true,
}

// CleanupStaleLocks removes every stale git lock file under every
// repos/<relay>/<folder>/.git tree. Called once at startup and again
// whenever a git command fails with a lock-exists error (SPEC_FULL.md
// §4.2), and registered as a process-exit cleanup hook so the same sweep
// runs on a caught SIGINT/SIGTERM before the next process starts.
func (s *Store) CleanupStaleLocks() error {
	root := filepath.Join(s.dataDir, "repos")
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !isStaleLockFile(path, d.Name()) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.Warn("unable to remove stale git lock file", "path", path, "err", rmErr)
			return nil
		}
		s.log.Info("removed stale git lock file", "path", path)
		return nil
	})
}

func isStaleLockFile(path, name string) bool {
	slashPath := filepath.ToSlash(path)
	if !strings.HasSuffix(name, ".lock") || !strings.Contains(slashPath, "/.git/") {
		return false
	}
	if lockFileNames[name] {
		return true
	}
	// refs/heads/*.lock and refs/remotes/*/*.lock
	return strings.Contains(slashPath, "/refs/heads/") || strings.Contains(slashPath, "/refs/remotes/")
}
