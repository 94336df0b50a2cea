// Package store is the persistence layer (SPEC_FULL.md §4.2): the only
// component permitted to touch the filesystem or run git. It owns the
// per-relay JSON state files, the per-folder git working directories, path
// sanitization, and git lock-file hygiene.
package store

import (
	"log/slog"
	"os/exec"
	"path/filepath"

	"github.com/cds-git-sync/bridge/internal/cleanup"
	"github.com/cds-git-sync/bridge/internal/lock"
	"github.com/cds-git-sync/bridge/pkg/gitauth"
	"github.com/cds-git-sync/bridge/resource"
)

// Store owns all on-disk and git state for every relay and folder the
// bridge knows about.
type Store struct {
	dataDir string
	gitExe  string
	log     *slog.Logger
	keys    *gitauth.KeyManager
	index   *resource.Index

	relaysMu lock.Mutex
	relays   map[string]*relayState

	reposMu lock.Mutex
	repos   map[string]RepoRef

	// gitMu is the global git lock of SPEC_FULL.md §5. commitAndPush holds
	// it for a repo's whole status/add/commit/push cycle, so commit/push
	// cycles never overlap across repos. EnsureRepo's git calls and the
	// sync engine's file writes do not take it.
	gitMu lock.Mutex
}

// New constructs a Store rooted at dataDir, sharing index with the rest of
// the system (the sync engine looks resources up through the same Index
// this package rebuilds on every Load/Save).
func New(dataDir string, log *slog.Logger, keys *gitauth.KeyManager, index *resource.Index) *Store {
	gitExe := exec.Command("git").String()
	s := &Store{
		dataDir: dataDir,
		gitExe:  gitExe,
		log:     log,
		keys:    keys,
		index:   index,
		relays:  make(map[string]*relayState),
		repos:   make(map[string]RepoRef),
	}

	if err := s.CleanupStaleLocks(); err != nil {
		log.Warn("startup git lock sweep failed", "err", err)
	}
	cleanup.Register("git-lock-sweep", func() {
		_ = s.CleanupStaleLocks()
	})

	return s
}

// Index returns the resource index this Store keeps rebuilt.
func (s *Store) Index() *resource.Index {
	return s.index
}

// RepoDir is the git working directory root for one folder, before any
// connector prefix is applied.
func (s *Store) RepoDir(relayID, folderID string) string {
	return filepath.Join(s.dataDir, "repos", relayID, folderID)
}

// WorkingDir is RepoDir with the connector's prefix (if any) appended and
// sanitized the same way any other caller-supplied path is.
func (s *Store) WorkingDir(relayID, folderID, prefix string) (string, error) {
	root := s.RepoDir(relayID, folderID)
	if prefix == "" {
		return root, nil
	}
	return SanitizePath(root, prefix)
}
