package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ncruces/go-strftime"
	"golang.org/x/sync/errgroup"

	"github.com/cds-git-sync/bridge/internal/metrics"
	"github.com/cds-git-sync/bridge/internal/utils"
)

// RepoRef names one folder's git working directory and remote, as
// configured by a connector.
type RepoRef struct {
	RelayID    string
	FolderID   string
	URL        string
	Branch     string
	RemoteName string
	// Prefix nests materialized content under a subdirectory of the repo
	// (SPEC_FULL.md §6 connector config); empty means the repo root.
	Prefix string
}

func repoKey(relayID, folderID string) string {
	return relayID + "/" + folderID
}

// EnsureRepo idempotently initializes ref's working directory as a git
// repository (SPEC_FULL.md §4.2 init_repo), configures its remote, and
// starts tracking it for CommitAll. Safe to call repeatedly, e.g. once per
// reconciliation, as the teacher's own Mirror() does for its bare repos.
func (s *Store) EnsureRepo(ctx context.Context, ref RepoRef) error {
	dir := s.RepoDir(ref.RelayID, ref.FolderID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("unable to create repo dir %s: %w", dir, err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if _, err := s.git(ctx, dir, "init", "--initial-branch="+orDefault(ref.Branch, "main")); err != nil {
			return fmt.Errorf("git init %s: %w", dir, err)
		}
	}

	if _, err := s.git(ctx, dir, "rev-parse", "--verify", "HEAD"); err != nil {
		if err := s.commitPlaceholder(ctx, dir); err != nil {
			return err
		}
	}

	if ref.URL != "" {
		if err := s.configureRemote(ctx, dir, orDefault(ref.RemoteName, "origin"), ref.URL); err != nil {
			return err
		}
	}

	ref.Branch = orDefault(ref.Branch, "main")
	ref.RemoteName = orDefault(ref.RemoteName, "origin")

	s.reposMu.Lock()
	if s.repos == nil {
		s.repos = make(map[string]RepoRef)
	}
	s.repos[repoKey(ref.RelayID, ref.FolderID)] = ref
	s.reposMu.Unlock()

	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (s *Store) commitPlaceholder(ctx context.Context, dir string) error {
	gitignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		if err := os.WriteFile(gitignore, nil, 0o644); err != nil {
			return fmt.Errorf("unable to write placeholder .gitignore: %w", err)
		}
	}
	if _, err := s.git(ctx, dir, "add", ".gitignore"); err != nil {
		return fmt.Errorf("git add .gitignore: %w", err)
	}
	if _, err := s.git(ctx, dir, commitArgs("Initial commit")...); err != nil {
		return fmt.Errorf("initial commit: %w", err)
	}
	return nil
}

func (s *Store) configureRemote(ctx context.Context, dir, remoteName, url string) error {
	existing, err := s.git(ctx, dir, "remote", "get-url", remoteName)
	if err != nil {
		_, err := s.git(ctx, dir, "remote", "add", remoteName, url)
		return err
	}
	if strings.TrimSpace(existing) != url {
		_, err := s.git(ctx, dir, "remote", "set-url", remoteName, url)
		return err
	}
	return nil
}

func commitArgs(message string) []string {
	return []string{
		"-c", "user.name=cds-git-sync",
		"-c", "user.email=cds-git-sync@localhost",
		"commit", "-m", message,
	}
}

// commitMessage formats the auto-commit message per SPEC_FULL.md §4.2/§6:
// "Auto-sync: YYYY-MM-DD HH:MM:SS", using go-strftime rather than hand
// assembling the layout the way time.Format would require.
func commitMessage(at time.Time) string {
	return strftime.Format("Auto-sync: %Y-%m-%d %H:%M:%S", at.UTC())
}

// RepoRefFor returns the RepoRef EnsureRepo registered for (relayID,
// folderID), if any. The sync engine uses this to recover a folder's
// configured prefix/branch/remote without having to thread connector
// config through every reconciliation call.
func (s *Store) RepoRefFor(relayID, folderID string) (RepoRef, bool) {
	s.reposMu.Lock()
	defer s.reposMu.Unlock()

	ref, ok := s.repos[repoKey(relayID, folderID)]
	return ref, ok
}

// Repos returns a snapshot of every repo EnsureRepo has registered.
func (s *Store) Repos() []RepoRef {
	s.reposMu.Lock()
	defer s.reposMu.Unlock()

	out := make([]RepoRef, 0, len(s.repos))
	for _, ref := range s.repos {
		out = append(out, ref)
	}
	return out
}

// CommitAll is the persistence-layer commit_all() operation (SPEC_FULL.md
// §4.2): for every known folder repo, if it is dirty, stage, commit, and
// push. Repos are processed concurrently (golang.org/x/sync/errgroup) since
// the global git mutex already serializes the actual git subprocess
// invocations; the fan-out only overlaps host-side bookkeeping. A push or
// commit failure for one repo is logged and never stops the others.
func (s *Store) CommitAll(ctx context.Context) (anyCommitted bool, err error) {
	repos := s.Repos()

	var committed atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range repos {
		ref := ref
		g.Go(func() error {
			if s.commitAndPush(gctx, ref) {
				committed.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	return committed.Load(), nil
}

// commitAndPush runs one repo's commit/push cycle under the global git
// mutex. Errors are logged and classified, never returned: SPEC_FULL.md §7
// requires push failures to be observable, not fatal.
func (s *Store) commitAndPush(ctx context.Context, ref RepoRef) (committed bool) {
	dir := s.RepoDir(ref.RelayID, ref.FolderID)
	log := s.log.With("relay_id", ref.RelayID, "folder_id", ref.FolderID)

	s.gitMu.Lock()
	defer s.gitMu.Unlock()

	status, err := s.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		log.Error("unable to check repo status", "err", err)
		metrics.RecordCommit(ref.RelayID, ref.FolderID, "error")
		return false
	}
	if strings.TrimSpace(status) == "" {
		return false
	}

	if _, err := s.git(ctx, dir, "add", "-A"); err != nil {
		log.Error("git add failed", "err", err)
		metrics.RecordCommit(ref.RelayID, ref.FolderID, "error")
		return false
	}

	msg := commitMessage(time.Now())
	if _, err := s.git(ctx, dir, commitArgs(msg)...); err != nil {
		log.Error("git commit failed", "err", err)
		metrics.RecordCommit(ref.RelayID, ref.FolderID, "error")
		return false
	}
	metrics.RecordCommit(ref.RelayID, ref.FolderID, "ok")
	log.Info("committed changes", "message", msg)

	s.push(ctx, dir, ref, log)
	return true
}

// push pushes ref's branch, setting upstream tracking on the first push,
// and classifies failures per SPEC_FULL.md §7 without ever returning an
// error. A failed push is not retried by itself: commitAndPush returns
// before pushing when the work tree is clean, so the branch is pushed again
// only after the repo's next commit.
func (s *Store) push(ctx context.Context, dir string, ref RepoRef, log *slog.Logger) {
	_, upstreamErr := s.git(ctx, dir, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}")

	var out string
	var err error
	if upstreamErr != nil {
		out, err = s.git(ctx, dir, "push", "-u", ref.RemoteName, ref.Branch)
	} else {
		out, err = s.git(ctx, dir, "push", ref.RemoteName, ref.Branch)
	}

	if err == nil {
		metrics.RecordPush(ref.RelayID, ref.FolderID, "ok")
		log.Info("pushed", "remote", ref.RemoteName, "branch", ref.Branch)
		return
	}

	class := classifyPushError(err.Error() + out)
	metrics.RecordPush(ref.RelayID, ref.FolderID, class)
	log.Warn("push failed", "class", class, "err", err)
}

func classifyPushError(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "non-fast-forward"), strings.Contains(lower, "fetch first"), strings.Contains(lower, "rejected"):
		return "non-fast-forward"
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"), strings.Contains(lower, "access denied"):
		return "auth"
	default:
		return "other"
	}
}

// git runs one git subprocess against cwd with the SSH environment override
// applied. It does not take the global git lock itself; commitAndPush holds
// that lock around its calls. On a "lock file exists" failure it
// sweeps stale lock files once and retries, per SPEC_FULL.md §4.2/§7.
func (s *Store) git(ctx context.Context, cwd string, args ...string) (string, error) {
	start := time.Now()
	out, err := s.runGit(ctx, cwd, args...)
	metrics.RecordGitCommand(args[0], start)

	if err != nil && isLockError(err) {
		if cerr := s.CleanupStaleLocks(); cerr != nil {
			s.log.Warn("stale lock cleanup failed", "err", cerr)
		}
		out, err = s.runGit(ctx, cwd, args...)
	}
	return out, err
}

func (s *Store) runGit(ctx context.Context, cwd string, args ...string) (string, error) {
	var envs []string
	if s.keys != nil {
		envs = append(envs, s.keys.SSHCommandEnv())
	}
	return utils.RunCommand(ctx, s.log, envs, cwd, s.gitExe, args...)
}

func isLockError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "index.lock") || strings.Contains(msg, "unable to create") && strings.Contains(msg, ".lock")
}
