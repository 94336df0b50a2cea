package committer

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"testing"
	"time"

	"github.com/cds-git-sync/bridge/resource"
	"github.com/cds-git-sync/bridge/store"
)

// mustExec runs a git command for test setup, mirroring the teacher's own
// e2e style of exercising real git rather than mocking it.
func mustExec(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return store.New(t.TempDir(), log, nil, resource.NewIndex())
}

var commitMessagePattern = regexp.MustCompile(`^Auto-sync: \d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)

func TestCommitterTickCommitsAndPushesOnce(t *testing.T) {
	remote := t.TempDir()
	mustExec(t, remote, "git", "init", "--bare", "--initial-branch=main")

	s := newTestStore(t)
	ctx := context.Background()

	ref := store.RepoRef{RelayID: "relay1", FolderID: "folder1", URL: remote, Branch: "main"}
	if err := s.EnsureRepo(ctx, ref); err != nil {
		t.Fatalf("EnsureRepo: %v", err)
	}
	if err := s.WriteText("relay1", "folder1", "", "/a.md", "hello", "doc1", resource.TypeDocument, "h1"); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	c := New(s, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.MarkChanged()
	c.tick(ctx)

	if c.LastCommitAt().IsZero() {
		t.Fatal("tick did not record a commit time")
	}

	repoDir := s.RepoDir("relay1", "folder1")
	out, err := exec.Command("git", "-C", repoDir, "log", "-1", "--format=%s").CombinedOutput()
	if err != nil {
		t.Fatalf("git log: %v\n%s", err, out)
	}
	msg := trimNewline(out)
	if !commitMessagePattern.MatchString(msg) {
		t.Errorf("commit message %q does not match %s", msg, commitMessagePattern)
	}

	remoteOut, err := exec.Command("git", "-C", remote, "log", "-1", "--format=%s", "main").CombinedOutput()
	if err != nil {
		t.Fatalf("remote git log: %v\n%s", err, remoteOut)
	}
	if trimNewline(remoteOut) != msg {
		t.Errorf("remote HEAD message = %q, want %q", trimNewline(remoteOut), msg)
	}

	// A second tick with no new changes must not produce another commit.
	c.MarkChanged()
	c.tick(ctx)
	countOut, err := exec.Command("git", "-C", repoDir, "rev-list", "--count", "main").CombinedOutput()
	if err != nil {
		t.Fatalf("rev-list: %v\n%s", err, countOut)
	}
	if got := trimNewline(countOut); got != "2" {
		t.Errorf("commit count after no-op tick = %q, want 2 (init + one real commit)", got)
	}
}

func TestCommitterTickSkipsWhenNothingChanged(t *testing.T) {
	s := newTestStore(t)
	c := New(s, time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	c.tick(context.Background())

	if !c.LastCommitAt().IsZero() {
		t.Error("tick ran commit_all despite hasChanges being false")
	}
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}
