package sync

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cds-git-sync/bridge/cdsclient"
	"github.com/cds-git-sync/bridge/queue"
	"github.com/cds-git-sync/bridge/resource"
	"github.com/cds-git-sync/bridge/store"
)

const (
	testRelay  = "relay1"
	testFolder = "folder1"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeClient) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(t.TempDir(), log, nil, resource.NewIndex())
	fc := newFakeClient()
	return New(st, fc, log), st, fc
}

func repoPath(st *store.Store, rel string) string {
	return filepath.Join(st.RepoDir(testRelay, testFolder), rel)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(b)
}

func TestReconcileFullLifecycle(t *testing.T) {
	e, st, fc := newTestEngine(t)
	ctx := context.Background()

	text1 := "hello world"
	fc.texts["doc1"] = text1
	fc.downloadURLs["file1"] = "http://cds.example/file1"
	fc.files["http://cds.example/file1"] = []byte("binary-content")

	meta := resource.FileMeta{
		"notes.md": {ID: "doc1", Type: resource.TypeDocument, Hash: hashText(text1)},
		"image.png": {ID: "file1", Type: resource.TypeFile, Hash: hashBytes([]byte("binary-content"))},
	}
	fc.rawDocs[testFolder] = cdsclient.RawDoc{Kind: cdsclient.DocKindFolder, Filemeta: meta}

	t.Run("create", func(t *testing.T) {
		changed, err := e.ProcessSyncRequest(ctx, queue.SyncRequest{RelayID: testRelay, ResourceID: testFolder})
		if err != nil {
			t.Fatalf("ProcessSyncRequest: %v", err)
		}
		if !changed {
			t.Error("expected changed=true on initial create")
		}
		if got := readFile(t, repoPath(st, "notes.md")); got != text1 {
			t.Errorf("notes.md = %q, want %q", got, text1)
		}
		if got := readFile(t, repoPath(st, "image.png")); got != "binary-content" {
			t.Errorf("image.png = %q, want binary-content", got)
		}

		entry, ok := st.Index().Lookup(testRelay, "doc1")
		if !ok || entry.Path != "notes.md" {
			t.Errorf("index lookup for doc1 = %+v, ok=%v", entry, ok)
		}
	})

	t.Run("noop on unchanged resync", func(t *testing.T) {
		changed, err := e.ProcessSyncRequest(ctx, queue.SyncRequest{RelayID: testRelay, ResourceID: testFolder})
		if err != nil {
			t.Fatalf("ProcessSyncRequest: %v", err)
		}
		if changed {
			t.Error("expected changed=false when nothing in filemeta changed")
		}
	})

	t.Run("update on changed content", func(t *testing.T) {
		text2 := "hello world, updated"
		fc.texts["doc1"] = text2
		meta["notes.md"] = resource.Meta{ID: "doc1", Type: resource.TypeDocument, Hash: hashText(text2)}
		fc.rawDocs[testFolder] = cdsclient.RawDoc{Kind: cdsclient.DocKindFolder, Filemeta: meta}

		changed, err := e.ProcessSyncRequest(ctx, queue.SyncRequest{RelayID: testRelay, ResourceID: testFolder})
		if err != nil {
			t.Fatalf("ProcessSyncRequest: %v", err)
		}
		if !changed {
			t.Error("expected changed=true after content update")
		}
		if got := readFile(t, repoPath(st, "notes.md")); got != text2 {
			t.Errorf("notes.md = %q, want %q", got, text2)
		}
	})

	t.Run("rename on moved path", func(t *testing.T) {
		current := meta["notes.md"]
		delete(meta, "notes.md")
		meta["archive/notes.md"] = current
		fc.rawDocs[testFolder] = cdsclient.RawDoc{Kind: cdsclient.DocKindFolder, Filemeta: meta}

		changed, err := e.ProcessSyncRequest(ctx, queue.SyncRequest{RelayID: testRelay, ResourceID: testFolder})
		if err != nil {
			t.Fatalf("ProcessSyncRequest: %v", err)
		}
		if !changed {
			t.Error("expected changed=true after rename")
		}
		if _, err := os.Stat(repoPath(st, "notes.md")); !os.IsNotExist(err) {
			t.Error("old path notes.md should no longer exist")
		}
		if got := readFile(t, repoPath(st, "archive/notes.md")); got == "" {
			t.Error("archive/notes.md was not materialized")
		}

		entry, ok := st.Index().Lookup(testRelay, "doc1")
		if !ok || entry.Path != "archive/notes.md" {
			t.Errorf("index lookup for doc1 after rename = %+v, ok=%v", entry, ok)
		}
	})

	t.Run("delete on removal from filemeta", func(t *testing.T) {
		delete(meta, "archive/notes.md")
		fc.rawDocs[testFolder] = cdsclient.RawDoc{Kind: cdsclient.DocKindFolder, Filemeta: meta}

		changed, err := e.ProcessSyncRequest(ctx, queue.SyncRequest{RelayID: testRelay, ResourceID: testFolder})
		if err != nil {
			t.Fatalf("ProcessSyncRequest: %v", err)
		}
		if !changed {
			t.Error("expected changed=true after cleanup delete")
		}
		if _, err := os.Stat(repoPath(st, "archive/notes.md")); !os.IsNotExist(err) {
			t.Error("archive/notes.md should have been cleaned up")
		}
	})
}

func TestReconcileSkipsAbsentContentWithoutAborting(t *testing.T) {
	e, st, fc := newTestEngine(t)
	ctx := context.Background()

	fc.texts["doc-ok"] = "present"
	fc.missing["file-missing"] = true

	meta := resource.FileMeta{
		"ok.md":    {ID: "doc-ok", Type: resource.TypeDocument, Hash: hashText("present")},
		"gone.bin": {ID: "file-missing", Type: resource.TypeFile, Hash: "deadbeef"},
	}
	fc.rawDocs[testFolder] = cdsclient.RawDoc{Kind: cdsclient.DocKindFolder, Filemeta: meta}

	changed, err := e.ProcessSyncRequest(ctx, queue.SyncRequest{RelayID: testRelay, ResourceID: testFolder})
	if err != nil {
		t.Fatalf("ProcessSyncRequest: %v", err)
	}
	if !changed {
		t.Error("expected changed=true: the ok.md document should still have been materialized")
	}
	if got := readFile(t, repoPath(st, "ok.md")); got != "present" {
		t.Errorf("ok.md = %q, want %q", got, "present")
	}
	if _, err := os.Stat(repoPath(st, "gone.bin")); !os.IsNotExist(err) {
		t.Error("gone.bin should never have been written")
	}
}

func TestReconcileErrorsFileEntryWithoutHash(t *testing.T) {
	e, st, fc := newTestEngine(t)
	ctx := context.Background()

	meta := resource.FileMeta{
		"photo.png": {ID: "file-nohash", Type: resource.TypeFile},
	}
	fc.rawDocs[testFolder] = cdsclient.RawDoc{Kind: cdsclient.DocKindFolder, Filemeta: meta}
	fc.downloadURLs["file-nohash"] = "http://cds.example/should-not-be-called"

	if _, err := e.ProcessSyncRequest(ctx, queue.SyncRequest{RelayID: testRelay, ResourceID: testFolder}); err != nil {
		t.Fatalf("ProcessSyncRequest: %v", err)
	}
	if _, err := os.Stat(repoPath(st, "photo.png")); !os.IsNotExist(err) {
		t.Error("photo.png should never have been written without a hash")
	}
}

func TestReconcilePathEscapeErrorsOneEntryOthersStillApply(t *testing.T) {
	e, st, fc := newTestEngine(t)
	ctx := context.Background()

	fc.texts["doc-safe"] = "fine"
	fc.texts["doc-escape"] = "should never land"

	meta := resource.FileMeta{
		"safe.md":           {ID: "doc-safe", Type: resource.TypeDocument, Hash: hashText("fine")},
		"../../etc/passwd":  {ID: "doc-escape", Type: resource.TypeDocument, Hash: hashText("should never land")},
	}
	fc.rawDocs[testFolder] = cdsclient.RawDoc{Kind: cdsclient.DocKindFolder, Filemeta: meta}

	changed, err := e.ProcessSyncRequest(ctx, queue.SyncRequest{RelayID: testRelay, ResourceID: testFolder})
	if err != nil {
		t.Fatalf("ProcessSyncRequest: %v", err)
	}
	if !changed {
		t.Error("expected changed=true: safe.md should still have been materialized")
	}
	if got := readFile(t, repoPath(st, "safe.md")); got != "fine" {
		t.Errorf("safe.md = %q, want fine", got)
	}
	if _, err := os.Stat(filepath.Join(st.RepoDir(testRelay, testFolder), "..", "etc", "passwd")); !os.IsNotExist(err) {
		t.Error("path-escape entry should never have been written anywhere on disk")
	}
}

func TestProcessChangeNotificationRefreshesPlacedDocument(t *testing.T) {
	e, st, fc := newTestEngine(t)
	ctx := context.Background()

	fc.texts["doc1"] = "v1"
	meta := resource.FileMeta{"notes.md": {ID: "doc1", Type: resource.TypeDocument, Hash: hashText("v1")}}
	fc.rawDocs[testFolder] = cdsclient.RawDoc{Kind: cdsclient.DocKindFolder, Filemeta: meta}

	if _, err := e.ProcessSyncRequest(ctx, queue.SyncRequest{RelayID: testRelay, ResourceID: testFolder}); err != nil {
		t.Fatalf("initial ProcessSyncRequest: %v", err)
	}

	fc.texts["doc1"] = "v2"
	changed, err := e.ProcessChangeNotification(ctx, queue.ChangeNotification{RelayID: testRelay, ResourceID: "doc1"})
	if err != nil {
		t.Fatalf("ProcessChangeNotification: %v", err)
	}
	if !changed {
		t.Error("expected changed=true after document content changed")
	}
	if got := readFile(t, repoPath(st, "notes.md")); got != "v2" {
		t.Errorf("notes.md = %q, want v2", got)
	}
}
