package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cds-git-sync/bridge/resource"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	s.SetFilemeta("relay1", "folder1", resource.FileMeta{
		"/readme.md": {ID: "doc1", Type: resource.TypeDocument, Hash: "h1"},
	})
	s.setDocumentHash("relay1", "doc1", "h1")
	s.setLocalEntry("relay1", "folder1", "/readme.md", resource.LocalEntry{DocID: "doc1", Hash: "h1", Type: resource.TypeDocument})

	if err := s.Save("relay1"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := New(s.dataDir, s.log, nil, resource.NewIndex())
	reloaded.Load("relay1")

	fm := reloaded.Filemeta("relay1", "folder1")
	if fm["/readme.md"].ID != "doc1" {
		t.Errorf("filemeta did not round trip: %+v", fm)
	}
	if hash, ok := reloaded.DocumentHash("relay1", "doc1"); !ok || hash != "h1" {
		t.Errorf("document hash did not round trip: %q, %v", hash, ok)
	}

	entry, ok := reloaded.Index().Lookup("relay1", "doc1")
	if !ok || entry.Path != "/readme.md" {
		t.Errorf("index not rebuilt correctly after load: %+v, %v", entry, ok)
	}
}

func TestLoadToleratesCorruptState(t *testing.T) {
	s := newTestStore(t)

	statePath := s.hashesPath("relay1")
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(statePath, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s.Load("relay1")

	if _, ok := s.DocumentHash("relay1", "doc1"); ok {
		t.Errorf("expected empty state after corrupt load")
	}
}
