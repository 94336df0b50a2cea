package sync

import (
	"context"
	"sync"

	"github.com/cds-git-sync/bridge/cdsclient"
	"github.com/cds-git-sync/bridge/resource"
)

// fakeClient is a minimal in-memory cdsclient.Client for exercising the
// sync engine without a network round trip.
type fakeClient struct {
	mu sync.Mutex

	folderDocs   map[string]resource.FileMeta // folder id -> filemeta
	texts        map[string]string            // resource id -> document text
	canvases     map[string]cdsclient.CanvasDoc
	downloadURLs map[string]string // resource id -> download url
	files        map[string][]byte // download url -> content
	rawDocs      map[string]cdsclient.RawDoc
	missing      map[string]bool // resource id -> force ErrNotFound
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		folderDocs:   make(map[string]resource.FileMeta),
		texts:        make(map[string]string),
		canvases:     make(map[string]cdsclient.CanvasDoc),
		downloadURLs: make(map[string]string),
		files:        make(map[string][]byte),
		rawDocs:      make(map[string]cdsclient.RawDoc),
		missing:      make(map[string]bool),
	}
}

func (f *fakeClient) GetFolderDoc(ctx context.Context, r resource.Resource) (cdsclient.FolderDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[r.FolderID] {
		return cdsclient.FolderDoc{}, cdsclient.ErrNotFound
	}
	return cdsclient.FolderDoc{Filemeta: f.folderDocs[r.FolderID]}, nil
}

func (f *fakeClient) GetDocumentText(ctx context.Context, r resource.Resource) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[r.ID] {
		return "", cdsclient.ErrNotFound
	}
	return f.texts[r.ID], nil
}

func (f *fakeClient) GetCanvas(ctx context.Context, r resource.Resource) (cdsclient.CanvasDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[r.ID] {
		return cdsclient.CanvasDoc{}, cdsclient.ErrNotFound
	}
	return f.canvases[r.ID], nil
}

func (f *fakeClient) GetFileDownloadURL(ctx context.Context, r resource.Resource, hash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[r.ID] {
		return "", cdsclient.ErrNotFound
	}
	return f.downloadURLs[r.ID], nil
}

func (f *fakeClient) DownloadFile(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[url]
	if !ok {
		return nil, cdsclient.ErrNotFound
	}
	return content, nil
}

func (f *fakeClient) GetDoc(ctx context.Context, relayID, resourceID string) (cdsclient.RawDoc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[resourceID] {
		return cdsclient.RawDoc{}, cdsclient.ErrNotFound
	}
	doc, ok := f.rawDocs[resourceID]
	if !ok {
		return cdsclient.RawDoc{Kind: cdsclient.DocKindUnknown}, nil
	}
	return doc, nil
}

var _ cdsclient.Client = (*fakeClient)(nil)
