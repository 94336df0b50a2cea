// Package sync is the sync engine (SPEC_FULL.md §4.4): the component that
// turns a queued sync request or change notification into the filesystem
// operations needed to bring a folder's working directory in line with its
// remote filemeta, by way of the CDS client and the persistence store.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cds-git-sync/bridge/cdsclient"
	"github.com/cds-git-sync/bridge/internal/lock"
	"github.com/cds-git-sync/bridge/internal/metrics"
	"github.com/cds-git-sync/bridge/queue"
	"github.com/cds-git-sync/bridge/resource"
	"github.com/cds-git-sync/bridge/store"
)

// Engine implements queue.Processor against a Store and a cdsclient.Client.
type Engine struct {
	store *store.Store
	cds   cdsclient.Client
	log   *slog.Logger

	foldersMu lock.Mutex
	folders   map[string]*lock.Mutex
}

var _ queue.Processor = (*Engine)(nil)

// New constructs an Engine.
func New(st *store.Store, cds cdsclient.Client, log *slog.Logger) *Engine {
	return &Engine{
		store:   st,
		cds:     cds,
		log:     log,
		folders: make(map[string]*lock.Mutex),
	}
}

// folderLock returns the per-folder lock for (relayID, folderID), creating
// it on first use. Locks are never removed from the map (SPEC_FULL.md §5):
// a folder that is deleted and recreated reuses the same lock rather than
// risking two goroutines each holding a distinct lock for what they believe
// is the same folder.
func (e *Engine) folderLock(relayID, folderID string) *lock.Mutex {
	key := relayID + "/" + folderID

	e.foldersMu.Lock()
	defer e.foldersMu.Unlock()

	l, ok := e.folders[key]
	if !ok {
		l = &lock.Mutex{}
		e.folders[key] = l
	}
	return l
}

// repoRef recovers a folder's connector-configured RepoRef (branch, remote,
// prefix), falling back to a bare local-only ref if the folder has not been
// registered by a connector yet. EnsureRepo is idempotent either way.
func (e *Engine) repoRef(relayID, folderID string) store.RepoRef {
	if ref, ok := e.store.RepoRefFor(relayID, folderID); ok {
		return ref
	}
	return store.RepoRef{RelayID: relayID, FolderID: folderID, Branch: "main"}
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ProcessSyncRequest pulls the named resource's CRDT document once,
// classifies it, and reconciles or refreshes accordingly (process_sync_request
// in SPEC_FULL.md §4.4.2). Unlike ProcessChangeNotification it does not need
// the resource index to know the resource's kind in advance.
func (e *Engine) ProcessSyncRequest(ctx context.Context, req queue.SyncRequest) (bool, error) {
	relayID, resourceID := req.RelayID, req.ResourceID
	e.store.Load(relayID)

	doc, err := e.cds.GetDoc(ctx, relayID, resourceID)
	if err != nil {
		return false, fmt.Errorf("fetching document %s/%s: %w", relayID, resourceID, err)
	}

	var (
		changed bool
		rerr    error
	)
	switch doc.Kind {
	case cdsclient.DocKindFolder:
		changed, rerr = e.syncFolderDoc(ctx, relayID, resourceID, doc.Filemeta)

	case cdsclient.DocKindDocument:
		entry, ok := e.store.Index().Lookup(relayID, resourceID)
		if !ok || !entry.Placed() {
			e.log.Debug("sync request for unplaced document, recording hash only",
				"relay_id", relayID, "resource_id", resourceID)
			e.store.SetDocumentHash(relayID, resourceID, hashText(doc.Text))
			break
		}
		changed, rerr = e.applyDocumentText(ctx, relayID, entry.FolderID, resourceID, entry.Path, doc.Text)

	case cdsclient.DocKindCanvas:
		entry, ok := e.store.Index().Lookup(relayID, resourceID)
		if !ok || !entry.Placed() {
			e.log.Debug("sync request for unplaced canvas, ignoring", "relay_id", relayID, "resource_id", resourceID)
			break
		}
		changed, rerr = e.applyCanvas(ctx, relayID, entry.FolderID, resourceID, entry.Path, doc.Canvas)

	default:
		e.log.Warn("sync request for document with no recognized content shape",
			"relay_id", relayID, "resource_id", resourceID)
	}

	if serr := e.store.Save(relayID); serr != nil {
		e.log.Error("saving state failed", "relay_id", relayID, "err", serr)
	}
	return changed, rerr
}

// ProcessChangeNotification reacts to a single webhook-derived change
// (process_document_change in SPEC_FULL.md §4.4.1): a folder-level change
// triggers full reconciliation; a document/canvas change refreshes just
// that resource's content; a file change is left for the next sync request,
// since file content is only ever pulled via a download URL keyed on a
// hash the filemeta update (not this notification) carries.
func (e *Engine) ProcessChangeNotification(ctx context.Context, n queue.ChangeNotification) (bool, error) {
	relayID, resourceID := n.RelayID, n.ResourceID
	e.store.Load(relayID)

	var (
		changed bool
		err     error
	)
	if e.store.KnownFolder(relayID, resourceID) {
		folderDoc, ferr := e.cds.GetFolderDoc(ctx, resource.Folder(relayID, resourceID))
		if ferr != nil {
			err = fmt.Errorf("fetching folder doc %s/%s: %w", relayID, resourceID, ferr)
		} else {
			changed, err = e.syncFolderDoc(ctx, relayID, resourceID, folderDoc.Filemeta)
		}
	} else if entry, ok := e.store.Index().Lookup(relayID, resourceID); ok && entry.Placed() {
		switch entry.Kind {
		case resource.KindDocument:
			changed, err = e.refreshDocument(ctx, relayID, entry.FolderID, resourceID, entry.Path)
		case resource.KindCanvas:
			changed, err = e.refreshCanvas(ctx, relayID, entry.FolderID, resourceID, entry.Path)
		default:
			e.log.Debug("change notification for file resource, deferring to next sync request",
				"relay_id", relayID, "resource_id", resourceID)
		}
	} else {
		e.log.Debug("change notification for unknown resource, ignoring", "relay_id", relayID, "resource_id", resourceID)
	}

	if serr := e.store.Save(relayID); serr != nil {
		e.log.Error("saving state failed", "relay_id", relayID, "err", serr)
	}
	return changed, err
}

// syncFolderDoc records newMeta as folderID's filemeta and runs full
// reconciliation against it.
func (e *Engine) syncFolderDoc(ctx context.Context, relayID, folderID string, newMeta resource.FileMeta) (bool, error) {
	old := e.store.Filemeta(relayID, folderID)
	e.store.SetFilemeta(relayID, folderID, newMeta)
	return e.reconcileFolder(ctx, relayID, folderID, old, newMeta)
}

// refreshDocument re-fetches a single already-placed document's text and
// rewrites it if its hash changed.
func (e *Engine) refreshDocument(ctx context.Context, relayID, folderID, resourceID, path string) (bool, error) {
	text, err := e.cds.GetDocumentText(ctx, resource.Document(relayID, folderID, resourceID))
	if errors.Is(err, cdsclient.ErrNotFound) {
		e.log.Warn("document content absent, possibly deleted", "relay_id", relayID, "resource_id", resourceID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.applyDocumentText(ctx, relayID, folderID, resourceID, path, text)
}

// refreshCanvas re-fetches a single already-placed canvas and rewrites its
// canonical serialization if its hash changed.
func (e *Engine) refreshCanvas(ctx context.Context, relayID, folderID, resourceID, path string) (bool, error) {
	canvas, err := e.cds.GetCanvas(ctx, resource.Canvas(relayID, folderID, resourceID))
	if errors.Is(err, cdsclient.ErrNotFound) {
		e.log.Warn("canvas content absent, possibly deleted", "relay_id", relayID, "resource_id", resourceID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.applyCanvas(ctx, relayID, folderID, resourceID, path, canvas)
}

// applyDocumentText writes text at path if its hash differs from the last
// recorded one for resourceID (should_update_file's text-document case in
// SPEC_FULL.md §4.4.3).
func (e *Engine) applyDocumentText(ctx context.Context, relayID, folderID, resourceID, path, text string) (bool, error) {
	hash := hashText(text)
	old, _ := e.store.DocumentHash(relayID, resourceID)
	if old == hash {
		return false, nil
	}

	fl := e.folderLock(relayID, folderID)
	fl.Lock()
	defer fl.Unlock()

	ref := e.repoRef(relayID, folderID)
	start := time.Now()
	if err := e.store.EnsureRepo(ctx, ref); err != nil {
		metrics.RecordSyncOperation(string(OpUpdate), "error", start)
		return false, err
	}
	if err := e.store.WriteText(relayID, folderID, ref.Prefix, path, text, resourceID, resource.TypeDocument, hash); err != nil {
		metrics.RecordSyncOperation(string(OpUpdate), "error", start)
		return false, err
	}
	metrics.RecordSyncOperation(string(OpUpdate), "ok", start)
	return true, nil
}

// applyCanvas serializes canvas canonically and writes it at path if its
// hash differs from the last recorded one.
func (e *Engine) applyCanvas(ctx context.Context, relayID, folderID, resourceID, path string, canvas cdsclient.CanvasDoc) (bool, error) {
	serialized, err := cdsclient.SerializeCanvas(canvas)
	if err != nil {
		return false, fmt.Errorf("serializing canvas %s: %w", resourceID, err)
	}
	hash := hashBytes(serialized)
	old, _ := e.store.DocumentHash(relayID, resourceID)
	if old == hash {
		return false, nil
	}

	fl := e.folderLock(relayID, folderID)
	fl.Lock()
	defer fl.Unlock()

	ref := e.repoRef(relayID, folderID)
	start := time.Now()
	if err := e.store.EnsureRepo(ctx, ref); err != nil {
		metrics.RecordSyncOperation(string(OpUpdate), "error", start)
		return false, err
	}
	if err := e.store.WriteText(relayID, folderID, ref.Prefix, path, string(serialized), resourceID, resource.TypeCanvas, hash); err != nil {
		metrics.RecordSyncOperation(string(OpUpdate), "error", start)
		return false, err
	}
	metrics.RecordSyncOperation(string(OpUpdate), "ok", start)
	return true, nil
}
