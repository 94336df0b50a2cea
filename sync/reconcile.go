package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cds-git-sync/bridge/cdsclient"
	"github.com/cds-git-sync/bridge/internal/metrics"
	"github.com/cds-git-sync/bridge/resource"
	"github.com/cds-git-sync/bridge/store"
)

// errContentAbsent marks a fetch that came back ErrNotFound: the operation
// is skipped with a warning rather than treated as a failure, per
// SPEC_FULL.md §4.4.4 ("possibly deleted" is not an abort condition).
var errContentAbsent = errors.New("sync: remote content absent")

// reconcileFolder is apply_remote_folder_changes (SPEC_FULL.md §4.4.3): it
// brings folderID's working directory in line with newMeta in four phases
// under that folder's lock. oldMeta is accepted but not read: reconciliation
// always recomputes from newMeta and local_state, never diffs against
// oldMeta.
func (e *Engine) reconcileFolder(ctx context.Context, relayID, folderID string, oldMeta, newMeta resource.FileMeta) (bool, error) {
	fl := e.folderLock(relayID, folderID)
	fl.Lock()
	defer fl.Unlock()

	ref := e.repoRef(relayID, folderID)
	if err := e.store.EnsureRepo(ctx, ref); err != nil {
		return false, fmt.Errorf("ensuring repo for %s/%s: %w", relayID, folderID, err)
	}

	// Phase 1: folders first, so later phases can materialize files into
	// directories that exist.
	for path, meta := range newMeta {
		if meta.Type.Normalize() != resource.TypeFolder {
			continue
		}
		if err := e.store.Mkdir(relayID, folderID, ref.Prefix, path); err != nil {
			e.log.Error("mkdir failed during reconciliation", "relay_id", relayID, "folder_id", folderID, "path", path, "err", err)
		}
	}

	// Phase 2: classify every file-bearing entry into NOOP/UPDATE/RENAME/CREATE.
	ops := e.planFileOperations(relayID, folderID, newMeta)

	// Phase 3: execute the plan.
	anyCompleted := false
	for i := range ops {
		op := &ops[i]
		op.State = StateExecuting
		start := time.Now()

		err := e.execute(ctx, relayID, folderID, ref, op)
		switch {
		case errors.Is(err, errContentAbsent):
			op.State = StateSkipped
			e.log.Warn("remote content absent, possibly deleted", "relay_id", relayID, "folder_id", folderID, "path", op.Path)
			metrics.RecordSyncOperation(string(op.Kind), "skipped", start)
		case err != nil:
			op.State = StateErrored
			op.Err = err
			e.log.Error("sync operation failed", "relay_id", relayID, "folder_id", folderID, "kind", op.Kind, "path", op.Path, "err", err)
			metrics.RecordSyncOperation(string(op.Kind), "error", start)
		default:
			op.State = StateCompleted
			anyCompleted = true
			metrics.RecordSyncOperation(string(op.Kind), "ok", start)
		}
	}

	// Phase 4: delete anything materialized locally that newMeta no longer names.
	deleted, err := e.cleanupExtraLocalFiles(relayID, folderID, ref, newMeta)
	if err != nil {
		e.log.Error("cleanup of extra local files failed", "relay_id", relayID, "folder_id", folderID, "err", err)
	}
	if deleted {
		anyCompleted = true
	}

	return anyCompleted, nil
}

// planFileOperations is apply_remote_state (SPEC_FULL.md §4.4.3): for every
// non-folder entry in newMeta, decide NOOP/UPDATE/RENAME/CREATE against the
// folder's current local_state, in that tie-break order.
func (e *Engine) planFileOperations(relayID, folderID string, newMeta resource.FileMeta) []Operation {
	local := e.store.LocalStateFor(relayID, folderID)

	var ops []Operation
	for path, meta := range newMeta {
		if meta.Type.Normalize() == resource.TypeFolder {
			continue
		}
		entryType := classifyFileType(path, meta.Type)

		if existing, ok := local[path]; ok && existing.DocID == meta.ID {
			if !shouldUpdate(existing, meta) {
				continue // NOOP: already materialized with matching hash
			}
			ops = append(ops, Operation{Kind: OpUpdate, Path: path, ResourceID: meta.ID, EntryType: entryType, Hash: meta.Hash, State: StatePlanned})
			continue
		}

		if oldPath, ok := findLocalPathByDocID(local, meta.ID); ok && oldPath != path {
			ops = append(ops, Operation{Kind: OpRename, Path: path, OldPath: oldPath, ResourceID: meta.ID, EntryType: entryType, Hash: meta.Hash, State: StatePlanned})
			continue
		}

		ops = append(ops, Operation{Kind: OpCreate, Path: path, ResourceID: meta.ID, EntryType: entryType, Hash: meta.Hash, State: StatePlanned})
	}
	return ops
}

// shouldUpdate reports whether a materialized file's cached hash no longer
// matches meta's. An entry with no remote hash is always treated as needing
// an update: a missing hash means the comparison cannot be trusted, so it
// is re-fetched and rewritten; local bytes are not compared.
func shouldUpdate(local resource.LocalEntry, meta resource.Meta) bool {
	if meta.Hash == "" {
		return true
	}
	return local.Hash != meta.Hash
}

func findLocalPathByDocID(local map[string]resource.LocalEntry, docID string) (string, bool) {
	for path, entry := range local {
		if entry.DocID == docID {
			return path, true
		}
	}
	return "", false
}

// classifyFileType is get_file_type (SPEC_FULL.md §4.4.3): a generic "file"
// metadata entry is refined to an image/pdf/audio/video sub-kind by its
// path extension; every other declared type passes through unchanged.
func classifyFileType(path string, declared resource.EntryType) resource.EntryType {
	if declared != resource.TypeFile {
		return declared
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".bmp":
		return resource.TypeImage
	case ".pdf":
		return resource.TypePDF
	case ".mp3", ".wav", ".m4a", ".ogg", ".flac", ".aac":
		return resource.TypeAudio
	case ".mp4", ".mov", ".webm", ".avi", ".mkv":
		return resource.TypeVideo
	default:
		return resource.TypeFile
	}
}

// execute is execute_sync_operation (SPEC_FULL.md §4.4.4), dispatching to
// the handler for op.Kind. A content fetch that comes back ErrNotFound
// surfaces as errContentAbsent so the caller records a skip, not a failure.
func (e *Engine) execute(ctx context.Context, relayID, folderID string, ref store.RepoRef, op *Operation) error {
	switch op.Kind {
	case OpCreate, OpUpdate:
		return e.fetchAndWrite(ctx, relayID, folderID, ref, op)
	case OpRename:
		return e.store.Move(relayID, folderID, ref.Prefix, op.OldPath, op.Path)
	case OpDelete:
		return e.store.DeleteFile(relayID, folderID, ref.Prefix, op.Path)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// fetchAndWrite is handle_server_create/handle_server_update collapsed into
// one function, since both fetch content by resource id/kind and write it
// at op.Path the same way.
func (e *Engine) fetchAndWrite(ctx context.Context, relayID, folderID string, ref store.RepoRef, op *Operation) error {
	switch op.EntryType.Kind() {
	case resource.KindDocument:
		text, err := e.cds.GetDocumentText(ctx, resource.Document(relayID, folderID, op.ResourceID))
		if errors.Is(err, cdsclient.ErrNotFound) {
			return errContentAbsent
		}
		if err != nil {
			return err
		}
		return e.store.WriteText(relayID, folderID, ref.Prefix, op.Path, text, op.ResourceID, op.EntryType, hashText(text))

	case resource.KindCanvas:
		canvas, err := e.cds.GetCanvas(ctx, resource.Canvas(relayID, folderID, op.ResourceID))
		if errors.Is(err, cdsclient.ErrNotFound) {
			return errContentAbsent
		}
		if err != nil {
			return err
		}
		serialized, err := cdsclient.SerializeCanvas(canvas)
		if err != nil {
			return fmt.Errorf("serializing canvas %s: %w", op.ResourceID, err)
		}
		return e.store.WriteText(relayID, folderID, ref.Prefix, op.Path, string(serialized), op.ResourceID, op.EntryType, hashBytes(serialized))

	default: // file and its image/pdf/audio/video sub-kinds
		if op.Hash == "" {
			return fmt.Errorf("file entry %s at %s: missing required hash", op.ResourceID, op.Path)
		}
		url, err := e.cds.GetFileDownloadURL(ctx, resource.File(relayID, folderID, op.ResourceID), op.Hash)
		if errors.Is(err, cdsclient.ErrNotFound) {
			return errContentAbsent
		}
		if err != nil {
			return err
		}
		content, err := e.cds.DownloadFile(ctx, url)
		if errors.Is(err, cdsclient.ErrNotFound) {
			return errContentAbsent
		}
		if err != nil {
			return err
		}
		return e.store.WriteBinary(relayID, folderID, ref.Prefix, op.Path, content, op.ResourceID, op.EntryType, hashBytes(content))
	}
}

// cleanupExtraLocalFiles is cleanup_extra_local_files (SPEC_FULL.md §4.4.3
// phase 4): anything materialized on disk that newMeta no longer names gets
// deleted, comparing both the raw relative path and a leading-slash-stripped
// variant against newMeta's path set. The local_state entry is purged
// whether its key carries a leading slash or not.
func (e *Engine) cleanupExtraLocalFiles(relayID, folderID string, ref store.RepoRef, newMeta resource.FileMeta) (bool, error) {
	paths, err := e.store.WalkFiles(relayID, folderID, ref.Prefix)
	if err != nil {
		return false, err
	}

	remote := make(map[string]bool, len(newMeta))
	for p := range newMeta {
		remote[strings.TrimPrefix(p, "/")] = true
	}

	local := e.store.LocalStateFor(relayID, folderID)
	deletedAny := false
	for _, p := range paths {
		norm := strings.TrimPrefix(p, "/")
		if ref.Prefix == "" && norm == ".gitignore" {
			continue // bridge-managed placeholder from EnsureRepo's initial commit
		}
		if remote[norm] {
			continue
		}

		// delete under the local_state key, which keeps filemeta's leading slash
		target := p
		if _, ok := local["/"+norm]; ok {
			target = "/" + norm
		}
		start := time.Now()
		if err := e.store.DeleteFile(relayID, folderID, ref.Prefix, target); err != nil {
			e.log.Error("cleanup delete failed", "relay_id", relayID, "folder_id", folderID, "path", p, "err", err)
			metrics.RecordSyncOperation(string(OpDelete), "error", start)
			continue
		}
		metrics.RecordSyncOperation(string(OpDelete), "ok", start)
		deletedAny = true
	}
	return deletedAny, nil
}
