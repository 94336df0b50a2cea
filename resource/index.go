package resource

import "github.com/cds-git-sync/bridge/internal/lock"

// Entry is what the index returns for a resource id: its kind, the folder
// that owns it, and its path within that folder (empty for a Folder entry
// that is itself the relay's root, non-empty for a subfolder or file-like
// entry).
type Entry struct {
	Kind     Kind
	FolderID string
	Path     string
}

// Placed reports whether the entry carries enough information (a folder
// id) for the sync engine to act on it. Entries rebuilt purely from
// document_hashes.json carry no folder/path and are not Placed; the sync
// engine treats those the same as "absent" (see process_change_notification
// step 3 in SPEC_FULL.md §4.4.1).
func (e Entry) Placed() bool {
	return e.FolderID != ""
}

// Index is the per-relay resource-id -> Entry lookup table (SPEC_FULL.md
// §4.1). One Index instance covers every relay, but a single RWMutex guards
// the whole byID map regardless of relay: Lookup takes it for reading and
// Update/Remove/Rebuild for writing, so a write for one relay blocks
// lookups for every relay. Rebuild additionally replaces one relay's whole inner map in
// one critical section rather than patching entries incrementally.
type Index struct {
	mu   lock.RWMutex
	byID map[string]map[string]Entry // relay_id -> resource_id -> Entry
}

// NewIndex constructs an empty Index.
func NewIndex() *Index {
	return &Index{byID: make(map[string]map[string]Entry)}
}

// Lookup returns the entry for resourceID within relayID, if known.
func (ix *Index) Lookup(relayID, resourceID string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	relay, ok := ix.byID[relayID]
	if !ok {
		return Entry{}, false
	}
	e, ok := relay[resourceID]
	return e, ok
}

// Update upserts one entry.
func (ix *Index) Update(relayID, resourceID string, e Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	relay, ok := ix.byID[relayID]
	if !ok {
		relay = make(map[string]Entry)
		ix.byID[relayID] = relay
	}
	relay[resourceID] = e
}

// Remove deletes one entry.
func (ix *Index) Remove(relayID, resourceID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if relay, ok := ix.byID[relayID]; ok {
		delete(relay, resourceID)
	}
}

// RebuildInput is the three persisted state maps rebuild draws from, in the
// build-order SPEC_FULL.md §4.1 specifies: folders from filemeta, then
// documents from local_state (authoritative for path), then documents from
// filemeta not yet present, then standalone document_hashes entries.
type RebuildInput struct {
	// Filemeta maps folder_id -> that folder's path -> metadata map.
	Filemeta map[string]FileMeta
	// LocalState maps folder_id -> path -> local materialization record.
	LocalState map[string]map[string]LocalEntry
	// DocumentHashes maps resource_id -> last-materialized sha256 hex.
	DocumentHashes map[string]string
}

// Rebuild fully reconstructs relayID's portion of the index from in. It
// never patches incrementally: SPEC_FULL.md §9 prefers a full rebuild after
// every save over maintaining incremental consistency across call sites.
func (ix *Index) Rebuild(relayID string, in RebuildInput) {
	fresh := make(map[string]Entry)

	// Phase 1: folders named inside each folder's own filemeta.
	for folderID, fm := range in.Filemeta {
		for path, meta := range fm {
			if meta.Type.Normalize() != TypeFolder {
				continue
			}
			if IsLegacyCompoundID(meta.ID) {
				continue
			}
			fresh[meta.ID] = Entry{Kind: KindFolder, FolderID: folderID, Path: path}
		}
	}

	// Phase 2: documents/canvases/files from local_state, authoritative
	// for path since it reflects what is actually on disk.
	for folderID, paths := range in.LocalState {
		for path, entry := range paths {
			if IsLegacyCompoundID(entry.DocID) {
				continue
			}
			fresh[entry.DocID] = Entry{Kind: entry.Type.Kind(), FolderID: folderID, Path: path}
		}
	}

	// Phase 3: documents/canvases/files from filemeta not already placed
	// by local_state.
	for folderID, fm := range in.Filemeta {
		for path, meta := range fm {
			if meta.Type.Normalize() == TypeFolder {
				continue
			}
			if IsLegacyCompoundID(meta.ID) {
				continue
			}
			if _, ok := fresh[meta.ID]; ok {
				continue
			}
			fresh[meta.ID] = Entry{Kind: meta.Type.Kind(), FolderID: folderID, Path: path}
		}
	}

	// Phase 4: standalone document_hashes entries not covered above. These
	// carry no folder/path; Entry.Placed reports false for them.
	for resourceID := range in.DocumentHashes {
		if IsLegacyCompoundID(resourceID) {
			continue
		}
		if _, ok := fresh[resourceID]; ok {
			continue
		}
		fresh[resourceID] = Entry{Kind: KindDocument}
	}

	ix.mu.Lock()
	ix.byID[relayID] = fresh
	ix.mu.Unlock()
}
