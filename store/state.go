package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/cds-git-sync/bridge/resource"
)

const (
	documentHashesFile = "document_hashes.json"
	sharedFoldersFile  = "shared_folders.json"
	localStateFile     = "local_state.json"
)

// relayState is the in-memory mirror of one relay's three persisted state
// files, per SPEC_FULL.md §3.
type relayState struct {
	// DocumentHashes maps a bare resource id to the sha256 hex of its
	// last-materialized content.
	DocumentHashes map[string]string `json:"document_hashes"`
	// Filemeta maps folder_id -> that folder's path -> metadata.
	Filemeta map[string]resource.FileMeta `json:"shared_folders"`
	// LocalState maps folder_id -> path -> local materialization record.
	LocalState map[string]map[string]resource.LocalEntry `json:"local_state"`
}

func newRelayState() *relayState {
	return &relayState{
		DocumentHashes: make(map[string]string),
		Filemeta:       make(map[string]resource.FileMeta),
		LocalState:     make(map[string]map[string]resource.LocalEntry),
	}
}

func (s *Store) stateDir(relayID string) string {
	return filepath.Join(s.dataDir, "state", relayID)
}

func (s *Store) hashesPath(relayID string) string {
	return filepath.Join(s.stateDir(relayID), documentHashesFile)
}

func (s *Store) filemetaPath(relayID string) string {
	return filepath.Join(s.stateDir(relayID), sharedFoldersFile)
}

func (s *Store) localStatePath(relayID string) string {
	return filepath.Join(s.stateDir(relayID), localStateFile)
}

// loadJSONTolerant reads path into dst. A missing or corrupt file is
// treated as "leave dst at its zero value" and logged, never returned as an
// error: SPEC_FULL.md §4.2 requires StateCorruption to be absorbed here so a
// fresh save regenerates a valid file.
func loadJSONTolerant(log *slog.Logger, path string, dst any) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("unable to read state file, treating as empty", "path", path, "err", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	if err := json.Unmarshal(data, dst); err != nil {
		log.Warn("state file is corrupt, treating as empty", "path", path, "err", err)
	}
}

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}

// Load reads relayID's three state files (tolerating absence/corruption of
// any of them) and rebuilds the resource index from the result.
func (s *Store) Load(relayID string) {
	s.relaysMu.Lock()
	rs := newRelayState()
	s.relays[relayID] = rs
	s.relaysMu.Unlock()

	loadJSONTolerant(s.log, s.hashesPath(relayID), &rs.DocumentHashes)
	loadJSONTolerant(s.log, s.filemetaPath(relayID), &rs.Filemeta)
	loadJSONTolerant(s.log, s.localStatePath(relayID), &rs.LocalState)

	if rs.DocumentHashes == nil {
		rs.DocumentHashes = make(map[string]string)
	}
	if rs.Filemeta == nil {
		rs.Filemeta = make(map[string]resource.FileMeta)
	}
	if rs.LocalState == nil {
		rs.LocalState = make(map[string]map[string]resource.LocalEntry)
	}

	s.rebuildIndex(relayID, rs)
}

// Save atomically writes relayID's three state files and rebuilds the
// resource index: the index is always a derivation of state, never
// incrementally patched (SPEC_FULL.md §9).
func (s *Store) Save(relayID string) error {
	rs := s.relayStateOrEmpty(relayID)

	if err := writeJSONAtomic(s.hashesPath(relayID), rs.DocumentHashes); err != nil {
		return err
	}
	if err := writeJSONAtomic(s.filemetaPath(relayID), rs.Filemeta); err != nil {
		return err
	}
	if err := writeJSONAtomic(s.localStatePath(relayID), rs.LocalState); err != nil {
		return err
	}

	s.rebuildIndex(relayID, rs)
	return nil
}

func (s *Store) relayStateOrEmpty(relayID string) *relayState {
	s.relaysMu.Lock()
	defer s.relaysMu.Unlock()

	rs, ok := s.relays[relayID]
	if !ok {
		rs = newRelayState()
		s.relays[relayID] = rs
	}
	return rs
}

func (s *Store) rebuildIndex(relayID string, rs *relayState) {
	s.index.Rebuild(relayID, resource.RebuildInput{
		Filemeta:       rs.Filemeta,
		LocalState:     rs.LocalState,
		DocumentHashes: rs.DocumentHashes,
	})
}

// Filemeta returns the current in-memory filemeta map for folderID within
// relayID (nil if unknown).
func (s *Store) Filemeta(relayID, folderID string) resource.FileMeta {
	rs := s.relayStateOrEmpty(relayID)
	return rs.Filemeta[folderID]
}

// SetFilemeta replaces the in-memory filemeta map for folderID. Callers
// must still call Save to persist it.
func (s *Store) SetFilemeta(relayID, folderID string, fm resource.FileMeta) {
	rs := s.relayStateOrEmpty(relayID)
	rs.Filemeta[folderID] = fm
}

// KnownFolder reports whether folderID is a key of relayID's filemeta map,
// i.e. whether a folder-level snapshot has ever been applied for it.
func (s *Store) KnownFolder(relayID, folderID string) bool {
	rs := s.relayStateOrEmpty(relayID)
	_, ok := rs.Filemeta[folderID]
	return ok
}

// LocalStateFor returns the path -> entry map for folderID (nil if none).
func (s *Store) LocalStateFor(relayID, folderID string) map[string]resource.LocalEntry {
	rs := s.relayStateOrEmpty(relayID)
	return rs.LocalState[folderID]
}

// DocumentHash returns the last-materialized sha256 hex for a bare resource
// id, if known.
func (s *Store) DocumentHash(relayID, resourceID string) (string, bool) {
	rs := s.relayStateOrEmpty(relayID)
	h, ok := rs.DocumentHashes[resourceID]
	return h, ok
}

func (s *Store) setDocumentHash(relayID, resourceID, hash string) {
	rs := s.relayStateOrEmpty(relayID)
	rs.DocumentHashes[resourceID] = hash
}

// SetDocumentHash records resourceID's last-seen content hash even when no
// materialized path is known yet: the sync engine calls it for a document
// whose content it fetched before the resource landed in a synced folder.
func (s *Store) SetDocumentHash(relayID, resourceID, hash string) {
	s.setDocumentHash(relayID, resourceID, hash)
}

func (s *Store) removeDocumentHash(relayID, resourceID string) {
	rs := s.relayStateOrEmpty(relayID)
	delete(rs.DocumentHashes, resourceID)
}

func (s *Store) setLocalEntry(relayID, folderID, path string, entry resource.LocalEntry) {
	rs := s.relayStateOrEmpty(relayID)
	paths, ok := rs.LocalState[folderID]
	if !ok {
		paths = make(map[string]resource.LocalEntry)
		rs.LocalState[folderID] = paths
	}
	paths[path] = entry
}

func (s *Store) removeLocalEntry(relayID, folderID, path string) {
	rs := s.relayStateOrEmpty(relayID)
	if paths, ok := rs.LocalState[folderID]; ok {
		delete(paths, path)
	}
}
