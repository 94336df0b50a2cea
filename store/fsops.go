package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"

	"github.com/cds-git-sync/bridge/resource"
)

// Mkdir ensures relPath exists as a directory under folder's working
// directory (SPEC_FULL.md §4.2 mkdir, used by reconciliation phase 1).
func (s *Store) Mkdir(relayID, folderID, prefix, relPath string) error {
	workDir, err := s.WorkingDir(relayID, folderID, prefix)
	if err != nil {
		return err
	}
	abs, err := SanitizePath(workDir, relPath)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0o755)
}

// WriteText materializes textual content (a document or canonical-JSON
// canvas) at relPath, updates local_state, and refuses to overwrite a
// directory.
func (s *Store) WriteText(relayID, folderID, prefix, relPath, content, docID string, entryType resource.EntryType, hash string) error {
	return s.write(relayID, folderID, prefix, relPath, []byte(content), docID, entryType, hash)
}

// WriteBinary materializes binary file content at relPath.
func (s *Store) WriteBinary(relayID, folderID, prefix, relPath string, content []byte, docID string, entryType resource.EntryType, hash string) error {
	return s.write(relayID, folderID, prefix, relPath, content, docID, entryType, hash)
}

func (s *Store) write(relayID, folderID, prefix, relPath string, content []byte, docID string, entryType resource.EntryType, hash string) error {
	workDir, err := s.WorkingDir(relayID, folderID, prefix)
	if err != nil {
		return err
	}
	abs, err := SanitizePath(workDir, relPath)
	if err != nil {
		return err
	}

	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return fmt.Errorf("refusing to overwrite directory at %s", abs)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("unable to create parent directory for %s: %w", abs, err)
	}

	if err := renameio.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("unable to write %s: %w", abs, err)
	}

	s.setLocalEntry(relayID, folderID, relPath, resource.LocalEntry{
		DocID:        docID,
		Hash:         hash,
		Type:         entryType,
		ModifiedUnix: time.Now().Unix(),
	})
	if hash != "" {
		s.setDocumentHash(relayID, docID, hash)
	}

	s.log.Debug("materialized content", "relay_id", relayID, "folder_id", folderID,
		"path", relPath, "size", humanize.Bytes(uint64(len(content))))

	return nil
}

// WalkFiles lists every regular file's path relative to the folder's
// working directory, skipping .git, for the cleanup scan in SPEC_FULL.md
// §4.4.3 phase 4. Walking the real directory (rather than trusting
// local_state) is what lets cleanup catch files that drifted out of band.
func (s *Store) WalkFiles(relayID, folderID, prefix string) ([]string, error) {
	workDir, err := s.WorkingDir(relayID, folderID, prefix)
	if err != nil {
		return nil, err
	}

	var out []string
	err = filepath.WalkDir(workDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(workDir, p)
		if rerr != nil {
			return rerr
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Move renames a materialized file within folder's working directory and
// carries its local_state entry forward, updating its modified timestamp.
func (s *Store) Move(relayID, folderID, prefix, from, to string) error {
	workDir, err := s.WorkingDir(relayID, folderID, prefix)
	if err != nil {
		return err
	}
	fromAbs, err := SanitizePath(workDir, from)
	if err != nil {
		return err
	}
	toAbs, err := SanitizePath(workDir, to)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		return fmt.Errorf("unable to create parent directory for %s: %w", toAbs, err)
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		return fmt.Errorf("unable to move %s to %s: %w", fromAbs, toAbs, err)
	}

	entries := s.LocalStateFor(relayID, folderID)
	entry, ok := entries[from]
	if !ok {
		entry = resource.LocalEntry{}
	}
	entry.ModifiedUnix = time.Now().Unix()

	s.removeLocalEntry(relayID, folderID, from)
	s.setLocalEntry(relayID, folderID, to, entry)

	return nil
}

// DeleteFile unlinks relPath and purges its state (local_state entry,
// document hash, and index entry).
func (s *Store) DeleteFile(relayID, folderID, prefix, relPath string) error {
	workDir, err := s.WorkingDir(relayID, folderID, prefix)
	if err != nil {
		return err
	}
	abs, err := SanitizePath(workDir, relPath)
	if err != nil {
		return err
	}

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unable to delete %s: %w", abs, err)
	}

	entries := s.LocalStateFor(relayID, folderID)
	if entry, ok := entries[relPath]; ok {
		s.removeDocumentHash(relayID, entry.DocID)
		s.index.Remove(relayID, entry.DocID)
	}
	s.removeLocalEntry(relayID, folderID, relPath)

	return nil
}
