// Package resource defines the tagged-union resource identifiers the rest
// of the system operates on (folders, documents, canvases, files) and the
// per-relay resource index that maps a bare resource id to where it lives.
package resource

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind tags which variant of the resource union a value represents.
type Kind string

const (
	KindFolder   Kind = "folder"
	KindDocument Kind = "document"
	KindCanvas   Kind = "canvas"
	KindFile     Kind = "file"
)

// Resource identifies one addressable thing in a relay: a folder, a
// document, a canvas, or a file. For a Folder, ID is empty and FolderID is
// the folder's own id; for the other kinds, ID is the document/canvas/file
// id nested under FolderID.
type Resource struct {
	Kind     Kind
	RelayID  string
	FolderID string
	ID       string
}

// Folder builds a Folder resource.
func Folder(relayID, folderID string) Resource {
	return Resource{Kind: KindFolder, RelayID: relayID, FolderID: folderID}
}

// Document builds a Document resource.
func Document(relayID, folderID, docID string) Resource {
	return Resource{Kind: KindDocument, RelayID: relayID, FolderID: folderID, ID: docID}
}

// Canvas builds a Canvas resource.
func Canvas(relayID, folderID, canvasID string) Resource {
	return Resource{Kind: KindCanvas, RelayID: relayID, FolderID: folderID, ID: canvasID}
}

// File builds a File resource.
func File(relayID, folderID, fileID string) Resource {
	return Resource{Kind: KindFile, RelayID: relayID, FolderID: folderID, ID: fileID}
}

// BareID is the resource id used as the resource index key: the folder id
// itself for a Folder, otherwise the nested document/canvas/file id.
func (r Resource) BareID() string {
	if r.Kind == KindFolder {
		return r.FolderID
	}
	return r.ID
}

func (r Resource) String() string {
	if r.Kind == KindFolder {
		return fmt.Sprintf("folder(%s/%s)", r.RelayID, r.FolderID)
	}
	return fmt.Sprintf("%s(%s/%s/%s)", r.Kind, r.RelayID, r.FolderID, r.ID)
}

// ValidUUID reports whether s parses as a UUID (36 chars, 5 dash-separated
// groups). Validated with google/uuid instead of counting dashes by hand.
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// IsLegacyCompoundID reports whether s has more than five dash-separated
// groups, the heuristic SPEC_FULL.md §4.1/§9 uses to discard old
// relay-id+inner-id compound ids encountered while rebuilding the index.
func IsLegacyCompoundID(s string) bool {
	return strings.Count(s, "-")+1 > 5
}

// EntryType is the type tag carried by a filemeta entry.
type EntryType string

const (
	TypeFolder   EntryType = "folder"
	TypeDocument EntryType = "document"
	TypeCanvas   EntryType = "canvas"
	TypeFile     EntryType = "file"
	TypeImage    EntryType = "image"
	TypePDF      EntryType = "pdf"
	TypeAudio    EntryType = "audio"
	TypeVideo    EntryType = "video"
	TypeMarkdown EntryType = "markdown"
)

// Normalize collapses type synonyms: markdown is a document. Every other
// type, including the image/pdf/audio/video file sub-kinds, is returned
// unchanged; IsFileLike is what groups those sub-kinds with file.
func (t EntryType) Normalize() EntryType {
	if t == TypeMarkdown {
		return TypeDocument
	}
	return t
}

// IsFileLike reports whether t is materialized as a binary file fetched via
// a download URL (file and its image/pdf/audio/video sub-kinds).
func (t EntryType) IsFileLike() bool {
	switch t.Normalize() {
	case TypeFile, TypeImage, TypePDF, TypeAudio, TypeVideo:
		return true
	default:
		return false
	}
}

// Kind maps a filemeta entry type to the resource Kind it materializes as.
func (t EntryType) Kind() Kind {
	switch {
	case t == TypeFolder:
		return KindFolder
	case t == TypeCanvas:
		return KindCanvas
	case t.IsFileLike():
		return KindFile
	default:
		return KindDocument
	}
}

// Meta is one filemeta entry: the resource id a path maps to, its type, and
// an optional content hash.
type Meta struct {
	ID   string    `json:"id"`
	Type EntryType `json:"type"`
	Hash string    `json:"hash,omitempty"`
}

// FileMeta is a folder's authoritative path -> metadata map, embedded as
// filemeta_v0 in the folder's CRDT document.
type FileMeta map[string]Meta

// LocalEntry is the state local_state.json records per materialized path.
type LocalEntry struct {
	DocID        string    `json:"doc_id"`
	Hash         string    `json:"hash,omitempty"`
	Type         EntryType `json:"type"`
	ModifiedUnix int64     `json:"modified_unix"`
}
