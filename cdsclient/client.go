// Package cdsclient is the external collaborator named in SPEC_FULL.md §6:
// the interface the sync engine uses to pull CRDT-level folder metadata,
// document text, canvas docs, and file content from the collaborative
// document service. The sync engine depends only on the Client interface;
// HTTPClient is the concrete default implementation so the binary is
// runnable without a stub.
package cdsclient

import (
	"context"
	"errors"
	"time"

	"github.com/cds-git-sync/bridge/resource"
)

// ErrNotFound is returned (never wrapped further) whenever the CDS answers
// with 404: SPEC_FULL.md §6 requires every getter to report "absent" rather
// than error on a missing resource, reserving real errors for
// transport/auth failure.
var ErrNotFound = errors.New("cdsclient: resource not found")

// FolderDoc is the CRDT-level filemeta snapshot for one folder.
type FolderDoc struct {
	Filemeta resource.FileMeta
}

// DocKind tags which shape GetDoc found when classifying a generic CRDT
// document by its top-level keys (SPEC_FULL.md §4.4.2): filemeta_v0 means
// folder, contents means text document, edges+nodes means canvas.
type DocKind string

const (
	DocKindFolder   DocKind = "folder"
	DocKindDocument DocKind = "document"
	DocKindCanvas   DocKind = "canvas"
	DocKindUnknown  DocKind = "unknown"
)

// RawDoc is the result of pulling a CRDT document once and classifying it,
// used by process_sync_request, which does not know a resource's kind in
// advance (SPEC_FULL.md §4.4.2).
type RawDoc struct {
	Kind     DocKind
	Filemeta resource.FileMeta
	Text     string
	Canvas   CanvasDoc
}

// Client is the CDS-client contract consumed by the sync engine
// (SPEC_FULL.md §6). Every method returns ErrNotFound on a 404 and any
// other error on transport/auth failure; callers must distinguish the two.
type Client interface {
	GetFolderDoc(ctx context.Context, f resource.Resource) (FolderDoc, error)
	GetDocumentText(ctx context.Context, d resource.Resource) (string, error)
	GetCanvas(ctx context.Context, c resource.Resource) (CanvasDoc, error)
	GetFileDownloadURL(ctx context.Context, f resource.Resource, hash string) (string, error)
	DownloadFile(ctx context.Context, url string) ([]byte, error)

	// GetDoc pulls a CRDT document once and classifies it by whichever
	// top-level keys are present, for callers (process_sync_request) that
	// do not yet know whether resourceID names a folder, document, or
	// canvas.
	GetDoc(ctx context.Context, relayID, resourceID string) (RawDoc, error)
}

// Timeouts for the two classes of outbound call named in SPEC_FULL.md §5:
// metadata/text/canvas fetches are short; binary downloads get more room.
const (
	MetadataTimeout = 10 * time.Second
	DownloadTimeout = 30 * time.Second
)
