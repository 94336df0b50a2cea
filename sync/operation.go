package sync

import "github.com/cds-git-sync/bridge/resource"

// OpKind names the four filesystem mutations reconciliation can plan,
// matching execute_sync_operation's dispatch in SPEC_FULL.md §4.4.4.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpRename OpKind = "rename"
	OpDelete OpKind = "delete"
)

// State is an operation's position in the per-operation state machine named
// in SPEC_FULL.md §4.4.5: Planned -> Executing -> one of
// Completed/Errored/Skipped.
type State string

const (
	StatePlanned   State = "planned"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateSkipped   State = "skipped"
)

// Operation is one planned filesystem mutation against a folder's working
// directory, produced by apply_remote_state (SPEC_FULL.md §4.4.3) and
// carried out by execute (SPEC_FULL.md §4.4.4).
type Operation struct {
	Kind       OpKind
	Path       string
	OldPath    string // set only for OpRename: the path the entry currently lives at
	ResourceID string
	EntryType  resource.EntryType
	Hash       string // remote content hash, when known
	State      State
	Err        error
}
