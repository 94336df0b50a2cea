package cdsclient

import (
	"fmt"

	"github.com/cds-git-sync/bridge/resource"
)

// compoundID builds the relay_id + "-" + inner_id wire form SPEC_FULL.md
// §3/§9 confines to the CDS-client boundary: everywhere else in the system
// resources are addressed by their bare id plus an explicit relay_id.
func compoundID(r resource.Resource) string {
	if r.Kind == resource.KindFolder {
		return r.RelayID + "-" + r.FolderID
	}
	return r.RelayID + "-" + r.ID
}

// splitCompoundID is the inverse used by the webhook handler: it rejects
// anything that isn't exactly two well-formed UUIDs joined by a dash,
// rather than guessing where the relay half ends, since a UUID itself
// contains dashes.
func splitCompoundID(compound string) (relayID, innerID string, err error) {
	if len(compound) != 73 || compound[36] != '-' {
		return "", "", fmt.Errorf("cdsclient: malformed compound id %q", compound)
	}
	relayID, innerID = compound[:36], compound[37:]
	if !resource.ValidUUID(relayID) || !resource.ValidUUID(innerID) {
		return "", "", fmt.Errorf("cdsclient: malformed compound id %q", compound)
	}
	return relayID, innerID, nil
}

// SplitCompoundID is the exported form splitCompoundID, used by the
// webhook handler to parse a doc_id payload field into its relay and
// resource UUID halves.
func SplitCompoundID(compound string) (relayID, resourceID string, err error) {
	return splitCompoundID(compound)
}
