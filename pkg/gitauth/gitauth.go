// Package gitauth materializes the deploy SSH key used for git network
// operations and builds the per-command GIT_SSH_COMMAND environment
// override, rather than mutating the process environment once at startup.
package gitauth

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cds-git-sync/bridge/internal/cleanup"
)

// KeyManager holds the path to a private key materialized from the
// SSH_PRIVATE_KEY environment variable. The zero value (no key loaded) is
// valid: SSHCommandEnv then falls back to /dev/null, matching the teacher's
// own behavior when no SSH auth is configured.
type KeyManager struct {
	keyPath        string
	knownHostsPath string
}

// NewKeyManager reads the PEM in the SSH_PRIVATE_KEY environment variable
// (if set), writes it to a 0600 temporary file, and registers that file for
// removal on process exit. Absence of the variable is not an error: it is
// warnable but non-fatal (SPEC_FULL.md §6), since pushes over HTTPS still
// work.
func NewKeyManager(knownHostsPath string) (*KeyManager, error) {
	km := &KeyManager{knownHostsPath: knownHostsPath}

	pem, ok := os.LookupEnv("SSH_PRIVATE_KEY")
	if !ok || pem == "" {
		return km, nil
	}

	f, err := os.CreateTemp("", "cds-git-sync-deploy-key-*")
	if err != nil {
		return nil, fmt.Errorf("unable to create temp file for ssh key: %w", err)
	}

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("unable to chmod ssh key temp file: %w", err)
	}

	if _, err := f.WriteString(pem); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("unable to write ssh key temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("unable to close ssh key temp file: %w", err)
	}

	km.keyPath = f.Name()
	cleanup.Register("ssh-key-unlink", func() {
		_ = os.Remove(km.keyPath)
	})

	return km, nil
}

// Loaded reports whether a key was materialized from the environment.
func (km *KeyManager) Loaded() bool {
	return km != nil && km.keyPath != ""
}

// SSHCommandEnv returns the GIT_SSH_COMMAND=... environment line to pass to
// a single git subprocess invocation. When no known_hosts path was given,
// host key checking is disabled: the deploy key is ephemeral and scoped to
// one relay's connectors, a tradeoff accepted rather than provisioning
// known_hosts per remote. With a path, ssh checks hosts against that file.
func (km *KeyManager) SSHCommandEnv() string {
	keyPath := "/dev/null"
	if km.Loaded() {
		keyPath = km.keyPath
	}

	knownHosts := "-o UserKnownHostsFile=/dev/null -o StrictHostKeyChecking=no"
	if km.knownHostsPath != "" {
		knownHosts = fmt.Sprintf("-o UserKnownHostsFile=%s", km.knownHostsPath)
	}

	return fmt.Sprintf(`GIT_SSH_COMMAND=ssh -q -F none -o IdentitiesOnly=yes -o IdentityFile=%s %s`,
		filepath.ToSlash(keyPath), knownHosts)
}
