package main

import (
	"os"
	"path/filepath"
)

// cleanupOrphanedRepos deletes repo working directories under
// <dataDir>/repos/<relay_id>/<folder_id> that no connector in config
// references any more, having been removed from the connector config while
// the process was down. Any removal while the process is running is handled
// by the config reload path picking up new connectors and simply not
// re-syncing dropped ones; this is a best-effort sweep run once at startup,
// grounded on the teacher's own once-at-startup orphan sweep.
func cleanupOrphanedRepos(dataDir string, connectors []ConnectorConfig) {
	reposRoot := filepath.Join(dataDir, "repos")

	known := make(map[string]bool, len(connectors))
	for _, c := range connectors {
		known[c.RelayID+"/"+c.SharedFolderID] = true
	}

	relayEntries, err := os.ReadDir(reposRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("unable to read repos root dir for cleanup", "err", err)
		}
		return
	}

	for _, relayEntry := range relayEntries {
		if !relayEntry.IsDir() {
			continue
		}

		folderEntries, err := os.ReadDir(filepath.Join(reposRoot, relayEntry.Name()))
		if err != nil {
			logger.Error("unable to read relay dir for cleanup", "relay_id", relayEntry.Name(), "err", err)
			continue
		}

		for _, folderEntry := range folderEntries {
			if !folderEntry.IsDir() {
				continue
			}

			key := relayEntry.Name() + "/" + folderEntry.Name()
			if known[key] {
				continue
			}

			fullPath := filepath.Join(reposRoot, relayEntry.Name(), folderEntry.Name())
			if _, err := os.Stat(filepath.Join(fullPath, ".git")); err != nil {
				// not a repo dir we created, leave it alone
				continue
			}

			logger.Info("removing orphaned repo dir...", "path", fullPath)
			if err := os.RemoveAll(fullPath); err != nil {
				logger.Error("unable to remove orphaned repo dir", "path", fullPath, "err", err)
			}
		}
	}
}
