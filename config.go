package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cds-git-sync/bridge/giturl"
	"github.com/cds-git-sync/bridge/store"
)

const (
	defaultBranch     = "main"
	defaultRemoteName = "origin"
)

var (
	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cds_git_sync_config_last_reload_successful",
		Help: "Whether the last connector configuration reload attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cds_git_sync_config_last_reload_success_timestamp_seconds",
		Help: "Timestamp of the last successful connector configuration reload.",
	})
)

// ConnectorConfig pairs one CDS relay folder with a Git remote (SPEC_FULL.md
// §6). It is the unit a reload adds or removes.
type ConnectorConfig struct {
	SharedFolderID string `toml:"shared_folder_id"`
	RelayID        string `toml:"relay_id"`
	URL            string `toml:"url"`
	Branch         string `toml:"branch"`
	RemoteName     string `toml:"remote_name"`
	Prefix         string `toml:"prefix"`
}

// RepoRef builds the store.RepoRef this connector registers on EnsureRepo.
func (c ConnectorConfig) RepoRef() store.RepoRef {
	return store.RepoRef{
		RelayID:    c.RelayID,
		FolderID:   c.SharedFolderID,
		URL:        c.URL,
		Branch:     c.Branch,
		RemoteName: c.RemoteName,
		Prefix:     c.Prefix,
	}
}

// Config is the connector configuration file's top-level shape.
type Config struct {
	Connectors []ConnectorConfig `toml:"connectors"`
}

// validateAndApplyDefaults fills in branch/remote_name defaults and checks
// the invariants SPEC_FULL.md §6 and §8 require: a non-empty relay_id,
// shared_folder_id, and url with one of the allowed schemes, and
// (relay_id, shared_folder_id) uniqueness across the whole file.
func (c *Config) validateAndApplyDefaults() error {
	seen := make(map[string]bool, len(c.Connectors))

	for i := range c.Connectors {
		conn := &c.Connectors[i]

		if conn.RelayID == "" {
			return fmt.Errorf("connector %d: relay_id is required", i)
		}
		if conn.SharedFolderID == "" {
			return fmt.Errorf("connector %d: shared_folder_id is required", i)
		}
		if err := validateConnectorURL(conn.URL); err != nil {
			return fmt.Errorf("connector %d (%s/%s): %w", i, conn.RelayID, conn.SharedFolderID, err)
		}

		if conn.Branch == "" {
			conn.Branch = defaultBranch
		}
		if conn.RemoteName == "" {
			conn.RemoteName = defaultRemoteName
		}

		key := conn.RelayID + "/" + conn.SharedFolderID
		if seen[key] {
			return fmt.Errorf("duplicate connector for relay_id=%s shared_folder_id=%s", conn.RelayID, conn.SharedFolderID)
		}
		seen[key] = true
	}

	return nil
}

// validateConnectorURL delegates to giturl's scp/ssh/https/http classifiers,
// the same parser the teacher used for its own remote-equality checks, so a
// connector's url is rejected at config-load time with the same scrutiny
// (host, path, repo name) the teacher applied to mirrored remotes.
func validateConnectorURL(url string) error {
	if url == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := giturl.Parse(url)
	if err != nil {
		return fmt.Errorf("url %q must be a valid http://, https://, git@, or ssh:// remote: %w", url, err)
	}
	// SPEC_FULL.md §6 doesn't admit file:// remotes, even though giturl
	// (built for mirroring arbitrary remotes) parses them fine.
	if parsed.Scheme == "local" {
		return fmt.Errorf("url %q must be a remote http://, https://, git@, or ssh:// url, not a local path", url)
	}
	return nil
}

// parseConfigFile strict-decodes path as TOML (any key the ConnectorConfig/
// Config shapes don't recognize is a startup error, per SPEC_FULL.md §10)
// and validates the result.
func parseConfigFile(path string) (*Config, error) {
	var conf Config
	meta, err := toml.DecodeFile(path, &conf)
	if err != nil {
		return nil, fmt.Errorf("unable to decode connector config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unexpected key(s) in connector config: %v", undecoded)
	}

	if err := conf.validateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("invalid connector config: %w", err)
	}

	return &conf, nil
}

// WatchConfig polls path's mtime every interval and reloads it on change,
// following the teacher's loadConfig/WatchConfig split: a changed, invalid
// file is logged and the previously loaded configuration stays in force
// (SPEC_FULL.md §6/§7 ConfigError).
func WatchConfig(ctx context.Context, path string, watchConfig bool, interval time.Duration, onChange func(*Config)) {
	var lastModTime time.Time

	for {
		var success bool
		lastModTime, success = loadConfigOnce(path, lastModTime, onChange)
		if success {
			configSuccess.Set(1)
			configSuccessTime.SetToCurrentTime()
		} else {
			configSuccess.Set(0)
		}

		if !watchConfig {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func loadConfigOnce(path string, lastModTime time.Time, onChange func(*Config)) (time.Time, bool) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		logger.Error("unable to stat connector config file", "err", err)
		return lastModTime, false
	}

	modTime := fileInfo.ModTime()
	if modTime.Equal(lastModTime) {
		return lastModTime, true
	}

	logger.Info("reloading connector config...")

	newConfig, err := parseConfigFile(path)
	if err != nil {
		logger.Error("failed to reload connector config, keeping previous configuration", "err", err)
		// advance modTime regardless, so an unchanged-but-still-broken
		// file isn't re-parsed every tick
		return modTime, false
	}

	onChange(newConfig)
	return modTime, true
}
