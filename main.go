package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cds-git-sync/bridge/cdsclient"
	"github.com/cds-git-sync/bridge/committer"
	"github.com/cds-git-sync/bridge/internal/cleanup"
	"github.com/cds-git-sync/bridge/internal/metrics"
	"github.com/cds-git-sync/bridge/pkg/gitauth"
	"github.com/cds-git-sync/bridge/queue"
	"github.com/cds-git-sync/bridge/resource"
	"github.com/cds-git-sync/bridge/store"
	"github.com/cds-git-sync/bridge/sync"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func envString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if ok {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
		return fallback
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func usage() {
	fmt.Fprintf(os.Stderr, "NAME:\n")
	fmt.Fprintf(os.Stderr, "\tcds-git-sync - bridges a CDS relay's shared folders to Git repositories.\n")
	fmt.Fprintf(os.Stderr, "\nUsage:\n")
	fmt.Fprintf(os.Stderr, "\tcds-git-sync [global options]\n")
	fmt.Fprintf(os.Stderr, "\nGLOBAL OPTIONS:\n")
	fmt.Fprintf(os.Stderr, "\t-log-level value              (default: 'info') Log level [$LOG_LEVEL]\n")
	fmt.Fprintf(os.Stderr, "\t-data-dir value                (default: '$TMPDIR/cds-git-sync') Directory for repo working trees and state files [$CDS_GIT_SYNC_DATA_DIR]\n")
	fmt.Fprintf(os.Stderr, "\t-connector-config value        (default: '/etc/cds-git-sync/connectors.toml') Absolute path to the connector config file [$CDS_GIT_SYNC_CONNECTOR_CONFIG]\n")
	fmt.Fprintf(os.Stderr, "\t-watch-config value            (default: true) watch connector config for changes and reload when changed [$CDS_GIT_SYNC_WATCH_CONFIG]\n")
	fmt.Fprintf(os.Stderr, "\t-http-bind-address value       (default: ':9001') The address the web server binds to [$CDS_GIT_SYNC_HTTP_BIND]\n")
	fmt.Fprintf(os.Stderr, "\t-commit-interval value         (default: '10s') How often the committer checks for changes to commit/push [$CDS_GIT_SYNC_COMMIT_INTERVAL]\n")
	fmt.Fprintf(os.Stderr, "\t-one-time                      (default: false) Perform one reconciliation pass of every connector and exit [$CDS_GIT_SYNC_ONE_TIME]\n")
	fmt.Fprintf(os.Stderr, "\t-webhook-path value            (default: '/cds-webhook') The path on which the webserver receives CDS change-notification webhooks [$CDS_GIT_SYNC_WEBHOOK_PATH]\n")
	fmt.Fprintf(os.Stderr, "\t-webhook-secret value          (default: '') The shared secret used to validate webhook HMAC signatures [$CDS_GIT_SYNC_WEBHOOK_SECRET]\n")
	fmt.Fprintf(os.Stderr, "\t-cds-base-url value            (default: '') Base URL of the CDS HTTP API [$CDS_BASE_URL]\n")
	fmt.Fprintf(os.Stderr, "\t-cds-service-token-key value   (default: '') Path to the RSA private key PEM used to sign outbound CDS requests [$CDS_SERVICE_TOKEN_KEY]\n")
	fmt.Fprintf(os.Stderr, "\t-cds-rate-limit value          (default: 10) Outbound CDS requests per second [$CDS_RATE_LIMIT]\n")
	fmt.Fprintf(os.Stderr, "\t-cds-burst value               (default: 20) Outbound CDS request burst allowance [$CDS_BURST]\n")
	fmt.Fprintf(os.Stderr, "\t-ssh-known-hosts value         (default: '') Path to a known_hosts file for SSH git remotes [$SSH_KNOWN_HOSTS_PATH]\n")

	os.Exit(2)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	flagLogLevel := flag.String("log-level", envString("LOG_LEVEL", "info"), "Log level")
	flagDataDir := flag.String("data-dir", envString("CDS_GIT_SYNC_DATA_DIR", path.Join(os.TempDir(), "cds-git-sync")), "Directory for repo working trees and state files")
	flagConnectorConfig := flag.String("connector-config", envString("CDS_GIT_SYNC_CONNECTOR_CONFIG", "/etc/cds-git-sync/connectors.toml"), "Absolute path to the connector config file")
	flagWatchConfig := flag.Bool("watch-config", envBool("CDS_GIT_SYNC_WATCH_CONFIG", true), "watch connector config for changes and reload when changed")
	flagHTTPBind := flag.String("http-bind-address", envString("CDS_GIT_SYNC_HTTP_BIND", ":9001"), "The address the web server binds to")
	flagCommitInterval := flag.Duration("commit-interval", envDuration("CDS_GIT_SYNC_COMMIT_INTERVAL", committer.DefaultInterval), "How often the committer checks for changes to commit/push")
	flagOneTime := flag.Bool("one-time", envBool("CDS_GIT_SYNC_ONE_TIME", false), "Perform one reconciliation pass of every connector and exit")
	flagWebhookPath := flag.String("webhook-path", envString("CDS_GIT_SYNC_WEBHOOK_PATH", "/cds-webhook"), "The path on which the webserver receives CDS change-notification webhooks")
	flagWebhookSecret := flag.String("webhook-secret", envString("CDS_GIT_SYNC_WEBHOOK_SECRET", ""), "The shared secret used to validate webhook HMAC signatures")
	flagCDSBaseURL := flag.String("cds-base-url", envString("CDS_BASE_URL", ""), "Base URL of the CDS HTTP API")
	flagCDSTokenKey := flag.String("cds-service-token-key", envString("CDS_SERVICE_TOKEN_KEY", ""), "Path to the RSA private key PEM used to sign outbound CDS requests")
	flagCDSRateLimit := flag.Float64("cds-rate-limit", envFloat("CDS_RATE_LIMIT", 10), "Outbound CDS requests per second")
	flagCDSBurst := flag.Int("cds-burst", envInt("CDS_BURST", 20), "Outbound CDS request burst allowance")
	flagSSHKnownHosts := flag.String("ssh-known-hosts", envString("SSH_KNOWN_HOSTS_PATH", ""), "Path to a known_hosts file for SSH git remotes")
	flagVersion := flag.Bool("version", false, "cds-git-sync version")

	flag.Usage = usage
	flag.Parse()

	info, _ := debug.ReadBuildInfo()

	if *flagVersion || (flag.NArg() == 1 && flag.Arg(0) == "version") {
		fmt.Printf("version=%s go=%s\n", info.Main.Version, info.GoVersion)
		return
	}

	if v, ok := levelStrings[strings.ToLower(*flagLogLevel)]; ok {
		loggerLevel.Set(v)
	}

	logger.Info("version", "app", info.Main.Version, "go", info.GoVersion)
	logger.Info("config", "connector_config", *flagConnectorConfig, "watch", *flagWatchConfig, "data_dir", *flagDataDir)

	metrics.Enable("cds_git_sync", prometheus.DefaultRegisterer)
	prometheus.MustRegister(configSuccess, configSuccessTime)

	conf, err := parseConfigFile(*flagConnectorConfig)
	if err != nil {
		logger.Error("unable to parse connector config file", "err", err)
		os.Exit(1)
	}

	keys, err := gitauth.NewKeyManager(*flagSSHKnownHosts)
	if err != nil {
		logger.Error("unable to set up git ssh auth", "err", err)
		os.Exit(1)
	}

	index := resource.NewIndex()
	st := store.New(*flagDataDir, logger.With("logger", "store"), keys, index)

	var signer *cdsclient.ServiceSigner
	if *flagCDSTokenKey != "" {
		signer, err = cdsclient.NewServiceSigner(*flagCDSTokenKey, "cds-git-sync")
		if err != nil {
			logger.Error("unable to set up CDS service signer", "err", err)
			os.Exit(1)
		}
	}
	cds := cdsclient.NewHTTPClient(*flagCDSBaseURL, signer, *flagCDSRateLimit, *flagCDSBurst)

	engine := sync.New(st, cds, logger.With("logger", "sync"))
	commit := committer.New(st, *flagCommitInterval, logger.With("logger", "committer"))
	q := queue.New(engine, commit.MarkChanged, logger.With("logger", "queue"))

	relaysSeen := make(map[string]bool)
	for _, conn := range conf.Connectors {
		if err := st.EnsureRepo(ctx, conn.RepoRef()); err != nil {
			logger.Error("unable to ensure repo for connector", "relay_id", conn.RelayID, "folder_id", conn.SharedFolderID, "err", err)
			continue
		}
		if !relaysSeen[conn.RelayID] {
			st.Load(conn.RelayID)
			relaysSeen[conn.RelayID] = true
		}
	}

	// perform 1st reconciliation synchronously for every connector to
	// indicate readiness, same rationale as the teacher's initial mirror
	// before entering the loop.
	allSucceed := true
	for _, conn := range conf.Connectors {
		initCtx, initCancel := context.WithTimeout(ctx, 2*time.Minute)
		_, err := engine.ProcessSyncRequest(initCtx, queue.SyncRequest{RelayID: conn.RelayID, ResourceID: conn.SharedFolderID})
		initCancel()
		if err != nil {
			allSucceed = false
			logger.Error("initial sync failed", "relay_id", conn.RelayID, "folder_id", conn.SharedFolderID, "err", err)
		}
	}

	if *flagOneTime {
		logger.Info("exiting after first reconciliation pass")
		cleanup.Run()
		if !allSucceed {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cleanupOrphanedRepos(*flagDataDir, conf.Connectors)

	go q.Run(ctx)
	go commit.Run(ctx)

	onConfigChange := func(newConf *Config) {
		for _, conn := range newConf.Connectors {
			if err := st.EnsureRepo(ctx, conn.RepoRef()); err != nil {
				logger.Error("unable to ensure repo for connector", "relay_id", conn.RelayID, "folder_id", conn.SharedFolderID, "err", err)
				continue
			}
			st.Load(conn.RelayID)
			q.EnqueueSyncRequest(queue.SyncRequest{RelayID: conn.RelayID, ResourceID: conn.SharedFolderID})
		}
	}

	go WatchConfig(ctx, *flagConnectorConfig, *flagWatchConfig, 10*time.Second, onConfigChange)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if *flagWebhookSecret != "" {
		wh := &WebhookHandler{
			queue:  q,
			secret: *flagWebhookSecret,
			log:    logger.With("logger", "webhook"),
		}
		logger.Info("registering cds webhook", "path", *flagWebhookPath)
		mux.Handle(*flagWebhookPath, wh)
	}

	server := &http.Server{
		Addr:              *flagHTTPBind,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       5 * time.Second,
		ReadHeaderTimeout: 1 * time.Second,
	}

	go func() {
		logger.Info("starting web server", "addr", *flagHTTPBind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server terminated", "err", err)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown http server", "err", err)
	}
	shutdownCancel()
	cancel()
	cleanup.Run()

	select {
	case <-commit.Stopped():
		logger.Info("committer stopped")
		os.Exit(0)

	case <-stop:
		logger.Info("second signal received, terminating")
		os.Exit(1)
	}
}
