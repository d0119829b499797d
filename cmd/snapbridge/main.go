package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rowjay/snapshot-bridge/internal/checksum"
	"github.com/rowjay/snapshot-bridge/internal/config"
	"github.com/rowjay/snapshot-bridge/internal/cryptoutil"
	"github.com/rowjay/snapshot-bridge/internal/lifecycle"
	"github.com/rowjay/snapshot-bridge/internal/logging"
	"github.com/rowjay/snapshot-bridge/internal/notify"
	"github.com/rowjay/snapshot-bridge/internal/remote"
	"github.com/rowjay/snapshot-bridge/internal/snapshot"
	"github.com/rowjay/snapshot-bridge/internal/store"
	"github.com/rowjay/snapshot-bridge/internal/util"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	StorePath           string
	ContentRoot         string
	MetadataSpace       string
	Remote              string
	RemotePath          string
	SegmentsDir         string
	TaskPath            string
	Username            string
	Password            string
	ArchiveKey          string
	VerifyBeforeCleanup string
	Parallelism         int
	MetricsListen       string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:           "snapbridge",
		Short:         "Snapshot bridge between a content store and an archive tier",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.StorePath, "store-path", "", "SQLite database file")
	rootCmd.PersistentFlags().StringVar(&overrides.ContentRoot, "content-root", "", "Directory holding snapshot working directories")
	rootCmd.PersistentFlags().StringVar(&overrides.MetadataSpace, "metadata-space", "", "Space receiving metadata archives")
	rootCmd.PersistentFlags().StringVar(&overrides.Remote, "remote", "", "Remote backend (local, s3)")
	rootCmd.PersistentFlags().StringVar(&overrides.RemotePath, "remote-path", "", "Root directory of the local remote backend")
	rootCmd.PersistentFlags().StringVar(&overrides.SegmentsDir, "segments-dir", "", "Directory of manifest segment files")
	rootCmd.PersistentFlags().StringVar(&overrides.TaskPath, "task-path", "", "HTTP task endpoint path on the source host")
	rootCmd.PersistentFlags().StringVar(&overrides.Username, "username", "", "Remote username")
	rootCmd.PersistentFlags().StringVar(&overrides.Password, "password", "", "Remote password")
	rootCmd.PersistentFlags().StringVar(&overrides.ArchiveKey, "archive-key", "", "Key (base64 or hex) sealing metadata archives")
	rootCmd.PersistentFlags().StringVar(&overrides.VerifyBeforeCleanup, "verify-before-cleanup", "", "Verify manifests before cleanup (true/false)")
	rootCmd.PersistentFlags().IntVar(&overrides.Parallelism, "parallelism", 0, "Snapshots finalized concurrently")
	rootCmd.PersistentFlags().StringVar(&overrides.MetricsListen, "metrics-listen", "", "Address serving /metrics (serve only)")

	rootCmd.AddCommand(newCreateCmd(root, overrides))
	rootCmd.AddCommand(newImportCmd(root, overrides))
	rootCmd.AddCommand(newTransferCompleteCmd(root, overrides))
	rootCmd.AddCommand(newFinalizeCmd(root, overrides))
	rootCmd.AddCommand(newServeCmd(root, overrides))
	rootCmd.AddCommand(newVerifyCmd(root, overrides))
	rootCmd.AddCommand(newCompleteCmd(root, overrides))
	rootCmd.AddCommand(newGetCmd(root, overrides))
	rootCmd.AddCommand(newItemCmd(root, overrides))
	rootCmd.AddCommand(newHistoryCmd(root, overrides))
	rootCmd.AddCommand(newAlternateIDsCmd(root, overrides))
	rootCmd.AddCommand(newListCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, snapshot.ErrNotFound) {
		return 2
	}
	return 1
}

// bridge is the wired application a command runs against.
type bridge struct {
	cfg    *config.Config
	log    zerolog.Logger
	repo   *store.SQLite
	sums   *checksum.Service
	engine *lifecycle.Engine
}

func openBridge(root *rootFlags, overrides *overrideFlags) (*bridge, error) {
	cfg, err := loadConfig(root, overrides)
	if err != nil {
		return nil, err
	}
	logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

	archiveKey, err := cryptoutil.OptionalKey(cfg.Bridge.ArchiveEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("archive encryption key: %w", err)
	}
	repo, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	sums := checksum.NewMD5()
	clients := remote.New(cfg.Remote, remote.Credentials{
		Username: cfg.Bridge.Username,
		Password: cfg.Bridge.Password,
	}, sums, logger)

	engine := lifecycle.New(lifecycle.Deps{
		Repo:      repo,
		Checksums: sums,
		Remote:    clients,
		Notifier:  notify.FromConfig(cfg.Notifications, logger),
		Log:       logger,
	}, lifecycle.Options{
		ContentRoot:         cfg.Bridge.ContentRootDir,
		MetadataSpace:       cfg.Bridge.MetadataSpace,
		OperatorEmails:      cfg.Bridge.OperatorEmails,
		VerifyBeforeCleanup: cfg.Bridge.VerifyBeforeCleanup,
		ArchiveKey:          archiveKey,
		Parallelism:         cfg.Finalize.Parallelism,
	})
	return &bridge{cfg: cfg, log: logger, repo: repo, sums: sums, engine: engine}, nil
}

func (b *bridge) Close() {
	b.sums.Close()
	if err := b.repo.Close(); err != nil {
		b.log.Warn().Err(err).Msg("failed to close store")
	}
}

// run opens the bridge and calls fn under the operation timeout.
func run(root *rootFlags, overrides *overrideFlags, fn func(ctx context.Context, b *bridge) error) error {
	b, err := openBridge(root, overrides)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Global.OperationTimeout)
	defer cancel()
	return fn(ctx, b)
}

// retry repeats fn on transient failures. Missing records, conflicts,
// rejected transitions and failed verification are final.
func (b *bridge) retry(ctx context.Context, fn func() error) error {
	return util.RetryIf(ctx, b.cfg.Global.RetryCount, b.cfg.Global.RetryBackoff, retryable, fn)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, snapshot.ErrNotFound),
		errors.Is(err, snapshot.ErrConflict),
		errors.Is(err, snapshot.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrVerificationFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.StorePath != "" {
		cfg.Store.Path = overrides.StorePath
	}
	if overrides.ContentRoot != "" {
		cfg.Bridge.ContentRootDir = overrides.ContentRoot
	}
	if overrides.MetadataSpace != "" {
		cfg.Bridge.MetadataSpace = overrides.MetadataSpace
	}
	if overrides.Username != "" {
		cfg.Bridge.Username = overrides.Username
	}
	if overrides.Password != "" {
		cfg.Bridge.Password = overrides.Password
	}
	if overrides.ArchiveKey != "" {
		cfg.Bridge.ArchiveEncryptionKey = overrides.ArchiveKey
	}
	if overrides.VerifyBeforeCleanup != "" {
		cfg.Bridge.VerifyBeforeCleanup = strings.EqualFold(overrides.VerifyBeforeCleanup, "true") || overrides.VerifyBeforeCleanup == "1"
	}

	if overrides.Remote != "" {
		cfg.Remote.Backend = overrides.Remote
	}
	if overrides.RemotePath != "" {
		cfg.Remote.Local.Path = overrides.RemotePath
	}
	if overrides.SegmentsDir != "" {
		cfg.Remote.SegmentsDir = overrides.SegmentsDir
	}
	if overrides.TaskPath != "" {
		cfg.Remote.TaskPath = overrides.TaskPath
	}

	if overrides.Parallelism > 0 {
		cfg.Finalize.Parallelism = overrides.Parallelism
	}
	if overrides.MetricsListen != "" {
		cfg.Metrics.Listen = overrides.MetricsListen
	}

	cfg.Remote.Backend = strings.ToLower(cfg.Remote.Backend)
}
