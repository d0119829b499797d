package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rowjay/snapshot-bridge/internal/cryptoutil"
)

const (
	envPrefix  = "SNAPBRIDGE"
	envConfig  = envPrefix + "_CONFIG"
	envKey     = envPrefix + "_CONFIG_KEY"
	configBase = "snapbridge"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved := resolveConfigPath(path)
	if resolved != "" {
		if err := readConfig(vp, resolved); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

func readConfig(vp *viper.Viper, path string) error {
	if !isEncryptedPath(path) {
		vp.SetConfigFile(path)
		if err := vp.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	vp.SetConfigType(configTypeFromPath(path))
	key := os.Getenv(envKey)
	if key == "" {
		key = vp.GetString("global.config_passphrase")
	}
	if key == "" {
		return errors.New("config file is encrypted but " + envKey + " is not set")
	}
	plain, err := decryptConfig(data, key)
	if err != nil {
		return fmt.Errorf("decrypt config: %w", err)
	}
	if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if envPath := os.Getenv(envConfig); envPath != "" {
		return envPath
	}

	candidates := []string{
		configBase + ".yaml",
		configBase + ".yml",
		configBase + ".toml",
		configBase + ".json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	base := filepath.Join(configDir, configBase)
	for _, c := range candidates {
		for _, p := range []string{filepath.Join(base, c), filepath.Join(base, c+".enc")} {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(path, ".enc"), ".encrypted")
	switch filepath.Ext(trimmed) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "30m")
	vp.SetDefault("global.retry_count", 3)
	vp.SetDefault("global.retry_backoff", "5s")
	vp.SetDefault("store.path", "snapbridge.db")
	vp.SetDefault("bridge.content_root_dir", "./snapshots")
	vp.SetDefault("bridge.metadata_space", "snapshot-metadata")
	vp.SetDefault("remote.backend", "local")
	vp.SetDefault("remote.local.path", "./spaces")
	vp.SetDefault("finalize.interval", "1h")
	vp.SetDefault("finalize.parallelism", 1)
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 30 * time.Minute
	}
	if cfg.Global.RetryBackoff == 0 {
		cfg.Global.RetryBackoff = 5 * time.Second
	}
	if cfg.Finalize.Interval <= 0 {
		cfg.Finalize.Interval = time.Hour
	}
	if cfg.Finalize.Parallelism < 1 {
		cfg.Finalize.Parallelism = 1
	}
	if cfg.Finalize.LockFile == "" {
		cfg.Finalize.LockFile = filepath.Join(os.TempDir(), configBase+"-finalize.lock")
	}
	cfg.Remote.Backend = strings.ToLower(cfg.Remote.Backend)
}

func expandEnv(cfg *Config) {
	cfg.Bridge.Username = os.ExpandEnv(cfg.Bridge.Username)
	cfg.Bridge.Password = os.ExpandEnv(cfg.Bridge.Password)
	cfg.Bridge.ArchiveEncryptionKey = os.ExpandEnv(cfg.Bridge.ArchiveEncryptionKey)
	cfg.Store.Path = os.ExpandEnv(cfg.Store.Path)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
