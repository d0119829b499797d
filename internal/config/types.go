package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Store         StoreConfig         `mapstructure:"store"`
	Bridge        BridgeConfig        `mapstructure:"bridge"`
	Remote        RemoteConfig        `mapstructure:"remote"`
	Finalize      FinalizeConfig      `mapstructure:"finalize"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
	RetryCount       int           `mapstructure:"retry_count"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"` // sqlite file, or :memory:
}

type BridgeConfig struct {
	ContentRootDir       string   `mapstructure:"content_root_dir"`
	MetadataSpace        string   `mapstructure:"metadata_space"`
	OperatorEmails       []string `mapstructure:"operator_emails"`
	Username             string   `mapstructure:"username"`
	Password             string   `mapstructure:"password"`
	VerifyBeforeCleanup  bool     `mapstructure:"verify_before_cleanup"`
	ArchiveEncryptionKey string   `mapstructure:"archive_encryption_key"`
}

type RemoteConfig struct {
	Backend         string     `mapstructure:"backend"` // local, s3
	UseSSL          bool       `mapstructure:"use_ssl"`
	Region          string     `mapstructure:"region"`
	TLSInsecureSkip bool       `mapstructure:"tls_insecure_skip"`
	Local           LocalStore `mapstructure:"local"`
	SegmentsDir     string     `mapstructure:"segments_dir"`
	// TaskPath, when set, routes cleanup/complete tasks to an HTTP task
	// endpoint on the source host instead of the storage backend.
	TaskPath string `mapstructure:"task_path"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type FinalizeConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Parallelism int           `mapstructure:"parallelism"`
	LockFile    string        `mapstructure:"lock_file"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}
