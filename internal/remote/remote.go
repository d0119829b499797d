// Package remote talks to the storage backends that hold snapshot spaces.
package remote

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/snapshot-bridge/internal/config"
	"github.com/rowjay/snapshot-bridge/internal/manifest"
	"github.com/rowjay/snapshot-bridge/internal/snapshot"
)

// Task names understood by task clients.
const (
	TaskCleanupSnapshot  = "cleanup-snapshot"
	TaskCompleteSnapshot = "complete-snapshot"
)

type ObjectInfo struct {
	ContentID string
	Checksum  string
	Size      int64
	Modified  time.Time
}

// ContentStore reads and writes the content of spaces on one endpoint.
type ContentStore interface {
	Put(ctx context.Context, spaceID, contentID string, r io.Reader, size int64, contentType, checksum string) error
	// List returns every object in the space. A missing space lists empty.
	List(ctx context.Context, spaceID string) ([]ObjectInfo, error)
}

type TaskResult struct {
	Task    string `json:"task"`
	SpaceID string `json:"spaceId"`
	Result  string `json:"result"`
}

// TaskClient runs snapshot housekeeping tasks against a space.
type TaskClient interface {
	// CleanupSnapshot schedules removal of every item in the space.
	CleanupSnapshot(ctx context.Context, spaceID string) (TaskResult, error)
	// CompleteSnapshot retires a space whose cleanup has drained it.
	CompleteSnapshot(ctx context.Context, spaceID string) (TaskResult, error)
}

// Factory builds per-operation clients for an endpoint.
type Factory interface {
	ContentStore(ep snapshot.EndPoint) (ContentStore, error)
	TaskClient(ep snapshot.EndPoint) (TaskClient, error)
	Generator(ep snapshot.EndPoint) (manifest.Generator, error)
}

type Credentials struct {
	Username string
	Password string
}

// FileHasher digests a local file.
type FileHasher interface {
	File(path string) (string, error)
}

// Clients is the Factory backed by configuration.
type Clients struct {
	cfg    config.RemoteConfig
	creds  Credentials
	hasher FileHasher
	log    zerolog.Logger
}

var _ Factory = (*Clients)(nil)

func New(cfg config.RemoteConfig, creds Credentials, hasher FileHasher, log zerolog.Logger) *Clients {
	return &Clients{cfg: cfg, creds: creds, hasher: hasher, log: log.With().Str("component", "remote").Logger()}
}

func (c *Clients) ContentStore(ep snapshot.EndPoint) (ContentStore, error) {
	switch c.cfg.Backend {
	case "local", "":
		return NewLocal(c.localRoot(ep), c.hasher), nil
	case "s3":
		return NewS3(c.s3Options(ep))
	default:
		return nil, fmt.Errorf("unsupported remote backend: %s", c.cfg.Backend)
	}
}

func (c *Clients) TaskClient(ep snapshot.EndPoint) (TaskClient, error) {
	if c.cfg.TaskPath != "" {
		return NewHTTPTaskClient(c.baseURL(ep), c.cfg.TaskPath, c.creds, nil), nil
	}
	switch c.cfg.Backend {
	case "local", "":
		return NewLocal(c.localRoot(ep), c.hasher), nil
	case "s3":
		return NewS3(c.s3Options(ep))
	default:
		return nil, fmt.Errorf("unsupported remote backend: %s", c.cfg.Backend)
	}
}

func (c *Clients) Generator(ep snapshot.EndPoint) (manifest.Generator, error) {
	store, err := c.ContentStore(ep)
	if err != nil {
		return nil, err
	}
	return NewStitchedGenerator(store, c.cfg.SegmentsDir, c.log), nil
}

func (c *Clients) localRoot(ep snapshot.EndPoint) string {
	return filepath.Join(c.cfg.Local.Path, ep.StoreID)
}

func (c *Clients) s3Options(ep snapshot.EndPoint) S3Options {
	return S3Options{
		Endpoint:        fmt.Sprintf("%s:%d", ep.Host, ep.Port),
		Region:          c.cfg.Region,
		AccessKey:       c.creds.Username,
		SecretKey:       c.creds.Password,
		UseSSL:          c.cfg.UseSSL,
		TLSInsecureSkip: c.cfg.TLSInsecureSkip,
	}
}

func (c *Clients) baseURL(ep snapshot.EndPoint) string {
	scheme := "http"
	if c.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, ep.Host, ep.Port)
}
