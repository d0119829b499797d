package snapshot

import "context"

// Repository persists snapshots, restorations and their content items.
// Find methods return (nil, nil) when nothing matches. Every write commits
// before returning.
type Repository interface {
	CreateSnapshot(ctx context.Context, s *Snapshot) error
	FindSnapshot(ctx context.Context, name string) (*Snapshot, error)
	FindSnapshotByAlternateID(ctx context.Context, altID string) (*Snapshot, error)
	FindSnapshotsByStatus(ctx context.Context, status Status) ([]*Snapshot, error)
	FindSnapshotsBySourceHost(ctx context.Context, host string) ([]*Snapshot, error)
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	AddAlternateIDs(ctx context.Context, name string, ids []string) error

	FindContentItem(ctx context.Context, snapshotName, contentIDHash string) (*ContentItem, error)
	InsertContentItem(ctx context.Context, item *ContentItem) error
	CountContentItems(ctx context.Context, snapshotName string) (int, error)

	AppendHistory(ctx context.Context, kind Kind, key string, entry HistoryEntry) error
	History(ctx context.Context, kind Kind, key string) ([]HistoryEntry, error)

	CreateRestoration(ctx context.Context, r *Restoration) error
	FindRestoration(ctx context.Context, id int64) (*Restoration, error)
	SaveRestoration(ctx context.Context, r *Restoration) error
}
