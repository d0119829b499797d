// Package tracker records which content ids a snapshot has captured.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rowjay/snapshot-bridge/internal/snapshot"
)

// Hasher digests a content id. Implementations must serialize their own
// access; checksum.Service does.
type Hasher interface {
	String(v string) string
}

type Tracker struct {
	repo   snapshot.Repository
	hasher Hasher
}

func New(repo snapshot.Repository, hasher Hasher) *Tracker {
	return &Tracker{repo: repo, hasher: hasher}
}

// Add records contentID for snap unless an item with the same content-id
// hash exists. It reports whether a new item was stored.
func (t *Tracker) Add(ctx context.Context, snap *snapshot.Snapshot, contentID string, props map[string]string) (bool, error) {
	hash := t.hasher.String(contentID)

	existing, err := t.repo.FindContentItem(ctx, snap.Name, hash)
	if err != nil {
		return false, &snapshot.OperationError{Op: "add content item", Key: snap.Name, Err: err}
	}
	if existing != nil {
		return false, nil
	}

	metadata, err := SerializeProperties(props)
	if err != nil {
		return false, &snapshot.OperationError{Op: "add content item", Key: snap.Name, Err: err}
	}
	item := &snapshot.ContentItem{
		SnapshotName:  snap.Name,
		ContentID:     contentID,
		ContentIDHash: hash,
		Metadata:      metadata,
	}
	if err := t.repo.InsertContentItem(ctx, item); err != nil {
		return false, &snapshot.OperationError{Op: "add content item", Key: snap.Name, Err: err}
	}
	return true, nil
}

// Import adds every record of the content-properties inventory in r and
// reports how many new items were stored.
func (t *Tracker) Import(ctx context.Context, snap *snapshot.Snapshot, r io.Reader) (int, error) {
	added := 0
	err := ReadInventory(r, func(rec ContentProperties) error {
		ok, err := t.Add(ctx, snap, rec.ContentID, rec.Properties)
		if ok {
			added++
		}
		return err
	})
	return added, err
}

func (t *Tracker) Count(ctx context.Context, snapshotName string) (int, error) {
	return t.repo.CountContentItems(ctx, snapshotName)
}

// Properties returns the properties recorded for contentID. ok is false
// when the snapshot never captured it.
func (t *Tracker) Properties(ctx context.Context, snapshotName, contentID string) (props map[string]string, ok bool, err error) {
	item, err := t.repo.FindContentItem(ctx, snapshotName, t.hasher.String(contentID))
	if err != nil || item == nil {
		return nil, false, err
	}
	props, err = DeserializeProperties(item.Metadata)
	if err != nil {
		return nil, false, err
	}
	return props, true, nil
}

// SerializeProperties renders props as JSON with sorted keys. A nil map
// serializes as an empty object.
func SerializeProperties(props map[string]string) (string, error) {
	if props == nil {
		props = map[string]string{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("serialize properties: %w", err)
	}
	return string(data), nil
}

func DeserializeProperties(data string) (map[string]string, error) {
	props := map[string]string{}
	if data == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(data), &props); err != nil {
		return nil, fmt.Errorf("deserialize properties: %w", err)
	}
	return props, nil
}
