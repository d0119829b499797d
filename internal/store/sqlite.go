// Package store persists snapshots and restorations in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/rowjay/snapshot-bridge/internal/snapshot"
	"github.com/rowjay/snapshot-bridge/internal/store/migrations"
)

// SQLite implements snapshot.Repository. Every write runs in its own
// transaction and is committed before the call returns.
type SQLite struct {
	db   *sql.DB
	path string
}

var _ snapshot.Repository = (*SQLite)(nil)

// Open connects to the database at path (":memory:" allowed) and applies
// pending migrations.
func Open(path string) (*SQLite, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, path: path}, nil
}

// OpenConnection opens a configured connection without migrating it.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Snapshots

const snapshotColumns = `name, description, status, status_text, source_host, source_port,
	source_store_id, source_space_id, user_email, created_at, modified_at, end_date`

func (s *SQLite) CreateSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO snapshots (`+snapshotColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.Name, snap.Description, string(snap.Status), snap.StatusText,
			snap.Source.Host, snap.Source.Port, snap.Source.StoreID, snap.Source.SpaceID,
			snap.UserEmail, snap.Created.UTC(), snap.Modified.UTC(), nullTime(snap.EndDate))
		if isConstraint(err) {
			return &snapshot.NameConflictError{Name: snap.Name}
		}
		if err != nil {
			return fmt.Errorf("inserting snapshot: %w", err)
		}
		for _, id := range snap.AlternateIDs {
			if err := insertAlternateID(ctx, tx, snap.Name, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) FindSnapshot(ctx context.Context, name string) (*snapshot.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE name = ?`, name)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding snapshot %s: %w", name, err)
	}
	if err := s.hydrate(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLite) FindSnapshotByAlternateID(ctx context.Context, altID string) (*snapshot.Snapshot, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_name FROM snapshot_alternate_ids WHERE alternate_id = ?`, altID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding snapshot by alternate id: %w", err)
	}
	return s.FindSnapshot(ctx, name)
}

func (s *SQLite) FindSnapshotsByStatus(ctx context.Context, status snapshot.Status) ([]*snapshot.Snapshot, error) {
	return s.querySnapshots(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE status = ? ORDER BY created_at, name`, string(status))
}

func (s *SQLite) FindSnapshotsBySourceHost(ctx context.Context, host string) ([]*snapshot.Snapshot, error) {
	return s.querySnapshots(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE source_host = ? ORDER BY created_at, name`, host)
}

func (s *SQLite) SaveSnapshot(ctx context.Context, snap *snapshot.Snapshot) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE snapshots
			SET description = ?, status = ?, status_text = ?, user_email = ?, modified_at = ?, end_date = ?
			WHERE name = ?`,
			snap.Description, string(snap.Status), snap.StatusText, snap.UserEmail,
			snap.Modified.UTC(), nullTime(snap.EndDate), snap.Name)
		if err != nil {
			return fmt.Errorf("updating snapshot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &snapshot.NotFoundError{Kind: snapshot.KindSnapshot, Key: snap.Name}
		}
		return nil
	})
}

// AddAlternateIDs registers ids for the named snapshot in one transaction.
// If any id is owned by another snapshot nothing is registered.
func (s *SQLite) AddAlternateIDs(ctx context.Context, name string, ids []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := insertAlternateID(ctx, tx, name, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertAlternateID(ctx context.Context, tx *sql.Tx, name, id string) error {
	var owner string
	err := tx.QueryRowContext(ctx,
		`SELECT snapshot_name FROM snapshot_alternate_ids WHERE alternate_id = ?`, id).Scan(&owner)
	switch {
	case err == nil && owner == name:
		return nil
	case err == nil:
		return &snapshot.AlternateIDConflictError{ID: id, Owner: owner}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("checking alternate id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_alternate_ids (alternate_id, snapshot_name) VALUES (?, ?)`, id, name); err != nil {
		return fmt.Errorf("inserting alternate id: %w", err)
	}
	return nil
}

// Content items

func (s *SQLite) FindContentItem(ctx context.Context, snapshotName, contentIDHash string) (*snapshot.ContentItem, error) {
	item := &snapshot.ContentItem{}
	err := s.db.QueryRowContext(ctx, `SELECT snapshot_name, content_id, content_id_hash, metadata
		FROM snapshot_content_items WHERE snapshot_name = ? AND content_id_hash = ?`,
		snapshotName, contentIDHash).Scan(&item.SnapshotName, &item.ContentID, &item.ContentIDHash, &item.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding content item: %w", err)
	}
	return item, nil
}

// InsertContentItem stores item. A second insert with the same snapshot and
// hash is ignored.
func (s *SQLite) InsertContentItem(ctx context.Context, item *snapshot.ContentItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO snapshot_content_items
			(snapshot_name, content_id, content_id_hash, metadata) VALUES (?, ?, ?, ?)
			ON CONFLICT (snapshot_name, content_id_hash) DO NOTHING`,
			item.SnapshotName, item.ContentID, item.ContentIDHash, item.Metadata)
		if err != nil {
			return fmt.Errorf("inserting content item: %w", err)
		}
		return nil
	})
}

func (s *SQLite) CountContentItems(ctx context.Context, snapshotName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshot_content_items WHERE snapshot_name = ?`, snapshotName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting content items: %w", err)
	}
	return n, nil
}

// History

func (s *SQLite) AppendHistory(ctx context.Context, kind snapshot.Kind, key string, entry snapshot.HistoryEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO lifecycle_history (kind, lifecycle_key, history, created_at)
			VALUES (?, ?, ?, ?)`, kind.String(), key, entry.Text, entry.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("appending history: %w", err)
		}
		return nil
	})
}

func (s *SQLite) History(ctx context.Context, kind snapshot.Kind, key string) ([]snapshot.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT history, created_at FROM lifecycle_history
		WHERE kind = ? AND lifecycle_key = ? ORDER BY id`, kind.String(), key)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var entries []snapshot.HistoryEntry
	for rows.Next() {
		var e snapshot.HistoryEntry
		if err := rows.Scan(&e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Restorations

const restorationColumns = `id, snapshot_name, dest_host, dest_port, dest_store_id, dest_space_id,
	user_email, status, status_text, created_at, modified_at, end_date`

func (s *SQLite) CreateRestoration(ctx context.Context, r *snapshot.Restoration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO restorations
			(snapshot_name, dest_host, dest_port, dest_store_id, dest_space_id, user_email,
			 status, status_text, created_at, modified_at, end_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.SnapshotName, r.Destination.Host, r.Destination.Port, r.Destination.StoreID,
			r.Destination.SpaceID, r.UserEmail, string(r.Status), r.StatusText,
			r.Created.UTC(), r.Modified.UTC(), nullTime(r.EndDate))
		if err != nil {
			return fmt.Errorf("inserting restoration: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		r.ID = id
		return nil
	})
}

func (s *SQLite) FindRestoration(ctx context.Context, id int64) (*snapshot.Restoration, error) {
	r := &snapshot.Restoration{}
	var status string
	var end sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT `+restorationColumns+` FROM restorations WHERE id = ?`, id).Scan(
		&r.ID, &r.SnapshotName, &r.Destination.Host, &r.Destination.Port, &r.Destination.StoreID,
		&r.Destination.SpaceID, &r.UserEmail, &status, &r.StatusText, &r.Created, &r.Modified, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding restoration %d: %w", id, err)
	}
	r.Status = snapshot.Status(status)
	r.EndDate = end.Time
	r.History, err = s.History(ctx, snapshot.KindRestoration, r.Key())
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLite) SaveRestoration(ctx context.Context, r *snapshot.Restoration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE restorations
			SET status = ?, status_text = ?, user_email = ?, modified_at = ?, end_date = ?
			WHERE id = ?`,
			string(r.Status), r.StatusText, r.UserEmail, r.Modified.UTC(), nullTime(r.EndDate), r.ID)
		if err != nil {
			return fmt.Errorf("updating restoration: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &snapshot.NotFoundError{Kind: snapshot.KindRestoration, Key: r.Key()}
		}
		return nil
	})
}

// helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*snapshot.Snapshot, error) {
	snap := &snapshot.Snapshot{}
	var status string
	var end sql.NullTime
	err := row.Scan(&snap.Name, &snap.Description, &status, &snap.StatusText,
		&snap.Source.Host, &snap.Source.Port, &snap.Source.StoreID, &snap.Source.SpaceID,
		&snap.UserEmail, &snap.Created, &snap.Modified, &end)
	if err != nil {
		return nil, err
	}
	snap.Status = snapshot.Status(status)
	snap.EndDate = end.Time
	return snap, nil
}

func (s *SQLite) querySnapshots(ctx context.Context, query string, args ...any) ([]*snapshot.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	var snaps []*snapshot.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	// Rows are closed before hydrating: the pool holds a single connection.
	for _, snap := range snaps {
		if err := s.hydrate(ctx, snap); err != nil {
			return nil, err
		}
	}
	return snaps, nil
}

func (s *SQLite) hydrate(ctx context.Context, snap *snapshot.Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alternate_id FROM snapshot_alternate_ids WHERE snapshot_name = ? ORDER BY alternate_id`, snap.Name)
	if err != nil {
		return fmt.Errorf("loading alternate ids: %w", err)
	}
	snap.AlternateIDs = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning alternate id: %w", err)
		}
		snap.AlternateIDs = append(snap.AlternateIDs, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}
	snap.History, err = s.History(ctx, snapshot.KindSnapshot, snap.Name)
	return err
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
