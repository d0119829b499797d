package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rowjay/snapshot-bridge/internal/cryptoutil"
	"github.com/rowjay/snapshot-bridge/internal/snapshot"
	"github.com/rowjay/snapshot-bridge/internal/util"
)

const archiveContentType = "application/zip"

// ErrVerificationFailed is wrapped when pre-cleanup verification finds
// discrepancies.
var ErrVerificationFailed = errors.New("manifest verification failed")

// TransferToRemoteComplete is called once the archive tier holds the
// snapshot. It moves the snapshot to CLEANING_UP, ships the metadata
// archive to the metadata space, removes the working directory and asks
// the source to clean up the snapshot space.
//
// The status change is persisted first and is not rolled back when a later
// step fails. Calling again on a CLEANING_UP snapshot replays the remaining
// steps; an upload that already happened is not repeated because the
// working directory is gone by then.
func (e *Engine) TransferToRemoteComplete(ctx context.Context, name string) (*snapshot.Snapshot, error) {
	const op = "transfer to remote complete"

	snap, err := e.GetSnapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	dir, err := util.WorkDir(e.opts.ContentRoot, name)
	if err != nil {
		return nil, e.fail(op, name, err)
	}
	tomb, err := util.TombstoneDir(e.opts.ContentRoot, name)
	if err != nil {
		return nil, e.fail(op, name, err)
	}
	replay := snap.Status == snapshot.StatusCleaningUp
	if !snapshot.CanTransition(snapshot.KindSnapshot, snap.Status, snapshot.StatusCleaningUp) {
		return nil, &snapshot.TransitionError{Kind: snapshot.KindSnapshot, Key: name, From: snap.Status, To: snapshot.StatusCleaningUp}
	}

	if e.opts.VerifyBeforeCleanup && !replay {
		ok, discrepancies, err := e.verify(ctx, snap)
		if err != nil {
			return nil, err
		}
		if !ok {
			text := fmt.Sprintf("%s: %s", ErrVerificationFailed, strings.Join(discrepancies, "; "))
			if err := e.RecordHistory(ctx, snap, text); err != nil {
				e.log.Error().Err(err).Str("snapshot", name).Msg("failed to record verification failure")
			}
			return nil, e.fail(op, name, fmt.Errorf("%w: %d discrepancies", ErrVerificationFailed, len(discrepancies)))
		}
	}

	if err := e.transition(ctx, snap, snapshot.StatusCleaningUp, ""); err != nil {
		return nil, err
	}
	log := e.log.With().Str("snapshot", name).Str("space", snap.Source.SpaceID).Logger()
	log.Info().Bool("replay", replay).Msg("snapshot cleaning up")

	if _, err := os.Stat(dir); err == nil {
		if err := e.shipMetadata(ctx, snap, dir); err != nil {
			return nil, e.fail(op, name, err)
		}
		// Once renamed the directory counts as shipped, even if deleting
		// the tombstone fails part way.
		if err := moveToTombstone(dir, tomb); err != nil {
			return nil, e.fail(op, name, fmt.Errorf("remove working directory: %w", err))
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, e.fail(op, name, err)
	} else {
		log.Warn().Str("dir", dir).Msg("working directory already removed, skipping metadata upload")
	}
	if err := os.RemoveAll(tomb); err != nil {
		log.Warn().Err(err).Str("dir", tomb).Msg("failed to delete removed working directory")
	}

	tasks, err := e.remote.TaskClient(snap.Source)
	if err != nil {
		return nil, e.fail(op, name, err)
	}
	res, err := tasks.CleanupSnapshot(ctx, snap.Source.SpaceID)
	if err != nil {
		return nil, e.fail(op, name, fmt.Errorf("cleanup snapshot space: %w", err))
	}
	log.Info().Str("result", res.Result).Msg("cleanup requested")
	return snap, nil
}

func moveToTombstone(dir, tomb string) error {
	if err := os.RemoveAll(tomb); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(tomb), 0o750); err != nil {
		return err
	}
	return os.Rename(dir, tomb)
}

// shipMetadata archives the working directory metadata, optionally seals
// it, and uploads it with its checksum to the metadata space.
func (e *Engine) shipMetadata(ctx context.Context, snap *snapshot.Snapshot, dir string) error {
	path, err := e.archiver.Archive(snap.Name, dir)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	contentType := archiveContentType
	if e.opts.ArchiveKey != nil {
		sealed, err := cryptoutil.SealFile(path, e.opts.ArchiveKey)
		if err != nil {
			return err
		}
		defer os.Remove(sealed)
		path = sealed
		contentType = "application/octet-stream"
	}

	sum, err := e.sums.File(path)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	store, err := e.remote.ContentStore(snap.Source)
	if err != nil {
		return err
	}
	contentID := filepath.Base(path)
	if err := store.Put(ctx, e.opts.MetadataSpace, contentID, f, info.Size(), contentType, sum); err != nil {
		return fmt.Errorf("upload metadata archive: %w", err)
	}
	e.log.Info().Str("snapshot", snap.Name).Str("key", contentID).Str("checksum", sum).Msg("metadata archive uploaded")
	return nil
}
