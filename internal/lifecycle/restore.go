package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rowjay/snapshot-bridge/internal/notify"
	"github.com/rowjay/snapshot-bridge/internal/snapshot"
)

// RequestRestoration opens a restoration of a completed snapshot into
// destination and asks the operators to stage it.
func (e *Engine) RequestRestoration(ctx context.Context, snapshotName string, destination snapshot.EndPoint, userEmail string) (*snapshot.Restoration, error) {
	const op = "request restoration"

	snap, err := e.GetSnapshot(ctx, snapshotName)
	if err != nil {
		return nil, err
	}
	if snap.Status != snapshot.StatusSnapshotComplete {
		return nil, e.fail(op, snapshotName, fmt.Errorf("snapshot is %s, restoration needs %s: %w",
			snap.Status, snapshot.StatusSnapshotComplete, snapshot.ErrInvalidTransition))
	}

	now := e.clock.Now()
	r := &snapshot.Restoration{
		State:        snapshot.State{Status: snapshot.StatusInitialized, Created: now, Modified: now},
		SnapshotName: snapshotName,
		Destination:  destination,
		UserEmail:    userEmail,
	}
	if err := e.repo.CreateRestoration(ctx, r); err != nil {
		return nil, e.fail(op, snapshotName, err)
	}
	if err := e.transition(ctx, r, snapshot.StatusRestoring, "restoration requested"); err != nil {
		return nil, err
	}
	if err := e.RecordHistory(ctx, r, fmt.Sprintf("restoration of %s into %s requested", snapshotName, destination.SpaceID)); err != nil {
		return nil, err
	}

	body := fmt.Sprintf("A restoration of snapshot %s has been requested.\nRestoration ID: %s\nDestination: %s:%d store %s space %s\n",
		snapshotName, r.Key(), destination.Host, destination.Port, destination.StoreID, destination.SpaceID)
	e.send(ctx, notify.NewMessage(notify.ChannelRestorationRequested,
		"Restoration of "+snapshotName+" requested", body, e.opts.OperatorEmails, now))
	e.log.Info().Str("snapshot", snapshotName).Str("restoration", r.Key()).Msg("restoration requested")
	return r, nil
}

// GetRestoration returns the restoration or a NotFoundError.
func (e *Engine) GetRestoration(ctx context.Context, id int64) (*snapshot.Restoration, error) {
	r, err := e.repo.FindRestoration(ctx, id)
	if err != nil {
		return nil, e.fail("get restoration", fmt.Sprint(id), err)
	}
	if r == nil {
		return nil, &snapshot.NotFoundError{Kind: snapshot.KindRestoration, Key: fmt.Sprint(id)}
	}
	return r, nil
}

// RestorationComplete marks the restoration finished and tells the
// requester.
func (e *Engine) RestorationComplete(ctx context.Context, id int64) (*snapshot.Restoration, error) {
	r, err := e.GetRestoration(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.complete(ctx, r); err != nil {
		return nil, err
	}

	body := fmt.Sprintf("Snapshot %s has been restored into space %s on %s.\nRestoration ID: %s\nCompleted: %s\n",
		r.SnapshotName, r.Destination.SpaceID, r.Destination.Host, r.Key(), r.EndDate.UTC().Format(time.RFC3339))
	e.send(ctx, notify.NewMessage(notify.ChannelRestorationComplete,
		"Restoration of "+r.SnapshotName+" complete", body, e.recipients(r.UserEmail), e.clock.Now()))
	e.log.Info().Str("restoration", r.Key()).Msg("restoration complete")
	return r, nil
}

// RestorationFailed records a failed restoration with reason as status text.
func (e *Engine) RestorationFailed(ctx context.Context, id int64, reason string) (*snapshot.Restoration, error) {
	r, err := e.GetRestoration(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, r, snapshot.StatusRestorationFailed, reason); err != nil {
		return nil, err
	}
	return r, nil
}
