// Package lifecycle drives snapshots and restorations through their status
// machines and performs the side effects each transition requires.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/snapshot-bridge/internal/archive"
	"github.com/rowjay/snapshot-bridge/internal/checksum"
	"github.com/rowjay/snapshot-bridge/internal/manifest"
	"github.com/rowjay/snapshot-bridge/internal/metrics"
	"github.com/rowjay/snapshot-bridge/internal/notify"
	"github.com/rowjay/snapshot-bridge/internal/remote"
	"github.com/rowjay/snapshot-bridge/internal/snapshot"
	"github.com/rowjay/snapshot-bridge/internal/tracker"
	"github.com/rowjay/snapshot-bridge/internal/util"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type Options struct {
	// ContentRoot holds one working directory per snapshot.
	ContentRoot string
	// MetadataSpace receives the metadata archive of each snapshot.
	MetadataSpace  string
	OperatorEmails []string
	// VerifyBeforeCleanup compares the archived manifest with the source
	// space before the source is cleaned up.
	VerifyBeforeCleanup bool
	// ArchiveKey, when set, seals the metadata archive with DARE.
	ArchiveKey []byte
	// Parallelism bounds the snapshots finalized concurrently by one sweep.
	Parallelism int
}

type Deps struct {
	Repo      snapshot.Repository
	Checksums *checksum.Service
	Remote    remote.Factory
	Notifier  notify.Notifier
	Clock     Clock
	Log       zerolog.Logger
}

type Engine struct {
	repo     snapshot.Repository
	tracker  *tracker.Tracker
	sums     *checksum.Service
	archiver *archive.Archiver
	remote   remote.Factory
	notifier notify.Notifier
	clock    Clock
	opts     Options
	log      zerolog.Logger
}

func New(deps Deps, opts Options) *Engine {
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Engine{
		repo:     deps.Repo,
		tracker:  tracker.New(deps.Repo, deps.Checksums),
		sums:     deps.Checksums,
		archiver: archive.New(),
		remote:   deps.Remote,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		opts:     opts,
		log:      deps.Log.With().Str("component", "lifecycle").Logger(),
	}
}

// CreateRequest describes a new snapshot.
type CreateRequest struct {
	Name         string
	Description  string
	Source       snapshot.EndPoint
	UserEmail    string
	AlternateIDs []string
}

// CreateSnapshot registers a snapshot in INITIALIZED, prepares its working
// directory and writes the snapshot properties file into it.
func (e *Engine) CreateSnapshot(ctx context.Context, req CreateRequest) (*snapshot.Snapshot, error) {
	existing, err := e.repo.FindSnapshot(ctx, req.Name)
	if err != nil {
		return nil, e.fail("create snapshot", req.Name, err)
	}
	if existing != nil {
		return nil, &snapshot.NameConflictError{Name: req.Name}
	}
	dir, err := util.WorkDir(e.opts.ContentRoot, req.Name)
	if err != nil {
		return nil, e.fail("create snapshot", req.Name, err)
	}

	now := e.clock.Now()
	snap := &snapshot.Snapshot{
		State:       snapshot.State{Status: snapshot.StatusInitialized, Created: now, Modified: now},
		Name:        req.Name,
		Description: req.Description,
		Source:      req.Source,
		UserEmail:   req.UserEmail,
	}
	for _, id := range req.AlternateIDs {
		owner, err := e.repo.FindSnapshotByAlternateID(ctx, id)
		if err != nil {
			return nil, e.fail("create snapshot", req.Name, err)
		}
		if owner != nil {
			return nil, &snapshot.AlternateIDConflictError{ID: id, Owner: owner.Name}
		}
	}
	snap.AlternateIDs = req.AlternateIDs

	// The insert decides a same-name race, so only the winner touches dir.
	if err := e.repo.CreateSnapshot(ctx, snap); err != nil {
		return nil, e.storeErr("create snapshot", req.Name, err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, e.fail("create snapshot", req.Name, err)
	}
	if err := writeProps(filepath.Join(dir, snapshot.PropsFilename), snap); err != nil {
		return nil, e.fail("create snapshot", req.Name, err)
	}
	e.log.Info().Str("snapshot", snap.Name).Str("space", snap.Source.SpaceID).Msg("snapshot created")
	return snap, nil
}

func writeProps(path string, snap *snapshot.Snapshot) error {
	props := map[string]string{
		"snapshot.name":         snap.Name,
		"snapshot.description":  snap.Description,
		"snapshot.source-host":  snap.Source.Host,
		"snapshot.source-port":  fmt.Sprint(snap.Source.Port),
		"snapshot.source-store": snap.Source.StoreID,
		"snapshot.source-space": snap.Source.SpaceID,
		"snapshot.user-email":   snap.UserEmail,
		"snapshot.created":      snap.Created.UTC().Format(time.RFC3339),
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + "=" + props[k] + "\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

// GetSnapshot returns the named snapshot or a NotFoundError.
func (e *Engine) GetSnapshot(ctx context.Context, name string) (*snapshot.Snapshot, error) {
	snap, err := e.repo.FindSnapshot(ctx, name)
	if err != nil {
		return nil, e.fail("get snapshot", name, err)
	}
	if snap == nil {
		return nil, &snapshot.NotFoundError{Kind: snapshot.KindSnapshot, Key: name}
	}
	return snap, nil
}

// ListSnapshots summarizes the snapshots taken from sourceHost.
func (e *Engine) ListSnapshots(ctx context.Context, sourceHost string) ([]snapshot.Summary, error) {
	snaps, err := e.repo.FindSnapshotsBySourceHost(ctx, sourceHost)
	if err != nil {
		return nil, e.fail("list snapshots", sourceHost, err)
	}
	summaries := make([]snapshot.Summary, 0, len(snaps))
	for _, s := range snaps {
		summaries = append(summaries, snapshot.Summary{Name: s.Name, Status: s.Status, Description: s.Description})
	}
	return summaries, nil
}

// AddContentItem records contentID for snap unless it is already recorded.
func (e *Engine) AddContentItem(ctx context.Context, snap *snapshot.Snapshot, contentID string, props map[string]string) error {
	added, err := e.tracker.Add(ctx, snap, contentID, props)
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("add-content-item").Inc()
		return err
	}
	if added {
		metrics.ContentItemsTotal.Inc()
	}
	return nil
}

// ContentItemCount reports how many content items snapshot name captured.
func (e *Engine) ContentItemCount(ctx context.Context, name string) (int, error) {
	n, err := e.tracker.Count(ctx, name)
	if err != nil {
		return 0, e.fail("count content items", name, err)
	}
	return n, nil
}

// ContentItemProperties returns the properties captured for contentID in
// snapshot name.
func (e *Engine) ContentItemProperties(ctx context.Context, name, contentID string) (map[string]string, error) {
	if _, err := e.GetSnapshot(ctx, name); err != nil {
		return nil, err
	}
	props, ok, err := e.tracker.Properties(ctx, name, contentID)
	if err != nil {
		return nil, e.fail("get content item", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("content item %s of snapshot %s: %w", contentID, name, snapshot.ErrNotFound)
	}
	return props, nil
}

// ImportContentProperties captures the content-properties inventory found
// in the snapshot working directory. The snapshot moves to
// TRANSFERRING_FROM_SOURCE while importing, then to WAITING_FOR_ARCHIVE,
// or to FAILED_TO_TRANSFER when the import fails.
func (e *Engine) ImportContentProperties(ctx context.Context, name string) (int, error) {
	snap, err := e.GetSnapshot(ctx, name)
	if err != nil {
		return 0, err
	}
	if snap.Status != snapshot.StatusTransferring {
		if err := e.transition(ctx, snap, snapshot.StatusTransferring, ""); err != nil {
			return 0, err
		}
	}

	dir, err := util.WorkDir(e.opts.ContentRoot, name)
	if err != nil {
		return 0, e.fail("import content properties", name, err)
	}
	added, importErr := e.importInventory(ctx, snap, filepath.Join(dir, snapshot.ContentPropertiesFilename))
	if importErr != nil {
		if err := e.transition(ctx, snap, snapshot.StatusFailedToTransfer, importErr.Error()); err != nil {
			e.log.Error().Err(err).Str("snapshot", name).Msg("failed to record transfer failure")
		}
		return added, e.fail("import content properties", name, importErr)
	}
	metrics.ContentItemsTotal.Add(float64(added))
	e.log.Info().Str("snapshot", name).Int("added", added).Msg("content properties imported")
	if err := e.transition(ctx, snap, snapshot.StatusWaitingForArchive, ""); err != nil {
		return added, err
	}
	return added, nil
}

func (e *Engine) importInventory(ctx context.Context, snap *snapshot.Snapshot, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return e.tracker.Import(ctx, snap, f)
}

// AddAlternateIDs registers ids for snap. The first id owned by another
// snapshot fails the call and nothing is registered.
func (e *Engine) AddAlternateIDs(ctx context.Context, snap *snapshot.Snapshot, ids []string) error {
	for _, id := range ids {
		owner, err := e.repo.FindSnapshotByAlternateID(ctx, id)
		if err != nil {
			return e.fail("add alternate ids", snap.Name, err)
		}
		if owner != nil && owner.Name != snap.Name {
			return &snapshot.AlternateIDConflictError{ID: id, Owner: owner.Name}
		}
	}
	if err := e.repo.AddAlternateIDs(ctx, snap.Name, ids); err != nil {
		return e.storeErr("add alternate ids", snap.Name, err)
	}
	for _, id := range ids {
		if !contains(snap.AlternateIDs, id) {
			snap.AlternateIDs = append(snap.AlternateIDs, id)
		}
	}
	return nil
}

// RecordHistory appends a timestamped entry to the history of l.
func (e *Engine) RecordHistory(ctx context.Context, l snapshot.Lifecycle, text string) error {
	now := e.clock.Now()
	entry := snapshot.HistoryEntry{Text: text, CreatedAt: now}
	if err := e.repo.AppendHistory(ctx, l.Kind(), l.Key(), entry); err != nil {
		return e.fail("record history", l.Key(), err)
	}
	switch v := l.(type) {
	case *snapshot.Snapshot:
		v.History = append(v.History, entry)
	case *snapshot.Restoration:
		v.History = append(v.History, entry)
	}
	return nil
}

// History lists the history of the named snapshot.
func (e *Engine) History(ctx context.Context, name string) ([]snapshot.HistoryEntry, error) {
	snap, err := e.GetSnapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	return snap.History, nil
}

// VerifySnapshot compares the archived MD5 manifest in the working
// directory with the manifest regenerated from the source space and
// records the verdict in the snapshot history.
func (e *Engine) VerifySnapshot(ctx context.Context, name string) (bool, []string, error) {
	snap, err := e.GetSnapshot(ctx, name)
	if err != nil {
		return false, nil, err
	}
	ok, discrepancies, err := e.verify(ctx, snap)
	if err != nil {
		return false, nil, err
	}
	text := "manifest verification passed"
	if !ok {
		text = fmt.Sprintf("manifest verification failed with %d discrepancies", len(discrepancies))
	}
	if err := e.RecordHistory(ctx, snap, text); err != nil {
		return ok, discrepancies, err
	}
	return ok, discrepancies, nil
}

func (e *Engine) verify(ctx context.Context, snap *snapshot.Snapshot) (bool, []string, error) {
	dir, err := util.WorkDir(e.opts.ContentRoot, snap.Name)
	if err != nil {
		return false, nil, e.fail("verify snapshot", snap.Name, err)
	}
	gen, err := e.remote.Generator(snap.Source)
	if err != nil {
		return false, nil, e.fail("verify snapshot", snap.Name, err)
	}
	v := manifest.NewVerifier(filepath.Join(dir, snapshot.ManifestMD5Filename), gen, snap.Source.SpaceID, e.log)
	ok := v.Verify(ctx)
	discrepancies, _ := v.Errors()
	metrics.VerificationsTotal.WithLabelValues(metrics.VerificationOutcome(ok)).Inc()
	return ok, discrepancies, nil
}

// MarkComplete moves the named snapshot straight to SNAPSHOT_COMPLETE and
// sends the completion notification.
func (e *Engine) MarkComplete(ctx context.Context, name string) (*snapshot.Snapshot, error) {
	snap, err := e.GetSnapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := e.complete(ctx, snap); err != nil {
		return nil, err
	}
	e.notifySnapshotComplete(ctx, snap)
	return snap, nil
}

// transition applies and persists a status change.
func (e *Engine) transition(ctx context.Context, l snapshot.Lifecycle, to snapshot.Status, text string) error {
	if err := snapshot.Transition(l, to, text, e.clock.Now()); err != nil {
		return err
	}
	return e.save(ctx, l)
}

// complete moves l to its terminal success status and persists it.
func (e *Engine) complete(ctx context.Context, l snapshot.Lifecycle) error {
	if err := snapshot.Complete(l, e.clock.Now()); err != nil {
		return err
	}
	return e.save(ctx, l)
}

func (e *Engine) save(ctx context.Context, l snapshot.Lifecycle) error {
	var err error
	switch v := l.(type) {
	case *snapshot.Snapshot:
		err = e.repo.SaveSnapshot(ctx, v)
	case *snapshot.Restoration:
		err = e.repo.SaveRestoration(ctx, v)
	default:
		err = fmt.Errorf("unsupported lifecycle %T", l)
	}
	if err != nil {
		return e.fail("save "+l.Kind().String(), l.Key(), err)
	}
	metrics.TransitionsTotal.WithLabelValues(l.Kind().String(), string(l.Current())).Inc()
	e.log.Debug().Str("kind", l.Kind().String()).Str("key", l.Key()).Str("status", string(l.Current())).Msg("status persisted")
	return nil
}

func (e *Engine) fail(op, key string, err error) error {
	metrics.OperationErrorsTotal.WithLabelValues(strings.ReplaceAll(op, " ", "-")).Inc()
	return &snapshot.OperationError{Op: op, Key: key, Err: err}
}

// storeErr passes conflicts through untouched and wraps everything else.
func (e *Engine) storeErr(op, key string, err error) error {
	if errors.Is(err, snapshot.ErrConflict) {
		return err
	}
	return e.fail(op, key, err)
}

func (e *Engine) recipients(userEmail string) []string {
	out := append([]string(nil), e.opts.OperatorEmails...)
	if userEmail != "" && !contains(out, userEmail) {
		out = append(out, userEmail)
	}
	return out
}

func (e *Engine) send(ctx context.Context, msg notify.Message) {
	if e.notifier == nil || len(msg.Recipients) == 0 {
		return
	}
	if err := e.notifier.Notify(ctx, msg); err != nil {
		e.log.Warn().Err(err).Str("channel", msg.Channel).Msg("notification failed")
	}
}

func (e *Engine) notifySnapshotComplete(ctx context.Context, snap *snapshot.Snapshot) {
	body := fmt.Sprintf("The snapshot %s of space %s on %s has been archived and the source has been cleaned up.\n"+
		"Snapshot ID: %s\nCompleted: %s\n",
		snap.Name, snap.Source.SpaceID, snap.Source.Host, snap.Name, snap.EndDate.UTC().Format(time.RFC3339))
	e.send(ctx, notify.NewMessage(notify.ChannelSnapshotComplete,
		"Snapshot "+snap.Name+" complete", body, e.recipients(snap.UserEmail), e.clock.Now()))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
