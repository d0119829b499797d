package lifecycle

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rowjay/snapshot-bridge/internal/checksum"
	"github.com/rowjay/snapshot-bridge/internal/lock"
	"github.com/rowjay/snapshot-bridge/internal/manifest"
	"github.com/rowjay/snapshot-bridge/internal/notify"
	"github.com/rowjay/snapshot-bridge/internal/snapshot"
	"github.com/rowjay/snapshot-bridge/internal/store"
	"github.com/rowjay/snapshot-bridge/internal/testutil"
)

const (
	operator = "ops@example.org"
	user     = "user@example.org"
)

type fixture struct {
	engine   *Engine
	repo     *store.SQLite
	remote   *testutil.FakeRemote
	notifier *testutil.RecordingNotifier
	clock    *testutil.StubClock
	root     string
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	sums := checksum.NewMD5()
	t.Cleanup(sums.Close)

	f := &fixture{
		repo:     testutil.NewTestStore(t),
		remote:   testutil.NewFakeRemote(),
		notifier: &testutil.RecordingNotifier{},
		clock:    testutil.FixedClock(),
		root:     t.TempDir(),
	}
	opts := Options{
		ContentRoot:    f.root,
		MetadataSpace:  "metadata",
		OperatorEmails: []string{operator},
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.engine = New(Deps{
		Repo:      f.repo,
		Checksums: sums,
		Remote:    f.remote,
		Notifier:  f.notifier,
		Clock:     f.clock,
		Log:       zerolog.Nop(),
	}, opts)
	return f
}

func (f *fixture) create(t *testing.T, name, space string, altIDs ...string) *snapshot.Snapshot {
	t.Helper()
	snap, err := f.engine.CreateSnapshot(context.Background(), CreateRequest{
		Name:         name,
		Description:  "nightly",
		Source:       snapshot.EndPoint{Host: "source.example.org", Port: 443, StoreID: "0", SpaceID: space},
		UserEmail:    user,
		AlternateIDs: altIDs,
	})
	if err != nil {
		t.Fatalf("CreateSnapshot(%s) error = %v", name, err)
	}
	return snap
}

// seed stores a snapshot directly in the given status.
func (f *fixture) seed(t *testing.T, name, space string, status snapshot.Status) {
	t.Helper()
	now := f.clock.Now()
	err := f.repo.CreateSnapshot(context.Background(), &snapshot.Snapshot{
		State:     snapshot.State{Status: status, Created: now, Modified: now},
		Name:      name,
		Source:    snapshot.EndPoint{Host: "source.example.org", Port: 443, StoreID: "0", SpaceID: space},
		UserEmail: user,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
}

// seedText is seed with a status text already recorded.
func (f *fixture) seedText(t *testing.T, name, space string, status snapshot.Status, text string) {
	t.Helper()
	now := f.clock.Now()
	err := f.repo.CreateSnapshot(context.Background(), &snapshot.Snapshot{
		State:     snapshot.State{Status: status, StatusText: text, Created: now, Modified: now},
		Name:      name,
		Source:    snapshot.EndPoint{Host: "source.example.org", Port: 443, StoreID: "0", SpaceID: space},
		UserEmail: user,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
}

func (f *fixture) status(t *testing.T, name string) snapshot.Status {
	t.Helper()
	snap, err := f.engine.GetSnapshot(context.Background(), name)
	if err != nil {
		t.Fatalf("GetSnapshot(%s) error = %v", name, err)
	}
	return snap.Status
}

func (f *fixture) workFile(t *testing.T, snapName, file, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.root, snapName, file), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", file, err)
	}
}

func TestCreateSnapshot(t *testing.T) {
	f := newFixture(t)
	snap := f.create(t, "snap1", "space1", "alt-1")

	if snap.Status != snapshot.StatusInitialized {
		t.Fatalf("status = %s, want INITIALIZED", snap.Status)
	}
	props, err := os.ReadFile(filepath.Join(f.root, "snap1", snapshot.PropsFilename))
	if err != nil {
		t.Fatalf("props file: %v", err)
	}
	for _, want := range []string{"snapshot.name=snap1\n", "snapshot.source-space=space1\n", "snapshot.created=2024-03-01T09:00:00Z\n"} {
		if !strings.Contains(string(props), want) {
			t.Fatalf("props missing %q:\n%s", want, props)
		}
	}

	_, err = f.engine.CreateSnapshot(context.Background(), CreateRequest{Name: "snap1"})
	var conflict *snapshot.NameConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("duplicate CreateSnapshot() error = %v, want NameConflictError", err)
	}
}

func TestCreateSnapshotAlternateIDConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "a", "space-a", "x")

	_, err := f.engine.CreateSnapshot(ctx, CreateRequest{Name: "b", AlternateIDs: []string{"y", "x"}})
	var conflict *snapshot.AlternateIDConflictError
	if !errors.As(err, &conflict) || conflict.Owner != "a" {
		t.Fatalf("CreateSnapshot() error = %v, want conflict owned by a", err)
	}
	if !errors.Is(err, snapshot.ErrConflict) {
		t.Fatal("conflict should match ErrConflict")
	}
	if snap, _ := f.repo.FindSnapshot(ctx, "b"); snap != nil {
		t.Fatal("snapshot b should not exist")
	}
	if owner, _ := f.repo.FindSnapshotByAlternateID(ctx, "y"); owner != nil {
		t.Fatal("alternate id y should not be registered")
	}
	if _, err := os.Stat(filepath.Join(f.root, "b")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("working directory of b should not exist, stat err = %v", err)
	}
}

// brokenRepo fails every write that registers a snapshot or its ids.
type brokenRepo struct {
	snapshot.Repository
	err error
}

func (r brokenRepo) CreateSnapshot(context.Context, *snapshot.Snapshot) error { return r.err }

func (r brokenRepo) AddAlternateIDs(context.Context, string, []string) error { return r.err }

func TestCreateSnapshotStoreFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	down := errors.New("database is locked")
	engine := func(err error) *Engine {
		return New(Deps{
			Repo:      brokenRepo{Repository: f.repo, err: err},
			Checksums: f.engine.sums,
			Remote:    f.remote,
			Clock:     f.clock,
			Log:       zerolog.Nop(),
		}, Options{ContentRoot: f.root})
	}

	_, err := engine(down).CreateSnapshot(ctx, CreateRequest{Name: "snap1"})
	var opErr *snapshot.OperationError
	if !errors.As(err, &opErr) || !errors.Is(err, down) {
		t.Fatalf("CreateSnapshot() error = %v, want OperationError wrapping the store failure", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "snap1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("working directory should not exist, stat err = %v", err)
	}

	// A same-name create that loses the insert race leaves no directory behind.
	_, err = engine(&snapshot.NameConflictError{Name: "snap1"}).CreateSnapshot(ctx, CreateRequest{Name: "snap1"})
	var conflict *snapshot.NameConflictError
	if !errors.As(err, &conflict) || errors.As(err, &opErr) {
		t.Fatalf("CreateSnapshot() error = %v, want bare NameConflictError", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "snap1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("working directory should not exist, stat err = %v", err)
	}

	c := f.create(t, "c", "space-c")
	if err := engine(down).AddAlternateIDs(ctx, c, []string{"z"}); !errors.As(err, &opErr) || !errors.Is(err, down) {
		t.Fatalf("AddAlternateIDs() error = %v, want OperationError wrapping the store failure", err)
	}
	if len(c.AlternateIDs) != 0 {
		t.Fatalf("AlternateIDs = %v after a failed write", c.AlternateIDs)
	}
}

func TestAddAlternateIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "a", "space-a", "x")
	c := f.create(t, "c", "space-c")

	err := f.engine.AddAlternateIDs(ctx, c, []string{"z", "x"})
	if !errors.Is(err, snapshot.ErrConflict) {
		t.Fatalf("AddAlternateIDs() error = %v, want conflict", err)
	}
	if owner, _ := f.repo.FindSnapshotByAlternateID(ctx, "z"); owner != nil {
		t.Fatal("z should not be registered after a conflict")
	}

	if err := f.engine.AddAlternateIDs(ctx, c, []string{"z", "w"}); err != nil {
		t.Fatalf("AddAlternateIDs() error = %v", err)
	}
	owner, err := f.repo.FindSnapshotByAlternateID(ctx, "w")
	if err != nil || owner == nil || owner.Name != "c" {
		t.Fatalf("FindSnapshotByAlternateID(w) = %v, %v", owner, err)
	}
	if len(c.AlternateIDs) != 2 {
		t.Fatalf("AlternateIDs = %v", c.AlternateIDs)
	}
}

func TestAddContentItemTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snap := f.create(t, "snap1", "space1")

	for i := 0; i < 2; i++ {
		if err := f.engine.AddContentItem(ctx, snap, "dir/a.txt", map[string]string{"mime": "text/plain"}); err != nil {
			t.Fatalf("AddContentItem() #%d error = %v", i, err)
		}
	}
	n, err := f.repo.CountContentItems(ctx, "snap1")
	if err != nil || n != 1 {
		t.Fatalf("CountContentItems() = %d, %v; want 1", n, err)
	}
}

func TestContentItemLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snap := f.create(t, "snap1", "space1")
	if err := f.engine.AddContentItem(ctx, snap, "dir/a.txt", map[string]string{"mime": "text/plain"}); err != nil {
		t.Fatalf("AddContentItem() error = %v", err)
	}

	n, err := f.engine.ContentItemCount(ctx, "snap1")
	if err != nil || n != 1 {
		t.Fatalf("ContentItemCount() = %d, %v; want 1", n, err)
	}
	props, err := f.engine.ContentItemProperties(ctx, "snap1", "dir/a.txt")
	if err != nil || props["mime"] != "text/plain" {
		t.Fatalf("ContentItemProperties() = %v, %v", props, err)
	}
	if _, err := f.engine.ContentItemProperties(ctx, "snap1", "dir/b.txt"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("ContentItemProperties(unknown item) error = %v, want ErrNotFound", err)
	}
	if _, err := f.engine.ContentItemProperties(ctx, "missing", "dir/a.txt"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("ContentItemProperties(unknown snapshot) error = %v, want ErrNotFound", err)
	}
}

func TestImportContentProperties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "snap1", "space1")
	f.workFile(t, "snap1", snapshot.ContentPropertiesFilename,
		`[{"content-id": "a.txt", "properties": {"mime": "text/plain"}}, {"content-id": "b.txt", "properties": {}}]`)

	added, err := f.engine.ImportContentProperties(ctx, "snap1")
	if err != nil || added != 2 {
		t.Fatalf("ImportContentProperties() = %d, %v", added, err)
	}
	if got := f.status(t, "snap1"); got != snapshot.StatusWaitingForArchive {
		t.Fatalf("status = %s, want WAITING_FOR_ARCHIVE", got)
	}

	f.create(t, "snap2", "space2")
	if _, err := f.engine.ImportContentProperties(ctx, "snap2"); err == nil {
		t.Fatal("expected error without an inventory file")
	}
	snap2, _ := f.engine.GetSnapshot(ctx, "snap2")
	if snap2.Status != snapshot.StatusFailedToTransfer || snap2.StatusText == "" {
		t.Fatalf("snap2 = %s %q, want FAILED_TO_TRANSFER with text", snap2.Status, snap2.StatusText)
	}
}

func TestTransferToRemoteComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "snap1", "space1")
	f.workFile(t, "snap1", snapshot.ManifestMD5Filename, manifest.Format("a.txt", "x"))

	snap, err := f.engine.TransferToRemoteComplete(ctx, "snap1")
	if err != nil {
		t.Fatalf("TransferToRemoteComplete() error = %v", err)
	}
	if snap.Status != snapshot.StatusCleaningUp || f.status(t, "snap1") != snapshot.StatusCleaningUp {
		t.Fatalf("status = %s, want CLEANING_UP", snap.Status)
	}

	obj, ok := f.remote.Object("metadata", "snap1.zip")
	if !ok {
		t.Fatal("metadata archive was not uploaded")
	}
	sum := md5.Sum(obj.Body)
	if obj.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("archive checksum = %s, want md5 of body", obj.Checksum)
	}
	if obj.ContentType != "application/zip" {
		t.Fatalf("content type = %s", obj.ContentType)
	}
	if _, err := os.Stat(filepath.Join(f.root, "snap1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("working directory should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, ".removed", "snap1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("tombstone should be deleted, stat err = %v", err)
	}
	if calls := f.remote.Calls(); len(calls) != 1 || calls[0] != "cleanup-snapshot:space1" {
		t.Fatalf("calls = %v", calls)
	}

	// Replaying from CLEANING_UP repeats only the cleanup request.
	if _, err := f.engine.TransferToRemoteComplete(ctx, "snap1"); err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if calls := f.remote.Calls(); len(calls) != 2 {
		t.Fatalf("calls after replay = %v", calls)
	}
}

func TestTransferReplayAfterPartialRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "snap1", "space1", snapshot.StatusCleaningUp)
	f.remote.AddObject("metadata", "snap1.zip", "full-archive")

	// A removal that failed part way leaves only the tombstone.
	tomb := filepath.Join(f.root, ".removed", "snap1")
	if err := os.MkdirAll(tomb, 0o750); err != nil {
		t.Fatalf("mkdir tombstone: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tomb, snapshot.ManifestMD5Filename), []byte("partial"), 0o600); err != nil {
		t.Fatalf("write tombstone file: %v", err)
	}

	if _, err := f.engine.TransferToRemoteComplete(ctx, "snap1"); err != nil {
		t.Fatalf("TransferToRemoteComplete() error = %v", err)
	}
	obj, ok := f.remote.Object("metadata", "snap1.zip")
	if !ok || obj.Checksum != "full-archive" {
		t.Fatalf("metadata archive was overwritten: %+v", obj)
	}
	if _, err := os.Stat(tomb); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("tombstone should be deleted, stat err = %v", err)
	}
	if calls := f.remote.Calls(); len(calls) != 1 || calls[0] != "cleanup-snapshot:space1" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestTransferFromFailedToTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "snap1", "space1", snapshot.StatusFailedToTransfer)
	if err := os.MkdirAll(filepath.Join(f.root, "snap1"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f.workFile(t, "snap1", snapshot.ManifestMD5Filename, manifest.Format("a.txt", "x"))

	if _, err := f.engine.TransferToRemoteComplete(ctx, "snap1"); err != nil {
		t.Fatalf("TransferToRemoteComplete() error = %v", err)
	}
	if got := f.status(t, "snap1"); got != snapshot.StatusCleaningUp {
		t.Fatalf("status = %s, want CLEANING_UP", got)
	}
	if _, ok := f.remote.Object("metadata", "snap1.zip"); !ok {
		t.Fatal("metadata archive was not uploaded")
	}
	if calls := f.remote.Calls(); len(calls) != 1 || calls[0] != "cleanup-snapshot:space1" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestTransferToRemoteCompleteRejectsCompleted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "done", "space1", snapshot.StatusSnapshotComplete)

	_, err := f.engine.TransferToRemoteComplete(context.Background(), "done")
	if !errors.Is(err, snapshot.ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	if len(f.remote.Calls()) != 0 {
		t.Fatalf("no task should run, got %v", f.remote.Calls())
	}
}

func TestTransferToRemoteCompleteUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.TransferToRemoteComplete(context.Background(), "missing")
	if !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestTransferCleanupFailureKeepsCleaningUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "snap1", "space1")
	f.remote.CleanupErrs["space1"] = errors.New("task endpoint down")

	_, err := f.engine.TransferToRemoteComplete(ctx, "snap1")
	var opErr *snapshot.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("error = %v, want OperationError", err)
	}
	if got := f.status(t, "snap1"); got != snapshot.StatusCleaningUp {
		t.Fatalf("status = %s, want CLEANING_UP", got)
	}

	delete(f.remote.CleanupErrs, "space1")
	if _, err := f.engine.TransferToRemoteComplete(ctx, "snap1"); err != nil {
		t.Fatalf("replay error = %v", err)
	}
}

func TestVerifyBeforeCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.VerifyBeforeCleanup = true })

	f.create(t, "bad", "space-bad")
	f.workFile(t, "bad", snapshot.ManifestMD5Filename, manifest.Format("a.txt", "x"))
	f.remote.AddObject("space-bad", "a.txt", "y")

	_, err := f.engine.TransferToRemoteComplete(ctx, "bad")
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("error = %v, want ErrVerificationFailed", err)
	}
	bad, _ := f.engine.GetSnapshot(ctx, "bad")
	if bad.Status != snapshot.StatusInitialized {
		t.Fatalf("status = %s, want INITIALIZED", bad.Status)
	}
	if len(bad.History) != 1 || !strings.HasPrefix(bad.History[0].Text, ErrVerificationFailed.Error()) {
		t.Fatalf("history = %+v", bad.History)
	}
	if len(f.remote.Calls()) != 0 {
		t.Fatalf("cleanup must not run, calls = %v", f.remote.Calls())
	}

	f.create(t, "good", "space-good")
	f.workFile(t, "good", snapshot.ManifestMD5Filename, manifest.Format("a.txt", "x"))
	f.remote.AddObject("space-good", "a.txt", "x")
	if _, err := f.engine.TransferToRemoteComplete(ctx, "good"); err != nil {
		t.Fatalf("TransferToRemoteComplete(good) error = %v", err)
	}
}

func TestVerifySnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "snap1", "space1")
	f.workFile(t, "snap1", snapshot.ManifestMD5Filename,
		manifest.Format("a.txt", "x")+manifest.Format("b.txt", "z"))
	f.remote.AddObject("space1", "a.txt", "x")
	f.remote.AddObject("space1", "b.txt", "z")

	ok, discrepancies, err := f.engine.VerifySnapshot(ctx, "snap1")
	if err != nil || !ok || len(discrepancies) != 0 {
		t.Fatalf("VerifySnapshot() = %v, %v, %v", ok, discrepancies, err)
	}

	f.remote.AddObject("space1", "c.txt", "q")
	ok, discrepancies, err = f.engine.VerifySnapshot(ctx, "snap1")
	if err != nil || ok {
		t.Fatalf("VerifySnapshot() = %v, %v; want failure", ok, err)
	}
	if len(discrepancies) != 2 {
		t.Fatalf("discrepancies = %v, want missing pair and size mismatch", discrepancies)
	}

	history, err := f.engine.History(ctx, "snap1")
	if err != nil || len(history) != 2 {
		t.Fatalf("History() = %v, %v", history, err)
	}
	if history[0].Text != "manifest verification passed" {
		t.Fatalf("history[0] = %q", history[0].Text)
	}
}

func TestMarkCompleteNotifies(t *testing.T) {
	f := newFixture(t)
	f.create(t, "snap1", "space1")

	snap, err := f.engine.MarkComplete(context.Background(), "snap1")
	if err != nil {
		t.Fatalf("MarkComplete() error = %v", err)
	}
	if snap.Status != snapshot.StatusSnapshotComplete || !snap.EndDate.Equal(f.clock.Now()) {
		t.Fatalf("snapshot = %s end %v", snap.Status, snap.EndDate)
	}
	msgs := f.notifier.Messages()
	if len(msgs) != 1 || msgs[0].Channel != notify.ChannelSnapshotComplete {
		t.Fatalf("messages = %+v", msgs)
	}
	if got := msgs[0].Recipients; len(got) != 2 || got[0] != operator || got[1] != user {
		t.Fatalf("recipients = %v", got)
	}
	if !strings.Contains(msgs[0].Body, "snap1") {
		t.Fatalf("body = %q", msgs[0].Body)
	}

	if _, err := f.engine.MarkComplete(context.Background(), "snap1"); !errors.Is(err, snapshot.ErrInvalidTransition) {
		t.Fatalf("second MarkComplete() error = %v", err)
	}
}

func TestMarkCompleteFromFailedToTransfer(t *testing.T) {
	f := newFixture(t)
	f.seedText(t, "snap1", "space1", snapshot.StatusFailedToTransfer, "inventory missing")

	snap, err := f.engine.MarkComplete(context.Background(), "snap1")
	if err != nil {
		t.Fatalf("MarkComplete() error = %v", err)
	}
	if snap.Status != snapshot.StatusSnapshotComplete || f.status(t, "snap1") != snapshot.StatusSnapshotComplete {
		t.Fatalf("status = %s, want SNAPSHOT_COMPLETE", snap.Status)
	}
	if len(f.notifier.Messages()) != 1 {
		t.Fatalf("messages = %+v", f.notifier.Messages())
	}
}

func TestFinalizeSnapshotsIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "broken", "s-broken", snapshot.StatusCleaningUp)
	f.seedText(t, "drained", "s-drained", snapshot.StatusCleaningUp, "waiting for space cleanup")
	f.seed(t, "busy", "s-busy", snapshot.StatusCleaningUp)
	f.seed(t, "waiting", "s-waiting", snapshot.StatusWaitingForArchive)
	f.remote.ListErrs["s-broken"] = errors.New("listing failed")
	f.remote.AddObject("s-busy", "a.txt", "x")

	res := f.engine.FinalizeSnapshots(ctx)
	if res.Examined != 3 {
		t.Fatalf("Examined = %d, want 3", res.Examined)
	}
	if len(res.Completed) != 1 || res.Completed[0] != "drained" {
		t.Fatalf("Completed = %v", res.Completed)
	}
	if len(res.Pending) != 1 || res.Pending[0] != "busy" {
		t.Fatalf("Pending = %v", res.Pending)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "broken" {
		t.Fatalf("Failed = %v", res.Failed)
	}

	drained, err := f.engine.GetSnapshot(ctx, "drained")
	if err != nil {
		t.Fatalf("GetSnapshot(drained) error = %v", err)
	}
	if drained.Status != snapshot.StatusSnapshotComplete {
		t.Fatalf("drained status = %s", drained.Status)
	}
	if !drained.EndDate.Equal(f.clock.Now()) || drained.StatusText != "" {
		t.Fatalf("drained end = %v text = %q, want end stamped and text cleared", drained.EndDate, drained.StatusText)
	}
	for _, name := range []string{"broken", "busy"} {
		if got := f.status(t, name); got != snapshot.StatusCleaningUp {
			t.Fatalf("%s status = %s, want CLEANING_UP", name, got)
		}
	}
	if calls := f.remote.Calls(); len(calls) != 1 || calls[0] != "complete-snapshot:s-drained" {
		t.Fatalf("calls = %v", calls)
	}
	if msgs := f.notifier.Messages(); len(msgs) != 1 || msgs[0].Channel != notify.ChannelSnapshotComplete {
		t.Fatalf("messages = %+v", msgs)
	}

	// The next sweep retries the failed snapshot.
	delete(f.remote.ListErrs, "s-broken")
	res = f.engine.FinalizeSnapshots(ctx)
	if len(res.Completed) != 1 || res.Completed[0] != "broken" {
		t.Fatalf("second sweep Completed = %v", res.Completed)
	}
}

func TestFinalizeSnapshotsTwoOfThree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a", "space-a", snapshot.StatusCleaningUp)
	f.seed(t, "b", "space-b", snapshot.StatusCleaningUp)
	f.seed(t, "c", "space-c", snapshot.StatusCleaningUp)
	f.remote.AddObject("space-c", "a.txt", "x")
	f.remote.CompleteErrs["space-a"] = errors.New("task endpoint down")

	res := f.engine.FinalizeSnapshots(ctx)
	if len(res.Failed) != 1 || res.Failed[0] != "a" {
		t.Fatalf("Failed = %v", res.Failed)
	}
	if len(res.Completed) != 1 || res.Completed[0] != "b" || len(res.Pending) != 1 || res.Pending[0] != "c" {
		t.Fatalf("result = %+v", res)
	}

	delete(f.remote.CompleteErrs, "space-a")
	res = f.engine.FinalizeSnapshots(ctx)
	if len(res.Completed) != 1 || res.Completed[0] != "a" {
		t.Fatalf("second sweep Completed = %v", res.Completed)
	}

	for _, name := range []string{"a", "b"} {
		snap, err := f.engine.GetSnapshot(ctx, name)
		if err != nil {
			t.Fatalf("GetSnapshot(%s) error = %v", name, err)
		}
		if snap.Status != snapshot.StatusSnapshotComplete || !snap.EndDate.Equal(f.clock.Now()) {
			t.Fatalf("%s = %s end %v", name, snap.Status, snap.EndDate)
		}
	}
	c, err := f.engine.GetSnapshot(ctx, "c")
	if err != nil {
		t.Fatalf("GetSnapshot(c) error = %v", err)
	}
	if c.Status != snapshot.StatusCleaningUp || !c.EndDate.IsZero() {
		t.Fatalf("c = %s end %v, want untouched", c.Status, c.EndDate)
	}
}

func TestFinalizeSnapshotsParallel(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Parallelism = 4 })
	names := []string{"p1", "p2", "p3", "p4", "p5"}
	for _, n := range names {
		f.seed(t, n, "space-"+n, snapshot.StatusCleaningUp)
	}

	res := f.engine.FinalizeSnapshots(context.Background())
	if len(res.Completed) != len(names) || len(res.Failed) != 0 {
		t.Fatalf("result = %+v", res)
	}
	for _, n := range names {
		if got := f.status(t, n); got != snapshot.StatusSnapshotComplete {
			t.Fatalf("%s status = %s", n, got)
		}
	}
}

func TestFinalizerSkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "drained", "s-drained", snapshot.StatusCleaningUp)
	path := filepath.Join(t.TempDir(), "finalize.lock")

	held, err := lock.Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	fin := NewFinalizer(f.engine, time.Hour, path, zerolog.Nop())
	if _, ran := fin.RunOnce(context.Background()); ran {
		t.Fatal("RunOnce() ran while the lock was held")
	}
	if got := f.status(t, "drained"); got != snapshot.StatusCleaningUp {
		t.Fatalf("status = %s, want CLEANING_UP", got)
	}

	_ = held.Release()
	res, ran := fin.RunOnce(context.Background())
	if !ran || len(res.Completed) != 1 {
		t.Fatalf("RunOnce() = %+v, %v", res, ran)
	}
}

func TestFinalizerStartStop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "drained", "s-drained", snapshot.StatusCleaningUp)

	fin := NewFinalizer(f.engine, time.Hour, filepath.Join(t.TempDir(), "finalize.lock"), zerolog.Nop())
	fin.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for f.status(t, "drained") != snapshot.StatusSnapshotComplete {
		if time.Now().After(deadline) {
			fin.Stop()
			t.Fatal("snapshot was not finalized by the first sweep")
		}
		time.Sleep(10 * time.Millisecond)
	}
	fin.Stop()
	fin.Stop()
}

func TestFinalizerStartTwice(t *testing.T) {
	f := newFixture(t)
	fin := NewFinalizer(f.engine, time.Hour, "", zerolog.Nop())

	fin.Start(context.Background())
	fin.loopMu.Lock()
	first := fin.done
	fin.loopMu.Unlock()

	fin.Start(context.Background())
	fin.loopMu.Lock()
	second := fin.done
	fin.loopMu.Unlock()
	if first != second {
		t.Fatal("second Start replaced the running loop")
	}

	fin.Stop()
	select {
	case <-first:
	default:
		t.Fatal("loop still running after Stop")
	}

	// A stopped finalizer can be started again.
	fin.Start(context.Background())
	fin.Stop()
}

func TestRestorationLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "snap1", "space1")
	dest := snapshot.EndPoint{Host: "dest.example.org", Port: 443, StoreID: "1", SpaceID: "restored"}

	if _, err := f.engine.RequestRestoration(ctx, "snap1", dest, user); !errors.Is(err, snapshot.ErrInvalidTransition) {
		t.Fatalf("RequestRestoration() on incomplete snapshot error = %v", err)
	}
	if _, err := f.engine.RequestRestoration(ctx, "missing", dest, user); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("RequestRestoration() on missing snapshot error = %v", err)
	}

	if _, err := f.engine.MarkComplete(ctx, "snap1"); err != nil {
		t.Fatalf("MarkComplete() error = %v", err)
	}
	r, err := f.engine.RequestRestoration(ctx, "snap1", dest, user)
	if err != nil {
		t.Fatalf("RequestRestoration() error = %v", err)
	}
	if r.Status != snapshot.StatusRestoring || r.ID == 0 {
		t.Fatalf("restoration = %+v", r)
	}
	msgs := f.notifier.Messages()
	last := msgs[len(msgs)-1]
	if last.Channel != notify.ChannelRestorationRequested || len(last.Recipients) != 1 || last.Recipients[0] != operator {
		t.Fatalf("request message = %+v", last)
	}

	stored, err := f.engine.GetRestoration(ctx, r.ID)
	if err != nil || stored.Status != snapshot.StatusRestoring || len(stored.History) != 1 {
		t.Fatalf("GetRestoration() = %+v, %v", stored, err)
	}

	done, err := f.engine.RestorationComplete(ctx, r.ID)
	if err != nil {
		t.Fatalf("RestorationComplete() error = %v", err)
	}
	if done.Status != snapshot.StatusRestorationComplete || done.EndDate.IsZero() {
		t.Fatalf("restoration = %+v", done)
	}
	msgs = f.notifier.Messages()
	if last = msgs[len(msgs)-1]; last.Channel != notify.ChannelRestorationComplete || len(last.Recipients) != 2 {
		t.Fatalf("completion message = %+v", last)
	}

	if _, err := f.engine.GetRestoration(ctx, 999); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("GetRestoration(999) error = %v", err)
	}
}

func TestRestorationFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "snap1", "space1", snapshot.StatusSnapshotComplete)
	r, err := f.engine.RequestRestoration(ctx, "snap1", snapshot.EndPoint{Host: "d", SpaceID: "s"}, "")
	if err != nil {
		t.Fatalf("RequestRestoration() error = %v", err)
	}
	failed, err := f.engine.RestorationFailed(ctx, r.ID, "staging failed")
	if err != nil || failed.Status != snapshot.StatusRestorationFailed || failed.StatusText != "staging failed" {
		t.Fatalf("RestorationFailed() = %+v, %v", failed, err)
	}
}

func TestListSnapshots(t *testing.T) {
	f := newFixture(t)
	f.create(t, "snap1", "space1")
	f.create(t, "snap2", "space2")

	got, err := f.engine.ListSnapshots(context.Background(), "source.example.org")
	if err != nil || len(got) != 2 {
		t.Fatalf("ListSnapshots() = %v, %v", got, err)
	}
	none, _ := f.engine.ListSnapshots(context.Background(), "elsewhere")
	if len(none) != 0 {
		t.Fatalf("ListSnapshots(elsewhere) = %v", none)
	}
}
