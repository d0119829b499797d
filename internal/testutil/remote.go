package testutil

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rowjay/snapshot-bridge/internal/manifest"
	"github.com/rowjay/snapshot-bridge/internal/notify"
	"github.com/rowjay/snapshot-bridge/internal/remote"
	"github.com/rowjay/snapshot-bridge/internal/snapshot"
)

// FakeObject is one stored object of a FakeRemote space.
type FakeObject struct {
	Checksum    string
	ContentType string
	Body        []byte
}

// FakeRemote is an in-memory remote.Factory whose content store and task
// client share one set of spaces regardless of endpoint. Errors can be
// injected per space.
type FakeRemote struct {
	mu     sync.Mutex
	spaces map[string]map[string]FakeObject
	calls  []string

	ListErrs     map[string]error
	PutErrs      map[string]error
	CleanupErrs  map[string]error
	CompleteErrs map[string]error
	// DrainOnCleanup empties a space as soon as its cleanup task runs.
	DrainOnCleanup bool
}

var (
	_ remote.Factory      = (*FakeRemote)(nil)
	_ remote.ContentStore = (*FakeRemote)(nil)
	_ remote.TaskClient   = (*FakeRemote)(nil)
)

func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		spaces:       map[string]map[string]FakeObject{},
		ListErrs:     map[string]error{},
		PutErrs:      map[string]error{},
		CleanupErrs:  map[string]error{},
		CompleteErrs: map[string]error{},
	}
}

// AddObject stores an object directly, bypassing Put.
func (f *FakeRemote) AddObject(spaceID, contentID, checksum string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.space(spaceID)[contentID] = FakeObject{Checksum: checksum}
}

// Object returns a stored object.
func (f *FakeRemote) Object(spaceID, contentID string) (FakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.spaces[spaceID][contentID]
	return obj, ok
}

// Calls lists task invocations as "<task>:<space>" in call order.
func (f *FakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeRemote) ContentStore(snapshot.EndPoint) (remote.ContentStore, error) {
	return f, nil
}

func (f *FakeRemote) TaskClient(snapshot.EndPoint) (remote.TaskClient, error) {
	return f, nil
}

func (f *FakeRemote) Generator(snapshot.EndPoint) (manifest.Generator, error) {
	return remote.NewStitchedGenerator(f, "", zerolog.Nop()), nil
}

func (f *FakeRemote) Put(_ context.Context, spaceID, contentID string, r io.Reader, _ int64, contentType, checksum string) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.PutErrs[spaceID]; err != nil {
		return err
	}
	f.space(spaceID)[contentID] = FakeObject{Checksum: checksum, ContentType: contentType, Body: body}
	return nil
}

func (f *FakeRemote) List(_ context.Context, spaceID string) ([]remote.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ListErrs[spaceID]; err != nil {
		return nil, err
	}
	infos := []remote.ObjectInfo{}
	for id, obj := range f.spaces[spaceID] {
		infos = append(infos, remote.ObjectInfo{ContentID: id, Checksum: obj.Checksum, Size: int64(len(obj.Body))})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ContentID < infos[j].ContentID })
	return infos, nil
}

func (f *FakeRemote) CleanupSnapshot(_ context.Context, spaceID string) (remote.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remote.TaskCleanupSnapshot+":"+spaceID)
	if err := f.CleanupErrs[spaceID]; err != nil {
		return remote.TaskResult{}, err
	}
	if f.DrainOnCleanup {
		delete(f.spaces, spaceID)
	}
	return remote.TaskResult{Task: remote.TaskCleanupSnapshot, SpaceID: spaceID}, nil
}

func (f *FakeRemote) CompleteSnapshot(_ context.Context, spaceID string) (remote.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, remote.TaskCompleteSnapshot+":"+spaceID)
	if err := f.CompleteErrs[spaceID]; err != nil {
		return remote.TaskResult{}, err
	}
	if len(f.spaces[spaceID]) > 0 {
		return remote.TaskResult{}, fmt.Errorf("space %s is not empty", spaceID)
	}
	delete(f.spaces, spaceID)
	return remote.TaskResult{Task: remote.TaskCompleteSnapshot, SpaceID: spaceID}, nil
}

func (f *FakeRemote) space(spaceID string) map[string]FakeObject {
	s, ok := f.spaces[spaceID]
	if !ok {
		s = map[string]FakeObject{}
		f.spaces[spaceID] = s
	}
	return s
}

// RecordingNotifier keeps every message it is handed.
type RecordingNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
	Err      error
}

func (n *RecordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return n.Err
}

func (n *RecordingNotifier) Messages() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.messages...)
}
