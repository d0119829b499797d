package snapshot

import (
	"fmt"
	"strconv"
	"time"
)

// Kind tags the two lifecycle variants.
type Kind int

const (
	KindSnapshot Kind = iota + 1
	KindRestoration
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindRestoration:
		return "restoration"
	default:
		return "unknown"
	}
}

type Status string

const (
	StatusInitialized       Status = "INITIALIZED"
	StatusTransferring      Status = "TRANSFERRING_FROM_SOURCE"
	StatusWaitingForArchive Status = "WAITING_FOR_ARCHIVE"
	StatusCleaningUp        Status = "CLEANING_UP"
	StatusSnapshotComplete  Status = "SNAPSHOT_COMPLETE"
	StatusFailedToTransfer  Status = "FAILED_TO_TRANSFER"

	StatusRestoring           Status = "RESTORING"
	StatusRestorationComplete Status = "RESTORATION_COMPLETE"
	StatusRestorationFailed   Status = "RESTORATION_FAILED"
)

// Lifecycle is implemented by *Snapshot and *Restoration.
type Lifecycle interface {
	Kind() Kind
	Key() string
	Current() Status
	state() *State
}

var transitions = map[Kind]map[Status]map[Status]bool{
	KindSnapshot: {
		StatusInitialized: {
			StatusTransferring: true, StatusWaitingForArchive: true, StatusCleaningUp: true,
			StatusSnapshotComplete: true, StatusFailedToTransfer: true,
		},
		StatusTransferring: {
			StatusWaitingForArchive: true, StatusCleaningUp: true,
			StatusSnapshotComplete: true, StatusFailedToTransfer: true,
		},
		StatusWaitingForArchive: {
			StatusCleaningUp: true, StatusSnapshotComplete: true, StatusFailedToTransfer: true,
		},
		// CLEANING_UP -> CLEANING_UP lets a failed cleanup be replayed.
		StatusCleaningUp: {StatusCleaningUp: true, StatusSnapshotComplete: true},
		StatusFailedToTransfer: {
			StatusTransferring: true, StatusCleaningUp: true, StatusSnapshotComplete: true,
		},
		StatusSnapshotComplete: {},
	},
	KindRestoration: {
		StatusInitialized: {
			StatusRestoring: true, StatusRestorationComplete: true, StatusRestorationFailed: true,
		},
		StatusRestoring:           {StatusRestorationComplete: true, StatusRestorationFailed: true},
		StatusRestorationFailed:   {StatusRestoring: true},
		StatusRestorationComplete: {},
	},
}

// CanTransition reports whether kind may move from one status to another.
func CanTransition(kind Kind, from, to Status) bool {
	return transitions[kind][from][to]
}

// Terminal reports whether status admits no further transitions for kind.
func Terminal(kind Kind, status Status) bool {
	next, ok := transitions[kind][status]
	return ok && len(next) == 0
}

// Transition moves l to status, replacing its status text and modified time.
func Transition(l Lifecycle, to Status, text string, now time.Time) error {
	st := l.state()
	if !CanTransition(l.Kind(), st.Status, to) {
		return &TransitionError{Kind: l.Kind(), Key: l.Key(), From: st.Status, To: to}
	}
	st.Status = to
	st.StatusText = text
	st.Modified = now
	return nil
}

// Complete moves l to its terminal success status and stamps the end date.
func Complete(l Lifecycle, now time.Time) error {
	to := StatusSnapshotComplete
	if l.Kind() == KindRestoration {
		to = StatusRestorationComplete
	}
	if err := Transition(l, to, "", now); err != nil {
		return err
	}
	l.state().EndDate = now
	return nil
}

// StateOf exposes the shared state of a lifecycle.
func StateOf(l Lifecycle) State {
	return *l.state()
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseRestorationID parses the key of a restoration.
func ParseRestorationID(key string) (int64, error) {
	id, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid restoration id %q: %w", key, err)
	}
	return id, nil
}
