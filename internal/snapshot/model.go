package snapshot

import "time"

// Metadata filenames found in a snapshot working directory.
const (
	PropsFilename             = ".collection-snapshot.properties"
	ContentPropertiesFilename = "content-properties.json"
	ManifestMD5Filename       = "manifest-md5.txt"
	ManifestSHA256Filename    = "manifest-sha256.txt"
)

// MetadataFilenames is the ordered set of files packaged into the metadata archive.
var MetadataFilenames = []string{
	PropsFilename,
	ContentPropertiesFilename,
	ManifestMD5Filename,
	ManifestSHA256Filename,
}

// EndPoint addresses a space on a remote store.
type EndPoint struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	StoreID string `json:"store_id"`
	SpaceID string `json:"space_id"`
}

// HistoryEntry is one line of a lifecycle's append-only history.
type HistoryEntry struct {
	Text      string
	CreatedAt time.Time
}

// State holds the fields shared by snapshots and restorations.
type State struct {
	Status     Status
	StatusText string
	Created    time.Time
	Modified   time.Time
	EndDate    time.Time
}

type Snapshot struct {
	State
	Name         string
	Description  string
	Source       EndPoint
	UserEmail    string
	AlternateIDs []string
	History      []HistoryEntry
}

func (s *Snapshot) Kind() Kind      { return KindSnapshot }
func (s *Snapshot) Key() string     { return s.Name }
func (s *Snapshot) state() *State   { return &s.State }
func (s *Snapshot) Current() Status { return s.Status }

type Restoration struct {
	State
	ID           int64
	SnapshotName string
	Destination  EndPoint
	UserEmail    string
	History      []HistoryEntry
}

func (r *Restoration) Kind() Kind      { return KindRestoration }
func (r *Restoration) Key() string     { return formatID(r.ID) }
func (r *Restoration) state() *State   { return &r.State }
func (r *Restoration) Current() Status { return r.Status }

// ContentItem records one captured content id of a snapshot.
type ContentItem struct {
	SnapshotName  string
	ContentID     string
	ContentIDHash string
	Metadata      string
}

// Summary is the listing view of a snapshot.
type Summary struct {
	Name        string
	Status      Status
	Description string
}
