package index

// Kind distinguishes files from directories in the Index Store, mirroring
// the remote API's resource kind (internal/diskapi.ResourceKind).
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// StateValue is the per-item sync state of spec.md §4.5.4.
type StateValue string

const (
	StateCloudOnly StateValue = "cloud_only"
	StateCached    StateValue = "cached"
	StateSyncing   StateValue = "syncing"
	StateError     StateValue = "error"
)

// OpKind is the action an Operation performs, per spec.md §4.5.2.
type OpKind string

const (
	OpUpload   OpKind = "upload"
	OpDownload OpKind = "download"
	OpMkdir    OpKind = "mkdir"
	OpDelete   OpKind = "delete"
	OpMove     OpKind = "move"
)

// Item is a row of the items table: the last metadata the Index Store
// observed for a path, from either the local filesystem or the remote API.
type Item struct {
	ID                 int64
	Path               string
	ParentPath         string
	Name               string
	Kind               Kind
	Size               int64
	Modified           int64
	ContentHash        string
	ResourceID         string
	LastSyncedHash     string
	LastSyncedModified int64
}

// State is a row of the states table: the sync-engine-owned bookkeeping for
// one item, keyed by ItemID.
type State struct {
	ItemID        int64
	State         StateValue
	Pinned        bool
	LastError     string
	RetryAt       *int64
	LastSuccessAt *int64
	LastErrorAt   *int64
	Dirty         bool
}

// StateMeta carries the optional bookkeeping fields set_state_with_meta can
// update alongside the state value itself. A nil pointer leaves the
// corresponding column unchanged.
type StateMeta struct {
	RetryAt       *int64
	LastSuccessAt *int64
	LastErrorAt   *int64
	Dirty         *bool
	LastError     *string
}

// PathState pairs a path with its pin flag, returned by queries that need
// both without a full State row (spec.md §4.5's eviction candidate scan).
type PathState struct {
	Path   string
	State  StateValue
	Pinned bool
}

// Operation is a row of the ops_queue table: one unit of work the Sync
// Engine worker must perform against the remote API or local filesystem.
type Operation struct {
	ID       int64
	Kind     OpKind
	Path     string
	Payload  string
	Attempt  int
	RetryAt  *int64
	Priority int32
}

// Conflict is a row of the conflicts table, recorded whenever the Conflict
// Resolver chooses KeepBoth (spec.md §4.5.5).
type Conflict struct {
	ID           string
	Path         string
	RenamedLocal string
	Created      int64
	Reason       string
}
