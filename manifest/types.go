// Package manifest is the durable file manifest shared by the discovery
// and ingestion engines: one SQLite table mapping every observed path to
// its filesystem facts, captured ACL blob, and per-engine status.
package manifest

// Discovery statuses. A row leaves "pending" the moment the walker has
// anything to say about the path and never returns to it.
const (
	StatusPending          = "pending"
	StatusDiscovered       = "discovered"
	StatusACLFailed        = "acl_failed"
	StatusPermissionDenied = "permission_denied"
	StatusError            = "error"
	StatusSkipped          = "skipped"
)

// Ingestion statuses. pending → ingesting → {completed, failed};
// failed → ingesting on retry.
const (
	IngestPending   = "pending"
	IngestIngesting = "ingesting"
	IngestCompleted = "completed"
	IngestFailed    = "failed"
)

// Record is one manifest row as produced by the walker or read back for
// ingestion. Nullable columns map to pointers.
type Record struct {
	ID          int64
	FilePath    string
	FileName    string
	ParentDir   string
	Size        *int64
	Mtime       *int64 // epoch seconds
	RawACL      *string
	ACLCaptured bool
	Status      string
	Error       *string
	RetryCount  int
	IsDirectory bool

	IngestionStatus   string
	IngestionAttempts int
	IngestionError    *string
	IngestedAt        *string
	FirstSeen         string
	LastSeen          string
}

// Stats aggregates discovery counters over the whole manifest.
type Stats struct {
	Total            int64 `json:"total"`
	Directories      int64 `json:"directories"`
	Files            int64 `json:"files"`
	Discovered       int64 `json:"discovered"`
	PermissionDenied int64 `json:"permission_denied"`
	ACLFailed        int64 `json:"acl_failed"`
	Errors           int64 `json:"errors"`
	Skipped          int64 `json:"skipped"`
	ACLCaptured      int64 `json:"acl_captured"`
}

// IngestionStats aggregates ingestion counters over the ingestion-eligible
// rows (regular files whose discovery succeeded).
type IngestionStats struct {
	Total     int64 `json:"total"`
	Pending   int64 `json:"pending"`
	Ingesting int64 `json:"ingesting"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
