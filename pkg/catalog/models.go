package catalog

import (
	"time"

	"github.com/nearline/nlds/pkg/types"
)

// Holding is a labelled batch of ingested data owned by (user, group).
type Holding struct {
	ID    int64
	Label string
	User  string
	Group string
}

// Transaction is one ingest event inside a holding.
type Transaction struct {
	ID            int64
	TransactionID string
	IngestTime    time.Time
	HoldingID     int64
}

// Tag is a (key, value) annotation on a holding; keys are unique per
// holding.
type Tag struct {
	ID        int64
	Key       string
	Value     string
	HoldingID int64
}

// File is one original filesystem object captured in a transaction.
type File struct {
	ID            int64
	TransactionID int64
	OriginalPath  string
	PathType      types.PathType
	LinkPath      string
	Size          int64
	User          int
	Group         int
	Permissions   uint32
}

// Location is a materialised copy of a file on one storage tier. A
// location whose URLScheme, URLNetloc and Root are all empty is a
// placeholder marking in-flight work.
type Location struct {
	ID            int64
	StorageType   types.StorageType
	URLScheme     string
	URLNetloc     string
	Root          string
	Path          string
	AccessTime    time.Time
	FileID        int64
	AggregationID int64 // zero when not part of an aggregate
}

// Placeholder reports whether the location marks in-flight work rather
// than a retrievable copy.
func (l *Location) Placeholder() bool {
	return l.URLScheme == "" && l.URLNetloc == "" && l.Root == ""
}

// Aggregation is one tar archive on tape covering many files.
type Aggregation struct {
	ID        int64
	TarName   string
	Checksum  uint32
	Algorithm string
	FailedFl  bool
}

// Checksum is a per-file digest; at most one per (file, algorithm).
type Checksum struct {
	ID        int64
	FileID    int64
	Checksum  uint32
	Algorithm string
}
