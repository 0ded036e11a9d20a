package types

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/sha3"
)

// PathType classifies a filesystem entry captured by the indexer.
type PathType string

const (
	PathTypeFile          PathType = "FILE"
	PathTypeDirectory     PathType = "DIRECTORY"
	PathTypeLink          PathType = "LINK"
	PathTypeNotRecognised PathType = "NOT_RECOGNISED"
	PathTypeUnindexed     PathType = "UNINDEXED"
)

// StorageType identifies a storage tier holding a copy of a file.
type StorageType string

const (
	StorageObject StorageType = "OBJECT_STORAGE"
	StorageTape   StorageType = "TAPE"
)

// ObjectLocation describes a copy held on object storage.
type ObjectLocation struct {
	URLScheme  string    `json:"url_scheme"`
	URLNetloc  string    `json:"url_netloc"`
	Root       string    `json:"root"`
	Path       string    `json:"path"`
	AccessTime time.Time `json:"access_time"`
}

// TapeLocation describes a copy held inside a tar aggregate on tape.
type TapeLocation struct {
	Server         string    `json:"server"`
	HoldingPrefix  string    `json:"holding_prefix"`
	TarName        string    `json:"tarname"`
	AggregationRef int64     `json:"aggregation_ref,omitempty"`
	AccessTime     time.Time `json:"access_time"`
}

// Placeholder reports whether the location is an in-flight marker rather
// than a retrievable copy.
func (l *ObjectLocation) Placeholder() bool {
	return l.URLScheme == "" && l.URLNetloc == "" && l.Root == ""
}

// Placeholder reports whether the tape location has not been filled yet.
func (l *TapeLocation) Placeholder() bool {
	return l.Server == "" && l.HoldingPrefix == "" && l.TarName == ""
}

// Locations groups the per-tier copies of one file.
type Locations struct {
	ObjectStorage *ObjectLocation `json:"OBJECT_STORAGE,omitempty"`
	Tape          *TapeLocation   `json:"TAPE,omitempty"`
}

// PathDetails describes one filesystem entry moving through a workflow.
type PathDetails struct {
	OriginalPath  string    `json:"original_path"`
	PathType      PathType  `json:"path_type"`
	LinkPath      string    `json:"link_path,omitempty"`
	Size          int64     `json:"size"`
	User          int       `json:"user"`
	Group         int       `json:"group"`
	Permissions   uint32    `json:"permissions"`
	AccessTime    time.Time `json:"access_time"`
	Locations     Locations `json:"locations"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// Failed reports whether a failure reason has been attached.
func (pd *PathDetails) Failed() bool {
	return pd.FailureReason != ""
}

// Fail attaches a failure reason, keeping the first one on repeat calls.
func (pd *PathDetails) Fail(reason string) {
	if pd.FailureReason == "" {
		pd.FailureReason = reason
	}
}

// HashPathList produces the deterministic 16-hex-character SHAKE-256 digest
// of a list of original paths, in list order. It names tar aggregates and
// re-derived sub-transaction ids, so identical path lists always map to the
// same name.
func HashPathList(paths []string) string {
	h := sha3.NewShake256()
	for _, p := range paths {
		h.Write([]byte(p))
	}
	sum := make([]byte, 8)
	h.Read(sum)
	return hex.EncodeToString(sum)
}

// PathList extracts the original paths of a filelist, in order.
func PathList(filelist []*PathDetails) []string {
	paths := make([]string, len(filelist))
	for i, pd := range filelist {
		paths[i] = pd.OriginalPath
	}
	return paths
}
