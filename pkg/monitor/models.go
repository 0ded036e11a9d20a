package monitor

import (
	"time"

	"github.com/nearline/nlds/pkg/types"
)

// TransactionRecord is the user-visible job.
type TransactionRecord struct {
	ID            int64
	TransactionID string
	User          string
	Group         string
	JobLabel      string
	APIAction     string
	CreationTime  time.Time
}

// SubRecord is one parallel unit of work inside a transaction record.
type SubRecord struct {
	ID                  int64
	SubID               string
	State               types.State
	RetryCount          int
	LastUpdated         time.Time
	TransactionRecordID int64
}

// FailedFile records one file that failed inside a sub-transaction.
type FailedFile struct {
	ID          int64
	SubRecordID int64
	FilePath    string
	Reason      string
}

// Warning is a non-fatal annotation on a transaction record.
type Warning struct {
	ID                  int64
	TransactionRecordID int64
	Warning             string
}
