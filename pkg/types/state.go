package types

import "fmt"

// State represents the progress of a sub-transaction. Values are totally
// ordered so that progress comparisons and the monotonic-update invariant
// can be expressed as integer comparisons.
type State int

const (
	StateInitialising State = -1
	StateRouting      State = 0

	// PUT workflow
	StateSplitting       State = 1
	StateIndexing        State = 2
	StateCatalogPutting  State = 3
	StateTransferPutting State = 4
	StateCatalogRollback State = 5
	StateCatalogUpdate   State = 6

	// GET workflow
	StateCatalogGetting  State = 10
	StateArchiveGetting  State = 11
	StateTransferGetting State = 12

	// ARCHIVE-PUT workflow
	StateArchiveInit               State = 20
	StateCatalogArchiveAggregating State = 21
	StateArchivePutting            State = 22
	StateCatalogArchiveUpdating    State = 23

	// Shared archive states
	StateCatalogArchiveRollback State = 40
	StateCatalogDeleteRollback  State = 41
	StateCatalogRestoring       State = 42

	StateComplete           State = 100
	StateFailed             State = 101
	StateCompleteWithErrors State = 102
	StateCompleteWithWarns  State = 103

	// Initial state when searching across sub-records
	StateSearching State = 1000
)

// stateNames is the persisted name mapping. Monitor rows store the name
// alongside the value so that a change of integer assignment is resolved by
// name, never by raw value.
var stateNames = map[State]string{
	StateInitialising:              "INITIALISING",
	StateRouting:                   "ROUTING",
	StateSplitting:                 "SPLITTING",
	StateIndexing:                  "INDEXING",
	StateCatalogPutting:            "CATALOG_PUTTING",
	StateTransferPutting:           "TRANSFER_PUTTING",
	StateCatalogRollback:           "CATALOG_ROLLBACK",
	StateCatalogUpdate:             "CATALOG_UPDATE",
	StateCatalogGetting:            "CATALOG_GETTING",
	StateArchiveGetting:            "ARCHIVE_GETTING",
	StateTransferGetting:           "TRANSFER_GETTING",
	StateArchiveInit:               "ARCHIVE_INIT",
	StateCatalogArchiveAggregating: "CATALOG_ARCHIVE_AGGREGATING",
	StateArchivePutting:            "ARCHIVE_PUTTING",
	StateCatalogArchiveUpdating:    "CATALOG_ARCHIVE_UPDATING",
	StateCatalogArchiveRollback:    "CATALOG_ARCHIVE_ROLLBACK",
	StateCatalogDeleteRollback:     "CATALOG_DELETE_ROLLBACK",
	StateCatalogRestoring:          "CATALOG_RESTORING",
	StateComplete:                  "COMPLETE",
	StateFailed:                    "FAILED",
	StateCompleteWithErrors:        "COMPLETE_WITH_ERRORS",
	StateCompleteWithWarns:         "COMPLETE_WITH_WARNINGS",
	StateSearching:                 "SEARCHING",
}

var stateValues = func() map[string]State {
	m := make(map[string]State, len(stateNames))
	for s, name := range stateNames {
		m[name] = s
	}
	return m
}()

// String returns the canonical state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// ParseState resolves a persisted state name back to its State.
func ParseState(name string) (State, error) {
	if s, ok := stateValues[name]; ok {
		return s, nil
	}
	return StateFailed, fmt.Errorf("unknown state name: %s", name)
}

// ValidState reports whether v is an assigned state value.
func ValidState(v int) bool {
	_, ok := stateNames[State(v)]
	return ok
}

// finalStates are the states from which no further progress events arrive.
var finalStates = map[State]bool{
	StateTransferGetting:        true,
	StateCatalogUpdate:          true,
	StateCatalogArchiveUpdating: true,
	StateCatalogRollback:        true,
	StateCatalogArchiveRollback: true,
	StateCatalogRestoring:       true,
	StateFailed:                 true,
}

// failedStates are the final states that count as failures.
var failedStates = map[State]bool{
	StateCatalogRollback:        true,
	StateCatalogArchiveRollback: true,
	StateFailed:                 true,
}

// Final reports whether the state terminates a sub-transaction.
func (s State) Final() bool {
	return finalStates[s]
}

// Errored reports whether the state is a failure state.
func (s State) Errored() bool {
	return failedStates[s]
}
