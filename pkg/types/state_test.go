package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateOrdering(t *testing.T) {
	assert.True(t, StateInitialising < StateRouting)
	assert.True(t, StateRouting < StateIndexing)
	assert.True(t, StateIndexing < StateTransferPutting)
	assert.True(t, StateTransferPutting < StateComplete)
	assert.True(t, StateComplete < StateFailed)
	assert.True(t, StateFailed < StateSearching)
}

func TestStateNameRoundTrip(t *testing.T) {
	for state, name := range map[State]string{
		StateInitialising:              "INITIALISING",
		StateCatalogArchiveAggregating: "CATALOG_ARCHIVE_AGGREGATING",
		StateTransferGetting:           "TRANSFER_GETTING",
		StateCompleteWithErrors:        "COMPLETE_WITH_ERRORS",
	} {
		assert.Equal(t, name, state.String())
		parsed, err := ParseState(name)
		require.NoError(t, err)
		assert.Equal(t, state, parsed)
	}

	_, err := ParseState("NO_SUCH_STATE")
	assert.Error(t, err)
}

func TestFinalAndFailedStates(t *testing.T) {
	finals := []State{
		StateTransferGetting, StateCatalogUpdate, StateCatalogArchiveUpdating,
		StateCatalogRollback, StateCatalogArchiveRollback, StateCatalogRestoring,
		StateFailed,
	}
	for _, st := range finals {
		assert.True(t, st.Final(), "%s should be final", st)
	}
	for _, st := range []State{StateRouting, StateIndexing, StateArchivePutting} {
		assert.False(t, st.Final(), "%s should not be final", st)
	}

	for _, st := range []State{StateCatalogRollback, StateCatalogArchiveRollback, StateFailed} {
		assert.True(t, st.Errored(), "%s should be a failure state", st)
	}
	assert.False(t, StateComplete.Errored())
	assert.False(t, StateCatalogRestoring.Errored())
}

func TestValidState(t *testing.T) {
	assert.True(t, ValidState(100))
	assert.True(t, ValidState(-1))
	assert.False(t, ValidState(7))
	assert.False(t, ValidState(99))
}
