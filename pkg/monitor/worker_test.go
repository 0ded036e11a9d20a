package monitor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearline/nlds/internal/testutil"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

func newTestWorker(t *testing.T) (*Worker, *testutil.FakePublisher, *Monitor) {
	t.Helper()
	mon := openTestMonitor(t)
	pub := &testutil.FakePublisher{}
	return NewWorker(mon, pub), pub, mon
}

func stateMsg(subID string, state types.State) *types.Message {
	return types.NewMessage(types.Details{
		TransactionID: "txn-1",
		SubID:         subID,
		User:          "alice",
		Group:         "users",
		APIAction:     "put",
		State:         state,
	})
}

func TestUpdateCreatesRecordAndSub(t *testing.T) {
	w, _, mon := newTestWorker(t)

	require.NoError(t, w.Handle("nlds-api.monitor-put.initiate",
		stateMsg("sub-1", types.StateRouting), rabbit.Props{}))

	s := newSession(t, mon)
	trec, err := s.GetTransactionRecord("txn-1")
	require.NoError(t, err)
	assert.Equal(t, "put", trec.APIAction)
	sr, err := s.GetSubRecord("sub-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateRouting, sr.State)
}

func TestUpdateProgressesThroughWorkflow(t *testing.T) {
	w, _, mon := newTestWorker(t)

	for _, st := range []types.State{
		types.StateRouting, types.StateIndexing,
		types.StateCatalogPutting, types.StateTransferPutting,
	} {
		require.NoError(t, w.Handle("nlds-api.monitor-put.start",
			stateMsg("sub-1", st), rabbit.Props{}))
	}

	s := newSession(t, mon)
	sr, err := s.GetSubRecord("sub-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateTransferPutting, sr.State)
}

func TestUpdateToleratesReordering(t *testing.T) {
	w, _, mon := newTestWorker(t)

	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("sub-1", types.StateCatalogPutting), rabbit.Props{}))
	// A stale update from an earlier stage arrives late; it is dropped,
	// not an error.
	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("sub-1", types.StateIndexing), rabbit.Props{}))

	s := newSession(t, mon)
	sr, _ := s.GetSubRecord("sub-1")
	assert.Equal(t, types.StateCatalogPutting, sr.State)
}

func TestUpdateRecordsFailedFiles(t *testing.T) {
	w, _, mon := newTestWorker(t)

	msg := stateMsg("sub-1", types.StateFailed)
	msg.SetFilelist([]*types.PathDetails{
		{OriginalPath: "/secret", FailureReason: "inaccessible"},
		{OriginalPath: "/fine"},
	})
	msg.Details.Failure = "batch failure"
	require.NoError(t, w.Handle("nlds-api.monitor-put.start", msg, rabbit.Props{}))

	s := newSession(t, mon)
	sr, err := s.GetSubRecord("sub-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, sr.State)
	failed, err := s.GetFailedFiles(sr)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "inaccessible", failed[0].Reason)
	// A file without its own reason inherits the batch failure.
	assert.Equal(t, "batch failure", failed[1].Reason)
}

func TestUpdateCompletionFlow(t *testing.T) {
	w, _, mon := newTestWorker(t)

	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("sub-1", types.StateIndexing), rabbit.Props{}))
	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("sub-2", types.StateIndexing), rabbit.Props{}))

	// One sub finishes cleanly, the other fails.
	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("sub-1", types.StateCatalogUpdate), rabbit.Props{}))
	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("sub-2", types.StateCatalogRollback), rabbit.Props{}))

	s := newSession(t, mon)
	trec, _ := s.GetTransactionRecord("txn-1")
	state, err := s.RecordState(trec)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleteWithErrors, state)
}

func TestSplittingCompletesParentSub(t *testing.T) {
	w, _, mon := newTestWorker(t)

	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("parent", types.StateSplitting), rabbit.Props{}))
	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("child-1", types.StateIndexing), rabbit.Props{}))

	s := newSession(t, mon)
	parent, err := s.GetSubRecord("parent")
	require.NoError(t, err)
	assert.Equal(t, types.StateComplete, parent.State)
	child, err := s.GetSubRecord("child-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateIndexing, child.State)
}

func TestUpdateStoresWarnings(t *testing.T) {
	w, _, mon := newTestWorker(t)

	msg := stateMsg("sub-1", types.StateIndexing)
	msg.Data.Warnings = []string{"skipped unreadable directory /secret"}
	require.NoError(t, w.Handle("nlds-api.monitor-put.start", msg, rabbit.Props{}))

	s := newSession(t, mon)
	trec, _ := s.GetTransactionRecord("txn-1")
	warnings, err := s.GetWarnings(trec)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
}

func TestStatRPC(t *testing.T) {
	w, pub, _ := newTestWorker(t)

	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("sub-1", types.StateIndexing), rabbit.Props{}))
	failedMsg := stateMsg("sub-2", types.StateFailed)
	failedMsg.SetFilelist([]*types.PathDetails{
		{OriginalPath: "/secret", FailureReason: "inaccessible"}})
	require.NoError(t, w.Handle("nlds-api.monitor-put.start", failedMsg, rabbit.Props{}))
	pub.Reset()

	stat := types.NewMessage(types.Details{
		User:      "alice",
		Group:     "users",
		APIAction: types.ActionStat,
		State:     types.StateSearching,
	})
	props := rabbit.Props{ReplyTo: "amq.gen-reply", CorrelationID: "corr-1"}
	require.NoError(t, w.Handle("nlds-api.monitor.stat", stat, props))

	require.Len(t, pub.Replies, 1)
	assert.Equal(t, "corr-1", pub.Replies[0].CorrelationID)

	var records []RecordReply
	require.NoError(t, json.Unmarshal(pub.Replies[0].Msg.Data.Records, &records))
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "txn-1", rec.TransactionID)
	require.Len(t, rec.SubRecords, 2)

	var failedSub *SubRecordReply
	for i := range rec.SubRecords {
		if rec.SubRecords[i].SubID == "sub-2" {
			failedSub = &rec.SubRecords[i]
		}
	}
	require.NotNil(t, failedSub)
	assert.Equal(t, "FAILED", failedSub.StateName)
	require.Len(t, failedSub.FailedFiles, 1)
	assert.Equal(t, "/secret", failedSub.FailedFiles[0].FilePath)
}

func TestStatRPCStateFilter(t *testing.T) {
	w, pub, _ := newTestWorker(t)

	require.NoError(t, w.Handle("nlds-api.monitor-put.start",
		stateMsg("sub-1", types.StateIndexing), rabbit.Props{}))
	pub.Reset()

	stat := types.NewMessage(types.Details{
		User: "alice", Group: "users",
		APIAction: types.ActionStat,
		State:     types.StateTransferPutting,
	})
	require.NoError(t, w.Handle("nlds-api.monitor.stat", stat,
		rabbit.Props{ReplyTo: "amq.gen-reply"}))

	var records []RecordReply
	require.NoError(t, json.Unmarshal(pub.Replies[0].Msg.Data.Records, &records))
	assert.Empty(t, records)
}
