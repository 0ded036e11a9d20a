package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearline/nlds/internal/testutil"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

func newMessage(apiAction string) *types.Message {
	return types.NewMessage(types.Details{
		TransactionID: "txn-1",
		SubID:         "sub-1",
		User:          "alice",
		Group:         "users",
		APIAction:     apiAction,
	})
}

func keys(pubs []testutil.Published) []string {
	out := make([]string, len(pubs))
	for i, p := range pubs {
		out[i] = p.Key
	}
	return out
}

func TestRoutePutRequest(t *testing.T) {
	pub := &testutil.FakePublisher{}
	o := New(pub)

	msg := newMessage("put")
	require.NoError(t, o.Handle("nlds-api.route.put", msg, rabbit.Props{}))

	assert.Equal(t, []string{
		"nlds-api.monitor-put.initiate",
		"nlds-api.catalog-put.initiate",
	}, keys(pub.Published))
	assert.Equal(t, types.StateRouting, pub.Published[0].Msg.Details.State)
}

func TestRouteGetRequest(t *testing.T) {
	pub := &testutil.FakePublisher{}
	o := New(pub)

	require.NoError(t, o.Handle("nlds-api.route.getlist", newMessage("getlist"), rabbit.Props{}))
	assert.Equal(t, []string{
		"nlds-api.monitor-put.initiate",
		"nlds-api.catalog-get.start",
	}, keys(pub.Published))
}

func TestRouteRequestAssignsSubID(t *testing.T) {
	pub := &testutil.FakePublisher{}
	o := New(pub)

	msg := newMessage("put")
	msg.Details.SubID = ""
	require.NoError(t, o.Handle("nlds-api.route.put", msg, rabbit.Props{}))
	assert.NotEmpty(t, pub.Published[0].Msg.Details.SubID)
}

func TestRouteQueryBridgesReplyTo(t *testing.T) {
	pub := &testutil.FakePublisher{}
	o := New(pub)

	props := rabbit.Props{CorrelationID: "corr-1", ReplyTo: "amq.gen-reply"}
	require.NoError(t, o.Handle("nlds-api.route.list", newMessage("list"), props))
	require.Len(t, pub.Published, 1)
	assert.Equal(t, "nlds-api.catalog.list", pub.Published[0].Key)
	assert.Equal(t, "corr-1", pub.Published[0].Opts.CorrelationID)
	assert.Equal(t, "amq.gen-reply", pub.Published[0].Opts.ReplyTo)

	pub.Reset()
	require.NoError(t, o.Handle("nlds-api.route.stat", newMessage("stat"), props))
	assert.Equal(t, "nlds-api.monitor.stat", pub.Published[0].Key)
}

// TestEventTransitions walks the whole transition table.
func TestEventTransitions(t *testing.T) {
	tests := []struct {
		event     string
		apiAction string
		expect    []string
		state     types.State
	}{
		{
			event:  "nlds-api.catalog-put.init-complete",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.index.initiate"},
			state:  types.StateIndexing,
		},
		{
			event:  "nlds-api.index.complete",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.catalog-put.start"},
			state:  types.StateCatalogPutting,
		},
		{
			event:  "nlds-api.catalog-put.complete",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.transfer-put.initiate"},
			state:  types.StateTransferPutting,
		},
		{
			event:  "nlds-api.transfer-put.complete",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.catalog-update.start"},
			state:  types.StateCatalogUpdate,
		},
		{
			event:  "nlds-api.transfer-put.failed",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.catalog-del.start"},
			state:  types.StateCatalogRollback,
		},
		{
			event:     "nlds-api.catalog-update.complete",
			apiAction: "put",
			expect:    []string{"nlds-api.monitor-put.start"},
		},
		{
			event:     "nlds-api.catalog-update.complete",
			apiAction: "get",
			expect:    []string{"nlds-api.monitor-put.start", "nlds-api.transfer-get.initiate"},
			state:     types.StateTransferGetting,
		},
		{
			event:  "nlds-api.catalog-get.complete",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.transfer-get.initiate"},
			state:  types.StateTransferGetting,
		},
		{
			event:  "nlds-api.catalog-get.archive-restore",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.archive-get.prepare"},
			state:  types.StateArchiveGetting,
		},
		{
			event:  "nlds-api.archive-get.complete",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.catalog-update.start"},
			state:  types.StateCatalogUpdate,
		},
		{
			event:  "nlds-api.archive-get.failed",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.catalog-remove.start"},
			state:  types.StateCatalogDeleteRollback,
		},
		{
			event:  "nlds-api.transfer-get.complete",
			expect: []string{"nlds-api.monitor-put.start"},
			state:  types.StateTransferGetting,
		},
		{
			event:  "nlds-api.catalog-archive-next.complete",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.archive-put.initiate"},
			state:  types.StateArchivePutting,
		},
		{
			event:  "nlds-api.archive-put.complete",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.catalog-archive-update.start"},
			state:  types.StateCatalogArchiveUpdating,
		},
		{
			event:  "nlds-api.archive-put.failed",
			expect: []string{"nlds-api.monitor-put.start", "nlds-api.catalog-remove.start"},
			state:  types.StateCatalogArchiveRollback,
		},
		{
			event:  "nlds-api.catalog-archive-update.complete",
			expect: []string{"nlds-api.monitor-put.start"},
		},
		{
			event:  "nlds-api.catalog-del.complete",
			expect: []string{"nlds-api.monitor-put.start"},
		},
		{
			event:  "nlds-api.catalog-remove.complete",
			expect: []string{"nlds-api.monitor-put.start"},
		},
		{
			event:  "nlds-api.index.failed",
			expect: []string{"nlds-api.monitor-put.start"},
			state:  types.StateFailed,
		},
	}

	for _, tt := range tests {
		name := tt.event
		if tt.apiAction != "" {
			name += "/" + tt.apiAction
		}
		t.Run(name, func(t *testing.T) {
			pub := &testutil.FakePublisher{}
			o := New(pub)
			apiAction := tt.apiAction
			if apiAction == "" {
				apiAction = "put"
			}
			msg := newMessage(apiAction)
			require.NoError(t, o.Handle(tt.event, msg, rabbit.Props{}))
			assert.Equal(t, tt.expect, keys(pub.Published))
			if tt.state != 0 {
				last := pub.Last()
				require.NotNil(t, last)
				assert.Equal(t, tt.state, last.Msg.Details.State)
			}
		})
	}
}

func TestRemoveEventsCarryStorageType(t *testing.T) {
	pub := &testutil.FakePublisher{}
	o := New(pub)

	require.NoError(t, o.Handle("nlds-api.archive-put.failed", newMessage("archive-put"),
		rabbit.Props{}))
	removes := pub.ByKey("nlds-api.catalog-remove.start")
	require.Len(t, removes, 1)
	assert.Equal(t, types.StorageTape, removes[0].Msg.Data.StorageType)

	pub.Reset()
	require.NoError(t, o.Handle("nlds-api.archive-get.failed", newMessage("get"),
		rabbit.Props{}))
	removes = pub.ByKey("nlds-api.catalog-remove.start")
	require.Len(t, removes, 1)
	assert.Equal(t, types.StorageObject, removes[0].Msg.Data.StorageType)
}

func TestArchivePutCron(t *testing.T) {
	pub := &testutil.FakePublisher{}
	o := New(pub)

	require.NoError(t, o.Handle("nlds-api.route.archive-put", newMessage("archive-put"),
		rabbit.Props{}))
	require.Len(t, pub.Published, 1)
	assert.Equal(t, "nlds-api.catalog-archive-next.start", pub.Published[0].Key)
	assert.Equal(t, types.StateArchiveInit, pub.Published[0].Msg.Details.State)
}

func TestUnknownEventDropped(t *testing.T) {
	pub := &testutil.FakePublisher{}
	o := New(pub)

	require.NoError(t, o.Handle("nlds-api.log.complete", newMessage("put"), rabbit.Props{}))
	assert.Empty(t, pub.Published)
}

func TestRouteTraceAppended(t *testing.T) {
	pub := &testutil.FakePublisher{}
	o := New(pub)
	msg := newMessage("put")
	require.NoError(t, o.Handle("nlds-api.index.complete", msg, rabbit.Props{}))
	assert.Equal(t, "route", pub.Published[0].Msg.Details.Route)
}
