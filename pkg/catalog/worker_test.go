package catalog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearline/nlds/internal/testutil"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

func newWorker(t *testing.T) (*Worker, *testutil.FakePublisher, *Catalog) {
	t.Helper()
	cat := openTestCatalog(t)
	pub := &testutil.FakePublisher{}
	return NewWorker(cat, pub), pub, cat
}

func putInitMsg(label string) *types.Message {
	msg := types.NewMessage(types.Details{
		TransactionID: "txn-1",
		SubID:         "sub-1",
		User:          "alice",
		Group:         "users",
		APIAction:     "put",
		State:         types.StateRouting,
	})
	msg.Meta.Label = label
	return msg
}

func filesMsg(paths ...string) *types.Message {
	msg := putInitMsg("hold")
	var filelist []*types.PathDetails
	for _, p := range paths {
		filelist = append(filelist, &types.PathDetails{
			OriginalPath: p,
			PathType:     types.PathTypeFile,
			Size:         64,
			Permissions:  0o644,
			AccessTime:   time.Now().UTC(),
		})
	}
	msg.SetFilelist(filelist)
	return msg
}

func TestCatalogPutInitiateCreatesHolding(t *testing.T) {
	w, pub, cat := newWorker(t)

	require.NoError(t, w.Handle("nlds-api.catalog-put.initiate",
		putInitMsg("my-batch"), rabbit.Props{}))

	inits := pub.ByKey("nlds-api.catalog-put.init-complete")
	require.Len(t, inits, 1)
	assert.NotZero(t, inits[0].Msg.Meta.HoldingID)

	s := newSession(t, cat)
	h, err := s.GetHolding(HoldingQuery{User: "alice", Group: "users"})
	require.NoError(t, err)
	assert.Equal(t, "my-batch", h.Label)
	txn, err := s.GetTransactionByUUID("txn-1")
	require.NoError(t, err)
	assert.Equal(t, h.ID, txn.HoldingID)
	require.NoError(t, s.Rollback())

	// Idempotent on redelivery.
	pub.Reset()
	require.NoError(t, w.Handle("nlds-api.catalog-put.initiate",
		putInitMsg("my-batch"), rabbit.Props{}))
	assert.Len(t, pub.ByKey("nlds-api.catalog-put.init-complete"), 1)
}

func TestCatalogPutStartRecordsFiles(t *testing.T) {
	w, pub, cat := newWorker(t)
	require.NoError(t, w.Handle("nlds-api.catalog-put.initiate",
		putInitMsg("hold"), rabbit.Props{}))
	pub.Reset()

	require.NoError(t, w.Handle("nlds-api.catalog-put.start",
		filesMsg("/data/a", "/data/b"), rabbit.Props{}))

	completes := pub.ByKey("nlds-api.catalog-put.complete")
	require.Len(t, completes, 1)
	done, _ := completes[0].Msg.Filelist()
	assert.Len(t, done, 2)
	assert.Empty(t, pub.ByKey("nlds-api.catalog-put.failed"))

	// A duplicate path in a later batch is rejected without failing the
	// rest.
	pub.Reset()
	require.NoError(t, w.Handle("nlds-api.catalog-put.start",
		filesMsg("/data/a", "/data/c"), rabbit.Props{}))
	done, _ = pub.ByKey("nlds-api.catalog-put.complete")[0].Msg.Filelist()
	require.Len(t, done, 1)
	assert.Equal(t, "/data/c", done[0].OriginalPath)
	failed, _ := pub.ByKey("nlds-api.catalog-put.failed")[0].Msg.Filelist()
	require.Len(t, failed, 1)
	assert.Equal(t, "/data/a", failed[0].OriginalPath)

	s := newSession(t, cat)
	files, err := s.GetFiles(FileQuery{User: "alice", Group: "users"})
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

// seedCatalogued ingests two files and records their object locations, as
// the full PUT workflow would.
func seedCatalogued(t *testing.T, w *Worker, pub *testutil.FakePublisher) {
	t.Helper()
	require.NoError(t, w.Handle("nlds-api.catalog-put.initiate",
		putInitMsg("hold"), rabbit.Props{}))
	require.NoError(t, w.Handle("nlds-api.catalog-put.start",
		filesMsg("/data/a", "/data/b"), rabbit.Props{}))

	update := filesMsg("/data/a", "/data/b")
	filelist, _ := update.Filelist()
	for _, pd := range filelist {
		pd.Locations.ObjectStorage = &types.ObjectLocation{
			URLScheme: "http", URLNetloc: "tenancy", Root: "txn-1",
			Path: pd.OriginalPath, AccessTime: time.Now().UTC(),
		}
	}
	update.SetFilelist(filelist)
	require.NoError(t, w.Handle("nlds-api.catalog-update.start", update, rabbit.Props{}))
	pub.Reset()
}

func TestCatalogUpdateCreatesLocations(t *testing.T) {
	w, pub, cat := newWorker(t)
	seedCatalogued(t, w, pub)

	s := newSession(t, cat)
	files, err := s.GetFiles(FileQuery{User: "alice", Group: "users"})
	require.NoError(t, err)
	for _, f := range files {
		loc, err := s.GetLocation(f, types.StorageObject)
		require.NoError(t, err)
		require.NotNil(t, loc)
		assert.False(t, loc.Placeholder())
		assert.Equal(t, "txn-1", loc.Root)
	}
}

func TestCatalogGetPassThroughAndFailures(t *testing.T) {
	w, pub, _ := newWorker(t)
	seedCatalogued(t, w, pub)

	get := types.NewMessage(types.Details{
		TransactionID: "txn-get", SubID: "sub-get",
		User: "alice", Group: "users", APIAction: "get",
	})
	get.SetFilelist([]*types.PathDetails{
		{OriginalPath: "/data/a"},
		{OriginalPath: "/data/unknown"},
	})
	require.NoError(t, w.Handle("nlds-api.catalog-get.start", get, rabbit.Props{}))

	completes := pub.ByKey("nlds-api.catalog-get.complete")
	require.Len(t, completes, 1)
	done, _ := completes[0].Msg.Filelist()
	require.Len(t, done, 1)
	assert.Equal(t, "/data/a", done[0].OriginalPath)
	require.NotNil(t, done[0].Locations.ObjectStorage)
	assert.Equal(t, int64(64), done[0].Size)

	fails := pub.ByKey("nlds-api.catalog-get.failed")
	require.Len(t, fails, 1)
	failed, _ := fails[0].Msg.Filelist()
	require.Len(t, failed, 1)
	assert.Equal(t, "/data/unknown", failed[0].OriginalPath)
}

// seedTapeOnly moves the catalogue to the state after a completed archive:
// object locations removed, tape locations filled.
func seedTapeOnly(t *testing.T, w *Worker, pub *testutil.FakePublisher, cat *Catalog) {
	t.Helper()
	seedCatalogued(t, w, pub)

	require.NoError(t, w.Handle("nlds-api.catalog-archive-next.start",
		types.NewMessage(types.Details{TransactionID: "txn-arch", SubID: "sub-arch"}),
		rabbit.Props{}))
	next := pub.ByKey("nlds-api.catalog-archive-next.complete")
	require.Len(t, next, 1)

	upd := next[0].Msg
	filelist, err := upd.Filelist()
	require.NoError(t, err)
	for _, pd := range filelist {
		pd.Locations.Tape = &types.TapeLocation{
			Server: "tape.example", HoldingPrefix: "nlds.1.alice.users",
			TarName: "cafe0123feed4567.tar", AccessTime: time.Now().UTC(),
		}
	}
	upd.Data.TarFile = "cafe0123feed4567.tar"
	upd.Data.Checksum = 1234
	upd.SetFilelist(filelist)
	require.NoError(t, w.Handle("nlds-api.catalog-archive-update.start", upd, rabbit.Props{}))

	// Drop the object copies so only tape remains.
	s, err := cat.Begin()
	require.NoError(t, err)
	files, err := s.GetFiles(FileQuery{User: "alice", Group: "users"})
	require.NoError(t, err)
	for _, f := range files {
		require.NoError(t, s.DeleteLocation(f, types.StorageObject))
	}
	require.NoError(t, s.Commit())
	pub.Reset()
}

func TestCatalogArchiveNextCreatesPlaceholders(t *testing.T) {
	w, pub, cat := newWorker(t)
	seedCatalogued(t, w, pub)

	require.NoError(t, w.Handle("nlds-api.catalog-archive-next.start",
		types.NewMessage(types.Details{TransactionID: "txn-arch", SubID: "sub-arch"}),
		rabbit.Props{}))

	next := pub.ByKey("nlds-api.catalog-archive-next.complete")
	require.Len(t, next, 1)
	assert.Equal(t, "alice", next[0].Msg.Details.User)
	assert.NotZero(t, next[0].Msg.Meta.HoldingID)
	filelist, _ := next[0].Msg.Filelist()
	assert.Len(t, filelist, 2)

	s := newSession(t, cat)
	files, _ := s.GetFiles(FileQuery{User: "alice", Group: "users"})
	for _, f := range files {
		loc, err := s.GetLocation(f, types.StorageTape)
		require.NoError(t, err)
		require.NotNil(t, loc)
		assert.True(t, loc.Placeholder())
	}
}

func TestCatalogArchiveUpdateAttachesAggregation(t *testing.T) {
	w, pub, cat := newWorker(t)
	seedTapeOnly(t, w, pub, cat)

	s := newSession(t, cat)
	agg, err := s.GetAggregationByTarName("cafe0123feed4567.tar")
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), agg.Checksum)

	files, err := s.GetFiles(FileQuery{User: "alice", Group: "users"})
	require.NoError(t, err)
	for _, f := range files {
		loc, err := s.GetLocation(f, types.StorageTape)
		require.NoError(t, err)
		require.NotNil(t, loc)
		assert.False(t, loc.Placeholder())
		assert.Equal(t, agg.ID, loc.AggregationID)
		assert.Equal(t, "nlds.1.alice.users/cafe0123feed4567.tar", loc.Root)
		assert.Equal(t, "root", loc.URLScheme)
	}
}

func TestCatalogGetRoutesTapeOnlyToArchiveRestore(t *testing.T) {
	w, pub, cat := newWorker(t)
	seedTapeOnly(t, w, pub, cat)

	get := types.NewMessage(types.Details{
		TransactionID: "txn-get", SubID: "sub-get",
		User: "alice", Group: "users", APIAction: "get",
	})
	get.SetFilelist([]*types.PathDetails{{OriginalPath: "/data/a"}})
	require.NoError(t, w.Handle("nlds-api.catalog-get.start", get, rabbit.Props{}))

	restores := pub.ByKey("nlds-api.catalog-get.archive-restore")
	require.Len(t, restores, 1)
	filelist, _ := restores[0].Msg.Filelist()
	require.Len(t, filelist, 1)
	require.NotNil(t, filelist[0].Locations.Tape)
	assert.Equal(t, "cafe0123feed4567.tar", filelist[0].Locations.Tape.TarName)

	// A placeholder object location now marks the in-flight restore.
	s := newSession(t, cat)
	files, _ := s.GetFiles(FileQuery{
		User: "alice", Group: "users", Path: "/data/a"})
	loc, err := s.GetLocation(files[0], types.StorageObject)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.True(t, loc.Placeholder())
}

func TestCatalogRemoveClearsPlaceholdersOnly(t *testing.T) {
	w, pub, cat := newWorker(t)
	seedTapeOnly(t, w, pub, cat)

	// The GET created a placeholder object location.
	get := types.NewMessage(types.Details{
		TransactionID: "txn-get", SubID: "sub-get",
		User: "alice", Group: "users", APIAction: "get",
	})
	get.SetFilelist([]*types.PathDetails{{OriginalPath: "/data/a"}})
	require.NoError(t, w.Handle("nlds-api.catalog-get.start", get, rabbit.Props{}))
	pub.Reset()

	remove := types.NewMessage(types.Details{
		TransactionID: "txn-get", SubID: "sub-get",
		User: "alice", Group: "users", APIAction: "get",
	})
	remove.Data.StorageType = types.StorageObject
	remove.SetFilelist([]*types.PathDetails{
		{OriginalPath: "/data/a"},
		{OriginalPath: "/data/b"}, // tape location is filled, must survive
	})
	require.NoError(t, w.Handle("nlds-api.catalog-remove.start", remove, rabbit.Props{}))
	require.Len(t, pub.ByKey("nlds-api.catalog-remove.complete"), 1)

	s := newSession(t, cat)
	files, _ := s.GetFiles(FileQuery{User: "alice", Group: "users", Path: "/data/a"})
	loc, err := s.GetLocation(files[0], types.StorageObject)
	require.NoError(t, err)
	assert.Nil(t, loc)

	// Filled tape locations are never removed by this path.
	tapeLoc, err := s.GetLocation(files[0], types.StorageTape)
	require.NoError(t, err)
	assert.NotNil(t, tapeLoc)
}

func TestCatalogDelRollsBackFiles(t *testing.T) {
	w, pub, cat := newWorker(t)
	require.NoError(t, w.Handle("nlds-api.catalog-put.initiate",
		putInitMsg("hold"), rabbit.Props{}))
	require.NoError(t, w.Handle("nlds-api.catalog-put.start",
		filesMsg("/data/a", "/data/b"), rabbit.Props{}))
	pub.Reset()

	del := filesMsg("/data/a", "/data/b")
	require.NoError(t, w.Handle("nlds-api.catalog-del.start", del, rabbit.Props{}))
	require.Len(t, pub.ByKey("nlds-api.catalog-del.complete"), 1)

	s := newSession(t, cat)
	_, err := s.GetFiles(FileQuery{User: "alice", Group: "users"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCatalogListRPC(t *testing.T) {
	w, pub, _ := newWorker(t)
	seedCatalogued(t, w, pub)

	list := types.NewMessage(types.Details{
		User: "alice", Group: "users", APIAction: "list",
	})
	props := rabbit.Props{ReplyTo: "amq.gen-reply", CorrelationID: "corr-1"}
	require.NoError(t, w.Handle("nlds-api.catalog.list", list, props))

	require.Len(t, pub.Replies, 1)
	reply := pub.Replies[0]
	assert.Equal(t, "amq.gen-reply", reply.ReplyTo)
	assert.Equal(t, "corr-1", reply.CorrelationID)
	assert.Empty(t, reply.Msg.Details.Failure)

	var records []HoldingRecord
	require.NoError(t, json.Unmarshal(reply.Msg.Data.Records, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "hold", records[0].Label)
}

func TestCatalogFindRPC(t *testing.T) {
	w, pub, _ := newWorker(t)
	seedCatalogued(t, w, pub)

	find := types.NewMessage(types.Details{
		User: "alice", Group: "users", APIAction: "find",
	})
	find.SetFilelist([]*types.PathDetails{{OriginalPath: "/data/.*"}})
	props := rabbit.Props{ReplyTo: "amq.gen-reply", CorrelationID: "corr-2"}
	require.NoError(t, w.Handle("nlds-api.catalog.find", find, props))

	require.Len(t, pub.Replies, 1)
	var records []FileRecord
	require.NoError(t, json.Unmarshal(pub.Replies[0].Msg.Data.Records, &records))
	require.Len(t, records, 2)
	assert.Len(t, records[0].Locations, 1)
	assert.Equal(t, types.StorageObject, records[0].Locations[0].StorageType)
}

func TestCatalogMetaRPC(t *testing.T) {
	w, pub, cat := newWorker(t)
	seedCatalogued(t, w, pub)

	meta := types.NewMessage(types.Details{
		User: "alice", Group: "users", APIAction: "meta",
	})
	meta.Meta.Label = "hold"
	meta.Meta.NewMeta = &types.NewMeta{
		Label: "renamed",
		Tag:   map[string]string{"project": "apollo"},
	}
	props := rabbit.Props{ReplyTo: "amq.gen-reply", CorrelationID: "corr-3"}
	require.NoError(t, w.Handle("nlds-api.catalog.meta", meta, props))

	require.Len(t, pub.Replies, 1)
	assert.Empty(t, pub.Replies[0].Msg.Details.Failure)

	s := newSession(t, cat)
	h, err := s.GetHolding(HoldingQuery{User: "alice", Group: "users"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", h.Label)
	tags, _ := s.HoldingTags(h.ID)
	assert.Equal(t, "apollo", tags["project"])
}

func TestCatalogRPCFailureSurfaced(t *testing.T) {
	w, pub, _ := newWorker(t)
	list := types.NewMessage(types.Details{
		User: "nobody", Group: "nowhere", APIAction: "list",
	})
	props := rabbit.Props{ReplyTo: "amq.gen-reply"}
	require.NoError(t, w.Handle("nlds-api.catalog.list", list, props))
	require.Len(t, pub.Replies, 1)
	assert.Contains(t, pub.Replies[0].Msg.Details.Failure, "not found")
	assert.Empty(t, pub.Replies[0].Msg.Data.Records)
}
