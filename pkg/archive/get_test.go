package archive

import (
	"bytes"
	"io"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearline/nlds/internal/testutil"
	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/objectstore"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/tape"
	"github.com/nearline/nlds/pkg/types"
)

// stageFixture archives two files onto tape through the put worker, then
// returns the pieces a retrieval test needs.
func stageFixture(t *testing.T) (*objectstore.MemStore, *tape.DirClient,
	[]*types.PathDetails, string) {
	t.Helper()
	pub := &testutil.FakePublisher{}
	store := objectstore.NewMemStore()
	tc, err := tape.NewDirClient(t.TempDir())
	require.NoError(t, err)

	filelist := []*types.PathDetails{
		archivedFile(t, store, "txn-put", "/data/a", bytes.Repeat([]byte("alpha"), 100)),
		archivedFile(t, store, "txn-put", "/data/b", bytes.Repeat([]byte("beta"), 200)),
	}
	w := NewPutWorker(pub, store, tc, workerConfig(1<<30))
	require.NoError(t, w.Handle("nlds-api.archive-put.initiate",
		archiveRequest(filelist), rabbit.Props{}))
	completes := pub.ByKey("nlds-api.archive-put.complete")
	require.Len(t, completes, 1)
	archived, err := completes[0].Msg.Filelist()
	require.NoError(t, err)

	tarpath := path.Join(archived[0].Locations.Tape.HoldingPrefix,
		archived[0].Locations.Tape.TarName)
	return store, tc, archived, tarpath
}

// getRequest is the restore message as the catalogue would route it: fresh
// GET transaction, tape locations attached.
func getRequest(archived []*types.PathDetails) *types.Message {
	msg := types.NewMessage(types.Details{
		TransactionID: "txn-get",
		SubID:         "sub-get",
		User:          "alice",
		Group:         "users",
		APIAction:     types.ActionGet,
		Tenancy:       "tenancy.example",
	})
	var filelist []*types.PathDetails
	for _, pd := range archived {
		filelist = append(filelist, &types.PathDetails{
			OriginalPath: pd.OriginalPath,
			PathType:     pd.PathType,
			Size:         pd.Size,
			Permissions:  pd.Permissions,
			AccessTime:   time.Now().UTC(),
			Locations:    types.Locations{Tape: pd.Locations.Tape},
		})
	}
	msg.SetFilelist(filelist)
	return msg
}

func getWorker(pub Publisher, store objectstore.Store, tc tape.Client) *GetWorker {
	return NewGetWorker(pub, store, tc, config.Worker{
		TapeURL: "root://tape.example//archive",
	}, config.AccessPolicy{ServiceUser: "nlds", GroupRead: true})
}

func TestArchiveGetOnlineTarSkipsStaging(t *testing.T) {
	store, tc, archived, _ := stageFixture(t)
	pub := &testutil.FakePublisher{}
	w := getWorker(pub, store, tc)

	require.NoError(t, w.Handle("nlds-api.archive-get.prepare",
		getRequest(archived), rabbit.Props{}))

	// Already online: straight to the streaming phase, no delay.
	starts := pub.ByKey("nlds-api.archive-get.start")
	require.Len(t, starts, 1)
	assert.Zero(t, starts[0].Opts.Delay)
	assert.Empty(t, pub.ByKey("nlds-api.archive-get.prepare-check"))
}

func TestArchiveGetStagesOfflineTar(t *testing.T) {
	store, tc, archived, tarpath := stageFixture(t)
	tc.MarkOffline(tarpath)

	pub := &testutil.FakePublisher{}
	w := getWorker(pub, store, tc)
	require.NoError(t, w.Handle("nlds-api.archive-get.prepare",
		getRequest(archived), rabbit.Props{}))

	checks := pub.ByKey("nlds-api.archive-get.prepare-check")
	require.Len(t, checks, 1)
	assert.Equal(t, PrepareDelay, checks[0].Opts.Delay)
	assert.NotEmpty(t, checks[0].Msg.Data.PrepareID)

	// The delayed poll finds the tar online and fans out per-aggregate
	// start messages.
	pub.Reset()
	require.NoError(t, w.Handle("nlds-api.archive-get.prepare-check",
		checks[0].Msg, rabbit.Props{}))
	starts := pub.ByKey("nlds-api.archive-get.start")
	require.Len(t, starts, 1)
	require.Contains(t, starts[0].Msg.Data.Retrieval, tarpath)
}

func TestArchiveGetStreamsMembersToBucket(t *testing.T) {
	store, tc, archived, _ := stageFixture(t)
	pub := &testutil.FakePublisher{}
	w := getWorker(pub, store, tc)

	require.NoError(t, w.Handle("nlds-api.archive-get.start",
		getRequest(archived), rabbit.Props{}))

	completes := pub.ByKey("nlds-api.archive-get.complete")
	require.Len(t, completes, 1)
	assert.Empty(t, pub.ByKey("nlds-api.archive-get.failed"))

	done, err := completes[0].Msg.Filelist()
	require.NoError(t, err)
	require.Len(t, done, 2)
	for _, pd := range done {
		loc := pd.Locations.ObjectStorage
		require.NotNil(t, loc)
		assert.Equal(t, "txn-get", loc.Root)
		assert.Equal(t, pd.OriginalPath, loc.Path)
	}

	// The member bytes landed in the GET transaction's bucket.
	obj, err := store.Get(objectstore.BucketName("txn-get"), "/data/a")
	require.NoError(t, err)
	content, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("alpha"), 100), content)
}

func TestArchiveGetMissingTarFailsItsFiles(t *testing.T) {
	store, tc, archived, tarpath := stageFixture(t)
	require.NoError(t, tc.Delete(tarpath))

	pub := &testutil.FakePublisher{}
	w := getWorker(pub, store, tc)
	require.NoError(t, w.Handle("nlds-api.archive-get.start",
		getRequest(archived), rabbit.Props{}))

	assert.Empty(t, pub.ByKey("nlds-api.archive-get.complete"))
	fails := pub.ByKey("nlds-api.archive-get.failed")
	require.Len(t, fails, 1)
	failed, _ := fails[0].Msg.Filelist()
	assert.Len(t, failed, 2)
}

func TestArchiveGetFileWithoutTapeCopyFails(t *testing.T) {
	store, tc, _, _ := stageFixture(t)
	pub := &testutil.FakePublisher{}
	w := getWorker(pub, store, tc)

	msg := getRequest([]*types.PathDetails{{
		OriginalPath: "/data/nowhere",
		PathType:     types.PathTypeFile,
	}})
	require.NoError(t, w.Handle("nlds-api.archive-get.prepare", msg, rabbit.Props{}))

	fails := pub.ByKey("nlds-api.archive-get.failed")
	require.Len(t, fails, 1)
	failed, _ := fails[0].Msg.Filelist()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].FailureReason, "no tape copy")
}
