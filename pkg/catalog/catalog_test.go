package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/types"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := OpenDB("sqlite", config.DBOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func newSession(t *testing.T, cat *Catalog) *Session {
	t.Helper()
	s, err := cat.Begin()
	require.NoError(t, err)
	t.Cleanup(func() { s.Rollback() })
	return s
}

func pd(path string, size int64) *types.PathDetails {
	return &types.PathDetails{
		OriginalPath: path,
		PathType:     types.PathTypeFile,
		Size:         size,
		User:         1000,
		Group:        1000,
		Permissions:  0o644,
		AccessTime:   time.Now(),
	}
}

func TestCreateHoldingConflict(t *testing.T) {
	cat := openTestCatalog(t)
	s := newSession(t, cat)

	_, err := s.CreateHolding("alice", "users", "backup")
	require.NoError(t, err)

	_, err = s.CreateHolding("alice", "users", "backup")
	assert.ErrorIs(t, err, types.ErrConflict)

	// A different user may reuse the label.
	_, err = s.CreateHolding("bob", "users", "backup")
	assert.NoError(t, err)
}

func TestGetHoldingsVisibility(t *testing.T) {
	cat := openTestCatalog(t)
	s := newSession(t, cat)

	_, err := s.CreateHolding("alice", "users", "a-data")
	require.NoError(t, err)
	_, err = s.CreateHolding("bob", "users", "b-data")
	require.NoError(t, err)

	// Own holdings only without group_all.
	holdings, err := s.GetHoldings(HoldingQuery{User: "alice", Group: "users"})
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "a-data", holdings[0].Label)

	// The whole group with group_all.
	holdings, err = s.GetHoldings(HoldingQuery{User: "alice", Group: "users", GroupAll: true})
	require.NoError(t, err)
	assert.Len(t, holdings, 2)

	// Regex label match.
	holdings, err = s.GetHoldings(HoldingQuery{
		User: "alice", Group: "users", GroupAll: true, Label: ".*-data"})
	require.NoError(t, err)
	assert.Len(t, holdings, 2)

	_, err = s.GetHoldings(HoldingQuery{User: "carol", Group: "users"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestHoldingTags(t *testing.T) {
	cat := openTestCatalog(t)
	s := newSession(t, cat)

	h, err := s.CreateHolding("alice", "users", "tagged")
	require.NoError(t, err)
	require.NoError(t, s.ModifyHolding(h, "", map[string]string{
		"project": "apollo", "phase": "2"}, nil))

	tags, err := s.HoldingTags(h.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"project": "apollo", "phase": "2"}, tags)

	// Same key updates in place, keys stay unique per holding.
	require.NoError(t, s.ModifyHolding(h, "", map[string]string{"phase": "3"}, nil))
	tags, _ = s.HoldingTags(h.ID)
	assert.Equal(t, "3", tags["phase"])

	// Tag-filtered lookup requires every pair to match.
	_, err = s.GetHoldings(HoldingQuery{
		User: "alice", Group: "users",
		Tag: map[string]string{"project": "apollo", "phase": "3"}})
	assert.NoError(t, err)
	_, err = s.GetHoldings(HoldingQuery{
		User: "alice", Group: "users",
		Tag: map[string]string{"project": "gemini"}})
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, s.ModifyHolding(h, "", nil, map[string]string{"phase": ""}))
	tags, _ = s.HoldingTags(h.ID)
	assert.NotContains(t, tags, "phase")
}

func TestCreateFileRejectsDuplicates(t *testing.T) {
	cat := openTestCatalog(t)
	s := newSession(t, cat)

	h, err := s.CreateHolding("alice", "users", "dups")
	require.NoError(t, err)
	txn, err := s.CreateTransaction(h, "txn-1")
	require.NoError(t, err)

	_, err = s.CreateFile(txn, pd("/data/a", 10))
	require.NoError(t, err)
	_, err = s.CreateFile(txn, pd("/data/a", 10))
	assert.ErrorIs(t, err, types.ErrConflict)

	// The same path in a second transaction of the same holding is still
	// a duplicate.
	txn2, err := s.CreateTransaction(h, "txn-2")
	require.NoError(t, err)
	_, err = s.CreateFile(txn2, pd("/data/a", 10))
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestGetFilesOnePrefersNewestIngest(t *testing.T) {
	cat := openTestCatalog(t)
	s := newSession(t, cat)

	h1, err := s.CreateHolding("alice", "users", "older")
	require.NoError(t, err)
	txn1, err := s.CreateTransaction(h1, "txn-1")
	require.NoError(t, err)
	f1, err := s.CreateFile(txn1, pd("/data/a", 10))
	require.NoError(t, err)

	// Force a distinct ingest time, then the same path in a second
	// holding.
	_, err = s.exec(`UPDATE transactions SET ingest_time = ? WHERE id = ?`,
		time.Now().Add(-time.Hour).UTC(), txn1.ID)
	require.NoError(t, err)

	h2, err := s.CreateHolding("alice", "users", "newer")
	require.NoError(t, err)
	txn2, err := s.CreateTransaction(h2, "txn-2")
	require.NoError(t, err)
	f2, err := s.CreateFile(txn2, pd("/data/a", 20))
	require.NoError(t, err)

	files, err := s.GetFiles(FileQuery{User: "alice", Group: "users", One: true})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, f2.ID, files[0].ID)
	assert.NotEqual(t, f1.ID, files[0].ID)

	// Without One, both rows come back.
	files, err = s.GetFiles(FileQuery{User: "alice", Group: "users"})
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestLocationUniquePerStorageType(t *testing.T) {
	cat := openTestCatalog(t)
	s := newSession(t, cat)

	h, _ := s.CreateHolding("alice", "users", "locs")
	txn, _ := s.CreateTransaction(h, "txn-1")
	f, err := s.CreateFile(txn, pd("/data/a", 10))
	require.NoError(t, err)

	_, err = s.CreateLocation(f, types.StorageObject,
		"http", "tenancy", "txn-1", "/data/a", time.Now(), nil)
	require.NoError(t, err)

	_, err = s.CreateLocation(f, types.StorageObject,
		"http", "tenancy", "txn-1", "/data/a", time.Now(), nil)
	assert.ErrorIs(t, err, types.ErrConflict)

	// A second tier is fine.
	_, err = s.CreateLocation(f, types.StorageTape,
		"", "", "", "", time.Now(), nil)
	require.NoError(t, err)

	loc, err := s.GetLocation(f, types.StorageTape)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.True(t, loc.Placeholder())

	require.NoError(t, s.DeleteLocation(f, types.StorageTape))
	loc, err = s.GetLocation(f, types.StorageTape)
	require.NoError(t, err)
	assert.Nil(t, loc)
}

func TestUpdateAggregationRenameRewritesRoots(t *testing.T) {
	cat := openTestCatalog(t)
	s := newSession(t, cat)

	h, _ := s.CreateHolding("alice", "users", "agg")
	txn, _ := s.CreateTransaction(h, "txn-1")
	f, _ := s.CreateFile(txn, pd("/data/a", 10))

	agg, err := s.CreateAggregation("abcd1234.tar", 0, "", false)
	require.NoError(t, err)
	_, err = s.CreateLocation(f, types.StorageTape,
		"root", "tape.example", "nlds.1.alice.users/abcd1234.tar", "/data/a",
		time.Now(), agg)
	require.NoError(t, err)

	require.NoError(t, s.UpdateAggregation(agg, 77, "ADLER32", "abcd1234_1.tar"))
	assert.Equal(t, "abcd1234_1.tar", agg.TarName)
	assert.Equal(t, uint32(77), agg.Checksum)

	loc, err := s.GetLocation(f, types.StorageTape)
	require.NoError(t, err)
	assert.Equal(t, "nlds.1.alice.users/abcd1234_1.tar", loc.Root)
}

func TestNextUnarchivedHolding(t *testing.T) {
	cat := openTestCatalog(t)
	s := newSession(t, cat)

	// No holdings at all: nothing to archive.
	h, err := s.GetNextUnarchivedHolding()
	require.NoError(t, err)
	assert.Nil(t, h)

	h1, _ := s.CreateHolding("alice", "users", "first")
	txn1, _ := s.CreateTransaction(h1, "txn-1")
	f1, _ := s.CreateFile(txn1, pd("/data/a", 10))

	h2, _ := s.CreateHolding("alice", "users", "second")
	txn2, _ := s.CreateTransaction(h2, "txn-2")
	_, err = s.CreateFile(txn2, pd("/data/b", 10))
	require.NoError(t, err)

	// Lowest id first.
	next, err := s.GetNextUnarchivedHolding()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, h1.ID, next.ID)

	files, err := s.GetUnarchivedFiles(next)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, f1.ID, files[0].ID)

	// Archiving the first holding's file moves the cursor on.
	agg, _ := s.CreateAggregation("eeee0000.tar", 1, "ADLER32", false)
	_, err = s.CreateLocation(f1, types.StorageTape,
		"root", "tape.example", "prefix/eeee0000.tar", "/data/a", time.Now(), agg)
	require.NoError(t, err)

	next, err = s.GetNextUnarchivedHolding()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, h2.ID, next.ID)
}

func TestDeleteFilesCheckpointedAndCascade(t *testing.T) {
	cat := openTestCatalog(t)

	s := newSession(t, cat)
	h, _ := s.CreateHolding("alice", "users", "doomed")
	txn, _ := s.CreateTransaction(h, "txn-1")
	f, _ := s.CreateFile(txn, pd("/data/a", 10))
	_, err := s.CreateFile(txn, pd("/data/b", 10))
	require.NoError(t, err)
	_, err = s.CreateLocation(f, types.StorageObject,
		"http", "tenancy", "txn-1", "/data/a", time.Now(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	deleted, err := cat.DeleteFiles(FileQuery{User: "alice", Group: "users"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// The last file leaving destroys the holding and its transaction.
	s2 := newSession(t, cat)
	_, err = s2.GetHoldings(HoldingQuery{User: "alice", Group: "users"})
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s2.GetTransactionByUUID("txn-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	require.NoError(t, s2.Rollback())

	// Locations cascade with their file.
	var count int
	require.NoError(t, cat.DB().QueryRow(`SELECT COUNT(*) FROM locations`).Scan(&count))
	assert.Zero(t, count)
}
