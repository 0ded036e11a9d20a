package tape

import (
	"hash/adler32"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearline/nlds/pkg/types"
)

func TestParseURL(t *testing.T) {
	u, err := ParseURL("root://tape.example//archive/base")
	require.NoError(t, err)
	assert.Equal(t, "tape.example", u.Server)
	assert.Equal(t, "/archive/base", u.BaseDir)
	assert.Equal(t, "root://tape.example//archive/base", u.String())

	for _, bad := range []string{
		"http://tape.example//base",
		"root://tape.example",
		"root:///base//dir",
	} {
		_, err := ParseURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestHoldingPrefix(t *testing.T) {
	assert.Equal(t, "nlds.12.alice.users", HoldingPrefix(12, "alice", "users"))
}

func TestDirClientWriteReadDelete(t *testing.T) {
	c, err := NewDirClient(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, c.MkdirAll("prefix"))

	w, err := c.OpenExclusive("prefix/a.tar")
	require.NoError(t, err)
	_, err = w.Write([]byte("tar bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Exclusive create refuses to overwrite.
	_, err = c.OpenExclusive("prefix/a.tar")
	assert.ErrorIs(t, err, types.ErrConflict)

	st, err := c.Stat("prefix/a.tar")
	require.NoError(t, err)
	assert.EqualValues(t, 9, st.Size)
	assert.False(t, st.Offline)

	sum, err := c.Checksum("prefix/a.tar")
	require.NoError(t, err)
	assert.Equal(t, adler32.Checksum([]byte("tar bytes")), sum)

	r, err := c.Open("prefix/a.tar")
	require.NoError(t, err)
	content, _ := io.ReadAll(r)
	r.Close()
	assert.Equal(t, "tar bytes", string(content))

	require.NoError(t, c.Delete("prefix/a.tar"))
	_, err = c.Stat("prefix/a.tar")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDirClientStaging(t *testing.T) {
	c, err := NewDirClient(t.TempDir())
	require.NoError(t, err)
	w, _ := c.OpenExclusive("a.tar")
	w.Write([]byte(strings.Repeat("x", 64)))
	w.Close()

	c.MarkOffline("a.tar")
	st, _ := c.Stat("a.tar")
	assert.True(t, st.Offline)
	_, err = c.Open("a.tar")
	assert.Error(t, err)

	id, err := c.Prepare([]string{"a.tar"})
	require.NoError(t, err)
	status, err := c.PrepareStatus(id, []string{"a.tar"})
	require.NoError(t, err)
	assert.True(t, status["a.tar"])

	// Staged again: readable until evicted.
	_, err = c.Open("a.tar")
	require.NoError(t, err)
	require.NoError(t, c.Evict([]string{"a.tar"}))
	st, _ = c.Stat("a.tar")
	assert.True(t, st.Offline)

	_, err = c.PrepareStatus("unknown-id", []string{"a.tar"})
	assert.Error(t, err)
}
