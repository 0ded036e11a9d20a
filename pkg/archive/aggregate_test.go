package archive

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearline/nlds/pkg/types"
)

func fileOfSize(path string, size int64) *types.PathDetails {
	return &types.PathDetails{OriginalPath: path, PathType: types.PathTypeFile, Size: size}
}

func TestPackRespectsTarget(t *testing.T) {
	files := []*types.PathDetails{
		fileOfSize("/a", 400),
		fileOfSize("/b", 400),
		fileOfSize("/c", 400),
	}
	bins := Pack(files, 1000)
	require.Len(t, bins, 2)
	assert.Len(t, bins[0], 2)
	assert.Len(t, bins[1], 1)
}

func TestPackOversizedFileGetsOwnBin(t *testing.T) {
	files := []*types.PathDetails{
		fileOfSize("/small", 10),
		fileOfSize("/huge", 5000),
		fileOfSize("/tiny", 5),
	}
	bins := Pack(files, 1000)
	require.Len(t, bins, 3)
	assert.Equal(t, "/small", bins[0][0].OriginalPath)
	assert.Equal(t, "/huge", bins[1][0].OriginalPath)
	assert.Equal(t, "/tiny", bins[2][0].OriginalPath)
}

func TestPackManySmallFilesOneBin(t *testing.T) {
	var files []*types.PathDetails
	for i := 0; i < 10; i++ {
		files = append(files, fileOfSize(fmt.Sprintf("/f%d", i), 50))
	}
	bins := Pack(files, 1000)
	require.Len(t, bins, 1)
	assert.Len(t, bins[0], 10)
}

func TestPackEmpty(t *testing.T) {
	assert.Empty(t, Pack(nil, 1000))
}

func TestTarNameDeterministic(t *testing.T) {
	paths := []string{"/data/a", "/data/b"}
	assert.Equal(t, TarName(paths, 0), TarName(paths, 0))
	assert.Regexp(t, `^[0-9a-f]{16}\.tar$`, TarName(paths, 0))

	// Retries land in a different file.
	assert.NotEqual(t, TarName(paths, 0), TarName(paths, 1))
	assert.Regexp(t, `^[0-9a-f]{16}_2\.tar$`, TarName(paths, 2))
}
