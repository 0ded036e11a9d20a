package archive

import (
	"fmt"

	"github.com/nearline/nlds/pkg/types"
)

// DefaultAggregationSize is the target tar size when none is configured.
const DefaultAggregationSize = 5 * 1024 * 1024 * 1024

// Pack bins files into aggregate candidates near the target size. The
// input order is preserved; a file larger than the target gets a bin of
// its own.
func Pack(files []*types.PathDetails, target int64) [][]*types.PathDetails {
	if target <= 0 {
		target = DefaultAggregationSize
	}
	var bins [][]*types.PathDetails
	var current []*types.PathDetails
	var size int64
	for _, pd := range files {
		if len(current) > 0 && size+pd.Size > target {
			bins = append(bins, current)
			current = nil
			size = 0
		}
		current = append(current, pd)
		size += pd.Size
	}
	if len(current) > 0 {
		bins = append(bins, current)
	}
	return bins
}

// TarName derives the deterministic tar file name of an aggregate from its
// path list. Retries bump the attempt counter into the name so a partial
// earlier write can never collide with its replacement.
func TarName(paths []string, attempt int) string {
	name := types.HashPathList(paths)
	if attempt > 0 {
		name = fmt.Sprintf("%s_%d", name, attempt)
	}
	return name + ".tar"
}
