package index

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/log"
	"github.com/nearline/nlds/pkg/permissions"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

// Publisher is the outbound half of the message bus.
type Publisher interface {
	Publish(key string, msg *types.Message, opts rabbit.PublishOptions) error
}

// Indexer walks request paths and emits indexed batches.
type Indexer struct {
	pub    Publisher
	cfg    config.Worker
	logger zerolog.Logger
}

// New creates an indexer.
func New(pub Publisher, cfg config.Worker) *Indexer {
	return &Indexer{pub: pub, cfg: cfg, logger: log.WithWorker(rabbit.QueueIndex)}
}

// Bindings returns the routing-key bindings of the index queue.
func Bindings() []string {
	return []string{rabbit.Key(rabbit.QueueIndex, rabbit.Wild)}
}

// Handle consumes one indexing request.
func (ix *Indexer) Handle(key string, msg *types.Message, props rabbit.Props) error {
	_, action, ok := rabbit.SplitKey(key)
	if !ok || rabbit.IsEvent(action) {
		return nil
	}
	if action != rabbit.ActionInitiate && action != rabbit.ActionStart {
		return nil
	}
	msg.Details.AddRoute(rabbit.QueueIndex)

	filelist, err := msg.Filelist()
	if err != nil {
		return err
	}
	ident, err := permissions.Resolve(msg.Details.User)
	if err != nil {
		// Whole-batch failure: nothing can be indexed for an unknown user.
		return ix.publishFailed(msg, filelist, err.Error())
	}

	walk := &walker{
		ident:   ident,
		checkFl: ix.cfg.CheckPermissions,
		logger:  log.WithTransaction(msg.Details.TransactionID),
	}
	for _, pd := range filelist {
		walk.visit(pd.OriginalPath)
	}

	if len(walk.indexed) == 0 && len(walk.failed) == 0 {
		return ix.publishFailed(msg, filelist, "no indexable paths in request")
	}

	batches := ix.batch(walk.indexed)
	units := len(batches)
	if len(walk.failed) > 0 {
		units++
	}
	// A fan-out renames every unit, the failed one included, so no sub
	// record ever both progresses and fails. The SPLIT event closes the
	// original sub id first.
	split := units > 1
	warnings := walk.warnings
	if split {
		ev := types.NewMessage(msg.Details)
		ev.Meta = msg.Meta
		ev.Details.State = types.StateSplitting
		ev.Data.Warnings = warnings
		warnings = nil
		if err := ix.pub.Publish(
			rabbit.Key(rabbit.QueueMonitorPut, rabbit.ActionStart),
			ev, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	for _, batch := range batches {
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.Details.State = types.StateIndexing
		if split {
			out.Details.SubID = types.HashPathList(types.PathList(batch))
		}
		out.SetFilelist(batch)
		out.Data.Warnings = warnings
		warnings = nil
		if err := out.CompressFilelist(ix.cfg.FilelistMaxLength, int64(ix.cfg.FilelistMaxSize)); err != nil {
			return err
		}
		if err := ix.pub.Publish(
			rabbit.Key(rabbit.QueueIndex, rabbit.ActionComplete),
			out, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	if len(walk.failed) > 0 {
		failMsg := msg
		if split {
			renamed := *msg
			renamed.Details.SubID = types.HashPathList(types.PathList(walk.failed))
			failMsg = &renamed
		}
		if err := ix.publishFailed(failMsg, walk.failed, ""); err != nil {
			return err
		}
	}
	return nil
}

// batch splits entries by count and accumulated size.
func (ix *Indexer) batch(indexed []*types.PathDetails) [][]*types.PathDetails {
	maxLen := ix.cfg.FilelistMaxLength
	if maxLen <= 0 {
		maxLen = 1000
	}
	maxSize := int64(ix.cfg.FilelistMaxSize)
	var batches [][]*types.PathDetails
	var current []*types.PathDetails
	var size int64
	for _, pd := range indexed {
		if len(current) > 0 &&
			(len(current) >= maxLen || (maxSize > 0 && size+pd.Size > maxSize)) {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, pd)
		size += pd.Size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (ix *Indexer) publishFailed(msg *types.Message, failed []*types.PathDetails,
	reason string) error {
	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.Details.State = types.StateCatalogRollback
	if reason != "" {
		out.Details.Failure = reason
		for _, pd := range failed {
			pd.Fail(reason)
		}
	}
	out.SetFilelist(failed)
	return ix.pub.Publish(rabbit.Key(rabbit.QueueIndex, rabbit.ActionFailed),
		out, rabbit.PublishOptions{})
}

// walker carries the traversal state of one request.
type walker struct {
	ident    *permissions.Identity
	checkFl  bool
	logger   zerolog.Logger
	indexed  []*types.PathDetails
	failed   []*types.PathDetails
	warnings []string
}

func (w *walker) visit(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		w.fail(path, fmt.Sprintf("inaccessible: %v", err))
		return
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		w.visitLink(path, info)
	case info.IsDir():
		w.visitDir(path, info)
	case info.Mode().IsRegular():
		w.visitFile(path, info)
	default:
		w.fail(path, "not a regular file, directory or symlink")
	}
}

func (w *walker) visitFile(path string, info os.FileInfo) {
	uid, gid := permissions.Owner(info)
	if w.checkFl && !w.ident.CheckInfo(info, permissions.Read) {
		w.fail(path, "inaccessible: permission denied")
		return
	}
	w.indexed = append(w.indexed, &types.PathDetails{
		OriginalPath: path,
		PathType:     types.PathTypeFile,
		Size:         info.Size(),
		User:         uid,
		Group:        gid,
		Permissions:  uint32(info.Mode().Perm()),
		AccessTime:   permissions.AccessTime(info),
	})
}

func (w *walker) visitLink(path string, info os.FileInfo) {
	target, err := os.Readlink(path)
	if err != nil {
		w.fail(path, fmt.Sprintf("unreadable symlink: %v", err))
		return
	}
	uid, gid := permissions.Owner(info)
	w.indexed = append(w.indexed, &types.PathDetails{
		OriginalPath: path,
		PathType:     types.PathTypeLink,
		LinkPath:     target,
		User:         uid,
		Group:        gid,
		Permissions:  uint32(info.Mode().Perm()),
		AccessTime:   permissions.AccessTime(info),
	})
}

func (w *walker) visitDir(path string, info os.FileInfo) {
	if w.checkFl && !w.ident.CheckInfo(info, permissions.Read|permissions.Execute) {
		w.warnings = append(w.warnings,
			fmt.Sprintf("skipped unreadable directory %s", path))
		w.logger.Warn().Str("path", path).Msg("Skipping unreadable directory")
		return
	}
	uid, gid := permissions.Owner(info)
	w.indexed = append(w.indexed, &types.PathDetails{
		OriginalPath: path,
		PathType:     types.PathTypeDirectory,
		User:         uid,
		Group:        gid,
		Permissions:  uint32(info.Mode().Perm()),
		AccessTime:   permissions.AccessTime(info),
	})
	entries, err := os.ReadDir(path)
	if err != nil {
		w.warnings = append(w.warnings,
			fmt.Sprintf("skipped unreadable directory %s: %v", path, err))
		return
	}
	for _, entry := range entries {
		w.visit(filepath.Join(path, entry.Name()))
	}
}

func (w *walker) fail(path, reason string) {
	w.failed = append(w.failed, &types.PathDetails{
		OriginalPath:  path,
		PathType:      types.PathTypeUnindexed,
		FailureReason: reason,
	})
}
