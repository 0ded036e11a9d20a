package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/log"
	"github.com/nearline/nlds/pkg/metrics"
	"github.com/nearline/nlds/pkg/objectstore"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/tape"
	"github.com/nearline/nlds/pkg/types"
)

// Publisher is the outbound half of the message bus.
type Publisher interface {
	Publish(key string, msg *types.Message, opts rabbit.PublishOptions) error
}

// PutWorker streams a holding's object-store contents into tar aggregates
// on tape.
type PutWorker struct {
	pub    Publisher
	store  objectstore.Store
	tape   tape.Client
	cfg    config.Worker
	server string
	logger zerolog.Logger
}

// NewPutWorker creates the archive-put worker.
func NewPutWorker(pub Publisher, store objectstore.Store, tc tape.Client,
	cfg config.Worker) *PutWorker {
	raw := cfg.TapeURL
	if raw == "" {
		raw = cfg.DefaultTapeURL
	}
	server := raw
	if u, err := tape.ParseURL(raw); err == nil {
		server = u.Server
	}
	return &PutWorker{
		pub:    pub,
		store:  store,
		tape:   tc,
		cfg:    cfg,
		server: server,
		logger: log.WithWorker(rabbit.QueueArchivePut),
	}
}

// PutBindings returns the routing-key bindings of the archive-put queue.
func PutBindings() []string {
	return []string{rabbit.Key(rabbit.QueueArchivePut, rabbit.Wild)}
}

// Handle consumes one archive request covering the unarchived files of a
// single holding.
func (w *PutWorker) Handle(key string, msg *types.Message, props rabbit.Props) error {
	_, action, ok := rabbit.SplitKey(key)
	if !ok || rabbit.IsEvent(action) {
		return nil
	}
	if action != rabbit.ActionInitiate && action != rabbit.ActionStart {
		return nil
	}
	msg.Details.AddRoute(rabbit.QueueArchivePut)

	filelist, err := msg.Filelist()
	if err != nil {
		return err
	}

	// Step 1: every file must still be on object storage at its recorded
	// size; files that are not fail individually.
	var archivable, failed []*types.PathDetails
	for _, pd := range filelist {
		if err := w.verifyObject(pd); err != nil {
			pd.Fail(err.Error())
			failed = append(failed, pd)
			metrics.FilesFailedTotal.WithLabelValues(rabbit.QueueArchivePut).Inc()
			continue
		}
		archivable = append(archivable, pd)
	}

	prefix := tape.HoldingPrefix(msg.Meta.HoldingID, msg.Details.User, msg.Details.Group)
	if len(archivable) > 0 {
		if err := w.tape.MkdirAll(prefix); err != nil {
			// Whole-batch failure: no aggregate can be written.
			for _, pd := range archivable {
				pd.Fail(err.Error())
			}
			failed = append(failed, archivable...)
			archivable = nil
		}
	}

	// Each aggregate succeeds or fails as a unit; an IO error on one tar
	// never touches the others.
	for _, bin := range Pack(archivable, int64(w.cfg.TargetAggregationSize)) {
		tarname, checksum, err := w.writeAggregate(prefix, bin, props.Retry)
		if err != nil {
			w.logger.Error().Err(err).Str("tarname", tarname).
				Msg("Aggregate failed")
			for _, pd := range bin {
				pd.Fail(err.Error())
			}
			if err := w.publishFailed(msg, bin); err != nil {
				return err
			}
			continue
		}
		for _, pd := range bin {
			pd.Locations.Tape = &types.TapeLocation{
				Server:        w.server,
				HoldingPrefix: prefix,
				TarName:       tarname,
				AccessTime:    time.Now().UTC(),
			}
		}
		metrics.AggregationsWrittenTotal.Inc()
		if err := w.publishComplete(msg, bin, tarname, checksum); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		return w.publishFailed(msg, failed)
	}
	return nil
}

// verifyObject checks the file still exists in its bucket at the expected
// size.
func (w *PutWorker) verifyObject(pd *types.PathDetails) error {
	loc := pd.Locations.ObjectStorage
	if loc == nil || loc.Placeholder() {
		return fmt.Errorf("no object storage copy to archive")
	}
	info, err := w.store.Stat(objectstore.BucketPrefix+loc.Root, loc.Path)
	if err != nil {
		return err
	}
	if info.Size != pd.Size {
		return fmt.Errorf("object size %d does not match catalogue size %d",
			info.Size, pd.Size)
	}
	return nil
}

// writeAggregate streams one bin into a tar on tape and verifies the
// stream against the tape server's checksum. On any failure the tape file
// is deleted before the error is returned.
func (w *PutWorker) writeAggregate(prefix string, bin []*types.PathDetails,
	attempt int) (string, uint32, error) {
	tarname := TarName(types.PathList(bin), attempt)
	tarpath := path.Join(prefix, tarname)

	out, err := w.tape.OpenExclusive(tarpath)
	if errors.Is(err, types.ErrConflict) && attempt > 0 {
		// A redelivered message may find the previous attempt's partial
		// tar; the attempt counter in the name sidesteps it.
		tarname = TarName(types.PathList(bin), attempt+1)
		tarpath = path.Join(prefix, tarname)
		out, err = w.tape.OpenExclusive(tarpath)
	}
	if err != nil {
		return tarname, 0, err
	}

	adler := NewAdlerWriter(out)
	tw := tar.NewWriter(adler)
	streamErr := w.streamFiles(tw, bin)
	if err := tw.Close(); streamErr == nil {
		streamErr = err
	}
	if err := out.Close(); streamErr == nil {
		streamErr = err
	}
	if streamErr != nil {
		w.tape.Delete(tarpath)
		return tarname, 0, streamErr
	}

	tapeSum, err := w.tape.Checksum(tarpath)
	if err != nil {
		w.tape.Delete(tarpath)
		return tarname, 0, err
	}
	if tapeSum != adler.Sum32() {
		w.tape.Delete(tarpath)
		return tarname, 0, types.Errorf(types.ErrIntegrityFailure,
			"tape checksum %08x does not match streamed checksum %08x",
			tapeSum, adler.Sum32())
	}
	return tarname, adler.Sum32(), nil
}

// copyBuffer sizes the streaming buffer from the chunk_size option.
func copyBuffer(size int64) []byte {
	if size <= 0 {
		size = 1 << 20
	}
	return make([]byte, size)
}

func (w *PutWorker) streamFiles(tw *tar.Writer, bin []*types.PathDetails) error {
	buf := copyBuffer(int64(w.cfg.ChunkSize))
	for _, pd := range bin {
		loc := pd.Locations.ObjectStorage
		obj, err := w.store.Get(objectstore.BucketPrefix+loc.Root, loc.Path)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    pd.OriginalPath,
			Mode:    int64(pd.Permissions),
			Uid:     pd.User,
			Gid:     pd.Group,
			Size:    pd.Size,
			ModTime: pd.AccessTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			obj.Close()
			return fmt.Errorf("tar header for %s: %w", pd.OriginalPath, err)
		}
		n, err := io.CopyBuffer(tw, obj, buf)
		obj.Close()
		if err != nil {
			return fmt.Errorf("tar stream for %s: %w", pd.OriginalPath, err)
		}
		metrics.TransferBytesTotal.WithLabelValues("archive-put").Add(float64(n))
	}
	return nil
}

func (w *PutWorker) publishComplete(msg *types.Message, bin []*types.PathDetails,
	tarname string, checksum uint32) error {
	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.SetFilelist(bin)
	out.Data.TarFile = tarname
	out.Data.Checksum = checksum
	return w.pub.Publish(rabbit.Key(rabbit.QueueArchivePut, rabbit.ActionComplete),
		out, rabbit.PublishOptions{})
}

func (w *PutWorker) publishFailed(msg *types.Message, failed []*types.PathDetails) error {
	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.Details.State = types.StateCatalogArchiveRollback
	out.SetFilelist(failed)
	return w.pub.Publish(rabbit.Key(rabbit.QueueArchivePut, rabbit.ActionFailed),
		out, rabbit.PublishOptions{})
}
