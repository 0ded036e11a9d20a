package archive

import (
	"archive/tar"
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

// PrepareDelay is the long-poll interval of the staging check. The poll is
// a delayed republish, so no consumer sits blocked while tape robots work.
const PrepareDelay = 60 * time.Second

// GetWorker stages tar aggregates back from tape and streams the requested
// members into object storage.
type GetWorker struct {
	pub    Publisher
	store  objectstore.Store
	tape   tape.Client
	cfg    config.Worker
	policy config.AccessPolicy
	logger zerolog.Logger
}

// NewGetWorker creates the archive-get worker.
func NewGetWorker(pub Publisher, store objectstore.Store, tc tape.Client,
	cfg config.Worker, policy config.AccessPolicy) *GetWorker {
	return &GetWorker{
		pub:    pub,
		store:  store,
		tape:   tc,
		cfg:    cfg,
		policy: policy,
		logger: log.WithWorker(rabbit.QueueArchiveGet),
	}
}

// GetBindings returns the routing-key bindings of the archive-get queue.
func GetBindings() []string {
	return []string{rabbit.Key(rabbit.QueueArchiveGet, rabbit.Wild)}
}

// Handle dispatches on the staging phase encoded in the routing key.
func (w *GetWorker) Handle(key string, msg *types.Message, props rabbit.Props) error {
	_, action, ok := rabbit.SplitKey(key)
	if !ok || rabbit.IsEvent(action) {
		return nil
	}
	msg.Details.AddRoute(rabbit.QueueArchiveGet)
	switch action {
	case rabbit.ActionPrepare:
		return w.prepare(msg)
	case rabbit.ActionPrepareCheck:
		return w.prepareCheck(msg)
	case rabbit.ActionStart:
		return w.start(msg)
	}
	return nil
}

// retrieval groups the message's filelist by the tar aggregate each file
// lives in. Files without a tape copy fail immediately.
func (w *GetWorker) retrieval(msg *types.Message) (map[string][]*types.PathDetails,
	[]*types.PathDetails, error) {
	if len(msg.Data.Retrieval) > 0 {
		return msg.Data.Retrieval, nil, nil
	}
	filelist, err := msg.Filelist()
	if err != nil {
		return nil, nil, err
	}
	byTar := map[string][]*types.PathDetails{}
	var failed []*types.PathDetails
	for _, pd := range filelist {
		loc := pd.Locations.Tape
		if loc == nil || loc.Placeholder() {
			pd.Fail("no tape copy recorded")
			failed = append(failed, pd)
			continue
		}
		tarpath := path.Join(loc.HoldingPrefix, loc.TarName)
		byTar[tarpath] = append(byTar[tarpath], pd)
	}
	return byTar, failed, nil
}

// prepare submits one staging request for every tar that is offline and
// defers the batch to prepare-check; tars already online go straight to
// the streaming phase.
func (w *GetWorker) prepare(msg *types.Message) error {
	byTar, failed, err := w.retrieval(msg)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		if err := w.publishFailed(msg, failed); err != nil {
			return err
		}
	}
	if len(byTar) == 0 {
		return nil
	}

	var offline []string
	for tarpath := range byTar {
		st, err := w.tape.Stat(tarpath)
		if err != nil {
			if err := w.failTar(msg, tarpath, byTar[tarpath], err); err != nil {
				return err
			}
			delete(byTar, tarpath)
			continue
		}
		if st.Offline {
			offline = append(offline, tarpath)
		}
	}
	if len(byTar) == 0 {
		return nil
	}

	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.Data.Retrieval = byTar
	if len(offline) == 0 {
		return w.pub.Publish(rabbit.Key(rabbit.QueueArchiveGet, rabbit.ActionStart),
			out, rabbit.PublishOptions{})
	}
	prepareID, err := w.tape.Prepare(offline)
	if err != nil {
		var all []*types.PathDetails
		for _, files := range byTar {
			all = append(all, failWith(files, err)...)
		}
		return w.publishFailed(msg, all)
	}
	w.logger.Info().Str("prepare_id", prepareID).Int("tars", len(offline)).
		Msg("Staging submitted, polling")
	out.Data.PrepareID = prepareID
	out.Data.PrepareTime = time.Now().UTC()
	return w.pub.Publish(rabbit.Key(rabbit.QueueArchiveGet, rabbit.ActionPrepareCheck),
		out, rabbit.PublishOptions{Delay: PrepareDelay})
}

// prepareCheck polls the staging request, republishing itself until every
// tar is online.
func (w *GetWorker) prepareCheck(msg *types.Message) error {
	byTar := msg.Data.Retrieval
	tars := make([]string, 0, len(byTar))
	for tarpath := range byTar {
		tars = append(tars, tarpath)
	}
	status, err := w.tape.PrepareStatus(msg.Data.PrepareID, tars)
	if err != nil {
		var all []*types.PathDetails
		for _, files := range byTar {
			all = append(all, failWith(files, err)...)
		}
		return w.publishFailed(msg, all)
	}
	for _, online := range status {
		if !online {
			return w.pub.Publish(
				rabbit.Key(rabbit.QueueArchiveGet, rabbit.ActionPrepareCheck),
				msg, rabbit.PublishOptions{Delay: PrepareDelay})
		}
	}
	if !msg.Data.PrepareTime.IsZero() {
		metrics.TapeStageWaitSeconds.Observe(time.Since(msg.Data.PrepareTime).Seconds())
	}
	// All online: stream each aggregate as its own batch.
	for tarpath, files := range byTar {
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.Data.Retrieval = map[string][]*types.PathDetails{tarpath: files}
		if err := w.pub.Publish(rabbit.Key(rabbit.QueueArchiveGet, rabbit.ActionStart),
			out, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// start streams the requested members of each staged tar back into the
// transaction's bucket.
func (w *GetWorker) start(msg *types.Message) error {
	byTar, failed, err := w.retrieval(msg)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		if err := w.publishFailed(msg, failed); err != nil {
			return err
		}
	}

	bucket := objectstore.BucketName(msg.Details.TransactionID)
	policy, err := objectstore.BuildPolicy(bucket, w.policy.ServiceUser,
		msg.Details.Group, w.policy.GroupRead)
	if err != nil {
		return err
	}
	if err := w.store.EnsureBucket(bucket, policy); err != nil {
		var all []*types.PathDetails
		for _, files := range byTar {
			all = append(all, failWith(files, err)...)
		}
		return w.publishFailed(msg, all)
	}

	var processed []string
	for tarpath, files := range byTar {
		done, err := w.streamTar(tarpath, files, msg.Details)
		if err != nil {
			// Confine the error to this tar's file list.
			if err := w.failTar(msg, tarpath, files, err); err != nil {
				return err
			}
			continue
		}
		processed = append(processed, tarpath)
		if err := w.publishComplete(msg, done); err != nil {
			return err
		}
	}
	if len(processed) > 0 {
		// Staged copies this handler no longer needs; tars covered by an
		// outstanding prepare of another batch survive eviction because
		// the tape system holds them until that prepare resolves.
		if err := w.tape.Evict(processed); err != nil {
			w.logger.Warn().Err(err).Msg("Evict failed")
		}
	}
	return nil
}

// streamTar copies the requested members of one tar into the bucket.
func (w *GetWorker) streamTar(tarpath string, files []*types.PathDetails,
	details types.Details) ([]*types.PathDetails, error) {
	want := map[string]*types.PathDetails{}
	for _, pd := range files {
		want[pd.OriginalPath] = pd
	}
	in, err := w.tape.Open(tarpath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	adler := NewAdlerReader(in)
	tr := tar.NewReader(adler)
	bucket := objectstore.BucketName(details.TransactionID)
	var done []*types.PathDetails
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar %s: %w", tarpath, err)
		}
		pd, ok := want[hdr.Name]
		if !ok {
			continue
		}
		n, err := w.store.Put(bucket, pd.OriginalPath, tr, hdr.Size)
		if err != nil {
			return nil, err
		}
		metrics.TransferBytesTotal.WithLabelValues("archive-get").Add(float64(n))
		pd.Locations.ObjectStorage = &types.ObjectLocation{
			URLScheme:  "http",
			URLNetloc:  details.Tenancy,
			Root:       details.TransactionID,
			Path:       pd.OriginalPath,
			AccessTime: time.Now().UTC(),
		}
		done = append(done, pd)
		delete(want, pd.OriginalPath)
	}
	if len(want) > 0 {
		for _, pd := range want {
			pd.Fail(fmt.Sprintf("member not found in tar %s", tarpath))
		}
		return nil, types.Errorf(types.ErrIntegrityFailure,
			"%d members missing from tar %s", len(want), tarpath)
	}
	return done, nil
}

func (w *GetWorker) failTar(msg *types.Message, tarpath string,
	files []*types.PathDetails, cause error) error {
	w.logger.Error().Err(cause).Str("tarpath", tarpath).Msg("Tar retrieval failed")
	for range files {
		metrics.FilesFailedTotal.WithLabelValues(rabbit.QueueArchiveGet).Inc()
	}
	return w.publishFailed(msg, failWith(files, cause))
}

func failWith(files []*types.PathDetails, cause error) []*types.PathDetails {
	for _, pd := range files {
		pd.Fail(cause.Error())
	}
	return files
}

func (w *GetWorker) publishComplete(msg *types.Message, done []*types.PathDetails) error {
	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.SetFilelist(done)
	return w.pub.Publish(rabbit.Key(rabbit.QueueArchiveGet, rabbit.ActionComplete),
		out, rabbit.PublishOptions{})
}

func (w *GetWorker) publishFailed(msg *types.Message, failed []*types.PathDetails) error {
	if len(failed) == 0 {
		return nil
	}
	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.Details.State = types.StateCatalogDeleteRollback
	out.SetFilelist(failed)
	return w.pub.Publish(rabbit.Key(rabbit.QueueArchiveGet, rabbit.ActionFailed),
		out, rabbit.PublishOptions{})
}
