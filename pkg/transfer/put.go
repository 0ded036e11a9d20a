package transfer

import (
	"fmt"
	"os"
	"time"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/log"
	"github.com/nearline/nlds/pkg/metrics"
	"github.com/nearline/nlds/pkg/objectstore"
	"github.com/nearline/nlds/pkg/permissions"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

// PutWorker uploads indexed files into the transaction's bucket.
type PutWorker struct {
	worker
}

// NewPutWorker creates the transfer-put worker.
func NewPutWorker(pub Publisher, store objectstore.Store, cfg config.Worker,
	policy config.AccessPolicy) *PutWorker {
	return &PutWorker{worker{
		pub:    pub,
		store:  store,
		cfg:    cfg,
		policy: policy,
		queue:  rabbit.QueueTransferPut,
		logger: log.WithWorker(rabbit.QueueTransferPut),
	}}
}

// PutBindings returns the routing-key bindings of the transfer-put queue.
func PutBindings() []string {
	return []string{rabbit.Key(rabbit.QueueTransferPut, rabbit.Wild)}
}

// Handle consumes one upload batch.
func (w *PutWorker) Handle(key string, msg *types.Message, props rabbit.Props) error {
	_, action, ok := rabbit.SplitKey(key)
	if !ok || rabbit.IsEvent(action) {
		return nil
	}
	if action != rabbit.ActionInitiate && action != rabbit.ActionStart {
		return nil
	}
	msg.Details.AddRoute(w.queue)

	filelist, err := msg.Filelist()
	if err != nil {
		return err
	}
	bucket := objectstore.BucketName(msg.Details.TransactionID)
	policy, err := objectstore.BuildPolicy(bucket, w.policy.ServiceUser,
		msg.Details.Group, w.policy.GroupRead)
	if err != nil {
		return err
	}
	// An existing bucket keeps its policy, with the service statement
	// re-applied; a group admin's edits survive.
	if pr, ok := w.store.(objectstore.PolicyReader); ok {
		if existing, err := pr.Policy(bucket); err == nil && existing != "" {
			if merged, err := objectstore.MergePolicy(existing, bucket,
				w.policy.ServiceUser, msg.Details.Group, w.policy.GroupRead); err == nil {
				policy = merged
			}
		}
	}
	if err := w.store.EnsureBucket(bucket, policy); err != nil {
		// Whole-batch failure: without the bucket nothing can upload.
		return w.failAll(msg, filelist, types.StateCatalogRollback, err.Error())
	}
	ident, err := permissions.Resolve(msg.Details.User)
	if err != nil {
		return w.failAll(msg, filelist, types.StateCatalogRollback, err.Error())
	}

	var done, failed []*types.PathDetails
	for _, pd := range filelist {
		if pd.PathType != types.PathTypeFile {
			// Directories and links are catalogued, never uploaded.
			done = append(done, pd)
			continue
		}
		if err := w.upload(ident, bucket, msg.Details, pd); err != nil {
			pd.Fail(err.Error())
			failed = append(failed, pd)
			metrics.FilesFailedTotal.WithLabelValues(w.queue).Inc()
			continue
		}
		done = append(done, pd)
	}
	w.logger.Info().
		Str("transaction_id", msg.Details.TransactionID).
		Int("uploaded", len(done)).Int("failed", len(failed)).
		Msg("Upload batch finished")
	return w.publishOutcome(msg, done, failed, types.StateCatalogRollback, "")
}

// upload streams one file to the object store and records its location.
func (w *PutWorker) upload(ident *permissions.Identity, bucket string,
	details types.Details, pd *types.PathDetails) error {
	info, err := os.Stat(pd.OriginalPath)
	if err != nil {
		return fmt.Errorf("inaccessible: %v", err)
	}
	if w.cfg.CheckPermissions && !ident.CheckInfo(info, permissions.Read) {
		return fmt.Errorf("inaccessible: permission denied")
	}
	f, err := os.Open(pd.OriginalPath)
	if err != nil {
		return fmt.Errorf("open: %v", err)
	}
	defer f.Close()

	n, err := w.store.Put(bucket, pd.OriginalPath, f, info.Size())
	if err != nil {
		return err
	}
	metrics.TransferBytesTotal.WithLabelValues("put").Add(float64(n))

	pd.Locations.ObjectStorage = &types.ObjectLocation{
		URLScheme:  "http",
		URLNetloc:  details.Tenancy,
		Root:       details.TransactionID,
		Path:       pd.OriginalPath,
		AccessTime: time.Now().UTC(),
	}
	return nil
}
