package transfer

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/log"
	"github.com/nearline/nlds/pkg/metrics"
	"github.com/nearline/nlds/pkg/objectstore"
	"github.com/nearline/nlds/pkg/permissions"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

// GetWorker downloads files from object storage back to the filesystem.
type GetWorker struct {
	worker
}

// NewGetWorker creates the transfer-get worker.
func NewGetWorker(pub Publisher, store objectstore.Store, cfg config.Worker,
	policy config.AccessPolicy) *GetWorker {
	return &GetWorker{worker{
		pub:    pub,
		store:  store,
		cfg:    cfg,
		policy: policy,
		queue:  rabbit.QueueTransferGet,
		logger: log.WithWorker(rabbit.QueueTransferGet),
	}}
}

// GetBindings returns the routing-key bindings of the transfer-get queue.
func GetBindings() []string {
	return []string{rabbit.Key(rabbit.QueueTransferGet, rabbit.Wild)}
}

// Handle consumes one download batch.
func (w *GetWorker) Handle(key string, msg *types.Message, props rabbit.Props) error {
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
	ident, err := permissions.Resolve(msg.Details.User)
	if err != nil {
		return w.failAll(msg, filelist, types.StateFailed, err.Error())
	}

	var done, failed []*types.PathDetails
	for _, pd := range filelist {
		if err := w.download(ident, msg.Details, pd); err != nil {
			pd.Fail(err.Error())
			failed = append(failed, pd)
			metrics.FilesFailedTotal.WithLabelValues(w.queue).Inc()
			continue
		}
		done = append(done, pd)
	}
	w.logger.Info().
		Str("transaction_id", msg.Details.TransactionID).
		Int("downloaded", len(done)).Int("failed", len(failed)).
		Msg("Download batch finished")
	return w.publishOutcome(msg, done, failed, types.StateFailed, "")
}

// download streams one object back to the filesystem and restores its
// POSIX metadata.
func (w *GetWorker) download(ident *permissions.Identity, details types.Details,
	pd *types.PathDetails) error {
	loc := pd.Locations.ObjectStorage
	if loc == nil || loc.Placeholder() {
		return fmt.Errorf("no retrievable object storage copy")
	}
	target := w.targetPath(details.Target, pd.OriginalPath)

	created, err := w.ensureParent(ident, target)
	if err != nil {
		return err
	}
	bucket := objectstore.BucketPrefix + loc.Root
	obj, err := w.store.Get(bucket, loc.Path)
	if err != nil {
		return err
	}
	defer obj.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %v", target, err)
	}
	n, err := io.Copy(out, obj)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return fmt.Errorf("write %s: %v", target, err)
	}
	metrics.TransferBytesTotal.WithLabelValues("get").Add(float64(n))

	if err := os.Chmod(target, os.FileMode(pd.Permissions&0o777)); err != nil {
		return fmt.Errorf("restore mode on %s: %v", target, err)
	}
	if w.cfg.ChownFl {
		// Parent directories this worker created are handed over too.
		for _, dir := range created {
			if err := w.chown(ident.User, dir); err != nil {
				return err
			}
		}
		if err := w.chown(ident.User, target); err != nil {
			return err
		}
	}
	return nil
}

// targetPath resolves where a file lands: under the request target when
// one is set, at its original path otherwise.
func (w *GetWorker) targetPath(target, originalPath string) string {
	if target == "" {
		return originalPath
	}
	return filepath.Join(target, originalPath)
}

// ensureParent creates the missing parent directories of target and
// verifies the nearest existing ancestor is writable by the requester. It
// returns the directories it created, outermost first.
func (w *GetWorker) ensureParent(ident *permissions.Identity, target string) ([]string, error) {
	parent := filepath.Dir(target)
	var missing []string
	probe := parent
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %v", probe, err)
		}
		missing = append([]string{probe}, missing...)
		next := filepath.Dir(probe)
		if next == probe {
			break
		}
		probe = next
	}
	if w.cfg.CheckPermissions && !ident.CanWrite(probe) {
		return nil, fmt.Errorf("target directory %s not writable", probe)
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create target directory %s: %v", parent, err)
	}
	return missing, nil
}

// chown hands a path over to the requesting user through the configured
// external setuid helper.
func (w *GetWorker) chown(user, path string) error {
	if w.cfg.ChownCmd == "" {
		return nil
	}
	if w.cfg.ChownUser != "" {
		user = w.cfg.ChownUser
	}
	cmd := exec.Command(w.cfg.ChownCmd, user, path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("chown %s: %v (%s)", path, err, out)
	}
	return nil
}
