package catalog

import (
	"encoding/json"
	"errors"
	"path"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/nearline/nlds/pkg/log"
	"github.com/nearline/nlds/pkg/rabbit"
	"github.com/nearline/nlds/pkg/types"
)

// Publisher is the outbound half of the message bus, including the RPC
// reply path.
type Publisher interface {
	Publish(key string, msg *types.Message, opts rabbit.PublishOptions) error
	Reply(replyTo, correlationID string, msg *types.Message) error
}

// Worker consumes the catalog queues: the event-driven update path of the
// PUT, GET and ARCHIVE workflows plus the list/find/meta query path.
type Worker struct {
	cat    *Catalog
	pub    Publisher
	logger zerolog.Logger
}

// NewWorker creates the catalog worker.
func NewWorker(cat *Catalog, pub Publisher) *Worker {
	return &Worker{cat: cat, pub: pub, logger: log.WithWorker(rabbit.QueueCatalog)}
}

// Bindings returns the routing-key bindings of the catalog queue.
func Bindings() []string {
	return []string{
		rabbit.Key(rabbit.QueueCatalog, rabbit.Wild),
		rabbit.Key(rabbit.QueueCatalogPut, rabbit.Wild),
		rabbit.Key(rabbit.QueueCatalogGet, rabbit.Wild),
		rabbit.Key(rabbit.QueueCatalogDel, rabbit.Wild),
		rabbit.Key(rabbit.QueueCatalogUpdate, rabbit.Wild),
		rabbit.Key(rabbit.QueueCatalogRemove, rabbit.Wild),
		rabbit.Key(rabbit.QueueCatalogArchiveNext, rabbit.Wild),
		rabbit.Key(rabbit.QueueCatalogArchiveUpd, rabbit.Wild),
	}
}

// Handle dispatches on the worker and action tokens of the routing key.
func (w *Worker) Handle(key string, msg *types.Message, props rabbit.Props) error {
	worker, action, ok := rabbit.SplitKey(key)
	if !ok || rabbit.IsEvent(action) {
		return nil
	}
	msg.Details.AddRoute(worker)
	switch worker {
	case rabbit.QueueCatalogPut:
		if action == rabbit.ActionInitiate {
			return w.putInitiate(msg)
		}
		return w.putStart(msg)
	case rabbit.QueueCatalogGet:
		return w.getStart(msg)
	case rabbit.QueueCatalogUpdate:
		return w.updateStart(msg)
	case rabbit.QueueCatalogDel:
		return w.delStart(msg)
	case rabbit.QueueCatalogRemove:
		return w.removeStart(msg)
	case rabbit.QueueCatalogArchiveNext:
		return w.archiveNext(msg)
	case rabbit.QueueCatalogArchiveUpd:
		return w.archiveUpdate(msg)
	case rabbit.QueueCatalog:
		return w.rpc(action, msg, props)
	}
	return nil
}

// holdingQuery builds the holding selector of a message.
func holdingQuery(msg *types.Message) HoldingQuery {
	label := msg.Meta.Label
	if label != "" {
		label = regexp.QuoteMeta(label)
	}
	return HoldingQuery{
		User:      msg.Details.User,
		Group:     msg.Details.Group,
		GroupAll:  msg.Details.GroupAll,
		Label:     label,
		HoldingID: msg.Meta.HoldingID,
		Tag:       msg.Meta.Tag,
	}
}

// putInitiate ensures the request's holding and transaction exist before
// indexing begins.
func (w *Worker) putInitiate(msg *types.Message) error {
	s, err := w.cat.Begin()
	if err != nil {
		return err
	}
	defer s.Rollback()

	label := msg.Meta.Label
	if label == "" && msg.Meta.HoldingID == 0 {
		// An unlabelled PUT opens a fresh holding named after its
		// transaction.
		label = shortID(msg.Details.TransactionID)
	}
	q := holdingQuery(msg)
	if q.Label == "" && q.HoldingID == 0 {
		q.Label = regexp.QuoteMeta(label)
	}
	holding, err := s.GetHolding(q)
	if errors.Is(err, types.ErrNotFound) && msg.Meta.HoldingID == 0 {
		holding, err = s.CreateHolding(msg.Details.User, msg.Details.Group, label)
	}
	if err != nil {
		return w.publishWorkerFailed(rabbit.QueueCatalogPut, msg, err)
	}

	if _, err := s.GetTransactionByUUID(msg.Details.TransactionID); errors.Is(err, types.ErrNotFound) {
		if _, err := s.CreateTransaction(holding, msg.Details.TransactionID); err != nil {
			return w.publishWorkerFailed(rabbit.QueueCatalogPut, msg, err)
		}
	} else if err != nil {
		return err
	}
	if err := s.Commit(); err != nil {
		return err
	}

	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.Meta.HoldingID = holding.ID
	out.Data = msg.Data
	return w.pub.Publish(rabbit.Key(rabbit.QueueCatalogPut, rabbit.ActionInitComplete),
		out, rabbit.PublishOptions{})
}

// putStart records the indexed files of one batch, rejecting duplicate
// original paths within the holding.
func (w *Worker) putStart(msg *types.Message) error {
	filelist, err := msg.Filelist()
	if err != nil {
		return err
	}
	s, err := w.cat.Begin()
	if err != nil {
		return err
	}
	defer s.Rollback()

	txn, err := s.GetTransactionByUUID(msg.Details.TransactionID)
	if err != nil {
		return w.publishWorkerFailed(rabbit.QueueCatalogPut, msg, err)
	}
	var done, failed []*types.PathDetails
	for _, pd := range filelist {
		if _, err := s.CreateFile(txn, pd); err != nil {
			pd.Fail(err.Error())
			failed = append(failed, pd)
			continue
		}
		done = append(done, pd)
	}
	if err := s.Commit(); err != nil {
		return err
	}
	if len(done) > 0 {
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.SetFilelist(done)
		if err := w.pub.Publish(rabbit.Key(rabbit.QueueCatalogPut, rabbit.ActionComplete),
			out, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.SetFilelist(failed)
		if err := w.pub.Publish(rabbit.Key(rabbit.QueueCatalogPut, rabbit.ActionFailed),
			out, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// getStart resolves the requested files. Files with a real object storage
// copy pass straight to the transfer; files only on tape get a placeholder
// object location and route to the archive restore.
func (w *Worker) getStart(msg *types.Message) error {
	filelist, err := msg.Filelist()
	if err != nil {
		return err
	}
	s, err := w.cat.Begin()
	if err != nil {
		return err
	}
	defer s.Rollback()

	var passThrough, restore, failed []*types.PathDetails
	for _, pd := range filelist {
		q := holdingQuery(msg)
		fq := FileQuery{
			User: q.User, Group: q.Group, GroupAll: q.GroupAll,
			Label: q.Label, HoldingID: q.HoldingID, Tag: q.Tag,
			Path: regexp.QuoteMeta(pd.OriginalPath), One: true,
		}
		files, err := s.GetFiles(fq)
		if err != nil {
			pd.Fail(err.Error())
			failed = append(failed, pd)
			continue
		}
		f := files[0]
		fillFromFile(pd, f)
		objLoc, err := s.GetLocation(f, types.StorageObject)
		if err != nil {
			return err
		}
		if objLoc != nil && !objLoc.Placeholder() {
			pd.Locations.ObjectStorage = objectLocation(objLoc)
			passThrough = append(passThrough, pd)
			continue
		}
		tapeLoc, err := s.GetLocation(f, types.StorageTape)
		if err != nil {
			return err
		}
		if tapeLoc == nil || tapeLoc.Placeholder() {
			pd.Fail("no retrievable copy on any storage tier")
			failed = append(failed, pd)
			continue
		}
		if objLoc == nil {
			// Placeholder marks the in-flight restore from tape.
			if _, err := s.CreateLocation(f, types.StorageObject,
				"", "", "", "", time.Now(), nil); err != nil && !errors.Is(err, types.ErrConflict) {
				return err
			}
		}
		pd.Locations.Tape = tapeLocation(tapeLoc)
		restore = append(restore, pd)
	}
	if err := s.Commit(); err != nil {
		return err
	}

	if len(passThrough) > 0 {
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.SetFilelist(passThrough)
		if err := w.pub.Publish(rabbit.Key(rabbit.QueueCatalogGet, rabbit.ActionComplete),
			out, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	if len(restore) > 0 {
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.SetFilelist(restore)
		if err := w.pub.Publish(
			rabbit.Key(rabbit.QueueCatalogGet, rabbit.ActionArchiveRestore),
			out, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	if len(failed) > 0 {
		out := types.NewMessage(msg.Details)
		out.Meta = msg.Meta
		out.SetFilelist(failed)
		if err := w.pub.Publish(rabbit.Key(rabbit.QueueCatalogGet, rabbit.ActionFailed),
			out, rabbit.PublishOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// updateStart records or fills the object storage location of each file
// after a transfer-put or an archive restore.
func (w *Worker) updateStart(msg *types.Message) error {
	filelist, err := msg.Filelist()
	if err != nil {
		return err
	}
	s, err := w.cat.Begin()
	if err != nil {
		return err
	}
	defer s.Rollback()

	for _, pd := range filelist {
		src := pd.Locations.ObjectStorage
		if src == nil {
			// Directories and links carry no object copy.
			continue
		}
		f, err := w.resolveFile(s, msg, pd)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", pd.OriginalPath).
				Msg("Skipping location update for unknown file")
			continue
		}
		loc, err := s.GetLocation(f, types.StorageObject)
		if err != nil {
			return err
		}
		switch {
		case loc == nil:
			if _, err := s.CreateLocation(f, types.StorageObject,
				src.URLScheme, src.URLNetloc, src.Root, src.Path,
				src.AccessTime, nil); err != nil && !errors.Is(err, types.ErrConflict) {
				return err
			}
		case loc.Placeholder():
			loc.URLScheme = src.URLScheme
			loc.URLNetloc = src.URLNetloc
			loc.Root = src.Root
			loc.Path = src.Path
			loc.AccessTime = src.AccessTime
			if err := s.UpdateLocation(loc); err != nil {
				return err
			}
		default:
			loc.AccessTime = time.Now().UTC()
			if err := s.UpdateLocation(loc); err != nil {
				return err
			}
		}
	}
	if err := s.Commit(); err != nil {
		return err
	}

	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.Data = msg.Data
	return w.pub.Publish(rabbit.Key(rabbit.QueueCatalogUpdate, rabbit.ActionComplete),
		out, rabbit.PublishOptions{})
}

// delStart withdraws the files of a failed transfer batch, checkpointing
// per file so earlier deletes survive a later failure.
func (w *Worker) delStart(msg *types.Message) error {
	filelist, err := msg.Filelist()
	if err != nil {
		return err
	}
	s, err := w.cat.Begin()
	if err != nil {
		return err
	}
	txn, err := s.GetTransactionByUUID(msg.Details.TransactionID)
	s.Rollback()
	if err != nil {
		return w.publishWorkerFailed(rabbit.QueueCatalogDel, msg, err)
	}

	for _, pd := range filelist {
		s, err := w.cat.Begin()
		if err != nil {
			return err
		}
		f, err := s.GetFileByPath(txn.HoldingID, pd.OriginalPath)
		if err != nil {
			s.Rollback()
			continue
		}
		if err := s.deleteFileCascade(f); err != nil {
			s.Rollback()
			return err
		}
		if err := s.Commit(); err != nil {
			return err
		}
	}
	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.SetFilelist(filelist)
	return w.pub.Publish(rabbit.Key(rabbit.QueueCatalogDel, rabbit.ActionComplete),
		out, rabbit.PublishOptions{})
}

// removeStart clears the placeholder locations left by a failed archive
// operation. Only locations whose URL fields are all empty are eligible.
func (w *Worker) removeStart(msg *types.Message) error {
	filelist, err := msg.Filelist()
	if err != nil {
		return err
	}
	st := msg.Data.StorageType
	if st == "" {
		return types.Errorf(types.ErrInvalidRequest, "remove without storage type")
	}
	s, err := w.cat.Begin()
	if err != nil {
		return err
	}
	defer s.Rollback()

	for _, pd := range filelist {
		f, err := w.resolveFile(s, msg, pd)
		if err != nil {
			continue
		}
		loc, err := s.GetLocation(f, st)
		if err != nil {
			return err
		}
		if loc == nil || !loc.Placeholder() {
			continue
		}
		if err := s.DeleteLocation(f, st); err != nil {
			return err
		}
	}
	if err := s.Commit(); err != nil {
		return err
	}
	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.Data = msg.Data
	out.SetFilelist(filelist)
	return w.pub.Publish(rabbit.Key(rabbit.QueueCatalogRemove, rabbit.ActionComplete),
		out, rabbit.PublishOptions{})
}

// archiveNext selects the next unarchived holding and creates placeholder
// tape locations for its files.
func (w *Worker) archiveNext(msg *types.Message) error {
	s, err := w.cat.Begin()
	if err != nil {
		return err
	}
	defer s.Rollback()

	holding, err := s.GetNextUnarchivedHolding()
	if err != nil {
		return err
	}
	if holding == nil {
		w.logger.Info().Msg("No unarchived holdings, archive cycle idle")
		return s.Commit()
	}
	files, err := s.GetUnarchivedFiles(holding)
	if err != nil {
		return err
	}
	var filelist []*types.PathDetails
	for _, f := range files {
		if _, err := s.CreateLocation(f, types.StorageTape,
			"", "", "", "", time.Now(), nil); err != nil && !errors.Is(err, types.ErrConflict) {
			return err
		}
		pd := &types.PathDetails{}
		fillFromFile(pd, f)
		objLoc, err := s.GetLocation(f, types.StorageObject)
		if err != nil {
			return err
		}
		if objLoc != nil {
			pd.Locations.ObjectStorage = objectLocation(objLoc)
		}
		filelist = append(filelist, pd)
	}
	if err := s.Commit(); err != nil {
		return err
	}

	out := types.NewMessage(msg.Details)
	out.Details.User = holding.User
	out.Details.Group = holding.Group
	out.Meta = msg.Meta
	out.Meta.HoldingID = holding.ID
	out.SetFilelist(filelist)
	return w.pub.Publish(
		rabbit.Key(rabbit.QueueCatalogArchiveNext, rabbit.ActionComplete),
		out, rabbit.PublishOptions{})
}

// archiveUpdate attaches a filled aggregation to the tape locations of the
// files it covers.
func (w *Worker) archiveUpdate(msg *types.Message) error {
	filelist, err := msg.Filelist()
	if err != nil {
		return err
	}
	if msg.Data.TarFile == "" {
		return types.Errorf(types.ErrInvalidRequest, "archive update without tarname")
	}
	s, err := w.cat.Begin()
	if err != nil {
		return err
	}
	defer s.Rollback()

	// Redelivery finds the aggregation already created.
	agg, err := s.GetAggregationByTarName(msg.Data.TarFile)
	if errors.Is(err, types.ErrNotFound) {
		agg, err = s.CreateAggregation(msg.Data.TarFile, msg.Data.Checksum, "ADLER32", false)
	}
	if err != nil {
		return err
	}
	for _, pd := range filelist {
		src := pd.Locations.Tape
		if src == nil {
			continue
		}
		f, err := w.resolveFile(s, msg, pd)
		if err != nil {
			continue
		}
		loc, err := s.GetLocation(f, types.StorageTape)
		if err != nil {
			return err
		}
		if loc == nil {
			continue
		}
		loc.URLScheme = "root"
		loc.URLNetloc = src.Server
		loc.Root = path.Join(src.HoldingPrefix, src.TarName)
		loc.Path = pd.OriginalPath
		loc.AccessTime = time.Now().UTC()
		loc.AggregationID = agg.ID
		if err := s.UpdateLocation(loc); err != nil {
			return err
		}
	}
	if err := s.Commit(); err != nil {
		return err
	}
	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.Data = msg.Data
	return w.pub.Publish(
		rabbit.Key(rabbit.QueueCatalogArchiveUpd, rabbit.ActionComplete),
		out, rabbit.PublishOptions{})
}

// resolveFile finds the catalogue row a path detail refers to: inside the
// message's transaction first, then by path across the caller's holdings.
func (w *Worker) resolveFile(s *Session, msg *types.Message, pd *types.PathDetails) (*File, error) {
	txn, err := s.GetTransactionByUUID(msg.Details.TransactionID)
	if err == nil {
		if f, err := s.GetFileByPath(txn.HoldingID, pd.OriginalPath); err == nil {
			return f, nil
		}
	}
	q := holdingQuery(msg)
	files, err := s.GetFiles(FileQuery{
		User: q.User, Group: q.Group, GroupAll: q.GroupAll,
		Label: q.Label, HoldingID: q.HoldingID, Tag: q.Tag,
		Path: regexp.QuoteMeta(pd.OriginalPath), One: true,
	})
	if err != nil {
		return nil, err
	}
	return files[0], nil
}

// publishWorkerFailed routes a whole-batch failure of one catalog queue.
func (w *Worker) publishWorkerFailed(queue string, msg *types.Message, cause error) error {
	w.logger.Error().Err(cause).Str("queue", queue).
		Str("transaction_id", msg.Details.TransactionID).Msg("Catalog operation failed")
	out := types.NewMessage(msg.Details)
	out.Meta = msg.Meta
	out.Details.Failure = cause.Error()
	filelist, err := msg.Filelist()
	if err == nil {
		for _, pd := range filelist {
			pd.Fail(cause.Error())
		}
		out.SetFilelist(filelist)
	}
	return w.pub.Publish(rabbit.Key(queue, rabbit.ActionFailed), out, rabbit.PublishOptions{})
}

// rpc answers the synchronous query path.
func (w *Worker) rpc(action string, msg *types.Message, props rabbit.Props) error {
	if props.ReplyTo == "" {
		w.logger.Warn().Str("action", action).Msg("Dropping RPC without reply queue")
		return nil
	}
	reply := types.NewMessage(msg.Details)
	reply.Meta = msg.Meta
	var payload interface{}
	var err error
	switch action {
	case rabbit.ActionList:
		payload, err = w.rpcList(msg)
	case rabbit.ActionFind:
		payload, err = w.rpcFind(msg)
	case rabbit.ActionMeta:
		payload, err = w.rpcMeta(msg)
	default:
		err = types.Errorf(types.ErrInvalidRequest, "unknown query %s", action)
	}
	if err != nil {
		reply.Details.Failure = err.Error()
	} else {
		raw, merr := json.Marshal(payload)
		if merr != nil {
			return merr
		}
		reply.Data.Records = raw
	}
	return w.pub.Reply(props.ReplyTo, props.CorrelationID, reply)
}

// HoldingRecord is the reply shape of the list and meta queries.
type HoldingRecord struct {
	ID    int64             `json:"id"`
	Label string            `json:"label"`
	User  string            `json:"user"`
	Group string            `json:"group"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// FileRecord is the reply shape of the find query.
type FileRecord struct {
	HoldingID    int64            `json:"holding_id"`
	OriginalPath string           `json:"original_path"`
	PathType     types.PathType   `json:"path_type"`
	LinkPath     string           `json:"link_path,omitempty"`
	Size         int64            `json:"size"`
	User         int              `json:"user"`
	Group        int              `json:"group"`
	Permissions  uint32           `json:"permissions"`
	Locations    []LocationRecord `json:"locations"`
}

// LocationRecord is the per-tier part of a file record.
type LocationRecord struct {
	StorageType types.StorageType `json:"storage_type"`
	URLScheme   string            `json:"url_scheme"`
	URLNetloc   string            `json:"url_netloc"`
	Root        string            `json:"root"`
	Path        string            `json:"path"`
	AccessTime  time.Time         `json:"access_time"`
}

func (w *Worker) rpcList(msg *types.Message) ([]HoldingRecord, error) {
	s, err := w.cat.Begin()
	if err != nil {
		return nil, err
	}
	defer s.Rollback()
	q := holdingQuery(msg)
	// The list query takes the label as a pattern, not a literal.
	q.Label = msg.Meta.Label
	holdings, err := s.GetHoldings(q)
	if err != nil {
		return nil, err
	}
	records := make([]HoldingRecord, 0, len(holdings))
	for _, h := range holdings {
		tags, err := s.HoldingTags(h.ID)
		if err != nil {
			return nil, err
		}
		if len(tags) == 0 {
			tags = nil
		}
		records = append(records, HoldingRecord{
			ID: h.ID, Label: h.Label, User: h.User, Group: h.Group, Tags: tags,
		})
	}
	return records, nil
}

func (w *Worker) rpcFind(msg *types.Message) ([]FileRecord, error) {
	s, err := w.cat.Begin()
	if err != nil {
		return nil, err
	}
	defer s.Rollback()
	q := holdingQuery(msg)
	pathPattern := ""
	if filelist, err := msg.Filelist(); err == nil && len(filelist) > 0 {
		pathPattern = filelist[0].OriginalPath
	}
	files, err := s.GetFiles(FileQuery{
		User: q.User, Group: q.Group, GroupAll: q.GroupAll,
		Label: msg.Meta.Label, HoldingID: q.HoldingID, Tag: q.Tag,
		Path: pathPattern,
	})
	if err != nil {
		return nil, err
	}
	records := make([]FileRecord, 0, len(files))
	for _, f := range files {
		txn, err := s.GetTransaction(f.TransactionID)
		if err != nil {
			return nil, err
		}
		locations, err := s.GetLocations(f)
		if err != nil {
			return nil, err
		}
		rec := FileRecord{
			HoldingID:    txn.HoldingID,
			OriginalPath: f.OriginalPath,
			PathType:     f.PathType,
			LinkPath:     f.LinkPath,
			Size:         f.Size,
			User:         f.User,
			Group:        f.Group,
			Permissions:  f.Permissions,
			Locations:    []LocationRecord{},
		}
		for _, l := range locations {
			rec.Locations = append(rec.Locations, LocationRecord{
				StorageType: l.StorageType,
				URLScheme:   l.URLScheme,
				URLNetloc:   l.URLNetloc,
				Root:        l.Root,
				Path:        l.Path,
				AccessTime:  l.AccessTime,
			})
		}
		records = append(records, rec)
	}
	return records, nil
}

func (w *Worker) rpcMeta(msg *types.Message) ([]HoldingRecord, error) {
	if msg.Meta.NewMeta == nil {
		return nil, types.Errorf(types.ErrInvalidRequest, "meta request without new_meta")
	}
	s, err := w.cat.Begin()
	if err != nil {
		return nil, err
	}
	defer s.Rollback()
	holdings, err := s.GetHoldings(holdingQuery(msg))
	if err != nil {
		return nil, err
	}
	records := make([]HoldingRecord, 0, len(holdings))
	for _, h := range holdings {
		err := s.ModifyHolding(h, msg.Meta.NewMeta.Label,
			msg.Meta.NewMeta.Tag, msg.Meta.NewMeta.DelTag)
		if err != nil {
			return nil, err
		}
		tags, err := s.HoldingTags(h.ID)
		if err != nil {
			return nil, err
		}
		if len(tags) == 0 {
			tags = nil
		}
		records = append(records, HoldingRecord{
			ID: h.ID, Label: h.Label, User: h.User, Group: h.Group, Tags: tags,
		})
	}
	if err := s.Commit(); err != nil {
		return nil, err
	}
	return records, nil
}

// shortID abbreviates a transaction id for use as a default label.
func shortID(transactionID string) string {
	if len(transactionID) > 8 {
		return transactionID[:8]
	}
	return transactionID
}

// fillFromFile copies the catalogue row's metadata onto a path detail.
func fillFromFile(pd *types.PathDetails, f *File) {
	pd.OriginalPath = f.OriginalPath
	pd.PathType = f.PathType
	pd.LinkPath = f.LinkPath
	pd.Size = f.Size
	pd.User = f.User
	pd.Group = f.Group
	pd.Permissions = f.Permissions
}

// objectLocation converts a catalogue row to the wire variant.
func objectLocation(l *Location) *types.ObjectLocation {
	return &types.ObjectLocation{
		URLScheme:  l.URLScheme,
		URLNetloc:  l.URLNetloc,
		Root:       l.Root,
		Path:       l.Path,
		AccessTime: l.AccessTime,
	}
}

// tapeLocation converts a catalogue row to the wire variant.
func tapeLocation(l *Location) *types.TapeLocation {
	return &types.TapeLocation{
		Server:         l.URLNetloc,
		HoldingPrefix:  path.Dir(l.Root),
		TarName:        path.Base(l.Root),
		AggregationRef: l.AggregationID,
		AccessTime:     l.AccessTime,
	}
}
