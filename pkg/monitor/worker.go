package monitor

import (
	"encoding/json"
	"errors"
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

// Worker consumes the monitor queues: state events from the orchestrator
// and workers, and the stat query path.
type Worker struct {
	mon    *Monitor
	pub    Publisher
	logger zerolog.Logger
}

// NewWorker creates the monitor worker.
func NewWorker(mon *Monitor, pub Publisher) *Worker {
	return &Worker{mon: mon, pub: pub, logger: log.WithWorker(rabbit.QueueMonitor)}
}

// Bindings returns the routing-key bindings of the monitor queue.
func Bindings() []string {
	return []string{
		rabbit.Key(rabbit.QueueMonitor, rabbit.Wild),
		rabbit.Key(rabbit.QueueMonitorPut, rabbit.Wild),
		rabbit.Key(rabbit.QueueMonitorGet, rabbit.Wild),
	}
}

// Handle dispatches state updates and stat queries.
func (w *Worker) Handle(key string, msg *types.Message, props rabbit.Props) error {
	worker, action, ok := rabbit.SplitKey(key)
	if !ok || rabbit.IsEvent(action) {
		return nil
	}
	switch {
	case worker == rabbit.QueueMonitorPut:
		return w.update(msg, props)
	case worker == rabbit.QueueMonitor || worker == rabbit.QueueMonitorGet:
		if action == rabbit.ActionStat {
			return w.stat(msg, props)
		}
	}
	return nil
}

// update is the event path: find or create the record and sub record, then
// advance the state.
func (w *Worker) update(msg *types.Message, props rabbit.Props) error {
	s, err := w.mon.Begin()
	if err != nil {
		return err
	}
	defer s.Rollback()

	trec, err := s.GetTransactionRecord(msg.Details.TransactionID)
	if errors.Is(err, types.ErrNotFound) {
		trec, err = s.CreateTransactionRecord(msg.Details.User, msg.Details.Group,
			msg.Details.TransactionID, msg.Details.JobLabel, msg.Details.APIAction)
	}
	if err != nil {
		return err
	}
	if msg.Details.SubID == "" {
		return s.Commit()
	}
	sr, err := s.GetSubRecord(msg.Details.SubID)
	if errors.Is(err, types.ErrNotFound) {
		sr, err = s.CreateSubRecord(trec, msg.Details.SubID, types.StateInitialising)
	}
	if err != nil {
		return err
	}

	if err := s.UpdateSubRecord(sr, msg.Details.State, props.Retry > 0); err != nil {
		if errors.Is(err, types.ErrInvalidRequest) {
			// Queue reordering can deliver an older state after a newer
			// one; the monotonic constraint makes it safe to drop.
			w.logger.Warn().Str("sub_id", sr.SubID).
				Str("state", msg.Details.State.String()).
				Msg("Dropping out-of-order state update")
		} else {
			return err
		}
	}

	if msg.Details.State == types.StateSplitting {
		// Splitting ends the parent sub record's life; the children carry
		// the work forward under their own sub ids.
		if err := s.UpdateSubRecord(sr, types.StateComplete, false); err != nil {
			return err
		}
	}

	// Failure detail can ride on any state's filelist: a rollback flow
	// carries its failed files before the sub reaches FAILED.
	if filelist, err := msg.Filelist(); err == nil {
		batchFailed := msg.Details.State.Errored() && msg.Details.Failure != ""
		for _, pd := range filelist {
			if !pd.Failed() && batchFailed {
				pd.Fail(msg.Details.Failure)
			}
			if pd.Failed() {
				if err := s.CreateFailedFile(sr, pd); err != nil {
					return err
				}
			}
		}
	}
	for _, warning := range msg.Data.Warnings {
		if err := s.CreateWarning(trec, warning); err != nil {
			return err
		}
	}
	if msg.Details.State.Final() {
		if _, err := s.CheckCompletion(trec); err != nil {
			return err
		}
	}
	return s.Commit()
}

// RecordReply is the stat reply shape: one entry per transaction record
// with its sub records nested.
type RecordReply struct {
	ID            int64            `json:"id"`
	TransactionID string           `json:"transaction_id"`
	User          string           `json:"user"`
	Group         string           `json:"group"`
	JobLabel      string           `json:"job_label,omitempty"`
	APIAction     string           `json:"api_action"`
	CreationTime  time.Time        `json:"creation_time"`
	State         types.State      `json:"state"`
	Warnings      []string         `json:"warnings,omitempty"`
	SubRecords    []SubRecordReply `json:"sub_records"`
}

// SubRecordReply is the nested sub record shape.
type SubRecordReply struct {
	SubID       string            `json:"sub_id"`
	State       types.State       `json:"state"`
	StateName   string            `json:"state_name"`
	RetryCount  int               `json:"retry_count"`
	LastUpdated time.Time         `json:"last_updated"`
	FailedFiles []FailedFileReply `json:"failed_files,omitempty"`
}

// FailedFileReply is the nested failed file shape.
type FailedFileReply struct {
	FilePath string `json:"filepath"`
	Reason   string `json:"reason"`
}

// stat is the query path.
func (w *Worker) stat(msg *types.Message, props rabbit.Props) error {
	if props.ReplyTo == "" {
		w.logger.Warn().Msg("Dropping stat RPC without reply queue")
		return nil
	}
	reply := types.NewMessage(msg.Details)
	records, err := w.queryRecords(msg)
	if err != nil {
		reply.Details.Failure = err.Error()
	} else {
		raw, merr := json.Marshal(records)
		if merr != nil {
			return merr
		}
		reply.Data.Records = raw
	}
	return w.pub.Reply(props.ReplyTo, props.CorrelationID, reply)
}

func (w *Worker) queryRecords(msg *types.Message) ([]RecordReply, error) {
	s, err := w.mon.Begin()
	if err != nil {
		return nil, err
	}
	defer s.Rollback()

	q := RecordQuery{
		User:          msg.Details.User,
		Group:         msg.Details.Group,
		GroupAll:      msg.Details.GroupAll,
		TransactionID: msg.Details.TransactionID,
		JobLabel:      msg.Details.JobLabel,
	}
	if msg.Details.APIAction != types.ActionStat && msg.Details.APIAction != "" {
		q.APIAction = msg.Details.APIAction
	}
	records, err := s.GetTransactionRecords(q)
	if err != nil {
		return nil, err
	}

	// SEARCHING is the no-filter sentinel of the stat query.
	var stateFilter *types.State
	if msg.Details.State != types.StateSearching && msg.Details.State != 0 {
		st := msg.Details.State
		stateFilter = &st
	}

	replies := make([]RecordReply, 0, len(records))
	for _, trec := range records {
		subs, err := s.GetSubRecords(trec, stateFilter, msg.Details.SubID)
		if err != nil {
			return nil, err
		}
		if len(subs) == 0 && (stateFilter != nil || msg.Details.SubID != "") {
			continue
		}
		state, err := s.RecordState(trec)
		if err != nil {
			return nil, err
		}
		rec := RecordReply{
			ID:            trec.ID,
			TransactionID: trec.TransactionID,
			User:          trec.User,
			Group:         trec.Group,
			JobLabel:      trec.JobLabel,
			APIAction:     trec.APIAction,
			CreationTime:  trec.CreationTime,
			State:         state,
			SubRecords:    []SubRecordReply{},
		}
		warnings, err := s.GetWarnings(trec)
		if err != nil {
			return nil, err
		}
		for _, warning := range warnings {
			rec.Warnings = append(rec.Warnings, warning.Warning)
		}
		for _, sr := range subs {
			sub := SubRecordReply{
				SubID:       sr.SubID,
				State:       sr.State,
				StateName:   sr.State.String(),
				RetryCount:  sr.RetryCount,
				LastUpdated: sr.LastUpdated,
			}
			failed, err := s.GetFailedFiles(sr)
			if err != nil {
				return nil, err
			}
			for _, ff := range failed {
				sub.FailedFiles = append(sub.FailedFiles,
					FailedFileReply{FilePath: ff.FilePath, Reason: ff.Reason})
			}
			rec.SubRecords = append(rec.SubRecords, sub)
		}
		replies = append(replies, rec)
	}
	return replies, nil
}
