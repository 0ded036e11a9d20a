package monitor

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nearline/nlds/pkg/database"
	"github.com/nearline/nlds/pkg/metrics"
	"github.com/nearline/nlds/pkg/types"
)

// Monitor provides session-scoped access to the monitor database.
type Monitor struct {
	db     *sql.DB
	rebind bool
}

// New wraps an open monitor database using "?" placeholders (sqlite).
func New(db *sql.DB) *Monitor {
	return &Monitor{db: db}
}

// NewForEngine wraps an open monitor database, rebinding placeholders to
// the engine's dialect.
func NewForEngine(db *sql.DB, engine string) *Monitor {
	return &Monitor{db: db, rebind: database.NeedsRebind(engine)}
}

// Begin opens a session.
func (m *Monitor) Begin() (*Session, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin monitor session: %w", err)
	}
	return &Session{tx: tx, rebind: m.rebind}, nil
}

// Session is one transactional unit of monitor work.
type Session struct {
	tx     *sql.Tx
	rebind bool
}

// Commit makes the session's writes durable.
func (s *Session) Commit() error {
	return s.tx.Commit()
}

// Rollback abandons the session's writes. Safe after Commit.
func (s *Session) Rollback() error {
	err := s.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func (s *Session) rb(query string) string {
	if !s.rebind {
		return query
	}
	return database.Rebind(query)
}

func (s *Session) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.tx.Exec(s.rb(query), args...)
}

func (s *Session) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.tx.Query(s.rb(query), args...)
}

func (s *Session) queryRow(query string, args ...interface{}) *sql.Row {
	return s.tx.QueryRow(s.rb(query), args...)
}

func (s *Session) insertID(res sql.Result, lookup string, args ...interface{}) (int64, error) {
	if id, err := res.LastInsertId(); err == nil {
		return id, nil
	}
	var id int64
	if err := s.queryRow(lookup, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateTransactionRecord records a new user-visible job.
func (s *Session) CreateTransactionRecord(user, group, transactionID,
	jobLabel, apiAction string) (*TransactionRecord, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("monitor", "create_record"))

	now := time.Now().UTC()
	res, err := s.exec(
		`INSERT INTO transaction_records
		 (transaction_id, owner_user, owner_group, job_label, api_action, creation_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		transactionID, user, group, jobLabel, apiAction, now)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict,
				"transaction record %s already exists", transactionID)
		}
		return nil, fmt.Errorf("create transaction record: %w", err)
	}
	id, err := s.insertID(res,
		`SELECT id FROM transaction_records WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("create transaction record: %w", err)
	}
	return &TransactionRecord{
		ID: id, TransactionID: transactionID, User: user, Group: group,
		JobLabel: jobLabel, APIAction: apiAction, CreationTime: now,
	}, nil
}

// RecordQuery selects transaction records.
type RecordQuery struct {
	User          string
	Group         string
	GroupAll      bool
	ID            int64
	TransactionID string // regex, full match
	JobLabel      string // regex, full match
	APIAction     string
}

func compileMatch(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidRequest, "bad regex %q: %v", pattern, err)
	}
	return re, nil
}

// GetTransactionRecords returns the records matching the query, ordered by
// id.
func (s *Session) GetTransactionRecords(q RecordQuery) ([]*TransactionRecord, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("monitor", "get_records"))

	tidRe, err := compileMatch(q.TransactionID)
	if err != nil {
		return nil, err
	}
	labelRe, err := compileMatch(q.JobLabel)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, transaction_id, owner_user, owner_group, job_label,
		api_action, creation_time FROM transaction_records`
	var where []string
	var args []interface{}
	where = append(where, `owner_group = ?`)
	args = append(args, q.Group)
	if !q.GroupAll {
		where = append(where, `owner_user = ?`)
		args = append(args, q.User)
	}
	if q.ID != 0 {
		where = append(where, `id = ?`)
		args = append(args, q.ID)
	}
	if q.APIAction != "" {
		where = append(where, `api_action = ?`)
		args = append(args, q.APIAction)
	}
	query += ` WHERE ` + strings.Join(where, ` AND `) + ` ORDER BY id`

	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get transaction records: %w", err)
	}
	defer rows.Close()

	var records []*TransactionRecord
	for rows.Next() {
		var r TransactionRecord
		err := rows.Scan(&r.ID, &r.TransactionID, &r.User, &r.Group,
			&r.JobLabel, &r.APIAction, &r.CreationTime)
		if err != nil {
			return nil, fmt.Errorf("get transaction records: %w", err)
		}
		if tidRe != nil && !tidRe.MatchString(r.TransactionID) {
			continue
		}
		if labelRe != nil && !labelRe.MatchString(r.JobLabel) {
			continue
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get transaction records: %w", err)
	}
	if len(records) == 0 {
		return nil, types.Errorf(types.ErrNotFound, "no transaction records match query")
	}
	return records, nil
}

// GetTransactionRecord returns the record for one transaction id, exact.
func (s *Session) GetTransactionRecord(transactionID string) (*TransactionRecord, error) {
	var r TransactionRecord
	err := s.queryRow(
		`SELECT id, transaction_id, owner_user, owner_group, job_label,
		 api_action, creation_time FROM transaction_records
		 WHERE transaction_id = ?`, transactionID).
		Scan(&r.ID, &r.TransactionID, &r.User, &r.Group, &r.JobLabel,
			&r.APIAction, &r.CreationTime)
	if err == sql.ErrNoRows {
		return nil, types.Errorf(types.ErrNotFound,
			"transaction record %s not found", transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction record: %w", err)
	}
	return &r, nil
}

// CreateSubRecord registers a new parallel unit of work.
func (s *Session) CreateSubRecord(trec *TransactionRecord, subID string,
	state types.State) (*SubRecord, error) {
	now := time.Now().UTC()
	res, err := s.exec(
		`INSERT INTO sub_records
		 (sub_id, state, state_name, retry_count, last_updated, transaction_record_id)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		subID, int(state), state.String(), now, trec.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict, "sub record %s already exists", subID)
		}
		return nil, fmt.Errorf("create sub record: %w", err)
	}
	id, err := s.insertID(res, `SELECT id FROM sub_records WHERE sub_id = ?`, subID)
	if err != nil {
		return nil, fmt.Errorf("create sub record: %w", err)
	}
	return &SubRecord{
		ID: id, SubID: subID, State: state, LastUpdated: now,
		TransactionRecordID: trec.ID,
	}, nil
}

// GetSubRecord looks a sub record up by its sub id.
func (s *Session) GetSubRecord(subID string) (*SubRecord, error) {
	var sr SubRecord
	var stateName string
	var stateVal int
	err := s.queryRow(
		`SELECT id, sub_id, state, state_name, retry_count, last_updated,
		 transaction_record_id FROM sub_records WHERE sub_id = ?`, subID).
		Scan(&sr.ID, &sr.SubID, &stateVal, &stateName, &sr.RetryCount,
			&sr.LastUpdated, &sr.TransactionRecordID)
	if err == sql.ErrNoRows {
		return nil, types.Errorf(types.ErrNotFound, "sub record %s not found", subID)
	}
	if err != nil {
		return nil, fmt.Errorf("get sub record: %w", err)
	}
	sr.State = resolveState(stateName, stateVal)
	return &sr, nil
}

// GetSubRecords returns the sub records of a transaction record, optionally
// filtered by state or sub id.
func (s *Session) GetSubRecords(trec *TransactionRecord, stateFilter *types.State,
	subID string) ([]*SubRecord, error) {
	query := `SELECT id, sub_id, state, state_name, retry_count, last_updated,
		transaction_record_id FROM sub_records WHERE transaction_record_id = ?`
	args := []interface{}{trec.ID}
	if subID != "" {
		query += ` AND sub_id = ?`
		args = append(args, subID)
	}
	query += ` ORDER BY id`
	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get sub records: %w", err)
	}
	defer rows.Close()
	var subs []*SubRecord
	for rows.Next() {
		var sr SubRecord
		var stateName string
		var stateVal int
		err := rows.Scan(&sr.ID, &sr.SubID, &stateVal, &stateName,
			&sr.RetryCount, &sr.LastUpdated, &sr.TransactionRecordID)
		if err != nil {
			return nil, fmt.Errorf("get sub records: %w", err)
		}
		sr.State = resolveState(stateName, stateVal)
		if stateFilter != nil && sr.State != *stateFilter {
			continue
		}
		subs = append(subs, &sr)
	}
	return subs, rows.Err()
}

// resolveState prefers the persisted name over the raw integer.
func resolveState(name string, value int) types.State {
	if st, err := types.ParseState(name); err == nil {
		return st
	}
	return types.State(value)
}

// UpdateSubRecord advances a sub record's state. Regressions are an error;
// the retry count increments when retryFl is set and resets on an advance
// to a non-failure state.
func (s *Session) UpdateSubRecord(sr *SubRecord, newState types.State, retryFl bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("monitor", "update_sub"))

	if newState < sr.State {
		return types.Errorf(types.ErrInvalidRequest,
			"state of sub record %s cannot regress from %s to %s",
			sr.SubID, sr.State, newState)
	}
	retries := sr.RetryCount
	if retryFl {
		retries++
	} else if newState > sr.State && !newState.Errored() {
		retries = 0
	}
	now := time.Now().UTC()
	_, err := s.exec(
		`UPDATE sub_records SET state = ?, state_name = ?, retry_count = ?,
		 last_updated = ? WHERE id = ?`,
		int(newState), newState.String(), retries, now, sr.ID)
	if err != nil {
		return fmt.Errorf("update sub record: %w", err)
	}
	sr.State = newState
	sr.RetryCount = retries
	sr.LastUpdated = now
	return nil
}

// CreateFailedFile records one failed file under a sub record.
func (s *Session) CreateFailedFile(sr *SubRecord, pd *types.PathDetails) error {
	reason := pd.FailureReason
	if reason == "" {
		reason = "unknown failure"
	}
	_, err := s.exec(
		`INSERT INTO failed_files (sub_record_id, filepath, reason) VALUES (?, ?, ?)`,
		sr.ID, pd.OriginalPath, reason)
	if err != nil {
		return fmt.Errorf("create failed file: %w", err)
	}
	return nil
}

// GetFailedFiles returns the failed files of a sub record.
func (s *Session) GetFailedFiles(sr *SubRecord) ([]*FailedFile, error) {
	rows, err := s.query(
		`SELECT id, sub_record_id, filepath, reason FROM failed_files
		 WHERE sub_record_id = ? ORDER BY id`, sr.ID)
	if err != nil {
		return nil, fmt.Errorf("get failed files: %w", err)
	}
	defer rows.Close()
	var failed []*FailedFile
	for rows.Next() {
		var ff FailedFile
		if err := rows.Scan(&ff.ID, &ff.SubRecordID, &ff.FilePath, &ff.Reason); err != nil {
			return nil, fmt.Errorf("get failed files: %w", err)
		}
		failed = append(failed, &ff)
	}
	return failed, rows.Err()
}

// CreateWarning attaches a warning to a transaction record.
func (s *Session) CreateWarning(trec *TransactionRecord, text string) error {
	_, err := s.exec(
		`INSERT INTO warnings (transaction_record_id, warning) VALUES (?, ?)`,
		trec.ID, text)
	if err != nil {
		return fmt.Errorf("create warning: %w", err)
	}
	return nil
}

// GetWarnings returns the warnings of a transaction record.
func (s *Session) GetWarnings(trec *TransactionRecord) ([]*Warning, error) {
	rows, err := s.query(
		`SELECT id, transaction_record_id, warning FROM warnings
		 WHERE transaction_record_id = ? ORDER BY id`, trec.ID)
	if err != nil {
		return nil, fmt.Errorf("get warnings: %w", err)
	}
	defer rows.Close()
	var warnings []*Warning
	for rows.Next() {
		var w Warning
		if err := rows.Scan(&w.ID, &w.TransactionRecordID, &w.Warning); err != nil {
			return nil, fmt.Errorf("get warnings: %w", err)
		}
		warnings = append(warnings, &w)
	}
	return warnings, rows.Err()
}

// CheckCompletion scans the sub records of a transaction record and, when
// every one has reached a final state, transitions the non-failed ones to
// COMPLETE and the failed ones to FAILED. It reports whether the record is
// complete.
func (s *Session) CheckCompletion(trec *TransactionRecord) (bool, error) {
	subs, err := s.GetSubRecords(trec, nil, "")
	if err != nil {
		return false, err
	}
	if len(subs) == 0 {
		return false, nil
	}
	for _, sr := range subs {
		if sr.State < types.StateComplete && !sr.State.Final() {
			return false, nil
		}
	}
	for _, sr := range subs {
		switch {
		case sr.State >= types.StateComplete:
			// Already promoted.
		case sr.State.Errored():
			if err := s.UpdateSubRecord(sr, types.StateFailed, false); err != nil {
				return false, err
			}
		default:
			if err := s.UpdateSubRecord(sr, types.StateComplete, false); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// RecordState derives the user-visible state of a transaction record from
// its sub records and warnings. A record is FAILED only when every sub
// record failed; any mix of failure and success is COMPLETE_WITH_ERRORS,
// and warnings without failures promote to COMPLETE_WITH_WARNINGS.
func (s *Session) RecordState(trec *TransactionRecord) (types.State, error) {
	subs, err := s.GetSubRecords(trec, nil, "")
	if err != nil {
		return types.StateSearching, err
	}
	if len(subs) == 0 {
		return types.StateInitialising, nil
	}
	lowest := types.StateSearching
	failures := 0
	finished := true
	for _, sr := range subs {
		if sr.State < lowest {
			lowest = sr.State
		}
		if sr.State.Errored() {
			failures++
		}
		if sr.State < types.StateComplete && !sr.State.Final() {
			finished = false
		}
	}
	if !finished {
		return lowest, nil
	}
	switch {
	case failures == len(subs):
		return types.StateFailed, nil
	case failures > 0:
		return types.StateCompleteWithErrors, nil
	}
	warnings, err := s.GetWarnings(trec)
	if err != nil {
		return types.StateSearching, err
	}
	if len(warnings) > 0 {
		return types.StateCompleteWithWarns, nil
	}
	return types.StateComplete, nil
}
