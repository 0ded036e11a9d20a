package catalog

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

// Catalog provides session-scoped access to the catalog database.
type Catalog struct {
	db     *sql.DB
	rebind bool
}

// New wraps an open catalog database using "?" placeholders (sqlite).
func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// NewForEngine wraps an open catalog database, rebinding placeholders to
// the engine's dialect.
func NewForEngine(db *sql.DB, engine string) *Catalog {
	return &Catalog{db: db, rebind: database.NeedsRebind(engine)}
}

// DB exposes the underlying handle for checkpointed operations and tests.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Begin opens a session. All writes inside a session commit atomically or
// roll back wholly.
func (c *Catalog) Begin() (*Session, error) {
	tx, err := c.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin catalog session: %w", err)
	}
	return &Session{tx: tx, rebind: c.rebind}, nil
}

// Session is one transactional unit of catalog work.
type Session struct {
	tx     *sql.Tx
	rebind bool
}

// rb converts "?" placeholders to "$n" for drivers that need it.
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

// insertID extracts the generated id of an insert, falling back to the
// provided natural-key lookup for drivers without LastInsertId support.
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

// isUniqueViolation matches the unique-constraint errors of both drivers.
func isUniqueViolation(err error) bool {
	return database.IsUniqueViolation(err)
}

// compileMatch compiles a full-match regex; an empty pattern matches all.
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

// HoldingQuery selects holdings. User is always required; with GroupAll
// set, every holding of the group is visible, otherwise only the user's
// own.
type HoldingQuery struct {
	User          string
	Group         string
	GroupAll      bool
	Label         string // regex, full match
	HoldingID     int64
	TransactionID string
	Tag           map[string]string
}

// CreateHolding creates a holding owned by (user, group).
func (s *Session) CreateHolding(user, group, label string) (*Holding, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("catalog", "create_holding"))

	res, err := s.exec(
		`INSERT INTO holdings (label, owner_user, owner_group) VALUES (?, ?, ?)`,
		label, user, group)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict,
				"holding with label %s already exists for user %s", label, user)
		}
		return nil, fmt.Errorf("create holding: %w", err)
	}
	id, err := s.insertID(res,
		`SELECT id FROM holdings WHERE label = ? AND owner_user = ?`, label, user)
	if err != nil {
		return nil, fmt.Errorf("create holding: %w", err)
	}
	return &Holding{ID: id, Label: label, User: user, Group: group}, nil
}

// GetHoldings returns the holdings matching the query, ordered by id.
func (s *Session) GetHoldings(q HoldingQuery) ([]*Holding, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("catalog", "get_holdings"))

	labelRe, err := compileMatch(q.Label)
	if err != nil {
		return nil, err
	}

	query := `SELECT DISTINCT h.id, h.label, h.owner_user, h.owner_group FROM holdings h`
	var args []interface{}
	var where []string
	if q.TransactionID != "" {
		query += ` JOIN transactions t ON t.holding_id = h.id`
		where = append(where, `t.transaction_id = ?`)
		args = append(args, q.TransactionID)
	}
	where = append(where, `h.owner_group = ?`)
	args = append(args, q.Group)
	if !q.GroupAll {
		where = append(where, `h.owner_user = ?`)
		args = append(args, q.User)
	}
	if q.HoldingID != 0 {
		where = append(where, `h.id = ?`)
		args = append(args, q.HoldingID)
	}
	query += ` WHERE ` + strings.Join(where, ` AND `) + ` ORDER BY h.id`

	rows, err := s.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get holdings: %w", err)
	}
	defer rows.Close()

	var holdings []*Holding
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.ID, &h.Label, &h.User, &h.Group); err != nil {
			return nil, fmt.Errorf("get holdings: %w", err)
		}
		if labelRe != nil && !labelRe.MatchString(h.Label) {
			continue
		}
		holdings = append(holdings, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get holdings: %w", err)
	}
	if len(q.Tag) > 0 {
		holdings, err = s.filterByTags(holdings, q.Tag)
		if err != nil {
			return nil, err
		}
	}
	if len(holdings) == 0 {
		return nil, types.Errorf(types.ErrNotFound, "no holdings match query")
	}
	return holdings, nil
}

// GetHolding returns exactly one matching holding.
func (s *Session) GetHolding(q HoldingQuery) (*Holding, error) {
	holdings, err := s.GetHoldings(q)
	if err != nil {
		return nil, err
	}
	return holdings[0], nil
}

func (s *Session) filterByTags(holdings []*Holding, want map[string]string) ([]*Holding, error) {
	var kept []*Holding
	for _, h := range holdings {
		tags, err := s.HoldingTags(h.ID)
		if err != nil {
			return nil, err
		}
		match := true
		for k, v := range want {
			if tags[k] != v {
				match = false
				break
			}
		}
		if match {
			kept = append(kept, h)
		}
	}
	return kept, nil
}

// HoldingTags returns the tag map of a holding.
func (s *Session) HoldingTags(holdingID int64) (map[string]string, error) {
	rows, err := s.query(
		`SELECT tag_key, tag_value FROM tags WHERE holding_id = ?`, holdingID)
	if err != nil {
		return nil, fmt.Errorf("holding tags: %w", err)
	}
	defer rows.Close()
	tags := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("holding tags: %w", err)
		}
		tags[k] = v
	}
	return tags, rows.Err()
}

// ModifyHolding renames a holding and applies tag additions and deletions.
func (s *Session) ModifyHolding(h *Holding, newLabel string, newTags, delTags map[string]string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("catalog", "modify_holding"))

	if newLabel != "" && newLabel != h.Label {
		_, err := s.exec(`UPDATE holdings SET label = ? WHERE id = ?`, newLabel, h.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return types.Errorf(types.ErrConflict,
					"holding with label %s already exists for user %s", newLabel, h.User)
			}
			return fmt.Errorf("modify holding: %w", err)
		}
		h.Label = newLabel
	}
	for k, v := range newTags {
		_, err := s.exec(
			`INSERT INTO tags (tag_key, tag_value, holding_id) VALUES (?, ?, ?)`,
			k, v, h.ID)
		if isUniqueViolation(err) {
			_, err = s.exec(
				`UPDATE tags SET tag_value = ? WHERE tag_key = ? AND holding_id = ?`,
				v, k, h.ID)
		}
		if err != nil {
			return fmt.Errorf("modify holding tags: %w", err)
		}
	}
	for k := range delTags {
		if _, err := s.exec(
			`DELETE FROM tags WHERE tag_key = ? AND holding_id = ?`, k, h.ID); err != nil {
			return fmt.Errorf("modify holding tags: %w", err)
		}
	}
	return nil
}

// CreateTransaction records one ingest event inside a holding.
func (s *Session) CreateTransaction(h *Holding, transactionID string) (*Transaction, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBOpDuration.WithLabelValues("catalog", "create_transaction"))

	now := time.Now().UTC()
	res, err := s.exec(
		`INSERT INTO transactions (transaction_id, ingest_time, holding_id) VALUES (?, ?, ?)`,
		transactionID, now, h.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict,
				"transaction %s already exists", transactionID)
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	id, err := s.insertID(res,
		`SELECT id FROM transactions WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return &Transaction{ID: id, TransactionID: transactionID, IngestTime: now, HoldingID: h.ID}, nil
}

// GetTransaction looks a transaction up by row id.
func (s *Session) GetTransaction(id int64) (*Transaction, error) {
	return s.scanTransaction(s.queryRow(
		`SELECT id, transaction_id, ingest_time, holding_id FROM transactions WHERE id = ?`, id))
}

// GetTransactionByUUID looks a transaction up by its opaque id string.
func (s *Session) GetTransactionByUUID(transactionID string) (*Transaction, error) {
	return s.scanTransaction(s.queryRow(
		`SELECT id, transaction_id, ingest_time, holding_id FROM transactions WHERE transaction_id = ?`,
		transactionID))
}

func (s *Session) scanTransaction(row *sql.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.TransactionID, &t.IngestTime, &t.HoldingID)
	if err == sql.ErrNoRows {
		return nil, types.Errorf(types.ErrNotFound, "transaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}
