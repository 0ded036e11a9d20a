package monitor

import (
	"database/sql"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/database"
)

// schema is the monitor DDL. State rows persist both the integer value and
// the state name; lookups resolve by name so a reassignment of integer
// values cannot corrupt old rows.
const schema = `
CREATE TABLE IF NOT EXISTS transaction_records (
	id {{serial}},
	transaction_id TEXT NOT NULL,
	owner_user TEXT NOT NULL,
	owner_group TEXT NOT NULL,
	job_label TEXT NOT NULL DEFAULT '',
	api_action TEXT NOT NULL,
	creation_time TIMESTAMP NOT NULL,
	UNIQUE (transaction_id)
);
CREATE TABLE IF NOT EXISTS sub_records (
	id {{serial}},
	sub_id TEXT NOT NULL UNIQUE,
	state INTEGER NOT NULL,
	state_name TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_updated TIMESTAMP NOT NULL,
	transaction_record_id BIGINT NOT NULL
		REFERENCES transaction_records(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS failed_files (
	id {{serial}},
	sub_record_id BIGINT NOT NULL REFERENCES sub_records(id) ON DELETE CASCADE,
	filepath TEXT NOT NULL,
	reason TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS warnings (
	id {{serial}},
	transaction_record_id BIGINT NOT NULL
		REFERENCES transaction_records(id) ON DELETE CASCADE,
	warning TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sub_records_trec ON sub_records(transaction_record_id);
`

// OpenDB opens the monitor database and applies its schema.
func OpenDB(engine string, opts config.DBOptions) (*sql.DB, error) {
	return database.Open(engine, opts, schema)
}
