package catalog

import (
	"database/sql"

	"github.com/nearline/nlds/pkg/config"
	"github.com/nearline/nlds/pkg/database"
)

// schema is the catalog DDL. The {{serial}} token is replaced per engine.
const schema = `
CREATE TABLE IF NOT EXISTS holdings (
	id {{serial}},
	label TEXT NOT NULL,
	owner_user TEXT NOT NULL,
	owner_group TEXT NOT NULL,
	UNIQUE (label, owner_user)
);
CREATE TABLE IF NOT EXISTS transactions (
	id {{serial}},
	transaction_id TEXT NOT NULL UNIQUE,
	ingest_time TIMESTAMP NOT NULL,
	holding_id BIGINT NOT NULL REFERENCES holdings(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS tags (
	id {{serial}},
	tag_key TEXT NOT NULL,
	tag_value TEXT NOT NULL,
	holding_id BIGINT NOT NULL REFERENCES holdings(id) ON DELETE CASCADE,
	UNIQUE (tag_key, holding_id)
);
CREATE TABLE IF NOT EXISTS aggregations (
	id {{serial}},
	tarname TEXT NOT NULL UNIQUE,
	checksum BIGINT NOT NULL DEFAULT 0,
	algorithm TEXT NOT NULL DEFAULT '',
	failed_fl BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS files (
	id {{serial}},
	transaction_id BIGINT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
	original_path TEXT NOT NULL,
	path_type TEXT NOT NULL,
	link_path TEXT NOT NULL DEFAULT '',
	size BIGINT NOT NULL DEFAULT 0,
	owner_user INTEGER NOT NULL DEFAULT 0,
	owner_group INTEGER NOT NULL DEFAULT 0,
	file_permissions INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS locations (
	id {{serial}},
	storage_type TEXT NOT NULL,
	url_scheme TEXT NOT NULL DEFAULT '',
	url_netloc TEXT NOT NULL DEFAULT '',
	root TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL DEFAULT '',
	access_time TIMESTAMP NOT NULL,
	file_id BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	aggregation_id BIGINT REFERENCES aggregations(id) ON DELETE CASCADE,
	UNIQUE (storage_type, file_id)
);
CREATE TABLE IF NOT EXISTS checksums (
	id {{serial}},
	file_id BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	checksum BIGINT NOT NULL,
	algorithm TEXT NOT NULL,
	UNIQUE (checksum, algorithm),
	UNIQUE (file_id, algorithm)
);
CREATE INDEX IF NOT EXISTS idx_files_original_path ON files(original_path);
CREATE INDEX IF NOT EXISTS idx_transactions_holding ON transactions(holding_id);
CREATE INDEX IF NOT EXISTS idx_locations_file ON locations(file_id);
`

// OpenDB opens the catalog database and applies its schema.
func OpenDB(engine string, opts config.DBOptions) (*sql.DB, error) {
	return database.Open(engine, opts, schema)
}
