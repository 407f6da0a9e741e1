package manifest

import "database/sql"

// SchemaVersion is stamped on every row so later migrations can tell
// which vintage wrote it.
const SchemaVersion = 1

// Schema is the complete manifest DDL. Creation is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS manifest (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path          TEXT NOT NULL UNIQUE,
    file_name          TEXT NOT NULL,
    parent_dir         TEXT NOT NULL,
    size               INTEGER,
    mtime              INTEGER,
    raw_acl            TEXT,
    acl_captured       INTEGER NOT NULL DEFAULT 0,
    status             TEXT NOT NULL DEFAULT 'pending',
    ingestion_status   TEXT NOT NULL DEFAULT 'pending',
    ingestion_attempts INTEGER NOT NULL DEFAULT 0,
    ingestion_error    TEXT,
    ingested_at        TIMESTAMP,
    error              TEXT,
    retry_count        INTEGER NOT NULL DEFAULT 0,
    is_directory       INTEGER NOT NULL DEFAULT 0,
    first_seen         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_seen          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    schema_version     INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_manifest_name ON manifest(file_name);
CREATE INDEX IF NOT EXISTS idx_manifest_status ON manifest(status);
CREATE INDEX IF NOT EXISTS idx_manifest_ingestion_status ON manifest(ingestion_status);
CREATE INDEX IF NOT EXISTS idx_manifest_acl ON manifest(acl_captured);
CREATE INDEX IF NOT EXISTS idx_manifest_dir ON manifest(is_directory);
CREATE INDEX IF NOT EXISTS idx_manifest_status_path ON manifest(status, file_path);
CREATE INDEX IF NOT EXISTS idx_manifest_parent_name ON manifest(parent_dir, file_name);
`

// ApplySchema creates the manifest table and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	applyColumnMigration(db, "manifest", "schema_version",
		`ALTER TABLE manifest ADD COLUMN schema_version INTEGER NOT NULL DEFAULT 1`)
	return nil
}

// applyColumnMigration adds a column if it doesn't exist (idempotent).
// Pre-versioning manifests lack schema_version; everything else is covered
// by CREATE IF NOT EXISTS.
func applyColumnMigration(db *sql.DB, table, column, ddl string) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil || count > 0 {
		return
	}
	db.Exec(ddl)
}
