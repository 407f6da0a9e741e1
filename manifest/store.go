package manifest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Store wraps the manifest database for the discovery engine's writes and
// the shared read queries. The caller owns connection lifetime; open it
// via dbopen so the WAL pragmas are in place.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Init applies the schema. Idempotent.
func (s *Store) Init() error {
	return ApplySchema(s.DB)
}

// BulkUpsert inserts records with INSERT OR IGNORE and refreshes last_seen
// for every presented path, all in one transaction. Conflicting rows keep
// their existing discovery fields so a re-scan is a refresh, never an
// overwrite. Returns (inserted, skipped).
func (s *Store) BulkUpsert(ctx context.Context, records []Record) (inserted, skipped int, err error) {
	if len(records) == 0 {
		return 0, 0, nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("bulk upsert: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO manifest (
			file_path, file_name, parent_dir, size, mtime,
			raw_acl, acl_captured, status, error, retry_count,
			is_directory, schema_version
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, 0, fmt.Errorf("bulk upsert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		res, err := stmt.ExecContext(ctx,
			r.FilePath, r.FileName, r.ParentDir, r.Size, r.Mtime,
			r.RawACL, r.ACLCaptured, r.Status, r.Error, r.RetryCount,
			r.IsDirectory, SchemaVersion)
		if err != nil {
			return 0, 0, fmt.Errorf("bulk upsert: insert %s: %w", r.FilePath, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, fmt.Errorf("bulk upsert: rows affected: %w", err)
		}
		inserted += int(n)
	}

	// Touch every presented path, inserted or skipped, so last_seen
	// reflects the latest observation.
	placeholders := make([]string, len(records))
	args := make([]any, len(records))
	for i, r := range records {
		placeholders[i] = "?"
		args[i] = r.FilePath
	}
	touch := fmt.Sprintf(
		`UPDATE manifest SET last_seen = CURRENT_TIMESTAMP WHERE file_path IN (%s)`,
		strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, touch, args...); err != nil {
		return 0, 0, fmt.Errorf("bulk upsert: touch last_seen: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("bulk upsert: commit: %w", err)
	}
	return inserted, len(records) - inserted, nil
}

// RecordPermissionError records a path the walker could not read. New
// paths are inserted with the given status; existing rows get the status
// and error refreshed and retry_count incremented.
func (s *Store) RecordPermissionError(ctx context.Context, path, name, parentDir string, isDirectory bool, status, errMsg string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record permission error: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO manifest (file_path, file_name, parent_dir, status, error, is_directory, schema_version)
		VALUES (?,?,?,?,?,?,?)`,
		path, name, parentDir, status, errMsg, isDirectory, SchemaVersion)
	if err != nil {
		return fmt.Errorf("record permission error: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record permission error: rows affected: %w", err)
	}
	if n == 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE manifest
			SET status = ?, error = ?, is_directory = ?,
			    retry_count = retry_count + 1,
			    last_seen = CURRENT_TIMESTAMP
			WHERE file_path = ?`,
			status, errMsg, isDirectory, path)
		if err != nil {
			return fmt.Errorf("record permission error: update: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateIngestion moves a row to a new ingestion status. The attempt
// counter always increments; the error column is overwritten (NULL on
// success); ingested_at is stamped only when the new status is completed.
// Transitions are not validated — retry from any state is legitimate and
// the attempt counter carries the history.
func (s *Store) UpdateIngestion(ctx context.Context, path, status string, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE manifest
		SET ingestion_status = ?,
		    ingestion_attempts = ingestion_attempts + 1,
		    ingestion_error = ?,
		    ingested_at = CASE WHEN ? = 'completed' THEN CURRENT_TIMESTAMP ELSE ingested_at END
		WHERE file_path = ?`,
		status, errMsg, status, path)
	if err != nil {
		return fmt.Errorf("update ingestion %s: %w", path, err)
	}
	return nil
}

// FetchPending returns ingestion-eligible rows: discovery succeeded, not a
// directory, and ingestion has not terminally completed. Ordered by path
// so (batchSize, offset) is a stable cursor.
func (s *Store) FetchPending(ctx context.Context, batchSize, offset int) ([]Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT file_path, file_name, parent_dir, size, mtime,
		       raw_acl, acl_captured, status, ingestion_status
		FROM manifest
		WHERE status = 'discovered'
		  AND is_directory = 0
		  AND (ingestion_status IS NULL
		       OR ingestion_status = 'pending'
		       OR ingestion_status = 'failed')
		ORDER BY file_path
		LIMIT ? OFFSET ?`, batchSize, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.FilePath, &r.FileName, &r.ParentDir, &r.Size, &r.Mtime,
			&r.RawACL, &r.ACLCaptured, &r.Status, &r.IngestionStatus); err != nil {
			return nil, fmt.Errorf("fetch pending: scan: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ResetStaleIngesting returns rows stranded in "ingesting" by a previous
// crash to "pending" so the next run retries them. Returns the number of
// rows reset.
func (s *Store) ResetStaleIngesting(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE manifest SET ingestion_status = 'pending'
		WHERE ingestion_status = 'ingesting'`)
	if err != nil {
		return 0, fmt.Errorf("reset stale ingesting: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns discovery counters over the whole manifest.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN is_directory = 1 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN is_directory = 0 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'discovered' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'permission_denied' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'acl_failed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN acl_captured = 1 THEN 1 ELSE 0 END)
		FROM manifest`).Scan(
		&st.Total, &nullInt{&st.Directories}, &nullInt{&st.Files},
		&nullInt{&st.Discovered}, &nullInt{&st.PermissionDenied},
		&nullInt{&st.ACLFailed}, &nullInt{&st.Errors}, &nullInt{&st.Skipped},
		&nullInt{&st.ACLCaptured})
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &st, nil
}

// IngestionStats returns ingestion counters over the eligible file rows.
func (s *Store) IngestionStats(ctx context.Context) (*IngestionStats, error) {
	var st IngestionStats
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN ingestion_status IS NULL OR ingestion_status = 'pending' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN ingestion_status = 'ingesting' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN ingestion_status = 'completed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN ingestion_status = 'failed' THEN 1 ELSE 0 END)
		FROM manifest
		WHERE is_directory = 0 AND status = 'discovered'`).Scan(
		&st.Total, &nullInt{&st.Pending}, &nullInt{&st.Ingesting},
		&nullInt{&st.Completed}, &nullInt{&st.Failed})
	if err != nil {
		return nil, fmt.Errorf("ingestion stats: %w", err)
	}
	return &st, nil
}

// nullInt scans a possibly-NULL aggregate into an int64, treating NULL
// (empty table) as zero.
type nullInt struct{ v *int64 }

func (n *nullInt) Scan(src any) error {
	if src == nil {
		*n.v = 0
		return nil
	}
	switch x := src.(type) {
	case int64:
		*n.v = x
	case float64:
		*n.v = int64(x)
	default:
		return fmt.Errorf("unexpected aggregate type %T", src)
	}
	return nil
}
