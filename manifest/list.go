package manifest

import (
	"context"
	"database/sql"
	"fmt"
)

// FileFilter narrows ListFiles and CountFiles. Zero values mean "no
// constraint". Search matches file_name or file_path with LIKE.
type FileFilter struct {
	Search          string
	Status          string
	IngestionStatus string
	Limit           int
	Offset          int
}

// ListedFile is the read-only projection served to the control surface.
type ListedFile struct {
	ID              int64   `json:"id"`
	FilePath        string  `json:"file_path"`
	FileName        string  `json:"file_name"`
	ParentDir       string  `json:"parent_dir"`
	Size            *int64  `json:"size"`
	Mtime           *int64  `json:"mtime"`
	Status          string  `json:"status"`
	IngestionStatus string  `json:"ingestion_status"`
	IngestionError  *string `json:"ingestion_error"`
	IngestedAt      *string `json:"ingested_at"`
	Error           *string `json:"error"`
	IsDirectory     bool    `json:"is_directory"`
	FirstSeen       string  `json:"first_seen"`
	LastSeen        string  `json:"last_seen"`
}

func (f *FileFilter) where() (string, []any) {
	clause := " WHERE 1=1"
	var args []any
	if f.Search != "" {
		clause += " AND (file_name LIKE ? OR file_path LIKE ?)"
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}
	if f.Status != "" {
		clause += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.IngestionStatus != "" {
		clause += " AND ingestion_status = ?"
		args = append(args, f.IngestionStatus)
	}
	return clause, args
}

// ListFiles pages through manifest rows for the read-only listing surface.
func (s *Store) ListFiles(ctx context.Context, filter FileFilter) ([]ListedFile, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	clause, args := filter.where()
	query := `
		SELECT id, file_path, file_name, parent_dir, size, mtime,
		       status, ingestion_status, ingestion_error, ingested_at,
		       error, is_directory, first_seen, last_seen
		FROM manifest` + clause + `
		ORDER BY file_path LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []ListedFile
	for rows.Next() {
		var f ListedFile
		if err := rows.Scan(&f.ID, &f.FilePath, &f.FileName, &f.ParentDir,
			&f.Size, &f.Mtime, &f.Status, &f.IngestionStatus,
			&f.IngestionError, &f.IngestedAt, &f.Error, &f.IsDirectory,
			&f.FirstSeen, &f.LastSeen); err != nil {
			return nil, fmt.Errorf("list files: scan: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFile returns one row by surrogate id, or nil when absent.
func (s *Store) GetFile(ctx context.Context, id int64) (*ListedFile, error) {
	var f ListedFile
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, file_path, file_name, parent_dir, size, mtime,
		       status, ingestion_status, ingestion_error, ingested_at,
		       error, is_directory, first_seen, last_seen
		FROM manifest WHERE id = ?`, id).Scan(
		&f.ID, &f.FilePath, &f.FileName, &f.ParentDir, &f.Size, &f.Mtime,
		&f.Status, &f.IngestionStatus, &f.IngestionError, &f.IngestedAt,
		&f.Error, &f.IsDirectory, &f.FirstSeen, &f.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file %d: %w", id, err)
	}
	return &f, nil
}

// CountFiles returns the total row count matching the filter, for
// pagination.
func (s *Store) CountFiles(ctx context.Context, filter FileFilter) (int64, error) {
	clause, args := filter.where()
	var total int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifest`+clause, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return total, nil
}
