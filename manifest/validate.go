package manifest

import (
	"context"
	"fmt"
)

// ValidationReport summarises a manifest's health: totals, per-status
// breakdown, and rows violating the invariants the engines rely on.
type ValidationReport struct {
	Total              int64            `json:"total"`
	ByStatus           map[string]int64 `json:"by_status"`
	ByIngestion        map[string]int64 `json:"by_ingestion_status"`
	ACLMismatches      int64            `json:"acl_mismatches"`
	IngestedUnfinished int64            `json:"ingested_at_without_completed"`
	SeenOutOfOrder     int64            `json:"first_seen_after_last_seen"`
}

// Clean reports whether no invariant violations were found.
func (r *ValidationReport) Clean() bool {
	return r.ACLMismatches == 0 && r.IngestedUnfinished == 0 && r.SeenOutOfOrder == 0
}

// Validate checks the manifest invariants:
//
//   - acl_captured = 1 iff raw_acl is non-NULL
//   - ingested_at non-NULL only when ingestion_status = 'completed'
//     (a completed row with a NULL ingested_at is not counted)
//   - first_seen <= last_seen
//
// and returns per-status breakdowns for operator review.
func (s *Store) Validate(ctx context.Context) (*ValidationReport, error) {
	report := &ValidationReport{
		ByStatus:    make(map[string]int64),
		ByIngestion: make(map[string]int64),
	}

	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifest`).Scan(&report.Total); err != nil {
		return nil, fmt.Errorf("validate: total: %w", err)
	}

	if err := s.groupCount(ctx, "status", report.ByStatus); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "ingestion_status", report.ByIngestion); err != nil {
		return nil, err
	}

	checks := []struct {
		dest  *int64
		query string
	}{
		{&report.ACLMismatches, `
			SELECT COUNT(*) FROM manifest
			WHERE (acl_captured = 1 AND raw_acl IS NULL)
			   OR (acl_captured = 0 AND raw_acl IS NOT NULL)`},
		{&report.IngestedUnfinished, `
			SELECT COUNT(*) FROM manifest
			WHERE ingested_at IS NOT NULL AND ingestion_status != 'completed'`},
		{&report.SeenOutOfOrder, `
			SELECT COUNT(*) FROM manifest WHERE first_seen > last_seen`},
	}
	for _, c := range checks {
		if err := s.DB.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("validate: %w", err)
		}
	}
	return report, nil
}

func (s *Store) groupCount(ctx context.Context, column string, dest map[string]int64) error {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM manifest GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("validate: group by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("validate: scan %s: %w", column, err)
		}
		dest[key] = n
	}
	return rows.Err()
}
