package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// InsertHealthCheckResult appends one probe observation (spec §4.D,
// append-only per §3).
func (s *Store) InsertHealthCheckResult(ctx context.Context, r *kestrel.HealthCheckResult) error {
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO health_check_results (id, group_id, check_type, subject, success,
		 latency_ms, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.GroupID, string(r.CheckType), r.Subject, boolToInt(r.Success),
		r.LatencyMs, nullStr(r.Error), r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListHealthCheckResults returns the most recent probe observations for a group.
func (s *Store) ListHealthCheckResults(ctx context.Context, groupID string, limit int) ([]*kestrel.HealthCheckResult, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, group_id, check_type, subject, success, latency_ms, error, created_at
		 FROM health_check_results WHERE group_id=? ORDER BY created_at DESC LIMIT ?`,
		groupID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*kestrel.HealthCheckResult
	for rows.Next() {
		var r kestrel.HealthCheckResult
		var checkType string
		var success int
		var errMsg sql.NullString
		var createdAt sql.NullString
		if err := rows.Scan(&r.ID, &r.GroupID, &checkType, &r.Subject, &success, &r.LatencyMs, &errMsg, &createdAt); err != nil {
			return nil, err
		}
		r.CheckType = kestrel.HealthCheckType(checkType)
		r.Success = success != 0
		r.Error = errMsg.String
		if t := parseTime(createdAt); t != nil {
			r.CreatedAt = *t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetHealthCheckStats retrieves one rolled-up counter row for the group. The
// check type and subject cannot be selected; when the group has several
// (checkType, subject) rows, the row returned is whichever SQLite yields first.
func (s *Store) GetHealthCheckStats(ctx context.Context, groupID string) (*kestrel.HealthCheckStats, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT group_id, check_type, subject, success_count, fail_count, avg_latency_ms,
		 consecutive_failures, updated_at FROM health_check_stats WHERE group_id=? LIMIT 1`,
		groupID,
	)
	var st kestrel.HealthCheckStats
	var checkType string
	var updatedAt sql.NullString
	err := row.Scan(&st.GroupID, &checkType, &st.Subject, &st.SuccessCount, &st.FailCount,
		&st.AvgLatencyMs, &st.ConsecutiveFailures, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	st.CheckType = kestrel.HealthCheckType(checkType)
	if t := parseTime(updatedAt); t != nil {
		st.UpdatedAt = *t
	}
	return &st, nil
}

// UpsertHealthCheckStats creates or updates the rolled-up counters for a
// (group, checkType, subject) triple.
func (s *Store) UpsertHealthCheckStats(ctx context.Context, st *kestrel.HealthCheckStats) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.write.ExecContext(ctx,
		`UPDATE health_check_stats SET success_count=?, fail_count=?, avg_latency_ms=?,
		 consecutive_failures=?, updated_at=? WHERE group_id=? AND check_type=? AND subject=?`,
		st.SuccessCount, st.FailCount, st.AvgLatencyMs, st.ConsecutiveFailures, now,
		st.GroupID, string(st.CheckType), st.Subject,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO health_check_stats (group_id, check_type, subject, success_count,
		 fail_count, avg_latency_ms, consecutive_failures, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.GroupID, string(st.CheckType), st.Subject, st.SuccessCount, st.FailCount,
		st.AvgLatencyMs, st.ConsecutiveFailures, now,
	)
	return err
}
