package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// GetKeyValidity retrieves a (group, keyHash) validity record.
func (s *Store) GetKeyValidity(ctx context.Context, groupID, keyHash string) (*kestrel.KeyValidity, error) {
	row := s.read.QueryRowContext(ctx,
		keyValiditySelectCols+` FROM key_validation WHERE group_id=? AND api_key_hash=?`,
		groupID, keyHash,
	)
	return scanKeyValidity(row)
}

// ListKeyValidity returns every validity record for a group.
func (s *Store) ListKeyValidity(ctx context.Context, groupID string) ([]*kestrel.KeyValidity, error) {
	rows, err := s.read.QueryContext(ctx,
		keyValiditySelectCols+` FROM key_validation WHERE group_id=?`, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*kestrel.KeyValidity
	for rows.Next() {
		v, err := scanKeyValidity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpsertKeyValidity creates or updates a (group, keyHash) validity record.
// Records are never deleted except on group removal (spec §3).
func (s *Store) UpsertKeyValidity(ctx context.Context, v *kestrel.KeyValidity) error {
	existing, _ := s.GetKeyValidity(ctx, v.GroupID, v.APIKeyHash)
	now := time.Now().UTC().Format(time.RFC3339)
	if existing == nil {
		if v.ID == "" {
			v.ID = uuid.Must(uuid.NewV7()).String()
		}
		_, err := s.write.ExecContext(ctx,
			`INSERT INTO key_validation (id, group_id, api_key_hash, provider_kind, is_valid,
			 error_count, last_error, last_status_code, last_validated_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.GroupID, v.APIKeyHash, string(v.ProviderKind), boolToInt(v.Valid),
			v.ErrorCount, nullStr(v.LastError), nullInt(v.LastStatusCode),
			v.LastValidatedAt.UTC().Format(time.RFC3339), now,
		)
		return err
	}
	_, err := s.write.ExecContext(ctx,
		`UPDATE key_validation SET is_valid=?, error_count=?, last_error=?, last_status_code=?,
		 last_validated_at=? WHERE group_id=? AND api_key_hash=?`,
		boolToInt(v.Valid), v.ErrorCount, nullStr(v.LastError), nullInt(v.LastStatusCode),
		v.LastValidatedAt.UTC().Format(time.RFC3339), v.GroupID, v.APIKeyHash,
	)
	return err
}

const keyValiditySelectCols = `SELECT id, group_id, api_key_hash, provider_kind, is_valid,
	 error_count, last_error, last_status_code, last_validated_at, created_at`

func scanKeyValidity(row scanner) (*kestrel.KeyValidity, error) {
	var v kestrel.KeyValidity
	var kind string
	var valid int
	var lastError sql.NullString
	var lastStatus sql.NullInt64
	var lastValidatedAt, createdAt sql.NullString

	err := row.Scan(
		&v.ID, &v.GroupID, &v.APIKeyHash, &kind, &valid,
		&v.ErrorCount, &lastError, &lastStatus, &lastValidatedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	v.ProviderKind = kestrel.ProviderKind(kind)
	v.Valid = valid != 0
	v.LastError = lastError.String
	v.LastStatusCode = int(lastStatus.Int64)
	if t := parseTime(lastValidatedAt); t != nil {
		v.LastValidatedAt = *t
	}
	if t := parseTime(createdAt); t != nil {
		v.CreatedAt = *t
	}
	return &v, nil
}

// GetKeyUsage retrieves a (group, keyHash) usage counter row.
func (s *Store) GetKeyUsage(ctx context.Context, groupID, keyHash string) (*kestrel.KeyUsage, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, group_id, api_key_hash, usage_count, last_used_at, created_at, updated_at
		 FROM key_usage_stats WHERE group_id=? AND api_key_hash=?`, groupID, keyHash,
	)
	return scanKeyUsage(row)
}

// UpsertKeyUsage creates or updates a (group, keyHash) usage counter row.
func (s *Store) UpsertKeyUsage(ctx context.Context, u *kestrel.KeyUsage) error {
	existing, _ := s.GetKeyUsage(ctx, u.GroupID, u.APIKeyHash)
	now := time.Now().UTC().Format(time.RFC3339)
	if existing == nil {
		if u.ID == "" {
			u.ID = uuid.Must(uuid.NewV7()).String()
		}
		_, err := s.write.ExecContext(ctx,
			`INSERT INTO key_usage_stats (id, group_id, api_key_hash, usage_count, last_used_at,
			 created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.GroupID, u.APIKeyHash, u.UsageCount,
			u.LastUsedAt.UTC().Format(time.RFC3339), now, now,
		)
		return err
	}
	_, err := s.write.ExecContext(ctx,
		`UPDATE key_usage_stats SET usage_count=?, last_used_at=?, updated_at=?
		 WHERE group_id=? AND api_key_hash=?`,
		u.UsageCount, u.LastUsedAt.UTC().Format(time.RFC3339), now, u.GroupID, u.APIKeyHash,
	)
	return err
}

func scanKeyUsage(row scanner) (*kestrel.KeyUsage, error) {
	var u kestrel.KeyUsage
	var lastUsedAt, createdAt, updatedAt sql.NullString
	err := row.Scan(&u.ID, &u.GroupID, &u.APIKeyHash, &u.UsageCount, &lastUsedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if t := parseTime(lastUsedAt); t != nil {
		u.LastUsedAt = *t
	}
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		u.UpdatedAt = *t
	}
	return &u, nil
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
