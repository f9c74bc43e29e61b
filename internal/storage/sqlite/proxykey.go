package sqlite

import (
	"context"
	"database/sql"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// CreateProxyKey inserts a new proxy key.
func (s *Store) CreateProxyKey(ctx context.Context, k *kestrel.ProxyKey) error {
	groups, err := marshalJSON(k.PermittedGroups)
	if err != nil {
		return err
	}
	weights, err := marshalJSON(k.GroupWeights)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO proxy_keys (id, name, token_hash, description, allowed_groups_blob,
		 group_balance_policy, group_weights_blob, rpm_limit, enabled, usage_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.TokenHash, nullStr(k.Description), groups,
		string(k.GroupBalance), weights, k.RPMLimit, boolToInt(k.Enabled), k.UsageCount,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetProxyKeyByHash retrieves a proxy key by its SHA-256 token hash.
func (s *Store) GetProxyKeyByHash(ctx context.Context, hash string) (*kestrel.ProxyKey, error) {
	row := s.read.QueryRowContext(ctx, proxyKeySelectCols+` FROM proxy_keys WHERE token_hash=?`, hash)
	return scanProxyKey(row)
}

// ListProxyKeys returns a page of proxy keys ordered by creation time.
func (s *Store) ListProxyKeys(ctx context.Context, offset, limit int) ([]*kestrel.ProxyKey, error) {
	rows, err := s.read.QueryContext(ctx,
		proxyKeySelectCols+` FROM proxy_keys ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*kestrel.ProxyKey
	for rows.Next() {
		k, err := scanProxyKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateProxyKey updates an existing proxy key.
func (s *Store) UpdateProxyKey(ctx context.Context, k *kestrel.ProxyKey) error {
	groups, err := marshalJSON(k.PermittedGroups)
	if err != nil {
		return err
	}
	weights, err := marshalJSON(k.GroupWeights)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE proxy_keys SET name=?, description=?, allowed_groups_blob=?,
		 group_balance_policy=?, group_weights_blob=?, rpm_limit=?, enabled=? WHERE id=?`,
		k.Name, nullStr(k.Description), groups, string(k.GroupBalance), weights,
		k.RPMLimit, boolToInt(k.Enabled), k.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy key")
}

// DeleteProxyKey removes a proxy key.
func (s *Store) DeleteProxyKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM proxy_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "proxy key")
}

// TouchProxyKeyUsed bumps the usage counter and last-used timestamp.
func (s *Store) TouchProxyKeyUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE proxy_keys SET usage_count = usage_count + 1, last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

const proxyKeySelectCols = `SELECT id, name, token_hash, description, allowed_groups_blob,
	 group_balance_policy, group_weights_blob, rpm_limit, enabled, usage_count, last_used_at,
	 created_at`

func scanProxyKey(row scanner) (*kestrel.ProxyKey, error) {
	var k kestrel.ProxyKey
	var description sql.NullString
	var groupsJSON, weightsJSON sql.NullString
	var balance string
	var enabled int
	var lastUsedAt, createdAt sql.NullString

	err := row.Scan(
		&k.ID, &k.Name, &k.TokenHash, &description, &groupsJSON,
		&balance, &weightsJSON, &k.RPMLimit, &enabled, &k.UsageCount, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Description = description.String
	k.GroupBalance = kestrel.BalancePolicy(balance)
	k.Enabled = enabled != 0
	if err := unmarshalInto(groupsJSON, &k.PermittedGroups); err != nil {
		return nil, err
	}
	if err := unmarshalInto(weightsJSON, &k.GroupWeights); err != nil {
		return nil, err
	}
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}
