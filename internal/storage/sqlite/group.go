package sqlite

import (
	"context"
	"database/sql"
	"time"

	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// CreateGroup inserts a new group configuration.
func (s *Store) CreateGroup(ctx context.Context, g *kestrel.Group) error {
	apiKeys, err := marshalJSON(g.APIKeys)
	if err != nil {
		return err
	}
	models, err := marshalJSON(g.Models)
	if err != nil {
		return err
	}
	aliases, err := marshalJSON(g.Aliases)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(g.Headers)
	if err != nil {
		return err
	}
	proxyCfg, err := marshalProxy(g.Proxy)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO groups (id, name, provider_kind, base_url, api_keys_blob, models_blob,
		 aliases_blob, param_overrides_blob, headers_blob, balance_policy, retry_count,
		 connect_timeout_ms, response_timeout_ms, rpm_limit, test_model, priority, enabled,
		 proxy_enabled, proxy_config_blob, fake_streaming, hosting, region, project, deleted,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, string(g.Kind), g.BaseURL, apiKeys, models, aliases,
		nullRaw(g.ParamOverrides), headers, string(g.Balance), g.Retry,
		g.ConnectTimeout.Milliseconds(), g.ResponseTimeout.Milliseconds(), g.RPMLimit,
		nullStr(g.TestModel), g.Priority, boolToInt(g.Enabled),
		boolToInt(g.Proxy != nil), proxyCfg, boolToInt(g.FakeStreaming),
		nullStr(g.Hosting), nullStr(g.Region), nullStr(g.Project), boolToInt(g.Deleted),
		now, now,
	)
	return err
}

// GetGroup retrieves a group by ID.
func (s *Store) GetGroup(ctx context.Context, id string) (*kestrel.Group, error) {
	row := s.read.QueryRowContext(ctx, groupSelectCols+` FROM groups WHERE id=?`, id)
	return scanGroup(row)
}

// ListGroups returns all group configurations ordered by priority.
func (s *Store) ListGroups(ctx context.Context) ([]*kestrel.Group, error) {
	rows, err := s.read.QueryContext(ctx, groupSelectCols+` FROM groups ORDER BY priority ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*kestrel.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpdateGroup updates a group configuration.
func (s *Store) UpdateGroup(ctx context.Context, g *kestrel.Group) error {
	apiKeys, err := marshalJSON(g.APIKeys)
	if err != nil {
		return err
	}
	models, err := marshalJSON(g.Models)
	if err != nil {
		return err
	}
	aliases, err := marshalJSON(g.Aliases)
	if err != nil {
		return err
	}
	headers, err := marshalJSON(g.Headers)
	if err != nil {
		return err
	}
	proxyCfg, err := marshalProxy(g.Proxy)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE groups SET name=?, provider_kind=?, base_url=?, api_keys_blob=?, models_blob=?,
		 aliases_blob=?, param_overrides_blob=?, headers_blob=?, balance_policy=?, retry_count=?,
		 connect_timeout_ms=?, response_timeout_ms=?, rpm_limit=?, test_model=?, priority=?,
		 enabled=?, proxy_enabled=?, proxy_config_blob=?, fake_streaming=?, hosting=?, region=?,
		 project=?, deleted=?, updated_at=? WHERE id=?`,
		g.Name, string(g.Kind), g.BaseURL, apiKeys, models, aliases,
		nullRaw(g.ParamOverrides), headers, string(g.Balance), g.Retry,
		g.ConnectTimeout.Milliseconds(), g.ResponseTimeout.Milliseconds(), g.RPMLimit,
		nullStr(g.TestModel), g.Priority, boolToInt(g.Enabled),
		boolToInt(g.Proxy != nil), proxyCfg, boolToInt(g.FakeStreaming),
		nullStr(g.Hosting), nullStr(g.Region), nullStr(g.Project), boolToInt(g.Deleted),
		time.Now().UTC().Format(time.RFC3339), g.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "group")
}

// DeleteGroup soft-deletes a group (spec §3 soft-delete tombstone).
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE groups SET deleted=1, enabled=0, updated_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "group")
}

const groupSelectCols = `SELECT id, name, provider_kind, base_url, api_keys_blob, models_blob,
	 aliases_blob, param_overrides_blob, headers_blob, balance_policy, retry_count,
	 connect_timeout_ms, response_timeout_ms, rpm_limit, test_model, priority, enabled,
	 proxy_enabled, proxy_config_blob, fake_streaming, hosting, region, project, deleted,
	 created_at, updated_at`

func scanGroup(row scanner) (*kestrel.Group, error) {
	var g kestrel.Group
	var kind, balance string
	var apiKeysJSON, modelsJSON, aliasesJSON, overridesJSON, headersJSON, proxyJSON sql.NullString
	var testModel, hosting, region, project sql.NullString
	var enabled, proxyEnabled, fakeStreaming, deleted int
	var createdAt, updatedAt sql.NullString
	var connectMs, responseMs int64

	err := row.Scan(
		&g.ID, &g.Name, &kind, &g.BaseURL, &apiKeysJSON, &modelsJSON,
		&aliasesJSON, &overridesJSON, &headersJSON, &balance, &g.Retry,
		&connectMs, &responseMs, &g.RPMLimit, &testModel, &g.Priority, &enabled,
		&proxyEnabled, &proxyJSON, &fakeStreaming, &hosting, &region, &project, &deleted,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	g.Kind = kestrel.ProviderKind(kind)
	g.Balance = kestrel.BalancePolicy(balance)
	g.ConnectTimeout = time.Duration(connectMs) * time.Millisecond
	g.ResponseTimeout = time.Duration(responseMs) * time.Millisecond
	g.TestModel = testModel.String
	g.Enabled = enabled != 0
	g.FakeStreaming = fakeStreaming != 0
	g.Hosting = hosting.String
	g.Region = region.String
	g.Project = project.String
	g.Deleted = deleted != 0
	g.ParamOverrides = rawMessage(overridesJSON)

	if err := unmarshalInto(apiKeysJSON, &g.APIKeys); err != nil {
		return nil, err
	}
	if err := unmarshalInto(modelsJSON, &g.Models); err != nil {
		return nil, err
	}
	if err := unmarshalInto(aliasesJSON, &g.Aliases); err != nil {
		return nil, err
	}
	if err := unmarshalInto(headersJSON, &g.Headers); err != nil {
		return nil, err
	}
	if proxyEnabled != 0 {
		var pc kestrel.ForwardProxyConfig
		if err := unmarshalInto(proxyJSON, &pc); err != nil {
			return nil, err
		}
		g.Proxy = &pc
	}
	if t := parseTime(createdAt); t != nil {
		g.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		g.UpdatedAt = *t
	}
	return &g, nil
}

func marshalProxy(p *kestrel.ForwardProxyConfig) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	return marshalJSON(p)
}
