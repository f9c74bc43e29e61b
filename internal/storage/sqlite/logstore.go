package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	kestrel "github.com/kestrelproxy/kestrel/internal"
)

// InsertRequestLog writes the arrival-phase record for a request (spec §4.C
// Insert). The row is later completed by UpdateRequestLog.
func (s *Store) InsertRequestLog(ctx context.Context, log *kestrel.RequestLog) error {
	if log.ID == "" {
		log.ID = uuid.Must(uuid.NewV7()).String()
	}
	reqHeaders, err := joinHeaders(log.RequestHeaders)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO request_logs (id, request_id, proxy_key_id, group_id, provider_kind, model,
		 method, endpoint, request_body, request_headers, content_truncated, has_tools,
		 is_streaming, client_ip, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.RequestID, nullStr(log.ProxyKeyID), nullStr(log.GroupID),
		nullStr(string(log.ProviderKind)), nullStr(log.Model), log.Method, log.Endpoint,
		log.RequestBody, reqHeaders, boolToInt(log.ContentTruncated), boolToInt(log.HasTools),
		boolToInt(log.IsStreaming), nullStr(log.ClientIP), nullStr(log.UserAgent),
		log.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// UpdateRequestLog attaches the completion-phase fields to an existing
// request-id row (spec §4.C Update, Ordering option (b)).
func (s *Store) UpdateRequestLog(ctx context.Context, log *kestrel.RequestLog) error {
	respHeaders, err := joinHeaders(log.ResponseHeaders)
	if err != nil {
		return err
	}
	result, err := s.write.ExecContext(ctx,
		`UPDATE request_logs SET group_id=?, provider_kind=?, model=?, response_body=?,
		 response_headers=?, content_truncated=?, status_code=?, duration_ms=?, prompt_tokens=?,
		 completion_tokens=?, total_tokens=?, error_message=? WHERE request_id=?`,
		nullStr(log.GroupID), nullStr(string(log.ProviderKind)), nullStr(log.Model),
		log.ResponseBody, respHeaders, boolToInt(log.ContentTruncated), log.StatusCode,
		log.DurationMs, log.PromptTokens, log.CompletionTokens, log.TotalTokens,
		nullStr(log.ErrorMessage), log.RequestID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "request log")
}

// ListRequestLogs returns a page of request logs, most recent first.
func (s *Store) ListRequestLogs(ctx context.Context, offset, limit int) ([]*kestrel.RequestLog, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, request_id, proxy_key_id, group_id, provider_kind, model, method, endpoint,
		 request_body, response_body, request_headers, response_headers, content_truncated,
		 status_code, duration_ms, prompt_tokens, completion_tokens, total_tokens, error_message,
		 client_ip, user_agent, has_tools, is_streaming, created_at
		 FROM request_logs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*kestrel.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func scanRequestLog(row scanner) (*kestrel.RequestLog, error) {
	var l kestrel.RequestLog
	var proxyKeyID, groupID, providerKind, model sql.NullString
	var reqHeaders, respHeaders sql.NullString
	var errorMessage, clientIP, userAgent sql.NullString
	var contentTruncated, hasTools, isStreaming int
	var createdAt sql.NullString

	err := row.Scan(
		&l.ID, &l.RequestID, &proxyKeyID, &groupID, &providerKind, &model, &l.Method, &l.Endpoint,
		&l.RequestBody, &l.ResponseBody, &reqHeaders, &respHeaders, &contentTruncated,
		&l.StatusCode, &l.DurationMs, &l.PromptTokens, &l.CompletionTokens, &l.TotalTokens,
		&errorMessage, &clientIP, &userAgent, &hasTools, &isStreaming, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	l.ProxyKeyID = proxyKeyID.String
	l.GroupID = groupID.String
	l.ProviderKind = kestrel.ProviderKind(providerKind.String)
	l.Model = model.String
	l.ContentTruncated = contentTruncated != 0
	l.ErrorMessage = errorMessage.String
	l.ClientIP = clientIP.String
	l.UserAgent = userAgent.String
	l.HasTools = hasTools != 0
	l.IsStreaming = isStreaming != 0

	reqH, err := splitHeaders(reqHeaders)
	if err != nil {
		return nil, err
	}
	l.RequestHeaders = reqH
	respH, err := splitHeaders(respHeaders)
	if err != nil {
		return nil, err
	}
	l.ResponseHeaders = respH

	if t := parseTime(createdAt); t != nil {
		l.CreatedAt = *t
	}
	return &l, nil
}
