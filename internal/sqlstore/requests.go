// Copyright 2025 Andreas Neuhaus. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aneuhaus/http-queue-manager/internal/base"
	"github.com/aneuhaus/http-queue-manager/internal/errors"
)

// StoredRequest is a durable request row joined with its current state.
type StoredRequest struct {
	ID           string
	URL          string
	Method       string
	Headers      map[string]string
	Body         []byte
	Priority     int
	MaxRetries   int
	TimeoutMs    int64
	ScheduledFor *time.Time
	Metadata     map[string]interface{}

	Status        base.State
	Attempts      int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	CompletedAt   *time.Time
	Error         string

	ResponseStatus     int
	ResponseDurationMs int64
	ResponseHeaders    map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AttemptRecord is one row of the append-only attempt log.
type AttemptRecord struct {
	RequestID       string
	AttemptNumber   int
	StatusCode      int
	DurationMs      int64
	Error           string
	ResponseHeaders map[string]string
	CreatedAt       time.Time
}

// StatusPatch carries the optional fields of an UpdateStatus call.
// Nil fields are left untouched; the Clear flags null their column out.
type StatusPatch struct {
	Attempts      *int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time
	CompletedAt   *time.Time
	Error         *string

	ResponseStatus     *int
	ResponseDurationMs *int64
	ResponseHeaders    map[string]string

	ClearNextRetryAt bool
	ClearError       bool
}

// Stats summarizes the durable table contents.
type Stats struct {
	Pending     int64
	Scheduled   int64
	Processing  int64
	Completed   int64
	Failed      int64
	Dead        int64
	Cancelled   int64
	AvgDuration time.Duration
	SuccessRate float64
}

func encodeJSONColumn(v interface{}) (sql.NullString, error) {
	switch m := v.(type) {
	case map[string]string:
		if len(m) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]interface{}:
		if len(m) == 0 {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

const requestColumns = `
	id, url, method, headers, body, priority, max_retries, timeout_ms,
	scheduled_for, metadata, status, attempts, last_attempt_at, next_retry_at,
	completed_at, error, response_status, response_duration_ms, response_headers,
	created_at, updated_at`

const insertRequestSQL = `
	INSERT INTO requests (
		id, url, method, headers, body, priority, max_retries, timeout_ms,
		scheduled_for, metadata, status, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertRequest(ctx context.Context, ex execer, r *StoredRequest) error {
	headers, err := encodeJSONColumn(r.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	metadata, err := encodeJSONColumn(r.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx, insertRequestSQL,
		r.ID, r.URL, r.Method, headers, r.Body, r.Priority, r.MaxRetries,
		r.TimeoutMs, r.ScheduledFor, metadata, r.Status.String(), r.CreatedAt,
	)
	return err
}

// SaveRequest inserts a new request row. An existing row with the same id is
// a conflict.
func (s *Store) SaveRequest(ctx context.Context, r *StoredRequest) error {
	var op errors.Op = "sqlstore.SaveRequest"
	if err := insertRequest(ctx, s.db, r); err != nil {
		if isDuplicateEntry(err) {
			return errors.E(op, errors.AlreadyExists, fmt.Sprintf("request id %q already exists", r.ID))
		}
		return errors.E(op, errors.Unavailable, err)
	}
	return nil
}

// SaveRequestBatch inserts all given request rows in a single transaction.
func (s *Store) SaveRequestBatch(ctx context.Context, rs []*StoredRequest) error {
	var op errors.Op = "sqlstore.SaveRequestBatch"
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, r := range rs {
			if err := insertRequest(ctx, tx, r); err != nil {
				if isDuplicateEntry(err) {
					return errors.E(op, errors.AlreadyExists, fmt.Sprintf("request id %q already exists", r.ID))
				}
				return errors.E(op, errors.Unavailable, err)
			}
		}
		return nil
	})
}

func scanRequest(scan func(dest ...interface{}) error) (*StoredRequest, error) {
	var (
		r                  StoredRequest
		headers, metadata  sql.NullString
		respHeaders        sql.NullString
		status             string
		errMsg             sql.NullString
		respStatus         sql.NullInt64
		respDuration       sql.NullInt64
		scheduledFor       sql.NullTime
		lastAttempt, retry sql.NullTime
		completed          sql.NullTime
	)
	err := scan(
		&r.ID, &r.URL, &r.Method, &headers, &r.Body, &r.Priority, &r.MaxRetries,
		&r.TimeoutMs, &scheduledFor, &metadata, &status, &r.Attempts,
		&lastAttempt, &retry, &completed, &errMsg, &respStatus, &respDuration,
		&respHeaders, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st, err := base.StateFromString(status)
	if err != nil {
		return nil, err
	}
	r.Status = st
	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &r.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode headers: %w", err)
		}
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if respHeaders.Valid {
		if err := json.Unmarshal([]byte(respHeaders.String), &r.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("failed to decode response headers: %w", err)
		}
	}
	if scheduledFor.Valid {
		t := scheduledFor.Time
		r.ScheduledFor = &t
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		r.LastAttemptAt = &t
	}
	if retry.Valid {
		t := retry.Time
		r.NextRetryAt = &t
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	if respStatus.Valid {
		r.ResponseStatus = int(respStatus.Int64)
	}
	if respDuration.Valid {
		r.ResponseDurationMs = respDuration.Int64
	}
	return &r, nil
}

// GetRequest returns the request row for the given id, or nil if none exists.
func (s *Store) GetRequest(ctx context.Context, id string) (*StoredRequest, error) {
	var op errors.Op = "sqlstore.GetRequest"
	row := s.db.QueryRowContext(ctx, "SELECT"+requestColumns+" FROM requests WHERE id = ?", id)
	r, err := scanRequest(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.E(op, errors.Unavailable, err)
	}
	return r, nil
}

// UpdateStatus atomically applies a partial update to the request row.
// updated_at refreshes automatically; attempts never regresses.
func (s *Store) UpdateStatus(ctx context.Context, id string, status base.State, patch *StatusPatch) error {
	var op errors.Op = "sqlstore.UpdateStatus"
	set := []string{"status = ?"}
	args := []interface{}{status.String()}
	if patch != nil {
		if patch.Attempts != nil {
			set = append(set, "attempts = GREATEST(attempts, ?)")
			args = append(args, *patch.Attempts)
		}
		if patch.LastAttemptAt != nil {
			set = append(set, "last_attempt_at = ?")
			args = append(args, *patch.LastAttemptAt)
		}
		if patch.NextRetryAt != nil {
			set = append(set, "next_retry_at = ?")
			args = append(args, *patch.NextRetryAt)
		} else if patch.ClearNextRetryAt {
			set = append(set, "next_retry_at = NULL")
		}
		if patch.CompletedAt != nil {
			set = append(set, "completed_at = ?")
			args = append(args, *patch.CompletedAt)
		}
		if patch.Error != nil {
			set = append(set, "error = ?")
			args = append(args, *patch.Error)
		} else if patch.ClearError {
			set = append(set, "error = NULL")
		}
		if patch.ResponseStatus != nil {
			set = append(set, "response_status = ?")
			args = append(args, *patch.ResponseStatus)
		}
		if patch.ResponseDurationMs != nil {
			set = append(set, "response_duration_ms = ?")
			args = append(args, *patch.ResponseDurationMs)
		}
		if patch.ResponseHeaders != nil {
			headers, err := encodeJSONColumn(patch.ResponseHeaders)
			if err != nil {
				return errors.E(op, errors.Unknown, err)
			}
			set = append(set, "response_headers = ?")
			args = append(args, headers)
		}
	}
	args = append(args, id)
	query := "UPDATE requests SET " + strings.Join(set, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	if n == 0 {
		// MySQL reports zero affected rows for no-op updates too; verify
		// existence before treating it as not found.
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM requests WHERE id = ?", id).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return errors.E(op, errors.NotFound, fmt.Sprintf("request %q not found", id))
			}
			return errors.E(op, errors.Unavailable, err)
		}
	}
	return nil
}

// UpdateStatusIfNot applies the update only when the row is not currently in
// the given state. It reports whether the update was applied.
func (s *Store) UpdateStatusIfNot(ctx context.Context, id string, not base.State, status base.State, patch *StatusPatch) (bool, error) {
	var op errors.Op = "sqlstore.UpdateStatusIfNot"
	cur, err := s.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return false, errors.E(op, errors.NotFound, fmt.Sprintf("request %q not found", id))
	}
	if cur.Status == not {
		return false, nil
	}
	if err := s.UpdateStatus(ctx, id, status, patch); err != nil {
		return false, err
	}
	return true, nil
}

// MarkRetryDead flips a dead row back to pending with a clean slate.
// It fails with FailedPrecondition if the row is not dead.
func (s *Store) MarkRetryDead(ctx context.Context, id string) error {
	var op errors.Op = "sqlstore.MarkRetryDead"
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests
		 SET status = ?, attempts = 0, error = NULL, next_retry_at = NULL, completed_at = NULL
		 WHERE id = ? AND status = ?`,
		base.StatePending.String(), id, base.StateDead.String(),
	)
	if err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	if n == 0 {
		return errors.E(op, errors.FailedPrecondition, fmt.Sprintf("request %q is not in the dead state", id))
	}
	return nil
}

// LogAttempt appends one attempt row for the given request.
func (s *Store) LogAttempt(ctx context.Context, a *AttemptRecord) error {
	var op errors.Op = "sqlstore.LogAttempt"
	headers, err := encodeJSONColumn(a.ResponseHeaders)
	if err != nil {
		return errors.E(op, errors.Unknown, err)
	}
	var statusCode sql.NullInt64
	if a.StatusCode != 0 {
		statusCode = sql.NullInt64{Int64: int64(a.StatusCode), Valid: true}
	}
	var errMsg sql.NullString
	if a.Error != "" {
		errMsg = sql.NullString{String: a.Error, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO request_attempts (request_id, attempt_number, status_code, duration_ms, error, response_headers)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.RequestID, a.AttemptNumber, statusCode, a.DurationMs, errMsg, headers,
	)
	if err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	return nil
}

// GetAttempts returns the attempt log of the given request in attempt order.
func (s *Store) GetAttempts(ctx context.Context, id string) ([]*AttemptRecord, error) {
	var op errors.Op = "sqlstore.GetAttempts"
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, attempt_number, status_code, duration_ms, error, response_headers, created_at
		 FROM request_attempts WHERE request_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	defer rows.Close()

	var attempts []*AttemptRecord
	for rows.Next() {
		var (
			a           AttemptRecord
			statusCode  sql.NullInt64
			errMsg      sql.NullString
			respHeaders sql.NullString
		)
		if err := rows.Scan(&a.RequestID, &a.AttemptNumber, &statusCode, &a.DurationMs, &errMsg, &respHeaders, &a.CreatedAt); err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		if statusCode.Valid {
			a.StatusCode = int(statusCode.Int64)
		}
		if errMsg.Valid {
			a.Error = errMsg.String
		}
		if respHeaders.Valid {
			if err := json.Unmarshal([]byte(respHeaders.String), &a.ResponseHeaders); err != nil {
				return nil, errors.E(op, errors.Internal, fmt.Errorf("failed to decode response headers: %w", err))
			}
		}
		attempts = append(attempts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	return attempts, nil
}

// ListByStatus returns request rows filtered by status and host substring,
// newest first. Pass nil status to list across all states.
func (s *Store) ListByStatus(ctx context.Context, status *base.State, hostSubstr string, limit, offset int) ([]*StoredRequest, error) {
	var op errors.Op = "sqlstore.ListByStatus"
	var (
		where []string
		args  []interface{}
	)
	if status != nil {
		where = append(where, "status = ?")
		args = append(args, status.String())
	}
	if hostSubstr != "" {
		where = append(where, "url LIKE ?")
		args = append(args, "%"+hostSubstr+"%")
	}
	query := "SELECT" + requestColumns + " FROM requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	defer rows.Close()

	var out []*StoredRequest
	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	return out, nil
}

// Stats reports per-status counts, the mean duration over recorded attempts
// and the success rate completed / (completed + failed + dead).
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var op errors.Op = "sqlstore.Stats"
	stats := &Stats{}
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM requests GROUP BY status")
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		switch status {
		case "pending":
			stats.Pending = count
		case "scheduled":
			stats.Scheduled = count
		case "processing":
			stats.Processing = count
		case "completed":
			stats.Completed = count
		case "failed":
			stats.Failed = count
		case "dead":
			stats.Dead = count
		case "cancelled":
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}

	var avgMs sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(duration_ms) FROM request_attempts").Scan(&avgMs); err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	if avgMs.Valid {
		stats.AvgDuration = time.Duration(avgMs.Float64 * float64(time.Millisecond))
	}
	if finished := stats.Completed + stats.Failed + stats.Dead; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	return stats, nil
}

// CleanupCompleted deletes completed rows older than the given number of
// days and returns the number of rows removed.
func (s *Store) CleanupCompleted(ctx context.Context, days int) (int64, error) {
	var op errors.Op = "sqlstore.CleanupCompleted"
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM requests WHERE status = ? AND created_at < DATE_SUB(NOW(3), INTERVAL ? DAY)",
		base.StateCompleted.String(), days,
	)
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, err)
	}
	return n, nil
}

// CleanupDead deletes dead rows older than the given number of days and
// returns the ids of the removed rows so the index can be pruned.
func (s *Store) CleanupDead(ctx context.Context, days int) ([]string, error) {
	var op errors.Op = "sqlstore.CleanupDead"
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM requests WHERE status = ? AND created_at < DATE_SUB(NOW(3), INTERVAL ? DAY)",
		base.StateDead.String(), days,
	)
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.E(op, errors.Unavailable, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.E(op, errors.Unavailable, err)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM requests WHERE id IN ("+placeholders+")", args...); err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	return ids, nil
}
