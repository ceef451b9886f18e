package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/internal/backoff"
)

// maxRetryDelay caps the backoff between failed polls.
const maxRetryDelay = 30 * time.Second

// PublishInvocation appends inv to the invocations table.
func (s *Store) PublishInvocation(ctx context.Context, inv core.Invocation) error {
	data, err := json.Marshal(inv.Data)
	if err != nil {
		return fmt.Errorf("encode invocation data: %w", err)
	}

	createdAt := inv.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO invocations (id, type, user_id, server_id, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		inv.ID, string(inv.Type), inv.UserID, inv.ServerID, string(data), formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("publish invocation %s: %w", inv.ID, err)
	}
	return nil
}

// SubscribeInvocations implements core.InvocationFeed by polling for rows
// appended after the call. Failed polls are logged and retried with backoff;
// undecodable rows are logged and skipped. The channels close only when ctx
// ends.
func (s *Store) SubscribeInvocations(ctx context.Context, serverID string) (<-chan core.Invocation, <-chan error, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(MAX(seq), 0) FROM invocations WHERE server_id = ?`), serverID).Scan(&last)
	if err != nil {
		return nil, nil, fmt.Errorf("read feed position: %w", err)
	}

	invCh := make(chan core.Invocation)
	errCh := make(chan error, 1)

	go func() {
		defer func() { close(invCh); close(errCh) }()

		retry := backoff.Exponential{Base: s.pollInterval, Max: maxRetryDelay}

		for {
			if !backoff.Sleep(ctx, s.pollInterval) {
				return
			}

			invs, seq, err := s.invocationsAfter(ctx, serverID, last)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				delay := retry.Next()
				s.logger.Warn("Polling invocations failed, retrying", "server_id", serverID, "error", err, "retry_in", delay)
				if !backoff.Sleep(ctx, delay) {
					return
				}
				continue
			}
			retry.Reset()
			last = seq

			for _, inv := range invs {
				select {
				case <-ctx.Done():
					return
				case invCh <- inv:
				}
			}
		}
	}()

	return invCh, errCh, nil
}

// invocationsAfter returns the decodable invocations after seq `after` and
// the last seq read, including skipped rows.
func (s *Store) invocationsAfter(ctx context.Context, serverID string, after int64) ([]core.Invocation, int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT seq, id, type, user_id, server_id, data, created_at
		FROM invocations WHERE server_id = ? AND seq > ? ORDER BY seq`), serverID, after)
	if err != nil {
		return nil, after, fmt.Errorf("poll invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invs []core.Invocation
	last := after
	for rows.Next() {
		var (
			seq       int64
			inv       core.Invocation
			typ       string
			data      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&seq, &inv.ID, &typ, &inv.UserID, &inv.ServerID, &data, &createdAt); err != nil {
			return nil, after, fmt.Errorf("scan invocation: %w", err)
		}
		last = seq

		if err := decodeRow(&inv, typ, data, createdAt); err != nil {
			s.logger.Warn("Skipping malformed invocation", "server_id", serverID, "seq", seq, "invocation_id", inv.ID, "error", err)
			continue
		}
		invs = append(invs, inv)
	}

	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("poll invocations: %w", err)
	}

	return invs, last, nil
}

func decodeRow(inv *core.Invocation, typ string, data sql.NullString, createdAt string) error {
	inv.Type = core.InvocationType(typ)
	if data.Valid && data.String != "" && data.String != "null" {
		if err := json.Unmarshal([]byte(data.String), &inv.Data); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return fmt.Errorf("parse created_at: %w", err)
	}
	inv.CreatedAt = t

	return nil
}
