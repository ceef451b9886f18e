package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/execmesh/core"
	"github.com/hupe1980/execmesh/internal/backoff"
)

const invocationField = "invocation"

// Backoff bounds between failed stream reads.
const (
	retryBaseDelay = 250 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

// PublishInvocation appends inv to the stream of inv.ServerID.
func (s *Store) PublishInvocation(ctx context.Context, inv core.Invocation) error {
	if inv.CreatedAt.IsZero() {
		now, err := s.now(ctx)
		if err != nil {
			return err
		}
		inv.CreatedAt = now
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keys.invocations(inv.ServerID),
		Values: map[string]any{invocationField: string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("publish invocation %s: %w", inv.ID, err)
	}
	return nil
}

// SubscribeInvocations implements core.InvocationFeed. Entries appended
// after the call are delivered in stream order. Read failures are logged and
// retried with backoff; malformed entries are skipped. The channels close
// only when ctx ends.
func (s *Store) SubscribeInvocations(ctx context.Context, serverID string) (<-chan core.Invocation, <-chan error, error) {
	stream := s.keys.invocations(serverID)

	lastID := "0-0"
	latest, err := s.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read feed position: %w", err)
	}
	if len(latest) > 0 {
		lastID = latest[0].ID
	}

	invCh := make(chan core.Invocation)
	errCh := make(chan error, 1)

	go func() {
		defer func() { close(invCh); close(errCh) }()

		retry := backoff.Exponential{Base: retryBaseDelay, Max: maxRetryDelay}

		for ctx.Err() == nil {
			res, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   100,
				Block:   s.block,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				delay := retry.Next()
				s.logger.Warn("Reading invocations failed, retrying", "stream", stream, "error", err, "retry_in", delay)
				if !backoff.Sleep(ctx, delay) {
					return
				}
				continue
			}
			retry.Reset()

			for _, str := range res {
				for _, entry := range str.Messages {
					lastID = entry.ID

					inv, err := decodeInvocation(entry)
					if err != nil {
						s.logger.Warn("Skipping malformed invocation", "stream", stream, "entry_id", entry.ID, "error", err)
						continue
					}

					select {
					case <-ctx.Done():
						return
					case invCh <- inv:
					}
				}
			}
		}
	}()

	return invCh, errCh, nil
}

func decodeInvocation(entry redis.XMessage) (core.Invocation, error) {
	raw, ok := entry.Values[invocationField].(string)
	if !ok {
		return core.Invocation{}, fmt.Errorf("entry %s has no %q field", entry.ID, invocationField)
	}

	var inv core.Invocation
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return core.Invocation{}, fmt.Errorf("decode entry %s: %w", entry.ID, err)
	}
	return inv, nil
}
