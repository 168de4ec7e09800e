package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/agentbus/pkg/bus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PassResult counts what one retry pass did.
type PassResult struct {
	Delivered int
	Retried   int
	Failed    int
	Expired   int
	Deferred  int
	Dropped   int
}

// Run processes the retry queue every PollInterval until ctx is cancelled.
// It blocks; start it in its own goroutine. Store errors are logged and the
// pass is retried on the next tick.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("poll_interval", m.cfg.PollInterval).
		Int("max_retries", m.cfg.MaxRetries).
		Msg("delivery worker starting")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := m.ProcessRetryQueue(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("retry pass failed")
		} else if res.Delivered+res.Failed+res.Expired > 0 {
			m.logger.Debug().
				Int("delivered", res.Delivered).
				Int("retried", res.Retried).
				Int("failed", res.Failed).
				Int("expired", res.Expired).
				Msg("retry pass finished")
		}

		select {
		case <-ctx.Done():
			m.logger.Info().Msg("delivery worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessRetryQueue makes one pass over the entries queued when the pass
// starts. Expired messages are marked EXPIRED and dropped, entries not yet due
// go back on the queue, and due entries get one delivery attempt. A failed
// attempt is rescheduled with backoff until MaxRetries attempts have been
// made, after which the message is marked FAILED.
func (m *Manager) ProcessRetryQueue(ctx context.Context) (PassResult, error) {
	var res PassResult

	ctx, span := m.tracer.Start(ctx, "delivery.ProcessRetryQueue")
	defer span.End()

	n, err := m.rdb.LLen(ctx, bus.CommsRetryQueueKey).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read queue length failed")
		return res, fmt.Errorf("failed to read retry queue: %w", err)
	}

	for i := int64(0); i < n; i++ {
		raw, err := m.rdb.LPop(ctx, bus.CommsRetryQueueKey).Result()
		if bus.IsNotFound(err) {
			break
		}
		if err != nil {
			span.RecordError(err)
			return res, fmt.Errorf("failed to pop retry entry: %w", err)
		}

		var entry retryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed retry entry")
			res.Dropped++
			continue
		}

		if err := m.processEntry(ctx, entry, &res); err != nil {
			// keep the entry so the next pass sees it again
			if rerr := m.rdb.RPush(ctx, bus.CommsRetryQueueKey, raw).Err(); rerr != nil {
				m.logger.Error().Err(rerr).Str("message_id", entry.MessageID).Msg("failed to requeue retry entry")
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "retry pass aborted")
			return res, err
		}
	}

	span.SetAttributes(
		attribute.Int("delivered", res.Delivered),
		attribute.Int("retried", res.Retried),
		attribute.Int("failed", res.Failed),
		attribute.Int("expired", res.Expired),
		attribute.Int("dropped", res.Dropped),
	)
	return res, nil
}

func (m *Manager) processEntry(ctx context.Context, entry retryEntry, res *PassResult) error {
	now := m.now()

	if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
		if _, _, err := m.updateMessage(ctx, entry.Recipient, entry.MessageID, func(msg *Message) bool {
			if msg.Status != StatusPending {
				return false
			}
			msg.Status = StatusExpired
			return true
		}); err != nil {
			return err
		}
		m.logger.Debug().Str("message_id", entry.MessageID).Str("to", entry.Recipient).Msg("message expired before delivery")
		res.Expired++
		return nil
	}

	if now.Before(entry.NextAttempt) {
		res.Deferred++
		return m.enqueueRetry(ctx, entry)
	}

	msg, err := m.GetMessage(ctx, entry.Recipient, entry.MessageID)
	if err != nil {
		return err
	}
	if msg == nil || msg.Status != StatusPending {
		res.Dropped++
		return nil
	}

	if err := m.attempt(ctx, msg); err != nil {
		m.logger.Warn().Err(err).
			Str("message_id", msg.ID).
			Str("to", msg.To).
			Int("attempt", entry.Attempts+1).
			Msg("delivery attempt failed")
		outcome, err := m.fail(ctx, entry)
		if err != nil {
			return err
		}
		switch outcome {
		case failRetried:
			res.Retried++
		case failExhausted:
			res.Failed++
		default:
			res.Dropped++
		}
		return nil
	}
	res.Delivered++
	return nil
}

// failOutcome is what fail did with a failed attempt.
type failOutcome int

const (
	failRetried   failOutcome = iota // back on the retry queue
	failExhausted                    // attempts used up, message FAILED
	failGone                         // message left the queue or PENDING meanwhile
)

// recordFailure schedules a retry after a failed inline attempt.
func (m *Manager) recordFailure(ctx context.Context, msg *Message) error {
	_, err := m.fail(ctx, retryEntry{
		MessageID: msg.ID,
		Recipient: msg.To,
		ExpiresAt: msg.ExpiresAt,
	})
	return err
}

// fail counts one failed attempt against a PENDING message and either
// requeues it with backoff or marks it FAILED.
func (m *Manager) fail(ctx context.Context, entry retryEntry) (failOutcome, error) {
	entry.Attempts++
	exhausted := entry.Attempts >= m.cfg.MaxRetries

	_, changed, err := m.updateMessage(ctx, entry.Recipient, entry.MessageID, func(msg *Message) bool {
		if msg.Status != StatusPending {
			return false
		}
		msg.Attempts = entry.Attempts
		if exhausted {
			msg.Status = StatusFailed
		}
		return true
	})
	if err != nil {
		return failGone, err
	}
	if !changed {
		m.logger.Debug().Str("message_id", entry.MessageID).Str("to", entry.Recipient).Msg("message no longer pending, not retrying")
		return failGone, nil
	}

	if exhausted {
		m.logger.Warn().
			Str("event_type", "delivery_failed").
			Str("message_id", entry.MessageID).
			Str("to", entry.Recipient).
			Int("attempts", entry.Attempts).
			Msg("giving up on message")
		return failExhausted, nil
	}

	entry.NextAttempt = m.now().Add(m.cfg.retryDelay(entry.Attempts))
	if err := m.enqueueRetry(ctx, entry); err != nil {
		return failGone, err
	}
	return failRetried, nil
}

func (m *Manager) enqueueRetry(ctx context.Context, entry retryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal retry entry: %w", err)
	}
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, bus.CommsRetryQueueKey, data)
		pipe.Expire(ctx, bus.CommsRetryQueueKey, m.cfg.MessageTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}
	return nil
}
