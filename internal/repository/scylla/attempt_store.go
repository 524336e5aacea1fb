package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/lead-delivery/internal/repository"
)

var _ repository.AttemptStore = (*AttemptStore)(nil)

const defaultListLimit = 100

// AttemptStore persists delivery outcomes in Scylla, partitioned by phone and day.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// AppendAttempt inserts one outcome. Re-delivered events overwrite the same row.
func (s *AttemptStore) AppendAttempt(ctx context.Context, rec repository.AttemptRecord) error {
	occurred := rec.OccurredAt.UTC()
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	latencyMs := int64(rec.Latency / time.Millisecond)

	if err := s.session.Query(`INSERT INTO delivery_attempts_by_phone (phone, bucket, occurred_at, attempt_id, operation, template, channel, success, message_id, kind, reason, latency_ms, primary_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Phone, bucketDate(occurred), occurred, gocql.UUID(rec.ID), rec.Operation, rec.Template, rec.Channel,
		rec.Success, rec.MessageID, rec.Kind, rec.Reason, latencyMs, rec.PrimaryError,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert: %w", err)
	}
	return nil
}

// ListAttempts returns the newest outcomes for canonical on the given day.
func (s *AttemptStore) ListAttempts(ctx context.Context, canonical string, day time.Time, limit int) ([]repository.AttemptRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	iter := s.session.Query(`SELECT occurred_at, attempt_id, operation, template, channel, success, message_id, kind, reason, latency_ms, primary_error
		FROM delivery_attempts_by_phone WHERE phone = ? AND bucket = ? LIMIT ?`,
		canonical, bucketDate(day), limit,
	).WithContext(ctx).Iter()

	records := make([]repository.AttemptRecord, 0, limit)
	var (
		occurred  time.Time
		id        gocql.UUID
		operation string
		template  string
		channel   string
		success   bool
		messageID string
		kind      string
		reason    string
		latencyMs int64
		primary   string
	)
	for iter.Scan(&occurred, &id, &operation, &template, &channel, &success, &messageID, &kind, &reason, &latencyMs, &primary) {
		records = append(records, repository.AttemptRecord{
			ID:           uuid.UUID(id),
			Phone:        canonical,
			Operation:    operation,
			Template:     template,
			Channel:      channel,
			Success:      success,
			MessageID:    messageID,
			Kind:         kind,
			Reason:       reason,
			Latency:      time.Duration(latencyMs) * time.Millisecond,
			PrimaryError: primary,
			OccurredAt:   occurred.UTC(),
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: iter close: %w: %w", repository.ErrUnavailable, err)
	}
	return records, nil
}

func bucketDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
