package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-delivery/internal/compliance"
	apperrors "github.com/acme/lead-delivery/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
	// ErrUnavailable indicates the backing store could not serve the call.
	ErrUnavailable = apperrors.ErrUnavailable
)

// OptOutRepository reads and records consent state of leads. Implementations
// satisfy compliance.Store.
type OptOutRepository interface {
	compliance.Store
	UpsertLead(ctx context.Context, canonical, name string) error
	MarkOptedOut(ctx context.Context, canonical string, rec OptOutRequest) (*OptOutEvent, error)
}

// OptOutRequest describes how a lead asked to stop messages.
type OptOutRequest struct {
	Channel string
	Keyword string
}

// OptOutEvent is the audit record written alongside an opt-out.
type OptOutEvent struct {
	ID          int64     `db:"id"`
	LeadID      int64     `db:"lead_id"`
	Channel     string    `db:"channel"`
	KeywordUsed string    `db:"keyword_used"`
	CreatedAt   time.Time `db:"created_at"`
}

// AttemptStore persists delivery outcomes.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, rec AttemptRecord) error
	ListAttempts(ctx context.Context, canonical string, day time.Time, limit int) ([]AttemptRecord, error)
}

// AttemptRecord is the storage representation of one delivery outcome.
type AttemptRecord struct {
	ID           uuid.UUID
	Phone        string
	Operation    string
	Template     string
	Channel      string
	Success      bool
	MessageID    string
	Kind         string
	Reason       string
	Latency      time.Duration
	PrimaryError string
	OccurredAt   time.Time
}
