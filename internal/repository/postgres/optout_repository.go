package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-delivery/internal/compliance"
	"github.com/acme/lead-delivery/internal/repository"
)

var _ repository.OptOutRepository = (*OptOutRepository)(nil)

// OptOutRepository implements repository.OptOutRepository using PostgreSQL.
type OptOutRepository struct {
	db *sqlx.DB
}

// NewOptOutRepository constructs a new repository.
func NewOptOutRepository(db *sqlx.DB) *OptOutRepository {
	return &OptOutRepository{db: db}
}

// UpsertLead registers a lead under canonical, keeping an existing opt-out.
func (r *OptOutRepository) UpsertLead(ctx context.Context, canonical, name string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO leads (phone, name) VALUES ($1, $2) ON CONFLICT (phone) DO UPDATE SET name = EXCLUDED.name`,
		canonical, name,
	)
	if err != nil {
		return fmt.Errorf("optout repo: upsert lead: %w", err)
	}
	return nil
}

// OptOutStatus reads the opt-out flag of the lead stored under canonical.
func (r *OptOutRepository) OptOutStatus(ctx context.Context, canonical string) (compliance.Status, error) {
	var optedOut bool
	err := r.db.QueryRowxContext(ctx, `SELECT opted_out FROM leads WHERE phone = $1`, canonical).Scan(&optedOut)
	if errors.Is(err, sql.ErrNoRows) {
		return compliance.Status{}, nil
	}
	if err != nil {
		return compliance.Status{}, fmt.Errorf("optout repo: status: %w", err)
	}
	return compliance.Status{OptedOut: optedOut, LeadExists: true}, nil
}

// MarkOptedOut flags the lead and records the audit event in one transaction.
func (r *OptOutRepository) MarkOptedOut(ctx context.Context, canonical string, req repository.OptOutRequest) (*repository.OptOutEvent, error) {
	var event repository.OptOutEvent
	err := repository.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var leadID int64
		err := tx.QueryRowxContext(ctx,
			`UPDATE leads SET opted_out = TRUE, opted_out_at = NOW() WHERE phone = $1 RETURNING id`,
			canonical,
		).Scan(&leadID)
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("optout repo: update lead: %w", err)
		}

		err = tx.QueryRowxContext(ctx,
			`INSERT INTO opt_out_events (lead_id, channel, keyword_used) VALUES ($1, $2, $3)
			 RETURNING id, lead_id, channel, keyword_used, created_at`,
			leadID, req.Channel, req.Keyword,
		).StructScan(&event)
		if err != nil {
			return fmt.Errorf("optout repo: insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}
