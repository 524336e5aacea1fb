package sqlite

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

const schema = `
CREATE TABLE IF NOT EXISTS leads (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	phone        TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL DEFAULT '',
	opted_out    BOOLEAN NOT NULL DEFAULT 0,
	opted_out_at TIMESTAMP,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS opt_out_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	lead_id      INTEGER NOT NULL REFERENCES leads(id),
	channel      TEXT NOT NULL,
	keyword_used TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// OptOutRepository implements repository.OptOutRepository on an embedded
// SQLite database.
type OptOutRepository struct {
	db *sqlx.DB
}

// NewOptOutRepository prepares the schema and returns the repository.
func NewOptOutRepository(ctx context.Context, db *sqlx.DB) (*OptOutRepository, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("optout repo: init schema: %w", err)
	}
	return &OptOutRepository{db: db}, nil
}

// UpsertLead registers a lead under canonical, keeping an existing opt-out.
func (r *OptOutRepository) UpsertLead(ctx context.Context, canonical, name string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO leads (phone, name) VALUES (?, ?) ON CONFLICT(phone) DO UPDATE SET name = excluded.name`,
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
	err := r.db.QueryRowxContext(ctx, `SELECT opted_out FROM leads WHERE phone = ?`, canonical).Scan(&optedOut)
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
		err := tx.QueryRowxContext(ctx, `SELECT id FROM leads WHERE phone = ?`, canonical).Scan(&leadID)
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("optout repo: find lead: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE leads SET opted_out = 1, opted_out_at = CURRENT_TIMESTAMP WHERE id = ?`, leadID,
		); err != nil {
			return fmt.Errorf("optout repo: update lead: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO opt_out_events (lead_id, channel, keyword_used) VALUES (?, ?, ?)`,
			leadID, req.Channel, req.Keyword,
		)
		if err != nil {
			return fmt.Errorf("optout repo: insert event: %w", err)
		}
		eventID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("optout repo: event id: %w", err)
		}

		err = tx.QueryRowxContext(ctx,
			`SELECT id, lead_id, channel, keyword_used, created_at FROM opt_out_events WHERE id = ?`, eventID,
		).StructScan(&event)
		if err != nil {
			return fmt.Errorf("optout repo: read event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}
