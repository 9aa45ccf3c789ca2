package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the webhooks table. It mirrors
// migrations/00002_webhooks.sql.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS webhooks (
			id                    VARCHAR(40) PRIMARY KEY,
			url                   TEXT NOT NULL,
			secret                VARCHAR(64) NOT NULL,
			events                JSONB NOT NULL,
			active                BOOLEAN NOT NULL DEFAULT TRUE,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_success          TIMESTAMPTZ,
			last_error            TEXT NOT NULL DEFAULT '',
			consecutive_failures  INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_webhooks_active ON webhooks (active) WHERE active;
	`)
	return err
}

const subscriptionColumns = `id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sub.ID, sub.URL, sub.Secret, events, sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook: %w", err)
	}
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhooks
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return scanSubscriptions(rows)
}

func (p *PostgresStore) ListByEvent(ctx context.Context, t EventType) ([]*Subscription, error) {
	want, err := json.Marshal([]EventType{t})
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhooks
		WHERE active AND events @> $1::jsonb
	`, string(want))
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return scanSubscriptions(rows)
}

func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr error) error {
	var res sql.Result
	var err error
	if deliveryErr == nil {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhooks SET last_success = $2, last_error = '', consecutive_failures = 0
			WHERE id = $1
		`, id, at)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhooks SET
				last_error = $2,
				consecutive_failures = consecutive_failures + 1,
				active = active AND consecutive_failures + 1 < $3
			WHERE id = $1
		`, id, deliveryErr.Error(), maxConsecutiveFailures)
	}
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return affectedOne(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var events []byte
		var lastSuccess sql.NullTime
		if err := rows.Scan(
			&sub.ID, &sub.URL, &sub.Secret, &events, &sub.Active, &sub.CreatedAt,
			&lastSuccess, &sub.LastError, &sub.ConsecutiveFailures,
		); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		if err := json.Unmarshal(events, &sub.Events); err != nil {
			return nil, fmt.Errorf("failed to decode webhook events: %w", err)
		}
		if lastSuccess.Valid {
			t := lastSuccess.Time
			sub.LastSuccess = &t
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read webhooks: %w", err)
	}
	return subs, nil
}
