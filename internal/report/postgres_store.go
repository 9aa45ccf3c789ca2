package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists reports in PostgreSQL as JSONB documents.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed report store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the fraud_reports table if it doesn't exist. It mirrors
// migrations/00001_fraud_reports.sql for deployments that skip goose.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_reports (
			id            VARCHAR(40) PRIMARY KEY,
			dataset_size  INTEGER NOT NULL CHECK (dataset_size >= 0),
			threshold     DOUBLE PRECISION NOT NULL CHECK (threshold >= 0 AND threshold <= 1),
			f1            DOUBLE PRECISION NOT NULL,
			document      JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_fraud_reports_created
			ON fraud_reports (created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Save(ctx context.Context, r *Report) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_reports (id, dataset_size, threshold, f1, document, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.DatasetSize, r.Threshold, r.Metrics.F1, doc, r.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Report, error) {
	return s.one(ctx, `SELECT document FROM fraud_reports WHERE id = $1`, id)
}

func (s *PostgresStore) Latest(ctx context.Context) (*Report, error) {
	return s.one(ctx, `SELECT document FROM fraud_reports ORDER BY created_at DESC LIMIT 1`)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM fraud_reports
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Report
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		var r Report
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("failed to decode report: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) one(ctx context.Context, query string, args ...any) (*Report, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}
