package decisions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed decision store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the decisions table. Stage results are stored as JSONB so
// evidence maps survive round trips without a schema per stage kind. Amounts
// are text: they are 256-bit base-unit integers rendered as decimal strings,
// and the column must also accept decisions blocked before intent extraction
// ever produced an amount.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS decisions (
			id          VARCHAR(36) PRIMARY KEY,
			principal   VARCHAR(42) NOT NULL,
			recipient   VARCHAR(42) NOT NULL,
			asset       VARCHAR(66) NOT NULL,
			amount      TEXT NOT NULL DEFAULT '0',
			kind        VARCHAR(20) NOT NULL,
			outcome     VARCHAR(10) NOT NULL,
			risk_level  VARCHAR(10) NOT NULL,
			stages      JSONB NOT NULL DEFAULT '[]',
			latency_ms  BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_principal ON decisions(principal);
		CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at DESC);
	`)
	return err
}

// Record inserts a decision row.
func (p *PostgresStore) Record(ctx context.Context, d *Decision) error {
	stages, err := json.Marshal(d.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO decisions (id, principal, recipient, asset, amount, kind, outcome, risk_level, stages, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, d.ID, d.Principal, d.Recipient, d.Asset, d.Amount, d.Kind, string(d.Outcome), string(d.RiskLevel), stages, d.LatencyMs, d.CreatedAt)
	return err
}

// Get returns a decision by ID.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Decision, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, principal, recipient, asset, amount, kind, outcome, risk_level, stages, latency_ms, created_at
		FROM decisions WHERE id = $1
	`, id)

	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

// List returns decisions newest first, optionally filtered by principal.
func (p *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Decision, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	query := `
		SELECT id, principal, recipient, asset, amount, kind, outcome, risk_level, stages, latency_ms, created_at
		FROM decisions`
	args := []any{}
	if opts.Principal != "" {
		query += ` WHERE LOWER(principal) = LOWER($1)`
		args = append(args, opts.Principal)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(s scanner) (*Decision, error) {
	var d Decision
	var stages []byte
	err := s.Scan(&d.ID, &d.Principal, &d.Recipient, &d.Asset, &d.Amount, &d.Kind,
		&d.Outcome, &d.RiskLevel, &stages, &d.LatencyMs, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &d.Stages); err != nil {
			return nil, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	return &d, nil
}

// Compile-time check
var _ Store = (*PostgresStore)(nil)
