package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RemedyRecord is one executed remediation action
type RemedyRecord struct {
	CycleID   string    `json:"cycle_id"`
	Symbol    string    `json:"symbol"`
	Kind      string    `json:"kind"`
	Rule      string    `json:"rule"`
	Side      string    `json:"side"`
	Qty       float64   `json:"qty"`
	Urgency   string    `json:"urgency"`
	Success   bool      `json:"success"`
	OrderID   string    `json:"order_id,omitempty"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertRecord is one alert raised to operators
type AlertRecord struct {
	Title     string    `json:"title"`
	Details   string    `json:"details"`
	Symbol    string    `json:"symbol,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EquitySnapshot is the per-cycle account summary
type EquitySnapshot struct {
	CycleID     string    `json:"cycle_id"`
	Equity      float64   `json:"equity"`
	DrawdownPct float64   `json:"drawdown_pct"`
	Positions   int       `json:"positions"`
	Unprotected int       `json:"unprotected"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

// DBTX is the subset of pgxpool.Pool the journal needs
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Journal appends remediation history to PostgreSQL
type Journal struct {
	db DBTX
}

// NewJournal creates a journal over a pool or transaction
func NewJournal(db DBTX) *Journal {
	return &Journal{db: db}
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// RecordRemedy stores an executed remediation
func (j *Journal) RecordRemedy(ctx context.Context, r RemedyRecord) error {
	_, err := j.db.Exec(ctx, `
		INSERT INTO remediation_actions
			(cycle_id, symbol, kind, rule, side, quantity, urgency, success, order_id, reason, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.CycleID, r.Symbol, r.Kind, r.Rule, r.Side, r.Qty, r.Urgency, r.Success, r.OrderID, r.Reason, r.Error, stamp(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record remediation for %s: %w", r.Symbol, err)
	}
	return nil
}

// RecordAlert stores an operator alert
func (j *Journal) RecordAlert(ctx context.Context, a AlertRecord) error {
	_, err := j.db.Exec(ctx, `
		INSERT INTO risk_alerts (title, details, symbol, created_at)
		VALUES ($1, $2, $3, $4)`,
		a.Title, a.Details, a.Symbol, stamp(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	return nil
}

// RecordEquity stores a per-cycle equity snapshot
func (j *Journal) RecordEquity(ctx context.Context, s EquitySnapshot) error {
	_, err := j.db.Exec(ctx, `
		INSERT INTO equity_snapshots (cycle_id, equity, drawdown_pct, positions, unprotected, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.CycleID, s.Equity, s.DrawdownPct, s.Positions, s.Unprotected, s.State, stamp(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record equity snapshot: %w", err)
	}
	return nil
}

// RecentRemedies returns the latest remediation actions, newest first
func (j *Journal) RecentRemedies(ctx context.Context, limit int) ([]RemedyRecord, error) {
	rows, err := j.db.Query(ctx, `
		SELECT cycle_id, symbol, kind, rule, side, quantity::float8, urgency, success,
		       COALESCE(order_id, ''), COALESCE(reason, ''), COALESCE(error, ''), created_at
		FROM remediation_actions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query remediation actions: %w", err)
	}
	defer rows.Close()

	var out []RemedyRecord
	for rows.Next() {
		var r RemedyRecord
		if err := rows.Scan(&r.CycleID, &r.Symbol, &r.Kind, &r.Rule, &r.Side, &r.Qty, &r.Urgency, &r.Success,
			&r.OrderID, &r.Reason, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan remediation action: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
