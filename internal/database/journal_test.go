package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls []execCall
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func TestRecordRemedy(t *testing.T) {
	db := &fakeDB{}
	j := NewJournal(db)

	err := j.RecordRemedy(context.Background(), RemedyRecord{
		CycleID: "c1", Symbol: "TSLA", Kind: "REDUCE_FOR_LOSS", Rule: "proactive_loss",
		Side: "sell", Qty: 3, Urgency: "HIGH", Success: true, OrderID: "o-1",
	})
	require.NoError(t, err)
	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, "INSERT INTO remediation_actions")
	require.Len(t, db.calls[0].args, 12)
	assert.Equal(t, "TSLA", db.calls[0].args[1])
	assert.Equal(t, 3.0, db.calls[0].args[5])
	created, ok := db.calls[0].args[11].(time.Time)
	require.True(t, ok)
	assert.False(t, created.IsZero())
}

func TestRecordAlertAndEquity(t *testing.T) {
	db := &fakeDB{}
	j := NewJournal(db)

	require.NoError(t, j.RecordAlert(context.Background(), AlertRecord{Title: "Gap", Details: "AAPL -6%", Symbol: "AAPL"}))
	require.NoError(t, j.RecordEquity(context.Background(), EquitySnapshot{CycleID: "c2", Equity: 2000, Positions: 3}))
	require.Len(t, db.calls, 2)
	assert.Contains(t, db.calls[0].sql, "risk_alerts")
	assert.Contains(t, db.calls[1].sql, "equity_snapshots")
}

func TestJournalWrapsErrors(t *testing.T) {
	j := NewJournal(&fakeDB{err: errors.New("connection reset")})
	err := j.RecordRemedy(context.Background(), RemedyRecord{Symbol: "NVDA"})
	assert.ErrorContains(t, err, "NVDA")
	assert.ErrorContains(t, err, "connection reset")
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "guard", Password: "pw", Database: "risk", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=guard password=pw dbname=risk sslmode=disable", cfg.DSN())
}

func TestMigrationsCreateJournalTables(t *testing.T) {
	joined := ""
	for _, m := range migrations {
		joined += m
	}
	for _, table := range []string{"remediation_actions", "risk_alerts", "equity_snapshots"} {
		assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+table)
	}
}
