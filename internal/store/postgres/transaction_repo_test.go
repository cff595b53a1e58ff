package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execDriver answers every Exec with the configured result. Queries and
// transactions are not supported.
type execDriver struct {
	mu     sync.Mutex
	result driver.Result
	err    error
}

func (d *execDriver) Open(string) (driver.Conn, error) { return execConn{d}, nil }

type execConn struct{ d *execDriver }

func (c execConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare unsupported") }
func (c execConn) Close() error                        { return nil }
func (c execConn) Begin() (driver.Tx, error)           { return nil, errors.New("begin unsupported") }

func (c execConn) CheckNamedValue(*driver.NamedValue) error { return nil }

func (c execConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	return c.d.result, c.d.err
}

type rowsResult struct {
	n   int64
	err error
}

func (r rowsResult) LastInsertId() (int64, error) { return 0, errors.New("unsupported") }
func (r rowsResult) RowsAffected() (int64, error) { return r.n, r.err }

var (
	execDriverOnce sync.Once
	execDrv        = &execDriver{}
)

func openExecDB(t *testing.T, result driver.Result) *DB {
	t.Helper()
	execDriverOnce.Do(func() { sql.Register("postgres_exec_fake", execDrv) })
	execDrv.mu.Lock()
	execDrv.result, execDrv.err = result, nil
	execDrv.mu.Unlock()

	db, err := sql.Open("postgres_exec_fake", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &DB{db}
}

func testConversion() *model.Conversion {
	return &model.Conversion{
		AmountPrimary:   "3000",
		PrimaryCurrency: "USD",
		Rate:            "2000",
		RateSource:      "coingecko",
		RateTimestamp:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestUpdateConversion_RowsAffected(t *testing.T) {
	id := uuid.New()

	repo := NewTransactionRepo(openExecDB(t, rowsResult{n: 1}))
	require.NoError(t, repo.UpdateConversion(context.Background(), id, testConversion()))

	repo = NewTransactionRepo(openExecDB(t, rowsResult{n: 0}))
	err := repo.UpdateConversion(context.Background(), id, testConversion())
	require.Error(t, err)
	assert.ErrorContains(t, err, "not found")

	driverErr := errors.New("rows affected unavailable")
	repo = NewTransactionRepo(openExecDB(t, rowsResult{err: driverErr}))
	err = repo.UpdateConversion(context.Background(), id, testConversion())
	require.Error(t, err)
	assert.ErrorIs(t, err, driverErr, "a driver error is not reported as a missing row")
	assert.NotContains(t, err.Error(), "not found")
}
