package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/google/uuid"
)

//go:generate mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// TransactionFilter narrows a transaction listing. Zero values match everything.
type TransactionFilter struct {
	ProfileID string
	Chain     model.Chain
	Limit     int
	Offset    int
}

// TransactionRepository provides access to normalized ledger transactions.
type TransactionRepository interface {
	// InsertTx stores t unless (chain, tx_hash) already exists. It reports
	// whether a row was written; a collision leaves the stored row untouched.
	InsertTx(ctx context.Context, tx *sql.Tx, t *model.Transaction) (bool, error)
	UpdateConversion(ctx context.Context, id uuid.UUID, c *model.Conversion) error
	GetByHash(ctx context.Context, chain model.Chain, txHash string) (*model.Transaction, error)
	List(ctx context.Context, f TransactionFilter) ([]model.Transaction, error)
}

// CursorRepository provides access to sync cursors, one per watched
// (profile, chain, address).
type CursorRepository interface {
	Get(ctx context.Context, profileID string, chain model.Chain, address string) (*model.SyncCursor, error)
	// AdvanceTx moves the cursor to block unless it is already further.
	AdvanceTx(ctx context.Context, tx *sql.Tx, profileID string, chain model.Chain, address string, block uint64) error
}

// SettingsRepository provides access to account settings.
type SettingsRepository interface {
	Get(ctx context.Context, profileID string) (*model.AccountSettings, error)
	Upsert(ctx context.Context, s *model.AccountSettings) error
}

// TransferRepository provides access to cross-chain transfer rows.
type TransferRepository interface {
	// InsertTx creates t unless a row for t.TransactionID exists, and returns
	// the stored row either way.
	InsertTx(ctx context.Context, tx *sql.Tx, t *model.XcmTransfer) (*model.XcmTransfer, error)
	Insert(ctx context.Context, t *model.XcmTransfer) (*model.XcmTransfer, error)
	Get(ctx context.Context, id uuid.UUID) (*model.XcmTransfer, error)
	GetByTransaction(ctx context.Context, transactionID uuid.UUID) (*model.XcmTransfer, error)
	// CompareAndSetStatus moves the row from one status to another and appends
	// hop when non-nil and not already the last hop. It reports false when the
	// stored status is not from.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, from, to model.XcmStatus, hop *model.Chain, at time.Time) (bool, error)
	// AppendHop appends hop while the row is still in status. It reports false
	// when the status moved or hop is already the last hop.
	AppendHop(ctx context.Context, id uuid.UUID, status model.XcmStatus, hop model.Chain, at time.Time) (bool, error)
}

// TokenRepository persists runtime-registered tokens.
type TokenRepository interface {
	Upsert(ctx context.Context, t *model.TokenSpec) error
	Get(ctx context.Context, chain model.Chain, assetID string) (*model.TokenSpec, error)
}

// WatchedAccountRepository provides access to accounts synced on a schedule.
type WatchedAccountRepository interface {
	ListActive(ctx context.Context) ([]model.WatchedAccount, error)
	Upsert(ctx context.Context, a *model.WatchedAccount) error
}
