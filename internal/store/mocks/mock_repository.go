// Package mocks holds gomock mocks for the interfaces in
// internal/store/repository.go. The file follows mockgen's source-mode layout
// and is maintained alongside the interfaces; mocks_test.go fails to compile
// when a mock falls out of step. Regenerate with:
//
//	go generate ./internal/store/...
package mocks

import (
	context "context"
	sql "database/sql"
	reflect "reflect"
	time "time"

	model "github.com/emperorhan/multichain-ledger/internal/domain/model"
	store "github.com/emperorhan/multichain-ledger/internal/store"
	uuid "github.com/google/uuid"
	gomock "go.uber.org/mock/gomock"
)

// MockTxBeginner is a mock of TxBeginner interface.
type MockTxBeginner struct {
	ctrl     *gomock.Controller
	recorder *MockTxBeginnerMockRecorder
	isgomock struct{}
}

// MockTxBeginnerMockRecorder is the mock recorder for MockTxBeginner.
type MockTxBeginnerMockRecorder struct {
	mock *MockTxBeginner
}

// NewMockTxBeginner creates a new mock instance.
func NewMockTxBeginner(ctrl *gomock.Controller) *MockTxBeginner {
	mock := &MockTxBeginner{ctrl: ctrl}
	mock.recorder = &MockTxBeginnerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockTxBeginner) EXPECT() *MockTxBeginnerMockRecorder {
	return m.recorder
}

// BeginTx mocks base method.
func (m *MockTxBeginner) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "BeginTx", ctx, opts)
	ret0, _ := ret[0].(*sql.Tx)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// BeginTx indicates an expected call of BeginTx.
func (mr *MockTxBeginnerMockRecorder) BeginTx(ctx, opts any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "BeginTx", reflect.TypeOf((*MockTxBeginner)(nil).BeginTx), ctx, opts)
}

// MockTransactionRepository is a mock of TransactionRepository interface.
type MockTransactionRepository struct {
	ctrl     *gomock.Controller
	recorder *MockTransactionRepositoryMockRecorder
	isgomock struct{}
}

// MockTransactionRepositoryMockRecorder is the mock recorder for MockTransactionRepository.
type MockTransactionRepositoryMockRecorder struct {
	mock *MockTransactionRepository
}

// NewMockTransactionRepository creates a new mock instance.
func NewMockTransactionRepository(ctrl *gomock.Controller) *MockTransactionRepository {
	mock := &MockTransactionRepository{ctrl: ctrl}
	mock.recorder = &MockTransactionRepositoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockTransactionRepository) EXPECT() *MockTransactionRepositoryMockRecorder {
	return m.recorder
}

// InsertTx mocks base method.
func (m *MockTransactionRepository) InsertTx(ctx context.Context, tx *sql.Tx, t *model.Transaction) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "InsertTx", ctx, tx, t)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// InsertTx indicates an expected call of InsertTx.
func (mr *MockTransactionRepositoryMockRecorder) InsertTx(ctx, tx, t any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "InsertTx", reflect.TypeOf((*MockTransactionRepository)(nil).InsertTx), ctx, tx, t)
}

// UpdateConversion mocks base method.
func (m *MockTransactionRepository) UpdateConversion(ctx context.Context, id uuid.UUID, c *model.Conversion) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "UpdateConversion", ctx, id, c)
	ret0, _ := ret[0].(error)
	return ret0
}

// UpdateConversion indicates an expected call of UpdateConversion.
func (mr *MockTransactionRepositoryMockRecorder) UpdateConversion(ctx, id, c any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "UpdateConversion", reflect.TypeOf((*MockTransactionRepository)(nil).UpdateConversion), ctx, id, c)
}

// GetByHash mocks base method.
func (m *MockTransactionRepository) GetByHash(ctx context.Context, chain model.Chain, txHash string) (*model.Transaction, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetByHash", ctx, chain, txHash)
	ret0, _ := ret[0].(*model.Transaction)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetByHash indicates an expected call of GetByHash.
func (mr *MockTransactionRepositoryMockRecorder) GetByHash(ctx, chain, txHash any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetByHash", reflect.TypeOf((*MockTransactionRepository)(nil).GetByHash), ctx, chain, txHash)
}

// List mocks base method.
func (m *MockTransactionRepository) List(ctx context.Context, f store.TransactionFilter) ([]model.Transaction, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "List", ctx, f)
	ret0, _ := ret[0].([]model.Transaction)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// List indicates an expected call of List.
func (mr *MockTransactionRepositoryMockRecorder) List(ctx, f any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "List", reflect.TypeOf((*MockTransactionRepository)(nil).List), ctx, f)
}

// MockCursorRepository is a mock of CursorRepository interface.
type MockCursorRepository struct {
	ctrl     *gomock.Controller
	recorder *MockCursorRepositoryMockRecorder
	isgomock struct{}
}

// MockCursorRepositoryMockRecorder is the mock recorder for MockCursorRepository.
type MockCursorRepositoryMockRecorder struct {
	mock *MockCursorRepository
}

// NewMockCursorRepository creates a new mock instance.
func NewMockCursorRepository(ctrl *gomock.Controller) *MockCursorRepository {
	mock := &MockCursorRepository{ctrl: ctrl}
	mock.recorder = &MockCursorRepositoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockCursorRepository) EXPECT() *MockCursorRepositoryMockRecorder {
	return m.recorder
}

// Get mocks base method.
func (m *MockCursorRepository) Get(ctx context.Context, profileID string, chain model.Chain, address string) (*model.SyncCursor, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Get", ctx, profileID, chain, address)
	ret0, _ := ret[0].(*model.SyncCursor)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Get indicates an expected call of Get.
func (mr *MockCursorRepositoryMockRecorder) Get(ctx, profileID, chain, address any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Get", reflect.TypeOf((*MockCursorRepository)(nil).Get), ctx, profileID, chain, address)
}

// AdvanceTx mocks base method.
func (m *MockCursorRepository) AdvanceTx(ctx context.Context, tx *sql.Tx, profileID string, chain model.Chain, address string, block uint64) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AdvanceTx", ctx, tx, profileID, chain, address, block)
	ret0, _ := ret[0].(error)
	return ret0
}

// AdvanceTx indicates an expected call of AdvanceTx.
func (mr *MockCursorRepositoryMockRecorder) AdvanceTx(ctx, tx, profileID, chain, address, block any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AdvanceTx", reflect.TypeOf((*MockCursorRepository)(nil).AdvanceTx), ctx, tx, profileID, chain, address, block)
}

// MockSettingsRepository is a mock of SettingsRepository interface.
type MockSettingsRepository struct {
	ctrl     *gomock.Controller
	recorder *MockSettingsRepositoryMockRecorder
	isgomock struct{}
}

// MockSettingsRepositoryMockRecorder is the mock recorder for MockSettingsRepository.
type MockSettingsRepositoryMockRecorder struct {
	mock *MockSettingsRepository
}

// NewMockSettingsRepository creates a new mock instance.
func NewMockSettingsRepository(ctrl *gomock.Controller) *MockSettingsRepository {
	mock := &MockSettingsRepository{ctrl: ctrl}
	mock.recorder = &MockSettingsRepositoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockSettingsRepository) EXPECT() *MockSettingsRepositoryMockRecorder {
	return m.recorder
}

// Get mocks base method.
func (m *MockSettingsRepository) Get(ctx context.Context, profileID string) (*model.AccountSettings, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Get", ctx, profileID)
	ret0, _ := ret[0].(*model.AccountSettings)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Get indicates an expected call of Get.
func (mr *MockSettingsRepositoryMockRecorder) Get(ctx, profileID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Get", reflect.TypeOf((*MockSettingsRepository)(nil).Get), ctx, profileID)
}

// Upsert mocks base method.
func (m *MockSettingsRepository) Upsert(ctx context.Context, s *model.AccountSettings) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Upsert", ctx, s)
	ret0, _ := ret[0].(error)
	return ret0
}

// Upsert indicates an expected call of Upsert.
func (mr *MockSettingsRepositoryMockRecorder) Upsert(ctx, s any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Upsert", reflect.TypeOf((*MockSettingsRepository)(nil).Upsert), ctx, s)
}

// MockTransferRepository is a mock of TransferRepository interface.
type MockTransferRepository struct {
	ctrl     *gomock.Controller
	recorder *MockTransferRepositoryMockRecorder
	isgomock struct{}
}

// MockTransferRepositoryMockRecorder is the mock recorder for MockTransferRepository.
type MockTransferRepositoryMockRecorder struct {
	mock *MockTransferRepository
}

// NewMockTransferRepository creates a new mock instance.
func NewMockTransferRepository(ctrl *gomock.Controller) *MockTransferRepository {
	mock := &MockTransferRepository{ctrl: ctrl}
	mock.recorder = &MockTransferRepositoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockTransferRepository) EXPECT() *MockTransferRepositoryMockRecorder {
	return m.recorder
}

// InsertTx mocks base method.
func (m *MockTransferRepository) InsertTx(ctx context.Context, tx *sql.Tx, t *model.XcmTransfer) (*model.XcmTransfer, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "InsertTx", ctx, tx, t)
	ret0, _ := ret[0].(*model.XcmTransfer)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// InsertTx indicates an expected call of InsertTx.
func (mr *MockTransferRepositoryMockRecorder) InsertTx(ctx, tx, t any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "InsertTx", reflect.TypeOf((*MockTransferRepository)(nil).InsertTx), ctx, tx, t)
}

// Insert mocks base method.
func (m *MockTransferRepository) Insert(ctx context.Context, t *model.XcmTransfer) (*model.XcmTransfer, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Insert", ctx, t)
	ret0, _ := ret[0].(*model.XcmTransfer)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Insert indicates an expected call of Insert.
func (mr *MockTransferRepositoryMockRecorder) Insert(ctx, t any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Insert", reflect.TypeOf((*MockTransferRepository)(nil).Insert), ctx, t)
}

// Get mocks base method.
func (m *MockTransferRepository) Get(ctx context.Context, id uuid.UUID) (*model.XcmTransfer, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Get", ctx, id)
	ret0, _ := ret[0].(*model.XcmTransfer)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Get indicates an expected call of Get.
func (mr *MockTransferRepositoryMockRecorder) Get(ctx, id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Get", reflect.TypeOf((*MockTransferRepository)(nil).Get), ctx, id)
}

// GetByTransaction mocks base method.
func (m *MockTransferRepository) GetByTransaction(ctx context.Context, transactionID uuid.UUID) (*model.XcmTransfer, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetByTransaction", ctx, transactionID)
	ret0, _ := ret[0].(*model.XcmTransfer)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetByTransaction indicates an expected call of GetByTransaction.
func (mr *MockTransferRepositoryMockRecorder) GetByTransaction(ctx, transactionID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetByTransaction", reflect.TypeOf((*MockTransferRepository)(nil).GetByTransaction), ctx, transactionID)
}

// CompareAndSetStatus mocks base method.
func (m *MockTransferRepository) CompareAndSetStatus(ctx context.Context, id uuid.UUID, from model.XcmStatus, to model.XcmStatus, hop *model.Chain, at time.Time) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CompareAndSetStatus", ctx, id, from, to, hop, at)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// CompareAndSetStatus indicates an expected call of CompareAndSetStatus.
func (mr *MockTransferRepositoryMockRecorder) CompareAndSetStatus(ctx, id, from, to, hop, at any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CompareAndSetStatus", reflect.TypeOf((*MockTransferRepository)(nil).CompareAndSetStatus), ctx, id, from, to, hop, at)
}

// AppendHop mocks base method.
func (m *MockTransferRepository) AppendHop(ctx context.Context, id uuid.UUID, status model.XcmStatus, hop model.Chain, at time.Time) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AppendHop", ctx, id, status, hop, at)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// AppendHop indicates an expected call of AppendHop.
func (mr *MockTransferRepositoryMockRecorder) AppendHop(ctx, id, status, hop, at any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AppendHop", reflect.TypeOf((*MockTransferRepository)(nil).AppendHop), ctx, id, status, hop, at)
}

// MockTokenRepository is a mock of TokenRepository interface.
type MockTokenRepository struct {
	ctrl     *gomock.Controller
	recorder *MockTokenRepositoryMockRecorder
	isgomock struct{}
}

// MockTokenRepositoryMockRecorder is the mock recorder for MockTokenRepository.
type MockTokenRepositoryMockRecorder struct {
	mock *MockTokenRepository
}

// NewMockTokenRepository creates a new mock instance.
func NewMockTokenRepository(ctrl *gomock.Controller) *MockTokenRepository {
	mock := &MockTokenRepository{ctrl: ctrl}
	mock.recorder = &MockTokenRepositoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockTokenRepository) EXPECT() *MockTokenRepositoryMockRecorder {
	return m.recorder
}

// Upsert mocks base method.
func (m *MockTokenRepository) Upsert(ctx context.Context, t *model.TokenSpec) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Upsert", ctx, t)
	ret0, _ := ret[0].(error)
	return ret0
}

// Upsert indicates an expected call of Upsert.
func (mr *MockTokenRepositoryMockRecorder) Upsert(ctx, t any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Upsert", reflect.TypeOf((*MockTokenRepository)(nil).Upsert), ctx, t)
}

// Get mocks base method.
func (m *MockTokenRepository) Get(ctx context.Context, chain model.Chain, assetID string) (*model.TokenSpec, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Get", ctx, chain, assetID)
	ret0, _ := ret[0].(*model.TokenSpec)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Get indicates an expected call of Get.
func (mr *MockTokenRepositoryMockRecorder) Get(ctx, chain, assetID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Get", reflect.TypeOf((*MockTokenRepository)(nil).Get), ctx, chain, assetID)
}

// MockWatchedAccountRepository is a mock of WatchedAccountRepository interface.
type MockWatchedAccountRepository struct {
	ctrl     *gomock.Controller
	recorder *MockWatchedAccountRepositoryMockRecorder
	isgomock struct{}
}

// MockWatchedAccountRepositoryMockRecorder is the mock recorder for MockWatchedAccountRepository.
type MockWatchedAccountRepositoryMockRecorder struct {
	mock *MockWatchedAccountRepository
}

// NewMockWatchedAccountRepository creates a new mock instance.
func NewMockWatchedAccountRepository(ctrl *gomock.Controller) *MockWatchedAccountRepository {
	mock := &MockWatchedAccountRepository{ctrl: ctrl}
	mock.recorder = &MockWatchedAccountRepositoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockWatchedAccountRepository) EXPECT() *MockWatchedAccountRepositoryMockRecorder {
	return m.recorder
}

// ListActive mocks base method.
func (m *MockWatchedAccountRepository) ListActive(ctx context.Context) ([]model.WatchedAccount, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ListActive", ctx)
	ret0, _ := ret[0].([]model.WatchedAccount)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ListActive indicates an expected call of ListActive.
func (mr *MockWatchedAccountRepositoryMockRecorder) ListActive(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ListActive", reflect.TypeOf((*MockWatchedAccountRepository)(nil).ListActive), ctx)
}

// Upsert mocks base method.
func (m *MockWatchedAccountRepository) Upsert(ctx context.Context, a *model.WatchedAccount) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Upsert", ctx, a)
	ret0, _ := ret[0].(error)
	return ret0
}

// Upsert indicates an expected call of Upsert.
func (mr *MockWatchedAccountRepositoryMockRecorder) Upsert(ctx, a any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Upsert", reflect.TypeOf((*MockWatchedAccountRepository)(nil).Upsert), ctx, a)
}
