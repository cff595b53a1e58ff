package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/multichain-ledger/internal/alert"
	"github.com/emperorhan/multichain-ledger/internal/domain/model"
	"github.com/emperorhan/multichain-ledger/internal/ledgersync"
	"github.com/emperorhan/multichain-ledger/internal/store/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSyncer struct {
	mu      sync.Mutex
	seen    []ledgersync.Request
	results map[string]*ledgersync.Status
	errs    map[string]error
}

func (f *fakeSyncer) Sync(_ context.Context, req ledgersync.Request) (*ledgersync.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req)
	if err := f.errs[req.Address]; err != nil {
		return nil, err
	}
	if st, ok := f.results[req.Address]; ok {
		return st, nil
	}
	return &ledgersync.Status{Chain: req.Chain, Address: req.Address, Complete: true}, nil
}

type fakeSweeper struct {
	n   int64
	err error
}

func (f fakeSweeper) Sweep(context.Context) (int64, error) { return f.n, f.err }

func TestSyncWatched_CountsOutcomes(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockWatchedAccountRepository(ctrl)
	repo.EXPECT().ListActive(gomock.Any()).Return([]model.WatchedAccount{
		{ProfileID: "p1", Chain: model.ChainMoonbeam, Address: "0xaaa", Active: true},
		{ProfileID: "p1", Chain: model.ChainPolkadot, Address: "15abc", Active: true},
		{ProfileID: "p2", Chain: model.ChainMoonbeam, Address: "0xbbb", Active: true},
	}, nil)

	syncer := &fakeSyncer{
		results: map[string]*ledgersync.Status{"15abc": {Complete: false}},
		errs: map[string]error{"0xbbb": &ledgersync.RemoteUnavailableError{
			Chain: model.ChainMoonbeam, Err: errors.New("dial tcp: refused"),
		}},
	}
	s := New(repo, syncer, nil, discardLogger(), WithConcurrency(2))

	summary, err := s.SyncWatched(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncSummary{Accounts: 3, Complete: 1, Partial: 1, Failed: 1}, summary)

	require.Len(t, syncer.seen, 3)
	addrs := map[string]string{}
	for _, r := range syncer.seen {
		addrs[r.Address] = r.ProfileID
	}
	assert.Equal(t, map[string]string{"0xaaa": "p1", "15abc": "p1", "0xbbb": "p2"}, addrs)
}

type recordingAlerter struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
	return nil
}

func (r *recordingAlerter) take() []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

func TestSyncWatched_AlertsAndRecovery(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockWatchedAccountRepository(ctrl)
	accounts := []model.WatchedAccount{
		{ProfileID: "p1", Chain: model.ChainMoonbeam, Address: "0xaaa", Active: true},
		{ProfileID: "p1", Chain: model.ChainPolkadot, Address: "15abc", Active: true},
	}
	repo.EXPECT().ListActive(gomock.Any()).Return(accounts, nil).Times(3)

	syncer := &fakeSyncer{errs: map[string]error{
		"0xaaa": &ledgersync.RemoteUnavailableError{Chain: model.ChainMoonbeam, Err: errors.New("timeout")},
	}}
	rec := &recordingAlerter{}
	s := New(repo, syncer, nil, discardLogger(), WithAlerter(rec))

	_, err := s.SyncWatched(context.Background())
	require.NoError(t, err)
	sent := rec.take()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.AlertTypeRemoteUnavailable, sent[0].Type)
	assert.Equal(t, "moonbeam", sent[0].Chain)
	assert.Equal(t, "0xaaa", sent[0].Fields["address"])
	assert.Contains(t, sent[0].Message, "1 of 1")

	syncer.mu.Lock()
	syncer.errs = nil
	syncer.mu.Unlock()

	_, err = s.SyncWatched(context.Background())
	require.NoError(t, err)
	sent = rec.take()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.AlertTypeRecovery, sent[0].Type)
	assert.Equal(t, "moonbeam", sent[0].Chain)

	_, err = s.SyncWatched(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.take(), "healthy chains stay quiet")
}

func TestSyncWatched_ListError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockWatchedAccountRepository(ctrl)
	repo.EXPECT().ListActive(gomock.Any()).Return(nil, errors.New("connection reset"))

	s := New(repo, &fakeSyncer{}, nil, discardLogger())
	_, err := s.SyncWatched(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list watched accounts")
}

func TestSweepRates(t *testing.T) {
	s := New(nil, nil, fakeSweeper{n: 7}, discardLogger())
	n, err := s.SweepRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	s = New(nil, nil, fakeSweeper{err: errors.New("boom")}, discardLogger())
	_, err = s.SweepRates(context.Background())
	require.Error(t, err)

	s = New(nil, nil, nil, discardLogger())
	n, err = s.SweepRates(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStart_RejectsBadSpec(t *testing.T) {
	s := New(nil, &fakeSyncer{}, fakeSweeper{}, discardLogger())
	err := s.Start("not a schedule", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobSync)
}

func TestStartStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockWatchedAccountRepository(ctrl)
	repo.EXPECT().ListActive(gomock.Any()).Return(nil, nil).AnyTimes()

	s := New(repo, &fakeSyncer{}, fakeSweeper{}, discardLogger())
	require.NoError(t, s.Start("@every 1h", "@every 1h"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
