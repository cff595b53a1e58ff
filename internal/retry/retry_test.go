package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codeErr struct{ code int }

func (e codeErr) Error() string  { return fmt.Sprintf("rpc error %d", e.code) }
func (e codeErr) ErrorCode() int { return e.code }

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatus() int { return e.code }

func TestClassify_ExplicitMarkers(t *testing.T) {
	transient := Classify(Transient(errors.New("rpc timed out")))
	assert.Equal(t, ClassTransient, transient.Class)
	assert.Equal(t, "explicit_transient", transient.Reason)

	terminal := Classify(Terminal(errors.New("invalid params")))
	assert.Equal(t, ClassTerminal, terminal.Class)
	assert.Equal(t, "explicit_terminal", terminal.Reason)

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Terminal(nil))
}

func TestClassify_RepresentativeRuntimeErrors(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedClass Class
	}{
		{"context deadline transient", context.DeadlineExceeded, ClassTransient},
		{"context canceled terminal", fmt.Errorf("fetch: %w", context.Canceled), ClassTerminal},
		{"geth http 503 transient", rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, ClassTransient},
		{"geth http 400 terminal", rpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"}, ClassTerminal},
		{"scan 429 transient", fmt.Errorf("scan: %w", statusErr{429}), ClassTransient},
		{"scan 404 terminal", statusErr{404}, ClassTerminal},
		{"jsonrpc internal transient", codeErr{-32603}, ClassTransient},
		{"jsonrpc server range transient", fmt.Errorf("wrapped: %w", codeErr{-32010}), ClassTransient},
		{"jsonrpc invalid params terminal", codeErr{-32602}, ClassTerminal},
		{"message transient", errors.New("dial tcp: connection refused"), ClassTransient},
		{"message terminal", errors.New("block not found"), ClassTerminal},
		{"unknown defaults terminal", errors.New("unexpected failure"), ClassTerminal},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expectedClass, Classify(tc.err).Class)
		})
	}
}

func TestPolicy_DelayDoublesAndCaps(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(30))
}

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Sleep: recordingSleep(&delays)}

	calls := 0
	got, err := Do(context.Background(), p, nil, "head", func(context.Context) (uint64, error) {
		calls++
		if calls < 3 {
			return 0, Transient(errors.New("flaky"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestDo_TerminalStopsImmediately(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, Sleep: recordingSleep(&delays)}
	cause := errors.New("invalid params")

	calls := 0
	_, err := Do(context.Background(), p, nil, "fetch", func(context.Context) (int, error) {
		calls++
		return 0, cause
	})
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "terminal_failure stage=fetch attempt=1")
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, Sleep: recordingSleep(&delays)}
	cause := Transient(errors.New("503"))

	_, err := Do(context.Background(), p, nil, "fetch", func(context.Context) (int, error) {
		return 0, cause
	})
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "transient_recovery_exhausted stage=fetch attempts=3")
	assert.Len(t, delays, 2)
}

func TestDo_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, Policy{MaxAttempts: 3}, nil, "fetch", func(context.Context) (int, error) {
		return 0, Transient(errors.New("flaky"))
	})
	require.ErrorIs(t, err, context.Canceled)
}
