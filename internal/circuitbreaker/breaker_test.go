package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreaker_StartsClosedAndAllows(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, StateClosed, b.GetState())
	require.NoError(t, b.Allow())
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := New(Config{Name: "coingecko", FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.GetState())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())

	err := b.Allow()
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "coingecko")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 2})
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Minute, Now: clock.Now})

	b.RecordFailure()
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Minute)
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen, "timeout is exclusive")

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())
}

func TestBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(2 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, OpenTimeout: time.Second, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(2 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	type transition struct {
		name     string
		from, to State
	}
	var got []transition
	b := New(Config{
		Name:             "fixer",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenTimeout:      time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			got = append(got, transition{name, from, to})
		},
	})

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(2 * time.Second)
	_ = b.Allow()
	b.RecordSuccess()

	require.Len(t, got, 3)
	assert.Equal(t, transition{"fixer", StateClosed, StateOpen}, got[0])
	assert.Equal(t, transition{"fixer", StateOpen, StateHalfOpen}, got[1])
	assert.Equal(t, transition{"fixer", StateHalfOpen, StateClosed}, got[2])
}

func TestBreaker_ExecuteIgnoresNonCountingErrors(t *testing.T) {
	errNotFound := errors.New("not found")
	errUpstream := errors.New("502")
	b := New(Config{FailureThreshold: 1})
	counts := func(err error) bool { return !errors.Is(err, errNotFound) }

	err := b.Execute(func() error { return errNotFound }, counts)
	require.ErrorIs(t, err, errNotFound)
	assert.Equal(t, StateClosed, b.GetState())

	err = b.Execute(func() error { return errUpstream }, counts)
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, b.GetState())

	called := false
	err = b.Execute(func() error { called = true; return nil }, counts)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(Config{FailureThreshold: 10, SuccessThreshold: 5, OpenTimeout: time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 300; j++ {
				switch id % 4 {
				case 0:
					b.RecordSuccess()
				case 1:
					b.RecordFailure()
				case 2:
					_ = b.Allow()
				case 3:
					_ = b.GetState()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Contains(t, []State{StateClosed, StateOpen, StateHalfOpen}, b.GetState())
}
