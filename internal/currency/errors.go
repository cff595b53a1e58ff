package currency

import (
	"errors"
	"fmt"
)

var (
	// ErrRateUnavailable means no usable rate exists for the pair under the
	// requested method.
	ErrRateUnavailable = errors.New("exchange rate unavailable")
	// ErrInvalidSettings means account settings failed validation.
	ErrInvalidSettings = errors.New("invalid account settings")
)

// RateUnavailableError names the pair that could not be priced.
type RateUnavailableError struct {
	From string
	To   string
}

func (e *RateUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s/%s", ErrRateUnavailable, e.From, e.To)
}

func (e *RateUnavailableError) Unwrap() error { return ErrRateUnavailable }

func rateUnavailable(from, to string) error {
	return &RateUnavailableError{From: from, To: to}
}
