package ledgersync

import (
	"errors"
	"fmt"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

var (
	// ErrRemoteUnavailable means a chain source kept failing after retries.
	ErrRemoteUnavailable = errors.New("remote chain unavailable")
	// ErrInvalidRequest means a sync request is missing a profile, chain or address.
	ErrInvalidRequest = errors.New("invalid sync request")
)

// RemoteUnavailableError names the chain and the block range that could not
// be read. To is zero when the head itself could not be read.
type RemoteUnavailableError struct {
	Chain model.Chain
	From  uint64
	To    uint64
	Err   error
}

func (e *RemoteUnavailableError) Error() string {
	if e.To == 0 {
		return fmt.Sprintf("%s: %s head: %v", ErrRemoteUnavailable, e.Chain, e.Err)
	}
	return fmt.Sprintf("%s: %s blocks %d-%d: %v", ErrRemoteUnavailable, e.Chain, e.From, e.To, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() []error {
	return []error{ErrRemoteUnavailable, e.Err}
}
