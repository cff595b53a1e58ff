package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type XcmStatus string

const (
	XcmPending   XcmStatus = "pending"
	XcmInTransit XcmStatus = "in_transit"
	XcmCompleted XcmStatus = "completed"
	XcmFailed    XcmStatus = "failed"
)

// Rank orders statuses for the monotonic transition check. Completed and
// Failed are both terminal and share a rank.
func (s XcmStatus) Rank() int {
	switch s {
	case XcmPending:
		return 0
	case XcmInTransit:
		return 1
	case XcmCompleted, XcmFailed:
		return 2
	default:
		return -1
	}
}

func (s XcmStatus) Terminal() bool {
	return s.Rank() == 2
}

func ParseXcmStatus(s string) (XcmStatus, error) {
	st := XcmStatus(s)
	if st.Rank() < 0 {
		return "", fmt.Errorf("unknown transfer status %q", s)
	}
	return st, nil
}

type XcmTransfer struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TransactionID uuid.UUID `db:"transaction_id" json:"transaction_id"`
	FromChain     Chain     `db:"from_chain" json:"from_chain"`
	FromAddress   string    `db:"from_address" json:"from_address"`
	ToChain       Chain     `db:"to_chain" json:"to_chain"`
	ToAddress     string    `db:"to_address" json:"to_address"`
	AssetID       string    `db:"asset_id" json:"asset_id"`
	Amount        string    `db:"amount" json:"amount"`
	Status        XcmStatus `db:"status" json:"status"`
	Hops          []Chain   `db:"hops" json:"hops"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
