// Package substrate holds helpers for Substrate-family assets: planck scaling,
// the parachain token registry, XCM fee estimates and address shape checks.
package substrate

import "github.com/emperorhan/multichain-ledger/internal/amount"

// FromPlanck converts a raw planck amount into token units by dividing by
// 10^decimals exactly.
func FromPlanck(raw string, decimals uint8) (string, error) {
	return amount.ScaleDown(raw, decimals)
}

// ToPlanck converts token units into an integer planck amount. Fractions
// below one planck are truncated toward zero.
func ToPlanck(v string, decimals uint8) (string, error) {
	return amount.ScaleUp(v, decimals)
}
