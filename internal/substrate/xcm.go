package substrate

import (
	"strings"

	"github.com/emperorhan/multichain-ledger/internal/domain/model"
)

// Base fees in the sending chain's token units. Relay chains dominate the
// cost of any route that touches them.
var xcmBaseFees = map[model.Chain]string{
	model.ChainPolkadot: "0.01",
	model.ChainKusama:   "0.001",
}

const defaultXcmFee = "0.005"

// EstimateXcmFee returns a flat fee estimate for a transfer between two chains.
// It is an estimate for display; actual fees come from the chain.
func EstimateXcmFee(from, to model.Chain) string {
	if fee, ok := xcmBaseFees[from]; ok {
		return fee
	}
	if fee, ok := xcmBaseFees[to]; ok {
		return fee
	}
	return defaultXcmFee
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ValidateAddress checks the shape of an SS58 address: 47 or 48 base58
// characters. It does not verify the checksum.
func ValidateAddress(address string) bool {
	if len(address) < 47 || len(address) > 48 {
		return false
	}
	for _, c := range address {
		if !strings.ContainsRune(base58Alphabet, c) {
			return false
		}
	}
	return true
}
