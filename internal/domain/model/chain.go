package model

import "fmt"

type Chain string

const (
	ChainPolkadot  Chain = "polkadot"
	ChainKusama    Chain = "kusama"
	ChainMoonbeam  Chain = "moonbeam"
	ChainMoonriver Chain = "moonriver"
	ChainAstar     Chain = "astar"
	ChainAcala     Chain = "acala"
	ChainAcalaEVM  Chain = "acala-evm"
	ChainPaseo     Chain = "paseo"
)

func (c Chain) String() string {
	return string(c)
}

// ChainKind is the family a chain belongs to. It decides how raw amounts are
// scaled and how addresses are compared.
type ChainKind int

const (
	KindUnknown ChainKind = iota
	KindEVM
	KindSubstrate
)

func (k ChainKind) String() string {
	switch k {
	case KindEVM:
		return "evm"
	case KindSubstrate:
		return "substrate"
	default:
		return "unknown"
	}
}

func ParseChainKind(s string) (ChainKind, error) {
	switch s {
	case "evm":
		return KindEVM, nil
	case "substrate":
		return KindSubstrate, nil
	default:
		return KindUnknown, fmt.Errorf("unknown chain kind %q", s)
	}
}

// ChainSpec describes one configured chain. Decimals is the exponent of the
// native asset; tokens carry their own.
type ChainSpec struct {
	ID         Chain
	Name       string
	Kind       ChainKind
	Symbol     string
	Decimals   uint8
	EVMChainID int64
	ParaID     uint32
	RPCURL     string
	ScanURL    string
	Tokens     []TokenSpec
}

// TokenSpec is a non-native asset tracked on a chain: an ERC-20 contract on
// EVM chains or a parachain asset id on Substrate chains.
type TokenSpec struct {
	Chain    Chain  `db:"chain" json:"chain"`
	AssetID  string `db:"asset_id" json:"asset_id"`
	Symbol   string `db:"symbol" json:"symbol"`
	Name     string `db:"name" json:"name"`
	Decimals uint8  `db:"decimals" json:"decimals"`
}

type TxStatus string

const (
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

type TxType string

const (
	TxTypeTransfer      TxType = "transfer"
	TxTypeERC20Transfer TxType = "erc20_transfer"
	TxTypeXcmTransfer   TxType = "xcm_transfer"
)

type Direction string

const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionSelf Direction = "self"
)
