package store

import "github.com/shopspring/decimal"

// Transfer is a token transfer event as stored by the ingestion pipeline in the erc20_transfers table/collection.
type Transfer struct {
	TxHash string          `json:"tx_hash"`
	From   string          `json:"from_address"`
	To     string          `json:"to_address"`
	Value  decimal.Decimal `json:"value"`
}

// Disperse is a payout line recorded within a disperse contract transaction, stored in the disperse table/collection.
// Many records share the same TxHash.
type Disperse struct {
	TxHash string          `json:"tx_hash"`
	To     *string         `json:"to_address"`
	Value  decimal.Decimal `json:"value"`
}
