// Package types defines the trace result shared by the resolver, the result cache and the message brokers.
package types

import (
	"github.com/shopspring/decimal"
)

// DisperseContract is the address of the disperse contract whose payouts are traced. Always lowercase.
const DisperseContract = "0xd152f549545093347a162dce210e7293f1452150"

// Trace contains the beneficiaries an address paid through the disperse contract. Amounts are exact; a Trace is never
// modified once built so it can be shared between the cache and concurrent requests.
type Trace struct {
	Address          string                     `json:"address"`
	Beneficiaries    map[string]decimal.Decimal `json:"beneficiaries"`
	TxCount          int                        `json:"txCount"`          // transactions sent to the disperse contract
	BeneficiaryCount int                        `json:"beneficiaryCount"` // distinct destination addresses
	Total            decimal.Decimal            `json:"total"`
}

// Empty returns the trace of an address that never sent funds to the disperse contract.
func Empty(addr string) Trace {
	return Trace{
		Address:       addr,
		Beneficiaries: map[string]decimal.Decimal{},
		Total:         decimal.Zero,
	}
}

// NewTrace builds a Trace for addr out of the number of disperse transactions found and the totals per beneficiary.
func NewTrace(addr string, txCount int, totals map[string]decimal.Decimal) Trace {
	t := Empty(addr)
	t.TxCount = txCount

	for to, v := range totals {
		t.Beneficiaries[to] = v
		t.Total = t.Total.Add(v)
	}

	t.BeneficiaryCount = len(t.Beneficiaries)

	return t
}
