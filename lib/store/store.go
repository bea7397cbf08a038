// Package store defines the interface for the ledger databases the tracer reads transfers and disperse payouts from.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/dtrace/lib/util"
)

// Supported database types.
const (
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
)

// Types lists the supported database types.
var Types = []string{POSTGRES, MONGODB} //nolint:gochecknoglobals // read-only list

// Connection disciplines. PerRequest opens a connection for every trace and closes it afterwards, Pooled checks out
// connections from a shared bounded pool.
const (
	PerRequest string = "request"
	Pooled     string = "pooled"
)

// Ledger is a read-only view of the ingested transfer ledger. Implementations must be safe for concurrent use.
type Ledger interface {
	// Acquire returns a session holding a connection to the ledger. The session must be released on every exit path.
	Acquire(ctx context.Context) (Session, error)
	// Close drains the connections held by the ledger. Must be called at termination time.
	Close() error
}

// Session runs the trace queries on a single connection.
type Session interface {
	// DisperseTxHashes returns the distinct hashes of the transactions sent from an address to the disperse contract.
	DisperseTxHashes(ctx context.Context, from string) ([]string, error)
	// DisperseBeneficiaries returns the amounts the disperse contract forwarded in the given transactions, summed per
	// destination address.
	DisperseBeneficiaries(ctx context.Context, txHashes []string) (map[string]decimal.Decimal, error)
	// Release returns the connection. Calling it more than once is a no-op.
	Release() error
}

// PoolOptions configure how a ledger manages its connections.
type PoolOptions struct {
	Mode    string        // PerRequest or Pooled
	Min     int           // idle connections kept by the pool
	Max     int           // open connections allowed
	Eager   bool          // open and warm the pool at startup instead of on first use
	Timeout time.Duration // maximum wait for a connection
}

// Errors returned
var (
	ErrDataSource   = errors.New("data source error")
	ErrUnknownDB    = errors.New("unknown database type")
	ErrLedgerClosed = errors.New("ledger is closed")
)

// DataSourceError is returned when the ledger cannot be reached or returns data that cannot be read. Detail is safe to
// be shown to clients: it never contains connection strings or hosts.
type DataSourceError struct {
	Op     string
	Detail string
	Err    error
}

// NewDataSourceError wraps err as a failure of operation op.
func NewDataSourceError(op, detail string, err error) *DataSourceError {
	return &DataSourceError{Op: op, Detail: detail, Err: err}
}

func (e *DataSourceError) Error() string {
	return e.Op + ": " + e.Detail
}

func (e *DataSourceError) Unwrap() error {
	return e.Err
}

// Is makes every DataSourceError match ErrDataSource.
func (e *DataSourceError) Is(target error) bool {
	return target == ErrDataSource
}

// Accumulate adds v to the total of destination to. Destinations are normalized, except a missing one (valid is false)
// which is kept under the empty key. Rows whose destinations only differ in case end up in the same total.
func Accumulate(totals map[string]decimal.Decimal, to string, valid bool, v decimal.Decimal) {
	key := ""
	if valid {
		key = util.Normalize(to)
	}

	if cur, ok := totals[key]; ok {
		v = cur.Add(v)
	}

	totals[key] = v
}
