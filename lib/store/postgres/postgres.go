// Package postgres implements the ledger for PostgreSQL compatible databases (PostgreSQL, CockroachDB).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/store"
	"github.com/tarancss/dtrace/lib/types"
	"github.com/tarancss/dtrace/lib/util"
)

// Tables populated by the ingestion pipeline.
const (
	TransfersTable = "erc20_transfers"
	DisperseTable  = "disperse"
)

const (
	qryTxHashes = `SELECT DISTINCT tx_hash FROM ` + TransfersTable +
		` WHERE LOWER(from_address) = $1 AND LOWER(to_address) = $2`
	qryBeneficiaries = `SELECT to_address, SUM(value) AS total_value FROM ` + DisperseTable +
		` WHERE tx_hash = ANY($1) GROUP BY to_address`
)

// Operations reported in data source errors.
const (
	opConnect       = "connect"
	opCheckout      = "checkout"
	opTxHashes      = "disperse transactions"
	opBeneficiaries = "disperse beneficiaries"
)

// Postgres implements store.Ledger. Depending on the pool mode, it either opens a connection per session or checks
// out connections from a shared pool opened on first use (or at startup when eager).
type Postgres struct {
	dsn  string
	opts store.PoolOptions
	log  *logrus.Logger
	open func(dsn string) (*sql.DB, error)

	mu     sync.Mutex
	db     *sql.DB // shared pool, nil until first use
	closed bool
}

// New returns a ledger for the database in 'connection'. With an eager pool, the pool is opened, pinged and warmed
// to its minimum size before returning.
func New(connection string, opts store.PoolOptions, log *logrus.Logger) (*Postgres, error) {
	return newLedger(connection, opts, log, openDB)
}

func openDB(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func newLedger(connection string, opts store.PoolOptions, log *logrus.Logger,
	open func(string) (*sql.DB, error)) (*Postgres, error) {
	p := &Postgres{dsn: connection, opts: opts, log: log, open: open}

	if opts.Mode == store.Pooled && opts.Eager {
		ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
		defer cancel()

		if err := p.warm(ctx); err != nil {
			_ = p.Close()

			return nil, fmt.Errorf("cannot open postgres pool: %w", err)
		}
	}

	return p, nil
}

// pool returns the shared pool, opening it if needed.
func (p *Postgres) pool() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, store.ErrLedgerClosed
	}

	if p.db != nil {
		return p.db, nil
	}

	db, err := p.open(p.dsn)
	if err != nil {
		return nil, classify(opConnect, err)
	}

	db.SetMaxOpenConns(p.opts.Max)
	db.SetMaxIdleConns(p.opts.Min)
	p.db = db

	p.log.WithFields(logrus.Fields{"min": p.opts.Min, "max": p.opts.Max}).Info("Postgres connection pool opened")

	return db, nil
}

// warm opens the pool and establishes its minimum number of connections, which then stay idle in the pool.
func (p *Postgres) warm(ctx context.Context) error {
	db, err := p.pool()
	if err != nil {
		return err
	}

	if err = db.PingContext(ctx); err != nil {
		return classify(opConnect, err)
	}

	conns := make([]*sql.Conn, 0, p.opts.Min)

	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	for i := 0; i < p.opts.Min; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			return classify(opConnect, err)
		}

		conns = append(conns, c)
	}

	return nil
}

// Acquire returns a session bound to one connection.
func (p *Postgres) Acquire(ctx context.Context) (store.Session, error) {
	if p.opts.Mode == store.PerRequest {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return nil, store.ErrLedgerClosed
		}

		db, err := p.open(p.dsn)
		if err != nil {
			return nil, classify(opConnect, err)
		}

		db.SetMaxOpenConns(1)

		return &session{q: db, release: db.Close}, nil
	}

	db, err := p.pool()
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	conn, err := db.Conn(cctx)
	if err != nil {
		return nil, classify(opCheckout, err)
	}

	return &session{q: conn, release: conn.Close}, nil
}

// Close drains and closes the shared pool. Sessions acquired afterwards fail with store.ErrLedgerClosed.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	if p.db == nil {
		return nil
	}

	err := p.db.Close()
	p.db = nil

	return err
}

// querier is satisfied by both *sql.DB and *sql.Conn.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type session struct {
	q       querier
	release func() error

	once sync.Once
	err  error
}

func (s *session) DisperseTxHashes(ctx context.Context, from string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, qryTxHashes, util.Normalize(from), types.DisperseContract)
	if err != nil {
		return nil, classify(opTxHashes, err)
	}
	defer rows.Close()

	var hashes []string

	for rows.Next() {
		var h string
		if err = rows.Scan(&h); err != nil {
			return nil, classify(opTxHashes, err)
		}

		hashes = append(hashes, h)
	}

	if err = rows.Err(); err != nil {
		return nil, classify(opTxHashes, err)
	}

	return hashes, nil
}

func (s *session) DisperseBeneficiaries(ctx context.Context, txHashes []string) (map[string]decimal.Decimal, error) {
	totals := map[string]decimal.Decimal{}
	if len(txHashes) == 0 {
		return totals, nil
	}

	rows, err := s.q.QueryContext(ctx, qryBeneficiaries, pq.Array(txHashes))
	if err != nil {
		return nil, classify(opBeneficiaries, err)
	}
	defer rows.Close()

	for rows.Next() {
		var to sql.NullString

		var v decimal.Decimal

		if err = rows.Scan(&to, &v); err != nil {
			return nil, classify(opBeneficiaries, err)
		}

		store.Accumulate(totals, to.String, to.Valid, v)
	}

	if err = rows.Err(); err != nil {
		return nil, classify(opBeneficiaries, err)
	}

	return totals, nil
}

func (s *session) Release() error {
	s.once.Do(func() {
		s.err = s.release()
	})

	return s.err
}

// classify wraps a driver error into a store.DataSourceError whose detail does not leak hosts or credentials.
func classify(op string, err error) error {
	var (
		pqErr  *pq.Error
		netErr net.Error
	)

	detail := err.Error()

	switch {
	case errors.As(err, &pqErr):
		detail = fmt.Sprintf("%s (%s)", pqErr.Message, pqErr.Code.Name())
	case errors.Is(err, context.DeadlineExceeded):
		detail = "timed out waiting for the database"
	case errors.Is(err, context.Canceled):
		detail = "request cancelled"
	case errors.As(err, &netErr):
		detail = "database unreachable"
	case errors.Is(err, sql.ErrConnDone):
		detail = "connection closed"
	}

	return store.NewDataSourceError(op, detail, err)
}
