// Package mongo implements the ledger for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/dtrace/lib/store"
	"github.com/tarancss/dtrace/lib/types"
	"github.com/tarancss/dtrace/lib/util"
)

// Collections populated by the ingestion pipeline.
const (
	TransfersCollection = "erc20_transfers"
	DisperseCollection  = "disperse"
)

const (
	opConnect       = "connect"
	opCheckout      = "checkout"
	opTxHashes      = "disperse transactions"
	opBeneficiaries = "disperse beneficiaries"
)

// Mongo implements store.Ledger on a MongoDB database.
type Mongo struct {
	uri    string
	dbname string
	opts   store.PoolOptions
	log    *logrus.Logger

	mu     sync.Mutex
	c      *mgo.Client // shared client in pooled mode
	closed bool
}

// New returns a ledger for the database dbname at the specified MongoDB uri. With an eager pool the client is
// connected before returning.
func New(uri, dbname string, opts store.PoolOptions, log *logrus.Logger) (*Mongo, error) {
	m := &Mongo{uri: uri, dbname: dbname, opts: opts, log: log}

	if opts.Mode == store.Pooled && opts.Eager {
		ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
		defer cancel()

		c, err := m.client(ctx)
		if err != nil {
			return nil, fmt.Errorf("cannot connect to mongo DB: %w", err)
		}

		if err = c.Ping(ctx, nil); err != nil {
			_ = m.Close()

			return nil, fmt.Errorf("cannot connect to mongo DB: %w", classify(opConnect, err))
		}
	}

	return m, nil
}

// connect returns a connected client. Pooled clients keep between Min and Max connections, otherwise the client holds
// a single connection.
func (m *Mongo) connect(ctx context.Context, pooled bool) (*mgo.Client, error) {
	co := options.Client().ApplyURI(m.uri).
		SetConnectTimeout(m.opts.Timeout).
		SetServerSelectionTimeout(m.opts.Timeout)

	if pooled {
		co.SetMinPoolSize(uint64(m.opts.Min)).SetMaxPoolSize(uint64(m.opts.Max))
	} else {
		co.SetMaxPoolSize(1)
	}

	c, err := mgo.NewClient(co)
	if err != nil {
		return nil, classify(opConnect, err)
	}

	if err = c.Connect(ctx); err != nil {
		return nil, classify(opConnect, err)
	}

	return c, nil
}

// client returns the shared client, connecting it if needed.
func (m *Mongo) client(ctx context.Context) (*mgo.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, store.ErrLedgerClosed
	}

	if m.c != nil {
		return m.c, nil
	}

	c, err := m.connect(ctx, true)
	if err != nil {
		return nil, err
	}

	m.c = c
	m.log.WithFields(logrus.Fields{"min": m.opts.Min, "max": m.opts.Max}).Info("Mongo connection pool opened")

	return c, nil
}

// Acquire returns a session. In per-request mode it owns a dedicated client that is disconnected on release, in
// pooled mode it holds a driver session on the shared client.
func (m *Mongo) Acquire(ctx context.Context) (store.Session, error) {
	if m.opts.Mode == store.PerRequest {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return nil, store.ErrLedgerClosed
		}

		c, err := m.connect(ctx, false)
		if err != nil {
			return nil, err
		}

		return &session{db: c.Database(m.dbname), timeout: m.opts.Timeout, release: func() error {
			return c.Disconnect(context.Background())
		}}, nil
	}

	c, err := m.client(ctx)
	if err != nil {
		return nil, err
	}

	ms, err := c.StartSession()
	if err != nil {
		return nil, classify(opCheckout, err)
	}

	return &session{db: c.Database(m.dbname), ms: ms, timeout: m.opts.Timeout, release: func() error {
		ms.EndSession(context.Background())

		return nil
	}}, nil
}

// Close disconnects the shared client. Must be called at termination time.
func (m *Mongo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	if m.c == nil {
		return nil
	}

	err := m.c.Disconnect(context.Background())
	m.c = nil

	return err
}

type session struct {
	db      *mgo.Database
	ms      mgo.Session   // nil in per-request mode
	timeout time.Duration // bounds each operation, including the wait for a pooled connection
	release func() error

	once sync.Once
	err  error
}

// run executes f within the driver session, if any. The driver checks out a pool connection inside every operation,
// so the deadline is set per operation.
func (s *session) run(ctx context.Context, f func(context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if s.ms == nil {
		return f(ctx)
	}

	return mgo.WithSession(ctx, s.ms, func(sc mgo.SessionContext) error {
		return f(sc)
	})
}

func (s *session) DisperseTxHashes(ctx context.Context, from string) ([]string, error) {
	filter := bson.M{
		"from_address": equalFold(util.Normalize(from)),
		"to_address":   equalFold(types.DisperseContract),
	}

	var vals []interface{}

	err := s.run(ctx, func(ctx context.Context) (err error) {
		vals, err = s.db.Collection(TransfersCollection).Distinct(ctx, "tx_hash", filter)

		return
	})
	if err != nil {
		return nil, classify(opTxHashes, err)
	}

	hashes := make([]string, 0, len(vals))

	for _, v := range vals {
		h, ok := v.(string)
		if !ok {
			return nil, store.NewDataSourceError(opTxHashes, fmt.Sprintf("malformed tx_hash %v", v), nil)
		}

		hashes = append(hashes, h)
	}

	return hashes, nil
}

// beneficiaryRow is the output of the beneficiaries aggregation; To is nil for payouts without destination.
type beneficiaryRow struct {
	To    *string              `bson:"_id"`
	Total primitive.Decimal128 `bson:"total"`
}

func (s *session) DisperseBeneficiaries(ctx context.Context, txHashes []string) (map[string]decimal.Decimal, error) {
	totals := map[string]decimal.Decimal{}
	if len(txHashes) == 0 {
		return totals, nil
	}

	var rows []beneficiaryRow

	err := s.run(ctx, func(ctx context.Context) error {
		cur, err := s.db.Collection(DisperseCollection).Aggregate(ctx, beneficiariesPipeline(txHashes))
		if err != nil {
			return err
		}

		return cur.All(ctx, &rows)
	})
	if err != nil {
		return nil, classify(opBeneficiaries, err)
	}

	for _, r := range rows {
		v, err := decimal.NewFromString(r.Total.String())
		if err != nil {
			return nil, store.NewDataSourceError(opBeneficiaries, fmt.Sprintf("malformed value %s", r.Total), err)
		}

		to := ""
		if r.To != nil {
			to = *r.To
		}

		store.Accumulate(totals, to, r.To != nil, v)
	}

	return totals, nil
}

func (s *session) Release() error {
	s.once.Do(func() {
		s.err = s.release()
	})

	return s.err
}

// beneficiariesPipeline sums the values of the disperse payouts of the given transactions per destination. Values are
// converted to decimal128 so sums are exact whether the ingestion stored them as strings or numbers.
func beneficiariesPipeline(txHashes []string) mgo.Pipeline {
	return mgo.Pipeline{
		{{Key: "$match", Value: bson.M{"tx_hash": bson.M{"$in": txHashes}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$to_address"},
			{Key: "total", Value: bson.M{"$sum": bson.M{"$toDecimal": "$value"}}},
		}}},
	}
}

// equalFold matches a string field case-insensitively.
func equalFold(s string) primitive.Regex {
	return primitive.Regex{Pattern: "^" + regexp.QuoteMeta(s) + "$", Options: "i"}
}

// classify wraps a driver error into a store.DataSourceError whose detail does not leak hosts or credentials.
func classify(op string, err error) error {
	var (
		cmdErr mgo.CommandError
		netErr net.Error
	)

	detail := err.Error()

	switch {
	case errors.As(err, &cmdErr):
		detail = fmt.Sprintf("%s (%s)", cmdErr.Message, cmdErr.Name)
	case errors.Is(err, context.DeadlineExceeded):
		detail = "timed out waiting for the database"
	case errors.Is(err, context.Canceled):
		detail = "request cancelled"
	case errors.As(err, &netErr):
		detail = "database unreachable"
	case errors.Is(err, mgo.ErrClientDisconnected):
		detail = "connection closed"
	}

	return store.NewDataSourceError(op, detail, err)
}
