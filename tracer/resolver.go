package tracer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/metrics"
	"github.com/tarancss/dtrace/lib/store"
	"github.com/tarancss/dtrace/lib/types"
	"github.com/tarancss/dtrace/lib/util"
)

// Resolver computes traces against the ledger.
type Resolver struct {
	ledger store.Ledger
	log    *logrus.Logger
}

// NewResolver returns a resolver reading from ledger.
func NewResolver(ledger store.Ledger, log *logrus.Logger) *Resolver {
	return &Resolver{ledger: ledger, log: log}
}

// Resolve returns the beneficiaries address paid through the disperse contract. Transactions are looked up first and
// their payouts afterwards, on the same session; an address without disperse transactions returns an empty trace
// without querying payouts. The session is released on every exit path.
func (r *Resolver) Resolve(ctx context.Context, address string) (trace types.Trace, err error) {
	addr := util.Normalize(address)
	start := time.Now()

	defer func() {
		var dse *store.DataSourceError
		if errors.As(err, &dse) {
			metrics.LedgerErrors.WithLabelValues(dse.Op).Inc()

			return
		}

		if err == nil {
			metrics.ResolveDuration.Observe(time.Since(start).Seconds())
		}
	}()

	s, err := r.ledger.Acquire(ctx)
	if err != nil {
		return trace, err
	}

	defer func() {
		if errR := s.Release(); errR != nil {
			r.log.WithError(errR).WithField("addr", addr).Warn("Cannot release ledger session")
		}
	}()

	hashes, err := s.DisperseTxHashes(ctx, addr)
	if err != nil {
		return trace, err
	}

	if len(hashes) == 0 {
		return types.Empty(addr), nil
	}

	totals, err := s.DisperseBeneficiaries(ctx, hashes)
	if err != nil {
		return trace, err
	}

	return types.NewTrace(addr, len(hashes), totals), nil
}
