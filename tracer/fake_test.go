package tracer

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/msg"
	"github.com/tarancss/dtrace/lib/store"
	"github.com/tarancss/dtrace/lib/types"
	"github.com/tarancss/dtrace/lib/util"
)

// fakeLedger is an in-memory ledger holding transfer and disperse records.
type fakeLedger struct {
	mu        sync.Mutex
	transfers []store.Transfer
	disperse  []store.Disperse

	acquireErr error // returned by Acquire
	hashesErr  error // returned by DisperseTxHashes
	panicOn    bool  // DisperseBeneficiaries panics

	acquired, released  int
	hashQueries, payQrs int
	closed              bool
}

func (l *fakeLedger) Acquire(ctx context.Context) (store.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.acquireErr != nil {
		return nil, l.acquireErr
	}

	l.acquired++

	return &fakeSession{l: l}, nil
}

func (l *fakeLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true

	return nil
}

func (l *fakeLedger) counts() (acquired, released, hashQueries, payQrs int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.acquired, l.released, l.hashQueries, l.payQrs
}

type fakeSession struct {
	l    *fakeLedger
	once sync.Once
}

func (s *fakeSession) DisperseTxHashes(ctx context.Context, from string) ([]string, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()

	s.l.hashQueries++

	if s.l.hashesErr != nil {
		return nil, s.l.hashesErr
	}

	seen := map[string]bool{}
	hashes := []string{}

	for _, t := range s.l.transfers {
		if util.Normalize(t.From) == from && util.Normalize(t.To) == types.DisperseContract && !seen[t.TxHash] {
			seen[t.TxHash] = true
			hashes = append(hashes, t.TxHash)
		}
	}

	return hashes, nil
}

func (s *fakeSession) DisperseBeneficiaries(ctx context.Context, txHashes []string) (map[string]decimal.Decimal, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()

	s.l.payQrs++

	if s.l.panicOn {
		panic("corrupted disperse row")
	}

	in := map[string]bool{}
	for _, h := range txHashes {
		in[h] = true
	}

	totals := map[string]decimal.Decimal{}

	for _, d := range s.l.disperse {
		if !in[d.TxHash] {
			continue
		}

		to := ""
		if d.To != nil {
			to = *d.To
		}

		store.Accumulate(totals, to, d.To != nil, d.Value)
	}

	return totals, nil
}

func (s *fakeSession) Release() error {
	s.once.Do(func() {
		s.l.mu.Lock()
		s.l.released++
		s.l.mu.Unlock()
	})

	return nil
}

// fakeBroker records the trace events sent.
type fakeBroker struct {
	mu     sync.Mutex
	events []msg.TraceEvent
	err    error
	closed bool
}

func (b *fakeBroker) Setup() error { return nil }

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	return nil
}

func (b *fakeBroker) SendTrace(ev msg.TraceEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	b.events = append(b.events, ev)

	return nil
}

func (b *fakeBroker) sent() []msg.TraceEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]msg.TraceEvent(nil), b.events...)
}

var errBrokerDown = errors.New("broker down")

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}

func ptr(s string) *string { return &s }

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ledgerOf returns a ledger where source sent two transactions to the disperse contract: T1 paid X 10 and Y 5, T2 paid
// X 3. A transfer to another contract and a disperse row of an unrelated transaction are noise.
func ledgerOf(source string) *fakeLedger {
	return &fakeLedger{
		transfers: []store.Transfer{
			{TxHash: "0xt1", From: source, To: types.DisperseContract, Value: amount("15")},
			{TxHash: "0xt2", From: source, To: "0xD152F549545093347A162DCE210E7293F1452150", Value: amount("3")},
			{TxHash: "0xt2", From: source, To: types.DisperseContract, Value: amount("0")},
			{TxHash: "0xt3", From: source, To: "0xanothercontract", Value: amount("99")},
		},
		disperse: []store.Disperse{
			{TxHash: "0xt1", To: ptr("0xX"), Value: amount("10")},
			{TxHash: "0xt1", To: ptr("0xy"), Value: amount("5")},
			{TxHash: "0xt2", To: ptr("0xx"), Value: amount("3")},
			{TxHash: "0xt3", To: ptr("0xz"), Value: amount("99")},
		},
	}
}
