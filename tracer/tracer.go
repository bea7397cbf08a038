// Package tracer implements the disperse tracer microservice.
//
// This microservice implements a RESTful API for clients to find the beneficiaries an address paid through the
// disperse contract. Traces are resolved against the ingested transfer ledger, kept in a result cache and published as
// events to the configured message broker.
package tracer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/cache"
	"github.com/tarancss/dtrace/lib/msg"
	"github.com/tarancss/dtrace/lib/store"
)

// Tracer contains the data necessary to deliver the service
type Tracer struct {
	ledger store.Ledger
	cache  cache.Cache
	mb     msg.MsgBroker // optional, nil disables trace events
	res    *Resolver
	log    *logrus.Logger

	mu   sync.Mutex
	s    *http.Server  // http server
	ss   *http.Server  // https server
	sc   chan struct{} // http server channel used for graceful shutdowns
	once sync.Once
}

// New returns a pointer to a new Tracer service. The tracer owns the ledger and the broker: both are closed by Stop.
func New(ledger store.Ledger, c cache.Cache, mb msg.MsgBroker, log *logrus.Logger) *Tracer {
	return &Tracer{
		ledger: ledger,
		cache:  c,
		mb:     mb,
		res:    NewResolver(ledger, log),
		log:    log,
		sc:     make(chan struct{}),
	}
}

// Stop shuts down the http servers implementing the RESTful API and closes gracefully the connections to the message
// broker and the ledger. It can be called more than once.
func (t *Tracer) Stop() {
	t.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Second)
		defer cancel()

		// servers cannot be started once sc is closed
		t.mu.Lock()

		if t.s != nil {
			if err := t.s.Shutdown(ctx); err != nil {
				t.log.WithError(err).Error("Error in http server shutdown")
			}
		}

		if t.ss != nil {
			if err := t.ss.Shutdown(ctx); err != nil {
				t.log.WithError(err).Error("Error in https server shutdown")
			}
		}

		close(t.sc)
		t.mu.Unlock()

		if t.mb != nil {
			if err := t.mb.Close(); err != nil {
				t.log.WithError(err).Error("Error closing message broker")
			}
		}

		err := t.ledger.Close()
		t.log.WithError(err).Info("Ledger closed")
	})
}
