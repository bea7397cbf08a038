// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/tarancss/dtrace/lib/msg"
)

// Exchange is the topic exchange trace events are published to, with routing key "trace.<address>".
const Exchange = "te"

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	log  *logrus.Logger

	mu sync.Mutex // guards ch, channels must not be shared by concurrent publishers
	ch *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string, log *logrus.Logger) (*Amqp, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, err
	}

	log.Info("Connected to AMQP broker")

	return &Amqp{conn: conn, log: log}, nil
}

// Setup obtains a one-use channel and declares the "te" ("trace events") exchange.
func (r *Amqp) Setup() error {
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	return channel.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.log.WithError(err).Warn("Error closing amqp.Channel")
		}

		r.ch = nil
	}

	return r.conn.Close()
}

// SendTrace publishes a trace event to the "te" exchange.
func (r *Amqp) SendTrace(ev msg.TraceEvent) error {
	jsonDoc, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// obtain channel if not present
	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	m := amqp.Publishing{
		Headers:     amqp.Table{"x-trace-addr": ev.Trace.Address},
		Body:        jsonDoc,
		ContentType: "application/json",
		Timestamp:   ev.At,
	}

	if err = r.ch.Publish(Exchange, RoutingKey(ev.Trace.Address), false, false, m); err != nil {
		// the channel is unusable after a failed publish, get a new one next time
		r.ch = nil

		return err
	}

	return nil
}

// RoutingKey returns the routing key of the trace events of addr.
func RoutingKey(addr string) string {
	return "trace." + addr
}
