// Package broker creates the message broker configured for the tracer.
package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/msg"
	"github.com/tarancss/dtrace/lib/msg/amqp"
	"github.com/tarancss/dtrace/lib/msg/graph"
	"github.com/tarancss/dtrace/lib/msg/kafka"
)

// Options define the broker to connect to. Conn is the broker uri, or a comma separated list of brokers for Kafka.
// Topic is the Kafka topic or the Neo4j database. User and Secret are only used by Neo4j, the other brokers take the
// credentials from Conn.
type Options struct {
	Type   string
	Conn   string
	Topic  string
	User   string
	Secret string
}

// maxElapsed bounds the time spent waiting for a broker to come up at startup.
var maxElapsed = 30 * time.Second //nolint:gochecknoglobals // shortened by tests

// New connects and sets up the broker of the given type. Brokers starting along with the tracer (ie. in the same
// compose file) may not accept connections yet, so connecting and setting up are retried together with exponential
// backoff: some drivers (ie. Neo4j) only reach the server on setup. An empty type returns a nil broker: trace events
// are not published.
func New(o Options, log *logrus.Logger) (msg.MsgBroker, error) {
	if o.Type == "" {
		return nil, nil //nolint:nilnil // publishing disabled
	}

	var mb msg.MsgBroker

	dial := func() error {
		c, err := connect(o, log)
		if err != nil {
			return err
		}

		if err = c.Setup(); err != nil {
			_ = c.Close()

			return fmt.Errorf("cannot set up %s broker: %w", o.Type, err)
		}

		mb = c

		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	err := backoff.RetryNotify(dial, b, func(err error, next time.Duration) {
		log.WithError(err).WithField("type", o.Type).Warnf("Message broker not ready, retrying in %s", next)
	})
	if err != nil {
		return nil, err
	}

	return mb, nil
}

func connect(o Options, log *logrus.Logger) (msg.MsgBroker, error) {
	switch o.Type {
	case msg.AMQP:
		return amqp.New(o.Conn, log)
	case msg.KAFKA:
		return kafka.New(strings.Split(o.Conn, ","), o.Topic, log)
	case msg.NEO4J:
		return graph.New(o.Conn, o.User, o.Secret, o.Topic, log)
	}

	return nil, backoff.Permanent(fmt.Errorf("%w: %q", msg.ErrUnknownBroker, o.Type))
}
