// Package msg defines the interface for the message brokers trace events are published to.
//
// Every trace resolved against the ledger is published as an event so downstream consumers (alerting, graph
// analytics) can follow disperse payouts without querying the tracer.
package msg

import (
	"errors"
	"time"

	"github.com/tarancss/dtrace/lib/types"
)

// Supported broker types. An empty type disables publishing.
const (
	AMQP  = "amqp"
	KAFKA = "kafka"
	NEO4J = "neo4j"
)

// Types lists the supported broker types.
var Types = []string{AMQP, KAFKA, NEO4J} //nolint:gochecknoglobals // read-only list

// ErrUnknownBroker is returned when the configured broker type is not supported.
var ErrUnknownBroker = errors.New("unknown message broker type")

// TraceEvent is the message published for every trace resolved against the ledger.
type TraceEvent struct {
	Trace types.Trace `json:"trace"`
	At    time.Time   `json:"at"`
}

// NewTraceEvent returns the event for a trace resolved now.
func NewTraceEvent(t types.Trace) TraceEvent {
	return TraceEvent{Trace: t, At: time.Now().UTC()}
}

// MsgBroker publishes trace events. Implementations must be safe for concurrent use.
type MsgBroker interface {
	// Setup declares whatever the broker needs before publishing (exchanges, constraints...).
	Setup() error
	Close() error
	SendTrace(ev TraceEvent) error
}
