// Package kafka implements the message broker interface for Apache Kafka.
package kafka

import (
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/dtrace/lib/msg"
)

// DefaultTopic receives the trace events when no topic is configured.
const DefaultTopic = "dtrace.traces"

// Kafka publishes trace events to a topic, keyed by address so all the events of an address land in one partition.
type Kafka struct {
	p     sarama.SyncProducer
	topic string
	log   *logrus.Logger
}

// New connects a synchronous producer to the given brokers.
func New(brokers []string, topic string, log *logrus.Logger) (*Kafka, error) {
	conf := sarama.NewConfig()
	conf.Producer.Return.Successes = true
	conf.Producer.RequiredAcks = sarama.WaitForAll

	p, err := sarama.NewSyncProducer(brokers, conf)
	if err != nil {
		return nil, err
	}

	log.WithField("brokers", len(brokers)).Info("Connected to Kafka")

	return newWithProducer(p, topic, log), nil
}

func newWithProducer(p sarama.SyncProducer, topic string, log *logrus.Logger) *Kafka {
	if topic == "" {
		topic = DefaultTopic
	}

	return &Kafka{p: p, topic: topic, log: log}
}

// Setup does nothing, topics are created by the cluster on first use.
func (k *Kafka) Setup() error {
	return nil
}

func (k *Kafka) Close() error {
	return k.p.Close()
}

// SendTrace publishes a trace event and waits for the cluster acknowledgement.
func (k *Kafka) SendTrace(ev msg.TraceEvent) error {
	jsonDoc, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	partition, offset, err := k.p.SendMessage(&sarama.ProducerMessage{
		Topic:     k.topic,
		Key:       sarama.StringEncoder(ev.Trace.Address),
		Value:     sarama.ByteEncoder(jsonDoc),
		Timestamp: ev.At,
	})
	if err != nil {
		return err
	}

	k.log.WithFields(logrus.Fields{"addr": ev.Trace.Address, "partition": partition, "offset": offset}).
		Debug("Trace event published to Kafka")

	return nil
}
