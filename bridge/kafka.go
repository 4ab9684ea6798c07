// Package bridge forwards reliable-topic messages to external systems. A
// bridge is an ordinary listener registration: it consumes from its own
// cursor and never affects other subscribers.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/maxpert/retopic/cfg"
	"github.com/maxpert/retopic/topic"
)

const (
	defaultBatchBytes   = 1 << 20 // 1MB
	defaultWriteRetries = 3
	defaultRetryDelay   = 500 * time.Millisecond
)

// KafkaBridge re-publishes every message consumed from a reliable topic to
// a Kafka topic. Delivery is best effort with bounded retries per message;
// a message that still fails is logged and skipped so the bridge never
// wedges the ring behind it.
type KafkaBridge struct {
	name       string
	topic      *topic.Topic
	writer     *kafka.Writer
	kafkaTopic string
	regID      string
}

// NewKafkaBridge builds a bridge from its configuration section.
func NewKafkaBridge(conf cfg.BridgeConfiguration, t *topic.Topic) (*KafkaBridge, error) {
	if len(conf.Brokers) == 0 {
		return nil, fmt.Errorf("bridge %q requires at least one broker address", conf.Name)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(conf.Brokers...),
		Topic:                  conf.KafkaTopic,
		Balancer:               &kafka.Hash{}, // partition by key for consistent routing
		BatchBytes:             defaultBatchBytes,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &KafkaBridge{
		name:       conf.Name,
		topic:      t,
		writer:     writer,
		kafkaTopic: conf.KafkaTopic,
	}, nil
}

// Start registers the bridge's listener.
func (b *KafkaBridge) Start(lossTolerant bool) error {
	regID, err := b.topic.AddListenerWithOptions(b.forward, topic.ListenerOptions{
		LossTolerant: lossTolerant,
		OnError: func(err error) {
			log.Error().Err(err).Str("bridge", b.name).Msg("Bridge listener terminated")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to register bridge %q: %w", b.name, err)
	}
	b.regID = regID

	log.Info().
		Str("bridge", b.name).
		Str("topic", b.topic.Name()).
		Str("kafka_topic", b.kafkaTopic).
		Msg("Started Kafka bridge")
	return nil
}

// Stop removes the listener and closes the writer.
func (b *KafkaBridge) Stop() error {
	if b.regID != "" {
		b.topic.RemoveListener(b.regID)
		b.regID = ""
	}
	return b.writer.Close()
}

// forward is the bridge's message callback. It runs on the listener
// runner's goroutine, so blocking here applies backpressure only to the
// bridge's own cursor.
func (b *KafkaBridge) forward(msg *topic.Message) {
	kmsg := kafka.Message{
		Key:   []byte(msg.PublisherAddress),
		Value: msg.Payload,
		Time:  time.UnixMilli(msg.PublishTime),
	}

	var err error
	for attempt := 0; attempt < defaultWriteRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = b.writer.WriteMessages(ctx, kmsg)
		cancel()
		if err == nil {
			return
		}
		log.Warn().
			Err(err).
			Str("bridge", b.name).
			Int("attempt", attempt+1).
			Msg("Failed to forward message to Kafka, retrying")
		time.Sleep(defaultRetryDelay)
	}

	log.Error().
		Err(err).
		Str("bridge", b.name).
		Str("kafka_topic", b.kafkaTopic).
		Msg("Dropping message after exhausting Kafka write retries")
}
