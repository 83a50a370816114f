package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/reliability"
	"github.com/abakedjoetato/killfeed/internal/security"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

// KafkaPublisher writes one message per event to a topic. The message key
// is the source id so a source's events stay ordered within a partition.
type KafkaPublisher struct {
	topic    string
	producer sarama.SyncProducer
	closed   atomic.Bool
}

// NewKafka connects a sync producer to the configured brokers.
func NewKafka(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers specified")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("no topic specified")
	}

	sc := saramaConfig(cfg)
	if cfg.EnableTLS {
		tlsConfig, err := security.LoadTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("kafka tls: %w", err)
		}
		sc.Net.TLS.Config = tlsConfig
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newKafka(cfg.Topic, producer), nil
}

func newKafka(topic string, producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{topic: topic, producer: producer}
}

func saramaConfig(cfg config.KafkaConfig) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = "killfeed"
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	sc.Producer.RequiredAcks = sarama.WaitForLocal
	if cfg.RequiredAcks != 0 {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	}

	switch cfg.CompressionCodec {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}

	if cfg.SASLEnabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASLUsername
		sc.Net.SASL.Password = cfg.SASLPassword

		switch cfg.SASLMechanism {
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	if cfg.EnableTLS {
		sc.Net.TLS.Enable = true
	}
	return sc
}

// Publish sends the batch. A retried batch may repeat messages that were
// already acknowledged; consumers dedupe on source_id and event id.
func (k *KafkaPublisher) Publish(ctx context.Context, events []types.Event) error {
	if k.closed.Load() {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}

	msgs, err := k.buildMessages(events)
	if err != nil {
		return reliability.Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		if tooLarge(err) {
			return reliability.Permanent(fmt.Errorf("failed to send to Kafka: %w", err))
		}
		return fmt.Errorf("failed to send to Kafka: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) buildMessages(events []types.Event) ([]*sarama.ProducerMessage, error) {
	msgs := make([]*sarama.ProducerMessage, 0, len(events))
	for _, ev := range events {
		env, err := types.Wrap(ev)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(env.SourceID),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("kind"), Value: []byte(env.Kind)},
				{Key: []byte("collection"), Value: []byte(env.Collection)},
			},
		})
	}
	return msgs, nil
}

// tooLarge reports whether the broker refused a message for its size;
// resending it cannot succeed.
func tooLarge(err error) bool {
	if errors.Is(err, sarama.ErrMessageSizeTooLarge) {
		return true
	}
	var perrs sarama.ProducerErrors
	if errors.As(err, &perrs) {
		for _, pe := range perrs {
			if errors.Is(pe.Err, sarama.ErrMessageSizeTooLarge) {
				return true
			}
		}
	}
	return false
}

// Close closes the producer.
func (k *KafkaPublisher) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return k.producer.Close()
}

// Name returns the sink name.
func (k *KafkaPublisher) Name() string {
	return "kafka"
}
