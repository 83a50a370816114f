package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/abakedjoetato/killfeed/internal/config"
	"github.com/abakedjoetato/killfeed/internal/reliability"
	"github.com/abakedjoetato/killfeed/internal/security"
	"github.com/abakedjoetato/killfeed/pkg/types"
)

func TestKafka_BuildMessages(t *testing.T) {
	k := newKafka("killfeed", mocks.NewSyncProducer(t, nil))
	defer k.Close()

	msgs, err := k.buildMessages([]types.Event{killAt("srv1", 7, "a"), mission("srv2", 8)})
	if err != nil {
		t.Fatalf("buildMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}

	key, _ := msgs[0].Key.Encode()
	if string(key) != "srv1" || msgs[0].Topic != "killfeed" {
		t.Errorf("Expected key srv1 on topic killfeed, got %s on %s", key, msgs[0].Topic)
	}

	value, _ := msgs[0].Value.Encode()
	var env types.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	ev, err := env.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if k, ok := ev.(*types.KillEvent); !ok || k.ID != 7 || k.KillerName != "a" {
		t.Errorf("Expected kill 7 by a, got %+v", ev)
	}

	if h := msgs[1].Headers; len(h) != 2 || string(h[0].Value) != "mission" || string(h[1].Value) != "server_events" {
		t.Errorf("Unexpected headers %+v", h)
	}
}

func TestKafka_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	checked := 0
	check := func(val []byte) error {
		checked++
		var env types.Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.Kind != types.EventKill {
			return fmt.Errorf("expected kill envelope, got %s", env.Kind)
		}
		return nil
	}
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(check)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(check)

	k := newKafka("killfeed", producer)
	if err := k.Publish(context.Background(), []types.Event{killAt("srv", 1, "a"), killAt("srv", 2, "b")}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if checked != 2 {
		t.Errorf("Expected 2 checked messages, got %d", checked)
	}
	if err := k.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := k.Publish(context.Background(), []types.Event{killAt("srv", 3, "c")}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestKafka_PublishErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"broker down", sarama.ErrOutOfBrokers, false},
		{"too large", sarama.ErrMessageSizeTooLarge, true},
	}

	for _, tt := range tests {
		producer := mocks.NewSyncProducer(t, nil)
		producer.ExpectSendMessageAndFail(tt.err)

		k := newKafka("killfeed", producer)
		err := k.Publish(context.Background(), []types.Event{killAt("srv", 1, "a")})
		if err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
		if reliability.IsPermanent(err) != tt.permanent {
			t.Errorf("%s: expected permanent=%v, got %v", tt.name, tt.permanent, err)
		}
		k.Close()
	}
}

func TestSaramaConfig(t *testing.T) {
	sc := saramaConfig(config.KafkaConfig{
		RequiredAcks:     -1,
		CompressionCodec: "snappy",
		MaxMessageBytes:  2048,
		SASLEnabled:      true,
		SASLMechanism:    "SCRAM-SHA-512",
		SASLUsername:     "user",
		EnableTLS:        true,
	})

	if sc.Producer.RequiredAcks != sarama.WaitForAll {
		t.Errorf("Expected WaitForAll, got %v", sc.Producer.RequiredAcks)
	}
	if sc.Producer.Compression != sarama.CompressionSnappy {
		t.Errorf("Expected snappy, got %v", sc.Producer.Compression)
	}
	if sc.Producer.MaxMessageBytes != 2048 {
		t.Errorf("Expected 2048 max bytes, got %d", sc.Producer.MaxMessageBytes)
	}
	if !sc.Net.SASL.Enable || sc.Net.SASL.Mechanism != sarama.SASLTypeSCRAMSHA512 || sc.Net.SASL.User != "user" {
		t.Errorf("Unexpected SASL config %+v", sc.Net.SASL)
	}
	if !sc.Net.TLS.Enable {
		t.Error("Expected TLS enabled")
	}
	if !sc.Producer.Return.Successes {
		t.Error("Sync producer requires Return.Successes")
	}

	def := saramaConfig(config.KafkaConfig{})
	if def.Producer.RequiredAcks != sarama.WaitForLocal || def.Producer.Compression != sarama.CompressionNone {
		t.Errorf("Unexpected defaults: acks %v, compression %v", def.Producer.RequiredAcks, def.Producer.Compression)
	}
}

func TestNewKafka_Validation(t *testing.T) {
	if _, err := NewKafka(config.KafkaConfig{Topic: "t"}); err == nil {
		t.Error("Expected error without brokers")
	}
	if _, err := NewKafka(config.KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("Expected error without topic")
	}
	bad := config.KafkaConfig{
		Brokers:   []string{"localhost:9092"},
		Topic:     "t",
		EnableTLS: true,
		TLS:       &security.TLSConfig{MinVersion: "1.0"},
	}
	if _, err := NewKafka(bad); err == nil {
		t.Error("Expected error for an invalid TLS configuration")
	}
}
