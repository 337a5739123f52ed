package queue

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ConsumerConfig
	}{
		{
			name: "unsupported driver",
			cfg:  ConsumerConfig{Driver: "sqs"},
		},
		{
			name: "kafka missing brokers",
			cfg:  ConsumerConfig{Driver: DriverKafka, Group: "fdc", Topics: []string{"attestation.request.v1"}},
		},
		{
			name: "kafka missing group",
			cfg:  ConsumerConfig{Driver: DriverKafka, Brokers: []string{"localhost:9092"}, Topics: []string{"attestation.request.v1"}},
		},
		{
			name: "kafka missing topics",
			cfg:  ConsumerConfig{Driver: DriverKafka, Brokers: []string{"localhost:9092"}, Group: "fdc"},
		},
		{
			name: "kafka max bytes below min",
			cfg: ConsumerConfig{
				Driver:        DriverKafka,
				Brokers:       []string{"localhost:9092"},
				Group:         "fdc",
				Topics:        []string{"attestation.request.v1"},
				KafkaMinBytes: 1024,
				KafkaMaxBytes: 512,
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewConsumer(context.Background(), tc.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestStdioRoundTrip(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	producer, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	t.Cleanup(func() { _ = producer.Close() })

	payloads := []string{
		`{"schema":"attestation.request.v1","transaction_id":"0x01"}`,
		`{"schema":"attestation.request.v1","transaction_id":"0x02"}`,
	}
	for _, p := range payloads {
		if err := producer.Publish(context.Background(), "attestation.request.v1", nil, []byte(p)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	consumer, err := NewConsumer(context.Background(), ConsumerConfig{
		Driver: DriverStdio,
		Reader: strings.NewReader(out.String()),
	})
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	t.Cleanup(func() { _ = consumer.Close() })

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < len(payloads) {
		select {
		case msg, ok := <-consumer.Messages():
			if !ok {
				t.Fatalf("messages channel closed early at %d", len(got))
			}
			got = append(got, string(msg.Value))
			if err := msg.Ack(context.Background()); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		case err := <-consumer.Errors():
			if err != nil {
				t.Fatalf("consumer error: %v", err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for message %d", len(got))
		}
	}
	for i, want := range payloads {
		if got[i] != want {
			t.Fatalf("message %d: got %q want %q", i, got[i], want)
		}
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" broker-a:9092, ,broker-b:9092 ")
	if len(got) != 2 || got[0] != "broker-a:9092" || got[1] != "broker-b:9092" {
		t.Fatalf("got %v", got)
	}
	if got := SplitCommaList("  "); got != nil {
		t.Fatalf("blank input: got %v want nil", got)
	}
}

func TestPublishRequiresTopicForKafkaDriver(t *testing.T) {
	t.Parallel()

	p := &kafkaProducer{writer: nil}
	if err := p.Publish(context.Background(), "  ", nil, []byte("x")); err == nil {
		t.Fatalf("expected error for blank topic")
	}
}
