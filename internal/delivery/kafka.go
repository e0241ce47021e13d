// Package delivery publishes drift events to downstream consumers.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/marko911/driftwatch/internal/drift"
)

// KafkaPublisher writes one record per drift event to a Kafka topic,
// partitioned by contract so a consumer sees each contract's events in
// order.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher connects a producer to the given brokers.
func NewKafkaPublisher(addresses []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	brokerList := make([]string, len(addresses))
	for i, addr := range addresses {
		brokerList[i] = strings.TrimSpace(addr)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.Info("connected to message broker", "brokers", brokerList, "topic", topic)

	return &KafkaPublisher{
		client: client,
		topic:  topic,
		logger: logger.With("component", "kafka-publisher"),
	}, nil
}

// Publish produces one drift event synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, event drift.SlotDriftEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal drift event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.Contract.Hex()),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "contract", Value: []byte(event.Contract.Hex())},
			{Key: "block_number", Value: []byte(fmt.Sprintf("%d", event.CurrentBlock))},
			{Key: "slot_key", Value: []byte(event.SlotKey)},
		},
	}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

// Close flushes outstanding records and releases the producer.
func (p *KafkaPublisher) Close() {
	p.client.Flush(context.Background())
	p.client.Close()
	p.logger.Info("disconnected from message broker")
}
