package eventing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/itskum47/TwinForge/engine/model"
)

// KafkaConfig configures the Kafka transports.
type KafkaConfig struct {
	Brokers            []string
	EventsTopic        string
	NotificationsTopic string
	CommandsTopic      string
	ConsumerGroup      string
}

// KafkaEventSink publishes mutation events to the events topic, keyed by
// "{application}/{thing}" so that per-thing ordering holds.
type KafkaEventSink struct {
	client *kgo.Client
	topic  string
}

// NewKafkaEventSink creates a producer-only client for the events topic.
func NewKafkaEventSink(cfg KafkaConfig) (*KafkaEventSink, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return nil, err
	}
	return &KafkaEventSink{client: client, topic: cfg.EventsTopic}, nil
}

func (s *KafkaEventSink) Close() {
	s.client.Close()
}

func (s *KafkaEventSink) Publish(ctx context.Context, event model.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(event.Key()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "id", Value: []byte(event.ID)},
			{Key: "timestamp", Value: []byte(event.Timestamp.Format(time.RFC3339))},
			{Key: "application", Value: []byte(event.Application)},
			{Key: "thing", Value: []byte(event.Thing)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	return s.client.ProduceSync(ctx, record).FirstErr()
}

func (s *KafkaEventSink) PublishAll(ctx context.Context, events []model.Event) (int, error) {
	return PublishEach(ctx, s, events)
}

// KafkaEventSource consumes the events topic within a consumer group,
// committing each record only after its handler completed.
type KafkaEventSource struct {
	client *kgo.Client
}

// NewKafkaEventSource creates a consumer for the events topic.
func NewKafkaEventSource(cfg KafkaConfig) (*KafkaEventSource, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.EventsTopic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaEventSource{client: client}, nil
}

func (s *KafkaEventSource) Close() {
	s.client.Close()
}

func (s *KafkaEventSource) Run(ctx context.Context, handler func(ctx context.Context, event model.Event) error) error {
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return fmt.Errorf("kafka fetch failed: %v", errs[0].Err)
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()

			var event model.Event
			if err := json.Unmarshal(record.Value, &event); err != nil {
				// poison message; skip it but keep the offset moving
				if err := s.client.CommitRecords(ctx, record); err != nil {
					return err
				}
				continue
			}

			if err := handler(ctx, event); err != nil {
				return err
			}
			if err := s.client.CommitRecords(ctx, record); err != nil {
				return err
			}
		}
	}
}

// KafkaNotificationSink publishes full thing states to the notifications
// topic, keyed by "{application}/{name}".
type KafkaNotificationSink struct {
	client *kgo.Client
	topic  string
}

func NewKafkaNotificationSink(cfg KafkaConfig) (*KafkaNotificationSink, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return nil, err
	}
	return &KafkaNotificationSink{client: client, topic: cfg.NotificationsTopic}, nil
}

func (s *KafkaNotificationSink) Close() {
	s.client.Close()
}

func (s *KafkaNotificationSink) Notify(ctx context.Context, thing *model.Thing) error {
	value, err := json.Marshal(thing)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(thing.Metadata.Application + "/" + thing.Metadata.Name),
		Value: value,
	}
	return s.client.ProduceSync(ctx, record).FirstErr()
}

// KafkaNotificationSource consumes the notifications topic. Every instance
// uses its own consumer group, so each fanout sees all changes.
type KafkaNotificationSource struct {
	client *kgo.Client
}

func NewKafkaNotificationSource(cfg KafkaConfig) (*KafkaNotificationSource, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup+"-fanout-"+uuid.NewString()),
		kgo.ConsumeTopics(cfg.NotificationsTopic),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaNotificationSource{client: client}, nil
}

func (s *KafkaNotificationSource) Close() {
	s.client.Close()
}

func (s *KafkaNotificationSource) Run(ctx context.Context, handler func(thing *model.Thing)) error {
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return fmt.Errorf("kafka fetch failed: %v", errs[0].Err)
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			var thing model.Thing
			if err := json.Unmarshal(record.Value, &thing); err != nil {
				continue
			}
			handler(&thing)
		}
	}
}

// KafkaCommandSink publishes device commands, keyed by
// "{application}/{device}".
type KafkaCommandSink struct {
	client *kgo.Client
	topic  string
}

func NewKafkaCommandSink(cfg KafkaConfig) (*KafkaCommandSink, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return nil, err
	}
	return &KafkaCommandSink{client: client, topic: cfg.CommandsTopic}, nil
}

func (s *KafkaCommandSink) Close() {
	s.client.Close()
}

func (s *KafkaCommandSink) Publish(ctx context.Context, command model.Command) error {
	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(command.Application + "/" + command.Device),
		Value: command.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "application", Value: []byte(command.Application)},
			{Key: "device", Value: []byte(command.Device)},
			{Key: "channel", Value: []byte(command.Channel)},
		},
	}
	return s.client.ProduceSync(ctx, record).FirstErr()
}
