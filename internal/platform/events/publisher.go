// Package events publishes measure report notifications to Kafka-compatible
// brokers with franz-go.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReportGenerated is the event type emitted after a report is stored.
const ReportGenerated = "measure-report.generated"

// ReportEvent announces a generated measure report.
type ReportEvent struct {
	Type        string                 `json:"type"`
	ReportID    string                 `json:"reportId"`
	Measure     string                 `json:"measure"`
	ReportType  string                 `json:"reportType"`
	Subject     string                 `json:"subject,omitempty"`
	PeriodStart time.Time              `json:"periodStart"`
	PeriodEnd   time.Time              `json:"periodEnd"`
	GeneratedAt time.Time              `json:"generatedAt"`
	Report      map[string]interface{} `json:"report,omitempty"`
}

// Publisher delivers report events.
type Publisher interface {
	PublishReport(ctx context.Context, evt ReportEvent) error
	Close()
}

// NopPublisher drops every event. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishReport(context.Context, ReportEvent) error { return nil }
func (NopPublisher) Close()                                           {}

// Observe wraps p so fn sees the outcome of every publish.
func Observe(p Publisher, fn func(err error)) Publisher {
	return observed{Publisher: p, fn: fn}
}

type observed struct {
	Publisher
	fn func(error)
}

func (o observed) PublishReport(ctx context.Context, evt ReportEvent) error {
	err := o.Publisher.PublishReport(ctx, evt)
	o.fn(err)
	return err
}

// KafkaPublisher produces report events to a single topic, keyed by measure
// so the events of one measure stay ordered.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewPublisher returns a KafkaPublisher, or a NopPublisher when brokers is
// empty.
func NewPublisher(brokers []string, topic string, logger zerolog.Logger) (Publisher, error) {
	if len(brokers) == 0 {
		return NopPublisher{}, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(20*time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaPublisher{
		client: client,
		topic:  topic,
		logger: logger,
		tracer: otel.Tracer("github.com/ehr/cqm/internal/platform/events"),
	}, nil
}

// PublishReport produces evt and waits for the broker acknowledgement.
func (p *KafkaPublisher) PublishReport(ctx context.Context, evt ReportEvent) error {
	ctx, span := p.tracer.Start(ctx, "events.publish_report", trace.WithAttributes(
		attribute.String("messaging.destination", p.topic),
		attribute.String("report.id", evt.ReportID),
	))
	defer span.End()

	record, err := newRecord(ctx, p.topic, evt)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		span.RecordError(err)
		p.logger.Error().Err(err).Str("topic", p.topic).Str("report", evt.ReportID).Msg("failed to publish report event")
		return fmt.Errorf("produce report event: %w", err)
	}
	p.logger.Debug().
		Str("topic", record.Topic).
		Int32("partition", record.Partition).
		Int64("offset", record.Offset).
		Msg("report event published")
	return nil
}

// Close flushes buffered records and closes the client.
func (p *KafkaPublisher) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("error flushing on close")
	}
	p.client.Close()
}

func newRecord(ctx context.Context, topic string, evt ReportEvent) (*kgo.Record, error) {
	if evt.Type == "" {
		evt.Type = ReportGenerated
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode report event: %w", err)
	}
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(evt.Measure),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(evt.Type)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	injectTraceHeaders(ctx, record)
	return record, nil
}

func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}
	record.Headers = append(record.Headers, kgo.RecordHeader{
		Key:   "traceparent",
		Value: []byte(fmt.Sprintf("00-%s-%s-%02x", sc.TraceID().String(), sc.SpanID().String(), byte(sc.TraceFlags()))),
	})
}
