// Package events publishes report lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
)

// Event types
const (
	EventReportGenerated = "report.generated"
	EventReportFailed    = "report.failed"
)

const sourceService = "compliance-engine"

// ReportEvent is the JSON payload of a lifecycle message
type ReportEvent struct {
	EventID     string                        `json:"event_id"`
	EventType   string                        `json:"event_type"`
	ReportID    string                        `json:"report_id"`
	ReportType  compliance.ReportType         `json:"report_type"`
	Status      compliance.ReportStatus       `json:"status"`
	PeriodStart time.Time                     `json:"period_start"`
	PeriodEnd   time.Time                     `json:"period_end"`
	RequestedBy string                        `json:"requested_by,omitempty"`
	Summary     *compliance.ComplianceSummary `json:"summary,omitempty"`
	Error       string                        `json:"error,omitempty"`
	OccurredAt  time.Time                     `json:"occurred_at"`
}

// MessageWriter is the part of kafka.Writer the producer uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes report events to one topic
type Producer struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewProducer creates a producer writing to cfg.Topics.ReportEvents on brokers
func NewProducer(cfg config.KafkaConfig, brokers []string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topics.ReportEvents,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID},
	}
	return NewProducerWithWriter(writer, cfg.Topics.ReportEvents, logger)
}

// NewProducerWithWriter creates a producer on an existing writer
func NewProducerWithWriter(w MessageWriter, topic string, logger *zap.Logger) *Producer {
	return &Producer{writer: w, topic: topic, timeout: 10 * time.Second, logger: logger}
}

// NewEvent describes a terminal report. Non-terminal reports are rejected.
func NewEvent(report compliance.ComplianceReport) (ReportEvent, error) {
	var eventType string
	switch report.Status {
	case compliance.ReportStatusCompleted:
		eventType = EventReportGenerated
	case compliance.ReportStatusFailed:
		eventType = EventReportFailed
	default:
		return ReportEvent{}, fmt.Errorf("no event for report status %q", report.Status)
	}

	occurred := time.Now().UTC()
	if report.CompletedAt != nil {
		occurred = *report.CompletedAt
	}
	return ReportEvent{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		ReportID:    report.ID,
		ReportType:  report.Type,
		Status:      report.Status,
		PeriodStart: report.Period.Start,
		PeriodEnd:   report.Period.End,
		RequestedBy: report.RequestedBy,
		Summary:     report.Summary,
		Error:       report.Error,
		OccurredAt:  occurred,
	}, nil
}

// BuildMessage encodes an event keyed by report id
func BuildMessage(event ReportEvent) (kafka.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to serialize event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.ReportID),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(event.EventType)},
			{Key: "source-service", Value: []byte(sourceService)},
		},
	}, nil
}

// PublishReport publishes the lifecycle event of a terminal report
func (p *Producer) PublishReport(ctx context.Context, report compliance.ComplianceReport) error {
	event, err := NewEvent(report)
	if err != nil {
		return err
	}
	msg, err := BuildMessage(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish report event",
			zap.String("topic", p.topic),
			zap.String("report_id", report.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish %s: %w", event.EventType, err)
	}

	p.logger.Debug("Report event published",
		zap.String("topic", p.topic),
		zap.String("event_type", event.EventType),
		zap.String("report_id", report.ID),
	)
	return nil
}

// Close flushes and closes the writer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// NopProducer drops every event
type NopProducer struct{}

func (NopProducer) PublishReport(ctx context.Context, report compliance.ComplianceReport) error {
	return nil
}

func (NopProducer) Close() error { return nil }
