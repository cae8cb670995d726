package orders

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertSink surfaces conditions that need an operator.
type AlertSink interface {
	Emit(ctx context.Context, severity Severity, message string, details map[string]string) error
}

// LogAlertSink writes alerts to the log. Critical alerts use the fatal level
// without exiting the process.
type LogAlertSink struct {
	logger zerolog.Logger
}

// NewLogAlertSink constructs a log-backed alert sink.
func NewLogAlertSink(logger zerolog.Logger) *LogAlertSink {
	return &LogAlertSink{logger: logger.With().Str("component", "alerts").Logger()}
}

func (s *LogAlertSink) Emit(_ context.Context, severity Severity, message string, details map[string]string) error {
	level := zerolog.WarnLevel
	if severity == SeverityCritical {
		level = zerolog.FatalLevel
	}

	ev := s.logger.WithLevel(level).Str("severity", string(severity))
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev = ev.Str(k, details[k])
	}
	ev.Msg(message)
	return nil
}

// MessageWriter is the subset of *kafka.Writer used to publish messages.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaAlertSink publishes alerts as JSON to a Kafka topic.
type KafkaAlertSink struct {
	writer MessageWriter
	source string
	now    func() time.Time
}

// NewKafkaAlertSink constructs a Kafka-backed alert sink.
func NewKafkaAlertSink(writer MessageWriter, source string) *KafkaAlertSink {
	return &KafkaAlertSink{writer: writer, source: source, now: time.Now}
}

type alertMessage struct {
	Severity Severity          `json:"severity"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	Source   string            `json:"source"`
	RaisedAt time.Time         `json:"raised_at"`
}

func (s *KafkaAlertSink) Emit(ctx context.Context, severity Severity, message string, details map[string]string) error {
	payload, err := json.Marshal(alertMessage{
		Severity: severity,
		Message:  message,
		Details:  details,
		Source:   s.source,
		RaisedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}

	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(details["order_id"]),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(severity)},
		},
	})
}

// AlertSinks emits to every sink, collecting errors so all sinks get a chance
// to deliver.
type AlertSinks []AlertSink

func (s AlertSinks) Emit(ctx context.Context, severity Severity, message string, details map[string]string) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Emit(ctx, severity, message, details); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
