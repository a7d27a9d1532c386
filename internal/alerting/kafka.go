package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions parameterise the Kafka notifier.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// KafkaNotifier publishes alerts as JSON events keyed by pair.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	logger zerolog.Logger
}

type alertEvent struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Pair         string    `json:"pair"`
	Base         string    `json:"base"`
	Quote        string    `json:"quote"`
	OldRate      string    `json:"old_rate"`
	NewRate      string    `json:"new_rate"`
	ChangePct    string    `json:"change_pct"`
	ThresholdPct string    `json:"threshold_pct"`
	Direction    string    `json:"direction"`
	Provider     string    `json:"provider,omitempty"`
	TriggeredAt  time.Time `json:"triggered_at"`
}

// NewKafkaNotifier builds a synchronous writer so delivery failures reach the caller.
func NewKafkaNotifier(opts KafkaOptions, logger zerolog.Logger) (*KafkaNotifier, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 10 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: opts.BatchTimeout,
	}
	return newKafkaNotifier(writer, opts.Topic, logger), nil
}

func newKafkaNotifier(w messageWriter, topic string, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "alert_kafka").Str("topic", topic).Logger(),
	}
}

// Notify publishes one alert event.
func (k *KafkaNotifier) Notify(ctx context.Context, alert Alert) error {
	value, err := json.Marshal(alertEvent{
		ID:           alert.ID,
		Type:         "rate_threshold_alert",
		Pair:         alert.Pair.String(),
		Base:         alert.Pair.Base,
		Quote:        alert.Pair.Quote,
		OldRate:      alert.OldRate.String(),
		NewRate:      alert.NewRate.String(),
		ChangePct:    alert.ChangePct.String(),
		ThresholdPct: alert.ThresholdPct.String(),
		Direction:    alert.Direction,
		Provider:     alert.Provider,
		TriggeredAt:  alert.TriggeredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(alert.Pair.String()),
		Value: value,
		Time:  alert.TriggeredAt,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(alert.ID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write alert to kafka: %w", err)
	}

	k.logger.Info().Str("pair", alert.Pair.String()).Str("alert_id", alert.ID).Msg("alert published")
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

var _ Notifier = (*KafkaNotifier)(nil)
