package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/occurrence-qc/internal/config"
	"github.com/couchcryptid/occurrence-qc/internal/domain"
	"github.com/couchcryptid/occurrence-qc/internal/observability"
	kafkago "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes the clean records of a run to a Kafka topic.
// It implements pipeline.Loader.
type Writer struct {
	writer  messageWriter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, metrics: metrics, logger: logger}
}

// Load serializes the clean records and publishes them in a single
// WriteMessages call.
func (w *Writer) Load(ctx context.Context, result domain.Result) error {
	if len(result.Clean) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(result.Clean))
	for i := range result.Clean {
		msg, err := serializeToMessage(result.RunID, result.Clean[i], result.FinishedAt)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish clean records: %w", err)
	}
	w.metrics.RecordsPublished.Add(float64(len(msgs)))
	w.logger.Info("clean records published", "run_id", result.RunID, "count", len(msgs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// Message is the published value for one clean occurrence.
type Message struct {
	RunID string `json:"run_id"`
	domain.FlaggedOccurrence
}

// serializeToMessage marshals a clean occurrence into a Kafka message keyed
// by its GBIF ID.
func serializeToMessage(runID string, rec domain.FlaggedOccurrence, processedAt time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(Message{RunID: runID, FlaggedOccurrence: rec})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize occurrence %s: %w", rec.ID, err)
	}
	return kafkago.Message{
		Key:   []byte(rec.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "run_id", Value: []byte(runID)},
			{Key: "basis_of_record", Value: []byte(rec.BasisOfRecord)},
			{Key: "processed_at", Value: []byte(processedAt.Format(time.RFC3339))},
		},
	}, nil
}
