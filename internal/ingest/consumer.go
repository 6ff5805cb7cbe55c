// Package ingest moves rider position reports through the Kafka position feed.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/observability"
	"github.com/example/rider-dispatch/internal/registry"
)

const maxBackoff = 30 * time.Second

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type PositionUpdater interface {
	UpdatePosition(ctx context.Context, riderID string, loc models.Coord) error
}

// Consumer applies the position feed to the rider registry.
type Consumer struct {
	reader MessageReader
	riders PositionUpdater
	logger *slog.Logger

	Attempts int
	Delay    time.Duration
}

func NewKafkaConsumer(brokers []string, topic, group string, riders PositionUpdater, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return NewConsumer(r, riders, logger)
}

func NewConsumer(reader MessageReader, riders PositionUpdater, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:   reader,
		riders:   riders,
		logger:   logger.With("component", "position-consumer"),
		Attempts: 3,
		Delay:    200 * time.Millisecond,
	}
}

// Run reads until ctx is done. Read errors back off exponentially up to 30s.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("position consumer stopping")
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if sleep(ctx, backoff) != nil {
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	var rep models.PositionReport
	if err := json.Unmarshal(m.Value, &rep); err != nil || rep.RiderID == "" {
		observability.PositionReports.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid position message", "offset", m.Offset, "error", err)
		return
	}
	err := applyWithRetry(ctx, c.riders, rep, c.Attempts, c.Delay)
	switch {
	case err == nil:
		observability.PositionReports.WithLabelValues("applied").Inc()
	case errors.Is(err, registry.ErrRiderNotFound):
		observability.PositionReports.WithLabelValues("unknown").Inc()
		c.logger.Debug("position for unknown rider", "rider_id", rep.RiderID)
	case isValidation(err):
		observability.PositionReports.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid position", "rider_id", rep.RiderID, "error", err)
	default:
		observability.PositionReports.WithLabelValues("failed").Inc()
		c.logger.Error("position update failed", "rider_id", rep.RiderID, "error", err)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// applyWithRetry retries transient failures with doubling delay. Unknown
// riders and invalid coordinates are not retried.
func applyWithRetry(ctx context.Context, riders PositionUpdater, rep models.PositionReport, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = riders.UpdatePosition(ctx, rep.RiderID, rep.Loc)
		if err == nil || errors.Is(err, registry.ErrRiderNotFound) || isValidation(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	return err
}

func isValidation(err error) bool {
	var ve *models.ValidationError
	return errors.As(err, &ve)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
