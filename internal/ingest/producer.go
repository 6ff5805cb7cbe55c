package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-dispatch/internal/models"
)

// writes are single synchronous messages; the writer's 1s default batch
// window would add a second to every publish
const writeBatchTimeout = 10 * time.Millisecond

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PositionProducer writes rider position reports to the position feed,
// keyed by rider so reports for one rider stay in order.
type PositionProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewPositionProducer(brokers []string, topic string) *PositionProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, BatchTimeout: writeBatchTimeout}
	return NewPositionProducerWithWriter(w)
}

func NewPositionProducerWithWriter(w MessageWriter) *PositionProducer {
	return &PositionProducer{writer: w, timeout: 2 * time.Second}
}

func (p *PositionProducer) PublishPosition(ctx context.Context, rep models.PositionReport) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if rep.At.IsZero() {
		rep.At = time.Now().UTC()
	}
	b, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rep.RiderID), Value: b, Time: rep.At})
}

func (p *PositionProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
