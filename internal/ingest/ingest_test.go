package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-dispatch/internal/geo"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/registry"
)

// flakyUpdater fails the first failN calls.
type flakyUpdater struct {
	mu    sync.Mutex
	failN int
	err   error
	calls int
	last  models.Coord
}

func (f *flakyUpdater) UpdatePosition(_ context.Context, _ string, loc models.Coord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		if f.err != nil {
			return f.err
		}
		return errors.New("index unavailable")
	}
	f.last = loc
	return nil
}

func TestApplyWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &flakyUpdater{failN: 2}
	rep := models.PositionReport{RiderID: "r1", Loc: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	require.NoError(t, applyWithRetry(context.Background(), f, rep, 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, rep.Loc, f.last)
}

func TestApplyWithRetryFailsWhenExhausted(t *testing.T) {
	f := &flakyUpdater{failN: 5}
	err := applyWithRetry(context.Background(), f, models.PositionReport{RiderID: "r1"}, 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestApplyWithRetryDoesNotRetryUnknownRider(t *testing.T) {
	f := &flakyUpdater{failN: 5, err: registry.ErrRiderNotFound}
	err := applyWithRetry(context.Background(), f, models.PositionReport{RiderID: "ghost"}, 3, time.Millisecond)
	assert.ErrorIs(t, err, registry.ErrRiderNotFound)
	assert.Equal(t, 1, f.calls)
}

func TestApplyWithRetryStopsOnCancel(t *testing.T) {
	f := &flakyUpdater{failN: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := applyWithRetry(ctx, f, models.PositionReport{RiderID: "r1"}, 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}

type chanReader struct {
	msgs   chan kafka.Message
	closed bool
}

func (c *chanReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (c *chanReader) Close() error { c.closed = true; return nil }

func TestConsumerMovesRegisteredRider(t *testing.T) {
	idx := geo.NewGridIndex(geo.DefaultCellDegrees)
	reg := registry.New(idx, nil)
	require.NoError(t, reg.Register(context.Background(), models.Rider{ID: "r1", Loc: models.Coord{Lat: 0, Lon: 0}}))

	rd := &chanReader{msgs: make(chan kafka.Message, 4)}
	c := NewConsumer(rd, reg, nil)

	good, _ := json.Marshal(models.PositionReport{RiderID: "r1", Loc: models.Coord{Lat: 10, Lon: 10}})
	ghost, _ := json.Marshal(models.PositionReport{RiderID: "ghost", Loc: models.Coord{Lat: 10, Lon: 10}})
	rd.msgs <- kafka.Message{Value: []byte("{not json")}
	rd.msgs <- kafka.Message{Value: ghost}
	rd.msgs <- kafka.Message{Key: []byte("r1"), Value: good}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		r, _ := reg.Get("r1")
		return r.Loc == models.Coord{Lat: 10, Lon: 10}
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	require.NoError(t, c.Close())
	assert.True(t, rd.closed)

	got, err := idx.Nearest(context.Background(), models.Coord{Lat: 10, Lon: 10}, 100, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RiderID)
}

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestProducerKeysByRider(t *testing.T) {
	w := &captureWriter{}
	p := NewPositionProducerWithWriter(w)
	require.NoError(t, p.PublishPosition(context.Background(), models.PositionReport{RiderID: "r9", Loc: models.Coord{Lat: 1, Lon: 2}}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "r9", string(w.msgs[0].Key))
	var rep models.PositionReport
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rep))
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, rep.Loc)
	assert.False(t, rep.At.IsZero())
}

func TestPositionProducerUsesShortBatchWindow(t *testing.T) {
	p := NewPositionProducer([]string{"127.0.0.1:9092"}, "rider-positions")
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, writeBatchTimeout, w.BatchTimeout)
	require.NoError(t, p.Close())
}
