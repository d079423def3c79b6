package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/media-pipeline/internal/domain"
)

// amqpAcker records settlements made through amqp.Delivery.
type amqpAcker struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
	requeued []uint64
	nackErr  error
}

func (a *amqpAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *amqpAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.requeued = append(a.requeued, tag)
	} else {
		a.rejected = append(a.rejected, tag)
	}
	return a.nackErr
}

func (a *amqpAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *amqpAcker) snapshot() (acked, rejected, requeued []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...), append([]uint64(nil), a.rejected...), append([]uint64(nil), a.requeued...)
}

// fakeSubmitter keeps submitted notifications; it refuses after limit.
type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []domain.Notification
	limit     int
}

func (f *fakeSubmitter) Submit(_ context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && len(f.submitted) >= f.limit {
		return domain.ErrStopped
	}
	f.submitted = append(f.submitted, n)
	return nil
}

func newTestConsumer(submitter Submitter) *Consumer {
	return NewConsumer(&ConsumerConfig{
		Logger:      discardLogger(),
		Submitter:   submitter,
		ConsumerTag: "test-consumer",
	})
}

func runDispatch(t *testing.T, c *Consumer, deliveries ...amqp.Delivery) {
	t.Helper()
	ch := make(chan amqp.Delivery, len(deliveries))
	for _, d := range deliveries {
		ch <- d
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		c.dispatch(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not return")
	}
}

func TestConsumer_Dispatch(t *testing.T) {
	acker := &amqpAcker{}
	submitter := &fakeSubmitter{}
	c := newTestConsumer(submitter)

	runDispatch(t, c,
		amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(`{"collection":"uploads","key":"a.jpg"}`)},
		amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte(`not json`)},
		amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: []byte(`{"Event":"s3:TestEvent"}`)},
	)

	acked, rejected, requeued := acker.snapshot()
	assert.Equal(t, []uint64{3}, acked)
	assert.Equal(t, []uint64{2}, rejected)
	assert.Empty(t, requeued)

	require.Len(t, submitter.submitted, 1)
	n := submitter.submitted[0]
	assert.Equal(t, "a.jpg", n.Source.Key)
	assert.False(t, n.ReceivedAt.IsZero())

	// Settling the submitted job acks its delivery.
	require.NoError(t, n.Acknowledger.Ack())
	acked, _, _ = acker.snapshot()
	assert.Equal(t, []uint64{3, 1}, acked)
}

func TestConsumer_MultiRecordDeliveryAckedOnce(t *testing.T) {
	acker := &amqpAcker{}
	submitter := &fakeSubmitter{}
	c := newTestConsumer(submitter)

	body := `{"Records":[
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},"object":{"key":"a.jpg"}}},
		{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},"object":{"key":"b.jpg"}}}]}`
	runDispatch(t, c, amqp.Delivery{Acknowledger: acker, DeliveryTag: 7, Body: []byte(body)})

	require.Len(t, submitter.submitted, 2)
	require.NoError(t, submitter.submitted[0].Acknowledger.Ack())

	acked, _, _ := acker.snapshot()
	assert.Empty(t, acked, "delivery must wait for every record")

	require.NoError(t, submitter.submitted[1].Acknowledger.Ack())
	acked, _, _ = acker.snapshot()
	assert.Equal(t, []uint64{7}, acked)
}

func TestConsumer_RefusedSubmitRequeuesDelivery(t *testing.T) {
	acker := &amqpAcker{}
	submitter := &fakeSubmitter{limit: 1}
	c := newTestConsumer(submitter)

	body := `{"Records":[
		{"s3":{"bucket":{"name":"uploads"},"object":{"key":"a.jpg"}}},
		{"s3":{"bucket":{"name":"uploads"},"object":{"key":"b.jpg"}}}]}`
	runDispatch(t, c,
		amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(body)},
		amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte(`{"collection":"uploads","key":"c.jpg"}`)},
	)

	// The first record was accepted; the delivery settles once it finishes.
	require.Len(t, submitter.submitted, 1)
	require.NoError(t, submitter.submitted[0].Acknowledger.Ack())

	acked, rejected, requeued := acker.snapshot()
	assert.Empty(t, acked)
	assert.Empty(t, rejected)
	assert.Equal(t, []uint64{1}, requeued)
}

func TestConsumer_RefusedSubmitLogsNackFailure(t *testing.T) {
	acker := &amqpAcker{nackErr: errors.New("channel/connection is not open")}
	submitter := &fakeSubmitter{limit: 1}

	var logs bytes.Buffer
	c := NewConsumer(&ConsumerConfig{
		Logger:      slog.New(slog.NewJSONHandler(&logs, nil)),
		Submitter:   submitter,
		ConsumerTag: "test-consumer",
	})

	runDispatch(t, c,
		amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(`{"collection":"uploads","key":"a.jpg"}`)},
		amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte(`{"collection":"uploads","key":"b.jpg"}`)},
	)

	_, _, requeued := acker.snapshot()
	assert.Equal(t, []uint64{2}, requeued)
	assert.Contains(t, logs.String(), "Failed to NACK refused message")
	assert.Contains(t, logs.String(), "channel/connection is not open")
}

func TestBatchAck(t *testing.T) {
	tests := []struct {
		name     string
		settle   func(b *batchAck)
		expected string
	}{
		{
			name:     "all acked",
			settle:   func(b *batchAck) { _ = b.Ack(); _ = b.Ack(); _ = b.Ack() },
			expected: "ack",
		},
		{
			name:     "reject wins over ack",
			settle:   func(b *batchAck) { _ = b.Ack(); _ = b.Nack(false); _ = b.Ack() },
			expected: "reject",
		},
		{
			name:     "requeue wins over reject",
			settle:   func(b *batchAck) { _ = b.Nack(true); _ = b.Nack(false); _ = b.Ack() },
			expected: "requeue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := newFakeAck()
			b := newBatchAck(target, 3)
			tt.settle(b)
			assert.Equal(t, tt.expected, target.wait(t))

			// Extra settlements are ignored.
			_ = b.Ack()
			select {
			case s := <-target.settled:
				t.Fatalf("target settled twice: %s", s)
			default:
			}
		})
	}
}
