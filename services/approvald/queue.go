package approvald

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"quorumpay/native/approval"
	"quorumpay/observability"
)

const defaultQueueCapacity = 1024

// notificationQueue buffers approval requests ahead of delivery. When full it
// overwrites the oldest entry and counts the drop.
type notificationQueue struct {
	mu      sync.Mutex
	items   queueRing[approval.Notification]
	ready   chan struct{}
	metrics *notifyQueueMetrics
}

func newNotificationQueue(capacity int) *notificationQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &notificationQueue{
		items:   newQueueRing[approval.Notification](capacity),
		ready:   make(chan struct{}, 1),
		metrics: queueMetrics(),
	}
}

func (q *notificationQueue) enqueue(n approval.Notification) {
	q.mu.Lock()
	dropped, overflow := q.items.push(n)
	q.mu.Unlock()
	if overflow {
		q.metrics.recordDropped(dropped.OrderID, 1)
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// dequeue waits for the next notification. It returns false once ctx is done.
func (q *notificationQueue) dequeue(ctx context.Context) (approval.Notification, bool) {
	for {
		q.mu.Lock()
		n, ok := q.items.pop()
		remaining := q.items.len()
		q.mu.Unlock()
		if ok {
			if remaining > 0 {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return n, true
		}
		select {
		case <-ctx.Done():
			return approval.Notification{}, false
		case <-q.ready:
		}
	}
}

func (q *notificationQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len()
}

// queueRing is a fixed-size ring buffer that overwrites the oldest element on overflow.
type queueRing[T any] struct {
	buf  []T
	head int
	size int
}

func newQueueRing[T any](capacity int) queueRing[T] {
	if capacity <= 0 {
		return queueRing[T]{}
	}
	return queueRing[T]{
		buf: make([]T, capacity),
	}
}

func (r *queueRing[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		return v, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *queueRing[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *queueRing[T]) len() int {
	return r.size
}

var (
	metricsOnce        sync.Once
	sharedQueueMetrics *notifyQueueMetrics
)

type notifyQueueMetrics struct {
	dropped metric.Int64Counter
}

func queueMetrics() *notifyQueueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("quorumpay/approvald")
		counter, err := meter.Int64Counter("quorumpay.notifications.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("quorumpay/approvald")
			counter, _ = fallback.Int64Counter("quorumpay.notifications.dropped")
		}
		sharedQueueMetrics = &notifyQueueMetrics{dropped: counter}
	})
	return sharedQueueMetrics
}

func (m *notifyQueueMetrics) recordDropped(orderID string, count int) {
	if m == nil || count <= 0 {
		return
	}
	observability.Approvals().RecordNotification("dropped")
	if m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(
		attribute.String("reason", "overflow"),
		attribute.String("order_id", orderID),
	))
}
