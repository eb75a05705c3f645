package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"promo-digest/internal/domain"
	"promo-digest/internal/infra/metrics"
)

// AMQPRunQueue реализует очередь заданий запуска поверх RabbitMQ.
type AMQPRunQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

// NewAMQPRunQueue подключается к брокеру и объявляет долговечную очередь.
func NewAMQPRunQueue(url, queue string) (*AMQPRunQueue, error) {
	if url == "" {
		return nil, fmt.Errorf("amqp url is empty")
	}
	if queue == "" {
		return nil, fmt.Errorf("queue name is empty")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPRunQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Close закрывает канал и соединение.
func (q *AMQPRunQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}

// Enqueue публикует задание в очередь.
func (q *AMQPRunQueue) Enqueue(ctx context.Context, job domain.RunJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	observeQueue("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// consumer регистрирует потребителя при первом обращении и дальше отдаёт тот
// же канал доставки. Consume на каждый Pop копил бы брошенных потребителей,
// между которыми брокер раздавал бы задания.
func (q *AMQPRunQueue) consumer() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// resetConsumer сбрасывает канал доставки, чтобы следующий Pop
// перерегистрировал потребителя после обрыва.
func (q *AMQPRunQueue) resetConsumer() {
	q.mu.Lock()
	q.deliveries = nil
	q.mu.Unlock()
}

// Pop блокирующе читает задание из очереди.
func (q *AMQPRunQueue) Pop(ctx context.Context) (domain.RunJob, error) {
	deliveries, err := q.consumer()
	if err != nil {
		return domain.RunJob{}, err
	}
	select {
	case <-ctx.Done():
		return domain.RunJob{}, ctx.Err()
	case delivery, ok := <-deliveries:
		if !ok {
			q.resetConsumer()
			return domain.RunJob{}, fmt.Errorf("amqp queue: канал доставки закрыт")
		}
		var job domain.RunJob
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			_ = delivery.Nack(false, false)
			return domain.RunJob{}, fmt.Errorf("decode job: %w", err)
		}
		if err := delivery.Ack(false); err != nil {
			return domain.RunJob{}, fmt.Errorf("ack job: %w", err)
		}
		return job, nil
	}
}

func observeQueue(component, operation, target string, start time.Time, err error) {
	metrics.ObserveNetworkRequest(component, operation, target, start, err)
}
