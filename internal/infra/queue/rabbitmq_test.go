package queue

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"promo-digest/internal/domain"
)

type fakeAcknowledger struct {
	acks  int
	nacks int
}

func (a *fakeAcknowledger) Ack(uint64, bool) error { a.acks++; return nil }
func (a *fakeAcknowledger) Nack(uint64, bool, bool) error {
	a.nacks++
	return nil
}
func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func jobDelivery(t *testing.T, ack amqp.Acknowledger, job domain.RunJob) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("не удалось собрать задание: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, Body: body}
}

func TestAMQPPopReusesSingleConsumer(t *testing.T) {
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- jobDelivery(t, ack, domain.RunJob{Type: domain.RunTypeDaily})
	deliveries <- jobDelivery(t, ack, domain.RunJob{Type: domain.RunTypeWeekly, DryRun: true})

	q := &AMQPRunQueue{queue: "jobs", deliveries: deliveries}

	first, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	second, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.Type != domain.RunTypeDaily || second.Type != domain.RunTypeWeekly {
		t.Fatalf("оба задания должны прийти одному потребителю, получили %q и %q", first.Type, second.Type)
	}
	if !second.DryRun {
		t.Fatalf("флаг dry_run потерян при декодировании")
	}
	if ack.acks != 2 {
		t.Fatalf("каждое задание должно подтверждаться, acks=%d", ack.acks)
	}
}

func TestAMQPPopBadPayloadNacked(t *testing.T) {
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte("not json")}

	q := &AMQPRunQueue{queue: "jobs", deliveries: deliveries}

	if _, err := q.Pop(context.Background()); err == nil {
		t.Fatalf("ожидали ошибку декодирования")
	}
	if ack.nacks != 1 {
		t.Fatalf("битое задание должно отклоняться, nacks=%d", ack.nacks)
	}
}

func TestAMQPPopClosedChannelResetsConsumer(t *testing.T) {
	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	q := &AMQPRunQueue{queue: "jobs", deliveries: deliveries}

	if _, err := q.Pop(context.Background()); err == nil {
		t.Fatalf("ожидали ошибку закрытого канала")
	}
	if q.deliveries != nil {
		t.Fatalf("после обрыва потребитель должен перерегистрироваться")
	}
}

func TestAMQPPopContextCancelled(t *testing.T) {
	deliveries := make(chan amqp.Delivery)
	q := &AMQPRunQueue{queue: "jobs", deliveries: deliveries}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); err == nil {
		t.Fatalf("ожидали ошибку отменённого контекста")
	}
}
