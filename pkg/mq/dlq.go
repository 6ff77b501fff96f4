package mq

import (
	"context"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const (
	DLQExchangeName = ExchangeName + ".dlq"
)

// DeadLetter 描述一条被放弃处理的消息
type DeadLetter struct {
	Queue     string
	ErrorType string
	Cause     error
	FailedAt  time.Time
}

// DeclareDLQExchange declares the dead letter exchange.
func DeclareDLQExchange(ch *amqp091.Channel) error {
	return declareTopic(ch, DLQExchangeName)
}

// DeclareDLQQueue declares "<routingKey>.dlq" on the dead letter exchange.
func DeclareDLQQueue(ch *amqp091.Channel, routingKey string) (amqp091.Queue, error) {
	return DeclareBoundQueue(ch, DLQExchangeName, routingKey+".dlq", routingKey)
}

// PublishToDLQ publishes a message to the dead letter queue.
func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, payload []byte, dl DeadLetter) error {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now()
	}
	headers := amqp091.Table{
		"x-source-queue": dl.Queue,
		"x-error-type":   dl.ErrorType,
		"x-failed-at":    dl.FailedAt.UTC().Format(time.RFC3339),
	}
	if dl.Cause != nil {
		headers["x-original-error"] = dl.Cause.Error()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(ctx,
		DLQExchangeName,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    dl.FailedAt,
			Headers:      headers,
		},
	)
}
