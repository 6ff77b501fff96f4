package mq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"civicledger/pkg/metrics"
	"civicledger/pkg/otel"
	"civicledger/pkg/trace"
	"civicledger/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	logger     *zap.Logger

	// 死信配置：为空时沿用 nack+requeue
	dlq        *Publisher
	retries    *util.RetryCounter
	maxRetries int64
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := DeclareBoundQueue(ch, ExchangeName, queueName, routingKey)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// WithDeadLetter routes messages that fail permanently, or exceed maxRetries, to the DLQ.
func (c *Consumer) WithDeadLetter(dlq *Publisher, retries *util.RetryCounter, maxRetries int64) (*Consumer, error) {
	if err := DeclareDLQExchange(c.channel); err != nil {
		return nil, fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(c.channel, c.routingKey); err != nil {
		return nil, err
	}
	c.dlq = dlq
	c.retries = retries
	c.maxRetries = maxRetries
	return c, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// IsConnected checks if the consumer connection is still alive
func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages. This method blocks and should be called in a goroutine.
func (c *Consumer) StartConsuming() error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	// 保证每条消息都会被 ack 或 nack
	for msg := range deliveries {
		c.handleDelivery(msg)
	}

	return nil
}

func (c *Consumer) handleDelivery(msg amqp091.Delivery) {
	start := time.Now()
	ctx := otel.ExtractMQHeaders(context.Background(), msg.Headers)
	if traceID, ok := msg.Headers[trace.TraceIDField].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			c.fail(ctx, msg, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		span.RecordError(err)
		c.logger.Error("Handler error",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		c.fail(ctx, msg, err)
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
	}
	metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
}

// fail 决定失败消息的去向：重新入队或进入死信队列
func (c *Consumer) fail(ctx context.Context, msg amqp091.Delivery, cause error) {
	if c.dlq == nil {
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(err))
		}
		return
	}

	retryable, errorType := util.IsRetryableError(cause)
	if retryable && c.retries != nil {
		key := util.FormatRetryKey(c.queue.Name, messageKey(msg))
		count, err := c.retries.IncrementAndGet(ctx, key)
		if err != nil || util.ShouldRetry(count, c.maxRetries, retryable) {
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(err))
			}
			return
		}
		errorType = "max_retries_exceeded"
	}

	dl := DeadLetter{Queue: c.queue.Name, ErrorType: errorType, Cause: cause}
	if err := c.dlq.PublishToDLQ(ctx, c.routingKey, msg.Body, dl); err != nil {
		c.logger.Error("Failed to publish to DLQ, requeueing",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
		_ = msg.Nack(false, true)
		return
	}

	c.logger.Warn("Message moved to DLQ",
		zap.String("routing_key", c.routingKey),
		zap.String("error_type", errorType),
	)
	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack dead-lettered message", zap.String("routing_key", c.routingKey), zap.Error(err))
	}
}

func messageKey(msg amqp091.Delivery) string {
	if msg.MessageId != "" {
		return msg.MessageId
	}
	sum := sha256.Sum256(msg.Body)
	return hex.EncodeToString(sum[:8])
}
