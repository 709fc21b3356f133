package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"cohortengine/pkg/metrics"
	"cohortengine/pkg/otel"
	"cohortengine/pkg/trace"
	"cohortengine/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

type Consumer struct {
	conn        *amqp091.Connection
	channel     *amqp091.Channel
	queue       amqp091.Queue
	routingKey  string
	consumerTag string
	service     string
	handler     MessageHandler
	retries     *util.RetryCounter
	maxRetries  int64
	logger      *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key, with a matching DLQ.
func NewConsumer(url, queueName, routingKey, service string, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := DeclareExchange(ch); err != nil {
		return fail(fmt.Errorf("failed to declare exchange: %w", err))
	}
	if err := DeclareDLQExchange(ch); err != nil {
		return fail(fmt.Errorf("failed to declare dlq exchange: %w", err))
	}
	if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
		return fail(err)
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}
	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return fail(fmt.Errorf("failed to bind queue: %w", err))
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return fail(fmt.Errorf("failed to set qos: %w", err))
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:        conn,
		channel:     ch,
		queue:       q,
		routingKey:  routingKey,
		consumerTag: service + "." + queueName,
		service:     service,
		maxRetries:  3,
		logger:      logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// WithRetryCounter 失败消息最多重投 maxRetries 次，之后进入 DLQ
func (c *Consumer) WithRetryCounter(counter *util.RetryCounter, maxRetries int64) *Consumer {
	c.retries = counter
	c.maxRetries = maxRetries
	return c
}

func (c *Consumer) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Stop cancels the subscription; in-flight deliveries still finish.
func (c *Consumer) Stop() {
	if err := c.channel.Cancel(c.consumerTag, false); err != nil {
		c.logger.Warn("Failed to cancel consumer", zap.String("queue", c.queue.Name), zap.Error(err))
	}
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming blocks until the delivery channel closes or ctx is done.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.consumerTag,
		false, // 手动 ack
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

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.process(ctx, msg)
		}
	}
}

// process 保证每条消息都会被 ack 或 nack
func (c *Consumer) process(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	if msg.Headers == nil {
		msg.Headers = amqp091.Table{}
	}
	traceID, _ := msg.Headers[trace.HeaderName].(string)
	ctx, _ = trace.Ensure(ctx, traceID)
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name, msg.Headers)

	var handlerErr error
	defer func() {
		if r := recover(); r != nil {
			handlerErr = fmt.Errorf("handler panic: %v", r)
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			c.reject(ctx, msg, handlerErr)
		}
		otel.EndSpan(span, handlerErr)
		metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
	}()

	if handlerErr = c.handler(ctx, msg.Body); handlerErr != nil {
		c.logger.Error("Handler error",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.String("message_id", msg.MessageId),
			zap.Error(handlerErr),
		)
		c.reject(ctx, msg, handlerErr)
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message", zap.String("routing_key", c.routingKey), zap.Error(err))
		return
	}
	if c.retries != nil && msg.MessageId != "" {
		_ = c.retries.Reset(ctx, util.FormatRetryKey(c.queue.Name, msg.MessageId))
	}
}

// reject 可重试且未超过次数则重新入队，否则转入 DLQ 后 ack
func (c *Consumer) reject(ctx context.Context, msg amqp091.Delivery, cause error) {
	retryable, errType := util.IsRetryableError(cause)

	if retryable && c.canRetry(ctx, msg) {
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(err))
		}
		return
	}

	if err := publishToDLQ(ctx, c.channel, msg, c.service, errType, cause.Error()); err != nil {
		c.logger.Error("Failed to publish to DLQ, requeueing",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
		_ = msg.Nack(false, true)
		return
	}

	c.logger.Warn("Message moved to DLQ",
		zap.String("routing_key", c.routingKey),
		zap.String("message_id", msg.MessageId),
		zap.String("error_type", errType),
	)
	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack dead-lettered message", zap.Error(err))
	}
}

func (c *Consumer) canRetry(ctx context.Context, msg amqp091.Delivery) bool {
	if c.retries == nil || msg.MessageId == "" {
		// 没有计数器时只允许重投一次
		return !msg.Redelivered
	}
	count, err := c.retries.IncrementAndGet(ctx, util.FormatRetryKey(c.queue.Name, msg.MessageId))
	if err != nil {
		return !msg.Redelivered
	}
	return util.ShouldRetry(count, c.maxRetries, true)
}
