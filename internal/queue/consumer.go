package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vanillabrand/fandom/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxRetries is how often a message goes through the retry queue before it
// is parked in the dead-letter queue.
const MaxRetries = 10

// HandlerFunc processes one message body.
type HandlerFunc func(ctx context.Context, body string) error

// Limit wraps handle so that it runs only while holding a slot of sem.
// Sharing sem between consumers caps the work across their queues.
func Limit(sem *semaphore.Weighted, handle HandlerFunc) HandlerFunc {
	return func(ctx context.Context, body string) error {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
		return handle(ctx, body)
	}
}

// Consume delivers messages of queueName to handle with at most parallel
// messages in flight. Prefetch equals parallel, so the broker never hands
// this consumer more work than it can run. Consume returns when ctx ends
// or the delivery channel closes.
func Consume(ctx context.Context, conn *amqp.Connection, queueName string, parallel int, handle HandlerFunc) error {
	if parallel <= 0 {
		parallel = 1
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(parallel, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	consumerTag := fmt.Sprintf("%s_consumer", queueName)
	msgs, err := ch.Consume(
		queueName,
		consumerTag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for range parallel {
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("[Queue] Message channel closed", "queue", queueName)
						return nil
					}
					processDelivery(gCtx, ch, msg, queueName, handle)
				}
			}
		})
	}

	logger.Info("[Queue] Listening for messages", "queue", queueName, "parallel", parallel)
	return g.Wait()
}

func processDelivery(ctx context.Context, ch Publisher, msg amqp.Delivery, queueName string, handle HandlerFunc) {
	startTime := time.Now()
	logger.Debug("[Queue] Received message", "queue", queueName)

	processingErr := handle(ctx, string(msg.Body))
	switch {
	case processingErr == nil:
		if err := msg.Ack(false); err != nil {
			logger.Error("[Queue] Failed to ack message", "queue", queueName, "err", err)
		}
		logger.Info("[Queue] Message processed successfully", "queue", queueName, "duration", time.Since(startTime).Round(time.Millisecond))
	case errors.Is(processingErr, ErrMalformedMessage):
		logger.Error("[Queue] Dropping malformed message", "queue", queueName, "err", processingErr)
		sendToDLQ(ch, msg, queueName)
	case ctx.Err() != nil:
		// shutting down; hand the message back untouched
		logger.Info("[Queue] Requeueing message on shutdown", "queue", queueName)
		_ = msg.Nack(false, true)
	default:
		logger.Error("[Queue] Error processing message", "queue", queueName, "err", processingErr)
		HandleProcessingError(ch, msg, queueName)
	}
}

// RetryCount reads the x-retries header.
func RetryCount(headers amqp.Table) int {
	switch v := headers["x-retries"].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

// HandleProcessingError sends msg to the retry queue with an incremented
// x-retries header, or to the dead-letter queue once MaxRetries is reached.
// msg is acked only after the republish succeeded.
func HandleProcessingError(ch Publisher, msg amqp.Delivery, queueName string) {
	retries := RetryCount(msg.Headers)

	if retries >= MaxRetries {
		sendToDLQ(ch, msg, queueName)
		return
	}

	retryName := queueName + "_retry"
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      headers,
			DeliveryMode: amqp.Persistent,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

func sendToDLQ(ch Publisher, msg amqp.Delivery, queueName string) {
	dlqName := queueName + "_dlq"
	logger.Info("[Queue] Sending message to DLQ", "dlq", dlqName)
	pubErr := ch.Publish(
		"",
		dlqName,
		false,
		false,
		amqp.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      msg.Headers,
			DeliveryMode: amqp.Persistent,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
