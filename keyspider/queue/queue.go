package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"
)

// MessageProcessor is a type for functions that can process messages.
type MessageProcessor func(msg string)

// Queue names used by keyspider.
const (
	// ScanQueue carries scan-job requests to the crawl worker.
	ScanQueue = "keyspider-scan"
	// EventsQueue carries live AccessEvents broadcast by watchers.
	EventsQueue = "keyspider-events"
)

// ScanRequest is a scan-job message published on ScanQueue.
type ScanRequest struct {
	JobID    string `json:"job_id"`
	JobType  string `json:"job_type"` // full | server | spider
	SeedAddr string `json:"seed_addr"`
	MaxDepth int    `json:"max_depth"`
}

// PublishScanRequest enqueues a scan job.
func PublishScanRequest(amqpURL string, req ScanRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal scan request: %w", err)
	}
	return Send(amqpURL, ScanQueue, string(data))
}

// BroadcastEvent publishes a live event to EventsQueue. Best-effort:
// callers log and continue on error.
func BroadcastEvent(amqpURL string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return Send(amqpURL, EventsQueue, string(data))
}

// ListenWithRetry listens to a queue with automatic reconnection. It
// never kills the process on broker failure; it retries the connection
// with exponential backoff (1s to a 30s cap) and reconnects if the
// broker drops. The listener stops cleanly when ctx is cancelled.
func ListenWithRetry(ctx context.Context, amqpURL, qName string, messageProcessor MessageProcessor) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		if ctx.Err() != nil {
			slog.Info("Listener shutting down (context cancelled)", "queue", qName)
			return
		}

		err := listenOnce(ctx, amqpURL, qName, messageProcessor)
		if ctx.Err() != nil {
			slog.Info("Listener stopped", "queue", qName)
			return
		}

		if err != nil {
			slog.Warn("Listener error, retrying", "queue", qName, "error", err, "backoff", backoff)
		} else {
			// Channel closed without error (e.g. broker restart) — reset backoff
			slog.Info("Listener disconnected, reconnecting", "queue", qName)
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// listenOnce connects to the broker, consumes from the given queue, and
// processes messages until the connection drops or ctx is cancelled.
func listenOnce(ctx context.Context, amqpURL, qName string, messageProcessor MessageProcessor) error {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		qName, // name
		false, // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue '%s': %w", qName, err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("register consumer on '%s': %w", qName, err)
	}

	slog.Info("Connected to queue", "queue", qName)

	connCloseCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-connCloseCh:
			if amqpErr != nil {
				return fmt.Errorf("connection closed: %s", amqpErr.Error())
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil // delivery channel closed
			}
			go messageProcessor(string(msg.Body))
		}
	}
}

// Send sends a message to the named queue.
func Send(amqpURL, qName, message string) error {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		qName, // name
		false, // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return err
	}

	err = ch.Publish(
		"",     // exchange
		q.Name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        []byte(message),
		})
	if err != nil {
		return err
	}

	slog.Debug("Sent message to queue", "queue", qName)
	return nil
}
