package paymentevents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publish sends a persistent payment event to queue over a short-lived connection.
func Publish(ctx context.Context, url string, queue string, event Event) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("amqp url is required")
	}
	if strings.TrimSpace(queue) == "" {
		queue = defaultQueueName
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = conn.Close() }()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = channel.Close() }()

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := channel.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
