// Package paymentevents applies payment notifications delivered over RabbitMQ.
package paymentevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/reservations/pkg/booking"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultQueueName     = "reservations.payments"
	defaultPrefetch      = 20
	defaultInitialDelay  = time.Second
	defaultMaxDelay      = 30 * time.Second
	defaultHandleTimeout = 10 * time.Second
)

// Decision is what happens to a delivery after handling.
type Decision int

const (
	DecisionAck Decision = iota
	DecisionReject
	DecisionRequeue
)

func (decision Decision) String() string {
	switch decision {
	case DecisionAck:
		return "ack"
	case DecisionReject:
		return "reject"
	case DecisionRequeue:
		return "requeue"
	}
	return "unknown"
}

// Service is the booking surface the consumer drives.
type Service interface {
	RecordPayment(ctx context.Context, reference booking.Reference, report booking.PaymentReport) (booking.Reservation, error)
	ConfirmPaymentCleared(ctx context.Context, reference booking.Reference) (booking.Reservation, error)
}

// Event is the JSON body of a payment notification.
type Event struct {
	Reference       string          `json:"reference"`
	AmountPence     int64           `json:"amount_pence"`
	SourceReference string          `json:"source_reference"`
	Outcome         string          `json:"outcome"`
	Cleared         bool            `json:"cleared"`
	Metadata        json.RawMessage `json:"metadata"`
}

// Config controls the broker connection.
type Config struct {
	URL           string
	Queue         string
	Prefetch      int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	HandleTimeout time.Duration
}

func (cfg *Config) normalize() error {
	if strings.TrimSpace(cfg.URL) == "" {
		return fmt.Errorf("amqp url is required")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = defaultQueueName
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaultHandleTimeout
	}
	return nil
}

// Consumer reads payment events from a durable queue.
type Consumer struct {
	cfg     Config
	service Service
	logger  *zap.Logger
	dial    func(url string) (*amqp.Connection, error)
}

// NewConsumer validates cfg and returns a Consumer.
func NewConsumer(cfg Config, service Service, logger *zap.Logger) (*Consumer, error) {
	if service == nil {
		return nil, fmt.Errorf("payment consumer: service is required")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{cfg: cfg, service: service, logger: logger.Named("payment_events"), dial: amqp.Dial}, nil
}

// Run consumes until ctx is cancelled, reconnecting with exponential backoff.
func (consumer *Consumer) Run(ctx context.Context) error {
	delay := consumer.cfg.InitialDelay
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := consumer.dial(consumer.cfg.URL)
		if err != nil {
			consumer.logger.Warn("broker dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !sleep(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay, consumer.cfg.MaxDelay)
			continue
		}
		delay = consumer.cfg.InitialDelay
		err = consumer.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		consumer.logger.Warn("consume loop ended; reconnecting", zap.Error(err))
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (consumer *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = channel.Close() }()

	if err := channel.Qos(consumer.cfg.Prefetch, 0, false); err != nil {
		consumer.logger.Warn("set qos failed", zap.Error(err))
	}
	if _, err := channel.QueueDeclare(consumer.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	deliveries, err := channel.Consume(consumer.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	consumer.logger.Info("consuming payment events", zap.String("queue", consumer.cfg.Queue))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			consumer.settle(delivery, consumer.handleWithTimeout(ctx, delivery.Body))
		}
	}
}

func (consumer *Consumer) handleWithTimeout(ctx context.Context, body []byte) Decision {
	handleCtx, cancel := context.WithTimeout(ctx, consumer.cfg.HandleTimeout)
	defer cancel()
	return consumer.Handle(handleCtx, body)
}

func (consumer *Consumer) settle(delivery amqp.Delivery, decision Decision) {
	var err error
	switch decision {
	case DecisionAck:
		err = delivery.Ack(false)
	case DecisionRequeue:
		err = delivery.Nack(false, true)
	default:
		err = delivery.Nack(false, false)
	}
	if err != nil {
		consumer.logger.Warn("settle delivery failed", zap.Stringer("decision", decision), zap.Error(err))
	}
}

// Handle applies one payment event body and reports how to settle it.
func (consumer *Consumer) Handle(ctx context.Context, body []byte) Decision {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		consumer.logger.Warn("malformed payment event", zap.Error(err))
		return DecisionReject
	}
	reference, err := booking.NewReference(event.Reference)
	if err != nil {
		consumer.logger.Warn("payment event without reference", zap.Error(err))
		return DecisionReject
	}
	logger := consumer.logger.With(zap.String("reference", reference.String()))

	if event.AmountPence != 0 || strings.TrimSpace(event.Outcome) != "" || !event.Cleared {
		report, err := event.report()
		if err != nil {
			logger.Warn("invalid payment event", zap.Error(err))
			return DecisionReject
		}
		reservation, err := consumer.service.RecordPayment(ctx, reference, report)
		switch {
		case errors.Is(err, booking.ErrDuplicatePayment):
			logger.Info("payment already recorded", zap.String("source_reference", report.SourceReference))
			if !event.Cleared {
				return DecisionAck
			}
			return consumer.clearRedelivered(ctx, logger, reference)
		case err != nil:
			decision := classify(err)
			logger.Warn("record payment failed", zap.Stringer("decision", decision), zap.Error(err))
			return decision
		}
		if !event.Cleared || reservation.State == booking.StatePaymentCleared {
			return DecisionAck
		}
		if _, err := consumer.service.ConfirmPaymentCleared(ctx, reference); err != nil {
			// Without a source reference a redelivery would store the payment again.
			if report.SourceReference != "" {
				decision := classify(err)
				logger.Warn("payment recorded but clearing failed", zap.Stringer("decision", decision), zap.Error(err))
				return decision
			}
			logger.Error("payment recorded but clearing failed", zap.Error(err))
			return DecisionReject
		}
		return DecisionAck
	}

	if _, err := consumer.service.ConfirmPaymentCleared(ctx, reference); err != nil {
		decision := classify(err)
		logger.Warn("confirm payment cleared failed", zap.Stringer("decision", decision), zap.Error(err))
		return decision
	}
	return DecisionAck
}

// clearRedelivered finishes a redelivered event whose payment is already stored.
func (consumer *Consumer) clearRedelivered(ctx context.Context, logger *zap.Logger, reference booking.Reference) Decision {
	_, err := consumer.service.ConfirmPaymentCleared(ctx, reference)
	var transitionErr booking.TransitionError
	if err == nil || (errors.As(err, &transitionErr) && transitionErr.From == booking.StatePaymentCleared) {
		return DecisionAck
	}
	decision := classify(err)
	logger.Warn("confirm payment cleared failed", zap.Stringer("decision", decision), zap.Error(err))
	return decision
}

func (event Event) report() (booking.PaymentReport, error) {
	outcome, err := booking.ParsePaymentOutcome(event.Outcome)
	if err != nil {
		return booking.PaymentReport{}, err
	}
	metadata, err := booking.NewMetadataJSON(string(event.Metadata))
	if err != nil {
		return booking.PaymentReport{}, err
	}
	return booking.PaymentReport{
		Amount:          booking.AmountPence(event.AmountPence),
		SourceReference: strings.TrimSpace(event.SourceReference),
		Metadata:        metadata,
		Outcome:         outcome,
	}, nil
}

func classify(err error) Decision {
	switch {
	case errors.Is(err, booking.ErrPersistence),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return DecisionRequeue
	}
	return DecisionReject
}

func nextDelay(current time.Duration, maximum time.Duration) time.Duration {
	next := current * 2
	if next > maximum {
		return maximum
	}
	return next
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
