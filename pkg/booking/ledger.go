package booking

import (
	"context"
	"fmt"
	"strings"
)

// PaymentOutcome is what an external payment source reports about a payment.
type PaymentOutcome string

const (
	PaymentOutcomePartial   PaymentOutcome = "partial"
	PaymentOutcomeCompleted PaymentOutcome = "completed"
	PaymentOutcomeOnArrival PaymentOutcome = "on_arrival"
)

// ParsePaymentOutcome validates a raw outcome, defaulting to partial.
func ParsePaymentOutcome(raw string) (PaymentOutcome, error) {
	outcome := PaymentOutcome(strings.TrimSpace(raw))
	switch outcome {
	case "":
		return PaymentOutcomePartial, nil
	case PaymentOutcomePartial, PaymentOutcomeCompleted, PaymentOutcomeOnArrival:
		return outcome, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentOutcome, raw)
}

// PaymentReport is a payment event delivered by the payment source.
type PaymentReport struct {
	Amount          AmountPence
	SourceReference string
	Metadata        MetadataJSON
	Outcome         PaymentOutcome
}

// Balance is the payment position of a reservation.
type Balance struct {
	Price         AmountPence
	TotalPaid     AmountPence
	Outstanding   AmountPence
	HasTicketType bool
}

// OutstandingBalance returns price minus paid; negative when overpaid.
func OutstandingBalance(price AmountPence, paid AmountPence) AmountPence {
	return price - paid
}

// TotalPaid sums every payment recorded against the reservation.
func (service *Service) TotalPaid(ctx context.Context, reference Reference) (AmountPence, error) {
	if _, err := service.store.GetReservation(ctx, reference); err != nil {
		return 0, err
	}
	return service.store.SumPayments(ctx, reference)
}

// Balance returns the outstanding amount. HasTicketType is false, and the amounts other
// than TotalPaid are zero, when the reservation has no ticket type to price it.
func (service *Service) Balance(ctx context.Context, reference Reference) (Balance, error) {
	reservation, err := service.store.GetReservation(ctx, reference)
	if err != nil {
		return Balance{}, err
	}
	totalPaid, err := service.store.SumPayments(ctx, reference)
	if err != nil {
		return Balance{}, err
	}
	ticketType, found, err := service.ticketTypeOf(ctx, reservation)
	if err != nil {
		return Balance{}, err
	}
	if !found {
		return Balance{TotalPaid: totalPaid}, nil
	}
	return Balance{
		Price:         ticketType.Price,
		TotalPaid:     totalPaid,
		Outstanding:   OutstandingBalance(ticketType.Price, totalPaid),
		HasTicketType: true,
	}, nil
}

// RecordPayment appends the reported payment and applies the reported outcome.
// A completed payment moves the reservation to paid and an on-arrival report moves it
// to payment_on_arrival; reservations already settled or cancelled keep their state.
func (service *Service) RecordPayment(ctx context.Context, reference Reference, report PaymentReport) (Reservation, error) {
	var (
		result    Reservation
		fromState State
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if report.Outcome == "" {
			report.Outcome = PaymentOutcomePartial
		}
		if _, err := ParsePaymentOutcome(string(report.Outcome)); err != nil {
			return err
		}
		if report.Amount < 0 || (report.Amount == 0 && report.Outcome != PaymentOutcomeOnArrival) {
			return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountPence)
		}
		reservation, err := transactionStore.GetReservation(ctx, reference)
		if err != nil {
			return err
		}
		fromState = reservation.State
		if report.Amount > 0 {
			record := PaymentRecord{
				ReservationRef:  reservation.Reference,
				Amount:          report.Amount,
				SourceReference: strings.TrimSpace(report.SourceReference),
				Metadata:        report.Metadata,
				RecordedAt:      service.now(),
			}
			if err := transactionStore.InsertPaymentRecord(ctx, record); err != nil {
				return err
			}
		}
		if target, assign := reportedState(report.Outcome, reservation.State); assign {
			reservation.State = target
			if err := saveReservation(ctx, transactionStore, reservation, fromState, ""); err != nil {
				return err
			}
		}
		result = reservation
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRecordPayment,
		Reference: reference,
		FromState: fromState,
		ToState:   result.State,
		Amount:    report.Amount,
		Error:     operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return result, nil
}

func reportedState(outcome PaymentOutcome, current State) (State, bool) {
	switch current {
	case StatePaid, StatePaymentCleared, StateCancelled:
		return current, false
	}
	switch outcome {
	case PaymentOutcomeCompleted:
		return StatePaid, true
	case PaymentOutcomeOnArrival:
		if current == StatePaymentOnArrival {
			return current, false
		}
		return StatePaymentOnArrival, true
	}
	return current, false
}
