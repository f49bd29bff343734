package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the reservation lifecycle over a Store.
type Service struct {
	store        Store
	ticketTypes  TicketTypeProvider
	nowFn        func() time.Time
	logger       OperationLogger
	newReference func() string
}

// NewService wires a Service.
func NewService(store Store, ticketTypes TicketTypeProvider, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ticketTypes == nil {
		return nil, fmt.Errorf("%w: ticket type provider is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:        store,
		ticketTypes:  ticketTypes,
		nowFn:        now,
		newReference: uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// WithReferenceGenerator replaces the uuid reference generator.
func WithReferenceGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newReference = generate
		}
	}
}

// PlaceReservation validates the fields and stores a new reservation.
func (service *Service) PlaceReservation(ctx context.Context, fields ReservationFields) (Reservation, error) {
	var reservation Reservation
	operationError := service.placeReservation(ctx, fields, &reservation)
	service.logOperation(ctx, OperationLog{
		Operation: operationPlace,
		Reference: reservation.Reference,
		ToState:   reservation.State,
		Error:     operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

func (service *Service) placeReservation(ctx context.Context, fields ReservationFields, placed *Reservation) error {
	violations := fields.Validate()
	normalized := fields.normalized()
	var ticketTypeID TicketTypeID
	if normalized.TicketTypeID != "" {
		parsedID, err := NewTicketTypeID(normalized.TicketTypeID)
		if err != nil {
			return err
		}
		if _, err := service.ticketTypes.GetTicketType(ctx, parsedID); err != nil {
			if !errors.Is(err, ErrUnknownTicketType) {
				return err
			}
			violations = append(violations, FieldViolation{Field: "ticket_type", Reason: "does not exist"})
		}
		ticketTypeID = parsedID
	}
	if len(violations) > 0 {
		return ValidationError{Violations: violations}
	}
	reference, err := NewReference(service.newReference())
	if err != nil {
		return err
	}
	reservation := Reservation{
		Reference:     reference,
		Name:          normalized.Name,
		Email:         normalized.Email,
		Phone:         normalized.Phone,
		RequestText:   normalized.RequestText,
		PaymentMethod: PaymentMethod(normalized.PaymentMethod),
		State:         StateNew,
		RequestedAt:   service.now(),
		TicketTypeID:  ticketTypeID,
	}
	if err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.CreateReservation(ctx, reservation)
	}); err != nil {
		return err
	}
	*placed = reservation
	return nil
}

// GetReservation looks a reservation up by its reference.
func (service *Service) GetReservation(ctx context.Context, reference Reference) (Reservation, error) {
	return service.store.GetReservation(ctx, reference)
}

// Reserve moves a new or waiting reservation to reserved and sets its payment due date.
func (service *Service) Reserve(ctx context.Context, reference Reference) (Reservation, error) {
	return service.fire(ctx, operationReserve, reference, EventReserve, func(reservation *Reservation) {
		due := service.PaymentDue(reservation.PaymentMethod)
		reservation.PaymentDue = &due
	}, nil)
}

// Cancel moves a reservation to cancelled and drops all of its waiting-list entries.
func (service *Service) Cancel(ctx context.Context, reference Reference) (Reservation, error) {
	return service.fire(ctx, operationCancel, reference, EventCancel, nil, func(ctx context.Context, transactionStore Store, reservation Reservation) error {
		return transactionStore.DeleteWaitingListEntries(ctx, reservation.Reference)
	})
}

// ConfirmPaymentCleared moves a paid reservation to payment_cleared.
func (service *Service) ConfirmPaymentCleared(ctx context.Context, reference Reference) (Reservation, error) {
	return service.fire(ctx, operationPaymentCleared, reference, EventPaymentCleared, nil, nil)
}

// PaymentDue returns the due date for a reservation reserved now.
func (service *Service) PaymentDue(method PaymentMethod) time.Time {
	if method == PaymentMethodCheque {
		return service.now().Add(chequePaymentWindow)
	}
	return service.now().Add(defaultPaymentWindow)
}

func (service *Service) fire(
	ctx context.Context,
	operation string,
	reference Reference,
	event Event,
	prepare func(reservation *Reservation),
	afterSave func(ctx context.Context, transactionStore Store, reservation Reservation) error,
) (Reservation, error) {
	var (
		result    Reservation
		fromState State
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, reference)
		if err != nil {
			return err
		}
		fromState = reservation.State
		target, err := NextState(event, reservation.State)
		if err != nil {
			return err
		}
		reservation.State = target
		if prepare != nil {
			prepare(&reservation)
		}
		if err := saveReservation(ctx, transactionStore, reservation, fromState, event); err != nil {
			return err
		}
		if afterSave != nil {
			if err := afterSave(ctx, transactionStore, reservation); err != nil {
				return err
			}
		}
		result = reservation
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		Reference: reference,
		Event:     event,
		FromState: fromState,
		ToState:   result.State,
		Error:     operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return result, nil
}

// saveReservation writes the reservation if its stored state still equals expected.
// A lost race is reported as a transition error against the state that won.
func saveReservation(ctx context.Context, transactionStore Store, reservation Reservation, expected State, event Event) error {
	err := transactionStore.UpdateReservation(ctx, reservation, expected)
	if err == nil || event == "" || !errors.Is(err, ErrStateChanged) {
		return err
	}
	current, loadErr := transactionStore.GetReservation(ctx, reservation.Reference)
	if loadErr != nil {
		return loadErr
	}
	return TransitionError{Event: event, From: current.State}
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
