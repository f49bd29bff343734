package booking

import (
	"context"
	"errors"
	"slices"
)

// AddToWaitingList queues the reservation on category.
// When category is the reservation's own category the state becomes waiting_list
// by direct assignment, overwriting any prior state without a transition check.
func (service *Service) AddToWaitingList(ctx context.Context, reference Reference, category ResourceCategory) (Reservation, error) {
	var (
		result    Reservation
		fromState State
	)
	// The ticket type is fixed at placement, so the category is resolved before
	// the transaction opens and the lookup never competes for its connection.
	ownCategory, hasCategory, operationError := service.categoryOfReference(ctx, reference)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			reservation, err := transactionStore.GetReservation(ctx, reference)
			if err != nil {
				return err
			}
			fromState = reservation.State
			if hasCategory && ownCategory == category {
				reservation.State = StateWaitingList
			}
			entry := WaitingListEntry{
				ReservationRef:   reservation.Reference,
				ResourceCategory: category,
				AddedAt:          reservation.RequestedAt,
			}
			if err := transactionStore.InsertWaitingListEntry(ctx, entry); err != nil {
				return err
			}
			if err := saveReservation(ctx, transactionStore, reservation, fromState, ""); err != nil {
				return err
			}
			result = reservation
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAddToWaitingList,
		Reference: reference,
		FromState: fromState,
		ToState:   result.State,
		Category:  category,
		Error:     operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return result, nil
}

// WaitingFor returns reservations holding at least one entry for category.
// Order follows the store; use SortByRequestedAt for first-come order.
func (service *Service) WaitingFor(ctx context.Context, category ResourceCategory) ([]Reservation, error) {
	return service.store.ListWaitingFor(ctx, category)
}

// InResourceCategory returns reservations whose ticket type belongs to category.
func (service *Service) InResourceCategory(ctx context.Context, category ResourceCategory) ([]Reservation, error) {
	return service.store.ListInResourceCategory(ctx, category)
}

// WaitingListEntries returns the entries owned by a reservation.
func (service *Service) WaitingListEntries(ctx context.Context, reference Reference) ([]WaitingListEntry, error) {
	return service.store.ListWaitingListEntries(ctx, reference)
}

// ResourceCategoryOf resolves the category of the reservation's ticket type.
func (service *Service) ResourceCategoryOf(ctx context.Context, reservation Reservation) (ResourceCategory, bool, error) {
	return service.resourceCategoryOf(ctx, reservation)
}

func (service *Service) categoryOfReference(ctx context.Context, reference Reference) (ResourceCategory, bool, error) {
	reservation, err := service.store.GetReservation(ctx, reference)
	if err != nil {
		return ResourceCategory{}, false, err
	}
	return service.resourceCategoryOf(ctx, reservation)
}

func (service *Service) resourceCategoryOf(ctx context.Context, reservation Reservation) (ResourceCategory, bool, error) {
	ticketType, found, err := service.ticketTypeOf(ctx, reservation)
	if err != nil || !found {
		return ResourceCategory{}, false, err
	}
	return ticketType.ResourceCategory, true, nil
}

func (service *Service) ticketTypeOf(ctx context.Context, reservation Reservation) (TicketType, bool, error) {
	if reservation.TicketTypeID.IsZero() {
		return TicketType{}, false, nil
	}
	ticketType, err := service.ticketTypes.GetTicketType(ctx, reservation.TicketTypeID)
	if errors.Is(err, ErrUnknownTicketType) {
		return TicketType{}, false, nil
	}
	if err != nil {
		return TicketType{}, false, err
	}
	return ticketType, true, nil
}

// SortByRequestedAt orders reservations first-come first-served.
// Waiting-list entries are stamped with requested_at, so this is queue order.
func SortByRequestedAt(reservations []Reservation) []Reservation {
	sorted := slices.Clone(reservations)
	slices.SortStableFunc(sorted, func(left, right Reservation) int {
		return left.RequestedAt.Compare(right.RequestedAt)
	})
	return sorted
}
