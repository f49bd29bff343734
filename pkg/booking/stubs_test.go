package booking

import (
	"context"
	"errors"
	"maps"
	"slices"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

type stubStore struct {
	reservations map[Reference]Reservation
	order        []Reference
	entries      []WaitingListEntry
	payments     []PaymentRecord
	ticketTypes  map[TicketTypeID]TicketType
	failInsert   error
	failUpdate   error
	failDelete   error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		reservations: make(map[Reference]Reservation),
		ticketTypes:  make(map[TicketTypeID]TicketType),
	}
}

// WithTx runs fn against a copy and only keeps its writes when fn succeeds.
func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	transaction := store.clone()
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	store.reservations = transaction.reservations
	store.order = transaction.order
	store.entries = transaction.entries
	store.payments = transaction.payments
	return nil
}

func (store *stubStore) clone() *stubStore {
	return &stubStore{
		reservations: maps.Clone(store.reservations),
		order:        slices.Clone(store.order),
		entries:      slices.Clone(store.entries),
		payments:     slices.Clone(store.payments),
		ticketTypes:  store.ticketTypes,
		failInsert:   store.failInsert,
		failUpdate:   store.failUpdate,
		failDelete:   store.failDelete,
	}
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	if _, exists := store.reservations[reservation.Reference]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.Reference] = reservation
	store.order = append(store.order, reservation.Reference)
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, reference Reference) (Reservation, error) {
	reservation, ok := store.reservations[reference]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservation(ctx context.Context, reservation Reservation, expected State) error {
	if store.failUpdate != nil {
		return store.failUpdate
	}
	current, ok := store.reservations[reservation.Reference]
	if !ok {
		return ErrUnknownReservation
	}
	if current.State != expected {
		return ErrStateChanged
	}
	store.reservations[reservation.Reference] = reservation
	return nil
}

func (store *stubStore) InsertWaitingListEntry(ctx context.Context, entry WaitingListEntry) error {
	if store.failInsert != nil {
		return store.failInsert
	}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) DeleteWaitingListEntries(ctx context.Context, reference Reference) error {
	if store.failDelete != nil {
		return store.failDelete
	}
	store.entries = slices.DeleteFunc(store.entries, func(entry WaitingListEntry) bool {
		return entry.ReservationRef == reference
	})
	return nil
}

func (store *stubStore) ListWaitingListEntries(ctx context.Context, reference Reference) ([]WaitingListEntry, error) {
	var owned []WaitingListEntry
	for _, entry := range store.entries {
		if entry.ReservationRef == reference {
			owned = append(owned, entry)
		}
	}
	return owned, nil
}

func (store *stubStore) InsertPaymentRecord(ctx context.Context, record PaymentRecord) error {
	if store.failInsert != nil {
		return store.failInsert
	}
	for _, existing := range store.payments {
		if record.SourceReference != "" && existing.ReservationRef == record.ReservationRef && existing.SourceReference == record.SourceReference {
			return ErrDuplicatePayment
		}
	}
	store.payments = append(store.payments, record)
	return nil
}

func (store *stubStore) SumPayments(ctx context.Context, reference Reference) (AmountPence, error) {
	var total AmountPence
	for _, record := range store.payments {
		if record.ReservationRef == reference {
			total += record.Amount
		}
	}
	return total, nil
}

func (store *stubStore) ListWaitingFor(ctx context.Context, category ResourceCategory) ([]Reservation, error) {
	var waiting []Reservation
	for _, reference := range store.order {
		for _, entry := range store.entries {
			if entry.ReservationRef == reference && entry.ResourceCategory == category {
				waiting = append(waiting, store.reservations[reference])
				break
			}
		}
	}
	return waiting, nil
}

func (store *stubStore) ListInResourceCategory(ctx context.Context, category ResourceCategory) ([]Reservation, error) {
	var matching []Reservation
	for _, reference := range store.order {
		reservation := store.reservations[reference]
		ticketType, ok := store.ticketTypes[reservation.TicketTypeID]
		if ok && ticketType.ResourceCategory == category {
			matching = append(matching, reservation)
		}
	}
	return matching, nil
}

func (store *stubStore) GetTicketType(ctx context.Context, id TicketTypeID) (TicketType, error) {
	ticketType, ok := store.ticketTypes[id]
	if !ok {
		return TicketType{}, ErrUnknownTicketType
	}
	return ticketType, nil
}

func (store *stubStore) addTicketType(test *testing.T, id string, price int64, category string) TicketType {
	test.Helper()
	ticketType := TicketType{
		ID:               mustTicketTypeID(test, id),
		Name:             id,
		Price:            mustPrice(test, price),
		ResourceCategory: mustCategory(test, category),
	}
	store.ticketTypes[ticketType.ID] = ticketType
	return ticketType
}

func (store *stubStore) seedReservation(test *testing.T, reference string, state State, method PaymentMethod, ticketTypeID string) Reservation {
	test.Helper()
	reservation := Reservation{
		Reference:     mustReference(test, reference),
		Name:          "Ada",
		Email:         "ada@example.com",
		Phone:         "0123",
		RequestText:   "workshops",
		PaymentMethod: method,
		State:         state,
		RequestedAt:   fixedNow.Add(-time.Hour),
	}
	if ticketTypeID != "" {
		reservation.TicketTypeID = mustTicketTypeID(test, ticketTypeID)
	}
	if err := store.CreateReservation(context.Background(), reservation); err != nil {
		test.Fatalf("seed reservation: %v", err)
	}
	return reservation
}

func (store *stubStore) mustReservation(test *testing.T, reference Reference) Reservation {
	test.Helper()
	reservation, ok := store.reservations[reference]
	if !ok {
		test.Fatalf("reservation %s not found", reference.String())
	}
	return reservation
}

func (store *stubStore) entryCount(reference Reference) int {
	count := 0
	for _, entry := range store.entries {
		if entry.ReservationRef == reference {
			count++
		}
	}
	return count
}

type failingStore struct {
	Store
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{err: err}
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return store.err
}

func (store *failingStore) GetReservation(ctx context.Context, reference Reference) (Reservation, error) {
	return Reservation{}, store.err
}

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func mustNewService(test *testing.T, store *stubStore, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustReference(test *testing.T, raw string) Reference {
	test.Helper()
	value, err := NewReference(raw)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return value
}

func mustTicketTypeID(test *testing.T, raw string) TicketTypeID {
	test.Helper()
	value, err := NewTicketTypeID(raw)
	if err != nil {
		test.Fatalf("ticket type id: %v", err)
	}
	return value
}

func mustCategory(test *testing.T, raw string) ResourceCategory {
	test.Helper()
	value, err := NewResourceCategory(raw)
	if err != nil {
		test.Fatalf("category: %v", err)
	}
	return value
}

func mustPrice(test *testing.T, raw int64) AmountPence {
	test.Helper()
	value, err := NewPrice(raw)
	if err != nil {
		test.Fatalf("price: %v", err)
	}
	return value
}

func mustPaymentAmount(test *testing.T, raw int64) AmountPence {
	test.Helper()
	value, err := NewPaymentAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func expectTransitionError(test *testing.T, err error, event Event, from State) {
	test.Helper()
	if !errors.Is(err, ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var transitionError TransitionError
	if !errors.As(err, &transitionError) {
		test.Fatalf("expected TransitionError, got %T", err)
	}
	if transitionError.Event != event || transitionError.From != from {
		test.Fatalf("expected %s from %s, got %+v", event, from, transitionError)
	}
}
