package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/reservations/pkg/booking"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const envTestDatabaseURL = "RESERVATIONS_TEST_DATABASE_URL"

func TestIsReservationConflict(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "primary key", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintReservationPrimary}, want: true},
		{name: "wrapped primary key", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintReservationPrimary}), want: true},
		{name: "other constraint", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "ticket_types_pkey"}, want: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := isReservationConflict(testCase.err); got != testCase.want {
				test.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestIsPaymentConflict(test *testing.T) {
	test.Parallel()
	if isPaymentConflict(nil) || isPaymentConflict(errors.New("boom")) {
		test.Fatalf("expected plain errors to pass through")
	}
	if !isPaymentConflict(fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintPaymentSource})) {
		test.Fatalf("expected source index violation to be a duplicate payment")
	}
	if isPaymentConflict(&pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "payment_records_pkey"}) {
		test.Fatalf("expected other constraints to stay persistence failures")
	}
}

func TestUTCPointer(test *testing.T) {
	test.Parallel()
	if utcPointer(nil) != nil {
		test.Fatalf("expected nil")
	}
	local := time.Date(2024, time.January, 15, 1, 0, 0, 0, time.FixedZone("CET", 3600))
	normalized := utcPointer(&local)
	if normalized.Location() != time.UTC || !normalized.Equal(local) {
		test.Fatalf("unexpected normalization %v", normalized)
	}
}

// TestStoreAgainstPostgres runs only when a disposable database is configured.
func TestStoreAgainstPostgres(test *testing.T) {
	databaseURL := os.Getenv(envTestDatabaseURL)
	if databaseURL == "" {
		test.Skipf("%s not set", envTestDatabaseURL)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	test.Cleanup(pool.Close)
	store := New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		test.Fatalf("ensure schema: %v", err)
	}

	suffix := uuid.NewString()
	ticketTypeID, _ := booking.NewTicketTypeID("weekend-" + suffix)
	category, _ := booking.NewResourceCategory("camping-" + suffix)
	metadata, _ := booking.NewMetadataJSON(`{"gocardless_url":"https://pay.example"}`)
	if err := store.UpsertTicketType(ctx, booking.TicketType{ID: ticketTypeID, Name: "Weekend", Price: 5000, ResourceCategory: category, PaymentMetadata: metadata}); err != nil {
		test.Fatalf("upsert ticket type: %v", err)
	}

	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	service, err := booking.NewService(store, store, func() time.Time { return now },
		booking.WithReferenceGenerator(func() string { return "REF-" + suffix }))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	placed, err := service.PlaceReservation(ctx, booking.ReservationFields{
		Name: "Ada", Email: "ada@example.com", Phone: "1", RequestText: "bar", PaymentMethod: "cheque", TicketTypeID: ticketTypeID.String(),
	})
	if err != nil {
		test.Fatalf("place: %v", err)
	}
	if _, err := service.AddToWaitingList(ctx, placed.Reference, category); err != nil {
		test.Fatalf("waiting list: %v", err)
	}
	reserved, err := service.Reserve(ctx, placed.Reference)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	expectedDue := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)
	if reserved.PaymentDue == nil || !reserved.PaymentDue.Equal(expectedDue) {
		test.Fatalf("unexpected due date %v", reserved.PaymentDue)
	}
	if _, err := service.RecordPayment(ctx, placed.Reference, booking.PaymentReport{Amount: 2000, SourceReference: "gocardless-BL1"}); err != nil {
		test.Fatalf("record payment: %v", err)
	}
	if _, err := service.RecordPayment(ctx, placed.Reference, booking.PaymentReport{Amount: 2000, SourceReference: "gocardless-BL1"}); !errors.Is(err, booking.ErrDuplicatePayment) {
		test.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
	balance, err := service.Balance(ctx, placed.Reference)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Outstanding != 3000 {
		test.Fatalf("expected outstanding 3000, got %d", balance.Outstanding)
	}
	if _, err := service.Cancel(ctx, placed.Reference); err != nil {
		test.Fatalf("cancel: %v", err)
	}
	entries, err := store.ListWaitingListEntries(ctx, placed.Reference)
	if err != nil {
		test.Fatalf("entries: %v", err)
	}
	if len(entries) != 0 {
		test.Fatalf("expected entries removed, got %d", len(entries))
	}
	if _, err := service.Cancel(ctx, placed.Reference); !errors.Is(err, booking.ErrInvalidTransition) {
		test.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
