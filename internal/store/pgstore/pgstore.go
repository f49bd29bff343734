package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/reservations/pkg/booking"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintPaymentSource      = "idx_payment_records_source"
	constraintReservationPrimary = "reservations_pkey"
	pgUniqueViolationCode        = "23505"
	errorSubjectPayment          = "payment"
	errorSubjectReservation      = "reservation"
	errorSubjectSchema           = "schema"
	errorSubjectTicketType       = "ticket_type"
	errorSubjectTransaction      = "transaction"
	errorSubjectWaitingList      = "waiting_list"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeEnsure              = "ensure"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"
	errorCodeUpsert              = "upsert"

	sqlEnsureSchema = `
		create table if not exists ticket_types (
			ticket_type_id text primary key,
			name text not null,
			price_pence bigint not null check (price_pence >= 0),
			resource_category text not null,
			payment_metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create index if not exists idx_ticket_types_category on ticket_types(resource_category);

		create table if not exists reservations (
			reference text primary key,
			name text not null,
			email text not null,
			phone text not null,
			request_text text not null,
			payment_method text not null,
			state text not null,
			payment_due timestamptz,
			requested_at timestamptz not null,
			ticket_type_id text,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create index if not exists idx_reservations_state on reservations(state);
		create index if not exists idx_reservations_ticket_type on reservations(ticket_type_id);

		create table if not exists waiting_list_entries (
			entry_id text primary key default gen_random_uuid()::text,
			reservation_ref text not null,
			resource_category text not null,
			added_at timestamptz not null
		);
		create index if not exists idx_waiting_list_reservation on waiting_list_entries(reservation_ref);
		create index if not exists idx_waiting_list_category_added on waiting_list_entries(resource_category, added_at);

		create table if not exists payment_records (
			record_id text primary key default gen_random_uuid()::text,
			reservation_ref text not null,
			amount_pence bigint not null,
			source_reference text not null,
			metadata jsonb not null default '{}'::jsonb,
			recorded_at timestamptz not null
		);
		create index if not exists idx_payment_records_reservation on payment_records(reservation_ref);
		create unique index if not exists idx_payment_records_source
			on payment_records(reservation_ref, source_reference) where source_reference <> '';
	`

	reservationColumns = `
		reservations.reference,
		reservations.name,
		reservations.email,
		reservations.phone,
		reservations.request_text,
		reservations.payment_method,
		reservations.state,
		reservations.payment_due,
		reservations.requested_at,
		coalesce(reservations.ticket_type_id,'')
	`

	sqlInsertReservation = `
		insert into reservations(
			reference, name, email, phone, request_text, payment_method, state, payment_due, requested_at, ticket_type_id
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, nullif($10,''))
	`

	sqlSelectReservation = `select ` + reservationColumns + `
		from reservations
		where reference = $1
		for update
	`

	sqlUpdateReservation = `
		update reservations
		set name = $3, email = $4, phone = $5, request_text = $6, payment_method = $7,
			state = $8, payment_due = $9, ticket_type_id = nullif($10,''), updated_at = now()
		where reference = $1 and state = $2
	`

	sqlReservationExists = `select exists(select 1 from reservations where reference = $1)`

	sqlInsertWaitingListEntry = `
		insert into waiting_list_entries(reservation_ref, resource_category, added_at)
		values ($1, $2, $3)
	`

	sqlDeleteWaitingListEntries = `delete from waiting_list_entries where reservation_ref = $1`

	sqlListWaitingListEntries = `
		select reservation_ref, resource_category, added_at
		from waiting_list_entries
		where reservation_ref = $1
		order by added_at asc, entry_id asc
	`

	sqlInsertPaymentRecord = `
		insert into payment_records(reservation_ref, amount_pence, source_reference, metadata, recorded_at)
		values ($1, $2, $3, coalesce(nullif($4,''),'{}')::jsonb, $5)
	`

	sqlSumPayments = `select coalesce(sum(amount_pence),0) from payment_records where reservation_ref = $1`

	sqlListPaymentRecords = `
		select reservation_ref, amount_pence, source_reference, metadata::text, recorded_at
		from payment_records
		where reservation_ref = $1
		order by recorded_at asc, record_id asc
	`

	sqlListWaitingFor = `select ` + reservationColumns + `
		from reservations
		where reservations.reference in (
			select reservation_ref from waiting_list_entries where resource_category = $1
		)
		order by reservations.requested_at asc, reservations.reference asc
	`

	sqlListInResourceCategory = `select ` + reservationColumns + `
		from reservations
		join ticket_types on ticket_types.ticket_type_id = reservations.ticket_type_id
		where ticket_types.resource_category = $1
		order by reservations.requested_at asc, reservations.reference asc
	`

	sqlSelectTicketType = `
		select ticket_type_id, name, price_pence, resource_category, payment_metadata::text
		from ticket_types
		where ticket_type_id = $1
	`

	sqlUpsertTicketType = `
		insert into ticket_types(ticket_type_id, name, price_pence, resource_category, payment_metadata)
		values ($1, $2, $3, $4, coalesce(nullif($5,''),'{}')::jsonb)
		on conflict (ticket_type_id) do update set
			name = excluded.name,
			price_pence = excluded.price_pence,
			resource_category = excluded.resource_category,
			payment_metadata = excluded.payment_metadata,
			updated_at = now()
	`
)

// querier is the subset shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements booking.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements booking.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// EnsureSchema creates the tables when they are missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlEnsureSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return fn(ctx, store)
}

func (store queries) CreateReservation(ctx context.Context, reservation booking.Reservation) error {
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.Reference.String(),
		reservation.Name,
		reservation.Email,
		reservation.Phone,
		reservation.RequestText,
		reservation.PaymentMethod.String(),
		reservation.State.String(),
		utcPointer(reservation.PaymentDue),
		reservation.RequestedAt.UTC(),
		reservation.TicketTypeID.String(),
	)
	if isReservationConflict(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, booking.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store queries) GetReservation(ctx context.Context, reference booking.Reference) (booking.Reservation, error) {
	reservation, err := scanReservation(store.db.QueryRow(ctx, sqlSelectReservation, reference.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, booking.ErrUnknownReservation)
		}
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return reservation, nil
}

func (store queries) UpdateReservation(ctx context.Context, reservation booking.Reservation, expected booking.State) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservation,
		reservation.Reference.String(),
		expected.String(),
		reservation.Name,
		reservation.Email,
		reservation.Phone,
		reservation.RequestText,
		reservation.PaymentMethod.String(),
		reservation.State.String(),
		utcPointer(reservation.PaymentDue),
		reservation.TicketTypeID.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := store.db.QueryRow(ctx, sqlReservationExists, reservation.Reference.String()).Scan(&exists); err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
	}
	if !exists {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrUnknownReservation)
	}
	return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrStateChanged)
}

func (store queries) InsertWaitingListEntry(ctx context.Context, entry booking.WaitingListEntry) error {
	_, err := store.db.Exec(ctx, sqlInsertWaitingListEntry,
		entry.ReservationRef.String(),
		entry.ResourceCategory.String(),
		entry.AddedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectWaitingList, errorCodeInsert, err)
	}
	return nil
}

func (store queries) DeleteWaitingListEntries(ctx context.Context, reference booking.Reference) error {
	if _, err := store.db.Exec(ctx, sqlDeleteWaitingListEntries, reference.String()); err != nil {
		return wrapStoreError(errorSubjectWaitingList, errorCodeDelete, err)
	}
	return nil
}

func (store queries) ListWaitingListEntries(ctx context.Context, reference booking.Reference) ([]booking.WaitingListEntry, error) {
	rows, err := store.db.Query(ctx, sqlListWaitingListEntries, reference.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectWaitingList, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]booking.WaitingListEntry, 0, 4)
	for rows.Next() {
		var (
			referenceValue string
			categoryValue  string
			addedAt        time.Time
		)
		if err := rows.Scan(&referenceValue, &categoryValue, &addedAt); err != nil {
			return nil, wrapStoreError(errorSubjectWaitingList, errorCodeList, err)
		}
		parsedReference, err := booking.NewReference(referenceValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWaitingList, errorCodeInvalid, err)
		}
		category, err := booking.NewResourceCategory(categoryValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWaitingList, errorCodeInvalid, err)
		}
		entries = append(entries, booking.WaitingListEntry{
			ReservationRef:   parsedReference,
			ResourceCategory: category,
			AddedAt:          addedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectWaitingList, errorCodeList, err)
	}
	return entries, nil
}

func (store queries) InsertPaymentRecord(ctx context.Context, record booking.PaymentRecord) error {
	recordedAt := record.RecordedAt.UTC()
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertPaymentRecord,
		record.ReservationRef.String(),
		record.Amount.Int64(),
		record.SourceReference,
		record.Metadata.String(),
		recordedAt,
	)
	if isPaymentConflict(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, booking.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return nil
}

func (store queries) SumPayments(ctx context.Context, reference booking.Reference) (booking.AmountPence, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumPayments, reference.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectPayment, errorCodeSum, err)
	}
	return booking.AmountPence(sum), nil
}

// ListPaymentRecords returns every payment of a reservation in recording order.
func (store queries) ListPaymentRecords(ctx context.Context, reference booking.Reference) ([]booking.PaymentRecord, error) {
	rows, err := store.db.Query(ctx, sqlListPaymentRecords, reference.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	defer rows.Close()
	records := make([]booking.PaymentRecord, 0, 4)
	for rows.Next() {
		var (
			referenceValue string
			amountValue    int64
			sourceValue    string
			metadataValue  string
			recordedAt     time.Time
		)
		if err := rows.Scan(&referenceValue, &amountValue, &sourceValue, &metadataValue, &recordedAt); err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
		}
		parsedReference, err := booking.NewReference(referenceValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		metadata, err := booking.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		records = append(records, booking.PaymentRecord{
			ReservationRef:  parsedReference,
			Amount:          booking.AmountPence(amountValue),
			SourceReference: sourceValue,
			Metadata:        metadata,
			RecordedAt:      recordedAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	return records, nil
}

func (store queries) ListWaitingFor(ctx context.Context, category booking.ResourceCategory) ([]booking.Reservation, error) {
	return store.listReservations(ctx, sqlListWaitingFor, category, errorSubjectWaitingList)
}

func (store queries) ListInResourceCategory(ctx context.Context, category booking.ResourceCategory) ([]booking.Reservation, error) {
	return store.listReservations(ctx, sqlListInResourceCategory, category, errorSubjectReservation)
}

func (store queries) GetTicketType(ctx context.Context, id booking.TicketTypeID) (booking.TicketType, error) {
	var (
		idValue       string
		nameValue     string
		priceValue    int64
		categoryValue string
		metadataValue string
	)
	err := store.db.QueryRow(ctx, sqlSelectTicketType, id.String()).Scan(&idValue, &nameValue, &priceValue, &categoryValue, &metadataValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.TicketType{}, wrapStoreError(errorSubjectTicketType, errorCodeGet, booking.ErrUnknownTicketType)
		}
		return booking.TicketType{}, wrapStoreError(errorSubjectTicketType, errorCodeGet, err)
	}
	parsedID, err := booking.NewTicketTypeID(idValue)
	if err != nil {
		return booking.TicketType{}, wrapStoreError(errorSubjectTicketType, errorCodeInvalid, err)
	}
	price, err := booking.NewPrice(priceValue)
	if err != nil {
		return booking.TicketType{}, wrapStoreError(errorSubjectTicketType, errorCodeInvalid, err)
	}
	category, err := booking.NewResourceCategory(categoryValue)
	if err != nil {
		return booking.TicketType{}, wrapStoreError(errorSubjectTicketType, errorCodeInvalid, err)
	}
	metadata, err := booking.NewMetadataJSON(metadataValue)
	if err != nil {
		return booking.TicketType{}, wrapStoreError(errorSubjectTicketType, errorCodeInvalid, err)
	}
	return booking.TicketType{
		ID:               parsedID,
		Name:             nameValue,
		Price:            price,
		ResourceCategory: category,
		PaymentMetadata:  metadata,
	}, nil
}

// UpsertTicketType creates or replaces a ticket type.
func (store queries) UpsertTicketType(ctx context.Context, ticketType booking.TicketType) error {
	_, err := store.db.Exec(ctx, sqlUpsertTicketType,
		ticketType.ID.String(),
		ticketType.Name,
		ticketType.Price.Int64(),
		ticketType.ResourceCategory.String(),
		ticketType.PaymentMetadata.String(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTicketType, errorCodeUpsert, err)
	}
	return nil
}

func (store queries) listReservations(ctx context.Context, query string, category booking.ResourceCategory, subject string) ([]booking.Reservation, error) {
	rows, err := store.db.Query(ctx, query, category.String())
	if err != nil {
		return nil, wrapStoreError(subject, errorCodeList, err)
	}
	defer rows.Close()
	reservations := make([]booking.Reservation, 0, 16)
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(subject, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(subject, errorCodeList, err)
	}
	return reservations, nil
}

func scanReservation(row pgx.Row) (booking.Reservation, error) {
	var (
		referenceValue   string
		nameValue        string
		emailValue       string
		phoneValue       string
		requestTextValue string
		methodValue      string
		stateValue       string
		paymentDue       *time.Time
		requestedAt      time.Time
		ticketTypeValue  string
	)
	if err := row.Scan(
		&referenceValue,
		&nameValue,
		&emailValue,
		&phoneValue,
		&requestTextValue,
		&methodValue,
		&stateValue,
		&paymentDue,
		&requestedAt,
		&ticketTypeValue,
	); err != nil {
		return booking.Reservation{}, err
	}
	reference, err := booking.NewReference(referenceValue)
	if err != nil {
		return booking.Reservation{}, err
	}
	method, err := booking.ParsePaymentMethod(methodValue)
	if err != nil {
		return booking.Reservation{}, err
	}
	state, err := booking.ParseState(stateValue)
	if err != nil {
		return booking.Reservation{}, err
	}
	var ticketTypeID booking.TicketTypeID
	if ticketTypeValue != "" {
		ticketTypeID, err = booking.NewTicketTypeID(ticketTypeValue)
		if err != nil {
			return booking.Reservation{}, err
		}
	}
	return booking.Reservation{
		Reference:     reference,
		Name:          nameValue,
		Email:         emailValue,
		Phone:         phoneValue,
		RequestText:   requestTextValue,
		PaymentMethod: method,
		State:         state,
		PaymentDue:    utcPointer(paymentDue),
		RequestedAt:   requestedAt.UTC(),
		TicketTypeID:  ticketTypeID,
	}, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	normalized := value.UTC()
	return &normalized
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapStoreError(subject, code, err)
}

func isReservationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintReservationPrimary
	}
	return false
}

func isPaymentConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPaymentSource
	}
	return false
}
