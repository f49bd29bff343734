package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/reservations/pkg/booking"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPaymentSource      = "idx_payment_records_source"
	constraintReservationPrimary = "reservations_pkey"
	defaultMetadataJSON          = "{}"
	dialectPostgres              = "postgres"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorSubjectReservation      = "reservation"
	errorSubjectTicketType       = "ticket_type"
	errorSubjectWaitingList      = "waiting_list"
	errorSubjectPayment          = "payment"
	errorCodeCreate              = "create"
	errorCodeDelete              = "delete"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeSum                 = "sum"
	errorCodeUpdate              = "update"
	errorCodeUpsert              = "upsert"
)

// Store implements booking.Store and booking.TicketTypeProvider using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates every table.
func (store *Store) AutoMigrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return booking.WrapStoreError("schema", "migrate", err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateReservation(ctx context.Context, reservation booking.Reservation) error {
	model := reservationModel(reservation)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isReservationConflict(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, booking.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reference booking.Reference) (booking.Reservation, error) {
	var model Reservation
	err := store.locking(store.db.WithContext(ctx)).
		Where("reference = ?", reference.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, booking.ErrUnknownReservation)
		}
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservation(ctx context.Context, reservation booking.Reservation, expected booking.State) error {
	model := reservationModel(reservation)
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reference = ? AND state = ?", model.Reference, expected.String()).
		Updates(map[string]any{
			"name":           model.Name,
			"email":          model.Email,
			"phone":          model.Phone,
			"request_text":   model.RequestText,
			"payment_method": model.PaymentMethod,
			"state":          model.State,
			"payment_due":    model.PaymentDue,
			"ticket_type_id": model.TicketTypeID,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&Reservation{}).Where("reference = ?", model.Reference).Count(&count).Error; err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
	}
	if count == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrUnknownReservation)
	}
	return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrStateChanged)
}

func (store *Store) InsertWaitingListEntry(ctx context.Context, entry booking.WaitingListEntry) error {
	model := WaitingListEntry{
		ReservationRef:   entry.ReservationRef.String(),
		ResourceCategory: entry.ResourceCategory.String(),
		AddedAt:          entry.AddedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectWaitingList, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) DeleteWaitingListEntries(ctx context.Context, reference booking.Reference) error {
	err := store.db.WithContext(ctx).
		Where("reservation_ref = ?", reference.String()).
		Delete(&WaitingListEntry{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectWaitingList, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) ListWaitingListEntries(ctx context.Context, reference booking.Reference) ([]booking.WaitingListEntry, error) {
	var rows []WaitingListEntry
	err := store.db.WithContext(ctx).
		Where("reservation_ref = ?", reference.String()).
		Order("added_at ASC, entry_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWaitingList, errorCodeList, err)
	}
	entries := make([]booking.WaitingListEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapWaitingListEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWaitingList, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) InsertPaymentRecord(ctx context.Context, record booking.PaymentRecord) error {
	recordedAt := record.RecordedAt.UTC()
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	model := PaymentRecord{
		ReservationRef:  record.ReservationRef.String(),
		AmountPence:     record.Amount.Int64(),
		SourceReference: record.SourceReference,
		Metadata:        datatypesJSON(record.Metadata.String()),
		RecordedAt:      recordedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isPaymentConflict(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, booking.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumPayments(ctx context.Context, reference booking.Reference) (booking.AmountPence, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&PaymentRecord{}).
		Select("coalesce(sum(amount_pence),0) as total").
		Where("reservation_ref = ?", reference.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectPayment, errorCodeSum, err)
	}
	return booking.AmountPence(sum.Total), nil
}

// ListPaymentRecords returns every payment of a reservation in recording order.
func (store *Store) ListPaymentRecords(ctx context.Context, reference booking.Reference) ([]booking.PaymentRecord, error) {
	var rows []PaymentRecord
	err := store.db.WithContext(ctx).
		Where("reservation_ref = ?", reference.String()).
		Order("recorded_at ASC, record_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	records := make([]booking.PaymentRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapPaymentRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPayment, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) ListWaitingFor(ctx context.Context, category booking.ResourceCategory) ([]booking.Reservation, error) {
	waiting := store.db.WithContext(ctx).
		Model(&WaitingListEntry{}).
		Select("reservation_ref").
		Where("resource_category = ?", category.String())
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("reference IN (?)", waiting).
		Order("requested_at ASC, reference ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectWaitingList, errorCodeList, err)
	}
	return mapReservations(rows)
}

func (store *Store) ListInResourceCategory(ctx context.Context, category booking.ResourceCategory) ([]booking.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Select("reservations.*").
		Joins("JOIN ticket_types ON ticket_types.ticket_type_id = reservations.ticket_type_id").
		Where("ticket_types.resource_category = ?", category.String()).
		Order("reservations.requested_at ASC, reservations.reference ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return mapReservations(rows)
}

func (store *Store) GetTicketType(ctx context.Context, id booking.TicketTypeID) (booking.TicketType, error) {
	var model TicketType
	err := store.db.WithContext(ctx).Where("ticket_type_id = ?", id.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.TicketType{}, wrapStoreError(errorSubjectTicketType, errorCodeGet, booking.ErrUnknownTicketType)
		}
		return booking.TicketType{}, wrapStoreError(errorSubjectTicketType, errorCodeGet, err)
	}
	ticketType, err := mapTicketType(model)
	if err != nil {
		return booking.TicketType{}, wrapStoreError(errorSubjectTicketType, errorCodeInvalid, err)
	}
	return ticketType, nil
}

// UpsertTicketType creates or replaces a ticket type.
func (store *Store) UpsertTicketType(ctx context.Context, ticketType booking.TicketType) error {
	now := time.Now().UTC()
	model := TicketType{
		TicketTypeID:     ticketType.ID.String(),
		Name:             ticketType.Name,
		PricePence:       ticketType.Price.Int64(),
		ResourceCategory: ticketType.ResourceCategory.String(),
		PaymentMetadata:  datatypesJSON(ticketType.PaymentMetadata.String()),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticket_type_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "price_pence", "resource_category", "payment_metadata", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectTicketType, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) locking(db *gorm.DB) *gorm.DB {
	if store.db.Dialector.Name() != dialectPostgres {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapStoreError(subject, code, err)
}

type sqlSum struct {
	Total int64
}

func reservationModel(reservation booking.Reservation) Reservation {
	var paymentDue *time.Time
	if reservation.PaymentDue != nil {
		value := reservation.PaymentDue.UTC()
		paymentDue = &value
	}
	var ticketTypeID *string
	if !reservation.TicketTypeID.IsZero() {
		value := reservation.TicketTypeID.String()
		ticketTypeID = &value
	}
	return Reservation{
		Reference:     reservation.Reference.String(),
		Name:          reservation.Name,
		Email:         reservation.Email,
		Phone:         reservation.Phone,
		RequestText:   reservation.RequestText,
		PaymentMethod: reservation.PaymentMethod.String(),
		State:         reservation.State.String(),
		PaymentDue:    paymentDue,
		RequestedAt:   reservation.RequestedAt.UTC(),
		TicketTypeID:  ticketTypeID,
	}
}

func mapReservations(rows []Reservation) ([]booking.Reservation, error) {
	reservations := make([]booking.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func mapReservation(row Reservation) (booking.Reservation, error) {
	reference, err := booking.NewReference(row.Reference)
	if err != nil {
		return booking.Reservation{}, err
	}
	method, err := booking.ParsePaymentMethod(row.PaymentMethod)
	if err != nil {
		return booking.Reservation{}, err
	}
	state, err := booking.ParseState(row.State)
	if err != nil {
		return booking.Reservation{}, err
	}
	var ticketTypeID booking.TicketTypeID
	if row.TicketTypeID != nil && *row.TicketTypeID != "" {
		ticketTypeID, err = booking.NewTicketTypeID(*row.TicketTypeID)
		if err != nil {
			return booking.Reservation{}, err
		}
	}
	var paymentDue *time.Time
	if row.PaymentDue != nil {
		value := row.PaymentDue.UTC()
		paymentDue = &value
	}
	return booking.Reservation{
		Reference:     reference,
		Name:          row.Name,
		Email:         row.Email,
		Phone:         row.Phone,
		RequestText:   row.RequestText,
		PaymentMethod: method,
		State:         state,
		PaymentDue:    paymentDue,
		RequestedAt:   row.RequestedAt.UTC(),
		TicketTypeID:  ticketTypeID,
	}, nil
}

func mapWaitingListEntry(row WaitingListEntry) (booking.WaitingListEntry, error) {
	reference, err := booking.NewReference(row.ReservationRef)
	if err != nil {
		return booking.WaitingListEntry{}, err
	}
	category, err := booking.NewResourceCategory(row.ResourceCategory)
	if err != nil {
		return booking.WaitingListEntry{}, err
	}
	return booking.WaitingListEntry{
		ReservationRef:   reference,
		ResourceCategory: category,
		AddedAt:          row.AddedAt.UTC(),
	}, nil
}

func mapPaymentRecord(row PaymentRecord) (booking.PaymentRecord, error) {
	reference, err := booking.NewReference(row.ReservationRef)
	if err != nil {
		return booking.PaymentRecord{}, err
	}
	metadata, err := booking.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return booking.PaymentRecord{}, err
	}
	return booking.PaymentRecord{
		ReservationRef:  reference,
		Amount:          booking.AmountPence(row.AmountPence),
		SourceReference: row.SourceReference,
		Metadata:        metadata,
		RecordedAt:      row.RecordedAt.UTC(),
	}, nil
}

func mapTicketType(row TicketType) (booking.TicketType, error) {
	id, err := booking.NewTicketTypeID(row.TicketTypeID)
	if err != nil {
		return booking.TicketType{}, err
	}
	price, err := booking.NewPrice(row.PricePence)
	if err != nil {
		return booking.TicketType{}, err
	}
	category, err := booking.NewResourceCategory(row.ResourceCategory)
	if err != nil {
		return booking.TicketType{}, err
	}
	metadata, err := booking.NewMetadataJSON(string(row.PaymentMetadata))
	if err != nil {
		return booking.TicketType{}, err
	}
	return booking.TicketType{
		ID:               id,
		Name:             row.Name,
		Price:            price,
		ResourceCategory: category,
		PaymentMetadata:  metadata,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isReservationConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintReservationPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// isPaymentConflict reports a second record for the same source reference.
// Record ids are generated, so on SQLite any constraint failure here is that index.
func isPaymentConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPaymentSource
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
