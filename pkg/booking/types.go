package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AmountPence is an integer currency amount in the smallest unit.
type AmountPence int64

// Int64 exposes the raw value.
func (amount AmountPence) Int64() int64 {
	return int64(amount)
}

// NewPaymentAmount validates a payment amount and ensures it is strictly positive.
func NewPaymentAmount(raw int64) (AmountPence, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountPence)
	}
	return AmountPence(raw), nil
}

// NewPrice validates a ticket price (zero is allowed for free tickets).
func NewPrice(raw int64) (AmountPence, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: price must not be negative", ErrInvalidAmountPence)
	}
	return AmountPence(raw), nil
}

// Reference is the opaque, externally lookupable reservation identifier.
type Reference struct {
	value string
}

// NewReference validates and normalizes a reservation reference.
func NewReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return Reference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference Reference) String() string {
	return reference.value
}

// IsZero reports whether the reference is unset.
func (reference Reference) IsZero() bool {
	return reference.value == ""
}

// TicketTypeID identifies a ticket type.
type TicketTypeID struct {
	value string
}

// NewTicketTypeID validates and normalizes a ticket type id.
func NewTicketTypeID(raw string) (TicketTypeID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TicketTypeID{}, fmt.Errorf("%w: empty value", ErrInvalidTicketTypeID)
	}
	return TicketTypeID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TicketTypeID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id TicketTypeID) IsZero() bool {
	return id.value == ""
}

// ResourceCategory groups ticket types competing for the same capacity.
type ResourceCategory struct {
	value string
}

// NewResourceCategory validates and normalizes a resource category.
func NewResourceCategory(raw string) (ResourceCategory, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ResourceCategory{}, fmt.Errorf("%w: empty value", ErrInvalidResourceCategory)
	}
	return ResourceCategory{value: trimmed}, nil
}

// String returns the normalized category.
func (category ResourceCategory) String() string {
	return category.value
}

// MetadataJSON stores arbitrary JSON attached to payments and ticket types.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// PaymentMethod is how the customer intends to pay.
type PaymentMethod string

const (
	PaymentMethodPaypal     PaymentMethod = "paypal"
	PaymentMethodGoCardless PaymentMethod = "gocardless"
	PaymentMethodCheque     PaymentMethod = "cheque"
)

// PaymentMethods lists every recognized payment method.
func PaymentMethods() []PaymentMethod {
	return []PaymentMethod{PaymentMethodPaypal, PaymentMethodGoCardless, PaymentMethodCheque}
}

// ParsePaymentMethod validates a raw payment method.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	method := PaymentMethod(strings.TrimSpace(raw))
	for _, known := range PaymentMethods() {
		if method == known {
			return method, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, raw)
}

// String returns the stored representation.
func (method PaymentMethod) String() string {
	return string(method)
}

// State is the reservation lifecycle state.
type State string

const (
	StateNew              State = "new"
	StateReserved         State = "reserved"
	StateWaitingList      State = "waiting_list"
	StatePaid             State = "paid"
	StatePaymentCleared   State = "payment_cleared"
	StatePaymentOnArrival State = "payment_on_arrival"
	StateCancelled        State = "cancelled"
)

// ParseState validates a stored state value.
func ParseState(raw string) (State, error) {
	state := State(strings.TrimSpace(raw))
	switch state {
	case StateNew, StateReserved, StateWaitingList, StatePaid, StatePaymentCleared, StatePaymentOnArrival, StateCancelled:
		return state, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
}

// String returns the stored representation.
func (state State) String() string {
	return string(state)
}

// Holding reports whether the state counts against category capacity.
func (state State) Holding() bool {
	switch state {
	case StateReserved, StatePaid, StatePaymentCleared, StatePaymentOnArrival:
		return true
	}
	return false
}

// TicketType is the read-only price and capacity grouping for a reservation.
type TicketType struct {
	ID               TicketTypeID
	Name             string
	Price            AmountPence
	ResourceCategory ResourceCategory
	PaymentMetadata  MetadataJSON
}

// Reservation is a stored booking.
type Reservation struct {
	Reference     Reference
	Name          string
	Email         string
	Phone         string
	RequestText   string
	PaymentMethod PaymentMethod
	State         State
	PaymentDue    *time.Time
	RequestedAt   time.Time
	TicketTypeID  TicketTypeID
}

// WaitingListEntry is a queued claim on a resource category.
type WaitingListEntry struct {
	ReservationRef   Reference
	ResourceCategory ResourceCategory
	AddedAt          time.Time
}

// PaymentRecord is an immutable payment line owned by a reservation.
type PaymentRecord struct {
	ReservationRef  Reference
	Amount          AmountPence
	SourceReference string
	Metadata        MetadataJSON
	RecordedAt      time.Time
}

// ReservationFields carries caller input for placing a reservation.
type ReservationFields struct {
	Name          string `validate:"required"`
	Email         string `validate:"required,email"`
	Phone         string `validate:"required"`
	RequestText   string `validate:"required"`
	PaymentMethod string `validate:"required,oneof=paypal gocardless cheque"`
	TicketTypeID  string `validate:"required"`
}

// Store is the persistence contract used by Service.
// Reads performed through a transaction store lock the reservation row.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reference Reference) (Reservation, error)
	UpdateReservation(ctx context.Context, reservation Reservation, expected State) error
	InsertWaitingListEntry(ctx context.Context, entry WaitingListEntry) error
	DeleteWaitingListEntries(ctx context.Context, reference Reference) error
	ListWaitingListEntries(ctx context.Context, reference Reference) ([]WaitingListEntry, error)
	InsertPaymentRecord(ctx context.Context, record PaymentRecord) error
	SumPayments(ctx context.Context, reference Reference) (AmountPence, error)
	ListWaitingFor(ctx context.Context, category ResourceCategory) ([]Reservation, error)
	ListInResourceCategory(ctx context.Context, category ResourceCategory) ([]Reservation, error)
}

// TicketTypeProvider gives read-only access to ticket types.
type TicketTypeProvider interface {
	GetTicketType(ctx context.Context, id TicketTypeID) (TicketType, error)
}
