package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TicketType represents the ticket_types table.
type TicketType struct {
	TicketTypeID     string         `gorm:"primaryKey"`
	Name             string         `gorm:"not null"`
	PricePence       int64          `gorm:"not null"`
	ResourceCategory string         `gorm:"not null;index:idx_ticket_types_category"`
	PaymentMetadata  datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

func (TicketType) TableName() string { return "ticket_types" }

// Reservation mirrors the reservations table.
type Reservation struct {
	Reference     string     `gorm:"primaryKey"`
	Name          string     `gorm:"not null"`
	Email         string     `gorm:"not null"`
	Phone         string     `gorm:"not null"`
	RequestText   string     `gorm:"not null"`
	PaymentMethod string     `gorm:"not null"`
	State         string     `gorm:"not null;index:idx_reservations_state"`
	PaymentDue    *time.Time `gorm:""`
	RequestedAt   time.Time  `gorm:"not null"`
	TicketTypeID  *string    `gorm:"index:idx_reservations_ticket_type"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// WaitingListEntry mirrors the waiting_list_entries table.
type WaitingListEntry struct {
	EntryID          string    `gorm:"primaryKey"`
	ReservationRef   string    `gorm:"not null;index:idx_waiting_list_reservation"`
	ResourceCategory string    `gorm:"not null;index:idx_waiting_list_category_added,priority:1"`
	AddedAt          time.Time `gorm:"not null;index:idx_waiting_list_category_added,priority:2"`
}

func (WaitingListEntry) TableName() string { return "waiting_list_entries" }

func (entry *WaitingListEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// PaymentRecord mirrors the payment_records table. Rows are never updated.
type PaymentRecord struct {
	RecordID        string         `gorm:"primaryKey"`
	ReservationRef  string         `gorm:"not null;index:idx_payment_records_reservation;uniqueIndex:idx_payment_records_source,where:source_reference <> ''"`
	AmountPence     int64          `gorm:"not null"`
	SourceReference string         `gorm:"not null;uniqueIndex:idx_payment_records_source,where:source_reference <> ''"`
	Metadata        datatypes.JSON `gorm:"not null"`
	RecordedAt      time.Time      `gorm:"not null"`
}

func (PaymentRecord) TableName() string { return "payment_records" }

func (record *PaymentRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&TicketType{}, &Reservation{}, &WaitingListEntry{}, &PaymentRecord{}}
}
