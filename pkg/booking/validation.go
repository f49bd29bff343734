package booking

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var fieldValidator = validator.New(validator.WithRequiredStructEnabled())

var fieldNames = map[string]string{
	"Name":          "name",
	"Email":         "email",
	"Phone":         "phone",
	"RequestText":   "request_text",
	"PaymentMethod": "payment_method",
	"TicketTypeID":  "ticket_type",
}

// Validate checks every precondition on the fields and returns all violations.
func (fields ReservationFields) Validate() []FieldViolation {
	normalized := fields.normalized()
	err := fieldValidator.Struct(normalized)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []FieldViolation{{Field: "reservation", Reason: err.Error()}}
	}
	violations := make([]FieldViolation, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		violations = append(violations, FieldViolation{
			Field:  fieldName(fieldError.StructField()),
			Reason: violationReason(fieldError.Tag()),
		})
	}
	return violations
}

func (fields ReservationFields) normalized() ReservationFields {
	return ReservationFields{
		Name:          strings.TrimSpace(fields.Name),
		Email:         strings.TrimSpace(fields.Email),
		Phone:         strings.TrimSpace(fields.Phone),
		RequestText:   strings.TrimSpace(fields.RequestText),
		PaymentMethod: strings.TrimSpace(fields.PaymentMethod),
		TicketTypeID:  strings.TrimSpace(fields.TicketTypeID),
	}
}

func fieldName(structField string) string {
	if name, ok := fieldNames[structField]; ok {
		return name
	}
	return strings.ToLower(structField)
}

func violationReason(tag string) string {
	switch tag {
	case "required":
		return "can't be blank"
	case "email":
		return "is not a valid email address"
	case "oneof":
		return "is not included in the list"
	}
	return "is invalid"
}
