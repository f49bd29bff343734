package booking

import "time"

const (
	operationPlace            = "place"
	operationReserve          = "reserve"
	operationCancel           = "cancel"
	operationPaymentCleared   = "payment_cleared"
	operationAddToWaitingList = "add_to_waiting_list"
	operationRecordPayment    = "record_payment"
	operationStore            = "store"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	chequePaymentWindow  = 14 * 24 * time.Hour
	defaultPaymentWindow = 7 * 24 * time.Hour
)
