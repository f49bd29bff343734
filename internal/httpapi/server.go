package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/reservations/pkg/booking"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	paramReference = "reference"
	paramCategory  = "category"
	timeLayout     = time.RFC3339
)

// ReservationService is the booking surface exposed over HTTP.
type ReservationService interface {
	PlaceReservation(ctx context.Context, fields booking.ReservationFields) (booking.Reservation, error)
	GetReservation(ctx context.Context, reference booking.Reference) (booking.Reservation, error)
	Reserve(ctx context.Context, reference booking.Reference) (booking.Reservation, error)
	Cancel(ctx context.Context, reference booking.Reference) (booking.Reservation, error)
	ConfirmPaymentCleared(ctx context.Context, reference booking.Reference) (booking.Reservation, error)
	AddToWaitingList(ctx context.Context, reference booking.Reference, category booking.ResourceCategory) (booking.Reservation, error)
	RecordPayment(ctx context.Context, reference booking.Reference, report booking.PaymentReport) (booking.Reservation, error)
	Balance(ctx context.Context, reference booking.Reference) (booking.Balance, error)
	WaitingFor(ctx context.Context, category booking.ResourceCategory) ([]booking.Reservation, error)
	InResourceCategory(ctx context.Context, category booking.ResourceCategory) ([]booking.Reservation, error)
	ResourceCategoryOf(ctx context.Context, reservation booking.Reservation) (booking.ResourceCategory, bool, error)
}

// Run serves the HTTP API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service ReservationService, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := NewHandler(cfg, service, logger)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: NewRouter(cfg, handler),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("reservations api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires every route onto a gin engine.
func NewRouter(cfg Config, handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/reservations", handler.handlePlace)
	api.GET("/reservations/:reference", handler.handleGet)
	api.POST("/reservations/:reference/reserve", handler.handleReserve)
	api.POST("/reservations/:reference/cancel", handler.handleCancel)
	api.POST("/reservations/:reference/payment-cleared", handler.handlePaymentCleared)
	api.POST("/reservations/:reference/waiting-list", handler.handleWaitingList)
	api.POST("/reservations/:reference/payments", handler.handlePayment)
	api.GET("/reservations/:reference/balance", handler.handleBalance)
	api.GET("/categories/:category/waiting", handler.handleWaitingFor)
	api.GET("/categories/:category/reservations", handler.handleInCategory)

	return router
}

// Handler serves reservation requests.
type Handler struct {
	logger  *zap.Logger
	service ReservationService
	cfg     Config
}

// NewHandler builds a Handler; cfg is expected to be validated.
func NewHandler(cfg Config, service ReservationService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, service: service, cfg: cfg}
}

func (handler *Handler) handlePlace(ctx *gin.Context) {
	var request placeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	placed, err := handler.service.PlaceReservation(requestCtx, booking.ReservationFields{
		Name:          request.Name,
		Email:         request.Email,
		Phone:         request.Phone,
		RequestText:   request.RequestText,
		PaymentMethod: request.PaymentMethod,
		TicketTypeID:  request.TicketTypeID,
	})
	if err != nil {
		handler.respondError(ctx, "place", err)
		return
	}
	decided, err := handler.applyCapacity(requestCtx, placed)
	if err != nil {
		// The reservation is stored in state new; the caller needs its reference to retry.
		status, body := errorStatus(err)
		body["reference"] = placed.Reference.String()
		handler.writeError(ctx, "capacity", err, status, body)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"reservation": newReservationPayload(decided)})
}

// applyCapacity reserves the placed reservation unless its category is full, in which
// case it joins the category's waiting list. Reading the count and acting on it are not
// atomic, so concurrent placements can overshoot the capacity.
func (handler *Handler) applyCapacity(ctx context.Context, placed booking.Reservation) (booking.Reservation, error) {
	category, found, err := handler.service.ResourceCategoryOf(ctx, placed)
	if err != nil {
		return booking.Reservation{}, err
	}
	if !found {
		return handler.service.Reserve(ctx, placed.Reference)
	}
	capacity, limited := handler.cfg.Capacity(category.String())
	if !limited {
		return handler.service.Reserve(ctx, placed.Reference)
	}
	members, err := handler.service.InResourceCategory(ctx, category)
	if err != nil {
		return booking.Reservation{}, err
	}
	holding := 0
	for _, member := range members {
		if member.State.Holding() {
			holding++
		}
	}
	if holding >= capacity {
		return handler.service.AddToWaitingList(ctx, placed.Reference, category)
	}
	return handler.service.Reserve(ctx, placed.Reference)
}

func (handler *Handler) handleGet(ctx *gin.Context) {
	reference, ok := handler.reference(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.GetReservation(requestCtx, reference)
	if err != nil {
		handler.respondError(ctx, "get", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *Handler) handleReserve(ctx *gin.Context) {
	handler.fireEvent(ctx, "reserve", handler.service.Reserve)
}

func (handler *Handler) handleCancel(ctx *gin.Context) {
	handler.fireEvent(ctx, "cancel", handler.service.Cancel)
}

func (handler *Handler) handlePaymentCleared(ctx *gin.Context) {
	handler.fireEvent(ctx, "payment_cleared", handler.service.ConfirmPaymentCleared)
}

func (handler *Handler) fireEvent(ctx *gin.Context, action string, fire func(context.Context, booking.Reference) (booking.Reservation, error)) {
	reference, ok := handler.reference(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := fire(requestCtx, reference)
	if err != nil {
		handler.respondError(ctx, action, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *Handler) handleWaitingList(ctx *gin.Context) {
	reference, ok := handler.reference(ctx)
	if !ok {
		return
	}
	var request waitingListRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	category, err := booking.NewResourceCategory(request.ResourceCategory)
	if err != nil {
		handler.respondError(ctx, "waiting_list", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.AddToWaitingList(requestCtx, reference, category)
	if err != nil {
		handler.respondError(ctx, "waiting_list", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *Handler) handlePayment(ctx *gin.Context) {
	reference, ok := handler.reference(ctx)
	if !ok {
		return
	}
	var request paymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	outcome, err := booking.ParsePaymentOutcome(request.Outcome)
	if err != nil {
		handler.respondError(ctx, "payment", err)
		return
	}
	metadata, err := booking.NewMetadataJSON(string(request.Metadata))
	if err != nil {
		handler.respondError(ctx, "payment", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.service.RecordPayment(requestCtx, reference, booking.PaymentReport{
		Amount:          booking.AmountPence(request.AmountPence),
		SourceReference: request.SourceReference,
		Metadata:        metadata,
		Outcome:         outcome,
	})
	if err != nil {
		handler.respondError(ctx, "payment", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"reservation": newReservationPayload(reservation)})
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	reference, ok := handler.reference(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.Balance(requestCtx, reference)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	payload := balancePayload{TotalPaidPence: balance.TotalPaid.Int64()}
	if balance.HasTicketType {
		price := balance.Price.Int64()
		outstanding := balance.Outstanding.Int64()
		payload.PricePence = &price
		payload.OutstandingPence = &outstanding
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": payload})
}

func (handler *Handler) handleWaitingFor(ctx *gin.Context) {
	handler.listCategory(ctx, "waiting_for", func(requestCtx context.Context, category booking.ResourceCategory) ([]booking.Reservation, error) {
		reservations, err := handler.service.WaitingFor(requestCtx, category)
		if err != nil {
			return nil, err
		}
		return booking.SortByRequestedAt(reservations), nil
	})
}

func (handler *Handler) handleInCategory(ctx *gin.Context) {
	handler.listCategory(ctx, "in_category", handler.service.InResourceCategory)
}

func (handler *Handler) listCategory(ctx *gin.Context, action string, list func(context.Context, booking.ResourceCategory) ([]booking.Reservation, error)) {
	category, err := booking.NewResourceCategory(ctx.Param(paramCategory))
	if err != nil {
		handler.respondError(ctx, action, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservations, err := list(requestCtx, category)
	if err != nil {
		handler.respondError(ctx, action, err)
		return
	}
	payloads := make([]reservationPayload, 0, len(reservations))
	for _, reservation := range reservations {
		payloads = append(payloads, newReservationPayload(reservation))
	}
	ctx.JSON(http.StatusOK, gin.H{"resource_category": category.String(), "reservations": payloads})
}

func (handler *Handler) reference(ctx *gin.Context) (booking.Reference, bool) {
	reference, err := booking.NewReference(ctx.Param(paramReference))
	if err != nil {
		handler.respondError(ctx, "reference", err)
		return booking.Reference{}, false
	}
	return reference, true
}

func (handler *Handler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *Handler) respondError(ctx *gin.Context, action string, err error) {
	status, body := errorStatus(err)
	handler.writeError(ctx, action, err, status, body)
}

func (handler *Handler) writeError(ctx *gin.Context, action string, err error, status int, body gin.H) {
	if status >= http.StatusInternalServerError {
		handler.logger.Error("reservation request failed", zap.String("action", action), zap.Error(err))
	}
	ctx.JSON(status, body)
}

func errorStatus(err error) (int, gin.H) {
	var validationError booking.ValidationError
	if errors.As(err, &validationError) {
		body := errorResponse("validation_failed", validationError.Error())
		violations := make([]gin.H, 0, len(validationError.Violations))
		for _, violation := range validationError.Violations {
			violations = append(violations, gin.H{"field": violation.Field, "reason": violation.Reason})
		}
		body["error"].(gin.H)["fields"] = violations
		return http.StatusUnprocessableEntity, body
	}
	var transitionError booking.TransitionError
	if errors.As(err, &transitionError) {
		return http.StatusConflict, errorResponse("invalid_transition", transitionError.Error())
	}
	switch {
	case errors.Is(err, booking.ErrUnknownReservation):
		return http.StatusNotFound, errorResponse("not_found", "reservation not found")
	case errors.Is(err, booking.ErrUnknownTicketType):
		return http.StatusNotFound, errorResponse("not_found", "ticket type not found")
	case errors.Is(err, booking.ErrReservationExists):
		return http.StatusConflict, errorResponse("reservation_exists", "reservation already exists")
	case errors.Is(err, booking.ErrDuplicatePayment):
		return http.StatusConflict, errorResponse("duplicate_payment", "payment already recorded for this source reference")
	case errors.Is(err, booking.ErrInvalidReference),
		errors.Is(err, booking.ErrInvalidResourceCategory),
		errors.Is(err, booking.ErrInvalidAmountPence),
		errors.Is(err, booking.ErrInvalidPaymentOutcome),
		errors.Is(err, booking.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, errorResponse("invalid_request", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse("timeout", "request timed out")
	case errors.Is(err, booking.ErrPersistence):
		return http.StatusBadGateway, errorResponse("store_error", "storage unavailable")
	}
	return http.StatusInternalServerError, errorResponse("internal_error", "unexpected error")
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type placeRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	RequestText   string `json:"request_text"`
	PaymentMethod string `json:"payment_method"`
	TicketTypeID  string `json:"ticket_type"`
}

type waitingListRequest struct {
	ResourceCategory string `json:"resource_category"`
}

type paymentRequest struct {
	AmountPence     int64           `json:"amount_pence"`
	SourceReference string          `json:"source_reference"`
	Outcome         string          `json:"outcome"`
	Metadata        json.RawMessage `json:"metadata"`
}

type reservationPayload struct {
	Reference     string  `json:"reference"`
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	Phone         string  `json:"phone"`
	RequestText   string  `json:"request_text"`
	PaymentMethod string  `json:"payment_method"`
	State         string  `json:"state"`
	PaymentDue    *string `json:"payment_due"`
	RequestedAt   string  `json:"requested_at"`
	TicketTypeID  string  `json:"ticket_type,omitempty"`
}

type balancePayload struct {
	PricePence       *int64 `json:"price_pence"`
	TotalPaidPence   int64  `json:"total_paid_pence"`
	OutstandingPence *int64 `json:"outstanding_pence"`
}

func newReservationPayload(reservation booking.Reservation) reservationPayload {
	var paymentDue *string
	if reservation.PaymentDue != nil {
		formatted := reservation.PaymentDue.UTC().Format(timeLayout)
		paymentDue = &formatted
	}
	return reservationPayload{
		Reference:     reservation.Reference.String(),
		Name:          reservation.Name,
		Email:         reservation.Email,
		Phone:         reservation.Phone,
		RequestText:   reservation.RequestText,
		PaymentMethod: reservation.PaymentMethod.String(),
		State:         reservation.State.String(),
		PaymentDue:    paymentDue,
		RequestedAt:   reservation.RequestedAt.UTC().Format(timeLayout),
		TicketTypeID:  reservation.TicketTypeID.String(),
	}
}
