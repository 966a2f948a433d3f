package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/rental/pkg/booking"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Run boots the booking HTTP API and blocks until ctx is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config, service *booking.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	router := NewRouter(cfg, service, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("booking api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

// NewRouter wires the gin engine for the booking API.
func NewRouter(cfg Config, service *booking.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	api := router.Group("/api")
	api.GET("/availability", handler.handleAvailability)
	api.POST("/checkout", handler.handleCheckout)
	api.GET("/reservations/:id", handler.handleGetReservation)
	api.GET("/reservations/code/:code", handler.handleGetReservationByCode)
	api.POST("/reservations/:id/confirm", handler.handleConfirm)
	api.PATCH("/reservations/:id/status", handler.handleChangeStatus)
	api.POST("/reservations/:id/damage", handler.handleDamage)

	admin := api.Group("/admin")
	admin.PUT("/products", handler.handlePutProduct)
	admin.PUT("/inventory", handler.handlePutInventory)
	admin.GET("/inventory", handler.handleGetInventory)
	admin.PUT("/discount-codes", handler.handlePutDiscountCode)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *booking.Service
	cfg     Config
}

func (handler *httpHandler) handleAvailability(ctx *gin.Context) {
	hotelID, err := booking.NewHotelID(ctx.Query("hotel_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_hotel_id", "hotel_id is required"))
		return
	}
	productID, err := booking.NewProductID(ctx.Query("product_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_product_id", "product_id is required"))
		return
	}
	window, err := parseWindow(ctx.Query("start"), ctx.Query("end"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_window", "start and end must be RFC3339 with start < end"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	availability, err := handler.service.CheckAvailability(requestCtx, hotelID, productID, window)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"available":          availability.Available,
		"total_quantity":     availability.TotalQuantity.Int(),
		"available_quantity": availability.AvailableQuantity.Int(),
		"alternatives":       windowPayloads(availability.Alternatives),
	})
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userEmail, err := booking.NewEmailAddress(request.UserEmail)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_email", "user_email must be a valid address"))
		return
	}
	productID, err := booking.NewProductID(request.ProductID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_product_id", "product_id is required"))
		return
	}
	pickupHotelID, err := booking.NewHotelID(request.PickupHotelID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_hotel_id", "pickup_hotel_id is required"))
		return
	}
	dropHotelValue := request.DropHotelID
	if dropHotelValue == "" {
		dropHotelValue = request.PickupHotelID
	}
	dropHotelID, err := booking.NewHotelID(dropHotelValue)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_hotel_id", "drop_hotel_id is invalid"))
		return
	}
	window, err := parseWindow(request.Start, request.End)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_window", "start and end must be RFC3339 with start < end"))
		return
	}
	metadata, err := booking.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	result, err := handler.service.Checkout(requestCtx, booking.CheckoutRequest{
		UserEmail:     userEmail,
		ProductID:     productID,
		PickupHotelID: pickupHotelID,
		DropHotelID:   dropHotelID,
		Window:        window,
		DiscountCode:  request.DiscountCode,
		Metadata:      metadata,
	})
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"reservation_id":      result.ReservationID.String(),
		"code":                result.Code.String(),
		"payment_intent_ref":  result.PaymentIntentRef,
		"client_secret":       result.ClientSecret,
		"setup_intent_ref":    result.SetupIntentRef,
		"setup_intent_secret": result.SetupIntentSecret,
	})
}

func (handler *httpHandler) handleConfirm(ctx *gin.Context) {
	reservationID, err := booking.NewReservationID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reservation_id", "reservation id is required"))
		return
	}
	var request confirmRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	reservation, err := handler.service.Confirm(requestCtx, reservationID, request.PaymentIntentRef, request.SetupIntentRef)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, reservationPayload(reservation))
}

func (handler *httpHandler) handleGetReservation(ctx *gin.Context) {
	reservationID, err := booking.NewReservationID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reservation_id", "reservation id is required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	reservation, err := handler.service.GetReservation(requestCtx, reservationID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, reservationPayload(reservation))
}

func (handler *httpHandler) handleGetReservationByCode(ctx *gin.Context) {
	code, err := booking.NewReservationCode(ctx.Param("code"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_code", "reservation code is required"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	reservation, err := handler.service.GetReservationByCode(requestCtx, code)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, reservationPayload(reservation))
}

func (handler *httpHandler) handleChangeStatus(ctx *gin.Context) {
	reservationID, err := booking.NewReservationID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reservation_id", "reservation id is required"))
		return
	}
	var request statusRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	toStatus, err := booking.ParseReservationStatus(request.Status)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_status", "unknown reservation status"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	reservation, err := handler.service.ChangeStatus(requestCtx, reservationID, toStatus)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, reservationPayload(reservation))
}

func (handler *httpHandler) handleDamage(ctx *gin.Context) {
	reservationID, err := booking.NewReservationID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reservation_id", "reservation id is required"))
		return
	}
	var request damageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	feeCents, err := booking.NewAmountCents(request.FeeCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_fee", "fee_cents must be non-negative"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	reservation, err := handler.service.ReportDamage(requestCtx, reservationID, feeCents)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, reservationPayload(reservation))
}

func (handler *httpHandler) handlePutProduct(ctx *gin.Context) {
	var request productRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	productID, err := booking.NewProductID(request.ProductID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_product_id", "product_id is required"))
		return
	}
	hourly, err := booking.NewAmountCents(request.HourlyPriceCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "hourly_price_cents must be non-negative"))
		return
	}
	daily, err := booking.NewAmountCents(request.DailyPriceCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "daily_price_cents must be non-negative"))
		return
	}
	deposit, err := booking.NewAmountCents(request.DepositCents)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "deposit_cents must be non-negative"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	err = handler.service.SetProduct(requestCtx, booking.Product{
		ProductID:        productID,
		Name:             request.Name,
		HourlyPriceCents: hourly,
		DailyPriceCents:  daily,
		DepositCents:     deposit,
	})
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handlePutInventory(ctx *gin.Context) {
	var request inventoryRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	hotelID, err := booking.NewHotelID(request.HotelID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_hotel_id", "hotel_id is required"))
		return
	}
	productID, err := booking.NewProductID(request.ProductID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_product_id", "product_id is required"))
		return
	}
	quantity, err := booking.NewQuantity(request.Quantity)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_quantity", "quantity must be non-negative"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	err = handler.service.SetInventory(requestCtx, booking.InventoryItem{
		HotelID:   hotelID,
		ProductID: productID,
		Quantity:  quantity,
		Active:    request.Active,
	})
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) handleGetInventory(ctx *gin.Context) {
	hotelID, err := booking.NewHotelID(ctx.Query("hotel_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_hotel_id", "hotel_id is required"))
		return
	}
	productID, err := booking.NewProductID(ctx.Query("product_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_product_id", "product_id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	item, err := handler.service.GetInventory(requestCtx, hotelID, productID)
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"hotel_id":   item.HotelID.String(),
		"product_id": item.ProductID.String(),
		"quantity":   item.Quantity.Int(),
		"active":     item.Active,
	})
}

func (handler *httpHandler) handlePutDiscountCode(ctx *gin.Context) {
	var request discountCodeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	hotelID, err := booking.NewHotelID(request.HotelID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_hotel_id", "hotel_id is required"))
		return
	}
	kind, err := booking.ParseRevenueShare(request.Kind)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_kind", "kind must be a revenue share value"))
		return
	}
	if request.Code == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_code", "code is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	err = handler.service.SetDiscountCode(requestCtx, booking.DiscountCode{
		Code:    request.Code,
		HotelID: hotelID,
		Kind:    kind,
		Active:  request.Active,
	})
	if err != nil {
		handler.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) respondServiceError(ctx *gin.Context, err error) {
	var unavailableError *booking.UnavailableError
	if errors.As(err, &unavailableError) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":    "insufficient_inventory",
				"message": "no units available for the requested window",
			},
			"alternatives": windowPayloads(unavailableError.Alternatives),
		})
		return
	}
	var transitionError *booking.TransitionError
	if errors.As(err, &transitionError) {
		ctx.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":    "invalid_transition",
				"message": "transition not allowed",
				"from":    transitionError.From.String(),
				"to":      transitionError.To.String(),
			},
		})
		return
	}
	switch {
	case errors.Is(err, booking.ErrUnknownProduct),
		errors.Is(err, booking.ErrUnknownReservation),
		errors.Is(err, booking.ErrUnknownInventory),
		errors.Is(err, booking.ErrUnknownDiscountCode):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, booking.ErrInsufficientInventory),
		errors.Is(err, booking.ErrStatusConflict),
		errors.Is(err, booking.ErrPaymentRefMismatch),
		errors.Is(err, booking.ErrPaymentNotReady):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", err.Error()))
	case errors.Is(err, booking.ErrDamageFeeRequired),
		errors.Is(err, booking.ErrDamageFeeExceedsDeposit):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_fee", err.Error()))
	case isValidationError(err):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, booking.ErrUpstreamPayment):
		handler.logger.Error("payment authorization failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("payment_error", "payment authorization failed"))
	default:
		handler.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
	}
}

func isValidationError(err error) bool {
	validationSentinels := []error{
		booking.ErrInvalidHotelID,
		booking.ErrInvalidProductID,
		booking.ErrInvalidReservationID,
		booking.ErrInvalidReservationCode,
		booking.ErrInvalidEmailAddress,
		booking.ErrInvalidAmountCents,
		booking.ErrInvalidQuantity,
		booking.ErrInvalidTimeWindow,
		booking.ErrInvalidReservationStatus,
		booking.ErrInvalidPricingType,
		booking.ErrInvalidRevenueShare,
		booking.ErrInvalidMetadataJSON,
	}
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func parseWindow(startRaw string, endRaw string) (booking.TimeWindow, error) {
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return booking.TimeWindow{}, err
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return booking.TimeWindow{}, err
	}
	return booking.NewTimeWindow(start, end)
}

func windowPayloads(windows []booking.TimeWindow) []gin.H {
	payloads := make([]gin.H, 0, len(windows))
	for _, window := range windows {
		payloads = append(payloads, gin.H{
			"start": window.Start().Format(time.RFC3339),
			"end":   window.End().Format(time.RFC3339),
		})
	}
	return payloads
}

func reservationPayload(reservation booking.Reservation) gin.H {
	return gin.H{
		"reservation_id":   reservation.ID.String(),
		"code":             reservation.Code.String(),
		"product_id":       reservation.ProductID.String(),
		"pickup_hotel_id":  reservation.PickupHotelID.String(),
		"drop_hotel_id":    reservation.DropHotelID.String(),
		"user_email":       reservation.UserEmail.String(),
		"start":            reservation.Window.Start().Format(time.RFC3339),
		"end":              reservation.Window.End().Format(time.RFC3339),
		"status":           reservation.Status.String(),
		"display_status":   booking.DisplayStatusFor(reservation.Status).String(),
		"price_cents":      reservation.PriceCents.Int64(),
		"deposit_cents":    reservation.DepositCents.Int64(),
		"pricing_type":     reservation.PricingType.String(),
		"revenue_share":    reservation.RevenueShare.String(),
		"discount_code":    reservation.DiscountCode,
		"damage_fee_cents": reservation.DamageFeeCents.Int64(),
		"metadata":         json.RawMessage(reservation.Metadata.String()),
		"created_unix_utc": reservation.CreatedUnixUTC,
	}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type checkoutRequest struct {
	UserEmail     string         `json:"user_email"`
	ProductID     string         `json:"product_id"`
	PickupHotelID string         `json:"pickup_hotel_id"`
	DropHotelID   string         `json:"drop_hotel_id"`
	Start         string         `json:"start"`
	End           string         `json:"end"`
	DiscountCode  string         `json:"discount_code"`
	Metadata      map[string]any `json:"metadata"`
}

type confirmRequest struct {
	PaymentIntentRef string `json:"payment_intent_ref"`
	SetupIntentRef   string `json:"setup_intent_ref"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type damageRequest struct {
	FeeCents int64 `json:"fee_cents"`
}

type productRequest struct {
	ProductID        string `json:"product_id"`
	Name             string `json:"name"`
	HourlyPriceCents int64  `json:"hourly_price_cents"`
	DailyPriceCents  int64  `json:"daily_price_cents"`
	DepositCents     int64  `json:"deposit_cents"`
}

type inventoryRequest struct {
	HotelID   string `json:"hotel_id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Active    bool   `json:"active"`
}

type discountCodeRequest struct {
	Code    string `json:"code"`
	HotelID string `json:"hotel_id"`
	Kind    string `json:"kind"`
	Active  bool   `json:"active"`
}
