package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/rental/pkg/booking"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	postgresDialectName   = "postgres"

	errorOperationStore     = "store"
	errorSubjectProduct     = "product"
	errorSubjectInventory   = "inventory"
	errorSubjectDiscount    = "discount"
	errorSubjectReservation = "reservation"
	errorSubjectOverlap     = "overlap"
	errorCodeCount          = "count"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"
)

// Store implements booking.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by the provided gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema for all booking tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Product{}, &InventoryItem{}, &DiscountCode{}, &Reservation{})
}

// WithTx executes fn within a database transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) UpsertProduct(ctx context.Context, product booking.Product) error {
	model := Product{
		ProductID:        product.ProductID.String(),
		Name:             product.Name,
		HourlyPriceCents: product.HourlyPriceCents.Int64(),
		DailyPriceCents:  product.DailyPriceCents.Int64(),
		DepositCents:     product.DepositCents.Int64(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "hourly_price_cents", "daily_price_cents", "deposit_cents", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetProduct(ctx context.Context, productID booking.ProductID) (booking.Product, error) {
	var model Product
	err := store.db.WithContext(ctx).
		Where("product_id = ?", productID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeGet, booking.ErrUnknownProduct)
		}
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeGet, err)
	}
	return mapProduct(model)
}

func (store *Store) UpsertInventoryItem(ctx context.Context, item booking.InventoryItem) error {
	model := InventoryItem{
		HotelID:   item.HotelID.String(),
		ProductID: item.ProductID.String(),
		Quantity:  item.Quantity.Int(),
		Active:    item.Active,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hotel_id"}, {Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "active", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectInventory, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetInventoryItem(ctx context.Context, hotelID booking.HotelID, productID booking.ProductID) (booking.InventoryItem, error) {
	return store.getInventoryItem(ctx, hotelID, productID, false)
}

// GetInventoryItemForUpdate takes a row lock on the (hotel, product) pair so
// concurrent reserve transactions serialize on it. The locking clause only
// applies on postgres; sqlite has a single writer and serializes anyway.
func (store *Store) GetInventoryItemForUpdate(ctx context.Context, hotelID booking.HotelID, productID booking.ProductID) (booking.InventoryItem, error) {
	return store.getInventoryItem(ctx, hotelID, productID, true)
}

func (store *Store) getInventoryItem(ctx context.Context, hotelID booking.HotelID, productID booking.ProductID, forUpdate bool) (booking.InventoryItem, error) {
	query := store.db.WithContext(ctx)
	if forUpdate && store.db.Dialector.Name() == postgresDialectName {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model InventoryItem
	err := query.
		Where("hotel_id = ? AND product_id = ?", hotelID.String(), productID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeGet, booking.ErrUnknownInventory)
		}
		return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeGet, err)
	}
	return mapInventoryItem(model)
}

func (store *Store) UpsertDiscountCode(ctx context.Context, code booking.DiscountCode) error {
	model := DiscountCode{
		Code:    code.Code,
		HotelID: code.HotelID.String(),
		Kind:    code.Kind.String(),
		Active:  code.Active,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"hotel_id", "kind", "active", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectDiscount, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetDiscountCode(ctx context.Context, code string) (booking.DiscountCode, error) {
	var model DiscountCode
	err := store.db.WithContext(ctx).
		Where("code = ?", code).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.DiscountCode{}, wrapStoreError(errorSubjectDiscount, errorCodeGet, booking.ErrUnknownDiscountCode)
		}
		return booking.DiscountCode{}, wrapStoreError(errorSubjectDiscount, errorCodeGet, err)
	}
	return mapDiscountCode(model)
}

func (store *Store) InsertReservation(ctx context.Context, reservation booking.Reservation) error {
	var discountCode *string
	if reservation.DiscountCode != "" {
		value := reservation.DiscountCode
		discountCode = &value
	}
	model := Reservation{
		ReservationID:    reservation.ID.String(),
		Code:             reservation.Code.String(),
		ProductID:        reservation.ProductID.String(),
		PickupHotelID:    reservation.PickupHotelID.String(),
		DropHotelID:      reservation.DropHotelID.String(),
		UserEmail:        reservation.UserEmail.String(),
		StartAt:          reservation.Window.Start(),
		EndAt:            reservation.Window.End(),
		Status:           reservation.Status.String(),
		PriceCents:       reservation.PriceCents.Int64(),
		DepositCents:     reservation.DepositCents.Int64(),
		PricingType:      reservation.PricingType.String(),
		RevenueShare:     reservation.RevenueShare.String(),
		DiscountCode:     discountCode,
		DamageFeeCents:   reservation.DamageFeeCents.Int64(),
		PaymentIntentRef: reservation.PaymentIntentRef,
		SetupIntentRef:   reservation.SetupIntentRef,
		Metadata:         metadataColumn(reservation.Metadata.String()),
		CreatedAt:        time.Unix(reservation.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, booking.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID booking.ReservationID) (booking.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, booking.ErrUnknownReservation)
		}
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *Store) GetReservationByCode(ctx context.Context, code booking.ReservationCode) (booking.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Where("code = ?", code.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, booking.ErrUnknownReservation)
		}
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID booking.ReservationID, from booking.ReservationStatus, to booking.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrStatusConflict)
	}
	return nil
}

func (store *Store) UpdateReservationDamage(ctx context.Context, reservationID booking.ReservationID, from booking.ReservationStatus, feeCents booking.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID.String(), from.String()).
		Updates(map[string]interface{}{
			"status":           booking.StatusDamaged.String(),
			"damage_fee_cents": feeCents.Int64(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrStatusConflict)
	}
	return nil
}

func (store *Store) SetPaymentRefs(ctx context.Context, reservationID booking.ReservationID, paymentIntentRef string, setupIntentRef string) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ?", reservationID.String()).
		Updates(map[string]interface{}{
			"payment_intent_ref": paymentIntentRef,
			"setup_intent_ref":   setupIntentRef,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrUnknownReservation)
	}
	return nil
}

func (store *Store) CountBlocking(ctx context.Context, hotelID booking.HotelID, productID booking.ProductID, window booking.TimeWindow) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("pickup_hotel_id = ? AND product_id = ?", hotelID.String(), productID.String()).
		Where("status IN ?", blockingStatusStrings()).
		Where("start_at < ? AND end_at > ?", window.End(), window.Start()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectOverlap, errorCodeCount, err)
	}
	return int(count), nil
}

// CountBlockingBatch fetches the blocking rows intersecting the candidates'
// envelope once and counts per window in memory, avoiding one query per
// candidate.
func (store *Store) CountBlockingBatch(ctx context.Context, hotelID booking.HotelID, productID booking.ProductID, windows []booking.TimeWindow) ([]int, error) {
	counts := make([]int, len(windows))
	if len(windows) == 0 {
		return counts, nil
	}
	envelopeStart := windows[0].Start()
	envelopeEnd := windows[0].End()
	for _, window := range windows[1:] {
		if window.Start().Before(envelopeStart) {
			envelopeStart = window.Start()
		}
		if window.End().After(envelopeEnd) {
			envelopeEnd = window.End()
		}
	}
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Select("start_at", "end_at").
		Where("pickup_hotel_id = ? AND product_id = ?", hotelID.String(), productID.String()).
		Where("status IN ?", blockingStatusStrings()).
		Where("start_at < ? AND end_at > ?", envelopeEnd, envelopeStart).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOverlap, errorCodeCount, err)
	}
	for index, window := range windows {
		for _, row := range rows {
			if row.StartAt.Before(window.End()) && row.EndAt.After(window.Start()) {
				counts[index]++
			}
		}
	}
	return counts, nil
}

func (store *Store) ListStalePending(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]booking.ReservationID, error) {
	cutoff := time.Unix(createdBeforeUnixUTC, 0).UTC()
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Select("reservation_id").
		Where("status = ? AND created_at < ?", booking.StatusPending.String(), cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservationIDs := make([]booking.ReservationID, 0, len(rows))
	for _, row := range rows {
		reservationID, idErr := booking.NewReservationID(row.ReservationID)
		if idErr != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, idErr)
		}
		reservationIDs = append(reservationIDs, reservationID)
	}
	return reservationIDs, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return booking.WrapError(errorOperationStore, subject, code, err)
}

func blockingStatusStrings() []string {
	statuses := booking.BlockingStatuses()
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, status.String())
	}
	return values
}

func mapProduct(model Product) (booking.Product, error) {
	productID, err := booking.NewProductID(model.ProductID)
	if err != nil {
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	hourly, err := booking.NewAmountCents(model.HourlyPriceCents)
	if err != nil {
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	daily, err := booking.NewAmountCents(model.DailyPriceCents)
	if err != nil {
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	deposit, err := booking.NewAmountCents(model.DepositCents)
	if err != nil {
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	return booking.Product{
		ProductID:        productID,
		Name:             model.Name,
		HourlyPriceCents: hourly,
		DailyPriceCents:  daily,
		DepositCents:     deposit,
	}, nil
}

func mapInventoryItem(model InventoryItem) (booking.InventoryItem, error) {
	hotelID, err := booking.NewHotelID(model.HotelID)
	if err != nil {
		return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeInvalid, err)
	}
	productID, err := booking.NewProductID(model.ProductID)
	if err != nil {
		return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeInvalid, err)
	}
	quantity, err := booking.NewQuantity(model.Quantity)
	if err != nil {
		return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeInvalid, err)
	}
	return booking.InventoryItem{
		HotelID:   hotelID,
		ProductID: productID,
		Quantity:  quantity,
		Active:    model.Active,
	}, nil
}

func mapDiscountCode(model DiscountCode) (booking.DiscountCode, error) {
	hotelID, err := booking.NewHotelID(model.HotelID)
	if err != nil {
		return booking.DiscountCode{}, wrapStoreError(errorSubjectDiscount, errorCodeInvalid, err)
	}
	kind, err := booking.ParseRevenueShare(model.Kind)
	if err != nil {
		return booking.DiscountCode{}, wrapStoreError(errorSubjectDiscount, errorCodeInvalid, err)
	}
	return booking.DiscountCode{
		Code:    model.Code,
		HotelID: hotelID,
		Kind:    kind,
		Active:  model.Active,
	}, nil
}

func mapReservation(model Reservation) (booking.Reservation, error) {
	reservationID, err := booking.NewReservationID(model.ReservationID)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	code, err := booking.NewReservationCode(model.Code)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	productID, err := booking.NewProductID(model.ProductID)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	pickupHotelID, err := booking.NewHotelID(model.PickupHotelID)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	dropHotelID, err := booking.NewHotelID(model.DropHotelID)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	userEmail, err := booking.NewEmailAddress(model.UserEmail)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	window, err := booking.NewTimeWindow(model.StartAt, model.EndAt)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := booking.ParseReservationStatus(model.Status)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	priceCents, err := booking.NewAmountCents(model.PriceCents)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	depositCents, err := booking.NewAmountCents(model.DepositCents)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	pricingType, err := booking.ParsePricingType(model.PricingType)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	revenueShare, err := booking.ParseRevenueShare(model.RevenueShare)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	damageFeeCents, err := booking.NewAmountCents(model.DamageFeeCents)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	metadata, err := booking.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	reservation := booking.Reservation{
		ID:               reservationID,
		Code:             code,
		ProductID:        productID,
		PickupHotelID:    pickupHotelID,
		DropHotelID:      dropHotelID,
		UserEmail:        userEmail,
		Window:           window,
		Status:           status,
		PriceCents:       priceCents,
		DepositCents:     depositCents,
		PricingType:      pricingType,
		RevenueShare:     revenueShare,
		DamageFeeCents:   damageFeeCents,
		PaymentIntentRef: model.PaymentIntentRef,
		SetupIntentRef:   model.SetupIntentRef,
		Metadata:         metadata,
		CreatedUnixUTC:   model.CreatedAt.Unix(),
	}
	if model.DiscountCode != nil {
		reservation.DiscountCode = *model.DiscountCode
	}
	return reservation, nil
}

func metadataColumn(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) {
		return pgError.Code == pgUniqueViolationCode
	}
	var sqliteError *gosqlite.Error
	if errors.As(err, &sqliteError) {
		return sqliteError.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
