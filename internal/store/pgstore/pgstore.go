package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/rental/pkg/booking"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"

	errorOperationStore     = "store"
	errorSubjectProduct     = "product"
	errorSubjectInventory   = "inventory"
	errorSubjectDiscount    = "discount"
	errorSubjectReservation = "reservation"
	errorSubjectOverlap     = "overlap"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCount          = "count"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeUpdate         = "update"
	errorCodeUpsert         = "upsert"

	sqlUpsertProduct = `
		insert into products(product_id, name, hourly_price_cents, daily_price_cents, deposit_cents, created_at, updated_at)
		values($1, $2, $3, $4, $5, now(), now())
		on conflict (product_id) do update set
			name = excluded.name,
			hourly_price_cents = excluded.hourly_price_cents,
			daily_price_cents = excluded.daily_price_cents,
			deposit_cents = excluded.deposit_cents,
			updated_at = now()
	`

	sqlSelectProduct = `
		select product_id, name, hourly_price_cents, daily_price_cents, deposit_cents
		from products
		where product_id = $1
	`

	sqlUpsertInventoryItem = `
		insert into inventory_items(hotel_id, product_id, quantity, active, updated_at)
		values($1, $2, $3, $4, now())
		on conflict (hotel_id, product_id) do update set
			quantity = excluded.quantity,
			active = excluded.active,
			updated_at = now()
	`

	sqlSelectInventoryItem = `
		select hotel_id, product_id, quantity, active
		from inventory_items
		where hotel_id = $1 and product_id = $2
	`

	sqlSelectInventoryItemForUpdate = sqlSelectInventoryItem + `
		for update
	`

	sqlUpsertDiscountCode = `
		insert into discount_codes(code, hotel_id, kind, active, created_at, updated_at)
		values($1, $2, $3, $4, now(), now())
		on conflict (code) do update set
			hotel_id = excluded.hotel_id,
			kind = excluded.kind,
			active = excluded.active,
			updated_at = now()
	`

	sqlSelectDiscountCode = `
		select code, hotel_id, kind, active
		from discount_codes
		where code = $1
	`

	sqlInsertReservation = `
		insert into reservations(
			reservation_id, code, product_id, pickup_hotel_id, drop_hotel_id, user_email,
			start_at, end_at, status, price_cents, deposit_cents, pricing_type, revenue_share,
			discount_code, damage_fee_cents, payment_intent_ref, setup_intent_ref, metadata,
			created_at, updated_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13,
			nullif($14,''), $15, $16, $17,
			coalesce(nullif($18,''),'{}')::jsonb,
			to_timestamp($19), now()
		)
	`

	sqlSelectReservationColumns = `
		select
			reservation_id::text, code, product_id, pickup_hotel_id, drop_hotel_id, user_email,
			start_at, end_at, status, price_cents, deposit_cents, pricing_type, revenue_share,
			coalesce(discount_code,''), damage_fee_cents, payment_intent_ref, setup_intent_ref,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from reservations
	`

	sqlSelectReservationByID   = sqlSelectReservationColumns + ` where reservation_id = $1`
	sqlSelectReservationByCode = sqlSelectReservationColumns + ` where code = $1`

	sqlUpdateReservationStatus = `
		update reservations
		set status = $3, updated_at = now()
		where reservation_id = $1 and status = $2
	`

	sqlUpdateReservationDamage = `
		update reservations
		set status = $3, damage_fee_cents = $4, updated_at = now()
		where reservation_id = $1 and status = $2
	`

	sqlSetPaymentRefs = `
		update reservations
		set payment_intent_ref = $2, setup_intent_ref = $3, updated_at = now()
		where reservation_id = $1
	`

	sqlCountBlocking = `
		select count(*) from reservations
		where pickup_hotel_id = $1 and product_id = $2
		and status = any($3)
		and start_at < $4 and end_at > $5
	`

	sqlSelectBlockingWindows = `
		select start_at, end_at from reservations
		where pickup_hotel_id = $1 and product_id = $2
		and status = any($3)
		and start_at < $4 and end_at > $5
	`

	sqlListStalePending = `
		select reservation_id::text from reservations
		where status = $1 and created_at < to_timestamp($2)
		order by created_at asc
		limit $3
	`
)

// querier covers the pgx surface shared by *pgxpool.Pool and pgx.Tx so the
// pool-backed store and the in-transaction store share one implementation.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements booking.Store against postgres with raw pgx queries.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool (autocommit outside WithTx).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore booking.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; reuse it.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) UpsertProduct(ctx context.Context, product booking.Product) error {
	_, err := store.db.Exec(ctx, sqlUpsertProduct,
		product.ProductID.String(),
		product.Name,
		product.HourlyPriceCents.Int64(),
		product.DailyPriceCents.Int64(),
		product.DepositCents.Int64(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetProduct(ctx context.Context, productID booking.ProductID) (booking.Product, error) {
	var (
		productIDValue string
		nameValue      string
		hourlyValue    int64
		dailyValue     int64
		depositValue   int64
	)
	err := store.db.QueryRow(ctx, sqlSelectProduct, productID.String()).Scan(
		&productIDValue,
		&nameValue,
		&hourlyValue,
		&dailyValue,
		&depositValue,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeGet, booking.ErrUnknownProduct)
		}
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeGet, err)
	}
	parsedProductID, err := booking.NewProductID(productIDValue)
	if err != nil {
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	hourly, err := booking.NewAmountCents(hourlyValue)
	if err != nil {
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	daily, err := booking.NewAmountCents(dailyValue)
	if err != nil {
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	deposit, err := booking.NewAmountCents(depositValue)
	if err != nil {
		return booking.Product{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	return booking.Product{
		ProductID:        parsedProductID,
		Name:             nameValue,
		HourlyPriceCents: hourly,
		DailyPriceCents:  daily,
		DepositCents:     deposit,
	}, nil
}

func (store *Store) UpsertInventoryItem(ctx context.Context, item booking.InventoryItem) error {
	_, err := store.db.Exec(ctx, sqlUpsertInventoryItem,
		item.HotelID.String(),
		item.ProductID.String(),
		item.Quantity.Int(),
		item.Active,
	)
	if err != nil {
		return wrapStoreError(errorSubjectInventory, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetInventoryItem(ctx context.Context, hotelID booking.HotelID, productID booking.ProductID) (booking.InventoryItem, error) {
	return store.getInventoryItem(ctx, sqlSelectInventoryItem, hotelID, productID)
}

// GetInventoryItemForUpdate locks the (hotel, product) row so concurrent
// reserve transactions serialize on it.
func (store *Store) GetInventoryItemForUpdate(ctx context.Context, hotelID booking.HotelID, productID booking.ProductID) (booking.InventoryItem, error) {
	return store.getInventoryItem(ctx, sqlSelectInventoryItemForUpdate, hotelID, productID)
}

func (store *Store) getInventoryItem(ctx context.Context, query string, hotelID booking.HotelID, productID booking.ProductID) (booking.InventoryItem, error) {
	var (
		hotelIDValue   string
		productIDValue string
		quantityValue  int
		activeValue    bool
	)
	err := store.db.QueryRow(ctx, query, hotelID.String(), productID.String()).Scan(
		&hotelIDValue,
		&productIDValue,
		&quantityValue,
		&activeValue,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeGet, booking.ErrUnknownInventory)
		}
		return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeGet, err)
	}
	parsedHotelID, err := booking.NewHotelID(hotelIDValue)
	if err != nil {
		return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeInvalid, err)
	}
	parsedProductID, err := booking.NewProductID(productIDValue)
	if err != nil {
		return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeInvalid, err)
	}
	quantity, err := booking.NewQuantity(quantityValue)
	if err != nil {
		return booking.InventoryItem{}, wrapStoreError(errorSubjectInventory, errorCodeInvalid, err)
	}
	return booking.InventoryItem{
		HotelID:   parsedHotelID,
		ProductID: parsedProductID,
		Quantity:  quantity,
		Active:    activeValue,
	}, nil
}

func (store *Store) UpsertDiscountCode(ctx context.Context, code booking.DiscountCode) error {
	_, err := store.db.Exec(ctx, sqlUpsertDiscountCode,
		code.Code,
		code.HotelID.String(),
		code.Kind.String(),
		code.Active,
	)
	if err != nil {
		return wrapStoreError(errorSubjectDiscount, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetDiscountCode(ctx context.Context, code string) (booking.DiscountCode, error) {
	var (
		codeValue    string
		hotelIDValue string
		kindValue    string
		activeValue  bool
	)
	err := store.db.QueryRow(ctx, sqlSelectDiscountCode, code).Scan(
		&codeValue,
		&hotelIDValue,
		&kindValue,
		&activeValue,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.DiscountCode{}, wrapStoreError(errorSubjectDiscount, errorCodeGet, booking.ErrUnknownDiscountCode)
		}
		return booking.DiscountCode{}, wrapStoreError(errorSubjectDiscount, errorCodeGet, err)
	}
	parsedHotelID, err := booking.NewHotelID(hotelIDValue)
	if err != nil {
		return booking.DiscountCode{}, wrapStoreError(errorSubjectDiscount, errorCodeInvalid, err)
	}
	kind, err := booking.ParseRevenueShare(kindValue)
	if err != nil {
		return booking.DiscountCode{}, wrapStoreError(errorSubjectDiscount, errorCodeInvalid, err)
	}
	return booking.DiscountCode{
		Code:    codeValue,
		HotelID: parsedHotelID,
		Kind:    kind,
		Active:  activeValue,
	}, nil
}

func (store *Store) InsertReservation(ctx context.Context, reservation booking.Reservation) error {
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.ID.String(),
		reservation.Code.String(),
		reservation.ProductID.String(),
		reservation.PickupHotelID.String(),
		reservation.DropHotelID.String(),
		reservation.UserEmail.String(),
		reservation.Window.Start(),
		reservation.Window.End(),
		reservation.Status.String(),
		reservation.PriceCents.Int64(),
		reservation.DepositCents.Int64(),
		reservation.PricingType.String(),
		reservation.RevenueShare.String(),
		reservation.DiscountCode,
		reservation.DamageFeeCents.Int64(),
		reservation.PaymentIntentRef,
		reservation.SetupIntentRef,
		reservation.Metadata.String(),
		reservation.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, booking.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID booking.ReservationID) (booking.Reservation, error) {
	return store.getReservation(ctx, sqlSelectReservationByID, reservationID.String())
}

func (store *Store) GetReservationByCode(ctx context.Context, code booking.ReservationCode) (booking.Reservation, error) {
	return store.getReservation(ctx, sqlSelectReservationByCode, code.String())
}

func (store *Store) getReservation(ctx context.Context, query string, key string) (booking.Reservation, error) {
	var (
		reservationIDValue string
		codeValue          string
		productIDValue     string
		pickupHotelValue   string
		dropHotelValue     string
		userEmailValue     string
		startAtValue       time.Time
		endAtValue         time.Time
		statusValue        string
		priceValue         int64
		depositValue       int64
		pricingTypeValue   string
		revenueShareValue  string
		discountCodeValue  string
		damageFeeValue     int64
		paymentIntentValue string
		setupIntentValue   string
		metadataValue      string
		createdUnixUTC     int64
	)
	err := store.db.QueryRow(ctx, query, key).Scan(
		&reservationIDValue,
		&codeValue,
		&productIDValue,
		&pickupHotelValue,
		&dropHotelValue,
		&userEmailValue,
		&startAtValue,
		&endAtValue,
		&statusValue,
		&priceValue,
		&depositValue,
		&pricingTypeValue,
		&revenueShareValue,
		&discountCodeValue,
		&damageFeeValue,
		&paymentIntentValue,
		&setupIntentValue,
		&metadataValue,
		&createdUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, booking.ErrUnknownReservation)
		}
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservationID, err := booking.NewReservationID(reservationIDValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	code, err := booking.NewReservationCode(codeValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	productID, err := booking.NewProductID(productIDValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	pickupHotelID, err := booking.NewHotelID(pickupHotelValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	dropHotelID, err := booking.NewHotelID(dropHotelValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	userEmail, err := booking.NewEmailAddress(userEmailValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	window, err := booking.NewTimeWindow(startAtValue, endAtValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := booking.ParseReservationStatus(statusValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	priceCents, err := booking.NewAmountCents(priceValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	depositCents, err := booking.NewAmountCents(depositValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	pricingType, err := booking.ParsePricingType(pricingTypeValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	revenueShare, err := booking.ParseRevenueShare(revenueShareValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	damageFeeCents, err := booking.NewAmountCents(damageFeeValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	metadata, err := booking.NewMetadataJSON(metadataValue)
	if err != nil {
		return booking.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return booking.Reservation{
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
		DiscountCode:     discountCodeValue,
		DamageFeeCents:   damageFeeCents,
		PaymentIntentRef: paymentIntentValue,
		SetupIntentRef:   setupIntentValue,
		Metadata:         metadata,
		CreatedUnixUTC:   createdUnixUTC,
	}, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID booking.ReservationID, from booking.ReservationStatus, to booking.ReservationStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationStatus, reservationID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrStatusConflict)
	}
	return nil
}

func (store *Store) UpdateReservationDamage(ctx context.Context, reservationID booking.ReservationID, from booking.ReservationStatus, feeCents booking.AmountCents) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationDamage,
		reservationID.String(),
		from.String(),
		booking.StatusDamaged.String(),
		feeCents.Int64(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrStatusConflict)
	}
	return nil
}

func (store *Store) SetPaymentRefs(ctx context.Context, reservationID booking.ReservationID, paymentIntentRef string, setupIntentRef string) error {
	tag, err := store.db.Exec(ctx, sqlSetPaymentRefs, reservationID.String(), paymentIntentRef, setupIntentRef)
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdate, booking.ErrUnknownReservation)
	}
	return nil
}

func (store *Store) CountBlocking(ctx context.Context, hotelID booking.HotelID, productID booking.ProductID, window booking.TimeWindow) (int, error) {
	var count int
	err := store.db.QueryRow(ctx, sqlCountBlocking,
		hotelID.String(),
		productID.String(),
		blockingStatusStrings(),
		window.End(),
		window.Start(),
	).Scan(&count)
	if err != nil {
		return 0, wrapStoreError(errorSubjectOverlap, errorCodeCount, err)
	}
	return count, nil
}

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
	rows, err := store.db.Query(ctx, sqlSelectBlockingWindows,
		hotelID.String(),
		productID.String(),
		blockingStatusStrings(),
		envelopeEnd,
		envelopeStart,
	)
	if err != nil {
		return nil, wrapStoreError(errorSubjectOverlap, errorCodeCount, err)
	}
	defer rows.Close()
	type span struct {
		start time.Time
		end   time.Time
	}
	spans := make([]span, 0, 16)
	for rows.Next() {
		var blocked span
		if err := rows.Scan(&blocked.start, &blocked.end); err != nil {
			return nil, wrapStoreError(errorSubjectOverlap, errorCodeInvalid, err)
		}
		spans = append(spans, blocked)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectOverlap, errorCodeCount, err)
	}
	for index, window := range windows {
		for _, blocked := range spans {
			if blocked.start.Before(window.End()) && blocked.end.After(window.Start()) {
				counts[index]++
			}
		}
	}
	return counts, nil
}

func (store *Store) ListStalePending(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]booking.ReservationID, error) {
	rows, err := store.db.Query(ctx, sqlListStalePending, booking.StatusPending.String(), createdBeforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()
	reservationIDs := make([]booking.ReservationID, 0, limit)
	for rows.Next() {
		var reservationIDValue string
		if err := rows.Scan(&reservationIDValue); err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservationID, err := booking.NewReservationID(reservationIDValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservationIDs = append(reservationIDs, reservationID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
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

func isUniqueViolation(err error) bool {
	var pgError *pgconn.PgError
	if errors.As(err, &pgError) {
		return pgError.Code == pgUniqueViolationCode
	}
	return false
}
