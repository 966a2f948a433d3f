package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store. WithTx serializes on a mutex so the
// concurrency tests exercise the same one-transaction-at-a-time guarantee
// the real stores provide per inventory row.
type stubStore struct {
	mu       *sync.Mutex
	lockFree bool

	products     map[string]Product
	inventory    map[string]InventoryItem
	discounts    map[string]DiscountCode
	reservations map[string]Reservation
	codeIndex    map[string]string

	insertErr error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		mu:           &sync.Mutex{},
		products:     make(map[string]Product),
		inventory:    make(map[string]InventoryItem),
		discounts:    make(map[string]DiscountCode),
		reservations: make(map[string]Reservation),
		codeIndex:    make(map[string]string),
	}
}

func (store *stubStore) lock() func() {
	if store.lockFree {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *stubStore) txView() *stubStore {
	view := *store
	view.lockFree = true
	return &view
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	unlock := store.lock()
	defer unlock()
	return fn(ctx, store.txView())
}

func (store *stubStore) UpsertProduct(ctx context.Context, product Product) error {
	unlock := store.lock()
	defer unlock()
	store.products[product.ProductID.String()] = product
	return nil
}

func (store *stubStore) GetProduct(ctx context.Context, productID ProductID) (Product, error) {
	unlock := store.lock()
	defer unlock()
	product, ok := store.products[productID.String()]
	if !ok {
		return Product{}, ErrUnknownProduct
	}
	return product, nil
}

func pairKey(hotelID HotelID, productID ProductID) string {
	return hotelID.String() + "/" + productID.String()
}

func (store *stubStore) UpsertInventoryItem(ctx context.Context, item InventoryItem) error {
	unlock := store.lock()
	defer unlock()
	store.inventory[pairKey(item.HotelID, item.ProductID)] = item
	return nil
}

func (store *stubStore) GetInventoryItem(ctx context.Context, hotelID HotelID, productID ProductID) (InventoryItem, error) {
	unlock := store.lock()
	defer unlock()
	item, ok := store.inventory[pairKey(hotelID, productID)]
	if !ok {
		return InventoryItem{}, ErrUnknownInventory
	}
	return item, nil
}

func (store *stubStore) GetInventoryItemForUpdate(ctx context.Context, hotelID HotelID, productID ProductID) (InventoryItem, error) {
	return store.GetInventoryItem(ctx, hotelID, productID)
}

func (store *stubStore) UpsertDiscountCode(ctx context.Context, code DiscountCode) error {
	unlock := store.lock()
	defer unlock()
	store.discounts[code.Code] = code
	return nil
}

func (store *stubStore) GetDiscountCode(ctx context.Context, code string) (DiscountCode, error) {
	unlock := store.lock()
	defer unlock()
	discount, ok := store.discounts[code]
	if !ok {
		return DiscountCode{}, ErrUnknownDiscountCode
	}
	return discount, nil
}

func (store *stubStore) InsertReservation(ctx context.Context, reservation Reservation) error {
	unlock := store.lock()
	defer unlock()
	if store.insertErr != nil {
		return store.insertErr
	}
	store.reservations[reservation.ID.String()] = reservation
	store.codeIndex[reservation.Code.String()] = reservation.ID.String()
	return nil
}

func (store *stubStore) GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	unlock := store.lock()
	defer unlock()
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) GetReservationByCode(ctx context.Context, code ReservationCode) (Reservation, error) {
	unlock := store.lock()
	defer unlock()
	reservationID, ok := store.codeIndex[code.String()]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return store.reservations[reservationID], nil
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, reservationID ReservationID, from ReservationStatus, to ReservationStatus) error {
	unlock := store.lock()
	defer unlock()
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		return ErrUnknownReservation
	}
	if reservation.Status != from {
		return ErrStatusConflict
	}
	reservation.Status = to
	store.reservations[reservationID.String()] = reservation
	return nil
}

func (store *stubStore) UpdateReservationDamage(ctx context.Context, reservationID ReservationID, from ReservationStatus, feeCents AmountCents) error {
	unlock := store.lock()
	defer unlock()
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		return ErrUnknownReservation
	}
	if reservation.Status != from {
		return ErrStatusConflict
	}
	reservation.Status = StatusDamaged
	reservation.DamageFeeCents = feeCents
	store.reservations[reservationID.String()] = reservation
	return nil
}

func (store *stubStore) SetPaymentRefs(ctx context.Context, reservationID ReservationID, paymentIntentRef string, setupIntentRef string) error {
	unlock := store.lock()
	defer unlock()
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		return ErrUnknownReservation
	}
	reservation.PaymentIntentRef = paymentIntentRef
	reservation.SetupIntentRef = setupIntentRef
	store.reservations[reservationID.String()] = reservation
	return nil
}

func (store *stubStore) CountBlocking(ctx context.Context, hotelID HotelID, productID ProductID, window TimeWindow) (int, error) {
	unlock := store.lock()
	defer unlock()
	return store.countBlockingLocked(hotelID, productID, window), nil
}

func (store *stubStore) CountBlockingBatch(ctx context.Context, hotelID HotelID, productID ProductID, windows []TimeWindow) ([]int, error) {
	unlock := store.lock()
	defer unlock()
	counts := make([]int, len(windows))
	for index, window := range windows {
		counts[index] = store.countBlockingLocked(hotelID, productID, window)
	}
	return counts, nil
}

func (store *stubStore) countBlockingLocked(hotelID HotelID, productID ProductID, window TimeWindow) int {
	count := 0
	for _, reservation := range store.reservations {
		if reservation.PickupHotelID != hotelID || reservation.ProductID != productID {
			continue
		}
		if !IsBlocking(reservation.Status) {
			continue
		}
		if reservation.Window.Overlaps(window) {
			count++
		}
	}
	return count
}

func (store *stubStore) ListStalePending(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ReservationID, error) {
	unlock := store.lock()
	defer unlock()
	var staleIDs []ReservationID
	for _, reservation := range store.reservations {
		if reservation.Status != StatusPending || reservation.CreatedUnixUTC >= createdBeforeUnixUTC {
			continue
		}
		staleIDs = append(staleIDs, reservation.ID)
		if len(staleIDs) == limit {
			break
		}
	}
	return staleIDs, nil
}

func (store *stubStore) mustReservation(test *testing.T, reservationID ReservationID) Reservation {
	test.Helper()
	unlock := store.lock()
	defer unlock()
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID.String())
	}
	return reservation
}

// stubPayment is a thread-safe in-memory payment authority.
type stubPayment struct {
	mu             sync.Mutex
	authorizeCalls int
	failuresLeft   int
	authorizeErr   error
	status         PaymentStatus
}

func (payment *stubPayment) Authorize(ctx context.Context, amountCents AmountCents, metadata map[string]string) (PaymentAuthorization, error) {
	payment.mu.Lock()
	defer payment.mu.Unlock()
	payment.authorizeCalls++
	if payment.failuresLeft > 0 {
		payment.failuresLeft--
		return PaymentAuthorization{}, fmt.Errorf("authority unavailable")
	}
	if payment.authorizeErr != nil {
		return PaymentAuthorization{}, payment.authorizeErr
	}
	serial := payment.authorizeCalls
	return PaymentAuthorization{
		IntentRef:         fmt.Sprintf("pi_%d", serial),
		ClientSecret:      fmt.Sprintf("pi_%d_secret", serial),
		SetupIntentRef:    fmt.Sprintf("seti_%d", serial),
		SetupIntentSecret: fmt.Sprintf("seti_%d_secret", serial),
	}, nil
}

func (payment *stubPayment) RetrieveStatus(ctx context.Context, intentRef string) (PaymentStatus, error) {
	payment.mu.Lock()
	defer payment.mu.Unlock()
	if payment.status == "" {
		return PaymentStatusRequiresCapture, nil
	}
	return payment.status, nil
}

type stubNotifier struct {
	mu        sync.Mutex
	confirmed []Reservation
	err       error
}

func (notifier *stubNotifier) ReservationConfirmed(ctx context.Context, reservation Reservation) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.confirmed = append(notifier.confirmed, reservation)
	return notifier.err
}

func mustNewService(test *testing.T, store Store, payment PaymentAuthorizer, options ...ServiceOption) *Service {
	test.Helper()
	clock := func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }
	defaults := []ServiceOption{WithPaymentRetryPolicy(RetryPolicy{MaxAttempts: 1})}
	service, err := NewService(store, payment, clock, append(defaults, options...)...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustHotelID(test *testing.T, raw string) HotelID {
	test.Helper()
	value, err := NewHotelID(raw)
	if err != nil {
		test.Fatalf("hotel id: %v", err)
	}
	return value
}

func mustProductID(test *testing.T, raw string) ProductID {
	test.Helper()
	value, err := NewProductID(raw)
	if err != nil {
		test.Fatalf("product id: %v", err)
	}
	return value
}

func mustEmail(test *testing.T, raw string) EmailAddress {
	test.Helper()
	value, err := NewEmailAddress(raw)
	if err != nil {
		test.Fatalf("email: %v", err)
	}
	return value
}

func mustAmountCents(test *testing.T, raw int64) AmountCents {
	test.Helper()
	value, err := NewAmountCents(raw)
	if err != nil {
		test.Fatalf("amount cents: %v", err)
	}
	return value
}

func mustQuantity(test *testing.T, raw int) Quantity {
	test.Helper()
	value, err := NewQuantity(raw)
	if err != nil {
		test.Fatalf("quantity: %v", err)
	}
	return value
}

func mustWindow(test *testing.T, start time.Time, end time.Time) TimeWindow {
	test.Helper()
	window, err := NewTimeWindow(start, end)
	if err != nil {
		test.Fatalf("time window: %v", err)
	}
	return window
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func utc(year int, month time.Month, day int, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}

func seedCatalog(test *testing.T, store *stubStore, quantity int, active bool) (HotelID, ProductID, Product) {
	test.Helper()
	hotelID := mustHotelID(test, "hotel-a")
	productID := mustProductID(test, "product-x")
	product := Product{
		ProductID:        productID,
		Name:             "e-bike",
		HourlyPriceCents: mustAmountCents(test, 500),
		DailyPriceCents:  mustAmountCents(test, 4000),
		DepositCents:     mustAmountCents(test, 5000),
	}
	if err := store.UpsertProduct(context.Background(), product); err != nil {
		test.Fatalf("seed product: %v", err)
	}
	item := InventoryItem{
		HotelID:   hotelID,
		ProductID: productID,
		Quantity:  mustQuantity(test, quantity),
		Active:    active,
	}
	if err := store.UpsertInventoryItem(context.Background(), item); err != nil {
		test.Fatalf("seed inventory: %v", err)
	}
	return hotelID, productID, product
}

func checkoutRequest(test *testing.T, hotelID HotelID, productID ProductID, window TimeWindow) CheckoutRequest {
	test.Helper()
	return CheckoutRequest{
		UserEmail:     mustEmail(test, "guest@example.com"),
		ProductID:     productID,
		PickupHotelID: hotelID,
		DropHotelID:   hotelID,
		Window:        window,
		Metadata:      mustMetadata(test, "{}"),
	}
}
