package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCheckoutCreatesPendingReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	hotelID, productID, product := seedCatalog(test, store, 1, true)
	payment := &stubPayment{}
	service := mustNewService(test, store, payment)
	window := mustWindow(test, utc(2024, time.January, 15, 10), utc(2024, time.January, 17, 10))

	result, err := service.Checkout(context.Background(), checkoutRequest(test, hotelID, productID, window))
	if err != nil {
		test.Fatalf("checkout: %v", err)
	}
	if result.ReservationID.String() == "" || result.Code.String() == "" {
		test.Fatalf("expected reservation id and code, got %+v", result)
	}
	if result.ClientSecret == "" || result.SetupIntentSecret == "" {
		test.Fatalf("expected payment secrets, got %+v", result)
	}

	reservation := store.mustReservation(test, result.ReservationID)
	if reservation.Status != StatusPending {
		test.Fatalf("expected PENDING after checkout, got %s", reservation.Status)
	}
	if reservation.DepositCents != product.DepositCents {
		test.Fatalf("expected deposit copied from product, got %d", reservation.DepositCents)
	}
	if reservation.PricingType != PricingDaily {
		test.Fatalf("expected 48h rental to price daily, got %s", reservation.PricingType)
	}
	if reservation.PriceCents != 8000 {
		test.Fatalf("expected 2 days at 4000, got %d", reservation.PriceCents)
	}
	if reservation.RevenueShare != SharePlatform70 {
		test.Fatalf("expected default platform share, got %s", reservation.RevenueShare)
	}
	if reservation.PaymentIntentRef == "" || reservation.SetupIntentRef == "" {
		test.Fatalf("expected payment refs stored, got %+v", reservation)
	}
}

func TestCheckoutAppliesDiscountCodeByValue(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	hotelID, productID, _ := seedCatalog(test, store, 1, true)
	discount := DiscountCode{Code: "HOTEL10", HotelID: hotelID, Kind: ShareHotel70, Active: true}
	if err := store.UpsertDiscountCode(context.Background(), discount); err != nil {
		test.Fatalf("seed discount: %v", err)
	}
	service := mustNewService(test, store, &stubPayment{})
	window := mustWindow(test, utc(2024, time.January, 15, 10), utc(2024, time.January, 17, 10))
	request := checkoutRequest(test, hotelID, productID, window)
	request.DiscountCode = "HOTEL10"

	result, err := service.Checkout(context.Background(), request)
	if err != nil {
		test.Fatalf("checkout: %v", err)
	}
	reservation := store.mustReservation(test, result.ReservationID)
	if reservation.PriceCents != 7200 {
		test.Fatalf("expected 10%% off 8000, got %d", reservation.PriceCents)
	}
	if reservation.RevenueShare != ShareHotel70 {
		test.Fatalf("expected share frozen from code, got %s", reservation.RevenueShare)
	}
	if reservation.DiscountCode != "HOTEL10" {
		test.Fatalf("expected discount code recorded, got %q", reservation.DiscountCode)
	}

	// Deactivating the code later must not change the stored attribution.
	discount.Active = false
	if err := store.UpsertDiscountCode(context.Background(), discount); err != nil {
		test.Fatalf("update discount: %v", err)
	}
	reloaded := store.mustReservation(test, result.ReservationID)
	if reloaded.RevenueShare != ShareHotel70 || reloaded.PriceCents != 7200 {
		test.Fatalf("expected historical attribution unchanged, got %+v", reloaded)
	}
}

func TestCheckoutIgnoresUnknownDiscountCode(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	hotelID, productID, _ := seedCatalog(test, store, 1, true)
	service := mustNewService(test, store, &stubPayment{})
	window := mustWindow(test, utc(2024, time.January, 15, 10), utc(2024, time.January, 17, 10))
	request := checkoutRequest(test, hotelID, productID, window)
	request.DiscountCode = "NO-SUCH-CODE"

	result, err := service.Checkout(context.Background(), request)
	if err != nil {
		test.Fatalf("checkout: %v", err)
	}
	reservation := store.mustReservation(test, result.ReservationID)
	if reservation.PriceCents != 8000 || reservation.RevenueShare != SharePlatform70 {
		test.Fatalf("expected unknown code to price like an absent one, got %+v", reservation)
	}
}

func TestCheckoutUnavailableReturnsAlternatives(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	hotelID, productID, _ := seedCatalog(test, store, 1, true)
	service := mustNewService(test, store, &stubPayment{})
	window := mustWindow(test, utc(2024, time.January, 15, 10), utc(2024, time.January, 17, 10))

	if _, err := service.Checkout(context.Background(), checkoutRequest(test, hotelID, productID, window)); err != nil {
		test.Fatalf("first checkout: %v", err)
	}

	_, err := service.Checkout(context.Background(), checkoutRequest(test, hotelID, productID, window))
	if !errors.Is(err, ErrInsufficientInventory) {
		test.Fatalf("expected ErrInsufficientInventory, got %v", err)
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		test.Fatalf("expected UnavailableError, got %T", err)
	}
	if len(unavailable.Alternatives) == 0 {
		test.Fatalf("expected alternatives on capacity failure")
	}
	if !unavailable.Alternatives[0].Start().Equal(utc(2024, time.January, 16, 10)) {
		test.Fatalf("expected first alternative to start one day later, got %s", unavailable.Alternatives[0].Start())
	}
}

func TestCheckoutMissingInventoryFailsWithoutAlternatives(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	_, productID, _ := seedCatalog(test, store, 1, true)
	service := mustNewService(test, store, &stubPayment{})
	window := mustWindow(test, utc(2024, time.January, 15, 10), utc(2024, time.January, 17, 10))
	request := checkoutRequest(test, mustHotelID(test, "hotel-without-stock"), productID, window)

	_, err := service.Checkout(context.Background(), request)
	if !errors.Is(err, ErrInsufficientInventory) {
		test.Fatalf("expected ErrInsufficientInventory, got %v", err)
	}
	var unavailable *UnavailableError
	if !errors.As(err, &unavailable) {
		test.Fatalf("expected UnavailableError, got %T", err)
	}
	if len(unavailable.Alternatives) != 0 {
		test.Fatalf("expected zero alternatives for unconfigured stock, got %d", len(unavailable.Alternatives))
	}
}

func TestCheckoutValidatesTimeRange(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	hotelID, productID, _ := seedCatalog(test, store, 1, true)
	service := mustNewService(test, store, &stubPayment{})
	request := checkoutRequest(test, hotelID, productID, TimeWindow{})

	_, err := service.Checkout(context.Background(), request)
	if !errors.Is(err, ErrInvalidTimeWindow) {
		test.Fatalf("expected ErrInvalidTimeWindow, got %v", err)
	}
}

func TestCheckoutPaymentFailureCancelsReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	hotelID, productID, _ := seedCatalog(test, store, 1, true)
	payment := &stubPayment{authorizeErr: errors.New("card declined")}
	service := mustNewService(test, store, payment)
	window := mustWindow(test, utc(2024, time.January, 15, 10), utc(2024, time.January, 17, 10))

	_, err := service.Checkout(context.Background(), checkoutRequest(test, hotelID, productID, window))
	if !errors.Is(err, ErrUpstreamPayment) {
		test.Fatalf("expected ErrUpstreamPayment, got %v", err)
	}

	// The compensating cancellation must release the unit for the next read.
	availability, err := service.CheckAvailability(context.Background(), hotelID, productID, window)
	if err != nil {
		test.Fatalf("check availability: %v", err)
	}
	if !availability.Available {
		test.Fatalf("expected capacity released after compensating cancel")
	}
	for _, reservation := range store.reservations {
		if reservation.Status != StatusCancelled {
			test.Fatalf("expected reservation cancelled, got %s", reservation.Status)
		}
	}
}

func TestCheckoutRetriesTransientPaymentFailures(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	hotelID, productID, _ := seedCatalog(test, store, 1, true)
	payment := &stubPayment{failuresLeft: 2}
	policy := RetryPolicy{MaxAttempts: 3}
	service := mustNewService(test, store, payment, WithPaymentRetryPolicy(policy))
	window := mustWindow(test, utc(2024, time.January, 15, 10), utc(2024, time.January, 17, 10))

	result, err := service.Checkout(context.Background(), checkoutRequest(test, hotelID, productID, window))
	if err != nil {
		test.Fatalf("expected retry to succeed, got %v", err)
	}
	if payment.authorizeCalls != 3 {
		test.Fatalf("expected 3 authorize attempts, got %d", payment.authorizeCalls)
	}
	reservation := store.mustReservation(test, result.ReservationID)
	if reservation.Status != StatusPending {
		test.Fatalf("expected PENDING after retried success, got %s", reservation.Status)
	}
}

func TestConcurrentCheckoutsNeverOverbook(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	hotelID, productID, _ := seedCatalog(test, store, 1, true)
	service := mustNewService(test, store, &stubPayment{})
	window := mustWindow(test, utc(2024, time.January, 15, 10), utc(2024, time.January, 17, 10))

	const attempts = 8
	var waitGroup sync.WaitGroup
	results := make([]error, attempts)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			_, results[slot] = service.Checkout(context.Background(), checkoutRequest(test, hotelID, productID, window))
		}(index)
	}
	waitGroup.Wait()

	successes := 0
	capacityFailures := 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientInventory):
			capacityFailures++
		default:
			test.Fatalf("unexpected checkout error: %v", err)
		}
	}
	if successes != 1 {
		test.Fatalf("expected exactly 1 success for a single-unit window, got %d", successes)
	}
	if capacityFailures != attempts-1 {
		test.Fatalf("expected %d capacity failures, got %d", attempts-1, capacityFailures)
	}
}

func TestConcurrentCheckoutsFillMultiUnitInventoryExactly(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	hotelID, productID, _ := seedCatalog(test, store, 3, true)
	service := mustNewService(test, store, &stubPayment{})
	window := mustWindow(test, utc(2024, time.January, 15, 10), utc(2024, time.January, 17, 10))

	const attempts = 10
	var waitGroup sync.WaitGroup
	results := make([]error, attempts)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			_, results[slot] = service.Checkout(context.Background(), checkoutRequest(test, hotelID, productID, window))
		}(index)
	}
	waitGroup.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInsufficientInventory) {
			test.Fatalf("unexpected checkout error: %v", err)
		}
	}
	if successes != 3 {
		test.Fatalf("expected exactly 3 successes for 3 units, got %d", successes)
	}
}
