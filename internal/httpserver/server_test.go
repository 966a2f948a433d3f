package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/rental/internal/payment"
	"github.com/MarkoPoloResearchLab/rental/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rental/pkg/booking"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// A pooled in-memory sqlite hands each connection its own database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	service, err := booking.NewService(gormstore.New(db), payment.NewStaticAuthorizer(), func() time.Time { return time.Now().UTC() })
	if err != nil {
		t.Fatalf("service init: %v", err)
	}

	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return NewRouter(cfg, service, zap.NewNop())
}

func doJSON(t *testing.T, router *gin.Engine, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func seedCatalogHTTP(t *testing.T, router *gin.Engine, quantity int) {
	t.Helper()
	productRecorder := doJSON(t, router, http.MethodPut, "/api/admin/products", map[string]any{
		"product_id":         "product-x",
		"name":               "Mountain Bike",
		"hourly_price_cents": 500,
		"daily_price_cents":  4000,
		"deposit_cents":      5000,
	})
	if productRecorder.Code != http.StatusOK {
		t.Fatalf("put product status=%d body=%s", productRecorder.Code, productRecorder.Body.String())
	}
	inventoryRecorder := doJSON(t, router, http.MethodPut, "/api/admin/inventory", map[string]any{
		"hotel_id":   "hotel-a",
		"product_id": "product-x",
		"quantity":   quantity,
		"active":     true,
	})
	if inventoryRecorder.Code != http.StatusOK {
		t.Fatalf("put inventory status=%d body=%s", inventoryRecorder.Code, inventoryRecorder.Body.String())
	}
}

func checkoutBody() map[string]any {
	return map[string]any{
		"user_email":      "guest@example.com",
		"product_id":      "product-x",
		"pickup_hotel_id": "hotel-a",
		"start":           "2030-01-15T10:00:00Z",
		"end":             "2030-01-17T10:00:00Z",
	}
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	recorder := doJSON(t, router, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", recorder.Code)
	}
}

func TestBookingFlowOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	seedCatalogHTTP(t, router, 1)

	availabilityRecorder := doJSON(t, router, http.MethodGet,
		"/api/availability?hotel_id=hotel-a&product_id=product-x&start=2030-01-15T10:00:00Z&end=2030-01-17T10:00:00Z", nil)
	if availabilityRecorder.Code != http.StatusOK {
		t.Fatalf("availability status=%d body=%s", availabilityRecorder.Code, availabilityRecorder.Body.String())
	}
	var availability struct {
		Available         bool `json:"available"`
		AvailableQuantity int  `json:"available_quantity"`
	}
	decodeBody(t, availabilityRecorder, &availability)
	if !availability.Available || availability.AvailableQuantity != 1 {
		t.Fatalf("expected one free unit, got %+v", availability)
	}

	checkoutRecorder := doJSON(t, router, http.MethodPost, "/api/checkout", checkoutBody())
	if checkoutRecorder.Code != http.StatusCreated {
		t.Fatalf("checkout status=%d body=%s", checkoutRecorder.Code, checkoutRecorder.Body.String())
	}
	var checkoutResponse struct {
		ReservationID    string `json:"reservation_id"`
		Code             string `json:"code"`
		PaymentIntentRef string `json:"payment_intent_ref"`
		ClientSecret     string `json:"client_secret"`
		SetupIntentRef   string `json:"setup_intent_ref"`
	}
	decodeBody(t, checkoutRecorder, &checkoutResponse)
	if checkoutResponse.ReservationID == "" || checkoutResponse.Code == "" || checkoutResponse.ClientSecret == "" {
		t.Fatalf("incomplete checkout response: %+v", checkoutResponse)
	}

	getRecorder := doJSON(t, router, http.MethodGet, "/api/reservations/"+checkoutResponse.ReservationID, nil)
	if getRecorder.Code != http.StatusOK {
		t.Fatalf("get reservation status=%d body=%s", getRecorder.Code, getRecorder.Body.String())
	}
	var fetched struct {
		Status        string `json:"status"`
		DisplayStatus string `json:"display_status"`
		PriceCents    int64  `json:"price_cents"`
		DepositCents  int64  `json:"deposit_cents"`
	}
	decodeBody(t, getRecorder, &fetched)
	if fetched.Status != "PENDING" || fetched.DisplayStatus != "RESERVED" {
		t.Fatalf("expected PENDING/RESERVED, got %+v", fetched)
	}
	if fetched.PriceCents != 8000 || fetched.DepositCents != 5000 {
		t.Fatalf("expected two daily units at 4000 with deposit 5000, got %+v", fetched)
	}

	conflictRecorder := doJSON(t, router, http.MethodPost, "/api/checkout", checkoutBody())
	if conflictRecorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for overlapping checkout, got %d body=%s", conflictRecorder.Code, conflictRecorder.Body.String())
	}
	var conflict struct {
		Alternatives []struct {
			Start string `json:"start"`
			End   string `json:"end"`
		} `json:"alternatives"`
	}
	decodeBody(t, conflictRecorder, &conflict)
	if len(conflict.Alternatives) == 0 {
		t.Fatalf("expected alternative windows in conflict payload, body=%s", conflictRecorder.Body.String())
	}
	if conflict.Alternatives[0].Start != "2030-01-16T10:00:00Z" {
		t.Fatalf("expected first alternative shifted a day, got %s", conflict.Alternatives[0].Start)
	}

	confirmRecorder := doJSON(t, router, http.MethodPost, "/api/reservations/"+checkoutResponse.ReservationID+"/confirm", map[string]any{
		"payment_intent_ref": checkoutResponse.PaymentIntentRef,
		"setup_intent_ref":   checkoutResponse.SetupIntentRef,
	})
	if confirmRecorder.Code != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", confirmRecorder.Code, confirmRecorder.Body.String())
	}
	decodeBody(t, confirmRecorder, &fetched)
	if fetched.Status != "CONFIRMED" || fetched.DisplayStatus != "ACTIVE" {
		t.Fatalf("expected CONFIRMED/ACTIVE, got %+v", fetched)
	}

	codeRecorder := doJSON(t, router, http.MethodGet, "/api/reservations/code/"+checkoutResponse.Code, nil)
	if codeRecorder.Code != http.StatusOK {
		t.Fatalf("get by code status=%d body=%s", codeRecorder.Code, codeRecorder.Body.String())
	}

	completeRecorder := doJSON(t, router, http.MethodPatch, "/api/reservations/"+checkoutResponse.ReservationID+"/status", map[string]any{
		"status": "COMPLETED",
	})
	if completeRecorder.Code != http.StatusOK {
		t.Fatalf("complete status=%d body=%s", completeRecorder.Code, completeRecorder.Body.String())
	}
	decodeBody(t, completeRecorder, &fetched)
	if fetched.Status != "COMPLETED" || fetched.DisplayStatus != "DONE" {
		t.Fatalf("expected COMPLETED/DONE, got %+v", fetched)
	}

	damageRecorder := doJSON(t, router, http.MethodPost, "/api/reservations/"+checkoutResponse.ReservationID+"/damage", map[string]any{
		"fee_cents": 3000,
	})
	if damageRecorder.Code != http.StatusOK {
		t.Fatalf("damage status=%d body=%s", damageRecorder.Code, damageRecorder.Body.String())
	}
	var damaged struct {
		Status         string `json:"status"`
		DisplayStatus  string `json:"display_status"`
		DamageFeeCents int64  `json:"damage_fee_cents"`
	}
	decodeBody(t, damageRecorder, &damaged)
	if damaged.Status != "DAMAGED" || damaged.DisplayStatus != "DAMAGED" || damaged.DamageFeeCents != 3000 {
		t.Fatalf("expected DAMAGED with fee 3000, got %+v", damaged)
	}
}

func TestCheckoutWithoutInventoryConflicts(t *testing.T) {
	router := newTestRouter(t)

	recorder := doJSON(t, router, http.MethodPost, "/api/checkout", checkoutBody())
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 when no inventory exists, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	var conflict struct {
		Alternatives []any `json:"alternatives"`
	}
	decodeBody(t, recorder, &conflict)
	if len(conflict.Alternatives) != 0 {
		t.Fatalf("expected no alternatives without inventory, got %d", len(conflict.Alternatives))
	}
}

func TestCheckoutRejectsInvalidWindow(t *testing.T) {
	router := newTestRouter(t)
	seedCatalogHTTP(t, router, 1)

	body := checkoutBody()
	body["end"] = body["start"]
	recorder := doJSON(t, router, http.MethodPost, "/api/checkout", body)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty window, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestConfirmRejectsMismatchedRefs(t *testing.T) {
	router := newTestRouter(t)
	seedCatalogHTTP(t, router, 1)

	checkoutRecorder := doJSON(t, router, http.MethodPost, "/api/checkout", checkoutBody())
	if checkoutRecorder.Code != http.StatusCreated {
		t.Fatalf("checkout status=%d body=%s", checkoutRecorder.Code, checkoutRecorder.Body.String())
	}
	var checkoutResponse struct {
		ReservationID string `json:"reservation_id"`
	}
	decodeBody(t, checkoutRecorder, &checkoutResponse)

	recorder := doJSON(t, router, http.MethodPost, "/api/reservations/"+checkoutResponse.ReservationID+"/confirm", map[string]any{
		"payment_intent_ref": "pi_wrong",
		"setup_intent_ref":   "seti_wrong",
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for mismatched refs, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestStatusEndpointRejectsInvalidTransition(t *testing.T) {
	router := newTestRouter(t)
	seedCatalogHTTP(t, router, 1)

	checkoutRecorder := doJSON(t, router, http.MethodPost, "/api/checkout", checkoutBody())
	if checkoutRecorder.Code != http.StatusCreated {
		t.Fatalf("checkout status=%d body=%s", checkoutRecorder.Code, checkoutRecorder.Body.String())
	}
	var checkoutResponse struct {
		ReservationID string `json:"reservation_id"`
	}
	decodeBody(t, checkoutRecorder, &checkoutResponse)

	recorder := doJSON(t, router, http.MethodPatch, "/api/reservations/"+checkoutResponse.ReservationID+"/status", map[string]any{
		"status": "COMPLETED",
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for PENDING->COMPLETED, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"error"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Error.Code != "invalid_transition" || payload.Error.From != "PENDING" || payload.Error.To != "COMPLETED" {
		t.Fatalf("unexpected transition payload: %+v", payload)
	}
}

func TestDamageEndpointEnforcesDepositCeiling(t *testing.T) {
	router := newTestRouter(t)
	seedCatalogHTTP(t, router, 1)

	checkoutRecorder := doJSON(t, router, http.MethodPost, "/api/checkout", checkoutBody())
	if checkoutRecorder.Code != http.StatusCreated {
		t.Fatalf("checkout status=%d body=%s", checkoutRecorder.Code, checkoutRecorder.Body.String())
	}
	var checkoutResponse struct {
		ReservationID    string `json:"reservation_id"`
		PaymentIntentRef string `json:"payment_intent_ref"`
		SetupIntentRef   string `json:"setup_intent_ref"`
	}
	decodeBody(t, checkoutRecorder, &checkoutResponse)

	confirmRecorder := doJSON(t, router, http.MethodPost, "/api/reservations/"+checkoutResponse.ReservationID+"/confirm", map[string]any{
		"payment_intent_ref": checkoutResponse.PaymentIntentRef,
		"setup_intent_ref":   checkoutResponse.SetupIntentRef,
	})
	if confirmRecorder.Code != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", confirmRecorder.Code, confirmRecorder.Body.String())
	}

	recorder := doJSON(t, router, http.MethodPost, "/api/reservations/"+checkoutResponse.ReservationID+"/damage", map[string]any{
		"fee_cents": 6000,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when fee exceeds deposit, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestReservationLookupUnknownID(t *testing.T) {
	router := newTestRouter(t)
	recorder := doJSON(t, router, http.MethodGet, "/api/reservations/11111111-1111-1111-1111-111111111111", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown reservation, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestAvailabilityRejectsMalformedWindow(t *testing.T) {
	router := newTestRouter(t)
	recorder := doJSON(t, router, http.MethodGet, "/api/availability?hotel_id=hotel-a&product_id=product-x&start=notatime&end=2030-01-17T10:00:00Z", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed start, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}
