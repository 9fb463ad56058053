package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/creditline/pkg/ledger"
	"github.com/mcclellann/creditline/pkg/models"
	"github.com/mcclellann/creditline/pkg/store"
	"github.com/shopspring/decimal"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func setupTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test_api.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	log, _ := logtest.NewNullLogger()
	server := NewServer(s, log)
	t.Cleanup(func() { server.Close() })
	return server, server.Router()
}

func do(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func createAccount(t *testing.T, router *mux.Router, limit string) models.Account {
	t.Helper()
	rr := do(t, router, "POST", "/accounts", map[string]interface{}{
		"name":         "Ravi Kumar",
		"email":        "ravi@example.com",
		"credit_score": 710,
		"credit_limit": limit,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var acc models.Account
	decodeBody(t, rr, &acc)
	return acc
}

func TestAPI_CreateAndGetAccount(t *testing.T) {
	_, router := setupTestServer(t)

	created := createAccount(t, router, "1000.00")
	if !created.AvailableCredit.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected available credit 1000, got %s", created.AvailableCredit)
	}

	rr := do(t, router, "GET", "/accounts/"+created.ID.String(), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var fetched models.Account
	decodeBody(t, rr, &fetched)
	if fetched.ID != created.ID {
		t.Errorf("Expected ID %s, got %s", created.ID, fetched.ID)
	}

	rr = do(t, router, "GET", "/accounts/not-a-uuid", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
	rr = do(t, router, "GET", "/accounts/"+uuid.New().String(), nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestAPI_RejectsInvalidRequests(t *testing.T) {
	_, router := setupTestServer(t)
	acc := createAccount(t, router, "1000.00")

	cases := []struct {
		name string
		path string
		body interface{}
	}{
		{"missing name", "/accounts", map[string]interface{}{"credit_limit": "100"}},
		{"zero limit", "/accounts", map[string]interface{}{"name": "x", "credit_limit": "0"}},
		{"bad email", "/accounts", map[string]interface{}{"name": "x", "email": "nope", "credit_limit": "10"}},
		{"negative purchase", "/accounts/" + acc.ID.String() + "/purchases", map[string]interface{}{"amount": "-5"}},
		{"sub-cent purchase", "/accounts/" + acc.ID.String() + "/purchases", map[string]interface{}{"amount": "1.005"}},
		{"empty payment", "/accounts/" + acc.ID.String() + "/payments", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, router, "POST", tc.path, tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d. Body: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestAPI_PurchaseInsufficientCredit(t *testing.T) {
	_, router := setupTestServer(t)
	acc := createAccount(t, router, "1000.00")
	path := "/accounts/" + acc.ID.String() + "/purchases"

	rr := do(t, router, "POST", path, map[string]interface{}{"amount": "500.00"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, router, "POST", path, map[string]interface{}{"amount": "600.00"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", rr.Code)
	}

	rr = do(t, router, "GET", "/accounts/"+acc.ID.String(), nil)
	var fetched models.Account
	decodeBody(t, rr, &fetched)
	if !fetched.AvailableCredit.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected available credit 500, got %s", fetched.AvailableCredit)
	}
}

func TestAPI_InstalmentLifecycle(t *testing.T) {
	_, router := setupTestServer(t)
	acc := createAccount(t, router, "1000.00")
	accPath := "/accounts/" + acc.ID.String()

	rr := do(t, router, "POST", accPath+"/purchases", map[string]interface{}{
		"amount":        "450.00",
		"is_instalment": true,
		"term_months":   3,
		"annual_rate":   "0",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var purchase ledger.PurchaseResult
	decodeBody(t, rr, &purchase)
	if purchase.Plan == nil {
		t.Fatal("Expected a repayment plan to be opened")
	}
	plan := purchase.Plan

	rr = do(t, router, "POST", "/purchases/"+purchase.Purchase.ID.String()+"/plan", map[string]interface{}{"term_months": 6})
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for a second plan, got %d", rr.Code)
	}

	rr = do(t, router, "POST", accPath+"/payments", map[string]interface{}{
		"amount":  "200.00",
		"plan_id": plan.ID,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var payment ledger.PaymentResult
	decodeBody(t, rr, &payment)
	if !payment.Plan.Installments[0].Paid {
		t.Error("Expected first instalment to be paid")
	}
	if !payment.Plan.Installments[1].PaidAmount.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected 50 carried to second instalment, got %s", payment.Plan.Installments[1].PaidAmount)
	}

	rr = do(t, router, "POST", accPath+"/payments", map[string]interface{}{
		"amount":  "300.00",
		"plan_id": plan.ID,
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422 for overpayment, got %d", rr.Code)
	}

	rr = do(t, router, "GET", accPath+"/emi-balance", nil)
	var balance emiBalanceResponse
	decodeBody(t, rr, &balance)
	if !balance.EMIBalance.Equal(decimal.NewFromInt(250)) {
		t.Errorf("Expected EMI balance 250, got %s", balance.EMIBalance)
	}

	asOf := plan.Installments[1].DueDate.Add(24 * time.Hour)
	penaltiesPath := "/plans/" + plan.ID.String() + "/penalties"
	for i := 0; i < 2; i++ {
		rr = do(t, router, "POST", penaltiesPath, map[string]interface{}{"as_of": asOf})
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
		}
	}

	rr = do(t, router, "GET", penaltiesPath, nil)
	var penalties []models.Penalty
	decodeBody(t, rr, &penalties)
	if len(penalties) != 1 {
		t.Fatalf("Expected 1 penalty after repeated evaluation, got %d", len(penalties))
	}
	if !penalties[0].Amount.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected penalty 2.00 on the 100.00 left of instalment 2, got %s", penalties[0].Amount)
	}

	rr = do(t, router, "GET", "/plans/"+plan.ID.String(), nil)
	var fetched models.RepaymentPlan
	decodeBody(t, rr, &fetched)
	if !fetched.OutstandingTotal.Equal(decimal.NewFromInt(252)) {
		t.Errorf("Expected outstanding 252, got %s", fetched.OutstandingTotal)
	}

	rr = do(t, router, "GET", accPath+"/transactions", nil)
	var txs []models.Transaction
	decodeBody(t, rr, &txs)
	if len(txs) != 3 {
		t.Errorf("Expected purchase, payment and penalty entries, got %d", len(txs))
	}

	rr = do(t, router, "GET", accPath+"/plans", nil)
	var plans []models.RepaymentPlan
	decodeBody(t, rr, &plans)
	if len(plans) != 1 {
		t.Errorf("Expected 1 plan, got %d", len(plans))
	}
}

func TestAPI_PaymentOnForeignPlan(t *testing.T) {
	_, router := setupTestServer(t)
	owner := createAccount(t, router, "1000.00")
	other := createAccount(t, router, "1000.00")

	rr := do(t, router, "POST", "/accounts/"+owner.ID.String()+"/purchases", map[string]interface{}{
		"amount":        "300.00",
		"is_instalment": true,
	})
	var purchase ledger.PurchaseResult
	decodeBody(t, rr, &purchase)

	rr = do(t, router, "POST", "/accounts/"+other.ID.String()+"/payments", map[string]interface{}{
		"amount":  "10.00",
		"plan_id": purchase.Plan.ID,
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestAPI_OpenPlanOnPlainPurchase(t *testing.T) {
	_, router := setupTestServer(t)
	acc := createAccount(t, router, "1000.00")

	rr := do(t, router, "POST", "/accounts/"+acc.ID.String()+"/purchases", map[string]interface{}{"amount": "100.00"})
	var purchase ledger.PurchaseResult
	decodeBody(t, rr, &purchase)
	if purchase.Plan != nil {
		t.Fatal("Expected no plan for a plain purchase")
	}

	rr = do(t, router, "POST", "/purchases/"+purchase.Purchase.ID.String()+"/plan", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422, got %d", rr.Code)
	}
}

func TestServer_CloseReleasesStorage(t *testing.T) {
	server, router := setupTestServer(t)
	createAccount(t, router, "100.00")

	if err := server.Close(); err != nil {
		t.Fatalf("Failed to close server: %v", err)
	}
	rr := do(t, router, "GET", "/accounts/"+uuid.New().String(), nil)
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500 once storage is closed, got %d", rr.Code)
	}
}
