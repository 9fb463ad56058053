package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/creditline/pkg/amortization"
	"github.com/mcclellann/creditline/pkg/ledger"
	"github.com/mcclellann/creditline/pkg/models"
	"github.com/mcclellann/creditline/pkg/money"
	"github.com/mcclellann/creditline/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Server holds the ledger instance.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage
	validate *validator.Validate
	log      logrus.FieldLogger
}

func NewServer(s store.Storage, log logrus.FieldLogger, opts ...ledger.Option) *Server {
	opts = append([]ledger.Option{ledger.WithLogger(log)}, opts...)
	return &Server{
		ledger:   ledger.NewLedger(s, opts...),
		storage:  s,
		validate: newValidator(),
		log:      log,
	}
}

// Close releases the storage the server was built on.
func (s *Server) Close() error {
	return s.storage.Close()
}

// newValidator lets numeric tags such as gt=0 apply to decimal amounts.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)

	router.HandleFunc("/accounts", s.registerAccountHandler).Methods("POST")
	router.HandleFunc("/accounts/{id}", s.getAccountHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/plans", s.listPlansHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/emi-balance", s.emiBalanceHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/transactions", s.listTransactionsHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/payments", s.listPaymentsHandler).Methods("GET")
	router.HandleFunc("/accounts/{id}/purchases", s.recordPurchaseHandler).Methods("POST")
	router.HandleFunc("/accounts/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/purchases/{id}/plan", s.openPlanHandler).Methods("POST")
	router.HandleFunc("/plans/{id}", s.getPlanHandler).Methods("GET")
	router.HandleFunc("/plans/{id}/penalties", s.evaluatePenaltiesHandler).Methods("POST")
	router.HandleFunc("/plans/{id}/penalties", s.listPenaltiesHandler).Methods("GET")
	return router
}

type registerAccountRequest struct {
	Name        string          `json:"name" validate:"required"`
	Email       string          `json:"email" validate:"omitempty,email"`
	CreditScore int             `json:"credit_score" validate:"gte=0,lte=900"`
	CreditLimit decimal.Decimal `json:"credit_limit" validate:"gt=0"`
}

type purchaseRequest struct {
	Amount       decimal.Decimal  `json:"amount" validate:"gt=0"`
	IsInstalment bool             `json:"is_instalment"`
	TermMonths   int              `json:"term_months" validate:"omitempty,gte=1,lte=360"`
	AnnualRate   *decimal.Decimal `json:"annual_rate" validate:"omitempty,gte=0"`
}

type paymentRequest struct {
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
	PlanID *uuid.UUID      `json:"plan_id"`
}

type openPlanRequest struct {
	TermMonths int              `json:"term_months" validate:"omitempty,gte=1,lte=360"`
	AnnualRate *decimal.Decimal `json:"annual_rate" validate:"omitempty,gte=0"`
}

type penaltiesRequest struct {
	AsOf *time.Time `json:"as_of"`
}

type emiBalanceResponse struct {
	AccountID  uuid.UUID       `json:"account_id"`
	EMIBalance decimal.Decimal `json:"emi_balance"`
}

func (s *Server) registerAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if !s.decode(w, r, &req) {
		return
	}

	account, err := s.ledger.RegisterAccount(r.Context(), ledger.RegisterAccountInput{
		Name:        req.Name,
		Email:       req.Email,
		CreditScore: req.CreditScore,
		CreditLimit: req.CreditLimit,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) getAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	account, err := s.ledger.GetAccount(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) listPlansHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	plans, err := s.ledger.ListPlans(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) emiBalanceHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	balance, err := s.ledger.EMIBalance(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emiBalanceResponse{AccountID: id, EMIBalance: balance})
}

func (s *Server) listTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	txs, err := s.ledger.ListTransactions(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	payments, err := s.ledger.ListPayments(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) recordPurchaseHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	var req purchaseRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.ledger.RecordPurchase(r.Context(), ledger.PurchaseInput{
		AccountID:    id,
		Amount:       req.Amount,
		IsInstalment: req.IsInstalment,
		TermMonths:   req.TermMonths,
		AnnualRate:   req.AnnualRate,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "account")
	if !ok {
		return
	}
	var req paymentRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.ledger.RecordPayment(r.Context(), ledger.PaymentInput{
		AccountID: id,
		Amount:    req.Amount,
		PlanID:    req.PlanID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) openPlanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "purchase")
	if !ok {
		return
	}
	var req openPlanRequest
	if !s.decode(w, r, &req) {
		return
	}

	plan, err := s.ledger.OpenPlan(r.Context(), ledger.OpenPlanInput{
		PurchaseID: id,
		TermMonths: req.TermMonths,
		AnnualRate: req.AnnualRate,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) getPlanHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	plan, err := s.ledger.GetPlan(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) evaluatePenaltiesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	var req penaltiesRequest
	if !s.decode(w, r, &req) {
		return
	}
	asOf := time.Now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	penalties, err := s.ledger.EvaluatePenalties(r.Context(), id, asOf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if penalties == nil {
		penalties = []*models.Penalty{}
	}
	writeJSON(w, http.StatusOK, penalties)
}

func (s *Server) listPenaltiesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "plan")
	if !ok {
		return
	}
	penalties, err := s.ledger.ListPenalties(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, penalties)
}

func pathID(w http.ResponseWriter, r *http.Request, entity string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid %s ID", entity), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// decode reads and validates a JSON body. An empty body decodes to the zero request.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return false
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			switch e.Tag() {
			case "required":
				msgs = append(msgs, "field "+e.Field()+" is required")
			case "gt":
				msgs = append(msgs, "field "+e.Field()+" must be greater than "+e.Param())
			default:
				msgs = append(msgs, fmt.Sprintf("field %s fails %s=%s", e.Field(), e.Tag(), e.Param()))
			}
		}
		http.Error(w, strings.Join(msgs, "; "), http.StatusBadRequest)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrInvalidRate),
		errors.Is(err, amortization.ErrInvalidTerm):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrUnknownPlan):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPlanAlreadyExists),
		errors.Is(err, models.ErrPlanSettled):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientCredit),
		errors.Is(err, models.ErrOverpayment),
		errors.Is(err, models.ErrNotInstalment):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
		http.Error(w, "Internal server error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("Request")
	})
}
