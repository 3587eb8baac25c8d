package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/adeyinka/coopledger/pkg/auth"
	"github.com/adeyinka/coopledger/pkg/faults"
	"github.com/adeyinka/coopledger/pkg/ledger"
	"github.com/adeyinka/coopledger/pkg/loans"
	"github.com/adeyinka/coopledger/pkg/members"
	"github.com/adeyinka/coopledger/pkg/withdrawals"
)

// Server wires the engines behind the HTTP API.
type Server struct {
	router      *mux.Router
	members     *members.Service
	ledger      *ledger.Engine
	loans       *loans.Engine
	withdrawals *withdrawals.Engine
	tokens      *auth.Manager
	log         *logrus.Logger
}

func NewServer(
	memberSvc *members.Service,
	ledgerEngine *ledger.Engine,
	loanEngine *loans.Engine,
	withdrawalEngine *withdrawals.Engine,
	tokens *auth.Manager,
	log *logrus.Logger,
) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		members:     memberSvc,
		ledger:      ledgerEngine,
		loans:       loanEngine,
		withdrawals: withdrawalEngine,
		tokens:      tokens,
		log:         log,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", s.handleLogin).Methods("POST")

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)

	authed.HandleFunc("/me", s.handleMe).Methods("GET")
	authed.HandleFunc("/me/password", s.handleChangePassword).Methods("POST")

	// Member administration.
	authed.HandleFunc("/members", s.adminOnly(s.handleCreateMember)).Methods("POST")
	authed.HandleFunc("/members", s.adminOnly(s.handleListMembers)).Methods("GET")
	authed.HandleFunc("/members/{id}", s.selfOrAdmin(s.handleGetMember)).Methods("GET")
	authed.HandleFunc("/members/{id}", s.adminOnly(s.handleUpdateMember)).Methods("PUT")
	authed.HandleFunc("/members/{id}", s.adminOnly(s.handleDeleteMember)).Methods("DELETE")
	authed.HandleFunc("/members/{id}/bank-details", s.selfOrAdmin(s.handleUpdateBankDetails)).Methods("PUT")
	authed.HandleFunc("/members/{id}/balances", s.selfOrAdmin(s.handleBalances)).Methods("GET")

	// Period ledger.
	authed.HandleFunc("/members/{id}/deductions/delta", s.adminOnly(s.handleApplyDelta)).Methods("POST")
	authed.HandleFunc("/members/{id}/deductions", s.adminOnly(s.handleSetDeductions)).Methods("PUT")
	authed.HandleFunc("/members/{id}/deductions", s.selfOrAdmin(s.handleGetDeductions)).Methods("GET")
	authed.HandleFunc("/members/{id}/deductions/history", s.selfOrAdmin(s.handleDeductionHistory)).Methods("GET")
	authed.HandleFunc("/deductions/bookings", s.adminOnly(s.handleBookDeductions)).Methods("POST")
	authed.HandleFunc("/reports/periods/{year}/{month}", s.adminOnly(s.handlePeriodReport)).Methods("GET")

	// Loans.
	authed.HandleFunc("/loan-policies", s.handleListPolicies).Methods("GET")
	authed.HandleFunc("/loans/eligibility", s.handleEligibility).Methods("POST")
	authed.HandleFunc("/loan-applications", s.handleSubmitApplication).Methods("POST")
	authed.HandleFunc("/loan-applications", s.adminOnly(s.handleListApplications)).Methods("GET")
	authed.HandleFunc("/loan-applications/{id}/decision", s.adminOnly(s.handleDecideApplication)).Methods("POST")
	authed.HandleFunc("/members/{id}/loan-applications", s.selfOrAdmin(s.handleMemberApplications)).Methods("GET")
	authed.HandleFunc("/loans", s.adminOnly(s.handleListLoans)).Methods("GET")
	authed.HandleFunc("/loans/{id}", s.handleLoanDetail).Methods("GET")
	authed.HandleFunc("/loans/{id}/payments", s.adminOnly(s.handleRecordPayment)).Methods("POST")
	authed.HandleFunc("/loans/{id}/default", s.adminOnly(s.handleMarkDefaulted)).Methods("POST")
	authed.HandleFunc("/members/{id}/loans", s.selfOrAdmin(s.handleMemberLoans)).Methods("GET")

	// Withdrawals.
	authed.HandleFunc("/withdrawals", s.handleSubmitWithdrawal).Methods("POST")
	authed.HandleFunc("/withdrawals", s.adminOnly(s.handleListWithdrawals)).Methods("GET")
	authed.HandleFunc("/withdrawals/{id}/decision", s.adminOnly(s.handleDecideWithdrawal)).Methods("POST")
	authed.HandleFunc("/members/{id}/withdrawals", s.selfOrAdmin(s.handleMemberWithdrawals)).Methods("GET")
	authed.HandleFunc("/members/{id}/withdrawals/direct", s.adminOnly(s.handleDirectWithdrawal)).Methods("POST")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.log.WithError(err).Error("failed to encode response")
		}
	}
}

// errorBody is the uniform error envelope. Policy violations attach the
// boundary figures that explain the rejection.
type errorBody struct {
	Error             string `json:"error"`
	Code              string `json:"code,omitempty"`
	MaxEligibleAmount string `json:"max_eligible_amount,omitempty"`
	CurrentBalance    string `json:"current_balance,omitempty"`
	Shortfall         string `json:"shortfall,omitempty"`
}

// writeError maps each error class to its HTTP status. Infrastructure
// failures are logged with detail but reported generically.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var validation *faults.ValidationError
	if errors.As(err, &validation) {
		s.respond(w, http.StatusBadRequest, errorBody{Error: validation.Message, Code: validation.Code})
		return
	}
	var notFound *faults.NotFoundError
	if errors.As(err, &notFound) {
		s.respond(w, http.StatusNotFound, errorBody{Error: notFound.Error()})
		return
	}
	var conflict *faults.StateConflictError
	if errors.As(err, &conflict) {
		s.respond(w, http.StatusConflict, errorBody{Error: conflict.Message, Code: conflict.Code})
		return
	}
	var violation *faults.PolicyViolationError
	if errors.As(err, &violation) {
		body := errorBody{Error: violation.Message, Code: violation.Code}
		switch violation.Code {
		case faults.CodeInsufficientBalance:
			body.CurrentBalance = violation.CurrentBalance.String()
			body.Shortfall = violation.Shortfall.String()
		default:
			// Eligibility failures always explain the ceiling, a zero
			// ceiling included.
			body.MaxEligibleAmount = violation.MaxEligibleAmount.String()
			body.CurrentBalance = violation.CurrentBalance.String()
		}
		s.respond(w, http.StatusUnprocessableEntity, body)
		return
	}
	s.log.WithError(err).Error("request failed")
	s.respond(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid JSON payload", Code: faults.CodeInvalidInput})
		return false
	}
	return true
}
