package main

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/adeyinka/coopledger/pkg/faults"
	"github.com/adeyinka/coopledger/pkg/members"
	"github.com/adeyinka/coopledger/pkg/models"
)

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, faults.NewValidation(faults.CodeInvalidInput, "invalid %s in path", name)
	}
	return id, nil
}

// ---- auth ----

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	member, err := s.members.Authenticate(in.Email, in.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.tokens.IssueToken(member.ID, member.Role)
	if err != nil {
		s.writeError(w, faults.NewInfrastructure("issue token", err))
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"token":  token,
		"member": member,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	member, err := s.members.Get(claims.MemberID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, member)
}

// ---- members ----

func (s *Server) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	var in members.CreateMemberInput
	if !s.decode(w, r, &in) {
		return
	}
	member, err := s.members.Create(&in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, member)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	list, err := s.members.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	member, err := s.members.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, member)
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in members.UpdateMemberInput
	if !s.decode(w, r, &in) {
		return
	}
	member, err := s.members.Update(id, &in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, member)
}

func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.members.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var in struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	if err := s.members.ChangePassword(claims.MemberID, in.CurrentPassword, in.NewPassword); err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "password changed"})
}

func (s *Server) handleUpdateBankDetails(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in members.UpdateBankDetailsInput
	if !s.decode(w, r, &in) {
		return
	}
	member, err := s.members.UpdateBankDetails(id, &in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, member)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	balances, err := s.members.BalancesFor(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, balances)
}

// ---- period ledger ----

func (s *Server) handleApplyDelta(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in struct {
		Month int                   `json:"month"`
		Year  int                   `json:"year"`
		Delta models.DeductionDelta `json:"delta"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	record, err := s.ledger.ApplyDelta(id, in.Month, in.Year, &in.Delta)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, record)
}

func (s *Server) handleSetDeductions(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in struct {
		Month  int                    `json:"month"`
		Year   int                    `json:"year"`
		Values models.DeductionValues `json:"values"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	record, err := s.ledger.SetAbsolute(id, in.Month, in.Year, &in.Values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, record)
}

// handleGetDeductions reads one period, or the most recent when the query
// omits month and year.
func (s *Server) handleGetDeductions(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var period *models.Period
	monthStr, yearStr := r.URL.Query().Get("month"), r.URL.Query().Get("year")
	if monthStr != "" || yearStr != "" {
		month, merr := strconv.Atoi(monthStr)
		year, yerr := strconv.Atoi(yearStr)
		if merr != nil || yerr != nil {
			s.writeError(w, faults.NewValidation(faults.CodeInvalidPeriod, "month and year must both be numeric"))
			return
		}
		period = &models.Period{Month: month, Year: year}
	}
	record, err := s.ledger.Record(id, period)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, record)
}

// handleBookDeductions posts one month's deductions for many members in a
// single transaction.
func (s *Server) handleBookDeductions(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Month   int                      `json:"month"`
		Year    int                      `json:"year"`
		Entries []models.MemberDeduction `json:"entries"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	records, err := s.ledger.ApplyBatch(in.Month, in.Year, in.Entries)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, records)
}

func (s *Server) handleDeductionHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	history, err := s.ledger.History(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, history)
}

func (s *Server) handlePeriodReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	year, yerr := strconv.Atoi(vars["year"])
	month, merr := strconv.Atoi(vars["month"])
	if yerr != nil || merr != nil {
		s.writeError(w, faults.NewValidation(faults.CodeInvalidPeriod, "month and year must be numeric"))
		return
	}
	totals, err := s.ledger.Totals(month, year)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, totals)
}

// ---- loans ----

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.loans.Policies()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, policies)
}

type eligibilityRequest struct {
	MemberID       *uuid.UUID      `json:"member_id,omitempty"`
	Category       string          `json:"category"`
	Amount         decimal.Decimal `json:"amount"`
	DurationMonths int             `json:"duration_months"`
	Purpose        string          `json:"purpose,omitempty"`
}

// subjectMember resolves whose record an operation targets. Members always
// act on themselves, admins may name another member.
func (s *Server) subjectMember(r *http.Request, requested *uuid.UUID) uuid.UUID {
	claims := claimsFrom(r)
	if claims.Role == models.RoleAdmin && requested != nil {
		return *requested
	}
	return claims.MemberID
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	var in eligibilityRequest
	if !s.decode(w, r, &in) {
		return
	}
	result, err := s.loans.Evaluate(s.subjectMember(r, in.MemberID), in.Category, in.Amount, in.DurationMonths)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func (s *Server) handleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	var in eligibilityRequest
	if !s.decode(w, r, &in) {
		return
	}
	app, err := s.loans.SubmitApplication(s.subjectMember(r, in.MemberID), in.Category, in.Amount, in.DurationMonths, in.Purpose)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, app)
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	status := models.ApplicationStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ApplicationPending
	}
	apps, err := s.loans.ApplicationsByStatus(status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, apps)
}

func (s *Server) handleMemberApplications(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	apps, err := s.loans.ApplicationsForMember(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, apps)
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

func (d *decisionRequest) approve() (bool, error) {
	switch d.Decision {
	case "approve":
		return true, nil
	case "decline":
		return false, nil
	default:
		return false, faults.NewValidation(faults.CodeInvalidDecision, "decision must be approve or decline, got %q", d.Decision)
	}
}

func (s *Server) handleDecideApplication(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in decisionRequest
	if !s.decode(w, r, &in) {
		return
	}
	approve, err := in.approve()
	if err != nil {
		s.writeError(w, err)
		return
	}
	app, loan, err := s.loans.DecideApplication(id, approve, in.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := map[string]any{"application": app}
	if loan != nil {
		payload["loan"] = loan
	}
	s.respond(w, http.StatusOK, payload)
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	status := models.LoanStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.LoanActive
	}
	list, err := s.loans.ListByStatus(status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleMemberLoans(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.loans.ListForMember(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleLoanDetail(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	detail, err := s.loans.Detail(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	claims := claimsFrom(r)
	if claims.Role != models.RoleAdmin && detail.Loan.MemberID != claims.MemberID {
		s.respond(w, http.StatusForbidden, errorBody{Error: "access denied"})
		return
	}
	s.respond(w, http.StatusOK, detail)
}

func (s *Server) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in struct {
		Amount decimal.Decimal `json:"amount"`
		Month  int             `json:"month"`
		Year   int             `json:"year"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	loan, err := s.loans.RecordPayment(id, in.Amount, in.Month, in.Year)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, loan)
}

func (s *Server) handleMarkDefaulted(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in struct {
		Notes string `json:"notes"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	loan, err := s.loans.MarkDefaulted(id, in.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, loan)
}

// ---- withdrawals ----

func (s *Server) handleSubmitWithdrawal(w http.ResponseWriter, r *http.Request) {
	var in struct {
		MemberID *uuid.UUID      `json:"member_id,omitempty"`
		Amount   decimal.Decimal `json:"amount"`
		Reason   string          `json:"reason"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	request, err := s.withdrawals.SubmitRequest(s.subjectMember(r, in.MemberID), in.Amount, in.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, request)
}

func (s *Server) handleListWithdrawals(w http.ResponseWriter, r *http.Request) {
	status := models.WithdrawalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.WithdrawalPending
	}
	list, err := s.withdrawals.ListByStatus(status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleMemberWithdrawals(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.withdrawals.ListForMember(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleDecideWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in decisionRequest
	if !s.decode(w, r, &in) {
		return
	}
	approve, err := in.approve()
	if err != nil {
		s.writeError(w, err)
		return
	}
	request, err := s.withdrawals.DecideRequest(id, approve, in.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, request)
}

func (s *Server) handleDirectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var in struct {
		Amount decimal.Decimal `json:"amount"`
		Reason string          `json:"reason"`
		Notes  string          `json:"notes"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	request, err := s.withdrawals.DirectWithdrawal(id, in.Amount, in.Reason, in.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, request)
}
