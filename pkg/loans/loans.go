// Package loans runs the loan lifecycle, eligibility evaluation through
// application, approval, repayment and closure.
package loans

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/adeyinka/coopledger/pkg/faults"
	"github.com/adeyinka/coopledger/pkg/ledger"
	"github.com/adeyinka/coopledger/pkg/models"
	"github.com/adeyinka/coopledger/pkg/store"
)

// daysPerMonth is the average month length used to convert a membership span
// into whole months.
const daysPerMonth = 30.44

// Engine drives loan applications, active loans and repayments.
type Engine struct {
	storage store.Storage
	ledger  *ledger.Engine
	log     *logrus.Logger
}

func NewEngine(storage store.Storage, ledgerEngine *ledger.Engine, log *logrus.Logger) *Engine {
	return &Engine{storage: storage, ledger: ledgerEngine, log: log}
}

// LoanDetail bundles a loan with its schedule and payment history.
type LoanDetail struct {
	Loan     *models.Loan            `json:"loan"`
	Schedule []*models.ScheduleEntry `json:"schedule"`
	Payments []*models.LoanPayment   `json:"payments"`
}

// MembershipMonths converts the span since joining into whole months.
func MembershipMonths(joined time.Time, now time.Time) int {
	days := now.Sub(joined).Hours() / 24
	return int(days / daysPerMonth)
}

// Evaluate runs every eligibility rule in order and reports the first
// failure. The result always carries the ceiling and balance figures so
// callers can show members how far off they are.
func (e *Engine) Evaluate(memberID uuid.UUID, category string, amount decimal.Decimal, durationMonths int) (*models.EligibilityResult, error) {
	return e.evaluate(e.storage, memberID, category, amount, durationMonths, time.Now())
}

func (e *Engine) evaluate(s store.Store, memberID uuid.UUID, category string, amount decimal.Decimal, durationMonths int, now time.Time) (*models.EligibilityResult, error) {
	member, err := s.GetMember(memberID)
	if err != nil {
		return nil, err
	}

	policy, err := s.GetPolicy(category)
	if err != nil {
		var nf *faults.NotFoundError
		if errors.As(err, &nf) {
			return nil, faults.NewValidation(faults.CodeInvalidCategory, "unknown loan category %q", category)
		}
		return nil, err
	}
	if !policy.Active {
		return nil, faults.NewValidation(faults.CodeInvalidCategory, "loan category %q is not accepting applications", category)
	}

	months := MembershipMonths(member.CreatedAt, now)
	// Both locked and special savings count toward the borrowing ceiling.
	totalSavings := member.CumulativeSavings.Add(member.SpecialSavingsBalance)
	savingsCeiling := totalSavings.Mul(policy.SavingsMultiplier)
	maxEligible := decimal.Min(policy.MaxAmount, savingsCeiling)
	result := &models.EligibilityResult{
		MaxEligibleAmount:  maxEligible,
		RequiredGuarantors: policy.MinGuarantors,
		SavingsBalance:     totalSavings,
		MembershipMonths:   months,
	}

	fail := func(code, format string, args ...any) (*models.EligibilityResult, error) {
		result.Eligible = false
		result.Code = code
		result.Reason = fmt.Sprintf(format, args...)
		return result, nil
	}

	if months < policy.MinMembershipMonths {
		return fail(faults.CodeMembershipTooShort,
			"membership of %d months is below the %d required for %s loans", months, policy.MinMembershipMonths, category)
	}
	if amount.LessThan(policy.MinAmount) || amount.GreaterThan(policy.MaxAmount) {
		return fail(faults.CodeAmountOutOfRange,
			"amount must be between %s and %s for %s loans", policy.MinAmount, policy.MaxAmount, category)
	}
	if durationMonths < 1 || durationMonths > policy.MaxDurationMonths {
		return fail(faults.CodeDurationTooLong,
			"duration must be between 1 and %d months for %s loans", policy.MaxDurationMonths, category)
	}
	if amount.GreaterThan(savingsCeiling) {
		return fail(faults.CodeExceedsSavingsMultiple,
			"amount %s exceeds %s times savings of %s", amount, policy.SavingsMultiplier, totalSavings)
	}

	active, err := s.CountActiveLoans(memberID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return fail(faults.CodeActiveLoanExists, "member already has an active loan")
	}

	result.Eligible = true
	return result, nil
}

// MonthlyPayment divides the principal evenly and rounds to two places.
func MonthlyPayment(amount decimal.Decimal, durationMonths int) decimal.Decimal {
	return amount.DivRound(decimal.NewFromInt(int64(durationMonths)), 2)
}

// SubmitApplication records a pending application after the member passes
// every eligibility rule. An ineligible member gets a policy violation
// carrying the failing rule's code and the eligibility ceiling.
func (e *Engine) SubmitApplication(memberID uuid.UUID, category string, amount decimal.Decimal, durationMonths int, purpose string) (*models.LoanApplication, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, faults.NewValidation(faults.CodeInvalidAmount, "amount must be positive")
	}
	if durationMonths < 1 {
		return nil, faults.NewValidation(faults.CodeInvalidPeriod, "duration must be at least one month")
	}

	result, err := e.Evaluate(memberID, category, amount, durationMonths)
	if err != nil {
		return nil, err
	}
	if !result.Eligible {
		violation := faults.NewPolicyViolation(result.Code, "%s", result.Reason)
		violation.MaxEligibleAmount = result.MaxEligibleAmount
		violation.CurrentBalance = result.SavingsBalance
		return nil, violation
	}

	app := &models.LoanApplication{
		ID:             uuid.New(),
		MemberID:       memberID,
		Amount:         amount,
		DurationMonths: durationMonths,
		Purpose:        purpose,
		Category:       category,
		MonthlyPayment: MonthlyPayment(amount, durationMonths),
		Status:         models.ApplicationPending,
		CreatedAt:      time.Now(),
	}
	if err := e.storage.CreateApplication(app); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"application_id": app.ID,
		"member_id":      memberID,
		"category":       category,
		"amount":         amount,
	}).Info("loan application submitted")
	return app, nil
}

// DecideApplication approves or declines a pending application. Approval
// re-runs the eligibility rules inside the transaction, so an application
// that went stale since submission is rejected and stays pending. The
// approved loan and its schedule are created atomically with the status
// change, and the one-active-loan rule is additionally enforced by the
// storage layer's partial unique index.
func (e *Engine) DecideApplication(applicationID uuid.UUID, approve bool, notes string) (*models.LoanApplication, *models.Loan, error) {
	var app *models.LoanApplication
	var loan *models.Loan
	err := e.storage.WithinTx(func(s store.Store) error {
		var err error
		app, err = s.GetApplication(applicationID)
		if err != nil {
			return err
		}
		if app.Status != models.ApplicationPending {
			return faults.NewStateConflict(faults.CodeAlreadyDecided,
				"application %s was already %s", app.ID, app.Status)
		}

		now := time.Now()
		app.AdminNotes = notes
		app.DecidedAt = &now

		if !approve {
			app.Status = models.ApplicationDeclined
			return s.UpdateApplication(app)
		}

		result, err := e.evaluate(s, app.MemberID, app.Category, app.Amount, app.DurationMonths, now)
		if err != nil {
			return err
		}
		if !result.Eligible {
			violation := faults.NewPolicyViolation(result.Code, "cannot approve: %s", result.Reason)
			violation.MaxEligibleAmount = result.MaxEligibleAmount
			violation.CurrentBalance = result.SavingsBalance
			return violation
		}

		app.Status = models.ApplicationApproved
		if err := s.UpdateApplication(app); err != nil {
			return err
		}

		loan = buildLoan(app, now)
		if err := s.CreateLoan(loan); err != nil {
			return err
		}
		return s.CreateScheduleEntries(BuildSchedule(loan))
	})
	if err != nil {
		return nil, nil, err
	}
	fields := logrus.Fields{"application_id": applicationID, "approved": approve}
	if loan != nil {
		fields["loan_id"] = loan.ID
	}
	e.log.WithFields(fields).Info("loan application decided")
	return app, loan, nil
}

func buildLoan(app *models.LoanApplication, now time.Time) *models.Loan {
	return &models.Loan{
		ID:               uuid.New(),
		MemberID:         app.MemberID,
		ApplicationID:    app.ID,
		Amount:           app.Amount,
		RemainingBalance: app.Amount,
		MonthlyPayment:   app.MonthlyPayment,
		DurationMonths:   app.DurationMonths,
		Category:         app.Category,
		Purpose:          app.Purpose,
		Status:           models.LoanActive,
		StartDate:        now,
		ExpectedEndDate:  now.AddDate(0, app.DurationMonths, 0),
		NextDueDate:      now.AddDate(0, 1, 0),
		AdminNotes:       app.AdminNotes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// BuildSchedule lays out equal installments with the final one absorbing the
// rounding remainder, so the installments always sum to the principal.
func BuildSchedule(loan *models.Loan) []*models.ScheduleEntry {
	n := loan.DurationMonths
	installment := MonthlyPayment(loan.Amount, n)

	entries := make([]*models.ScheduleEntry, 0, n)
	remaining := loan.Amount
	for i := 1; i <= n; i++ {
		amount := installment
		if i == n {
			amount = remaining
		}
		remaining = remaining.Sub(amount)
		entries = append(entries, &models.ScheduleEntry{
			LoanID:                loan.ID,
			InstallmentNumber:     i,
			DueDate:               loan.StartDate.AddDate(0, i, 0),
			PrincipalAmount:       amount,
			RemainingBalanceAfter: remaining,
		})
	}
	return entries
}

// RecordPayment applies a repayment against an active loan and credits the
// full amount to the member's ledger for the declared period, in one
// transaction. Every repayment lands in the ledger's loan repayment column
// regardless of loan category; the festival and business columns are
// admin-entered deductions only. A payment above the remaining balance closes
// the loan while the ledger still receives the amount actually paid.
func (e *Engine) RecordPayment(loanID uuid.UUID, amount decimal.Decimal, month, year int) (*models.Loan, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, faults.NewValidation(faults.CodeInvalidAmount, "payment amount must be positive")
	}
	if err := e.ledger.ValidatePeriod(month, year); err != nil {
		return nil, err
	}

	var loan *models.Loan
	err := e.storage.WithinTx(func(s store.Store) error {
		var err error
		loan, err = s.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanActive {
			return faults.NewStateConflict(faults.CodeLoanNotActive,
				"loan %s is %s, payments are only accepted on active loans", loan.ID, loan.Status)
		}

		now := time.Now()
		loan.RemainingBalance = loan.RemainingBalance.Sub(amount)
		if loan.RemainingBalance.LessThanOrEqual(decimal.Zero) {
			loan.RemainingBalance = decimal.Zero
			loan.Status = models.LoanCompleted
			loan.CompletedAt = &now
		} else {
			loan.NextDueDate = loan.NextDueDate.AddDate(0, 1, 0)
		}
		loan.UpdatedAt = now
		if err := s.UpdateLoan(loan); err != nil {
			return err
		}

		payment := &models.LoanPayment{
			ID:     uuid.New(),
			LoanID: loan.ID,
			Amount: amount,
			Month:  month,
			Year:   year,
			PaidAt: now,
		}
		if err := s.CreatePayment(payment); err != nil {
			return err
		}

		_, err = ledger.ApplyDeltaTx(s, loan.MemberID, month, year, &models.DeductionDelta{LoanRepayment: amount})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"loan_id": loanID,
		"amount":  amount,
		"status":  loan.Status,
	}).Info("loan payment recorded")
	return loan, nil
}

// Detail returns the loan with its schedule and payment history.
func (e *Engine) Detail(loanID uuid.UUID) (*LoanDetail, error) {
	loan, err := e.storage.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	schedule, err := e.storage.ListSchedule(loanID)
	if err != nil {
		return nil, err
	}
	payments, err := e.storage.ListPayments(loanID)
	if err != nil {
		return nil, err
	}
	return &LoanDetail{Loan: loan, Schedule: schedule, Payments: payments}, nil
}

// MarkDefaulted moves an active loan to defaulted with a note on why.
func (e *Engine) MarkDefaulted(loanID uuid.UUID, notes string) (*models.Loan, error) {
	var loan *models.Loan
	err := e.storage.WithinTx(func(s store.Store) error {
		var err error
		loan, err = s.GetLoan(loanID)
		if err != nil {
			return err
		}
		if loan.Status != models.LoanActive {
			return faults.NewStateConflict(faults.CodeLoanNotActive,
				"loan %s is %s, only active loans can default", loan.ID, loan.Status)
		}
		loan.Status = models.LoanDefaulted
		loan.AdminNotes = notes
		loan.UpdatedAt = time.Now()
		return s.UpdateLoan(loan)
	})
	if err != nil {
		return nil, err
	}
	e.log.WithField("loan_id", loanID).Warn("loan marked defaulted")
	return loan, nil
}

// Reconcile sweeps active loans, closing any whose balance already reached
// zero and logging loans past their expected end date. Intended to run on a
// schedule.
func (e *Engine) Reconcile() error {
	loans, err := e.storage.ListLoansByStatus(models.LoanActive)
	if err != nil {
		return err
	}

	now := time.Now()
	var closed, overdue int
	for _, loan := range loans {
		if loan.RemainingBalance.LessThanOrEqual(decimal.Zero) {
			id := loan.ID
			err := e.storage.WithinTx(func(s store.Store) error {
				current, err := s.GetLoan(id)
				if err != nil {
					return err
				}
				if current.Status != models.LoanActive || current.RemainingBalance.GreaterThan(decimal.Zero) {
					return nil
				}
				current.RemainingBalance = decimal.Zero
				current.Status = models.LoanCompleted
				current.CompletedAt = &now
				current.UpdatedAt = now
				return s.UpdateLoan(current)
			})
			if err != nil {
				return err
			}
			closed++
			continue
		}
		if now.After(loan.ExpectedEndDate) {
			overdue++
			e.log.WithFields(logrus.Fields{
				"loan_id":           loan.ID,
				"member_id":         loan.MemberID,
				"remaining_balance": loan.RemainingBalance,
				"expected_end_date": loan.ExpectedEndDate,
			}).Warn("loan past expected end date with outstanding balance")
		}
	}

	e.log.WithFields(logrus.Fields{
		"active":  len(loans),
		"closed":  closed,
		"overdue": overdue,
	}).Info("loan reconciliation sweep finished")
	return nil
}

// ListForMember returns a member's loans, newest first.
func (e *Engine) ListForMember(memberID uuid.UUID) ([]*models.Loan, error) {
	if _, err := e.storage.GetMember(memberID); err != nil {
		return nil, err
	}
	return e.storage.ListLoansForMember(memberID)
}

// ListByStatus returns loans in the given state for admin review.
func (e *Engine) ListByStatus(status models.LoanStatus) ([]*models.Loan, error) {
	return e.storage.ListLoansByStatus(status)
}

// ApplicationsForMember returns a member's applications, newest first.
func (e *Engine) ApplicationsForMember(memberID uuid.UUID) ([]*models.LoanApplication, error) {
	if _, err := e.storage.GetMember(memberID); err != nil {
		return nil, err
	}
	return e.storage.ListApplicationsForMember(memberID)
}

// ApplicationsByStatus returns applications in the given state.
func (e *Engine) ApplicationsByStatus(status models.ApplicationStatus) ([]*models.LoanApplication, error) {
	return e.storage.ListApplicationsByStatus(status)
}

// Policies lists the configured loan categories.
func (e *Engine) Policies() ([]*models.LoanPolicy, error) {
	return e.storage.ListPolicies()
}
