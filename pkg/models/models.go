package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Member is an account holder. Cumulative fields are running totals mutated
// only by the loan and withdrawal engines or by an admin; monthly deduction
// figures are never stored here, they live in PeriodRecord rows.
type Member struct {
	ID                    uuid.UUID       `json:"id"`
	FirstName             string          `json:"first_name"`
	Surname               string          `json:"surname"`
	Email                 string          `json:"email"`
	Phone                 string          `json:"phone"`
	Role                  Role            `json:"role"`
	PasswordHash          string          `json:"-"`
	BankName              string          `json:"bank_name"`
	AccountNumber         string          `json:"account_number"`
	AccountHolderName     string          `json:"account_holder_name"`
	CumulativeSavings     decimal.Decimal `json:"cumulative_savings"`
	CumulativeShares      decimal.Decimal `json:"cumulative_shares"`
	CumulativeInvestment  decimal.Decimal `json:"cumulative_investment"`
	SpecialSavingsBalance decimal.Decimal `json:"special_savings_balance"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Period is a (month, year) pair, the exclusive partition key for monthly
// deduction data.
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// PeriodRecord holds every deduction category for one member in one period.
// Exactly one row may exist per (member, month, year).
type PeriodRecord struct {
	ID             uuid.UUID       `json:"id"`
	MemberID       uuid.UUID       `json:"member_id"`
	Month          int             `json:"month"`
	Year           int             `json:"year"`
	RegularSavings decimal.Decimal `json:"regular_savings"`
	SpecialSavings decimal.Decimal `json:"special_savings"`
	Shares         decimal.Decimal `json:"shares"`
	Investment     decimal.Decimal `json:"investment"`
	LoanRepayment  decimal.Decimal `json:"loan_repayment"`
	OverDeduction  decimal.Decimal `json:"over_deduction"`
	UnderDeduction decimal.Decimal `json:"under_deduction"`
	FestivalLoan   decimal.Decimal `json:"festival_loan"`
	Business       decimal.Decimal `json:"business"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Total is the sum of every deduction category in the record.
func (r *PeriodRecord) Total() decimal.Decimal {
	return r.RegularSavings.
		Add(r.SpecialSavings).
		Add(r.Shares).
		Add(r.Investment).
		Add(r.LoanRepayment).
		Add(r.OverDeduction).
		Add(r.UnderDeduction).
		Add(r.FestivalLoan).
		Add(r.Business)
}

// DeductionDelta carries additive adjustments to a period record. Zero fields
// leave the stored value untouched.
type DeductionDelta struct {
	RegularSavings decimal.Decimal `json:"regular_savings"`
	SpecialSavings decimal.Decimal `json:"special_savings"`
	Shares         decimal.Decimal `json:"shares"`
	Investment     decimal.Decimal `json:"investment"`
	LoanRepayment  decimal.Decimal `json:"loan_repayment"`
	OverDeduction  decimal.Decimal `json:"over_deduction"`
	UnderDeduction decimal.Decimal `json:"under_deduction"`
	FestivalLoan   decimal.Decimal `json:"festival_loan"`
	Business       decimal.Decimal `json:"business"`
}

// DeductionValues carries absolute monthly amounts. Nil fields are left as
// they are; set fields overwrite the stored value.
type DeductionValues struct {
	RegularSavings *decimal.Decimal `json:"regular_savings"`
	SpecialSavings *decimal.Decimal `json:"special_savings"`
	Shares         *decimal.Decimal `json:"shares"`
	Investment     *decimal.Decimal `json:"investment"`
	LoanRepayment  *decimal.Decimal `json:"loan_repayment"`
	OverDeduction  *decimal.Decimal `json:"over_deduction"`
	UnderDeduction *decimal.Decimal `json:"under_deduction"`
	FestivalLoan   *decimal.Decimal `json:"festival_loan"`
	Business       *decimal.Decimal `json:"business"`
}

// MemberDeduction is one entry in a bulk deduction booking: a member and the
// delta to apply to their record for the booked period.
type MemberDeduction struct {
	MemberID uuid.UUID      `json:"member_id"`
	Delta    DeductionDelta `json:"delta"`
}

// LoanPolicy is read-only reference data bounding one loan category.
type LoanPolicy struct {
	Category            string          `json:"category"`
	MinAmount           decimal.Decimal `json:"min_amount"`
	MaxAmount           decimal.Decimal `json:"max_amount"`
	MaxDurationMonths   int             `json:"max_duration_months"`
	MinMembershipMonths int             `json:"min_membership_months"`
	SavingsMultiplier   decimal.Decimal `json:"savings_multiplier"`
	MinGuarantors       int             `json:"min_guarantors"`
	Active              bool            `json:"active"`
}

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationApproved ApplicationStatus = "approved"
	ApplicationDeclined ApplicationStatus = "declined"
)

// LoanApplication is a member's pending request for a loan. Approval is the
// only transition with a side effect outside the row itself: it creates the
// Loan and its schedule.
type LoanApplication struct {
	ID             uuid.UUID         `json:"id"`
	MemberID       uuid.UUID         `json:"member_id"`
	Amount         decimal.Decimal   `json:"amount"`
	DurationMonths int               `json:"duration_months"`
	Purpose        string            `json:"purpose"`
	Category       string            `json:"category"`
	MonthlyPayment decimal.Decimal   `json:"monthly_payment"`
	Status         ApplicationStatus `json:"status"`
	AdminNotes     string            `json:"admin_notes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	DecidedAt      *time.Time        `json:"decided_at,omitempty"`
}

type LoanStatus string

const (
	LoanActive    LoanStatus = "active"
	LoanCompleted LoanStatus = "completed"
	LoanDefaulted LoanStatus = "defaulted"
)

// Loan is an approved, interest-free loan. RemainingBalance never leaves
// [0, Amount] and reaching 0 forces the status to completed.
type Loan struct {
	ID               uuid.UUID       `json:"id"`
	MemberID         uuid.UUID       `json:"member_id"`
	ApplicationID    uuid.UUID       `json:"application_id"`
	Amount           decimal.Decimal `json:"amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	MonthlyPayment   decimal.Decimal `json:"monthly_payment"`
	DurationMonths   int             `json:"duration_months"`
	Category         string          `json:"category"`
	Purpose          string          `json:"purpose"`
	Status           LoanStatus      `json:"status"`
	StartDate        time.Time       `json:"start_date"`
	ExpectedEndDate  time.Time       `json:"expected_end_date"`
	NextDueDate      time.Time       `json:"next_due_date"`
	AdminNotes       string          `json:"admin_notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// ScheduleEntry is one precomputed installment of a loan. The final
// installment absorbs rounding so the schedule sums exactly to the principal.
type ScheduleEntry struct {
	LoanID                uuid.UUID       `json:"loan_id"`
	InstallmentNumber     int             `json:"installment_number"`
	DueDate               time.Time       `json:"due_date"`
	PrincipalAmount       decimal.Decimal `json:"principal_amount"`
	RemainingBalanceAfter decimal.Decimal `json:"remaining_balance_after"`
}

// LoanPayment is an append-only repayment record. Month and year are the
// declared ledger period, which may differ from the wall-clock PaidAt.
type LoanPayment struct {
	ID     uuid.UUID       `json:"id"`
	LoanID uuid.UUID       `json:"loan_id"`
	Amount decimal.Decimal `json:"amount"`
	Month  int             `json:"month"`
	Year   int             `json:"year"`
	PaidAt time.Time       `json:"paid_at"`
}

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalDeclined WithdrawalStatus = "declined"
)

// WithdrawalRequest asks to withdraw from the member's special savings
// balance. Approval re-checks and debits the balance atomically.
type WithdrawalRequest struct {
	ID          uuid.UUID        `json:"id"`
	MemberID    uuid.UUID        `json:"member_id"`
	Amount      decimal.Decimal  `json:"amount"`
	Reason      string           `json:"reason"`
	Status      WithdrawalStatus `json:"status"`
	AdminNotes  string           `json:"admin_notes,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ProcessedAt *time.Time       `json:"processed_at,omitempty"`
}

// EligibilityResult explains a pass/fail eligibility decision. Failures still
// carry the tightest computed maximum so callers can suggest a correction.
type EligibilityResult struct {
	Eligible           bool            `json:"eligible"`
	Code               string          `json:"code"`
	Reason             string          `json:"reason"`
	MaxEligibleAmount  decimal.Decimal `json:"max_eligible_amount"`
	RequiredGuarantors int             `json:"required_guarantors"`
	SavingsBalance     decimal.Decimal `json:"savings_balance"`
	MembershipMonths   int             `json:"membership_months"`
}

// PeriodTotals aggregates every deduction category across all members for one
// period. Used by reporting reads only.
type PeriodTotals struct {
	Month          int             `json:"month"`
	Year           int             `json:"year"`
	Members        int             `json:"members"`
	RegularSavings decimal.Decimal `json:"regular_savings"`
	SpecialSavings decimal.Decimal `json:"special_savings"`
	Shares         decimal.Decimal `json:"shares"`
	Investment     decimal.Decimal `json:"investment"`
	LoanRepayment  decimal.Decimal `json:"loan_repayment"`
	OverDeduction  decimal.Decimal `json:"over_deduction"`
	UnderDeduction decimal.Decimal `json:"under_deduction"`
	FestivalLoan   decimal.Decimal `json:"festival_loan"`
	Business       decimal.Decimal `json:"business"`
	Total          decimal.Decimal `json:"total"`
}
