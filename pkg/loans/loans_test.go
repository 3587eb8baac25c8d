package loans

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/adeyinka/coopledger/pkg/faults"
	"github.com/adeyinka/coopledger/pkg/ledger"
	"github.com/adeyinka/coopledger/pkg/models"
	"github.com/adeyinka/coopledger/pkg/store"
)

func newTestEngine(t *testing.T, dbFile string) (*Engine, *store.SQLiteStore) {
	os.Remove(dbFile)
	t.Cleanup(func() { os.Remove(dbFile) })

	s, err := store.NewSQLiteStore(dbFile)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	ledgerEngine := ledger.NewEngine(s, 2000, 2100, log)
	return NewEngine(s, ledgerEngine, log), s
}

// createMember backdates the join date so membership rules can be steered
// per test.
func createMember(t *testing.T, s *store.SQLiteStore, email string, joinedMonthsAgo int, savings int64) *models.Member {
	now := time.Now()
	member := &models.Member{
		ID:                uuid.New(),
		FirstName:         "Chinedu",
		Surname:           "Obi",
		Email:             email,
		Role:              models.RoleMember,
		PasswordHash:      "x",
		CumulativeSavings: decimal.NewFromInt(savings),
		CreatedAt:         now.AddDate(0, -joinedMonthsAgo, -2),
		UpdatedAt:         now,
	}
	if err := s.CreateMember(member); err != nil {
		t.Fatalf("Failed to create member: %v", err)
	}
	return member
}

func TestMonthlyPayment(t *testing.T) {
	got := MonthlyPayment(decimal.NewFromInt(1000), 3)
	if !got.Equal(decimal.RequireFromString("333.33")) {
		t.Errorf("Expected 333.33, got %s", got)
	}
}

func TestBuildScheduleSumsToPrincipal(t *testing.T) {
	loan := &models.Loan{
		ID:             uuid.New(),
		Amount:         decimal.NewFromInt(1000),
		DurationMonths: 3,
		StartDate:      time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	entries := BuildSchedule(loan)
	if len(entries) != 3 {
		t.Fatalf("Expected 3 installments, got %d", len(entries))
	}

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.PrincipalAmount)
	}
	if !sum.Equal(loan.Amount) {
		t.Errorf("Expected installments to sum to %s, got %s", loan.Amount, sum)
	}

	// The final installment absorbs the rounding remainder.
	if !entries[2].PrincipalAmount.Equal(decimal.RequireFromString("333.34")) {
		t.Errorf("Expected final installment 333.34, got %s", entries[2].PrincipalAmount)
	}
	if !entries[2].RemainingBalanceAfter.IsZero() {
		t.Errorf("Expected zero balance after final installment, got %s", entries[2].RemainingBalanceAfter)
	}
	if entries[1].DueDate != loan.StartDate.AddDate(0, 2, 0) {
		t.Errorf("Expected second due date two months after start, got %s", entries[1].DueDate)
	}
}

func TestEngine_EvaluateMembershipTooShort(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_membership.db")
	member := createMember(t, s, "new@example.com", 2, 50000)

	result, err := engine.Evaluate(member.ID, "standard", decimal.NewFromInt(10000), 12)
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if result.Eligible {
		t.Fatal("Expected ineligible result")
	}
	if result.Code != faults.CodeMembershipTooShort {
		t.Errorf("Expected code %s, got %s", faults.CodeMembershipTooShort, result.Code)
	}
}

func TestEngine_EvaluateAmountAndDurationRules(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_rules.db")
	member := createMember(t, s, "rules@example.com", 12, 50000)

	result, err := engine.Evaluate(member.ID, "standard", decimal.NewFromInt(1000), 12)
	if err != nil {
		t.Fatalf("Failed to evaluate below-minimum amount: %v", err)
	}
	if result.Code != faults.CodeAmountOutOfRange {
		t.Errorf("Expected code %s, got %s", faults.CodeAmountOutOfRange, result.Code)
	}

	result, err = engine.Evaluate(member.ID, "standard", decimal.NewFromInt(10000), 36)
	if err != nil {
		t.Fatalf("Failed to evaluate over-long duration: %v", err)
	}
	if result.Code != faults.CodeDurationTooLong {
		t.Errorf("Expected code %s, got %s", faults.CodeDurationTooLong, result.Code)
	}
}

func TestEngine_EvaluateSavingsCeiling(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_ceiling.db")
	member := createMember(t, s, "ceiling@example.com", 12, 50000)

	// Standard policy allows twice the savings balance.
	result, err := engine.Evaluate(member.ID, "standard", decimal.NewFromInt(150000), 12)
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if result.Code != faults.CodeExceedsSavingsMultiple {
		t.Errorf("Expected code %s, got %s", faults.CodeExceedsSavingsMultiple, result.Code)
	}
	if !result.MaxEligibleAmount.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("Expected max eligible 100000, got %s", result.MaxEligibleAmount)
	}

	result, err = engine.Evaluate(member.ID, "standard", decimal.NewFromInt(100000), 12)
	if err != nil {
		t.Fatalf("Failed to evaluate at the ceiling: %v", err)
	}
	if !result.Eligible {
		t.Errorf("Expected eligible at exactly the ceiling, got code %s", result.Code)
	}

	// A large saver is capped by the policy maximum, not the savings multiple.
	rich := createMember(t, s, "rich@example.com", 12, 400000)
	result, err = engine.Evaluate(rich.ID, "standard", decimal.NewFromInt(600000), 12)
	if err != nil {
		t.Fatalf("Failed to evaluate above policy max: %v", err)
	}
	if result.Code != faults.CodeAmountOutOfRange {
		t.Errorf("Expected code %s, got %s", faults.CodeAmountOutOfRange, result.Code)
	}
	if !result.MaxEligibleAmount.Equal(decimal.NewFromInt(500000)) {
		t.Errorf("Expected max eligible capped at 500000, got %s", result.MaxEligibleAmount)
	}
}

func TestEngine_EvaluateUnknownCategory(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_category.db")
	member := createMember(t, s, "category@example.com", 12, 50000)

	_, err := engine.Evaluate(member.ID, "payday", decimal.NewFromInt(10000), 12)
	var validation *faults.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if validation.Code != faults.CodeInvalidCategory {
		t.Errorf("Expected code %s, got %s", faults.CodeInvalidCategory, validation.Code)
	}
}

func submitAndApprove(t *testing.T, engine *Engine, memberID uuid.UUID, amount int64, duration int) (*models.LoanApplication, *models.Loan) {
	app, err := engine.SubmitApplication(memberID, "standard", decimal.NewFromInt(amount), duration, "school fees")
	if err != nil {
		t.Fatalf("Failed to submit application: %v", err)
	}
	app, loan, err := engine.DecideApplication(app.ID, true, "approved")
	if err != nil {
		t.Fatalf("Failed to approve application: %v", err)
	}
	return app, loan
}

func TestEngine_ApproveCreatesLoanAndSchedule(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_approve.db")
	member := createMember(t, s, "approve@example.com", 12, 50000)

	app, loan := submitAndApprove(t, engine, member.ID, 60000, 12)
	if app.Status != models.ApplicationApproved {
		t.Errorf("Expected application approved, got %s", app.Status)
	}
	if loan == nil {
		t.Fatal("Expected a loan to be created")
	}
	if !loan.RemainingBalance.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("Expected remaining balance 60000, got %s", loan.RemainingBalance)
	}
	if !loan.MonthlyPayment.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected monthly payment 5000, got %s", loan.MonthlyPayment)
	}

	schedule, err := s.ListSchedule(loan.ID)
	if err != nil {
		t.Fatalf("Failed to list schedule: %v", err)
	}
	if len(schedule) != 12 {
		t.Errorf("Expected 12 schedule entries, got %d", len(schedule))
	}

	// A second active loan application is blocked by the eligibility rules.
	_, err = engine.SubmitApplication(member.ID, "standard", decimal.NewFromInt(10000), 6, "another")
	var violation *faults.PolicyViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Expected PolicyViolationError, got %v", err)
	}
	if violation.Code != faults.CodeActiveLoanExists {
		t.Errorf("Expected code %s, got %s", faults.CodeActiveLoanExists, violation.Code)
	}
}

func TestEngine_DecideApplicationTwiceConflicts(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_twice.db")
	member := createMember(t, s, "twice@example.com", 12, 50000)

	app, _ := submitAndApprove(t, engine, member.ID, 20000, 10)

	_, _, err := engine.DecideApplication(app.ID, false, "changed my mind")
	var conflict *faults.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected StateConflictError, got %v", err)
	}
	if conflict.Code != faults.CodeAlreadyDecided {
		t.Errorf("Expected code %s, got %s", faults.CodeAlreadyDecided, conflict.Code)
	}
}

func TestEngine_DeclineLeavesNoLoan(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_decline.db")
	member := createMember(t, s, "decline@example.com", 12, 50000)

	app, err := engine.SubmitApplication(member.ID, "standard", decimal.NewFromInt(20000), 10, "rent")
	if err != nil {
		t.Fatalf("Failed to submit application: %v", err)
	}
	decided, loan, err := engine.DecideApplication(app.ID, false, "insufficient guarantors")
	if err != nil {
		t.Fatalf("Failed to decline application: %v", err)
	}
	if decided.Status != models.ApplicationDeclined {
		t.Errorf("Expected declined status, got %s", decided.Status)
	}
	if loan != nil {
		t.Error("Expected no loan on decline")
	}

	count, err := s.CountActiveLoans(member.ID)
	if err != nil {
		t.Fatalf("Failed to count loans: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 active loans, got %d", count)
	}
}

func TestEngine_RecordPaymentReducesBalanceAndCreditsLedger(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_payment.db")
	member := createMember(t, s, "payment@example.com", 12, 50000)

	_, loan := submitAndApprove(t, engine, member.ID, 60000, 12)

	updated, err := engine.RecordPayment(loan.ID, decimal.NewFromInt(5000), 3, 2026)
	if err != nil {
		t.Fatalf("Failed to record payment: %v", err)
	}
	if !updated.RemainingBalance.Equal(decimal.NewFromInt(55000)) {
		t.Errorf("Expected balance 55000, got %s", updated.RemainingBalance)
	}
	if updated.Status != models.LoanActive {
		t.Errorf("Expected loan still active, got %s", updated.Status)
	}

	record, err := s.GetPeriodRecord(member.ID, 3, 2026)
	if err != nil {
		t.Fatalf("Failed to get period record: %v", err)
	}
	if !record.LoanRepayment.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected loan repayment 5000 in ledger, got %s", record.LoanRepayment)
	}
}

func TestEngine_OverpaymentCompletesLoanAndKeepsFullCredit(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_overpay.db")
	member := createMember(t, s, "overpay@example.com", 12, 50000)

	_, loan := submitAndApprove(t, engine, member.ID, 10000, 5)

	// Pay more than the outstanding balance in one go.
	updated, err := engine.RecordPayment(loan.ID, decimal.NewFromInt(12000), 4, 2026)
	if err != nil {
		t.Fatalf("Failed to record overpayment: %v", err)
	}
	if updated.Status != models.LoanCompleted {
		t.Errorf("Expected loan completed, got %s", updated.Status)
	}
	if !updated.RemainingBalance.IsZero() {
		t.Errorf("Expected zero balance, got %s", updated.RemainingBalance)
	}
	if updated.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}

	// The ledger keeps the amount actually paid, not the clamped balance.
	record, err := s.GetPeriodRecord(member.ID, 4, 2026)
	if err != nil {
		t.Fatalf("Failed to get period record: %v", err)
	}
	if !record.LoanRepayment.Equal(decimal.NewFromInt(12000)) {
		t.Errorf("Expected ledger credit 12000, got %s", record.LoanRepayment)
	}

	_, err = engine.RecordPayment(loan.ID, decimal.NewFromInt(100), 5, 2026)
	var conflict *faults.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected StateConflictError on completed loan, got %v", err)
	}
	if conflict.Code != faults.CodeLoanNotActive {
		t.Errorf("Expected code %s, got %s", faults.CodeLoanNotActive, conflict.Code)
	}
}

// Repayments always credit the loan repayment column. The festival and
// business columns only ever carry admin-entered deduction figures.
func TestEngine_FestivalRepaymentCreditsLoanRepayment(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_festival.db")
	member := createMember(t, s, "festival@example.com", 12, 50000)

	app, err := engine.SubmitApplication(member.ID, "festival", decimal.NewFromInt(20000), 6, "december")
	if err != nil {
		t.Fatalf("Failed to submit festival application: %v", err)
	}
	_, loan, err := engine.DecideApplication(app.ID, true, "")
	if err != nil {
		t.Fatalf("Failed to approve festival application: %v", err)
	}

	if _, err := engine.RecordPayment(loan.ID, decimal.NewFromInt(4000), 12, 2026); err != nil {
		t.Fatalf("Failed to record festival payment: %v", err)
	}

	record, err := s.GetPeriodRecord(member.ID, 12, 2026)
	if err != nil {
		t.Fatalf("Failed to get period record: %v", err)
	}
	if !record.LoanRepayment.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("Expected loan repayment column credited 4000, got %s", record.LoanRepayment)
	}
	if !record.FestivalLoan.IsZero() {
		t.Errorf("Expected festival loan column untouched, got %s", record.FestivalLoan)
	}
}

func TestEngine_MarkDefaulted(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_default.db")
	member := createMember(t, s, "default@example.com", 12, 50000)

	_, loan := submitAndApprove(t, engine, member.ID, 20000, 10)

	defaulted, err := engine.MarkDefaulted(loan.ID, "no payment in 6 months")
	if err != nil {
		t.Fatalf("Failed to mark defaulted: %v", err)
	}
	if defaulted.Status != models.LoanDefaulted {
		t.Errorf("Expected defaulted status, got %s", defaulted.Status)
	}

	_, err = engine.MarkDefaulted(loan.ID, "again")
	var conflict *faults.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected StateConflictError, got %v", err)
	}
}

// brokenLedgerStorage fails every period-record write mid-transaction so the
// surrounding transaction must roll back.
type brokenLedgerStorage struct {
	store.Storage
	err error
}

func (b *brokenLedgerStorage) WithinTx(fn func(store.Store) error) error {
	return b.Storage.WithinTx(func(s store.Store) error {
		return fn(&brokenLedgerStore{Store: s, err: b.err})
	})
}

type brokenLedgerStore struct {
	store.Store
	err error
}

func (b *brokenLedgerStore) InsertPeriodRecord(r *models.PeriodRecord) error { return b.err }
func (b *brokenLedgerStore) UpdatePeriodRecord(r *models.PeriodRecord) error { return b.err }

func TestEngine_RecordPaymentRollsBackWhenLedgerWriteFails(t *testing.T) {
	engine, s := newTestEngine(t, "test_loans_atomic.db")
	member := createMember(t, s, "atomic@example.com", 12, 50000)

	_, loan := submitAndApprove(t, engine, member.ID, 60000, 12)

	log := logrus.New()
	log.SetOutput(io.Discard)
	ledgerWriteErr := errors.New("ledger write failed")
	broken := &brokenLedgerStorage{Storage: s, err: ledgerWriteErr}
	brokenEngine := NewEngine(broken, ledger.NewEngine(broken, 2000, 2100, log), log)

	_, err := brokenEngine.RecordPayment(loan.ID, decimal.NewFromInt(5000), 3, 2026)
	if !errors.Is(err, ledgerWriteErr) {
		t.Fatalf("Expected the ledger write error back, got %v", err)
	}

	// Neither the loan debit, the payment row, nor the ledger credit is
	// visible after the failed transaction.
	current, err := s.GetLoan(loan.ID)
	if err != nil {
		t.Fatalf("Failed to refetch loan: %v", err)
	}
	if !current.RemainingBalance.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("Expected balance unchanged at 60000, got %s", current.RemainingBalance)
	}
	payments, err := s.ListPayments(loan.ID)
	if err != nil {
		t.Fatalf("Failed to list payments: %v", err)
	}
	if len(payments) != 0 {
		t.Errorf("Expected no payment rows, got %d", len(payments))
	}
	_, err = s.GetPeriodRecord(member.ID, 3, 2026)
	var nf *faults.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Expected no period record after rollback, got %v", err)
	}
}

func TestMembershipMonths(t *testing.T) {
	joined := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := MembershipMonths(joined, now); got != 11 {
		t.Errorf("Expected 11 whole average months in a year, got %d", got)
	}
}
