package store

import (
	"github.com/adeyinka/coopledger/pkg/models"
	"github.com/google/uuid"
)

// Store defines the row-level operations the engines compose. Every method is
// safe to call either on the live database or inside a transaction scope
// handed out by Storage.WithinTx.
type Store interface {
	CreateMember(m *models.Member) error
	GetMember(id uuid.UUID) (*models.Member, error)
	GetMemberByEmail(email string) (*models.Member, error)
	ListMembers() ([]*models.Member, error)
	UpdateMember(m *models.Member) error
	DeleteMember(id uuid.UUID) error

	InsertPeriodRecord(r *models.PeriodRecord) error
	UpdatePeriodRecord(r *models.PeriodRecord) error
	GetPeriodRecord(memberID uuid.UUID, month, year int) (*models.PeriodRecord, error)
	GetLatestPeriodRecord(memberID uuid.UUID) (*models.PeriodRecord, error)
	ListPeriodRecords(memberID uuid.UUID) ([]*models.PeriodRecord, error)
	SumPeriodTotals(month, year int) (*models.PeriodTotals, error)

	GetPolicy(category string) (*models.LoanPolicy, error)
	ListPolicies() ([]*models.LoanPolicy, error)

	CreateApplication(a *models.LoanApplication) error
	GetApplication(id uuid.UUID) (*models.LoanApplication, error)
	ListApplicationsByStatus(status models.ApplicationStatus) ([]*models.LoanApplication, error)
	ListApplicationsForMember(memberID uuid.UUID) ([]*models.LoanApplication, error)
	UpdateApplication(a *models.LoanApplication) error

	CreateLoan(l *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	ListLoansForMember(memberID uuid.UUID) ([]*models.Loan, error)
	ListLoansByStatus(status models.LoanStatus) ([]*models.Loan, error)
	CountActiveLoans(memberID uuid.UUID) (int, error)
	UpdateLoan(l *models.Loan) error

	CreateScheduleEntries(entries []*models.ScheduleEntry) error
	ListSchedule(loanID uuid.UUID) ([]*models.ScheduleEntry, error)

	CreatePayment(p *models.LoanPayment) error
	ListPayments(loanID uuid.UUID) ([]*models.LoanPayment, error)

	CreateWithdrawal(w *models.WithdrawalRequest) error
	GetWithdrawal(id uuid.UUID) (*models.WithdrawalRequest, error)
	ListWithdrawalsByStatus(status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error)
	ListWithdrawalsForMember(memberID uuid.UUID) ([]*models.WithdrawalRequest, error)
	UpdateWithdrawal(w *models.WithdrawalRequest) error
}

// Storage is a Store plus transaction scoping. WithinTx begins a transaction,
// runs fn against a transaction-bound Store and commits; any error from fn
// rolls every write back and is returned unchanged.
type Storage interface {
	Store

	WithinTx(fn func(Store) error) error
	Close() error
}
