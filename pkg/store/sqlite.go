package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/adeyinka/coopledger/pkg/faults"
	"github.com/adeyinka/coopledger/pkg/models"
	"github.com/google/uuid"

	"github.com/mattn/go-sqlite3"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query method works
// unchanged inside a transaction scope.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type queries struct {
	q dbtx
}

// SQLiteStore manages the database connection and implements Storage.
type SQLiteStore struct {
	queries
	db *sql.DB
}

var (
	_ Store   = (*queries)(nil)
	_ Storage = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens the database, applies pragmas and initializes the
// schema, including the unique indexes the consistency invariants rely on.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{queries: queries{q: db}, db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates tables and seeds the loan policy reference data.
// Money columns are TEXT so no decimal precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		surname TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'member',
		password_hash TEXT NOT NULL,
		bank_name TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL DEFAULT '',
		account_holder_name TEXT NOT NULL DEFAULT '',
		cumulative_savings TEXT NOT NULL DEFAULT '0',
		cumulative_shares TEXT NOT NULL DEFAULT '0',
		cumulative_investment TEXT NOT NULL DEFAULT '0',
		special_savings_balance TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS period_records (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		regular_savings TEXT NOT NULL DEFAULT '0',
		special_savings TEXT NOT NULL DEFAULT '0',
		shares TEXT NOT NULL DEFAULT '0',
		investment TEXT NOT NULL DEFAULT '0',
		loan_repayment TEXT NOT NULL DEFAULT '0',
		over_deduction TEXT NOT NULL DEFAULT '0',
		under_deduction TEXT NOT NULL DEFAULT '0',
		festival_loan TEXT NOT NULL DEFAULT '0',
		business TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(member_id, month, year)
	);
	CREATE TABLE IF NOT EXISTS loan_policies (
		category TEXT PRIMARY KEY,
		min_amount TEXT NOT NULL,
		max_amount TEXT NOT NULL,
		max_duration_months INTEGER NOT NULL,
		min_membership_months INTEGER NOT NULL,
		savings_multiplier TEXT NOT NULL,
		min_guarantors INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS loan_applications (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		amount TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		monthly_payment TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		admin_notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		decided_at DATETIME
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		application_id TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		remaining_balance TEXT NOT NULL,
		monthly_payment TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		category TEXT NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		expected_end_date DATETIME NOT NULL,
		next_due_date DATETIME NOT NULL,
		admin_notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_one_active
		ON loans(member_id) WHERE status = 'active';
	CREATE TABLE IF NOT EXISTS loan_schedule (
		loan_id TEXT NOT NULL REFERENCES loans(id),
		installment_number INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		principal_amount TEXT NOT NULL,
		remaining_balance_after TEXT NOT NULL,
		UNIQUE(loan_id, installment_number)
	);
	CREATE TABLE IF NOT EXISTS loan_payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		amount TEXT NOT NULL,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		paid_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS withdrawal_requests (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		amount TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		admin_notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		processed_at DATETIME
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.seedPolicies()
}

// seedPolicies inserts the default loan categories when absent. Existing rows
// are never touched so operators can tune them in place.
func (s *SQLiteStore) seedPolicies() error {
	const seed = `
	INSERT OR IGNORE INTO loan_policies
		(category, min_amount, max_amount, max_duration_months, min_membership_months, savings_multiplier, min_guarantors, active)
	VALUES
		('standard', '5000', '500000', 24, 6, '2', 1, 1),
		('festival', '1000', '100000', 6, 3, '1', 0, 1),
		('business', '10000', '1000000', 36, 12, '3', 2, 1);
	`
	_, err := s.db.Exec(seed)
	return err
}

// WithinTx runs fn against a transaction-bound Store. Any error from fn (or
// commit) leaves the database untouched and is returned to the caller.
func (s *SQLiteStore) WithinTx(fn func(Store) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return faults.NewInfrastructure("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapWriteErr("commit transaction", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// wrapWriteErr converts unique-constraint violations into state conflicts,
// which callers may retry once when the operation is idempotent; everything
// else is an infrastructure failure.
func wrapWriteErr(op string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		if serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return faults.NewStateConflict(faults.CodeConcurrentModification,
				"%s: conflicting concurrent write", op)
		}
	}
	return faults.NewInfrastructure(op, err)
}

// ---- members ----

const memberColumns = `id, first_name, surname, email, phone, role, password_hash,
	bank_name, account_number, account_holder_name,
	cumulative_savings, cumulative_shares, cumulative_investment, special_savings_balance,
	created_at, updated_at`

func (s *queries) CreateMember(m *models.Member) error {
	_, err := s.q.Exec(
		`INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.FirstName, m.Surname, m.Email, m.Phone, string(m.Role), m.PasswordHash,
		m.BankName, m.AccountNumber, m.AccountHolderName,
		m.CumulativeSavings, m.CumulativeShares, m.CumulativeInvestment, m.SpecialSavingsBalance,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return wrapWriteErr("create member", err)
	}
	return nil
}

func scanMember(row interface{ Scan(dest ...any) error }) (*models.Member, error) {
	var m models.Member
	var idStr, role string
	if err := row.Scan(
		&idStr, &m.FirstName, &m.Surname, &m.Email, &m.Phone, &role, &m.PasswordHash,
		&m.BankName, &m.AccountNumber, &m.AccountHolderName,
		&m.CumulativeSavings, &m.CumulativeShares, &m.CumulativeInvestment, &m.SpecialSavingsBalance,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.ID = uuid.MustParse(idStr)
	m.Role = models.Role(role)
	return &m, nil
}

func (s *queries) GetMember(id uuid.UUID) (*models.Member, error) {
	row := s.q.QueryRow(`SELECT `+memberColumns+` FROM members WHERE id = ?`, id.String())
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.NewNotFound("member", id.String())
		}
		return nil, faults.NewInfrastructure("get member", err)
	}
	return m, nil
}

func (s *queries) GetMemberByEmail(email string) (*models.Member, error) {
	row := s.q.QueryRow(`SELECT `+memberColumns+` FROM members WHERE email = ?`, email)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.NewNotFound("member", email)
		}
		return nil, faults.NewInfrastructure("get member by email", err)
	}
	return m, nil
}

func (s *queries) ListMembers() ([]*models.Member, error) {
	rows, err := s.q.Query(`SELECT ` + memberColumns + ` FROM members ORDER BY created_at`)
	if err != nil {
		return nil, faults.NewInfrastructure("list members", err)
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, faults.NewInfrastructure("scan member row", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.NewInfrastructure("iterate member rows", err)
	}
	return members, nil
}

func (s *queries) UpdateMember(m *models.Member) error {
	result, err := s.q.Exec(
		`UPDATE members SET first_name = ?, surname = ?, email = ?, phone = ?, role = ?,
			password_hash = ?, bank_name = ?, account_number = ?, account_holder_name = ?,
			cumulative_savings = ?, cumulative_shares = ?, cumulative_investment = ?,
			special_savings_balance = ?, updated_at = ?
		WHERE id = ?`,
		m.FirstName, m.Surname, m.Email, m.Phone, string(m.Role),
		m.PasswordHash, m.BankName, m.AccountNumber, m.AccountHolderName,
		m.CumulativeSavings, m.CumulativeShares, m.CumulativeInvestment,
		m.SpecialSavingsBalance, m.UpdatedAt,
		m.ID.String(),
	)
	if err != nil {
		return wrapWriteErr("update member", err)
	}
	return requireRow(result, "member", m.ID.String())
}

// DeleteMember removes the member and every row keyed to them. Callers are
// expected to refuse deletion while obligations are outstanding.
func (s *queries) DeleteMember(id uuid.UUID) error {
	stmts := []string{
		`DELETE FROM loan_payments WHERE loan_id IN (SELECT id FROM loans WHERE member_id = ?)`,
		`DELETE FROM loan_schedule WHERE loan_id IN (SELECT id FROM loans WHERE member_id = ?)`,
		`DELETE FROM loans WHERE member_id = ?`,
		`DELETE FROM loan_applications WHERE member_id = ?`,
		`DELETE FROM withdrawal_requests WHERE member_id = ?`,
		`DELETE FROM period_records WHERE member_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.Exec(stmt, id.String()); err != nil {
			return wrapWriteErr("delete member data", err)
		}
	}
	result, err := s.q.Exec(`DELETE FROM members WHERE id = ?`, id.String())
	if err != nil {
		return wrapWriteErr("delete member", err)
	}
	return requireRow(result, "member", id.String())
}

func requireRow(result sql.Result, resource, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return faults.NewInfrastructure("check rows affected", err)
	}
	if n == 0 {
		return faults.NewNotFound(resource, id)
	}
	return nil
}

// ---- period records ----

const periodColumns = `id, member_id, month, year,
	regular_savings, special_savings, shares, investment, loan_repayment,
	over_deduction, under_deduction, festival_loan, business,
	created_at, updated_at`

func (s *queries) InsertPeriodRecord(r *models.PeriodRecord) error {
	_, err := s.q.Exec(
		`INSERT INTO period_records (`+periodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.MemberID.String(), r.Month, r.Year,
		r.RegularSavings, r.SpecialSavings, r.Shares, r.Investment, r.LoanRepayment,
		r.OverDeduction, r.UnderDeduction, r.FestivalLoan, r.Business,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return wrapWriteErr("insert period record", err)
	}
	return nil
}

func (s *queries) UpdatePeriodRecord(r *models.PeriodRecord) error {
	result, err := s.q.Exec(
		`UPDATE period_records SET
			regular_savings = ?, special_savings = ?, shares = ?, investment = ?,
			loan_repayment = ?, over_deduction = ?, under_deduction = ?,
			festival_loan = ?, business = ?, updated_at = ?
		WHERE id = ?`,
		r.RegularSavings, r.SpecialSavings, r.Shares, r.Investment,
		r.LoanRepayment, r.OverDeduction, r.UnderDeduction,
		r.FestivalLoan, r.Business, r.UpdatedAt,
		r.ID.String(),
	)
	if err != nil {
		return wrapWriteErr("update period record", err)
	}
	return requireRow(result, "period record", r.ID.String())
}

func scanPeriodRecord(row interface{ Scan(dest ...any) error }) (*models.PeriodRecord, error) {
	var r models.PeriodRecord
	var idStr, memberStr string
	if err := row.Scan(
		&idStr, &memberStr, &r.Month, &r.Year,
		&r.RegularSavings, &r.SpecialSavings, &r.Shares, &r.Investment, &r.LoanRepayment,
		&r.OverDeduction, &r.UnderDeduction, &r.FestivalLoan, &r.Business,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.ID = uuid.MustParse(idStr)
	r.MemberID = uuid.MustParse(memberStr)
	return &r, nil
}

func (s *queries) GetPeriodRecord(memberID uuid.UUID, month, year int) (*models.PeriodRecord, error) {
	row := s.q.QueryRow(
		`SELECT `+periodColumns+` FROM period_records WHERE member_id = ? AND month = ? AND year = ?`,
		memberID.String(), month, year,
	)
	r, err := scanPeriodRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.NewNotFound("period record", fmt.Sprintf("%s %d/%d", memberID, month, year))
		}
		return nil, faults.NewInfrastructure("get period record", err)
	}
	return r, nil
}

func (s *queries) GetLatestPeriodRecord(memberID uuid.UUID) (*models.PeriodRecord, error) {
	row := s.q.QueryRow(
		`SELECT `+periodColumns+` FROM period_records
		WHERE member_id = ? ORDER BY year DESC, month DESC LIMIT 1`,
		memberID.String(),
	)
	r, err := scanPeriodRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.NewNotFound("period record", memberID.String())
		}
		return nil, faults.NewInfrastructure("get latest period record", err)
	}
	return r, nil
}

func (s *queries) ListPeriodRecords(memberID uuid.UUID) ([]*models.PeriodRecord, error) {
	rows, err := s.q.Query(
		`SELECT `+periodColumns+` FROM period_records
		WHERE member_id = ? ORDER BY year DESC, month DESC`,
		memberID.String(),
	)
	if err != nil {
		return nil, faults.NewInfrastructure("list period records", err)
	}
	defer rows.Close()

	var records []*models.PeriodRecord
	for rows.Next() {
		r, err := scanPeriodRecord(rows)
		if err != nil {
			return nil, faults.NewInfrastructure("scan period record row", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.NewInfrastructure("iterate period record rows", err)
	}
	return records, nil
}

// SumPeriodTotals aggregates one period across all members in Go rather than
// SQL so the TEXT money columns keep exact decimal arithmetic.
func (s *queries) SumPeriodTotals(month, year int) (*models.PeriodTotals, error) {
	rows, err := s.q.Query(
		`SELECT `+periodColumns+` FROM period_records WHERE month = ? AND year = ?`,
		month, year,
	)
	if err != nil {
		return nil, faults.NewInfrastructure("sum period totals", err)
	}
	defer rows.Close()

	totals := &models.PeriodTotals{Month: month, Year: year}
	for rows.Next() {
		r, err := scanPeriodRecord(rows)
		if err != nil {
			return nil, faults.NewInfrastructure("scan period record row", err)
		}
		totals.Members++
		totals.RegularSavings = totals.RegularSavings.Add(r.RegularSavings)
		totals.SpecialSavings = totals.SpecialSavings.Add(r.SpecialSavings)
		totals.Shares = totals.Shares.Add(r.Shares)
		totals.Investment = totals.Investment.Add(r.Investment)
		totals.LoanRepayment = totals.LoanRepayment.Add(r.LoanRepayment)
		totals.OverDeduction = totals.OverDeduction.Add(r.OverDeduction)
		totals.UnderDeduction = totals.UnderDeduction.Add(r.UnderDeduction)
		totals.FestivalLoan = totals.FestivalLoan.Add(r.FestivalLoan)
		totals.Business = totals.Business.Add(r.Business)
		totals.Total = totals.Total.Add(r.Total())
	}
	if err := rows.Err(); err != nil {
		return nil, faults.NewInfrastructure("iterate period record rows", err)
	}
	return totals, nil
}

// ---- loan policies ----

const policyColumns = `category, min_amount, max_amount, max_duration_months,
	min_membership_months, savings_multiplier, min_guarantors, active`

func scanPolicy(row interface{ Scan(dest ...any) error }) (*models.LoanPolicy, error) {
	var p models.LoanPolicy
	if err := row.Scan(
		&p.Category, &p.MinAmount, &p.MaxAmount, &p.MaxDurationMonths,
		&p.MinMembershipMonths, &p.SavingsMultiplier, &p.MinGuarantors, &p.Active,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *queries) GetPolicy(category string) (*models.LoanPolicy, error) {
	row := s.q.QueryRow(`SELECT `+policyColumns+` FROM loan_policies WHERE category = ?`, category)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.NewNotFound("loan policy", category)
		}
		return nil, faults.NewInfrastructure("get loan policy", err)
	}
	return p, nil
}

func (s *queries) ListPolicies() ([]*models.LoanPolicy, error) {
	rows, err := s.q.Query(`SELECT ` + policyColumns + ` FROM loan_policies ORDER BY category`)
	if err != nil {
		return nil, faults.NewInfrastructure("list loan policies", err)
	}
	defer rows.Close()

	var policies []*models.LoanPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, faults.NewInfrastructure("scan loan policy row", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.NewInfrastructure("iterate loan policy rows", err)
	}
	return policies, nil
}

// ---- loan applications ----

const applicationColumns = `id, member_id, amount, duration_months, purpose, category,
	monthly_payment, status, admin_notes, created_at, decided_at`

func (s *queries) CreateApplication(a *models.LoanApplication) error {
	_, err := s.q.Exec(
		`INSERT INTO loan_applications (`+applicationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.MemberID.String(), a.Amount, a.DurationMonths, a.Purpose, a.Category,
		a.MonthlyPayment, string(a.Status), a.AdminNotes, a.CreatedAt, a.DecidedAt,
	)
	if err != nil {
		return wrapWriteErr("create loan application", err)
	}
	return nil
}

func scanApplication(row interface{ Scan(dest ...any) error }) (*models.LoanApplication, error) {
	var a models.LoanApplication
	var idStr, memberStr, status string
	var decidedAt sql.NullTime
	if err := row.Scan(
		&idStr, &memberStr, &a.Amount, &a.DurationMonths, &a.Purpose, &a.Category,
		&a.MonthlyPayment, &status, &a.AdminNotes, &a.CreatedAt, &decidedAt,
	); err != nil {
		return nil, err
	}
	a.ID = uuid.MustParse(idStr)
	a.MemberID = uuid.MustParse(memberStr)
	a.Status = models.ApplicationStatus(status)
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	return &a, nil
}

func (s *queries) GetApplication(id uuid.UUID) (*models.LoanApplication, error) {
	row := s.q.QueryRow(`SELECT `+applicationColumns+` FROM loan_applications WHERE id = ?`, id.String())
	a, err := scanApplication(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.NewNotFound("loan application", id.String())
		}
		return nil, faults.NewInfrastructure("get loan application", err)
	}
	return a, nil
}

func (s *queries) listApplications(query string, args ...any) ([]*models.LoanApplication, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, faults.NewInfrastructure("list loan applications", err)
	}
	defer rows.Close()

	var apps []*models.LoanApplication
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, faults.NewInfrastructure("scan loan application row", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.NewInfrastructure("iterate loan application rows", err)
	}
	return apps, nil
}

func (s *queries) ListApplicationsByStatus(status models.ApplicationStatus) ([]*models.LoanApplication, error) {
	return s.listApplications(
		`SELECT `+applicationColumns+` FROM loan_applications WHERE status = ? ORDER BY created_at DESC`,
		string(status),
	)
}

func (s *queries) ListApplicationsForMember(memberID uuid.UUID) ([]*models.LoanApplication, error) {
	return s.listApplications(
		`SELECT `+applicationColumns+` FROM loan_applications WHERE member_id = ? ORDER BY created_at DESC`,
		memberID.String(),
	)
}

func (s *queries) UpdateApplication(a *models.LoanApplication) error {
	result, err := s.q.Exec(
		`UPDATE loan_applications SET status = ?, admin_notes = ?, decided_at = ? WHERE id = ?`,
		string(a.Status), a.AdminNotes, a.DecidedAt, a.ID.String(),
	)
	if err != nil {
		return wrapWriteErr("update loan application", err)
	}
	return requireRow(result, "loan application", a.ID.String())
}

// ---- loans ----

const loanColumns = `id, member_id, application_id, amount, remaining_balance, monthly_payment,
	duration_months, category, purpose, status, start_date, expected_end_date, next_due_date,
	admin_notes, created_at, updated_at, completed_at`

func (s *queries) CreateLoan(l *models.Loan) error {
	_, err := s.q.Exec(
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), l.MemberID.String(), l.ApplicationID.String(),
		l.Amount, l.RemainingBalance, l.MonthlyPayment,
		l.DurationMonths, l.Category, l.Purpose, string(l.Status),
		l.StartDate, l.ExpectedEndDate, l.NextDueDate,
		l.AdminNotes, l.CreatedAt, l.UpdatedAt, l.CompletedAt,
	)
	if err != nil {
		return wrapWriteErr("create loan", err)
	}
	return nil
}

func scanLoan(row interface{ Scan(dest ...any) error }) (*models.Loan, error) {
	var l models.Loan
	var idStr, memberStr, appStr, status string
	var completedAt sql.NullTime
	if err := row.Scan(
		&idStr, &memberStr, &appStr, &l.Amount, &l.RemainingBalance, &l.MonthlyPayment,
		&l.DurationMonths, &l.Category, &l.Purpose, &status,
		&l.StartDate, &l.ExpectedEndDate, &l.NextDueDate,
		&l.AdminNotes, &l.CreatedAt, &l.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	l.ID = uuid.MustParse(idStr)
	l.MemberID = uuid.MustParse(memberStr)
	if appStr != "" {
		l.ApplicationID = uuid.MustParse(appStr)
	}
	l.Status = models.LoanStatus(status)
	if completedAt.Valid {
		l.CompletedAt = &completedAt.Time
	}
	return &l, nil
}

func (s *queries) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.q.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	l, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.NewNotFound("loan", id.String())
		}
		return nil, faults.NewInfrastructure("get loan", err)
	}
	return l, nil
}

func (s *queries) listLoans(query string, args ...any) ([]*models.Loan, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, faults.NewInfrastructure("list loans", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, faults.NewInfrastructure("scan loan row", err)
		}
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.NewInfrastructure("iterate loan rows", err)
	}
	return loans, nil
}

func (s *queries) ListLoansForMember(memberID uuid.UUID) ([]*models.Loan, error) {
	return s.listLoans(
		`SELECT `+loanColumns+` FROM loans WHERE member_id = ? ORDER BY created_at DESC`,
		memberID.String(),
	)
}

func (s *queries) ListLoansByStatus(status models.LoanStatus) ([]*models.Loan, error) {
	return s.listLoans(
		`SELECT `+loanColumns+` FROM loans WHERE status = ? ORDER BY created_at DESC`,
		string(status),
	)
}

func (s *queries) CountActiveLoans(memberID uuid.UUID) (int, error) {
	var count int
	err := s.q.QueryRow(
		`SELECT COUNT(*) FROM loans WHERE member_id = ? AND status = 'active'`,
		memberID.String(),
	).Scan(&count)
	if err != nil {
		return 0, faults.NewInfrastructure("count active loans", err)
	}
	return count, nil
}

func (s *queries) UpdateLoan(l *models.Loan) error {
	result, err := s.q.Exec(
		`UPDATE loans SET remaining_balance = ?, status = ?, next_due_date = ?,
			admin_notes = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		l.RemainingBalance, string(l.Status), l.NextDueDate,
		l.AdminNotes, l.UpdatedAt, l.CompletedAt,
		l.ID.String(),
	)
	if err != nil {
		return wrapWriteErr("update loan", err)
	}
	return requireRow(result, "loan", l.ID.String())
}

// ---- schedule ----

func (s *queries) CreateScheduleEntries(entries []*models.ScheduleEntry) error {
	for _, e := range entries {
		_, err := s.q.Exec(
			`INSERT INTO loan_schedule (loan_id, installment_number, due_date, principal_amount, remaining_balance_after)
			VALUES (?, ?, ?, ?, ?)`,
			e.LoanID.String(), e.InstallmentNumber, e.DueDate, e.PrincipalAmount, e.RemainingBalanceAfter,
		)
		if err != nil {
			return wrapWriteErr("create schedule entry", err)
		}
	}
	return nil
}

func (s *queries) ListSchedule(loanID uuid.UUID) ([]*models.ScheduleEntry, error) {
	rows, err := s.q.Query(
		`SELECT loan_id, installment_number, due_date, principal_amount, remaining_balance_after
		FROM loan_schedule WHERE loan_id = ? ORDER BY installment_number`,
		loanID.String(),
	)
	if err != nil {
		return nil, faults.NewInfrastructure("list loan schedule", err)
	}
	defer rows.Close()

	var entries []*models.ScheduleEntry
	for rows.Next() {
		var e models.ScheduleEntry
		var loanStr string
		if err := rows.Scan(&loanStr, &e.InstallmentNumber, &e.DueDate, &e.PrincipalAmount, &e.RemainingBalanceAfter); err != nil {
			return nil, faults.NewInfrastructure("scan schedule row", err)
		}
		e.LoanID = uuid.MustParse(loanStr)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.NewInfrastructure("iterate schedule rows", err)
	}
	return entries, nil
}

// ---- payments ----

func (s *queries) CreatePayment(p *models.LoanPayment) error {
	_, err := s.q.Exec(
		`INSERT INTO loan_payments (id, loan_id, amount, month, year, paid_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.Amount, p.Month, p.Year, p.PaidAt,
	)
	if err != nil {
		return wrapWriteErr("create loan payment", err)
	}
	return nil
}

func (s *queries) ListPayments(loanID uuid.UUID) ([]*models.LoanPayment, error) {
	rows, err := s.q.Query(
		`SELECT id, loan_id, amount, month, year, paid_at
		FROM loan_payments WHERE loan_id = ? ORDER BY paid_at`,
		loanID.String(),
	)
	if err != nil {
		return nil, faults.NewInfrastructure("list loan payments", err)
	}
	defer rows.Close()

	var payments []*models.LoanPayment
	for rows.Next() {
		var p models.LoanPayment
		var idStr, loanStr string
		if err := rows.Scan(&idStr, &loanStr, &p.Amount, &p.Month, &p.Year, &p.PaidAt); err != nil {
			return nil, faults.NewInfrastructure("scan loan payment row", err)
		}
		p.ID = uuid.MustParse(idStr)
		p.LoanID = uuid.MustParse(loanStr)
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.NewInfrastructure("iterate loan payment rows", err)
	}
	return payments, nil
}

// ---- withdrawal requests ----

const withdrawalColumns = `id, member_id, amount, reason, status, admin_notes, created_at, processed_at`

func (s *queries) CreateWithdrawal(w *models.WithdrawalRequest) error {
	_, err := s.q.Exec(
		`INSERT INTO withdrawal_requests (`+withdrawalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.MemberID.String(), w.Amount, w.Reason,
		string(w.Status), w.AdminNotes, w.CreatedAt, w.ProcessedAt,
	)
	if err != nil {
		return wrapWriteErr("create withdrawal request", err)
	}
	return nil
}

func scanWithdrawal(row interface{ Scan(dest ...any) error }) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	var idStr, memberStr, status string
	var processedAt sql.NullTime
	if err := row.Scan(
		&idStr, &memberStr, &w.Amount, &w.Reason, &status, &w.AdminNotes, &w.CreatedAt, &processedAt,
	); err != nil {
		return nil, err
	}
	w.ID = uuid.MustParse(idStr)
	w.MemberID = uuid.MustParse(memberStr)
	w.Status = models.WithdrawalStatus(status)
	if processedAt.Valid {
		w.ProcessedAt = &processedAt.Time
	}
	return &w, nil
}

func (s *queries) GetWithdrawal(id uuid.UUID) (*models.WithdrawalRequest, error) {
	row := s.q.QueryRow(`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = ?`, id.String())
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, faults.NewNotFound("withdrawal request", id.String())
		}
		return nil, faults.NewInfrastructure("get withdrawal request", err)
	}
	return w, nil
}

func (s *queries) listWithdrawals(query string, args ...any) ([]*models.WithdrawalRequest, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, faults.NewInfrastructure("list withdrawal requests", err)
	}
	defer rows.Close()

	var requests []*models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, faults.NewInfrastructure("scan withdrawal request row", err)
		}
		requests = append(requests, w)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.NewInfrastructure("iterate withdrawal request rows", err)
	}
	return requests, nil
}

func (s *queries) ListWithdrawalsByStatus(status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error) {
	return s.listWithdrawals(
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE status = ? ORDER BY created_at DESC`,
		string(status),
	)
}

func (s *queries) ListWithdrawalsForMember(memberID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	return s.listWithdrawals(
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE member_id = ? ORDER BY created_at DESC`,
		memberID.String(),
	)
}

func (s *queries) UpdateWithdrawal(w *models.WithdrawalRequest) error {
	result, err := s.q.Exec(
		`UPDATE withdrawal_requests SET status = ?, admin_notes = ?, processed_at = ? WHERE id = ?`,
		string(w.Status), w.AdminNotes, w.ProcessedAt, w.ID.String(),
	)
	if err != nil {
		return wrapWriteErr("update withdrawal request", err)
	}
	return requireRow(result, "withdrawal request", w.ID.String())
}
