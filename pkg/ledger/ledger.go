// Package ledger maintains the per-member monthly deduction records and the
// cumulative balances derived from them.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/adeyinka/coopledger/pkg/faults"
	"github.com/adeyinka/coopledger/pkg/models"
	"github.com/adeyinka/coopledger/pkg/store"
)

// Engine applies deduction writes atomically and serves ledger reads.
type Engine struct {
	storage store.Storage
	minYear int
	maxYear int
	log     *logrus.Logger
}

func NewEngine(storage store.Storage, minYear, maxYear int, log *logrus.Logger) *Engine {
	return &Engine{storage: storage, minYear: minYear, maxYear: maxYear, log: log}
}

// ValidatePeriod rejects months outside 1..12 and years outside the
// configured bounds before any row is touched.
func (e *Engine) ValidatePeriod(month, year int) error {
	if month < 1 || month > 12 {
		return faults.NewValidation(faults.CodeInvalidPeriod, "month must be between 1 and 12, got %d", month)
	}
	if year < e.minYear || year > e.maxYear {
		return faults.NewValidation(faults.CodeInvalidPeriod, "year must be between %d and %d, got %d", e.minYear, e.maxYear, year)
	}
	return nil
}

// GetOrCreateTx returns the period record for one member and period, creating
// a zero-valued row when none exists. A concurrent insert of the same period
// surfaces as a unique-constraint conflict, in which case the winner's row is
// read back and returned.
func GetOrCreateTx(s store.Store, memberID uuid.UUID, month, year int) (*models.PeriodRecord, error) {
	record, err := s.GetPeriodRecord(memberID, month, year)
	if err == nil {
		return record, nil
	}
	var nf *faults.NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}

	now := time.Now()
	fresh := &models.PeriodRecord{
		ID:        uuid.New(),
		MemberID:  memberID,
		Month:     month,
		Year:      year,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.InsertPeriodRecord(fresh); err != nil {
		var conflict *faults.StateConflictError
		if errors.As(err, &conflict) {
			return s.GetPeriodRecord(memberID, month, year)
		}
		return nil, err
	}
	return fresh, nil
}

// ApplyDeltaTx adds the delta to the member's record for the period and keeps
// the member's cumulative balances in step. Runs against a caller-owned
// transaction scope so other engines can compose it with their own writes.
func ApplyDeltaTx(s store.Store, memberID uuid.UUID, month, year int, delta *models.DeductionDelta) (*models.PeriodRecord, error) {
	record, err := GetOrCreateTx(s, memberID, month, year)
	if err != nil {
		return nil, err
	}

	record.RegularSavings = record.RegularSavings.Add(delta.RegularSavings)
	record.SpecialSavings = record.SpecialSavings.Add(delta.SpecialSavings)
	record.Shares = record.Shares.Add(delta.Shares)
	record.Investment = record.Investment.Add(delta.Investment)
	record.LoanRepayment = record.LoanRepayment.Add(delta.LoanRepayment)
	record.OverDeduction = record.OverDeduction.Add(delta.OverDeduction)
	record.UnderDeduction = record.UnderDeduction.Add(delta.UnderDeduction)
	record.FestivalLoan = record.FestivalLoan.Add(delta.FestivalLoan)
	record.Business = record.Business.Add(delta.Business)
	record.UpdatedAt = time.Now()
	if err := s.UpdatePeriodRecord(record); err != nil {
		return nil, err
	}

	if err := adjustCumulative(s, memberID, delta.RegularSavings, delta.SpecialSavings, delta.Shares, delta.Investment); err != nil {
		return nil, err
	}
	return record, nil
}

// adjustCumulative moves the member's running balances by the given amounts.
func adjustCumulative(s store.Store, memberID uuid.UUID, savings, special, shares, investment decimal.Decimal) error {
	if savings.IsZero() && special.IsZero() && shares.IsZero() && investment.IsZero() {
		return nil
	}
	member, err := s.GetMember(memberID)
	if err != nil {
		return err
	}
	member.CumulativeSavings = member.CumulativeSavings.Add(savings)
	member.SpecialSavingsBalance = member.SpecialSavingsBalance.Add(special)
	member.CumulativeShares = member.CumulativeShares.Add(shares)
	member.CumulativeInvestment = member.CumulativeInvestment.Add(investment)
	member.UpdatedAt = time.Now()
	return s.UpdateMember(member)
}

// ApplyDelta validates the period, confirms the member exists and applies the
// delta in one transaction.
func (e *Engine) ApplyDelta(memberID uuid.UUID, month, year int, delta *models.DeductionDelta) (*models.PeriodRecord, error) {
	if err := e.ValidatePeriod(month, year); err != nil {
		return nil, err
	}
	var record *models.PeriodRecord
	err := e.storage.WithinTx(func(s store.Store) error {
		if _, err := s.GetMember(memberID); err != nil {
			return err
		}
		var err error
		record, err = ApplyDeltaTx(s, memberID, month, year, delta)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"member_id": memberID,
		"month":     month,
		"year":      year,
	}).Info("applied deduction delta")
	return record, nil
}

// SetAbsolute overwrites only the categories present in values, leaving nil
// fields untouched. Cumulative balances move by the difference between the
// old and new stored amounts.
func (e *Engine) SetAbsolute(memberID uuid.UUID, month, year int, values *models.DeductionValues) (*models.PeriodRecord, error) {
	if err := e.ValidatePeriod(month, year); err != nil {
		return nil, err
	}
	var record *models.PeriodRecord
	err := e.storage.WithinTx(func(s store.Store) error {
		if _, err := s.GetMember(memberID); err != nil {
			return err
		}
		var err error
		record, err = GetOrCreateTx(s, memberID, month, year)
		if err != nil {
			return err
		}

		var dSavings, dSpecial, dShares, dInvestment decimal.Decimal
		set := func(field *decimal.Decimal, v *decimal.Decimal, diff *decimal.Decimal) {
			if v == nil {
				return
			}
			if diff != nil {
				*diff = diff.Add(v.Sub(*field))
			}
			*field = *v
		}
		set(&record.RegularSavings, values.RegularSavings, &dSavings)
		set(&record.SpecialSavings, values.SpecialSavings, &dSpecial)
		set(&record.Shares, values.Shares, &dShares)
		set(&record.Investment, values.Investment, &dInvestment)
		set(&record.LoanRepayment, values.LoanRepayment, nil)
		set(&record.OverDeduction, values.OverDeduction, nil)
		set(&record.UnderDeduction, values.UnderDeduction, nil)
		set(&record.FestivalLoan, values.FestivalLoan, nil)
		set(&record.Business, values.Business, nil)
		record.UpdatedAt = time.Now()
		if err := s.UpdatePeriodRecord(record); err != nil {
			return err
		}
		return adjustCumulative(s, memberID, dSavings, dSpecial, dShares, dInvestment)
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"member_id": memberID,
		"month":     month,
		"year":      year,
	}).Info("set deduction values")
	return record, nil
}

// ApplyBatch books deductions for many members against one period in a
// single transaction. One bad entry rolls back the whole booking, so a
// monthly payroll file is applied all-or-nothing.
func (e *Engine) ApplyBatch(month, year int, entries []models.MemberDeduction) ([]*models.PeriodRecord, error) {
	if err := e.ValidatePeriod(month, year); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, faults.NewValidation(faults.CodeInvalidInput, "booking must contain at least one entry")
	}

	records := make([]*models.PeriodRecord, 0, len(entries))
	err := e.storage.WithinTx(func(s store.Store) error {
		for _, entry := range entries {
			if _, err := s.GetMember(entry.MemberID); err != nil {
				return err
			}
			record, err := ApplyDeltaTx(s, entry.MemberID, month, year, &entry.Delta)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"month":   month,
		"year":    year,
		"entries": len(entries),
	}).Info("booked deduction batch")
	return records, nil
}

// Record returns the member's record for the requested period. With a nil
// period the most recent record is returned instead. A member with no ledger
// history, or no row for the requested period, gets a zero-valued record so
// reads never fail on absence.
func (e *Engine) Record(memberID uuid.UUID, period *models.Period) (*models.PeriodRecord, error) {
	if _, err := e.storage.GetMember(memberID); err != nil {
		return nil, err
	}

	var record *models.PeriodRecord
	var err error
	if period == nil {
		record, err = e.storage.GetLatestPeriodRecord(memberID)
		if err == nil {
			return record, nil
		}
		var nf *faults.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		now := time.Now()
		return zeroRecord(memberID, int(now.Month()), now.Year()), nil
	}

	if err := e.ValidatePeriod(period.Month, period.Year); err != nil {
		return nil, err
	}
	record, err = e.storage.GetPeriodRecord(memberID, period.Month, period.Year)
	if err == nil {
		return record, nil
	}
	var nf *faults.NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}
	return zeroRecord(memberID, period.Month, period.Year), nil
}

// zeroRecord builds an unpersisted all-zero record for display.
func zeroRecord(memberID uuid.UUID, month, year int) *models.PeriodRecord {
	return &models.PeriodRecord{
		MemberID: memberID,
		Month:    month,
		Year:     year,
	}
}

// History lists every period record for the member, newest first.
func (e *Engine) History(memberID uuid.UUID) ([]*models.PeriodRecord, error) {
	if _, err := e.storage.GetMember(memberID); err != nil {
		return nil, err
	}
	return e.storage.ListPeriodRecords(memberID)
}

// Totals aggregates one period across all members.
func (e *Engine) Totals(month, year int) (*models.PeriodTotals, error) {
	if err := e.ValidatePeriod(month, year); err != nil {
		return nil, err
	}
	return e.storage.SumPeriodTotals(month, year)
}
