package ledger

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
	return NewEngine(s, 2000, 2100, log), s
}

func createMember(t *testing.T, s *store.SQLiteStore, email string) *models.Member {
	now := time.Now()
	member := &models.Member{
		ID:           uuid.New(),
		FirstName:    "Ngozi",
		Surname:      "Eze",
		Email:        email,
		Role:         models.RoleMember,
		PasswordHash: "x",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateMember(member); err != nil {
		t.Fatalf("Failed to create member: %v", err)
	}
	return member
}

func TestEngine_ApplyDeltaAccumulates(t *testing.T) {
	engine, s := newTestEngine(t, "test_ledger_delta.db")
	member := createMember(t, s, "delta@example.com")

	first := &models.DeductionDelta{
		RegularSavings: decimal.NewFromInt(5000),
		Shares:         decimal.NewFromInt(1000),
	}
	if _, err := engine.ApplyDelta(member.ID, 4, 2026, first); err != nil {
		t.Fatalf("Failed to apply first delta: %v", err)
	}

	second := &models.DeductionDelta{
		RegularSavings: decimal.NewFromInt(2500),
		SpecialSavings: decimal.NewFromInt(300),
	}
	record, err := engine.ApplyDelta(member.ID, 4, 2026, second)
	if err != nil {
		t.Fatalf("Failed to apply second delta: %v", err)
	}

	if !record.RegularSavings.Equal(decimal.NewFromInt(7500)) {
		t.Errorf("Expected regular savings 7500, got %s", record.RegularSavings)
	}
	if !record.Shares.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected shares 1000, got %s", record.Shares)
	}
	if !record.Total().Equal(decimal.NewFromInt(8800)) {
		t.Errorf("Expected total 8800, got %s", record.Total())
	}

	// Cumulative balances on the member move with the deltas.
	fetched, err := s.GetMember(member.ID)
	if err != nil {
		t.Fatalf("Failed to refetch member: %v", err)
	}
	if !fetched.CumulativeSavings.Equal(decimal.NewFromInt(7500)) {
		t.Errorf("Expected cumulative savings 7500, got %s", fetched.CumulativeSavings)
	}
	if !fetched.SpecialSavingsBalance.Equal(decimal.NewFromInt(300)) {
		t.Errorf("Expected special savings balance 300, got %s", fetched.SpecialSavingsBalance)
	}
}

func TestEngine_ApplyDeltaRejectsInvalidPeriod(t *testing.T) {
	engine, s := newTestEngine(t, "test_ledger_period.db")
	member := createMember(t, s, "invalid@example.com")

	cases := []struct {
		name  string
		month int
		year  int
	}{
		{"month too low", 0, 2026},
		{"month too high", 13, 2026},
		{"year too low", 6, 1999},
		{"year too high", 6, 2101},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.ApplyDelta(member.ID, tc.month, tc.year, &models.DeductionDelta{})
			var validation *faults.ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if validation.Code != faults.CodeInvalidPeriod {
				t.Errorf("Expected code %s, got %s", faults.CodeInvalidPeriod, validation.Code)
			}
		})
	}
}

func TestEngine_ApplyDeltaUnknownMember(t *testing.T) {
	engine, _ := newTestEngine(t, "test_ledger_unknown.db")

	_, err := engine.ApplyDelta(uuid.New(), 4, 2026, &models.DeductionDelta{})
	var nf *faults.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
}

func TestEngine_SetAbsoluteOverwritesOnlyProvided(t *testing.T) {
	engine, s := newTestEngine(t, "test_ledger_set.db")
	member := createMember(t, s, "set@example.com")

	if _, err := engine.ApplyDelta(member.ID, 5, 2026, &models.DeductionDelta{
		RegularSavings: decimal.NewFromInt(4000),
		Investment:     decimal.NewFromInt(900),
	}); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	newSavings := decimal.NewFromInt(6000)
	record, err := engine.SetAbsolute(member.ID, 5, 2026, &models.DeductionValues{
		RegularSavings: &newSavings,
	})
	if err != nil {
		t.Fatalf("Failed to set deduction values: %v", err)
	}

	if !record.RegularSavings.Equal(newSavings) {
		t.Errorf("Expected regular savings 6000, got %s", record.RegularSavings)
	}
	if !record.Investment.Equal(decimal.NewFromInt(900)) {
		t.Errorf("Expected investment untouched at 900, got %s", record.Investment)
	}

	// The cumulative balance moves by the difference, not the new value.
	fetched, err := s.GetMember(member.ID)
	if err != nil {
		t.Fatalf("Failed to refetch member: %v", err)
	}
	if !fetched.CumulativeSavings.Equal(decimal.NewFromInt(6000)) {
		t.Errorf("Expected cumulative savings 6000, got %s", fetched.CumulativeSavings)
	}
}

func TestEngine_RecordMissingPeriodReturnsZero(t *testing.T) {
	engine, s := newTestEngine(t, "test_ledger_read.db")
	member := createMember(t, s, "read@example.com")

	record, err := engine.Record(member.ID, &models.Period{Month: 7, Year: 2026})
	if err != nil {
		t.Fatalf("Failed to read missing period: %v", err)
	}
	if record.Month != 7 || record.Year != 2026 {
		t.Errorf("Expected period 7/2026, got %d/%d", record.Month, record.Year)
	}
	if !record.Total().IsZero() {
		t.Errorf("Expected zero record, got total %s", record.Total())
	}
}

func TestEngine_RecordNilPeriodReturnsLatest(t *testing.T) {
	engine, s := newTestEngine(t, "test_ledger_latest.db")
	member := createMember(t, s, "latest@example.com")

	if _, err := engine.ApplyDelta(member.ID, 1, 2026, &models.DeductionDelta{
		RegularSavings: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("Failed to apply january delta: %v", err)
	}
	if _, err := engine.ApplyDelta(member.ID, 2, 2026, &models.DeductionDelta{
		RegularSavings: decimal.NewFromInt(200),
	}); err != nil {
		t.Fatalf("Failed to apply february delta: %v", err)
	}

	record, err := engine.Record(member.ID, nil)
	if err != nil {
		t.Fatalf("Failed to read latest record: %v", err)
	}
	if record.Month != 2 {
		t.Errorf("Expected latest record for month 2, got %d", record.Month)
	}
	if !record.RegularSavings.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Expected regular savings 200, got %s", record.RegularSavings)
	}
}

func TestEngine_ApplyBatchBooksAllMembers(t *testing.T) {
	engine, s := newTestEngine(t, "test_ledger_batch.db")
	first := createMember(t, s, "batch-one@example.com")
	second := createMember(t, s, "batch-two@example.com")

	records, err := engine.ApplyBatch(7, 2026, []models.MemberDeduction{
		{MemberID: first.ID, Delta: models.DeductionDelta{RegularSavings: decimal.NewFromInt(4000)}},
		{MemberID: second.ID, Delta: models.DeductionDelta{
			RegularSavings: decimal.NewFromInt(3000),
			Shares:         decimal.NewFromInt(500),
		}},
	})
	if err != nil {
		t.Fatalf("Failed to book batch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if !records[1].Total().Equal(decimal.NewFromInt(3500)) {
		t.Errorf("Expected second record total 3500, got %s", records[1].Total())
	}

	fetched, err := s.GetMember(first.ID)
	if err != nil {
		t.Fatalf("Failed to refetch member: %v", err)
	}
	if !fetched.CumulativeSavings.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("Expected cumulative savings 4000, got %s", fetched.CumulativeSavings)
	}

	if _, err := engine.ApplyBatch(7, 2026, nil); err == nil {
		t.Fatal("Expected empty batch to fail")
	}
}

func TestEngine_ApplyBatchRollsBackOnUnknownMember(t *testing.T) {
	engine, s := newTestEngine(t, "test_ledger_batch_rollback.db")
	member := createMember(t, s, "batch-known@example.com")

	_, err := engine.ApplyBatch(7, 2026, []models.MemberDeduction{
		{MemberID: member.ID, Delta: models.DeductionDelta{RegularSavings: decimal.NewFromInt(4000)}},
		{MemberID: uuid.New(), Delta: models.DeductionDelta{RegularSavings: decimal.NewFromInt(1000)}},
	})
	var notFound *faults.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}

	// The known member's booking from the same batch is rolled back too.
	if _, err := s.GetPeriodRecord(member.ID, 7, 2026); !errors.As(err, &notFound) {
		t.Fatalf("Expected no period record after rollback, got %v", err)
	}
	fetched, err := s.GetMember(member.ID)
	if err != nil {
		t.Fatalf("Failed to refetch member: %v", err)
	}
	if !fetched.CumulativeSavings.IsZero() {
		t.Errorf("Expected cumulative savings untouched, got %s", fetched.CumulativeSavings)
	}
}

func TestEngine_TotalsAggregateAcrossMembers(t *testing.T) {
	engine, s := newTestEngine(t, "test_ledger_totals.db")
	first := createMember(t, s, "one@example.com")
	second := createMember(t, s, "two@example.com")

	if _, err := engine.ApplyDelta(first.ID, 6, 2026, &models.DeductionDelta{
		RegularSavings: decimal.NewFromInt(1000),
	}); err != nil {
		t.Fatalf("Failed to apply delta for first member: %v", err)
	}
	if _, err := engine.ApplyDelta(second.ID, 6, 2026, &models.DeductionDelta{
		RegularSavings: decimal.NewFromInt(2500),
		Shares:         decimal.NewFromInt(500),
	}); err != nil {
		t.Fatalf("Failed to apply delta for second member: %v", err)
	}

	totals, err := engine.Totals(6, 2026)
	if err != nil {
		t.Fatalf("Failed to compute totals: %v", err)
	}
	if totals.Members != 2 {
		t.Errorf("Expected 2 members in totals, got %d", totals.Members)
	}
	if !totals.RegularSavings.Equal(decimal.NewFromInt(3500)) {
		t.Errorf("Expected regular savings total 3500, got %s", totals.RegularSavings)
	}
	if !totals.Total.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("Expected grand total 4000, got %s", totals.Total)
	}
}
