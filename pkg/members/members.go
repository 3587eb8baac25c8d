// Package members handles member onboarding, authentication lookups and
// profile maintenance.
package members

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/adeyinka/coopledger/pkg/auth"
	"github.com/adeyinka/coopledger/pkg/faults"
	"github.com/adeyinka/coopledger/pkg/models"
	"github.com/adeyinka/coopledger/pkg/store"
)

// Service manages member records.
type Service struct {
	storage  store.Storage
	validate *validator.Validate
	log      *logrus.Logger
}

func NewService(storage store.Storage, log *logrus.Logger) *Service {
	return &Service{
		storage:  storage,
		validate: validator.New(),
		log:      log,
	}
}

// CreateMemberInput is the admin-supplied payload for onboarding.
type CreateMemberInput struct {
	FirstName         string      `json:"first_name" validate:"required"`
	Surname           string      `json:"surname" validate:"required"`
	Email             string      `json:"email" validate:"required,email"`
	Phone             string      `json:"phone"`
	Password          string      `json:"password" validate:"required,min=8"`
	Role              models.Role `json:"role" validate:"omitempty,oneof=admin member"`
	BankName          string      `json:"bank_name"`
	AccountNumber     string      `json:"account_number" validate:"omitempty,numeric"`
	AccountHolderName string      `json:"account_holder_name"`
}

// Create onboards a member. The password is hashed before storage and a
// zero-valued ledger row for the current period is seeded in the same
// transaction, so the new member shows up in period reports immediately.
func (s *Service) Create(in *CreateMemberInput) (*models.Member, error) {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, faults.NewValidation(faults.CodeInvalidInput,
				"field %s failed validation on the %s rule", verrs[0].Field(), verrs[0].Tag())
		}
		return nil, faults.NewValidation(faults.CodeInvalidInput, "invalid member payload")
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := s.storage.GetMemberByEmail(email); err == nil {
		return nil, faults.NewValidation(faults.CodeDuplicateEmail, "a member with email %s already exists", email)
	} else {
		var nf *faults.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, faults.NewInfrastructure("hash password", err)
	}

	role := in.Role
	if role == "" {
		role = models.RoleMember
	}
	now := time.Now()
	member := &models.Member{
		ID:                uuid.New(),
		FirstName:         in.FirstName,
		Surname:           in.Surname,
		Email:             email,
		Phone:             in.Phone,
		Role:              role,
		PasswordHash:      hash,
		BankName:          in.BankName,
		AccountNumber:     in.AccountNumber,
		AccountHolderName: in.AccountHolderName,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.storage.WithinTx(func(st store.Store) error {
		if err := st.CreateMember(member); err != nil {
			return err
		}
		seed := &models.PeriodRecord{
			ID:        uuid.New(),
			MemberID:  member.ID,
			Month:     int(now.Month()),
			Year:      now.Year(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return st.InsertPeriodRecord(seed)
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"member_id": member.ID,
		"email":     member.Email,
		"role":      member.Role,
	}).Info("member created")
	return member, nil
}

// Authenticate verifies credentials and returns the member on success.
func (s *Service) Authenticate(email, password string) (*models.Member, error) {
	member, err := s.storage.GetMemberByEmail(strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		var nf *faults.NotFoundError
		if errors.As(err, &nf) {
			return nil, faults.NewValidation(faults.CodeInvalidInput, "invalid email or password")
		}
		return nil, err
	}
	if !auth.CheckPassword(member.PasswordHash, password) {
		return nil, faults.NewValidation(faults.CodeInvalidInput, "invalid email or password")
	}
	return member, nil
}

// Get returns one member by id.
func (s *Service) Get(id uuid.UUID) (*models.Member, error) {
	return s.storage.GetMember(id)
}

// List returns every member, oldest first.
func (s *Service) List() ([]*models.Member, error) {
	return s.storage.ListMembers()
}

// UpdateBankDetailsInput carries a bank detail change.
type UpdateBankDetailsInput struct {
	BankName          string `json:"bank_name" validate:"required"`
	AccountNumber     string `json:"account_number" validate:"required,numeric"`
	AccountHolderName string `json:"account_holder_name" validate:"required"`
}

// UpdateBankDetails replaces the member's payout account.
func (s *Service) UpdateBankDetails(id uuid.UUID, in *UpdateBankDetailsInput) (*models.Member, error) {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, faults.NewValidation(faults.CodeInvalidInput,
				"field %s failed validation on the %s rule", verrs[0].Field(), verrs[0].Tag())
		}
		return nil, faults.NewValidation(faults.CodeInvalidInput, "invalid bank details payload")
	}

	var member *models.Member
	err := s.storage.WithinTx(func(st store.Store) error {
		var err error
		member, err = st.GetMember(id)
		if err != nil {
			return err
		}
		member.BankName = in.BankName
		member.AccountNumber = in.AccountNumber
		member.AccountHolderName = in.AccountHolderName
		member.UpdatedAt = time.Now()
		return st.UpdateMember(member)
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// ChangePassword swaps a member's password after verifying the current one.
func (s *Service) ChangePassword(id uuid.UUID, current, next string) error {
	if len(next) < 8 {
		return faults.NewValidation(faults.CodeInvalidInput, "new password must be at least 8 characters")
	}
	return s.storage.WithinTx(func(st store.Store) error {
		member, err := st.GetMember(id)
		if err != nil {
			return err
		}
		if !auth.CheckPassword(member.PasswordHash, current) {
			return faults.NewValidation(faults.CodeInvalidInput, "current password is incorrect")
		}
		hash, err := auth.HashPassword(next)
		if err != nil {
			return faults.NewInfrastructure("hash password", err)
		}
		member.PasswordHash = hash
		member.UpdatedAt = time.Now()
		return st.UpdateMember(member)
	})
}

// UpdateMemberInput carries an admin edit of a member's profile. Email and
// balances are not editable here.
type UpdateMemberInput struct {
	FirstName string      `json:"first_name" validate:"required"`
	Surname   string      `json:"surname" validate:"required"`
	Phone     string      `json:"phone"`
	Role      models.Role `json:"role" validate:"omitempty,oneof=admin member"`
}

// Update replaces a member's profile fields.
func (s *Service) Update(id uuid.UUID, in *UpdateMemberInput) (*models.Member, error) {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, faults.NewValidation(faults.CodeInvalidInput,
				"field %s failed validation on the %s rule", verrs[0].Field(), verrs[0].Tag())
		}
		return nil, faults.NewValidation(faults.CodeInvalidInput, "invalid member payload")
	}

	var member *models.Member
	err := s.storage.WithinTx(func(st store.Store) error {
		var err error
		member, err = st.GetMember(id)
		if err != nil {
			return err
		}
		member.FirstName = in.FirstName
		member.Surname = in.Surname
		member.Phone = in.Phone
		if in.Role != "" {
			member.Role = in.Role
		}
		member.UpdatedAt = time.Now()
		return st.UpdateMember(member)
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("member_id", id).Info("member profile updated")
	return member, nil
}

// Delete removes a member and their history. Members with an active loan
// cannot be deleted until the loan is settled or defaulted.
func (s *Service) Delete(id uuid.UUID) error {
	err := s.storage.WithinTx(func(st store.Store) error {
		if _, err := st.GetMember(id); err != nil {
			return err
		}
		active, err := st.CountActiveLoans(id)
		if err != nil {
			return err
		}
		if active > 0 {
			return faults.NewStateConflict(faults.CodeActiveLoanExists,
				"member %s has an active loan and cannot be deleted", id)
		}
		return st.DeleteMember(id)
	})
	if err != nil {
		return err
	}
	s.log.WithField("member_id", id).Warn("member deleted")
	return nil
}

// EnsureAdmin creates the bootstrap admin account when it does not exist yet.
// A blank password skips the bootstrap entirely.
func (s *Service) EnsureAdmin(email, password string) error {
	if password == "" {
		return nil
	}
	_, err := s.storage.GetMemberByEmail(strings.ToLower(email))
	if err == nil {
		return nil
	}
	var nf *faults.NotFoundError
	if !errors.As(err, &nf) {
		return err
	}
	_, err = s.Create(&CreateMemberInput{
		FirstName: "System",
		Surname:   "Admin",
		Email:     email,
		Password:  password,
		Role:      models.RoleAdmin,
	})
	return err
}

// Balances summarizes a member's running totals for profile views.
type Balances struct {
	CumulativeSavings     decimal.Decimal `json:"cumulative_savings"`
	CumulativeShares      decimal.Decimal `json:"cumulative_shares"`
	CumulativeInvestment  decimal.Decimal `json:"cumulative_investment"`
	SpecialSavingsBalance decimal.Decimal `json:"special_savings_balance"`
}

// BalancesFor returns the member's current running totals.
func (s *Service) BalancesFor(id uuid.UUID) (*Balances, error) {
	member, err := s.storage.GetMember(id)
	if err != nil {
		return nil, err
	}
	return &Balances{
		CumulativeSavings:     member.CumulativeSavings,
		CumulativeShares:      member.CumulativeShares,
		CumulativeInvestment:  member.CumulativeInvestment,
		SpecialSavingsBalance: member.SpecialSavingsBalance,
	}, nil
}
