// Package withdrawals authorizes withdrawals against members' special
// savings balances.
package withdrawals

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/adeyinka/coopledger/pkg/faults"
	"github.com/adeyinka/coopledger/pkg/models"
	"github.com/adeyinka/coopledger/pkg/store"
)

// Engine validates, queues and settles withdrawal requests.
type Engine struct {
	storage store.Storage
	minimum decimal.Decimal
	log     *logrus.Logger
}

func NewEngine(storage store.Storage, minimum decimal.Decimal, log *logrus.Logger) *Engine {
	return &Engine{storage: storage, minimum: minimum, log: log}
}

func (e *Engine) validateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return faults.NewValidation(faults.CodeInvalidAmount, "withdrawal amount must be positive")
	}
	if amount.LessThan(e.minimum) {
		return faults.NewValidation(faults.CodeBelowMinimum,
			"withdrawal amount must be at least %s", e.minimum)
	}
	return nil
}

func insufficientBalance(balance, amount decimal.Decimal) error {
	violation := faults.NewPolicyViolation(faults.CodeInsufficientBalance,
		"special savings balance %s cannot cover withdrawal of %s", balance, amount)
	violation.CurrentBalance = balance
	violation.Shortfall = amount.Sub(balance)
	return violation
}

// SubmitRequest queues a pending withdrawal. The balance check here is
// advisory, approval re-checks it before any money moves.
func (e *Engine) SubmitRequest(memberID uuid.UUID, amount decimal.Decimal, reason string) (*models.WithdrawalRequest, error) {
	if err := e.validateAmount(amount); err != nil {
		return nil, err
	}
	member, err := e.storage.GetMember(memberID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(member.SpecialSavingsBalance) {
		return nil, insufficientBalance(member.SpecialSavingsBalance, amount)
	}

	request := &models.WithdrawalRequest{
		ID:        uuid.New(),
		MemberID:  memberID,
		Amount:    amount,
		Reason:    reason,
		Status:    models.WithdrawalPending,
		CreatedAt: time.Now(),
	}
	if err := e.storage.CreateWithdrawal(request); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"request_id": request.ID,
		"member_id":  memberID,
		"amount":     amount,
	}).Info("withdrawal request submitted")
	return request, nil
}

// DecideRequest approves or declines a pending request. Approval re-reads the
// member's balance inside the transaction and debits it together with the
// status change. When the balance no longer covers the amount the request is
// left pending and the shortfall is reported, so an admin can retry after the
// next contribution lands.
func (e *Engine) DecideRequest(requestID uuid.UUID, approve bool, notes string) (*models.WithdrawalRequest, error) {
	var request *models.WithdrawalRequest
	err := e.storage.WithinTx(func(s store.Store) error {
		var err error
		request, err = s.GetWithdrawal(requestID)
		if err != nil {
			return err
		}
		if request.Status != models.WithdrawalPending {
			return faults.NewStateConflict(faults.CodeAlreadyDecided,
				"withdrawal request %s was already %s", request.ID, request.Status)
		}

		now := time.Now()
		request.AdminNotes = notes
		request.ProcessedAt = &now

		if !approve {
			request.Status = models.WithdrawalDeclined
			return s.UpdateWithdrawal(request)
		}

		member, err := s.GetMember(request.MemberID)
		if err != nil {
			return err
		}
		if request.Amount.GreaterThan(member.SpecialSavingsBalance) {
			return insufficientBalance(member.SpecialSavingsBalance, request.Amount)
		}

		member.SpecialSavingsBalance = member.SpecialSavingsBalance.Sub(request.Amount)
		member.UpdatedAt = now
		if err := s.UpdateMember(member); err != nil {
			return err
		}
		request.Status = models.WithdrawalApproved
		return s.UpdateWithdrawal(request)
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"approved":   approve,
	}).Info("withdrawal request decided")
	return request, nil
}

// DirectWithdrawal lets an admin debit a member's special savings on the
// spot. The record lands already approved so the audit trail matches queued
// withdrawals.
func (e *Engine) DirectWithdrawal(memberID uuid.UUID, amount decimal.Decimal, reason, notes string) (*models.WithdrawalRequest, error) {
	if err := e.validateAmount(amount); err != nil {
		return nil, err
	}

	var request *models.WithdrawalRequest
	err := e.storage.WithinTx(func(s store.Store) error {
		member, err := s.GetMember(memberID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(member.SpecialSavingsBalance) {
			return insufficientBalance(member.SpecialSavingsBalance, amount)
		}

		now := time.Now()
		member.SpecialSavingsBalance = member.SpecialSavingsBalance.Sub(amount)
		member.UpdatedAt = now
		if err := s.UpdateMember(member); err != nil {
			return err
		}

		request = &models.WithdrawalRequest{
			ID:          uuid.New(),
			MemberID:    memberID,
			Amount:      amount,
			Reason:      reason,
			Status:      models.WithdrawalApproved,
			AdminNotes:  notes,
			CreatedAt:   now,
			ProcessedAt: &now,
		}
		return s.CreateWithdrawal(request)
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"member_id": memberID,
		"amount":    amount,
	}).Info("direct withdrawal processed")
	return request, nil
}

// ListForMember returns a member's withdrawal requests, newest first.
func (e *Engine) ListForMember(memberID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	if _, err := e.storage.GetMember(memberID); err != nil {
		return nil, err
	}
	return e.storage.ListWithdrawalsForMember(memberID)
}

// ListByStatus returns withdrawal requests in the given state.
func (e *Engine) ListByStatus(status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error) {
	return e.storage.ListWithdrawalsByStatus(status)
}
