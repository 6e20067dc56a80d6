package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/lessonpay/internal/model"
	"github.com/mmeshcher/lessonpay/internal/repository"
)

// VerifyStatus описывает результат проверки оплаты по возвращению пользователя.
type VerifyStatus string

const (
	// VerifyConfirmed: оплата подтверждена, доступ выдан.
	VerifyConfirmed VerifyStatus = "confirmed"
	// VerifyPending: оплата получена, подтверждение от платёжной системы ещё не пришло.
	VerifyPending VerifyStatus = "pending"
	// VerifyAwaitingPayment: сессия ещё не оплачена.
	VerifyAwaitingPayment VerifyStatus = "awaiting_payment"
	// VerifyExpired: сессия истекла без оплаты.
	VerifyExpired VerifyStatus = "expired"
	// VerifyFailed: покупка завершилась ошибкой.
	VerifyFailed VerifyStatus = "failed"
)

// VerifyResult описывает состояние покупки по сессии оплаты.
type VerifyResult struct {
	Status   VerifyStatus
	Purchase *model.Purchase
}

// VerifyPurchase проверяет сессию оплаты, на которую вернулся пользователь.
// Записанная покупка возвращается из журнала без обращения к платёжной
// системе. Если платёжная система уже считает сессию оплаченной, а вебхук ещё не
// дошёл, в журнал добавляется запись в состоянии pending. Переход дальше
// выполняет только обработка события.
func (s *Service) VerifyPurchase(ctx context.Context, userID uuid.UUID, sessionID string) (*VerifyResult, error) {
	existing, err := s.repo.GetPurchaseByReference(ctx, sessionID)
	switch {
	case err == nil:
		if existing.UserID != userID {
			return nil, fmt.Errorf("%w: session %s", ErrSessionNotOwned, sessionID)
		}
		return &VerifyResult{Status: verifyStatus(existing.PayoutStatus), Purchase: existing}, nil
	case !errors.Is(err, repository.ErrPurchaseNotFound):
		return nil, persistenceError("get purchase", err)
	}

	info, err := s.processor.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, processorError("retrieve checkout session", err)
	}

	meta, err := model.ParseCheckoutMetadata(info.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if meta.UserID != userID {
		return nil, fmt.Errorf("%w: session %s", ErrSessionNotOwned, sessionID)
	}

	if !info.Paid {
		if info.Expired {
			return &VerifyResult{Status: VerifyExpired}, nil
		}
		return &VerifyResult{Status: VerifyAwaitingPayment}, nil
	}

	grant, err := s.existingGrant(ctx, userID, meta.LessonID)
	if err != nil {
		return nil, err
	}
	if grant != nil {
		return &VerifyResult{Status: verifyStatus(grant.PayoutStatus), Purchase: grant}, nil
	}

	p := purchaseFromSession(info.ID, info.PaymentIntentID, meta)
	s.warnAmountDrift(info.ID, info.AmountTotal, p.Amount)

	created, err := s.repo.CreatePurchase(ctx, p)
	if err != nil {
		if !errors.Is(err, repository.ErrDuplicatePurchase) {
			return nil, persistenceError("create purchase", err)
		}
		grant, err := s.repo.GetActivePurchase(ctx, userID, meta.LessonID)
		if err != nil {
			return nil, persistenceError("get purchase", err)
		}
		return &VerifyResult{Status: verifyStatus(grant.PayoutStatus), Purchase: grant}, nil
	}
	if !created {
		// Вебхук записал покупку между чтением и вставкой.
		p, err = s.repo.GetPurchaseByReference(ctx, info.ID)
		if err != nil {
			return nil, persistenceError("get purchase", err)
		}
	} else {
		s.logger.Info("purchase recorded from session verification",
			zap.String("session_id", info.ID),
			zap.String("user_id", userID.String()))
	}

	return &VerifyResult{Status: verifyStatus(p.PayoutStatus), Purchase: p}, nil
}

func verifyStatus(status model.PayoutStatus) VerifyStatus {
	switch status {
	case model.PayoutStatusPending:
		return VerifyPending
	case model.PayoutStatusFailed:
		return VerifyFailed
	default:
		return VerifyConfirmed
	}
}

func purchaseFromSession(sessionID, paymentIntentID string, meta model.CheckoutMetadata) *model.Purchase {
	lessonID := meta.LessonID
	return &model.Purchase{
		ID:                           uuid.New(),
		UserID:                       meta.UserID,
		LessonID:                     &lessonID,
		ExternalPaymentReference:     sessionID,
		PaymentConfirmationReference: strPtr(paymentIntentID),
		Amount:                       meta.InstructorPayoutAmount + meta.PlatformFeeAmount,
		InstructorPayoutAmount:       meta.InstructorPayoutAmount,
		PlatformFeeAmount:            meta.PlatformFeeAmount,
		PayoutStatus:                 model.PayoutStatusPending,
	}
}

// warnAmountDrift сообщает о расхождении суммы сессии и суммы разбивки,
// например при скидках на стороне платёжной системы.
func (s *Service) warnAmountDrift(sessionID string, amountTotal, expected int64) {
	if amountTotal != 0 && amountTotal != expected {
		s.logger.Warn("session amount differs from recorded split",
			zap.String("session_id", sessionID),
			zap.Int64("amount_total", amountTotal),
			zap.Int64("expected", expected))
	}
}
