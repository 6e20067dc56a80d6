package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/mmeshcher/lessonpay/internal/metrics"
	"github.com/mmeshcher/lessonpay/internal/model"
	"github.com/mmeshcher/lessonpay/internal/processor"
	"github.com/mmeshcher/lessonpay/internal/repository"
)

// InitiatePayout запрашивает перевод доли преподавателя по покупке в состоянии
// pending_transfer. Статус покупки не меняется: переход в transferred
// выполняет событие о созданном переводе. Если платёжная система отклонила
// перевод окончательно, покупка переводится в failed с причиной.
func (s *Service) InitiatePayout(ctx context.Context, p *model.Purchase) (string, error) {
	if p.PayoutStatus != model.PayoutStatusPendingTransfer {
		return "", fmt.Errorf("%w: %s is %s", ErrNotPayable, p.ExternalPaymentReference, p.PayoutStatus)
	}
	if p.ExternalTransferReference != nil {
		return *p.ExternalTransferReference, nil
	}
	if p.LessonID == nil {
		s.failPayout(ctx, p, "purchase has no lesson")
		return "", fmt.Errorf("%w: %s has no lesson", ErrNotPayable, p.ExternalPaymentReference)
	}
	if p.InstructorPayoutAmount <= 0 {
		s.logger.Warn("purchase has no instructor share to transfer",
			zap.String("payment_reference", p.ExternalPaymentReference))
		s.failPayout(ctx, p, "instructor share is zero")
		return "", fmt.Errorf("%w: %s has nothing to transfer", ErrNotPayable, p.ExternalPaymentReference)
	}

	lesson, err := s.repo.GetLesson(ctx, *p.LessonID)
	if errors.Is(err, repository.ErrLessonNotFound) {
		s.failPayout(ctx, p, "lesson no longer exists")
		return "", fmt.Errorf("%w: %s: %w", ErrNotPayable, p.ExternalPaymentReference, err)
	}
	if err != nil {
		return "", persistenceError("get lesson", err)
	}
	profile, err := s.repo.GetInstructorProfile(ctx, lesson.InstructorID)
	if err != nil && !errors.Is(err, repository.ErrProfileNotFound) {
		return "", persistenceError("get instructor profile", err)
	}
	if profile == nil || !profile.Onboarded() {
		reason := "instructor has no connected payment account"
		s.failPayout(ctx, p, reason)
		return "", fmt.Errorf("%w: %s", ErrInstructorNotOnboarded, p.ExternalPaymentReference)
	}

	req := processor.TransferRequest{
		Amount:             p.InstructorPayoutAmount,
		Currency:           s.settings.Currency,
		DestinationAccount: *profile.ExternalAccountID,
		SourceReference:    p.ExternalPaymentReference,
		TransferGroup:      transferGroup(*p.LessonID, p.UserID),
		Metadata:           model.TransferMetadata(p.ExternalPaymentReference),
	}

	var transferID string
	err = retry.Do(
		func() error {
			if req.SourceTransaction == "" {
				chargeID, err := s.sourceCharge(ctx, p)
				if err != nil {
					return err
				}
				req.SourceTransaction = chargeID
			}
			id, err := s.processor.CreateTransfer(ctx, req)
			if err != nil {
				return err
			}
			transferID = id
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.settings.PayoutRetries),
		retry.Delay(s.settings.PayoutRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(processor.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("transfer attempt failed, retrying",
				zap.String("payment_reference", p.ExternalPaymentReference),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		if processor.IsTransient(err) || ctx.Err() != nil {
			// Сбой временный: покупка остаётся в pending_transfer и будет подобрана проверкой зависших выплат.
			metrics.PayoutsTotal.WithLabelValues("deferred").Inc()
			return "", processorError("create transfer", err)
		}
		metrics.PayoutsTotal.WithLabelValues("rejected").Inc()
		s.failPayout(ctx, p, fmt.Sprintf("transfer rejected: %v", err))
		return "", processorError("create transfer", err)
	}

	if err := s.repo.AttachTransferReference(ctx, p.ExternalPaymentReference, transferID); err != nil {
		s.logger.Error("failed to store transfer reference",
			zap.String("payment_reference", p.ExternalPaymentReference),
			zap.String("transfer_id", transferID),
			zap.Error(err))
	}
	metrics.PayoutsTotal.WithLabelValues("requested").Inc()
	s.logger.Info("payout transfer requested",
		zap.String("payment_reference", p.ExternalPaymentReference),
		zap.String("transfer_id", transferID),
		zap.Int64("amount", p.InstructorPayoutAmount))

	return transferID, nil
}

// sourceCharge находит списание, из которого переводится доля преподавателя.
// Если идентификатор платежа не был сохранён, он берётся из сессии оплаты.
func (s *Service) sourceCharge(ctx context.Context, p *model.Purchase) (string, error) {
	paymentIntentID := ""
	if p.PaymentConfirmationReference != nil {
		paymentIntentID = *p.PaymentConfirmationReference
	}
	if paymentIntentID == "" {
		info, err := s.processor.RetrieveCheckoutSession(ctx, p.ExternalPaymentReference)
		if err != nil {
			return "", err
		}
		paymentIntentID = info.PaymentIntentID
	}
	if paymentIntentID == "" {
		return "", fmt.Errorf("%w: %s has no payment", processor.ErrNoCharge, p.ExternalPaymentReference)
	}
	return s.processor.PaymentChargeID(ctx, paymentIntentID)
}

func (s *Service) failPayout(ctx context.Context, p *model.Purchase, reason string) {
	s.logger.Error("instructor payout failed, manual remediation required",
		zap.String("payment_reference", p.ExternalPaymentReference),
		zap.String("reason", reason))

	if _, err := s.transition(ctx, p.ExternalPaymentReference, model.PayoutStatusPendingTransfer, model.PayoutStatusFailed,
		repository.TransitionUpdate{FailureReason: &reason}); err != nil {
		s.logger.Error("failed to record payout failure",
			zap.String("payment_reference", p.ExternalPaymentReference),
			zap.Error(err))
	}
}

// StartPayoutSweep запускает фоновую проверку покупок, застрявших в ожидании перевода.
func (s *Service) StartPayoutSweep(ctx context.Context) {
	if s.settings.PayoutSweepEvery <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.settings.PayoutSweepEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepStalePayouts(ctx)
			}
		}
	}()
}

// sweepStalePayouts повторяет запрос перевода для зависших покупок без
// идентификатора перевода и возвращает число найденных покупок.
func (s *Service) sweepStalePayouts(ctx context.Context) int {
	stale, err := s.repo.ListStalePendingTransfers(ctx, s.now().Add(-s.settings.PayoutStaleAfter), s.settings.PayoutSweepBatch)
	if err != nil {
		s.logger.Error("failed to list stale payouts", zap.Error(err))
		return 0
	}
	metrics.StalePendingTransfers.Set(float64(len(stale)))

	for i := range stale {
		p := &stale[i]
		if p.ExternalTransferReference != nil {
			s.logger.Warn("transfer requested but not confirmed",
				zap.String("payment_reference", p.ExternalPaymentReference),
				zap.String("transfer_id", *p.ExternalTransferReference),
				zap.Time("since", p.UpdatedAt))
			continue
		}

		if _, err := s.InitiatePayout(ctx, p); err != nil {
			s.logger.Warn("stale payout retry failed",
				zap.String("payment_reference", p.ExternalPaymentReference),
				zap.Error(err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return len(stale)
}
