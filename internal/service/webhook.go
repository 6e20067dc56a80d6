package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/lessonpay/internal/metrics"
	"github.com/mmeshcher/lessonpay/internal/model"
	"github.com/mmeshcher/lessonpay/internal/repository"
)

// EventOutcome описывает, что произошло с журналом при обработке события.
type EventOutcome string

const (
	// OutcomeApplied: событие изменило состояние покупки.
	OutcomeApplied EventOutcome = "applied"
	// OutcomeNoop: покупка уже в этом или более позднем состоянии.
	OutcomeNoop EventOutcome = "noop"
	// OutcomeReplayed: событие с этим идентификатором уже обработано.
	OutcomeReplayed EventOutcome = "replayed"
	// OutcomeIgnored: тип события не обрабатывается.
	OutcomeIgnored EventOutcome = "ignored"
	// OutcomeAwaitingPayment: сессия завершена, но оплата ещё не поступила.
	OutcomeAwaitingPayment EventOutcome = "awaiting_payment"
	// OutcomeDuplicatePurchase: оплачен урок, который у пользователя уже есть.
	OutcomeDuplicatePurchase EventOutcome = "duplicate_purchase"
)

// HandleEvent применяет событие платёжной системы к журналу покупок.
// Повторная доставка и доставка не по порядку безопасны: каждый переход
// условный и выполняется только из ожидаемого состояния. Ошибка
// возвращается только при сбое хранилища, тогда платёжная система
// доставит событие повторно.
func (s *Service) HandleEvent(ctx context.Context, ev model.Event) (EventOutcome, error) {
	done, err := s.repo.RecordWebhookEvent(ctx, ev.ID, ev.Type, ev.Payload)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		return "", persistenceError("record webhook event", err)
	}
	if done {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), string(OutcomeReplayed)).Inc()
		s.logger.Debug("webhook event already processed", zap.String("event_id", ev.ID))
		return OutcomeReplayed, nil
	}

	var outcome EventOutcome
	switch ev.Kind {
	case model.EventCheckoutCompleted:
		outcome, err = s.handleCheckoutCompleted(ctx, ev.Checkout)
	case model.EventCheckoutFailed:
		outcome, err = s.handleCheckoutFailed(ctx, ev.Type, ev.Checkout)
	case model.EventTransferCreated:
		outcome, err = s.handleTransferCreated(ctx, ev.Transfer)
	case model.EventTransferFailed:
		outcome, err = s.handleTransferFailed(ctx, ev.Type, ev.Transfer)
	default:
		outcome = OutcomeIgnored
	}

	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		s.logger.Error("failed to apply webhook event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.Error(err))
		if ferr := s.repo.FinishWebhookEvent(ctx, ev.ID, model.WebhookEventFailed, err.Error()); ferr != nil {
			s.logger.Error("failed to record webhook event failure", zap.String("event_id", ev.ID), zap.Error(ferr))
		}
		return "", err
	}

	if ferr := s.repo.FinishWebhookEvent(ctx, ev.ID, model.WebhookEventProcessed, ""); ferr != nil {
		s.logger.Error("failed to mark webhook event processed", zap.String("event_id", ev.ID), zap.Error(ferr))
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), string(outcome)).Inc()
	s.logger.Info("webhook event handled",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("outcome", string(outcome)))

	return outcome, nil
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, c *model.CheckoutSessionEvent) (EventOutcome, error) {
	if c == nil {
		return "", errors.New("checkout event without session")
	}

	p := purchaseFromSession(c.SessionID, c.PaymentIntentID, c.Metadata)
	s.warnAmountDrift(c.SessionID, c.AmountTotal, p.Amount)

	if _, err := s.repo.CreatePurchase(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicatePurchase) {
			s.logger.Error("payment received for a lesson the user already owns, refund required",
				zap.String("session_id", c.SessionID),
				zap.String("user_id", c.Metadata.UserID.String()),
				zap.String("lesson_id", c.Metadata.LessonID.String()))
			return OutcomeDuplicatePurchase, nil
		}
		return "", persistenceError("create purchase", err)
	}

	if !c.Paid {
		return OutcomeAwaitingPayment, nil
	}

	applied, err := s.transition(ctx, c.SessionID, model.PayoutStatusPending, model.PayoutStatusPendingTransfer,
		repository.TransitionUpdate{PaymentConfirmationReference: strPtr(c.PaymentIntentID)})
	if err != nil {
		return "", err
	}
	if !applied {
		return s.noop(ctx, c.SessionID, model.PayoutStatusPendingTransfer)
	}

	purchase, err := s.repo.GetPurchaseByReference(ctx, c.SessionID)
	if err != nil {
		return "", persistenceError("get purchase", err)
	}
	if _, err := s.InitiatePayout(ctx, purchase); err != nil {
		s.logger.Error("payout not initiated",
			zap.String("payment_reference", c.SessionID),
			zap.Error(err))
	}
	return OutcomeApplied, nil
}

func (s *Service) handleCheckoutFailed(ctx context.Context, eventType string, c *model.CheckoutSessionEvent) (EventOutcome, error) {
	if c == nil {
		return "", errors.New("checkout event without session")
	}

	reason := fmt.Sprintf("checkout failed: %s", eventType)
	applied, err := s.transition(ctx, c.SessionID, model.PayoutStatusPending, model.PayoutStatusFailed,
		repository.TransitionUpdate{FailureReason: &reason})
	if err != nil {
		return "", err
	}
	if !applied {
		return OutcomeNoop, nil
	}
	return OutcomeApplied, nil
}

func (s *Service) handleTransferCreated(ctx context.Context, t *model.TransferEvent) (EventOutcome, error) {
	if t == nil {
		return "", errors.New("transfer event without transfer")
	}

	applied, err := s.transition(ctx, t.PaymentReference, model.PayoutStatusPendingTransfer, model.PayoutStatusTransferred,
		repository.TransitionUpdate{TransferReference: &t.TransferID})
	if err != nil {
		return "", err
	}
	if !applied {
		return s.noop(ctx, t.PaymentReference, model.PayoutStatusTransferred)
	}
	return OutcomeApplied, nil
}

func (s *Service) handleTransferFailed(ctx context.Context, eventType string, t *model.TransferEvent) (EventOutcome, error) {
	if t == nil {
		return "", errors.New("transfer event without transfer")
	}

	reason := fmt.Sprintf("transfer %s: %s", t.TransferID, eventType)
	applied, err := s.transition(ctx, t.PaymentReference, model.PayoutStatusPendingTransfer, model.PayoutStatusFailed,
		repository.TransitionUpdate{TransferReference: &t.TransferID, FailureReason: &reason})
	if err != nil {
		return "", err
	}
	if !applied {
		return s.noop(ctx, t.PaymentReference, model.PayoutStatusFailed)
	}

	s.logger.Error("instructor payout failed, manual remediation required",
		zap.String("payment_reference", t.PaymentReference),
		zap.String("transfer_id", t.TransferID),
		zap.String("event_type", eventType))
	return OutcomeApplied, nil
}

func (s *Service) transition(ctx context.Context, ref string, from, to model.PayoutStatus, upd repository.TransitionUpdate) (bool, error) {
	applied, err := s.repo.TransitionPurchase(ctx, ref, from, to, upd)
	if err != nil {
		return false, persistenceError("transition purchase", err)
	}
	if applied {
		metrics.LedgerTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		s.logger.Info("purchase transitioned",
			zap.String("payment_reference", ref),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	return applied, nil
}

// noop разбирает неприменённый переход: покупка уже продвинулась дальше,
// ещё не записана или находится в несовместимом состоянии.
func (s *Service) noop(ctx context.Context, ref string, target model.PayoutStatus) (EventOutcome, error) {
	current, err := s.repo.GetPurchaseByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			s.logger.Warn("event refers to an unknown purchase", zap.String("payment_reference", ref))
			return OutcomeNoop, nil
		}
		return "", persistenceError("get purchase", err)
	}

	stale := current.PayoutStatus.Rank() < target.Rank()
	if target == model.PayoutStatusFailed {
		stale = current.PayoutStatus != model.PayoutStatusFailed
	}
	if stale {
		s.logger.Warn("event does not apply to current purchase state",
			zap.String("payment_reference", ref),
			zap.String("status", string(current.PayoutStatus)),
			zap.String("target", string(target)))
	}
	return OutcomeNoop, nil
}
