package processor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mmeshcher/lessonpay/internal/model"
)

// Типы событий Stripe, которые разбирает клиент.
const (
	EventTypeCheckoutCompleted          = "checkout.session.completed"
	EventTypeCheckoutAsyncPaymentPassed = "checkout.session.async_payment_succeeded"
	EventTypeCheckoutAsyncPaymentFailed = "checkout.session.async_payment_failed"
	EventTypeCheckoutExpired            = "checkout.session.expired"
	EventTypeTransferCreated            = "transfer.created"
	EventTypeTransferFailed             = "transfer.failed"
	EventTypeTransferReversed           = "transfer.reversed"
)

// ErrInvalidSignature возвращается, если подпись вебхука не прошла проверку.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload возвращается, если тело вебхука не удалось разобрать.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// ParseEvent проверяет подпись вебхука и разбирает событие в доменное представление.
func (c *StripeClient) ParseEvent(payload []byte, signatureHeader string) (model.Event, error) {
	if c.webhookSecret == "" {
		return model.Event{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidSignature)
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return DecodeEvent(ev, payload)
}

// DecodeEvent переводит событие Stripe в доменное событие. Событие известного
// типа без метаданных сервиса относится к другой интеграции аккаунта и
// возвращается как EventUnknown; частично заполненные или испорченные
// метаданные считаются ошибкой.
func DecodeEvent(ev stripe.Event, payload []byte) (model.Event, error) {
	out := model.Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Kind:    model.EventUnknown,
		Payload: payload,
	}
	if out.ID == "" {
		return out, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}

	switch out.Type {
	case EventTypeCheckoutCompleted, EventTypeCheckoutAsyncPaymentPassed:
		out.Kind = model.EventCheckoutCompleted
	case EventTypeCheckoutAsyncPaymentFailed, EventTypeCheckoutExpired:
		out.Kind = model.EventCheckoutFailed
	case EventTypeTransferCreated:
		out.Kind = model.EventTransferCreated
	case EventTypeTransferFailed, EventTypeTransferReversed:
		out.Kind = model.EventTransferFailed
	default:
		return out, nil
	}

	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, fmt.Errorf("%w: %s without data object", ErrInvalidPayload, out.Type)
	}

	switch out.Kind {
	case model.EventCheckoutCompleted, model.EventCheckoutFailed:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return out, fmt.Errorf("%w: decode checkout session: %v", ErrInvalidPayload, err)
		}
		if !model.HasCheckoutMetadata(s.Metadata) {
			return foreign(out), nil
		}
		meta, err := model.ParseCheckoutMetadata(s.Metadata)
		if err != nil {
			return out, fmt.Errorf("%w: session %s: %v", ErrInvalidPayload, s.ID, err)
		}
		info := sessionInfo(&s)
		out.Checkout = &model.CheckoutSessionEvent{
			SessionID:       info.ID,
			PaymentIntentID: info.PaymentIntentID,
			Paid:            info.Paid,
			AmountTotal:     info.AmountTotal,
			Metadata:        meta,
		}

	case model.EventTransferCreated, model.EventTransferFailed:
		var t stripe.Transfer
		if err := json.Unmarshal(ev.Data.Raw, &t); err != nil {
			return out, fmt.Errorf("%w: decode transfer: %v", ErrInvalidPayload, err)
		}
		if !model.HasTransferMetadata(t.Metadata) {
			return foreign(out), nil
		}
		ref, err := model.PaymentReferenceFromTransfer(t.Metadata)
		if err != nil {
			return out, fmt.Errorf("%w: transfer %s: %v", ErrInvalidPayload, t.ID, err)
		}
		out.Transfer = &model.TransferEvent{
			TransferID:       t.ID,
			PaymentReference: ref,
			Amount:           t.Amount,
		}
	}

	if out.Checkout != nil && out.Checkout.SessionID == "" {
		return out, fmt.Errorf("%w: missing session id", ErrInvalidPayload)
	}
	if out.Transfer != nil && out.Transfer.TransferID == "" {
		return out, fmt.Errorf("%w: missing transfer id", ErrInvalidPayload)
	}

	return out, nil
}

func foreign(ev model.Event) model.Event {
	ev.Kind = model.EventUnknown
	ev.Checkout = nil
	ev.Transfer = nil
	return ev
}
