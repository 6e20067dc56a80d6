// Package model содержит доменные сущности сервиса продажи уроков.
package model

import (
	"time"

	"github.com/google/uuid"
)

// InstructorProfile описывает платёжный профиль преподавателя.
type InstructorProfile struct {
	UserID             uuid.UUID
	ExternalAccountID  *string
	AccountEnabled     bool
	OnboardingComplete bool
}

// Onboarded сообщает, подключён ли аккаунт преподавателя к платёжной системе.
func (p *InstructorProfile) Onboarded() bool {
	return p.ExternalAccountID != nil && *p.ExternalAccountID != ""
}

// Lesson описывает урок, доступ к которому продаётся.
type Lesson struct {
	ID                uuid.UUID
	InstructorID      uuid.UUID
	Title             string
	Description       string
	PriceCents        int64
	ExternalProductID *string
	ExternalPriceID   *string
}

// IsFree сообщает, что урок бесплатный.
func (l *Lesson) IsFree() bool {
	return l.PriceCents == 0
}

// CatalogReady сообщает, что у урока есть продукт и цена в платёжной системе.
func (l *Lesson) CatalogReady() bool {
	return l.ExternalProductID != nil && *l.ExternalProductID != "" &&
		l.ExternalPriceID != nil && *l.ExternalPriceID != ""
}

// PayoutStatus описывает состояние покупки в журнале.
type PayoutStatus string

const (
	PayoutStatusPending         PayoutStatus = "pending"
	PayoutStatusPendingTransfer PayoutStatus = "pending_transfer"
	PayoutStatusTransferred     PayoutStatus = "transferred"
	PayoutStatusFailed          PayoutStatus = "failed"
	PayoutStatusFreeLesson      PayoutStatus = "free_lesson"
)

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusPending:         {PayoutStatusPendingTransfer, PayoutStatusFailed},
	PayoutStatusPendingTransfer: {PayoutStatusTransferred, PayoutStatusFailed},
}

// CanTransition сообщает, допустим ли переход из текущего состояния в указанное.
func (s PayoutStatus) CanTransition(to PayoutStatus) bool {
	for _, next := range payoutTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Rank задаёт порядок продвижения покупки по конвейеру выплат.
// failed не участвует в сравнении и возвращает -1.
func (s PayoutStatus) Rank() int {
	switch s {
	case PayoutStatusPending:
		return 0
	case PayoutStatusPendingTransfer:
		return 1
	case PayoutStatusTransferred, PayoutStatusFreeLesson:
		return 2
	default:
		return -1
	}
}

// GrantsAccess сообщает, открывает ли покупка в этом состоянии доступ к уроку.
func (s PayoutStatus) GrantsAccess() bool {
	return s != PayoutStatusFailed
}

// Purchase описывает запись журнала покупок.
type Purchase struct {
	ID                           uuid.UUID
	UserID                       uuid.UUID
	LessonID                     *uuid.UUID
	ExternalPaymentReference     string
	PaymentConfirmationReference *string
	Amount                       int64
	InstructorPayoutAmount       int64
	PlatformFeeAmount            int64
	PayoutStatus                 PayoutStatus
	IsFree                       bool
	ExternalTransferReference    *string
	FailureReason                *string
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

// WebhookEventStatus описывает статус обработки входящего события.
type WebhookEventStatus string

const (
	WebhookEventReceived  WebhookEventStatus = "received"
	WebhookEventProcessed WebhookEventStatus = "processed"
	WebhookEventFailed    WebhookEventStatus = "failed"
)
