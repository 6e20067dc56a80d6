package model

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// CheckoutMetadataVersion задаёт текущую версию набора метаданных сессии оплаты.
const CheckoutMetadataVersion = "1"

const (
	metaVersion                = "version"
	metaLessonID               = "lessonId"
	metaUserID                 = "userId"
	metaInstructorID           = "instructorId"
	metaProductID              = "productId"
	metaPriceID                = "priceId"
	metaInstructorPayoutAmount = "instructorPayoutAmount"
	metaPlatformFeeAmount      = "platformFeeAmount"

	metaPaymentReference = "paymentReference"
)

var checkoutMetadataKeys = []string{
	metaVersion,
	metaLessonID,
	metaUserID,
	metaInstructorID,
	metaProductID,
	metaPriceID,
	metaInstructorPayoutAmount,
	metaPlatformFeeAmount,
}

// ErrInvalidMetadata возвращается, если метаданные события не проходят проверку.
var ErrInvalidMetadata = errors.New("invalid event metadata")

// CheckoutMetadata содержит метаданные, которые передаются в платёжную систему при создании
// сессии оплаты и возвращаются обратно в событиях.
type CheckoutMetadata struct {
	LessonID               uuid.UUID
	UserID                 uuid.UUID
	InstructorID           uuid.UUID
	ProductID              string
	PriceID                string
	InstructorPayoutAmount int64
	PlatformFeeAmount      int64
}

// Map сериализует метаданные в плоский набор строк.
func (m CheckoutMetadata) Map() map[string]string {
	return map[string]string{
		metaVersion:                CheckoutMetadataVersion,
		metaLessonID:               m.LessonID.String(),
		metaUserID:                 m.UserID.String(),
		metaInstructorID:           m.InstructorID.String(),
		metaProductID:              m.ProductID,
		metaPriceID:                m.PriceID,
		metaInstructorPayoutAmount: strconv.FormatInt(m.InstructorPayoutAmount, 10),
		metaPlatformFeeAmount:      strconv.FormatInt(m.PlatformFeeAmount, 10),
	}
}

// ParseCheckoutMetadata разбирает метаданные сессии оплаты. Отсутствующие или
// лишние ключи считаются ошибкой.
func ParseCheckoutMetadata(raw map[string]string) (CheckoutMetadata, error) {
	var m CheckoutMetadata

	var unknown []string
	for k := range raw {
		if !containsKey(checkoutMetadataKeys, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return m, fmt.Errorf("%w: unknown keys %v", ErrInvalidMetadata, unknown)
	}
	for _, k := range checkoutMetadataKeys {
		if raw[k] == "" {
			return m, fmt.Errorf("%w: missing %s", ErrInvalidMetadata, k)
		}
	}

	if v := raw[metaVersion]; v != CheckoutMetadataVersion {
		return m, fmt.Errorf("%w: unsupported version %q", ErrInvalidMetadata, v)
	}

	var err error
	if m.LessonID, err = uuid.Parse(raw[metaLessonID]); err != nil {
		return m, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, metaLessonID, err)
	}
	if m.UserID, err = uuid.Parse(raw[metaUserID]); err != nil {
		return m, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, metaUserID, err)
	}
	if m.InstructorID, err = uuid.Parse(raw[metaInstructorID]); err != nil {
		return m, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, metaInstructorID, err)
	}
	m.ProductID = raw[metaProductID]
	m.PriceID = raw[metaPriceID]

	if m.InstructorPayoutAmount, err = parseAmount(raw[metaInstructorPayoutAmount]); err != nil {
		return m, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, metaInstructorPayoutAmount, err)
	}
	if m.PlatformFeeAmount, err = parseAmount(raw[metaPlatformFeeAmount]); err != nil {
		return m, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, metaPlatformFeeAmount, err)
	}

	return m, nil
}

// HasCheckoutMetadata сообщает, есть ли в метаданных хотя бы один ключ покупки
// урока. Сессии без таких ключей созданы не этим сервисом.
func HasCheckoutMetadata(raw map[string]string) bool {
	for _, k := range checkoutMetadataKeys {
		if _, ok := raw[k]; ok {
			return true
		}
	}
	return false
}

// HasTransferMetadata сообщает, помечен ли перевод ссылкой на покупку.
func HasTransferMetadata(raw map[string]string) bool {
	_, ok := raw[metaPaymentReference]
	return ok
}

// TransferMetadata возвращает метаданные, которыми помечается перевод преподавателю.
func TransferMetadata(paymentReference string) map[string]string {
	return map[string]string{metaPaymentReference: paymentReference}
}

// PaymentReferenceFromTransfer извлекает ссылку на платёж из метаданных перевода.
func PaymentReferenceFromTransfer(raw map[string]string) (string, error) {
	ref := raw[metaPaymentReference]
	if ref == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidMetadata, metaPaymentReference)
	}
	return ref, nil
}

func parseAmount(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative amount %d", v)
	}
	return v, nil
}

func containsKey(keys []string, k string) bool {
	for _, key := range keys {
		if key == k {
			return true
		}
	}
	return false
}

// EventKind определяет вид события платёжной системы, понятный обработчику.
type EventKind string

const (
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventCheckoutFailed    EventKind = "checkout_failed"
	EventTransferCreated   EventKind = "transfer_created"
	EventTransferFailed    EventKind = "transfer_failed"
	EventUnknown           EventKind = "unknown"
)

// CheckoutSessionEvent несёт данные сессии оплаты.
type CheckoutSessionEvent struct {
	SessionID       string
	PaymentIntentID string
	Paid            bool
	AmountTotal     int64
	Metadata        CheckoutMetadata
}

// TransferEvent несёт данные перевода преподавателю.
type TransferEvent struct {
	TransferID       string
	PaymentReference string
	Amount           int64
}

// Event описывает разобранное и проверенное событие платёжной системы.
// Заполнено ровно одно из полей Checkout или Transfer в зависимости от Kind;
// для EventUnknown оба поля пусты.
type Event struct {
	ID       string
	Type     string
	Kind     EventKind
	Payload  []byte
	Checkout *CheckoutSessionEvent
	Transfer *TransferEvent
}
