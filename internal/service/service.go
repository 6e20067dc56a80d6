// Package service реализует конвейер покупок: оформление, журнал покупок,
// обработку событий платёжной системы и выплаты преподавателям.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/lessonpay/internal/fees"
	"github.com/mmeshcher/lessonpay/internal/model"
	"github.com/mmeshcher/lessonpay/internal/processor"
	"github.com/mmeshcher/lessonpay/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	GetLesson(ctx context.Context, id uuid.UUID) (*model.Lesson, error)
	SaveLessonCatalog(ctx context.Context, id uuid.UUID, productID, priceID string) (*model.Lesson, bool, error)
	GetInstructorProfile(ctx context.Context, userID uuid.UUID) (*model.InstructorProfile, error)
	PurchaseExists(ctx context.Context, userID, lessonID uuid.UUID) (bool, error)
	GetActivePurchase(ctx context.Context, userID, lessonID uuid.UUID) (*model.Purchase, error)
	GetPurchaseByReference(ctx context.Context, ref string) (*model.Purchase, error)
	CreatePurchase(ctx context.Context, p *model.Purchase) (bool, error)
	TransitionPurchase(ctx context.Context, ref string, from, to model.PayoutStatus, upd repository.TransitionUpdate) (bool, error)
	AttachTransferReference(ctx context.Context, ref, transferID string) error
	ListStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]model.Purchase, error)
	ListPurchasesByUser(ctx context.Context, userID uuid.UUID) ([]model.Purchase, error)
	RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	FinishWebhookEvent(ctx context.Context, eventID string, status model.WebhookEventStatus, errMsg string) error
}

// Processor описывает возможности платёжной системы, которыми пользуется сервис.
type Processor interface {
	CreateProduct(ctx context.Context, idempotencyKey, name, description string) (string, error)
	CreatePrice(ctx context.Context, idempotencyKey, productID string, amount int64, currency string) (string, error)
	CreateCheckoutSession(ctx context.Context, req processor.CheckoutSessionRequest) (*processor.CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*processor.CheckoutSessionInfo, error)
	PaymentChargeID(ctx context.Context, paymentIntentID string) (string, error)
	CreateTransfer(ctx context.Context, req processor.TransferRequest) (string, error)
}

// ErrInstructorNotOnboarded возвращается, если у преподавателя нет подключённого платёжного аккаунта.
var (
	ErrInstructorNotOnboarded = errors.New("instructor has not connected a payment account")
	// ErrInstructorNotEnabled возвращается, если аккаунт преподавателя ещё не может принимать средства.
	ErrInstructorNotEnabled = errors.New("instructor payment account is not enabled")
	// ErrCatalogRepair возвращается, если не удалось создать продукт или цену урока.
	ErrCatalogRepair = errors.New("lesson catalog repair failed")
	// ErrPersistence оборачивает ошибки хранилища.
	ErrPersistence = errors.New("persistence error")
	// ErrInvalidSession возвращается, если сессия оплаты создана не этим сервисом.
	ErrInvalidSession = errors.New("checkout session is not a lesson purchase")
	// ErrSessionNotOwned возвращается, если сессия оплаты принадлежит другому пользователю.
	ErrSessionNotOwned = errors.New("checkout session belongs to another user")
	// ErrNotPayable возвращается при попытке выплаты по покупке не в состоянии pending_transfer.
	ErrNotPayable = errors.New("purchase is not awaiting payout")
)

// ProcessorError оборачивает ошибку платёжной системы с указанием операции.
type ProcessorError struct {
	Op  string
	Err error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("payment processor: %s: %v", e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}

func processorError(op string, err error) error {
	return &ProcessorError{Op: op, Err: err}
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// Settings содержит неизменяемые параметры сервиса, задаваемые при создании.
type Settings struct {
	Fees             fees.Schedule
	Currency         string
	SuccessURL       string
	CancelURL        string
	PayoutStaleAfter time.Duration
	PayoutSweepEvery time.Duration
	PayoutRetries    uint
	PayoutRetryDelay time.Duration
	PayoutSweepBatch int
}

// Service содержит бизнес-логику конвейера покупок.
type Service struct {
	repo      Repository
	processor Processor
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом платёжной системы.
func NewService(repo Repository, proc Processor, settings Settings, logger *zap.Logger) *Service {
	if settings.PayoutRetries == 0 {
		settings.PayoutRetries = 1
	}
	if settings.PayoutSweepBatch <= 0 {
		settings.PayoutSweepBatch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:      repo,
		processor: proc,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// ListPurchases возвращает покупки пользователя.
func (s *Service) ListPurchases(ctx context.Context, userID uuid.UUID) ([]model.Purchase, error) {
	purchases, err := s.repo.ListPurchasesByUser(ctx, userID)
	if err != nil {
		return nil, persistenceError("list purchases", err)
	}
	return purchases, nil
}

// HasAccess сообщает, есть ли у пользователя действующая покупка урока.
func (s *Service) HasAccess(ctx context.Context, userID, lessonID uuid.UUID) (bool, error) {
	ok, err := s.repo.PurchaseExists(ctx, userID, lessonID)
	if err != nil {
		return false, persistenceError("check access", err)
	}
	return ok, nil
}

// existingGrant возвращает действующую покупку пары (пользователь, урок) или nil.
// Проверка чтением не защищает от гонок, окончательно дубликаты отсекает
// ограничение уникальности хранилища.
func (s *Service) existingGrant(ctx context.Context, userID, lessonID uuid.UUID) (*model.Purchase, error) {
	exists, err := s.repo.PurchaseExists(ctx, userID, lessonID)
	if err != nil {
		return nil, persistenceError("check purchase", err)
	}
	if !exists {
		return nil, nil
	}

	p, err := s.repo.GetActivePurchase(ctx, userID, lessonID)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, nil
		}
		return nil, persistenceError("get purchase", err)
	}
	return p, nil
}

func transferGroup(lessonID, userID uuid.UUID) string {
	return fmt.Sprintf("lesson_%s_user_%s", lessonID, userID)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
