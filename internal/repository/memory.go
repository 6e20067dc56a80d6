package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/lessonpay/internal/model"
)

type memoryEvent struct {
	eventType string
	payload   []byte
	status    model.WebhookEventStatus
	err       string
	attempts  int
}

// MemoryRepository хранит данные в памяти процесса и соблюдает те же ограничения
// уникальности, что и схема PostgreSQL. Используется для локального запуска и тестов.
type MemoryRepository struct {
	mu        sync.RWMutex
	now       func() time.Time
	lessons   map[uuid.UUID]model.Lesson
	profiles  map[uuid.UUID]model.InstructorProfile
	purchases map[string]*model.Purchase
	events    map[string]*memoryEvent
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:       time.Now,
		lessons:   make(map[uuid.UUID]model.Lesson),
		profiles:  make(map[uuid.UUID]model.InstructorProfile),
		purchases: make(map[string]*model.Purchase),
		events:    make(map[string]*memoryEvent),
	}
}

// SetClock подменяет источник времени.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// PutLesson добавляет или заменяет урок.
func (r *MemoryRepository) PutLesson(l model.Lesson) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lessons[l.ID] = l
}

// PutInstructorProfile добавляет или заменяет профиль преподавателя.
func (r *MemoryRepository) PutInstructorProfile(p model.InstructorProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.UserID] = p
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

// Ping всегда успешен.
func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// GetLesson возвращает урок по идентификатору.
func (r *MemoryRepository) GetLesson(ctx context.Context, id uuid.UUID) (*model.Lesson, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.lessons[id]
	if !ok {
		return nil, ErrLessonNotFound
	}
	return &l, nil
}

// SaveLessonCatalog сохраняет внешние идентификаторы урока, если они ещё не заполнены.
func (r *MemoryRepository) SaveLessonCatalog(ctx context.Context, id uuid.UUID, productID, priceID string) (*model.Lesson, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lessons[id]
	if !ok {
		return nil, false, ErrLessonNotFound
	}

	applied := false
	if l.PriceCents > 0 && l.ExternalPriceID == nil {
		l.ExternalProductID = &productID
		l.ExternalPriceID = &priceID
		r.lessons[id] = l
		applied = true
	}
	return &l, applied, nil
}

// GetInstructorProfile возвращает платёжный профиль преподавателя.
func (r *MemoryRepository) GetInstructorProfile(ctx context.Context, userID uuid.UUID) (*model.InstructorProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) activeLocked(userID, lessonID uuid.UUID) *model.Purchase {
	for _, p := range r.purchases {
		if p.UserID == userID && p.LessonID != nil && *p.LessonID == lessonID && p.PayoutStatus.GrantsAccess() {
			return p
		}
	}
	return nil
}

// PurchaseExists сообщает, есть ли у пользователя действующая покупка урока.
func (r *MemoryRepository) PurchaseExists(ctx context.Context, userID, lessonID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked(userID, lessonID) != nil, nil
}

// GetActivePurchase возвращает действующую покупку урока пользователем.
func (r *MemoryRepository) GetActivePurchase(ctx context.Context, userID, lessonID uuid.UUID) (*model.Purchase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := r.activeLocked(userID, lessonID)
	if p == nil {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

// GetPurchaseByReference возвращает покупку по ссылке на платёж.
func (r *MemoryRepository) GetPurchaseByReference(ctx context.Context, ref string) (*model.Purchase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.purchases[ref]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

// CreatePurchase добавляет запись в журнал с теми же гарантиями, что и PostgresRepository.
func (r *MemoryRepository) CreatePurchase(ctx context.Context, p *model.Purchase) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.purchases[p.ExternalPaymentReference]; ok {
		return false, nil
	}
	if p.LessonID != nil && p.PayoutStatus.GrantsAccess() && r.activeLocked(p.UserID, *p.LessonID) != nil {
		return false, fmt.Errorf("%w: user %s", ErrDuplicatePurchase, p.UserID)
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := r.now()
	cp := *p
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.purchases[p.ExternalPaymentReference] = &cp
	return true, nil
}

// TransitionPurchase выполняет условный переход состояния покупки.
func (r *MemoryRepository) TransitionPurchase(ctx context.Context, ref string, from, to model.PayoutStatus, upd TransitionUpdate) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.purchases[ref]
	if !ok || p.PayoutStatus != from {
		return false, nil
	}

	p.PayoutStatus = to
	if upd.PaymentConfirmationReference != nil {
		p.PaymentConfirmationReference = upd.PaymentConfirmationReference
	}
	if upd.TransferReference != nil {
		p.ExternalTransferReference = upd.TransferReference
	}
	if upd.FailureReason != nil {
		p.FailureReason = upd.FailureReason
	}
	p.UpdatedAt = r.now()
	return true, nil
}

// AttachTransferReference сохраняет идентификатор перевода, если он ещё не записан.
func (r *MemoryRepository) AttachTransferReference(ctx context.Context, ref, transferID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.purchases[ref]; ok && p.ExternalTransferReference == nil {
		p.ExternalTransferReference = &transferID
		p.UpdatedAt = r.now()
	}
	return nil
}

// ListStalePendingTransfers возвращает покупки, застрявшие в ожидании перевода.
func (r *MemoryRepository) ListStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]model.Purchase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Purchase
	for _, p := range r.purchases {
		if p.PayoutStatus == model.PayoutStatusPendingTransfer && p.UpdatedAt.Before(olderThan) {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UpdatedAt.Before(res[j].UpdatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// ListPurchasesByUser возвращает покупки пользователя, новые первыми.
func (r *MemoryRepository) ListPurchasesByUser(ctx context.Context, userID uuid.UUID) ([]model.Purchase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Purchase
	for _, p := range r.purchases {
		if p.UserID == userID {
			res = append(res, *p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// RecordWebhookEvent фиксирует получение события.
func (r *MemoryRepository) RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev, ok := r.events[eventID]; ok {
		ev.attempts++
		return ev.status == model.WebhookEventProcessed, nil
	}

	r.events[eventID] = &memoryEvent{
		eventType: eventType,
		payload:   payload,
		status:    model.WebhookEventReceived,
		attempts:  1,
	}
	return false, nil
}

// FinishWebhookEvent записывает результат обработки события.
func (r *MemoryRepository) FinishWebhookEvent(ctx context.Context, eventID string, status model.WebhookEventStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev, ok := r.events[eventID]; ok && ev.status != model.WebhookEventProcessed {
		ev.status = status
		ev.err = errMsg
	}
	return nil
}

// WebhookEventAttempts возвращает число доставок события.
func (r *MemoryRepository) WebhookEventAttempts(eventID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ev, ok := r.events[eventID]; ok {
		return ev.attempts
	}
	return 0
}
