package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/lessonpay/internal/fees"
	"github.com/mmeshcher/lessonpay/internal/model"
	"github.com/mmeshcher/lessonpay/internal/processor"
	"github.com/mmeshcher/lessonpay/internal/repository"
)

type stubProcessor struct {
	mu sync.Mutex

	productCalls  int
	priceCalls    int
	sessionReqs   []processor.CheckoutSessionRequest
	transferReqs  []processor.TransferRequest
	retrieveCalls int

	productErr error
	priceErr   error
	sessionErr error

	// transferErrs возвращаются по очереди, затем переводы успешны.
	transferErrs []error

	sessionInfo *processor.CheckoutSessionInfo
	retrieveErr error

	chargeLookups []string
	chargeErr     error
}

func (p *stubProcessor) CreateProduct(ctx context.Context, idempotencyKey, name, description string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.productCalls++
	if p.productErr != nil {
		return "", p.productErr
	}
	return "prod_" + idempotencyKey, nil
}

func (p *stubProcessor) CreatePrice(ctx context.Context, idempotencyKey, productID string, amount int64, currency string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priceCalls++
	if p.priceErr != nil {
		return "", p.priceErr
	}
	return "price_" + idempotencyKey, nil
}

func (p *stubProcessor) CreateCheckoutSession(ctx context.Context, req processor.CheckoutSessionRequest) (*processor.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionReqs = append(p.sessionReqs, req)
	if p.sessionErr != nil {
		return nil, p.sessionErr
	}
	return &processor.CheckoutSession{ID: "cs_test", RedirectURL: "https://checkout.example/cs_test"}, nil
}

func (p *stubProcessor) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*processor.CheckoutSessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retrieveCalls++
	if p.retrieveErr != nil {
		return nil, p.retrieveErr
	}
	return p.sessionInfo, nil
}

func (p *stubProcessor) PaymentChargeID(ctx context.Context, paymentIntentID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chargeLookups = append(p.chargeLookups, paymentIntentID)
	if p.chargeErr != nil {
		return "", p.chargeErr
	}
	return "ch_" + paymentIntentID, nil
}

func (p *stubProcessor) CreateTransfer(ctx context.Context, req processor.TransferRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transferReqs = append(p.transferReqs, req)
	if len(p.transferErrs) > 0 {
		err := p.transferErrs[0]
		p.transferErrs = p.transferErrs[1:]
		return "", err
	}
	return "tr_" + req.SourceReference, nil
}

func (p *stubProcessor) transfers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transferReqs)
}

type fixture struct {
	repo       *repository.MemoryRepository
	proc       *stubProcessor
	svc        *Service
	instructor model.InstructorProfile
	paid       model.Lesson
	free       model.Lesson
	user       uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	schedule, err := fees.NewSchedule(fees.DefaultPercent)
	if err != nil {
		t.Fatalf("NewSchedule error: %v", err)
	}

	account := "acct_instructor"
	f := &fixture{
		repo: repository.NewMemoryRepository(),
		proc: &stubProcessor{},
		instructor: model.InstructorProfile{
			UserID:             uuid.New(),
			ExternalAccountID:  &account,
			AccountEnabled:     true,
			OnboardingComplete: true,
		},
		user: uuid.New(),
	}

	productID, priceID := "prod_paid", "price_paid"
	f.paid = model.Lesson{
		ID:                uuid.New(),
		InstructorID:      f.instructor.UserID,
		Title:             "Go concurrency",
		PriceCents:        1500,
		ExternalProductID: &productID,
		ExternalPriceID:   &priceID,
	}
	f.free = model.Lesson{
		ID:           uuid.New(),
		InstructorID: f.instructor.UserID,
		Title:        "Intro",
	}

	f.repo.PutInstructorProfile(f.instructor)
	f.repo.PutLesson(f.paid)
	f.repo.PutLesson(f.free)

	f.svc = NewService(f.repo, f.proc, Settings{
		Fees:             schedule,
		Currency:         "usd",
		SuccessURL:       "https://app.example/success",
		CancelURL:        "https://app.example/cancel",
		PayoutStaleAfter: 30 * time.Minute,
		PayoutRetries:    3,
	}, zap.NewNop())
	return f
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(nil, nil, Settings{}, nil)

	if svc.settings.PayoutRetries != 1 {
		t.Fatalf("PayoutRetries = %d, want 1", svc.settings.PayoutRetries)
	}
	if svc.settings.PayoutSweepBatch != 100 {
		t.Fatalf("PayoutSweepBatch = %d, want 100", svc.settings.PayoutSweepBatch)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestProcessorError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := processorError("create transfer", cause)

	var pe *ProcessorError
	if !errors.As(err, &pe) || pe.Op != "create transfer" {
		t.Fatalf("expected ProcessorError, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("ProcessorError must unwrap to its cause")
	}
}

type failingRepo struct {
	*repository.MemoryRepository
	err error
}

func (r *failingRepo) ListPurchasesByUser(ctx context.Context, userID uuid.UUID) ([]model.Purchase, error) {
	return nil, r.err
}

func (r *failingRepo) RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	return false, r.err
}

func TestListPurchases_WrapsPersistenceError(t *testing.T) {
	repo := &failingRepo{MemoryRepository: repository.NewMemoryRepository(), err: errors.New("connection refused")}
	svc := NewService(repo, &stubProcessor{}, Settings{}, nil)

	_, err := svc.ListPurchases(context.Background(), uuid.New())
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestStartPayoutSweep_Disabled(t *testing.T) {
	svc := &Service{}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartPayoutSweep(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartPayoutSweep did not return without interval")
	}
}
