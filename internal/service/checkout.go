package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/lessonpay/internal/metrics"
	"github.com/mmeshcher/lessonpay/internal/model"
	"github.com/mmeshcher/lessonpay/internal/processor"
	"github.com/mmeshcher/lessonpay/internal/repository"
	"github.com/mmeshcher/lessonpay/internal/validation"
)

// CheckoutRequest описывает запрос пользователя на покупку урока. Цена и название
// приходят от клиента и сверяются с хранимыми значениями.
type CheckoutRequest struct {
	UserID         uuid.UUID
	LessonID       uuid.UUID
	SubmittedPrice decimal.Decimal
	SubmittedTitle string
	MarkedFree     bool
}

// CheckoutResult содержит результат оформления: либо выданный бесплатный доступ,
// либо ссылку на сессию оплаты.
type CheckoutResult struct {
	Free         bool
	AlreadyOwned bool
	Purchase     *model.Purchase
	SessionID    string
	RedirectURL  string
}

// InitiateCheckout проверяет запрос и либо выдаёт доступ к бесплатному уроку,
// либо создаёт сессию оплаты платного.
func (s *Service) InitiateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	res, err := s.initiateCheckout(ctx, req)
	metrics.CheckoutsTotal.WithLabelValues(checkoutOutcome(res, err)).Inc()
	return res, err
}

func (s *Service) initiateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	lesson, err := s.repo.GetLesson(ctx, req.LessonID)
	if err != nil {
		if errors.Is(err, repository.ErrLessonNotFound) {
			return nil, err
		}
		return nil, persistenceError("get lesson", err)
	}

	if err := validation.ValidatePrice(lesson.PriceCents, req.SubmittedPrice); err != nil {
		return nil, err
	}
	if req.MarkedFree && !lesson.IsFree() {
		return nil, fmt.Errorf("%w: lesson %s is not free", validation.ErrPriceMismatch, lesson.ID)
	}
	if req.SubmittedTitle != "" && strings.TrimSpace(req.SubmittedTitle) != lesson.Title {
		s.logger.Warn("checkout title differs from stored lesson title",
			zap.String("lesson_id", lesson.ID.String()),
			zap.String("submitted", req.SubmittedTitle))
	}

	profile, err := s.instructorProfile(ctx, lesson.InstructorID)
	if err != nil {
		return nil, err
	}

	if lesson.IsFree() {
		return s.grantFree(ctx, req.UserID, lesson)
	}
	return s.startPaidCheckout(ctx, req.UserID, lesson, profile)
}

// instructorProfile проверяет, что преподаватель может принимать средства.
// Проверка выполняется и для бесплатных уроков.
func (s *Service) instructorProfile(ctx context.Context, instructorID uuid.UUID) (*model.InstructorProfile, error) {
	profile, err := s.repo.GetInstructorProfile(ctx, instructorID)
	if err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return nil, fmt.Errorf("%w: instructor %s", ErrInstructorNotOnboarded, instructorID)
		}
		return nil, persistenceError("get instructor profile", err)
	}
	if !profile.Onboarded() {
		return nil, fmt.Errorf("%w: instructor %s", ErrInstructorNotOnboarded, instructorID)
	}
	if !profile.AccountEnabled {
		return nil, fmt.Errorf("%w: instructor %s", ErrInstructorNotEnabled, instructorID)
	}
	return profile, nil
}

func (s *Service) grantFree(ctx context.Context, userID uuid.UUID, lesson *model.Lesson) (*CheckoutResult, error) {
	existing, err := s.existingGrant(ctx, userID, lesson.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &CheckoutResult{Free: true, AlreadyOwned: true, Purchase: existing}, nil
	}

	lessonID := lesson.ID
	p := &model.Purchase{
		ID:                       uuid.New(),
		UserID:                   userID,
		LessonID:                 &lessonID,
		ExternalPaymentReference: fmt.Sprintf("free_%s_%s_%d", userID, lesson.ID, s.now().UnixNano()),
		PayoutStatus:             model.PayoutStatusFreeLesson,
		IsFree:                   true,
	}

	created, err := s.repo.CreatePurchase(ctx, p)
	if err != nil && !errors.Is(err, repository.ErrDuplicatePurchase) {
		return nil, persistenceError("create free purchase", err)
	}
	if err != nil || !created {
		// Параллельный запрос успел выдать доступ первым.
		existing, err := s.repo.GetActivePurchase(ctx, userID, lesson.ID)
		if err != nil {
			return nil, persistenceError("get purchase", err)
		}
		return &CheckoutResult{Free: true, AlreadyOwned: true, Purchase: existing}, nil
	}

	s.logger.Info("free lesson granted",
		zap.String("user_id", userID.String()),
		zap.String("lesson_id", lesson.ID.String()))
	metrics.LedgerTransitionsTotal.WithLabelValues("none", string(model.PayoutStatusFreeLesson)).Inc()

	return &CheckoutResult{Free: true, Purchase: p}, nil
}

func (s *Service) startPaidCheckout(ctx context.Context, userID uuid.UUID, lesson *model.Lesson, profile *model.InstructorProfile) (*CheckoutResult, error) {
	existing, err := s.existingGrant(ctx, userID, lesson.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: lesson %s", repository.ErrDuplicatePurchase, lesson.ID)
	}

	lesson, err = s.ensureCatalog(ctx, lesson)
	if err != nil {
		return nil, err
	}

	fee, payout := s.settings.Fees.Split(lesson.PriceCents)
	meta := model.CheckoutMetadata{
		LessonID:               lesson.ID,
		UserID:                 userID,
		InstructorID:           lesson.InstructorID,
		ProductID:              *lesson.ExternalProductID,
		PriceID:                *lesson.ExternalPriceID,
		InstructorPayoutAmount: payout,
		PlatformFeeAmount:      fee,
	}

	session, err := s.processor.CreateCheckoutSession(ctx, processor.CheckoutSessionRequest{
		PriceID:           *lesson.ExternalPriceID,
		ClientReferenceID: userID.String(),
		SuccessURL:        s.settings.SuccessURL,
		CancelURL:         s.settings.CancelURL,
		Metadata:          meta.Map(),
		Routing: processor.FeeRouting{
			ApplicationFeeAmount: fee,
			DestinationAccount:   *profile.ExternalAccountID,
			TransferGroup:        transferGroup(lesson.ID, userID),
		},
	})
	if err != nil {
		return nil, processorError("create checkout session", err)
	}

	s.logger.Info("checkout session created",
		zap.String("session_id", session.ID),
		zap.String("user_id", userID.String()),
		zap.String("lesson_id", lesson.ID.String()),
		zap.Int64("amount", lesson.PriceCents),
		zap.Int64("platform_fee", fee))

	return &CheckoutResult{SessionID: session.ID, RedirectURL: session.RedirectURL}, nil
}

// ensureCatalog создаёт продукт и цену урока в платёжной системе, если их нет.
// Ключи идемпотентности привязаны к уроку и цене, поэтому повтор после сбоя
// не создаёт дубликатов в каталоге.
func (s *Service) ensureCatalog(ctx context.Context, lesson *model.Lesson) (*model.Lesson, error) {
	if lesson.CatalogReady() {
		return lesson, nil
	}

	s.logger.Warn("lesson has no processor catalog entry, repairing",
		zap.String("lesson_id", lesson.ID.String()))

	var productID string
	if lesson.ExternalProductID != nil {
		productID = *lesson.ExternalProductID
	}
	if productID == "" {
		var err error
		productID, err = s.processor.CreateProduct(ctx,
			fmt.Sprintf("lesson-%s-product", lesson.ID), lesson.Title, lesson.Description)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCatalogRepair, processorError("create product", err))
		}
	}

	priceID, err := s.processor.CreatePrice(ctx,
		fmt.Sprintf("lesson-%s-price-%d", lesson.ID, lesson.PriceCents),
		productID, lesson.PriceCents, s.settings.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogRepair, processorError("create price", err))
	}

	updated, applied, err := s.repo.SaveLessonCatalog(ctx, lesson.ID, productID, priceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogRepair, persistenceError("save lesson catalog", err))
	}
	if applied {
		metrics.CatalogRepairsTotal.Inc()
		s.logger.Info("lesson catalog repaired",
			zap.String("lesson_id", lesson.ID.String()),
			zap.String("product_id", productID),
			zap.String("price_id", priceID))
	}
	if !updated.CatalogReady() {
		return nil, fmt.Errorf("%w: lesson %s still has no price", ErrCatalogRepair, lesson.ID)
	}
	return updated, nil
}

func checkoutOutcome(res *CheckoutResult, err error) string {
	switch {
	case err == nil && res.Free && res.AlreadyOwned:
		return "free_owned"
	case err == nil && res.Free:
		return "free_granted"
	case err == nil:
		return "session_created"
	case errors.Is(err, validation.ErrPriceMismatch):
		return "price_mismatch"
	case errors.Is(err, repository.ErrDuplicatePurchase):
		return "duplicate"
	case errors.Is(err, ErrInstructorNotOnboarded), errors.Is(err, ErrInstructorNotEnabled):
		return "instructor_unavailable"
	default:
		return "error"
	}
}
