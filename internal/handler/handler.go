// Package handler содержит HTTP-обработчики API продажи уроков.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/lessonpay/internal/middleware"
	"github.com/mmeshcher/lessonpay/internal/model"
	"github.com/mmeshcher/lessonpay/internal/processor"
	"github.com/mmeshcher/lessonpay/internal/repository"
	"github.com/mmeshcher/lessonpay/internal/service"
	"github.com/mmeshcher/lessonpay/internal/validation"
)

const maxWebhookBody = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	InitiateCheckout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	VerifyPurchase(ctx context.Context, userID uuid.UUID, sessionID string) (*service.VerifyResult, error)
	HandleEvent(ctx context.Context, ev model.Event) (service.EventOutcome, error)
	ListPurchases(ctx context.Context, userID uuid.UUID) ([]model.Purchase, error)
	HasAccess(ctx context.Context, userID, lessonID uuid.UUID) (bool, error)
	Ping(ctx context.Context) error
}

// EventParser проверяет подпись входящего вебхука и разбирает событие.
type EventParser interface {
	ParseEvent(payload []byte, signatureHeader string) (model.Event, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	parser         EventParser
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, parser EventParser, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		parser:         parser,
		logger:         logger,
		authMiddleware: auth,
		validate:       validator.New(),
	}
}

type checkoutRequest struct {
	LessonID string           `json:"lessonId" validate:"required,uuid"`
	Price    *decimal.Decimal `json:"price" validate:"required"`
	Title    string           `json:"title" validate:"max=300"`
	IsFree   bool             `json:"isFree"`
}

type checkoutResponse struct {
	Free         bool              `json:"free"`
	AlreadyOwned bool              `json:"alreadyOwned,omitempty"`
	Purchase     *purchaseResponse `json:"purchase,omitempty"`
	SessionID    string            `json:"sessionId,omitempty"`
	URL          string            `json:"redirectUrl,omitempty"`
}

type purchaseResponse struct {
	ID               string  `json:"id"`
	LessonID         *string `json:"lessonId,omitempty"`
	PaymentReference string  `json:"paymentReference"`
	Amount           string  `json:"amount"`
	PayoutStatus     string  `json:"payoutStatus"`
	IsFree           bool    `json:"isFree"`
	CreatedAt        string  `json:"createdAt"`
}

func newPurchaseResponse(p *model.Purchase) *purchaseResponse {
	resp := &purchaseResponse{
		ID:               p.ID.String(),
		PaymentReference: p.ExternalPaymentReference,
		Amount:           validation.CentsToUnits(p.Amount).StringFixed(2),
		PayoutStatus:     string(p.PayoutStatus),
		IsFree:           p.IsFree,
		CreatedAt:        p.CreatedAt.Format(time.RFC3339),
	}
	if p.LessonID != nil {
		id := p.LessonID.String()
		resp.LessonID = &id
	}
	return resp
}

// Checkout оформляет покупку урока текущим пользователем.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.InitiateCheckout(r.Context(), service.CheckoutRequest{
		UserID:         userID,
		LessonID:       uuid.MustParse(req.LessonID),
		SubmittedPrice: *req.Price,
		SubmittedTitle: req.Title,
		MarkedFree:     req.IsFree,
	})
	if err != nil {
		h.writeServiceError(w, "checkout", err, zap.String("userID", userID.String()), zap.String("lessonID", req.LessonID))
		return
	}

	resp := checkoutResponse{
		Free:         res.Free,
		AlreadyOwned: res.AlreadyOwned,
		SessionID:    res.SessionID,
		URL:          res.RedirectURL,
	}
	if res.Purchase != nil {
		resp.Purchase = newPurchaseResponse(res.Purchase)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type verifyResponse struct {
	Status   string            `json:"status"`
	Message  string            `json:"message,omitempty"`
	Purchase *purchaseResponse `json:"purchase,omitempty"`
}

// VerifyPurchase проверяет сессию оплаты, на которую вернулся пользователь.
func (h *Handler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.VerifyPurchase(r.Context(), userID, sessionID)
	if err != nil {
		h.writeServiceError(w, "verify purchase", err, zap.String("userID", userID.String()), zap.String("session", sessionID))
		return
	}

	resp := verifyResponse{Status: string(res.Status)}
	if res.Status == service.VerifyPending {
		resp.Message = "payment received but not yet confirmed"
	}
	if res.Purchase != nil {
		resp.Purchase = newPurchaseResponse(res.Purchase)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetPurchases возвращает покупки текущего пользователя.
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.service.ListPurchases(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get purchases", err, zap.String("userID", userID.String()))
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]*purchaseResponse, 0, len(purchases))
	for i := range purchases {
		resp = append(resp, newPurchaseResponse(&purchases[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// LessonAccess сообщает, есть ли у текущего пользователя доступ к уроку.
func (h *Handler) LessonAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	lessonID, err := uuid.Parse(chi.URLParam(r, "lessonID"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ok, err = h.service.HasAccess(r.Context(), userID, lessonID)
	if err != nil {
		h.writeServiceError(w, "lesson access", err, zap.String("userID", userID.String()))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"hasAccess": ok})
}

// PaymentsWebhook принимает события платёжной системы. Ответ 400 означает,
// что событие не прошло проверку подписи или разбор, а 500 означает, что его не
// удалось сохранить, и платёжная система доставит его повторно.
func (h *Handler) PaymentsWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ev, err := h.parser.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("rejected webhook", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome, err := h.service.HandleEvent(r.Context(), ev)
	if err != nil {
		h.logger.Error("webhook handling error", zap.Error(err), zap.String("eventID", ev.ID), zap.String("type", ev.Type))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome})
}

// Healthz проверяет доступность хранилища.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
	} else {
		h.logger.Info(op+" rejected", append(fields, zap.Error(err))...)
	}

	var pe *service.ProcessorError
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError && !errors.As(err, &pe) {
		msg = err.Error()
	}
	http.Error(w, msg, status)
}

func statusFor(err error) int {
	var pe *service.ProcessorError
	switch {
	case errors.Is(err, validation.ErrPriceMismatch),
		errors.Is(err, service.ErrInstructorNotOnboarded),
		errors.Is(err, service.ErrInstructorNotEnabled),
		errors.Is(err, service.ErrInvalidSession),
		errors.Is(err, processor.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotOwned):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrLessonNotFound),
		errors.Is(err, repository.ErrPurchaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicatePurchase):
		return http.StatusConflict
	case errors.Is(err, service.ErrCatalogRepair), errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}
