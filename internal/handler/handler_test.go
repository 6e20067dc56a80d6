package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/lessonpay/internal/middleware"
	"github.com/mmeshcher/lessonpay/internal/model"
	"github.com/mmeshcher/lessonpay/internal/processor"
	"github.com/mmeshcher/lessonpay/internal/repository"
	"github.com/mmeshcher/lessonpay/internal/service"
	"github.com/mmeshcher/lessonpay/internal/validation"
)

type stubService struct {
	checkoutReq  service.CheckoutRequest
	checkoutResp *service.CheckoutResult
	checkoutErr  error

	verifyResp *service.VerifyResult
	verifyErr  error

	handled   []model.Event
	outcome   service.EventOutcome
	handleErr error

	purchases []model.Purchase
	listErr   error
	access    bool
	accessErr error
	pingErr   error
}

func (s *stubService) InitiateCheckout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error) {
	s.checkoutReq = req
	return s.checkoutResp, s.checkoutErr
}

func (s *stubService) VerifyPurchase(ctx context.Context, userID uuid.UUID, sessionID string) (*service.VerifyResult, error) {
	return s.verifyResp, s.verifyErr
}

func (s *stubService) HandleEvent(ctx context.Context, ev model.Event) (service.EventOutcome, error) {
	s.handled = append(s.handled, ev)
	return s.outcome, s.handleErr
}

func (s *stubService) ListPurchases(ctx context.Context, userID uuid.UUID) ([]model.Purchase, error) {
	return s.purchases, s.listErr
}

func (s *stubService) HasAccess(ctx context.Context, userID, lessonID uuid.UUID) (bool, error) {
	return s.access, s.accessErr
}

func (s *stubService) Ping(ctx context.Context) error {
	return s.pingErr
}

type stubParser struct {
	event model.Event
	err   error
	sig   string
}

func (p *stubParser) ParseEvent(payload []byte, signatureHeader string) (model.Event, error) {
	p.sig = signatureHeader
	return p.event, p.err
}

func newTestHandler(t *testing.T, svc Service, parser EventParser) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, parser, logger, auth)
}

func withUser(r *http.Request, userID uuid.UUID) *http.Request {
	return r.WithContext(middleware.WithUserID(r.Context(), userID))
}

func checkoutBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestCheckout_FreeGrant(t *testing.T) {
	userID, lessonID := uuid.New(), uuid.New()
	svc := &stubService{
		checkoutResp: &service.CheckoutResult{
			Free: true,
			Purchase: &model.Purchase{
				ID:                       uuid.New(),
				LessonID:                 &lessonID,
				ExternalPaymentReference: "free_1",
				PayoutStatus:             model.PayoutStatusFreeLesson,
				IsFree:                   true,
				CreatedAt:                time.Now(),
			},
		},
	}
	h := newTestHandler(t, svc, &stubParser{})

	body := checkoutBody(t, map[string]any{"lessonId": lessonID.String(), "price": 0, "isFree": true})
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/checkout", body), userID)
	rec := httptest.NewRecorder()

	h.Checkout(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp checkoutResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Free)
	require.NotNil(t, resp.Purchase)
	assert.Equal(t, "free_lesson", resp.Purchase.PayoutStatus)
	assert.Equal(t, "0.00", resp.Purchase.Amount)

	assert.Equal(t, userID, svc.checkoutReq.UserID)
	assert.Equal(t, lessonID, svc.checkoutReq.LessonID)
	assert.True(t, svc.checkoutReq.MarkedFree)
}

func TestCheckout_PaidSession(t *testing.T) {
	svc := &stubService{
		checkoutResp: &service.CheckoutResult{SessionID: "cs_1", RedirectURL: "https://checkout.example/cs_1"},
	}
	h := newTestHandler(t, svc, &stubParser{})

	body := checkoutBody(t, map[string]any{"lessonId": uuid.New().String(), "price": "14.99", "title": "Go"})
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/checkout", body), uuid.New())
	rec := httptest.NewRecorder()

	h.Checkout(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp checkoutResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "cs_1", resp.SessionID)
	assert.Equal(t, "https://checkout.example/cs_1", resp.URL)
	assert.Equal(t, "14.99", svc.checkoutReq.SubmittedPrice.String())
}

func TestCheckout_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "lesson"},
		{name: "missing price", body: fmt.Sprintf(`{"lessonId":%q}`, uuid.New())},
		{name: "bad lesson id", body: `{"lessonId":"42","price":15}`},
		{name: "missing lesson id", body: `{"price":15}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{}, &stubParser{})

			req := withUser(httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader(tt.body)), uuid.New())
			rec := httptest.NewRecorder()
			h.Checkout(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCheckout_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "price mismatch", err: fmt.Errorf("%w: off by 0.02", validation.ErrPriceMismatch), status: http.StatusBadRequest},
		{name: "instructor not onboarded", err: service.ErrInstructorNotOnboarded, status: http.StatusBadRequest},
		{name: "instructor not enabled", err: service.ErrInstructorNotEnabled, status: http.StatusBadRequest},
		{name: "lesson not found", err: repository.ErrLessonNotFound, status: http.StatusNotFound},
		{name: "already purchased", err: repository.ErrDuplicatePurchase, status: http.StatusConflict},
		{name: "processor failure", err: &service.ProcessorError{Op: "create checkout session", Err: errors.New("timeout")}, status: http.StatusBadGateway},
		{name: "catalog repair", err: service.ErrCatalogRepair, status: http.StatusBadGateway},
		{name: "persistence", err: fmt.Errorf("%w: boom", service.ErrPersistence), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{checkoutErr: tt.err}, &stubParser{})

			body := checkoutBody(t, map[string]any{"lessonId": uuid.New().String(), "price": 15})
			req := withUser(httptest.NewRequest(http.MethodPost, "/api/checkout", body), uuid.New())
			rec := httptest.NewRecorder()
			h.Checkout(rec, req)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRouter_RequiresAuth(t *testing.T) {
	svc := &stubService{access: true}
	h := newTestHandler(t, svc, &stubParser{})
	router := h.SetupRouter()

	path := "/api/lessons/" + uuid.New().String() + "/access"

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+h.authMiddleware.IssueToken(uuid.New()))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"hasAccess":true}`, rec.Body.String())
}

func TestRouter_LessonAccessBadID(t *testing.T) {
	h := newTestHandler(t, &stubService{}, &stubParser{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/lessons/not-a-uuid/access", nil)
	req.Header.Set("Authorization", "Bearer "+h.authMiddleware.IssueToken(uuid.New()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentsWebhook(t *testing.T) {
	ev := model.Event{ID: "evt_1", Type: "checkout.session.completed", Kind: model.EventCheckoutCompleted}

	tests := []struct {
		name      string
		parserErr error
		handleErr error
		status    int
		handled   int
	}{
		{name: "accepted", status: http.StatusOK, handled: 1},
		{name: "bad signature", parserErr: processor.ErrInvalidSignature, status: http.StatusBadRequest},
		{name: "bad payload", parserErr: processor.ErrInvalidPayload, status: http.StatusBadRequest},
		{name: "ledger unavailable", handleErr: service.ErrPersistence, status: http.StatusInternalServerError, handled: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{outcome: service.OutcomeApplied, handleErr: tt.handleErr}
			parser := &stubParser{event: ev, err: tt.parserErr}
			router := newTestHandler(t, svc, parser).SetupRouter()

			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", strings.NewReader(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Len(t, svc.handled, tt.handled)
			assert.Equal(t, "t=1,v1=abc", parser.sig)
		})
	}
}

func TestVerifyPurchase(t *testing.T) {
	t.Run("missing session", func(t *testing.T) {
		h := newTestHandler(t, &stubService{}, &stubParser{})
		rec := httptest.NewRecorder()
		h.VerifyPurchase(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/purchases/verify", nil), uuid.New()))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("pending", func(t *testing.T) {
		svc := &stubService{verifyResp: &service.VerifyResult{
			Status: service.VerifyPending,
			Purchase: &model.Purchase{
				ID:                       uuid.New(),
				ExternalPaymentReference: "cs_1",
				Amount:                   1500,
				PayoutStatus:             model.PayoutStatusPending,
			},
		}}
		h := newTestHandler(t, svc, &stubParser{})
		rec := httptest.NewRecorder()
		h.VerifyPurchase(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/purchases/verify?session=cs_1", nil), uuid.New()))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp verifyResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "pending", resp.Status)
		assert.Equal(t, "payment received but not yet confirmed", resp.Message)
		require.NotNil(t, resp.Purchase)
		assert.Equal(t, "15.00", resp.Purchase.Amount)
	})

	t.Run("foreign session", func(t *testing.T) {
		h := newTestHandler(t, &stubService{verifyErr: service.ErrSessionNotOwned}, &stubParser{})
		rec := httptest.NewRecorder()
		h.VerifyPurchase(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/purchases/verify?session=cs_1", nil), uuid.New()))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestGetPurchases(t *testing.T) {
	h := newTestHandler(t, &stubService{}, &stubParser{})
	rec := httptest.NewRecorder()
	h.GetPurchases(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/purchases", nil), uuid.New()))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	svc := &stubService{purchases: []model.Purchase{
		{ID: uuid.New(), ExternalPaymentReference: "cs_1", Amount: 1500, PayoutStatus: model.PayoutStatusTransferred},
	}}
	h = newTestHandler(t, svc, &stubParser{})
	rec = httptest.NewRecorder()
	h.GetPurchases(rec, withUser(httptest.NewRequest(http.MethodGet, "/api/purchases", nil), uuid.New()))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []purchaseResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "transferred", resp[0].PayoutStatus)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, &stubService{}, &stubParser{})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h = newTestHandler(t, &stubService{pingErr: errors.New("down")}, &stubParser{})
	rec = httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
