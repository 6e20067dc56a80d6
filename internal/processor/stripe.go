// Package processor предоставляет клиент платёжной системы Stripe: каталог,
// сессии оплаты, переводы на подключённые аккаунты и проверку вебхуков.
package processor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// CheckoutSessionRequest описывает запрос на создание сессии оплаты.
type CheckoutSessionRequest struct {
	PriceID           string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
	Routing           FeeRouting
}

// FeeRouting описывает распределение платежа: вся сумма поступает на баланс
// платформы, комиссия остаётся у платформы, остаток позже переводится на
// подключённый аккаунт преподавателя в рамках TransferGroup.
type FeeRouting struct {
	ApplicationFeeAmount int64
	DestinationAccount   string
	TransferGroup        string
}

// CheckoutSession описывает созданную сессию оплаты.
type CheckoutSession struct {
	ID          string
	RedirectURL string
}

// CheckoutSessionInfo описывает состояние сессии оплаты на стороне платёжной системы.
type CheckoutSessionInfo struct {
	ID              string
	PaymentIntentID string
	Paid            bool
	Expired         bool
	AmountTotal     int64
	Metadata        map[string]string
}

// TransferRequest описывает перевод преподавателю.
type TransferRequest struct {
	Amount             int64
	Currency           string
	DestinationAccount string
	SourceReference    string
	// SourceTransaction задаёт платёж, из средств которого выполняется перевод.
	SourceTransaction string
	TransferGroup     string
	Metadata          map[string]string
}

// ErrNoCharge возвращается, если по платежу ещё нет списания.
var ErrNoCharge = errors.New("payment has no charge")

// Options содержит параметры подключения к Stripe.
type Options struct {
	SecretKey     string
	WebhookSecret string
	// APIURL переопределяет адрес API, используется в тестах.
	APIURL            string
	MaxNetworkRetries int64
}

// StripeClient реализует взаимодействие с платёжной системой через stripe-go.
type StripeClient struct {
	api           *client.API
	webhookSecret string
}

// NewStripeClient создаёт клиент Stripe с указанными параметрами.
func NewStripeClient(opts Options, logger stripe.LeveledLoggerInterface) *StripeClient {
	newConfig := func() *stripe.BackendConfig {
		cfg := &stripe.BackendConfig{
			HTTPClient:        &http.Client{Timeout: 10 * time.Second},
			LeveledLogger:     logger,
			MaxNetworkRetries: stripe.Int64(opts.MaxNetworkRetries),
		}
		if opts.APIURL != "" {
			cfg.URL = stripe.String(opts.APIURL)
		}
		return cfg
	}

	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, newConfig()),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, newConfig()),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, newConfig()),
	}

	return &StripeClient{
		api:           client.New(opts.SecretKey, backends),
		webhookSecret: opts.WebhookSecret,
	}
}

// CreateProduct создаёт продукт в каталоге платёжной системы.
func (c *StripeClient) CreateProduct(ctx context.Context, idempotencyKey, name, description string) (string, error) {
	params := &stripe.ProductParams{
		Name: stripe.String(name),
	}
	if description != "" {
		params.Description = stripe.String(description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	p, err := c.api.Products.New(params)
	if err != nil {
		return "", fmt.Errorf("create product: %w", err)
	}
	return p.ID, nil
}

// CreatePrice создаёт цену продукта в минимальных единицах валюты.
func (c *StripeClient) CreatePrice(ctx context.Context, idempotencyKey, productID string, amount int64, currency string) (string, error) {
	params := &stripe.PriceParams{
		Product:    stripe.String(productID),
		UnitAmount: stripe.Int64(amount),
		Currency:   stripe.String(currency),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	p, err := c.api.Prices.New(params)
	if err != nil {
		return "", fmt.Errorf("create price: %w", err)
	}
	return p.ID, nil
}

// CreateCheckoutSession создаёт размещённую на стороне платёжной системы сессию оплаты.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error) {
	piMetadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		piMetadata[k] = v
	}
	piMetadata["destinationAccount"] = req.Routing.DestinationAccount
	piMetadata["applicationFeeAmount"] = fmt.Sprintf("%d", req.Routing.ApplicationFeeAmount)

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.ClientReferenceID),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			TransferGroup: stripe.String(req.Routing.TransferGroup),
			Metadata:      piMetadata,
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, RedirectURL: s.URL}, nil
}

// RetrieveCheckoutSession возвращает текущее состояние сессии оплаты.
func (c *StripeClient) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSessionInfo, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := c.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session: %w", err)
	}
	return sessionInfo(s), nil
}

func sessionInfo(s *stripe.CheckoutSession) *CheckoutSessionInfo {
	info := &CheckoutSessionInfo{
		ID:          s.ID,
		Paid:        s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Expired:     s.Status == stripe.CheckoutSessionStatusExpired,
		AmountTotal: s.AmountTotal,
		Metadata:    s.Metadata,
	}
	if s.PaymentIntent != nil {
		info.PaymentIntentID = s.PaymentIntent.ID
	}
	return info
}

// PaymentChargeID возвращает идентификатор списания по платежу. Перевод
// преподавателю ссылается на это списание и поэтому не зависит от доступного
// баланса платформы.
func (c *StripeClient) PaymentChargeID(ctx context.Context, paymentIntentID string) (string, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := c.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return "", fmt.Errorf("retrieve payment intent: %w", err)
	}
	if pi.LatestCharge == nil || pi.LatestCharge.ID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCharge, paymentIntentID)
	}
	return pi.LatestCharge.ID, nil
}

// CreateTransfer переводит средства на подключённый аккаунт. Ссылка на исходный
// платёж используется как ключ идемпотентности, поэтому повторный вызов не
// создаёт второй перевод.
func (c *StripeClient) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		Destination:   stripe.String(req.DestinationAccount),
		TransferGroup: stripe.String(req.TransferGroup),
	}
	if req.SourceTransaction != "" {
		params.SourceTransaction = stripe.String(req.SourceTransaction)
	}
	params.Context = ctx
	params.SetIdempotencyKey("payout-" + req.SourceReference)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	t, err := c.api.Transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("create transfer: %w", err)
	}
	return t.ID, nil
}

// IsTransient сообщает, имеет ли смысл повторить запрос к платёжной системе.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.Type == stripe.ErrorTypeAPI
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return strings.Contains(err.Error(), "connection reset by peer")
}
