package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *StripeClient {
	t.Helper()

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	return NewStripeClient(Options{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
		APIURL:        ts.URL,
	}, nil)
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestCreateProductAndPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())

		switch r.URL.Path {
		case "/v1/products":
			assert.Equal(t, "Go concurrency", r.Form.Get("name"))
			assert.Equal(t, "lesson-1-product", r.Header.Get("Idempotency-Key"))
			writeJSON(t, w, http.StatusOK, map[string]any{"id": "prod_123", "object": "product"})
		case "/v1/prices":
			assert.Equal(t, "prod_123", r.Form.Get("product"))
			assert.Equal(t, "1500", r.Form.Get("unit_amount"))
			assert.Equal(t, "usd", r.Form.Get("currency"))
			writeJSON(t, w, http.StatusOK, map[string]any{"id": "price_123", "object": "price"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	productID, err := c.CreateProduct(ctx, "lesson-1-product", "Go concurrency", "")
	require.NoError(t, err)
	assert.Equal(t, "prod_123", productID)

	priceID, err := c.CreatePrice(ctx, "lesson-1-price", productID, 1500, "usd")
	require.NoError(t, err)
	assert.Equal(t, "price_123", priceID)
}

func TestCreateCheckoutSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())

		assert.Equal(t, "payment", r.Form.Get("mode"))
		assert.Equal(t, "price_123", r.Form.Get("line_items[0][price]"))
		assert.Equal(t, "1", r.Form.Get("line_items[0][quantity]"))
		assert.Equal(t, "lesson-1", r.Form.Get("metadata[lessonId]"))
		assert.Equal(t, "group-1", r.Form.Get("payment_intent_data[transfer_group]"))
		assert.Equal(t, "acct_1", r.Form.Get("payment_intent_data[metadata][destinationAccount]"))
		assert.Equal(t, "225", r.Form.Get("payment_intent_data[metadata][applicationFeeAmount]"))

		writeJSON(t, w, http.StatusOK, map[string]any{
			"id":     "cs_test_1",
			"object": "checkout.session",
			"url":    "https://checkout.example/cs_test_1",
		})
	})

	s, err := c.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		PriceID:           "price_123",
		ClientReferenceID: "user-1",
		SuccessURL:        "https://app.example/success",
		CancelURL:         "https://app.example/cancel",
		Metadata:          map[string]string{"lessonId": "lesson-1"},
		Routing: FeeRouting{
			ApplicationFeeAmount: 225,
			DestinationAccount:   "acct_1",
			TransferGroup:        "group-1",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", s.ID)
	assert.Equal(t, "https://checkout.example/cs_test_1", s.RedirectURL)
}

func TestRetrieveCheckoutSession(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/checkout/sessions/cs_test_1", r.URL.Path)

		writeJSON(t, w, http.StatusOK, map[string]any{
			"id":             "cs_test_1",
			"object":         "checkout.session",
			"payment_status": "paid",
			"status":         "complete",
			"amount_total":   1500,
			"payment_intent": "pi_1",
			"metadata":       map[string]string{"lessonId": "lesson-1"},
		})
	})

	info, err := c.RetrieveCheckoutSession(context.Background(), "cs_test_1")
	require.NoError(t, err)
	assert.True(t, info.Paid)
	assert.False(t, info.Expired)
	assert.Equal(t, "pi_1", info.PaymentIntentID)
	assert.Equal(t, int64(1500), info.AmountTotal)
	assert.Equal(t, "lesson-1", info.Metadata["lessonId"])
}

func TestCreateTransfer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.NoError(t, r.ParseForm())

		assert.Equal(t, "1275", r.Form.Get("amount"))
		assert.Equal(t, "acct_1", r.Form.Get("destination"))
		assert.Equal(t, "ch_1", r.Form.Get("source_transaction"))
		assert.Equal(t, "group-1", r.Form.Get("transfer_group"))
		assert.Equal(t, "cs_test_1", r.Form.Get("metadata[paymentReference]"))
		assert.Equal(t, "payout-cs_test_1", r.Header.Get("Idempotency-Key"))

		writeJSON(t, w, http.StatusOK, map[string]any{"id": "tr_1", "object": "transfer"})
	})

	id, err := c.CreateTransfer(context.Background(), TransferRequest{
		Amount:             1275,
		Currency:           "usd",
		DestinationAccount: "acct_1",
		SourceReference:    "cs_test_1",
		SourceTransaction:  "ch_1",
		TransferGroup:      "group-1",
		Metadata:           map[string]string{"paymentReference": "cs_test_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", id)
}

func TestPaymentChargeID(t *testing.T) {
	tests := []struct {
		name    string
		body    map[string]any
		want    string
		wantErr error
	}{
		{
			name: "latest charge",
			body: map[string]any{"id": "pi_1", "object": "payment_intent", "latest_charge": "ch_1"},
			want: "ch_1",
		},
		{
			name:    "no charge yet",
			body:    map[string]any{"id": "pi_1", "object": "payment_intent"},
			wantErr: ErrNoCharge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodGet, r.Method)
				require.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
				writeJSON(t, w, http.StatusOK, tt.body)
			})

			id, err := c.PaymentChargeID(context.Background(), "pi_1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, IsTransient(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestCreateTransferErrorsClassified(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		errType   string
		transient bool
	}{
		{name: "server error", status: http.StatusInternalServerError, errType: "api_error", transient: true},
		{name: "rate limited", status: http.StatusTooManyRequests, errType: "invalid_request_error", transient: true},
		{name: "bad request", status: http.StatusBadRequest, errType: "invalid_request_error", transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, tt.status, map[string]any{
					"error": map[string]any{"type": tt.errType, "message": "boom"},
				})
			})

			_, err := c.CreateTransfer(context.Background(), TransferRequest{
				Amount:             100,
				Currency:           "usd",
				DestinationAccount: "acct_1",
				SourceReference:    "cs_1",
			})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestIsTransientContext(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
}
