package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/config"
	"github.com/crosslogic/deploy-control-plane/internal/idempotency"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/events"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test_123"

type fakeGateway struct {
	sessionID  string
	sessionURL string
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	return &CheckoutSession{ID: g.sessionID, URL: g.sessionURL}, nil
}

func testHarness(t *testing.T) (*CheckoutService, *WebhookHandler, store.Store) {
	t.Helper()
	s := store.NewMemory()
	c, err := cipher.New("a-sufficiently-long-test-passphrase")
	require.NoError(t, err)
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	sm := NewStateMachine(s, bus, logger)
	bridge := NewBridge(s, c, sm, logger)
	dedup := idempotency.NewWebhookGuard(s, nil, 5*time.Minute)
	billing := config.BillingConfig{
		Plans: []config.Plan{
			{ID: "hetzner-cx23-launch", Name: "Launch", AmountMinor: 1500, Currency: "usd"},
		},
		AutoProvisionOnPaid: true,
		DefaultTenantID:     "default",
		SuccessURL:          "https://example.invalid/success",
		CancelURL:           "https://example.invalid/cancel",
	}
	gw := &fakeGateway{sessionID: "cs_test_1", sessionURL: "https://checkout.example/cs_test_1"}
	checkout := NewCheckoutService(s, c, gw, sm, billing)
	webhookHandler := NewWebhookHandler(testWebhookSecret, s, dedup, sm, bridge, billing, logger)
	return checkout, webhookHandler, s
}

func signedRequest(t *testing.T, eventID, eventType string, object map[string]any) *http.Request {
	t.Helper()
	event := map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{
			"object": object,
		},
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func createTestOrder(t *testing.T, checkout *CheckoutService) *CreateCheckoutResponse {
	t.Helper()
	resp, err := checkout.Create(context.Background(), "default", CreateCheckoutRequest{
		PlanID:        "hetzner-cx23-launch",
		Intent:        models.DeploymentIntent{Provider: "hetzner", Name: "My Box", Config: map[string]any{}, Secrets: map[string]any{}},
		CustomerEmail: "buyer@example.test",
	})
	require.NoError(t, err)
	return resp
}

func countDeploymentsForOrder(t *testing.T, s store.Store, orderID string) int {
	t.Helper()
	deployments, err := s.ListAllDeployments(context.Background())
	require.NoError(t, err)
	count := 0
	for _, d := range deployments {
		if d.BillingRef != nil && *d.BillingRef == orderID {
			count++
		}
	}
	return count
}

func TestCheckoutCreatesPendingOrderWithSession(t *testing.T) {
	checkout, _, s := testHarness(t)
	resp := createTestOrder(t, checkout)
	require.Equal(t, models.OrderPendingPayment, resp.Status)
	require.Equal(t, "https://checkout.example/cs_test_1", resp.CheckoutURL)

	order, err := s.GetOrder(context.Background(), resp.OrderID)
	require.NoError(t, err)
	require.NotNil(t, order.CheckoutSessionID)
	require.Equal(t, "cs_test_1", *order.CheckoutSessionID)
}

// S1: happy paid path.
func TestWebhookHappyPaidPath(t *testing.T) {
	checkout, handler, s := testHarness(t)
	order := createTestOrder(t, checkout)

	req := signedRequest(t, "evt_1", eventCheckoutCompleted, map[string]any{
		"id":             "cs_test_1",
		"payment_status": "paid",
		"metadata":       map[string]any{"order_id": order.OrderID},
	})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	got, err := s.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderDeploymentCreated, got.Status)
	require.NotNil(t, got.DeploymentID)

	dep, err := s.GetDeploymentByBillingRef(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.OrderID, *dep.BillingRef)
}

// S2: unpaid completion waits, then async success settles it.
func TestWebhookUnpaidCompletionWaitsThenAsyncSucceeds(t *testing.T) {
	checkout, handler, s := testHarness(t)
	order := createTestOrder(t, checkout)

	req := signedRequest(t, "evt_2", eventCheckoutCompleted, map[string]any{
		"id":             "cs_test_1",
		"payment_status": "unpaid",
		"metadata":       map[string]any{"order_id": order.OrderID},
	})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, true, body["pendingAsyncPayment"])

	got, err := s.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderPendingPayment, got.Status)
	require.Nil(t, got.DeploymentID)

	req2 := signedRequest(t, "evt_3", eventCheckoutAsyncPaymentSucceeded, map[string]any{
		"id":             "cs_test_1",
		"payment_status": "paid",
	})
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusOK, rr2.Code)

	final, err := s.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderDeploymentCreated, final.Status)
}

// S3: async failure then success, exactly one deployment exists.
func TestWebhookAsyncFailureThenSuccess(t *testing.T) {
	checkout, handler, s := testHarness(t)
	order := createTestOrder(t, checkout)

	failReq := signedRequest(t, "evt_4", eventCheckoutAsyncPaymentFailed, map[string]any{"id": "cs_test_1"})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, failReq)
	require.Equal(t, http.StatusOK, rr.Code)

	afterFail, err := s.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderFailed, afterFail.Status)

	successReq := signedRequest(t, "evt_5", eventCheckoutAsyncPaymentSucceeded, map[string]any{
		"id":             "cs_test_1",
		"payment_status": "paid",
	})
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, successReq)
	require.Equal(t, http.StatusOK, rr2.Code)

	final, err := s.GetOrder(context.Background(), order.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderDeploymentCreated, final.Status)
	require.Equal(t, 1, countDeploymentsForOrder(t, s, order.OrderID))
}

// S5: terminal is sticky — a deployment_created order never reverts to failed.
func TestDeploymentCreatedOrderIsSticky(t *testing.T) {
	checkout, handler, s := testHarness(t)
	order := createTestOrder(t, checkout)

	req := signedRequest(t, "evt_6", eventCheckoutCompleted, map[string]any{
		"id":             "cs_test_1",
		"payment_status": "paid",
		"metadata":       map[string]any{"order_id": order.OrderID},
	})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	got, err := s.MarkOrderFailed(context.Background(), order.OrderID, "internal failure report")
	require.NoError(t, err)
	require.Equal(t, models.OrderDeploymentCreated, got.Status)
	require.Nil(t, got.ErrorMessage)
}

func TestWebhookInvalidSignatureRejected(t *testing.T) {
	_, handler, _ := testHarness(t)
	payload := []byte(`{"id":"evt_x","type":"checkout.session.completed"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhookRedeliveryIsDeduped(t *testing.T) {
	checkout, handler, s := testHarness(t)
	order := createTestOrder(t, checkout)

	build := func() *http.Request {
		return signedRequest(t, "evt_dup", eventCheckoutCompleted, map[string]any{
			"id":             "cs_test_1",
			"payment_status": "paid",
			"metadata":       map[string]any{"order_id": order.OrderID},
		})
	}

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, build())
	require.Equal(t, http.StatusOK, rr1.Code)

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, build())
	require.Equal(t, http.StatusOK, rr2.Code)

	require.Equal(t, 1, countDeploymentsForOrder(t, s, order.OrderID))
}
