package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crosslogic/deploy-control-plane/internal/auth"
	"github.com/crosslogic/deploy-control-plane/internal/billing"
	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/config"
	"github.com/crosslogic/deploy-control-plane/internal/deployments"
	"github.com/crosslogic/deploy-control-plane/internal/idempotency"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/events"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateway struct{}

func (fakeGateway) CreateCheckoutSession(ctx context.Context, p billing.CheckoutSessionParams) (*billing.CheckoutSession, error) {
	return &billing.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	s := store.NewMemory()
	c, err := cipher.New("a-sufficiently-long-test-passphrase")
	require.NoError(t, err)
	logger := zap.NewNop()
	bus := events.NewBus(logger)
	sm := billing.NewStateMachine(s, bus, logger)
	billingCfg := config.BillingConfig{
		Plans: []config.Plan{
			{ID: "hetzner-cx23-launch", Name: "Launch", AmountMinor: 1500, Currency: "usd"},
		},
		DefaultTenantID: "default",
		SuccessURL:      "https://example.invalid/success",
		CancelURL:       "https://example.invalid/cancel",
	}
	checkout := billing.NewCheckoutService(s, c, fakeGateway{}, sm, billingCfg)
	checkoutGuard := idempotency.NewCheckoutGuard(s, nil, 30*time.Second)
	authResolver, err := auth.New(config.SecurityConfig{AuthMode: config.AuthDisabled}, "default")
	require.NoError(t, err)

	return NewGateway(Deps{
		Store:         s,
		Logger:        logger,
		AuthResolver:  authResolver,
		Checkout:      checkout,
		CheckoutGuard: checkoutGuard,
		Deployments:   deployments.New(s, c, bus),
	})
}

func checkoutRequestBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"planId": "hetzner-cx23-launch",
		"intent": models.DeploymentIntent{
			Provider: "hetzner",
			Name:     "my-box",
			Config:   map[string]any{},
			Secrets:  map[string]any{},
		},
		"customerEmail": "buyer@example.test",
	})
	return body
}

func TestCreateCheckoutRejectsMalformedIdempotencyKey(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/checkout", bytes.NewReader(checkoutRequestBody()))
	req.Header.Set("Idempotency-Key", "has a space")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateCheckoutRejectsOverlongIdempotencyKey(t *testing.T) {
	gw := newTestGateway(t)

	longKey := bytes.Repeat([]byte("a"), 201)
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/checkout", bytes.NewReader(checkoutRequestBody()))
	req.Header.Set("Idempotency-Key", string(longKey))
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateCheckoutAcceptsValidIdempotencyKey(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/checkout", bytes.NewReader(checkoutRequestBody()))
	req.Header.Set("Idempotency-Key", "order-123.abc:def")
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
}
