package billing

import (
	"context"
	"fmt"
	"regexp"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/config"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/google/uuid"
)

var currencyPattern = regexp.MustCompile(`^[a-z]{3}$`)

// CreateCheckoutRequest is the validated shape of a checkout creation
// request (HTTP decoding/permissive-parsing happens one layer up, per
// SPEC_FULL's two-stage parse-then-validate design note).
type CreateCheckoutRequest struct {
	PlanID        string
	Intent        models.DeploymentIntent
	CustomerEmail string
	Metadata      map[string]any
	SuccessURL    string
	CancelURL     string
}

// CreateCheckoutResponse is returned to the caller and is also what gets
// cached verbatim by the checkout idempotency guard.
type CreateCheckoutResponse struct {
	OrderID     string             `json:"orderId"`
	Status      models.OrderStatus `json:"status"`
	CheckoutURL string             `json:"checkoutUrl"`
}

// CheckoutService validates a checkout request against the configured plan
// catalog, persists the order, and opens a hosted checkout session.
type CheckoutService struct {
	store   store.Store
	cipher  *cipher.Cipher
	gateway PaymentGateway
	sm      *StateMachine
	billing config.BillingConfig
}

// NewCheckoutService builds a CheckoutService.
func NewCheckoutService(s store.Store, c *cipher.Cipher, gw PaymentGateway, sm *StateMachine, billing config.BillingConfig) *CheckoutService {
	return &CheckoutService{store: s, cipher: c, gateway: gw, sm: sm, billing: billing}
}

// Create is the downstream side effect a checkout idempotency reservation
// wraps: it is safe to call at most once per logical request, the guard
// above it is what makes retries idempotent.
func (s *CheckoutService) Create(ctx context.Context, ownerUserID string, req CreateCheckoutRequest) (*CreateCheckoutResponse, error) {
	plan, ok := s.billing.PlanByID(req.PlanID)
	if !ok {
		return nil, apierr.Validation(fmt.Sprintf("unknown plan id %q", req.PlanID))
	}
	if plan.AmountMinor <= 0 {
		return nil, apierr.Validation("plan amount must be a positive integer")
	}
	if !currencyPattern.MatchString(plan.Currency) {
		return nil, apierr.Validation("plan currency must match ^[a-z]{3}$")
	}
	if req.Intent.Provider == "" || req.Intent.Name == "" {
		return nil, apierr.Validation("deployment intent requires provider and name")
	}

	encryptedIntent, err := s.cipher.EncryptJSON(req.Intent)
	if err != nil {
		return nil, fmt.Errorf("billing: encrypt deployment intent: %w", err)
	}

	order := &models.Order{
		ID:              "ord_" + uuid.New().String(),
		Provider:        "stripe",
		Status:          models.OrderPendingPayment,
		PlanID:          plan.ID,
		AmountMinor:     plan.AmountMinor,
		Currency:        plan.Currency,
		EncryptedIntent: encryptedIntent,
		Metadata:        req.Metadata,
		CustomerEmail:   &req.CustomerEmail,
	}
	created, err := s.sm.Create(ctx, order)
	if err != nil {
		return nil, err
	}

	successURL, cancelURL := req.SuccessURL, req.CancelURL
	if successURL == "" {
		successURL = s.billing.SuccessURL
	}
	if cancelURL == "" {
		cancelURL = s.billing.CancelURL
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutSessionParams{
		AmountMinor:   plan.AmountMinor,
		Currency:      plan.Currency,
		ProductName:   plan.Name,
		CustomerEmail: req.CustomerEmail,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		Metadata:      map[string]string{"order_id": created.ID, "owner_user_id": ownerUserID},
	})
	if err != nil {
		if _, failErr := s.sm.MarkFailed(ctx, created.ID, "failed to create checkout session"); failErr != nil {
			return nil, fmt.Errorf("billing: mark order failed after gateway error: %w (gateway error: %v)", failErr, err)
		}
		return nil, apierr.Downstream("payment gateway unavailable")
	}

	linked, err := s.store.SetOrderCheckoutSession(ctx, created.ID, session.ID, session.URL)
	if err != nil {
		return nil, fmt.Errorf("billing: link checkout session: %w", err)
	}

	return &CreateCheckoutResponse{
		OrderID:     linked.ID,
		Status:      linked.Status,
		CheckoutURL: session.URL,
	}, nil
}

// FingerprintPayload builds the idempotency fingerprint input for req:
// plan id, full deployment intent, customer email, both redirect URLs, and
// caller-supplied metadata.
func FingerprintPayload(req CreateCheckoutRequest) map[string]any {
	return map[string]any{
		"plan_id":        req.PlanID,
		"intent":         req.Intent,
		"customer_email": req.CustomerEmail,
		"success_url":    req.SuccessURL,
		"cancel_url":     req.CancelURL,
		"metadata":       req.Metadata,
	}
}
