package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/config"
	"github.com/crosslogic/deploy-control-plane/internal/idempotency"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/metrics"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	eventCheckoutCompleted            = "checkout.session.completed"
	eventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	eventCheckoutExpired               = "checkout.session.expired"
	eventCheckoutAsyncPaymentFailed    = "checkout.session.async_payment_failed"

	asyncPaymentFailedMessage = "asynchronous payment settlement failed"
)

// WebhookHandler implements the webhook intake protocol: raw signature
// verification, dedup reservation, type-switch dispatch, and completion of
// the dedup entry regardless of outcome.
//
// Grounded on the reference billing handler's HandleWebhook control flow
// (read body -> ConstructEvent -> reserve -> dispatch -> finalize), adapted
// from the tenant/subscription domain to the order/checkout-session domain.
type WebhookHandler struct {
	webhookSecret string
	store         store.Store
	dedup         *idempotency.WebhookGuard
	sm            *StateMachine
	bridge        *Bridge
	billing       config.BillingConfig
	logger        *zap.Logger
}

// NewWebhookHandler builds a WebhookHandler.
func NewWebhookHandler(webhookSecret string, s store.Store, dedup *idempotency.WebhookGuard, sm *StateMachine, bridge *Bridge, billing config.BillingConfig, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret: webhookSecret,
		store:         s,
		dedup:         dedup,
		sm:            sm,
		bridge:        bridge,
		billing:       billing,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler so it can be mounted directly on the router.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Step 1: read the raw body before any parsing — the signature is computed
	// over these exact bytes.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierr.Write(w, apierr.Validation("failed to read request body"))
		return
	}

	// Step 2: verify signature. On failure, respond 400 without touching Store.
	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(body, signature, h.webhookSecret)
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		apierr.Write(w, apierr.Validation("invalid webhook signature"))
		return
	}

	// Step 3: atomically begin-or-dedupe the event id.
	dedupResult, err := h.dedup.Begin(ctx, event.ID, string(event.Type))
	if err != nil {
		h.logger.Error("failed to reserve webhook event", zap.String("event_id", event.ID), zap.Error(err))
		apierr.Write(w, apierr.Internal("failed to reserve webhook event"))
		return
	}
	switch dedupResult.Outcome {
	case store.WebhookAlreadyDone, store.WebhookAnotherInFlight:
		metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), "duplicate").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	// Step 4-6: dispatch on event type, tracking the outcome for the dedup finalize step.
	status := models.WebhookProcessed
	var handlerErr error
	var pendingAsync bool
	switch event.Type {
	case eventCheckoutCompleted:
		pendingAsync, handlerErr = h.handleCheckoutCompleted(ctx, event)
	case eventCheckoutAsyncPaymentSucceeded:
		handlerErr = h.handleCheckoutAsyncPaymentSucceeded(ctx, event)
	case eventCheckoutExpired:
		handlerErr = h.handleCheckoutExpired(ctx, event)
	case eventCheckoutAsyncPaymentFailed:
		handlerErr = h.handleCheckoutAsyncPaymentFailed(ctx, event)
	default:
		status = models.WebhookIgnored
	}

	// Step 7: complete the dedup entry, even on failure, so it never stays in
	// processing. A failed entry lets a later redelivery run the handler
	// again; a processed or ignored entry makes a redelivery a duplicate.
	var errMsg *string
	if handlerErr != nil {
		status = models.WebhookFailed
		msg := truncateMessage(handlerErr.Error(), 500)
		errMsg = &msg
	}
	if err := h.dedup.Complete(ctx, event.ID, status, errMsg); err != nil {
		h.logger.Error("failed to complete webhook dedup entry", zap.String("event_id", event.ID), zap.Error(err))
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(event.Type), string(status)).Inc()

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(handlerErr),
		)
		apierr.Write(w, apierr.Internal("webhook processing failed"))
		return
	}

	// Step 8: acknowledge. A checkout-completed delivery that is still
	// awaiting async settlement says so in the body, per S2.
	if pendingAsync {
		apierr.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "pendingAsyncPayment": true})
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleCheckoutCompleted reports pendingAsync=true without error when the
// session completed but settlement is still outstanding (payment_status !=
// paid): the caller's webhook response body then surfaces that wait to the
// client per spec §8 scenario S2, rather than just acknowledging silently.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (bool, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return false, fmt.Errorf("unmarshal checkout session: %w", err)
	}
	orderID := session.Metadata["order_id"]
	if orderID == "" {
		return false, fmt.Errorf("checkout session %s has no order_id in metadata", session.ID)
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		if _, err := h.sm.MarkPendingAsync(ctx, orderID, session.ID, ""); err != nil {
			return false, fmt.Errorf("mark order pending-async: %w", err)
		}
		return true, nil
	}

	return false, h.settleOrder(ctx, orderID, session)
}

func (h *WebhookHandler) handleCheckoutAsyncPaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}
	order, err := h.store.GetOrderByCheckoutSession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("lookup order by checkout session %s: %w", session.ID, err)
	}
	return h.settleOrder(ctx, order.ID, session)
}

func (h *WebhookHandler) settleOrder(ctx context.Context, orderID string, session stripe.CheckoutSession) error {
	var paymentIntentID, customerID, customerEmail *string
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		id := session.PaymentIntent.ID
		paymentIntentID = &id
	}
	if session.Customer != nil && session.Customer.ID != "" {
		id := session.Customer.ID
		customerID = &id
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email := session.CustomerDetails.Email
		customerEmail = &email
	}

	order, err := h.sm.MarkPaid(ctx, orderID, paymentIntentID, customerID, customerEmail)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	if order.Status != models.OrderPaid || !h.billing.AutoProvisionOnPaid {
		return nil
	}
	if _, err := h.bridge.Create(ctx, order.ID, h.billing.DefaultTenantID); err != nil {
		return fmt.Errorf("bridge paid order to deployment: %w", err)
	}
	return nil
}

func (h *WebhookHandler) handleCheckoutExpired(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}
	if _, err := h.sm.MarkExpired(ctx, session.ID); err != nil {
		return fmt.Errorf("mark order expired: %w", err)
	}
	return nil
}

func (h *WebhookHandler) handleCheckoutAsyncPaymentFailed(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("unmarshal checkout session: %w", err)
	}
	order, err := h.store.GetOrderByCheckoutSession(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("lookup order by checkout session %s: %w", session.ID, err)
	}
	if _, err := h.sm.MarkFailed(ctx, order.ID, asyncPaymentFailedMessage); err != nil {
		return fmt.Errorf("mark order failed: %w", err)
	}
	return nil
}

func truncateMessage(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
