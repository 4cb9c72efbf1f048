package billing

import (
	"context"
	"fmt"

	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/events"
	"github.com/crosslogic/deploy-control-plane/pkg/metrics"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"go.uber.org/zap"
)

// StateMachine owns every legal Order transition. It wraps the
// predicated Store operations with the order-event audit trail and the
// best-effort event-bus mirror, so a caller never issues a raw Store
// mutation and forgets the accompanying event.
type StateMachine struct {
	store  store.Store
	bus    *events.Bus
	logger *zap.Logger
}

// NewStateMachine builds a StateMachine over store s. bus may be nil.
func NewStateMachine(s store.Store, bus *events.Bus, logger *zap.Logger) *StateMachine {
	return &StateMachine{store: s, bus: bus, logger: logger}
}

func (sm *StateMachine) publishOrderChanged(ctx context.Context, o *models.Order) {
	if sm.bus == nil || o == nil {
		return
	}
	_ = sm.bus.Publish(ctx, events.NewEvent(events.EventOrderChanged, "", map[string]interface{}{
		"order_id": o.ID,
		"status":   string(o.Status),
	}))
}

// Create inserts a new order in pending_payment and appends the creation event.
func (sm *StateMachine) Create(ctx context.Context, o *models.Order) (*models.Order, error) {
	created, err := sm.store.CreateOrder(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("billing: create order: %w", err)
	}
	if err := sm.store.AppendOrderEvent(ctx, created.ID, models.OrderEventCreated, "order created", nil); err != nil {
		sm.logger.Warn("failed to append order created event", zap.String("order_id", created.ID), zap.Error(err))
	}
	metrics.OrderTransitionsTotal.WithLabelValues("", string(created.Status)).Inc()
	sm.publishOrderChanged(ctx, created)
	return created, nil
}

// MarkPaid transitions an order to paid (pending_payment|failed -> paid) and
// records the settlement. Transitions outside the allowed DAG are no-ops;
// the returned order reflects whatever state it actually ended up in.
func (sm *StateMachine) MarkPaid(ctx context.Context, orderID string, paymentIntentID, customerID, customerEmail *string) (*models.Order, error) {
	o, err := sm.store.MarkOrderPaid(ctx, orderID, paymentIntentID, customerID, customerEmail)
	if err != nil {
		return nil, fmt.Errorf("billing: mark order paid: %w", err)
	}
	if o.Status == models.OrderPaid {
		if err := sm.store.AppendOrderEvent(ctx, orderID, models.OrderEventPaid, "payment settled", nil); err != nil {
			sm.logger.Warn("failed to append order paid event", zap.String("order_id", orderID), zap.Error(err))
		}
		metrics.OrderTransitionsTotal.WithLabelValues("pending_payment", string(models.OrderPaid)).Inc()
	}
	sm.publishOrderChanged(ctx, o)
	return o, nil
}

// MarkPendingAsync records a checkout-completed-but-unsettled webhook
// without transitioning status.
func (sm *StateMachine) MarkPendingAsync(ctx context.Context, orderID, sessionID, checkoutURL string) (*models.Order, error) {
	o, err := sm.store.SetOrderCheckoutSession(ctx, orderID, sessionID, checkoutURL)
	if err != nil {
		return nil, fmt.Errorf("billing: link checkout session: %w", err)
	}
	if err := sm.store.AppendOrderEvent(ctx, orderID, models.OrderEventPendingAsync, "awaiting asynchronous settlement", nil); err != nil {
		sm.logger.Warn("failed to append pending-async order event", zap.String("order_id", orderID), zap.Error(err))
	}
	sm.publishOrderChanged(ctx, o)
	return o, nil
}

// MarkExpired transitions the order referenced by sessionID to expired.
func (sm *StateMachine) MarkExpired(ctx context.Context, sessionID string) (*models.Order, error) {
	o, err := sm.store.MarkOrderExpiredByCheckoutSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("billing: mark order expired: %w", err)
	}
	if o.Status == models.OrderExpired {
		if err := sm.store.AppendOrderEvent(ctx, o.ID, models.OrderEventExpired, "checkout session expired", nil); err != nil {
			sm.logger.Warn("failed to append order expired event", zap.String("order_id", o.ID), zap.Error(err))
		}
		metrics.OrderTransitionsTotal.WithLabelValues("pending_payment", string(models.OrderExpired)).Inc()
	}
	sm.publishOrderChanged(ctx, o)
	return o, nil
}

// MarkFailed transitions the order to failed with message, unless it is
// already terminal (deployment_created is sticky).
func (sm *StateMachine) MarkFailed(ctx context.Context, orderID, message string) (*models.Order, error) {
	o, err := sm.store.MarkOrderFailed(ctx, orderID, message)
	if err != nil {
		return nil, fmt.Errorf("billing: mark order failed: %w", err)
	}
	if o.Status == models.OrderFailed {
		if err := sm.store.AppendOrderEvent(ctx, orderID, models.OrderEventFailed, message, nil); err != nil {
			sm.logger.Warn("failed to append order failed event", zap.String("order_id", orderID), zap.Error(err))
		}
		metrics.OrderTransitionsTotal.WithLabelValues("pending_payment", string(models.OrderFailed)).Inc()
	}
	sm.publishOrderChanged(ctx, o)
	return o, nil
}

// MarkDeploymentCreated transitions a paid order to deployment_created and
// links the spawned deployment.
func (sm *StateMachine) MarkDeploymentCreated(ctx context.Context, orderID, deploymentID string) (*models.Order, error) {
	o, err := sm.store.MarkOrderDeploymentCreated(ctx, orderID, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("billing: mark order deployment_created: %w", err)
	}
	if o.Status == models.OrderDeploymentCreated {
		if err := sm.store.AppendOrderEvent(ctx, orderID, models.OrderEventDeploymentCreated, "deployment queued", map[string]any{
			"deployment_id": deploymentID,
		}); err != nil {
			sm.logger.Warn("failed to append deployment_created order event", zap.String("order_id", orderID), zap.Error(err))
		}
		metrics.OrderTransitionsTotal.WithLabelValues(string(models.OrderPaid), string(models.OrderDeploymentCreated)).Inc()
	}
	sm.publishOrderChanged(ctx, o)
	return o, nil
}
