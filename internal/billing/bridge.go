package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/dnsname"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BridgeResult reports whether Create minted a new deployment or found one
// already linked to the order (the race-loser path).
type BridgeResult struct {
	Created      bool
	DeploymentID string
}

// Bridge converts a paid order into a Deployment. It is the only place a
// Deployment is created without a direct, authenticated owner request.
//
// Open question, preserved intentionally: webhook-driven bridging
// attributes the resulting Deployment to cfg.DefaultTenantID, not to the
// tenant that actually started the checkout — per-order owner capture does
// not exist yet. This is a documented limitation, not a silent bug.
type Bridge struct {
	store  store.Store
	cipher *cipher.Cipher
	sm     *StateMachine
	logger *zap.Logger
}

// NewBridge builds a Bridge.
func NewBridge(s store.Store, c *cipher.Cipher, sm *StateMachine, logger *zap.Logger) *Bridge {
	return &Bridge{store: s, cipher: c, sm: sm, logger: logger}
}

// Create runs the bridge protocol for orderID, attributing the Deployment to
// ownerUserID when one must be minted.
func (b *Bridge) Create(ctx context.Context, orderID, ownerUserID string) (BridgeResult, error) {
	order, err := b.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return BridgeResult{}, apierr.NotFound("order not found")
		}
		return BridgeResult{}, fmt.Errorf("billing: bridge get order: %w", err)
	}

	if existing, err := b.store.GetDeploymentByBillingRef(ctx, orderID); err == nil {
		if _, linkErr := b.sm.MarkDeploymentCreated(ctx, orderID, existing.ID); linkErr != nil {
			return BridgeResult{}, linkErr
		}
		return BridgeResult{Created: false, DeploymentID: existing.ID}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return BridgeResult{}, fmt.Errorf("billing: bridge lookup existing deployment: %w", err)
	}

	switch order.Status {
	case models.OrderPendingPayment, models.OrderExpired, models.OrderCanceled, models.OrderDeploymentCreated:
		return BridgeResult{}, apierr.Conflict(fmt.Sprintf("order %s is not eligible for bridging (status=%s)", orderID, order.Status))
	}
	if order.PaidAt == nil {
		return BridgeResult{}, apierr.Conflict("order has no settlement timestamp")
	}

	intent, err := b.decryptIntent(order.EncryptedIntent)
	if err != nil {
		if errors.Is(err, cipher.ErrInvalidEnvelope) {
			if _, failErr := b.sm.MarkFailed(ctx, orderID, "stored payload cannot be decrypted"); failErr != nil {
				b.logger.Warn("failed to mark order failed after decrypt error", zap.String("order_id", orderID), zap.Error(failErr))
			}
			return BridgeResult{}, apierr.FatalStoredSecret("stored payload cannot be decrypted")
		}
		return BridgeResult{}, apierr.Validation(err.Error())
	}

	deployment := &models.Deployment{
		ID:          "dep_" + uuid.New().String(),
		Provider:    intent.Provider,
		Name:        dnsname.Normalize(intent.Name),
		OwnerUserID: ownerUserID,
		Metadata:    map[string]any{},
		BillingRef:  &order.ID,
	}
	deployment.EncryptedConfig, err = b.cipher.EncryptJSON(intent.Config)
	if err != nil {
		return BridgeResult{}, fmt.Errorf("billing: encrypt deployment config: %w", err)
	}
	deployment.EncryptedSecrets, err = b.cipher.EncryptJSON(intent.Secrets)
	if err != nil {
		return BridgeResult{}, fmt.Errorf("billing: encrypt deployment secrets: %w", err)
	}

	created, err := b.store.CreateDeployment(ctx, deployment)
	if err != nil {
		if errors.Is(err, store.ErrBillingRefConflict) {
			winner, getErr := b.store.GetDeploymentByBillingRef(ctx, orderID)
			if getErr != nil {
				return BridgeResult{}, fmt.Errorf("billing: bridge re-read after conflict: %w", getErr)
			}
			if _, linkErr := b.sm.MarkDeploymentCreated(ctx, orderID, winner.ID); linkErr != nil {
				return BridgeResult{}, linkErr
			}
			return BridgeResult{Created: false, DeploymentID: winner.ID}, nil
		}
		if failErr := b.store.AppendOrderEvent(ctx, orderID, models.OrderEventFailed, "bridge failed to create deployment", nil); failErr != nil {
			b.logger.Warn("failed to append bridge-failure order event", zap.String("order_id", orderID), zap.Error(failErr))
		}
		return BridgeResult{}, fmt.Errorf("billing: bridge create deployment: %w", err)
	}
	if err := b.store.AppendDeploymentEvent(ctx, created.ID, models.DepEventQueued, "created by billing bridge", nil); err != nil {
		b.logger.Warn("failed to append deployment queued event", zap.String("deployment_id", created.ID), zap.Error(err))
	}

	if _, err := b.sm.MarkDeploymentCreated(ctx, orderID, created.ID); err != nil {
		return BridgeResult{}, err
	}
	return BridgeResult{Created: true, DeploymentID: created.ID}, nil
}

func (b *Bridge) decryptIntent(encrypted string) (*models.DeploymentIntent, error) {
	var intent models.DeploymentIntent
	if err := b.cipher.DecryptJSON(encrypted, &intent); err != nil {
		return nil, err
	}
	if intent.Provider == "" {
		return nil, errors.New("deployment intent missing provider")
	}
	if intent.Name == "" {
		return nil, errors.New("deployment intent missing name")
	}
	return &intent, nil
}
