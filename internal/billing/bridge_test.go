package billing

import (
	"context"
	"testing"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/events"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBridgeRejectsOrderNotYetPaid(t *testing.T) {
	s := store.NewMemory()
	c, err := cipher.New("a-sufficiently-long-test-passphrase")
	require.NoError(t, err)
	logger := zap.NewNop()
	sm := NewStateMachine(s, events.NewBus(logger), logger)
	bridge := NewBridge(s, c, sm, logger)

	encryptedIntent, err := c.EncryptJSON(models.DeploymentIntent{Provider: "hetzner", Name: "box"})
	require.NoError(t, err)
	order, err := sm.Create(context.Background(), &models.Order{
		ID:              "ord_pending",
		Provider:        "stripe",
		Status:          models.OrderPendingPayment,
		PlanID:          "plan",
		AmountMinor:     100,
		Currency:        "usd",
		EncryptedIntent: encryptedIntent,
	})
	require.NoError(t, err)

	_, err = bridge.Create(context.Background(), order.ID, "owner-1")
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.KindConflict, apiErr.Kind)
}

func TestBridgeFailsOrderOnUndecryptableIntent(t *testing.T) {
	s := store.NewMemory()
	c, err := cipher.New("a-sufficiently-long-test-passphrase")
	require.NoError(t, err)
	logger := zap.NewNop()
	sm := NewStateMachine(s, events.NewBus(logger), logger)
	bridge := NewBridge(s, c, sm, logger)

	order, err := sm.Create(context.Background(), &models.Order{
		ID:              "ord_corrupt",
		Provider:        "stripe",
		Status:          models.OrderPendingPayment,
		PlanID:          "plan",
		AmountMinor:     100,
		Currency:        "usd",
		EncryptedIntent: "v1.not.a.validenvelope",
	})
	require.NoError(t, err)

	paid, err := sm.MarkPaid(context.Background(), order.ID, nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, models.OrderPaid, paid.Status)

	_, err = bridge.Create(context.Background(), order.ID, "owner-1")
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.KindFatalStoredSecret, apiErr.Kind)

	failed, err := s.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderFailed, failed.Status)
}

func TestBridgeIsIdempotentOnRepeatedCalls(t *testing.T) {
	s := store.NewMemory()
	c, err := cipher.New("a-sufficiently-long-test-passphrase")
	require.NoError(t, err)
	logger := zap.NewNop()
	sm := NewStateMachine(s, events.NewBus(logger), logger)
	bridge := NewBridge(s, c, sm, logger)

	encryptedIntent, err := c.EncryptJSON(models.DeploymentIntent{Provider: "hetzner", Name: "my box", Config: map[string]any{}, Secrets: map[string]any{}})
	require.NoError(t, err)
	order, err := sm.Create(context.Background(), &models.Order{
		ID:              "ord_repeat",
		Provider:        "stripe",
		Status:          models.OrderPendingPayment,
		PlanID:          "plan",
		AmountMinor:     100,
		Currency:        "usd",
		EncryptedIntent: encryptedIntent,
	})
	require.NoError(t, err)
	_, err = sm.MarkPaid(context.Background(), order.ID, nil, nil, nil)
	require.NoError(t, err)

	first, err := bridge.Create(context.Background(), order.ID, "owner-1")
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := bridge.Create(context.Background(), order.ID, "owner-1")
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.DeploymentID, second.DeploymentID)
}
