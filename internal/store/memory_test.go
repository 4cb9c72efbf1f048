package store

import (
	"context"
	"testing"

	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestOrderStateMachineMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	o, err := s.CreateOrder(ctx, &models.Order{ID: "ord_1", Provider: "stripe", PlanID: "plan_a", AmountMinor: 1000, Currency: "usd"})
	require.NoError(t, err)
	require.Equal(t, models.OrderPendingPayment, o.Status)

	pi := "pi_1"
	paid, err := s.MarkOrderPaid(ctx, o.ID, &pi, nil, nil)
	require.NoError(t, err)
	require.Equal(t, models.OrderPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	// Failing a paid order is allowed (paid -> failed on
	// provisioning failure).
	failed, err := s.MarkOrderFailed(ctx, o.ID, "boom")
	require.NoError(t, err)
	require.Equal(t, models.OrderFailed, failed.Status)

	// deployment_created requires source state paid, so marking a failed
	// order deployment_created leaves it failed.
	dep, err := s.MarkOrderDeploymentCreated(ctx, o.ID, "dep_1")
	require.NoError(t, err)
	require.Equal(t, models.OrderFailed, dep.Status, "deployment_created requires source state paid; failed order is untouched")
}

func TestLeaseFencingRejectsStaleOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.CreateDeployment(ctx, &models.Deployment{ID: "dep_1", Provider: "sim", Name: "box", OwnerUserID: "user_1"})
	require.NoError(t, err)

	leased, ok, err := s.LeaseProvisionJob(ctx, "worker_a", 60000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dep_1", leased.ID)

	// A second worker racing the same tick finds nothing to lease.
	_, ok, err = s.LeaseProvisionJob(ctx, "worker_b", 60000)
	require.NoError(t, err)
	require.False(t, ok)

	// worker_b never held the lease, so any fenced write from it is rejected.
	err = s.RenewLease(ctx, "dep_1", "worker_b", 60000)
	require.ErrorIs(t, err, ErrLeaseLost)

	err = s.RenewLease(ctx, "dep_1", "worker_a", 60000)
	require.NoError(t, err)

	require.NoError(t, s.MarkRunning(ctx, "dep_1", "worker_a", "https://tailnet.example", "enc-token"))

	// Once running, worker_a's lease has been released; further fenced
	// writes from it are rejected too.
	err = s.MarkDeploymentFailed(ctx, "dep_1", "worker_a", "late write")
	require.ErrorIs(t, err, ErrLeaseLost)
}

func TestStaleLeaseRecoveryRoutesToDestroyWhenHandlePresent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.CreateDeployment(ctx, &models.Deployment{ID: "dep_1", Provider: "sim", Name: "box", OwnerUserID: "user_1"})
	require.NoError(t, err)

	_, _, err = s.LeaseProvisionJob(ctx, "worker_a", 1)
	require.NoError(t, err)

	serverID := "srv_1"
	require.NoError(t, s.UpdateResourceState(ctx, "dep_1", "worker_a", ResourceState{ServerID: &serverID}))

	// Force the lease to look expired without sleeping.
	s.mu.Lock()
	past := nowMs() - 1
	s.deployments["dep_1"].LeaseExpiresAtMs = &past
	s.mu.Unlock()

	n, err := s.RecoverStaleLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := s.GetDeploymentAny(ctx, "dep_1")
	require.NoError(t, err)
	require.Equal(t, models.DeploymentProvisioning, d.Status)
	require.Equal(t, models.TaskDestroy, d.ActiveTask)
	require.Nil(t, d.LeaseOwner)
}

func TestCheckoutIdempotencyOutcomes(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	r1, err := s.BeginCheckoutIdempotency(ctx, "key_1", "fp_a", 30000)
	require.NoError(t, err)
	require.Equal(t, IdemAcquired, r1.Outcome)

	r2, err := s.BeginCheckoutIdempotency(ctx, "key_1", "fp_b", 30000)
	require.NoError(t, err)
	require.Equal(t, IdemConflict, r2.Outcome)

	r3, err := s.BeginCheckoutIdempotency(ctx, "key_1", "fp_a", 30000)
	require.NoError(t, err)
	require.Equal(t, IdemInProgress, r3.Outcome)
	require.Greater(t, r3.RetryAfterSeconds, 0)

	require.NoError(t, s.FinalizeCheckoutIdempotency(ctx, "key_1", "fp_a", []byte(`{"ok":true}`)))

	r4, err := s.BeginCheckoutIdempotency(ctx, "key_1", "fp_a", 30000)
	require.NoError(t, err)
	require.Equal(t, IdemCompleted, r4.Outcome)
	require.JSONEq(t, `{"ok":true}`, string(r4.StoredResponse))
}

func TestWebhookDedupSkipsAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	r1, err := s.BeginStripeWebhookEvent(ctx, "evt_1", "checkout.session.completed", 30000)
	require.NoError(t, err)
	require.Equal(t, WebhookShouldProcess, r1.Outcome)

	r2, err := s.BeginStripeWebhookEvent(ctx, "evt_1", "checkout.session.completed", 30000)
	require.NoError(t, err)
	require.Equal(t, WebhookAnotherInFlight, r2.Outcome)

	require.NoError(t, s.CompleteStripeWebhookEvent(ctx, "evt_1", models.WebhookProcessed, nil))

	r3, err := s.BeginStripeWebhookEvent(ctx, "evt_1", "checkout.session.completed", 30000)
	require.NoError(t, err)
	require.Equal(t, WebhookAlreadyDone, r3.Outcome)
	require.Equal(t, models.WebhookProcessed, r3.FinalStatus)
}
