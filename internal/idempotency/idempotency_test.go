package idempotency

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/deploy-control-plane/internal/config"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/cache"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*cache.Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port, DB: 0, PoolSize: 4})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to init cache: %v", err)
	}
	return c, func() {
		c.Close()
		mr.Close()
	}
}

func TestFingerprintIgnoresKeyOrder(t *testing.T) {
	a := map[string]any{"plan_id": "plan_a", "amount": 1000}
	b := map[string]any{"amount": 1000, "plan_id": "plan_a"}
	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	require.Equal(t, fa, fb)

	c := map[string]any{"plan_id": "plan_b", "amount": 1000}
	fc, err := Fingerprint(c)
	require.NoError(t, err)
	require.NotEqual(t, fa, fc)
}

func TestCheckoutGuardWithoutCache(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	g := NewCheckoutGuard(s, nil, time.Minute)

	req := map[string]any{"plan_id": "plan_a"}
	r1, fp, err := g.Begin(ctx, "key_1", req)
	require.NoError(t, err)
	require.Equal(t, store.IdemAcquired, r1.Outcome)

	r2, _, err := g.Begin(ctx, "key_1", map[string]any{"plan_id": "plan_b"})
	require.NoError(t, err)
	require.Equal(t, store.IdemConflict, r2.Outcome)

	require.NoError(t, g.Finalize(ctx, "key_1", fp, []byte(`{"order_id":"ord_1"}`)))

	r3, _, err := g.Begin(ctx, "key_1", req)
	require.NoError(t, err)
	require.Equal(t, store.IdemCompleted, r3.Outcome)
	require.JSONEq(t, `{"order_id":"ord_1"}`, string(r3.StoredResponse))
}

func TestCheckoutGuardCachesCompletedResponse(t *testing.T) {
	ctx := context.Background()
	c, cleanup := setupCache(t)
	defer cleanup()
	s := store.NewMemory()
	g := NewCheckoutGuard(s, c, time.Minute)

	req := map[string]any{"plan_id": "plan_a"}
	_, fp, err := g.Begin(ctx, "key_1", req)
	require.NoError(t, err)
	require.NoError(t, g.Finalize(ctx, "key_1", fp, []byte(`{"order_id":"ord_1"}`)))

	// The second Begin with the same payload is served from the cached
	// response; a mismatched payload still conflicts, as it does without a cache.
	r, _, err := g.Begin(ctx, "key_1", req)
	require.NoError(t, err)
	require.Equal(t, store.IdemCompleted, r.Outcome)
	require.Equal(t, `{"order_id":"ord_1"}`, string(r.StoredResponse))

	r, _, err = g.Begin(ctx, "key_1", map[string]any{"plan_id": "ignored"})
	require.NoError(t, err)
	require.Equal(t, store.IdemConflict, r.Outcome)
}

func TestWebhookGuardDedupsConcurrentDelivery(t *testing.T) {
	ctx := context.Background()
	c, cleanup := setupCache(t)
	defer cleanup()
	s := store.NewMemory()
	g := NewWebhookGuard(s, c, 5*time.Minute)

	r1, err := g.Begin(ctx, "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	require.Equal(t, store.WebhookShouldProcess, r1.Outcome)

	r2, err := g.Begin(ctx, "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	require.Equal(t, store.WebhookAnotherInFlight, r2.Outcome)

	require.NoError(t, g.Complete(ctx, "evt_1", models.WebhookProcessed, nil))

	r3, err := g.Begin(ctx, "evt_1", "checkout.session.completed")
	require.NoError(t, err)
	require.Equal(t, store.WebhookAlreadyDone, r3.Outcome)
	require.Equal(t, models.WebhookProcessed, r3.FinalStatus)
}

func TestWebhookGuardWithoutCacheFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	g := NewWebhookGuard(s, nil, 5*time.Minute)

	r1, err := g.Begin(ctx, "evt_2", "payment_intent.succeeded")
	require.NoError(t, err)
	require.Equal(t, store.WebhookShouldProcess, r1.Outcome)

	r2, err := g.Begin(ctx, "evt_2", "payment_intent.succeeded")
	require.NoError(t, err)
	require.Equal(t, store.WebhookAnotherInFlight, r2.Outcome)
}
