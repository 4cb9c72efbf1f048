// Package idempotency provides the two deduplication surfaces the gateway
// depends on: checkout-request fingerprinting (so a retried POST with an
// Idempotency-Key reuses the original order instead of creating a second
// one) and Stripe webhook delivery dedup (so a redelivered event is not
// double-applied). Both are Store-backed for correctness, with an optional
// Redis fast path ahead of the Store round trip when a cache is configured.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/deploy-control-plane/pkg/cache"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
)

// Fingerprint produces a stable hash of a JSON-shaped request body. Values
// are round-tripped through encoding/json so map keys land in the
// lexicographic order the encoder already applies to map[string]any before
// a second marshal, giving the same digest for two requests that differ
// only in field order or insignificant whitespace.
func Fingerprint(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency: marshal payload: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", fmt.Errorf("idempotency: normalize payload: %w", err)
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CheckoutGuard wraps the Store's checkout idempotency reservation with an
// optional Redis cache of completed responses, avoiding a Store round trip
// on repeated polling of an already-finished checkout. A cached response is
// served only to a request with the same fingerprint; any other request
// goes to the Store.
type CheckoutGuard struct {
	store      store.Store
	cache      *cache.Cache
	staleAfter time.Duration
}

// NewCheckoutGuard builds a CheckoutGuard. cache may be nil, in which case
// every call goes straight to the Store.
func NewCheckoutGuard(s store.Store, c *cache.Cache, staleAfter time.Duration) *CheckoutGuard {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &CheckoutGuard{store: s, cache: c, staleAfter: staleAfter}
}

func checkoutDoneKey(key string) string { return "idemp:checkout:done:" + key }

// Begin reserves key for the given request payload, fingerprinting the
// payload internally. See store.CheckoutIdempotencyResult for the outcomes.
func (g *CheckoutGuard) Begin(ctx context.Context, key string, payload any) (store.CheckoutIdempotencyResult, string, error) {
	fp, err := Fingerprint(payload)
	if err != nil {
		return store.CheckoutIdempotencyResult{}, "", err
	}
	if g.cache != nil {
		if cached, err := g.cache.Get(ctx, checkoutDoneKey(key)); err == nil && cached != "" {
			if cachedFP, response, ok := strings.Cut(cached, "\n"); ok && cachedFP == fp {
				return store.CheckoutIdempotencyResult{
					Outcome:        store.IdemCompleted,
					StoredResponse: []byte(response),
				}, fp, nil
			}
		}
	}
	result, err := g.store.BeginCheckoutIdempotency(ctx, key, fp, g.staleAfter.Milliseconds())
	return result, fp, err
}

// Finalize records the response for a completed checkout reservation,
// mirroring it into the cache when one is configured.
func (g *CheckoutGuard) Finalize(ctx context.Context, key, fingerprint string, response []byte) error {
	if err := g.store.FinalizeCheckoutIdempotency(ctx, key, fingerprint, response); err != nil {
		return err
	}
	if g.cache != nil {
		_ = g.cache.Set(ctx, checkoutDoneKey(key), fingerprint+"\n"+string(response), webhookProcessedTTL)
	}
	return nil
}

// Release abandons a reservation, e.g. after a downstream failure that
// should allow an immediate retry rather than waiting out the staleness
// window.
func (g *CheckoutGuard) Release(ctx context.Context, key string) error {
	if g.cache != nil {
		_ = g.cache.Delete(ctx, checkoutDoneKey(key))
	}
	return g.store.ClearCheckoutIdempotency(ctx, key)
}

// WebhookGuard deduplicates Stripe webhook delivery. Grounded on the
// reference billing handler's reserveEvent/finalizeEvent: a cache-backed
// lock fast-path ahead of the Store's persisted dedup table, so repeated
// deliveries under heavy retry load mostly short-circuit before reaching
// the database.
type WebhookGuard struct {
	store              store.Store
	cache              *cache.Cache
	processingTimeoutMs int64
}

// NewWebhookGuard builds a WebhookGuard. cache may be nil.
func NewWebhookGuard(s store.Store, c *cache.Cache, processingTimeout time.Duration) *WebhookGuard {
	if processingTimeout <= 0 {
		processingTimeout = webhookProcessingTTL
	}
	return &WebhookGuard{store: s, cache: c, processingTimeoutMs: processingTimeout.Milliseconds()}
}

func webhookLockKey(eventID string) string { return "idemp:webhook:lock:" + eventID }
func webhookDoneKey(eventID string) string { return "idemp:webhook:done:" + eventID }

// Begin attempts to claim eventID for processing.
func (g *WebhookGuard) Begin(ctx context.Context, eventID, eventType string) (store.WebhookDedupResult, error) {
	if g.cache != nil {
		if done, err := g.cache.Get(ctx, webhookDoneKey(eventID)); err == nil && done != "" {
			return store.WebhookDedupResult{
				Outcome:     store.WebhookAlreadyDone,
				FinalStatus: models.WebhookEventStatus(done),
			}, nil
		}
		acquired, err := g.cache.SetNX(ctx, webhookLockKey(eventID), "processing", webhookProcessingTTL)
		if err == nil && !acquired {
			return store.WebhookDedupResult{Outcome: store.WebhookAnotherInFlight}, nil
		}
	}
	return g.store.BeginStripeWebhookEvent(ctx, eventID, eventType, g.processingTimeoutMs)
}

// Complete records the outcome of processing eventID, releasing or
// promoting the cache lock to a completion marker.
func (g *WebhookGuard) Complete(ctx context.Context, eventID string, status models.WebhookEventStatus, errMsg *string) error {
	if err := g.store.CompleteStripeWebhookEvent(ctx, eventID, status, errMsg); err != nil {
		return err
	}
	if g.cache == nil {
		return nil
	}
	_ = g.cache.Delete(ctx, webhookLockKey(eventID))
	if status == models.WebhookProcessed || status == models.WebhookIgnored {
		_ = g.cache.Set(ctx, webhookDoneKey(eventID), string(status), webhookProcessedTTL)
	}
	return nil
}
