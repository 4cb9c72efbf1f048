// Package store defines the persistent, transactional record of orders,
// deployments, their event logs, and the two dedup tables, exposing every
// state transition as an atomic, predicated operation. See pkg/database for
// the concrete Postgres connection pool this is built over.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/deploy-control-plane/pkg/models"
)

// ErrNotFound is returned by owner-scoped lookups that miss.
var ErrNotFound = errors.New("store: not found")

// ErrLeaseLost is returned when a fencing update (renew, resource-state,
// terminal transition) affects zero rows because the lease moved on.
var ErrLeaseLost = errors.New("store: lease lost")

// ErrBillingRefConflict is returned by CreateDeployment when billing_ref is
// set and another deployment already claims it — the losing side of a
// concurrent bridge attempt.
var ErrBillingRefConflict = errors.New("store: billing_ref already claimed")

// ErrIneligibleState is returned by RetryDeployment when the deployment is
// not in status failed/canceled or still holds a provider resource handle —
// the §7 terminal-state conflict, not the scheduler's own idempotent
// no-op-returns-current-row monotonicity (that design only applies to
// worker/webhook-driven transitions, not a direct owner-initiated retry).
var ErrIneligibleState = errors.New("store: deployment not eligible for retry")

// IdempotencyOutcome is the result of attempting to begin a checkout
// idempotency reservation.
type IdempotencyOutcome string

const (
	IdemAcquired   IdempotencyOutcome = "acquired"
	IdemConflict   IdempotencyOutcome = "conflict"
	IdemCompleted  IdempotencyOutcome = "completed"
	IdemInProgress IdempotencyOutcome = "in_progress"
)

// CheckoutIdempotencyResult is returned by BeginCheckoutIdempotency.
type CheckoutIdempotencyResult struct {
	Outcome            IdempotencyOutcome
	StoredResponse     []byte // set when Outcome == IdemCompleted
	RetryAfterSeconds  int    // set when Outcome == IdemInProgress
}

// WebhookDedupOutcome is the result of attempting to begin processing of a
// webhook delivery.
type WebhookDedupOutcome string

const (
	WebhookShouldProcess   WebhookDedupOutcome = "should_process"
	WebhookAlreadyDone     WebhookDedupOutcome = "already_done"
	WebhookAnotherInFlight WebhookDedupOutcome = "in_flight"
)

// WebhookDedupResult is returned by BeginStripeWebhookEvent.
type WebhookDedupResult struct {
	Outcome      WebhookDedupOutcome
	FinalStatus  models.WebhookEventStatus // set when Outcome == WebhookAlreadyDone
}

// ResourceState is a partial update to a Deployment's provider resource
// handles. A nil pointer leaves the corresponding column untouched; to
// explicitly clear a handle, pass a pointer to the zero value's negation —
// callers use the Clear* flags for that instead, since Go has no tri-state
// "absent vs explicit null" for plain pointers once the same type is used
// for both "don't touch" and "set".
type ResourceState struct {
	ServerID     *string
	ClearServerID bool
	ServerName   *string
	ClearServerName bool
	PublicIP     *string
	ClearPublicIP bool
	HostKeyID    *string
	ClearHostKeyID bool
	TailnetURL   *string
	ClearTailnetURL bool
}

// Store is the persistence boundary every other component depends on.
// Every state-mutating method includes its source state(s) in the
// underlying predicate: a call that finds no matching row is not treated
// as an error by the caller-facing business logic (terminal-state
// monotonicity) — it re-reads and returns the current row, except
// where fencing applies (ErrLeaseLost), which IS an error.
type Store interface {
	// Orders
	CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context) ([]models.Order, error)
	GetOrderByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error)
	SetOrderCheckoutSession(ctx context.Context, orderID, sessionID, checkoutURL string) (*models.Order, error)
	MarkOrderPaid(ctx context.Context, orderID string, paymentIntentID, customerID, customerEmail *string) (*models.Order, error)
	MarkOrderExpiredByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error)
	MarkOrderFailed(ctx context.Context, orderID, message string) (*models.Order, error)
	MarkOrderDeploymentCreated(ctx context.Context, orderID, deploymentID string) (*models.Order, error)
	AppendOrderEvent(ctx context.Context, orderID string, typ models.OrderEventType, message string, payload map[string]any) error
	ListOrderEvents(ctx context.Context, orderID string) ([]models.OrderEvent, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *models.Deployment) (*models.Deployment, error)
	GetDeployment(ctx context.Context, ownerUserID, id string) (*models.Deployment, error)
	GetDeploymentAny(ctx context.Context, id string) (*models.Deployment, error)
	GetDeploymentByBillingRef(ctx context.Context, orderID string) (*models.Deployment, error)
	ListDeployments(ctx context.Context, ownerUserID string) ([]models.Deployment, error)
	ListAllDeployments(ctx context.Context) ([]models.Deployment, error)

	RecoverStaleLeases(ctx context.Context) (int, error)
	LeaseDestroyJob(ctx context.Context, workerID string, leaseMs int64) (*models.Deployment, bool, error)
	LeaseProvisionJob(ctx context.Context, workerID string, leaseMs int64) (*models.Deployment, bool, error)
	RenewLease(ctx context.Context, id, workerID string, leaseMs int64) error
	UpdateResourceState(ctx context.Context, id, workerID string, rs ResourceState) error
	MarkRunning(ctx context.Context, id, workerID, tailnetURL, encryptedGatewayToken string) error
	MarkCanceledFromProvisioning(ctx context.Context, id, workerID string) error
	MarkCanceledFromDestroy(ctx context.Context, id, workerID string) error
	MarkDeploymentFailed(ctx context.Context, id, workerID, message string) error

	RequestCancel(ctx context.Context, ownerUserID, id string) (*models.Deployment, error)
	RetryDeployment(ctx context.Context, ownerUserID, id string) (*models.Deployment, error)

	AppendDeploymentEvent(ctx context.Context, deploymentID string, typ models.DeploymentEventType, message string, payload map[string]any) error
	ListDeploymentEvents(ctx context.Context, deploymentID string) ([]models.DeploymentEvent, error)

	// Idempotency & dedup
	BeginCheckoutIdempotency(ctx context.Context, key, fingerprint string, staleMs int64) (CheckoutIdempotencyResult, error)
	FinalizeCheckoutIdempotency(ctx context.Context, key, fingerprint string, response []byte) error
	ClearCheckoutIdempotency(ctx context.Context, key string) error

	BeginStripeWebhookEvent(ctx context.Context, eventID, eventType string, processingTimeoutMs int64) (WebhookDedupResult, error)
	CompleteStripeWebhookEvent(ctx context.Context, eventID string, status models.WebhookEventStatus, errMsg *string) error

	Health(ctx context.Context) error
}

// nowMs returns the current wall clock in epoch milliseconds, the unit
// lease_expires_at is stored in.
func nowMs() int64 { return time.Now().UnixMilli() }
