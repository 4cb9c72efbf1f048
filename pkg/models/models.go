// Package models defines the persisted shapes shared by the store, the
// billing state machine, the scheduler, and the HTTP surface.
package models

import "time"

// OrderStatus is one node in the order state machine.
type OrderStatus string

const (
	OrderPendingPayment    OrderStatus = "pending_payment"
	OrderPaid              OrderStatus = "paid"
	OrderDeploymentCreated OrderStatus = "deployment_created"
	OrderExpired           OrderStatus = "expired"
	OrderFailed            OrderStatus = "failed"
	OrderCanceled          OrderStatus = "canceled"
)

// Order is a payment attempt bound to a plan and an encrypted deployment intent.
type Order struct {
	ID                 string
	Provider            string
	Status              OrderStatus
	PlanID              string
	AmountMinor         int64
	Currency            string
	EncryptedIntent     string
	Metadata            map[string]any
	CheckoutSessionID   *string
	CheckoutURL         *string
	PaymentIntentID     *string
	CustomerID          *string
	CustomerEmail       *string
	DeploymentID        *string
	ErrorMessage        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	PaidAt              *time.Time
	CompletedAt         *time.Time
}

// OrderEventType tags an OrderEvent.
type OrderEventType string

const (
	OrderEventCreated           OrderEventType = "created"
	OrderEventPaid              OrderEventType = "paid"
	OrderEventPendingAsync      OrderEventType = "pending_async"
	OrderEventExpired           OrderEventType = "expired"
	OrderEventFailed            OrderEventType = "failed"
	OrderEventDeploymentCreated OrderEventType = "deployment_created"
	OrderEventProvisionRequested OrderEventType = "provision_requested"
)

// OrderEvent is an append-only audit entry for an Order.
type OrderEvent struct {
	ID        int64
	OrderID   string
	Type      OrderEventType
	Message   string
	Payload   map[string]any
	CreatedAt time.Time
}

// DeploymentStatus is one node in the deployment lifecycle.
type DeploymentStatus string

const (
	DeploymentPending     DeploymentStatus = "pending"
	DeploymentProvisioning DeploymentStatus = "provisioning"
	DeploymentRunning      DeploymentStatus = "running"
	DeploymentFailed       DeploymentStatus = "failed"
	DeploymentCanceled     DeploymentStatus = "canceled"
)

// ActiveTask names the job a leased deployment is currently running.
type ActiveTask string

const (
	TaskNone      ActiveTask = ""
	TaskProvision ActiveTask = "provision"
	TaskDestroy   ActiveTask = "destroy"
)

// Deployment is a single-tenant provisioning lifecycle record.
type Deployment struct {
	ID                 string
	Provider            string
	Name                string
	OwnerUserID         string
	Status              DeploymentStatus
	ActiveTask          ActiveTask
	EncryptedConfig     string
	EncryptedSecrets    string
	Metadata            map[string]any
	BillingRef          *string
	ServerID            *string
	ServerName          *string
	PublicIP            *string
	HostKeyID           *string
	TailnetURL          *string
	EncryptedGatewayToken *string
	CancelRequestedAt   *time.Time
	ErrorMessage        *string
	LeaseOwner          *string
	LeaseExpiresAtMs    *int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
}

// HasProviderHandle reports whether any provider resource handle is attached.
func (d *Deployment) HasProviderHandle() bool {
	return d.ServerID != nil || d.HostKeyID != nil
}

// DeploymentEventType tags a DeploymentEvent.
type DeploymentEventType string

const (
	DepEventQueued             DeploymentEventType = "queued"
	DepEventLeased             DeploymentEventType = "leased"
	DepEventResourceUpdated    DeploymentEventType = "resource_updated"
	DepEventRunning            DeploymentEventType = "running"
	DepEventFailed             DeploymentEventType = "failed"
	DepEventCanceledProvision  DeploymentEventType = "canceled_from_provisioning"
	DepEventCanceledDestroy    DeploymentEventType = "canceled_from_destroy"
	DepEventRecoveredDestroy   DeploymentEventType = "recovered.destroy_queued"
	DepEventCancelRequested    DeploymentEventType = "cancel_requested"
	DepEventRetried            DeploymentEventType = "retried"
)

// DeploymentEvent is an append-only audit entry for a Deployment.
type DeploymentEvent struct {
	ID           int64
	DeploymentID string
	Type         DeploymentEventType
	Message      string
	Payload      map[string]any
	CreatedAt    time.Time
}

// WebhookEventStatus is the dedup status of an inbound webhook.
type WebhookEventStatus string

const (
	WebhookProcessing WebhookEventStatus = "processing"
	WebhookProcessed  WebhookEventStatus = "processed"
	WebhookIgnored    WebhookEventStatus = "ignored"
	WebhookFailed     WebhookEventStatus = "failed"
)

// WebhookEvent is a dedup entry for an external webhook delivery.
type WebhookEvent struct {
	EventID     string
	EventType   string
	Status      WebhookEventStatus
	Error       *string
	ReceivedAt  time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// IdempotencyEntry dedups a client-asserted checkout idempotency key.
type IdempotencyEntry struct {
	Key          string
	Fingerprint  string
	Response     []byte // nil while in-progress
	InProgress   bool
	UpdatedAt    time.Time
	CreatedAt    time.Time
}

// DeploymentIntent is the decrypted payload stored in an Order's
// EncryptedIntent field: everything the bridge needs to create a
// Deployment once the order settles. Config holds non-sensitive,
// plan-specific shape (provider options, bootstrap flags); Secrets holds
// values that flow into the Deployment's own EncryptedSecrets blob
// untouched (SSH material, API tokens the bootstrap script needs).
type DeploymentIntent struct {
	Provider string         `json:"provider"`
	Name     string         `json:"name"`
	Config   map[string]any `json:"config"`
	Secrets  map[string]any `json:"secrets"`
}
