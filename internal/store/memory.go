package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crosslogic/deploy-control-plane/pkg/models"
)

// Memory is an in-process Store implementation used by package tests that
// can't reach a real Postgres instance. It reproduces the same predicated,
// source-state-checked semantics as Postgres, serialized behind a single
// mutex rather than row locks.
type Memory struct {
	mu sync.Mutex

	orders       map[string]*models.Order
	orderEvents  map[string][]models.OrderEvent
	orderEventID int64

	deployments      map[string]*models.Deployment
	deploymentEvents map[string][]models.DeploymentEvent
	deployEventID    int64

	idempotency map[string]*models.IdempotencyEntry
	webhooks    map[string]*models.WebhookEvent
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		orders:           make(map[string]*models.Order),
		orderEvents:      make(map[string][]models.OrderEvent),
		deployments:      make(map[string]*models.Deployment),
		deploymentEvents: make(map[string][]models.DeploymentEvent),
		idempotency:      make(map[string]*models.IdempotencyEntry),
		webhooks:         make(map[string]*models.WebhookEvent),
	}
}

func (m *Memory) Health(ctx context.Context) error { return nil }

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	c.Metadata = cloneMap(o.Metadata)
	return &c
}

func cloneDeployment(d *models.Deployment) *models.Deployment {
	c := *d
	c.Metadata = cloneMap(d.Metadata)
	return &c
}

// ---- Orders ----

func (m *Memory) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	created := cloneOrder(o)
	created.Status = models.OrderPendingPayment
	created.CreatedAt, created.UpdatedAt = now, now
	m.orders[created.ID] = created
	return cloneOrder(created), nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) ListOrders(ctx context.Context) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetOrderByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.CheckoutSessionID != nil && *o.CheckoutSessionID == sessionID {
			return cloneOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SetOrderCheckoutSession(ctx context.Context, orderID, sessionID, checkoutURL string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	o.CheckoutSessionID = &sessionID
	o.CheckoutURL = &checkoutURL
	o.UpdatedAt = time.Now()
	return cloneOrder(o), nil
}

func (m *Memory) MarkOrderPaid(ctx context.Context, orderID string, paymentIntentID, customerID, customerEmail *string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status == models.OrderPendingPayment || o.Status == models.OrderFailed {
		o.Status = models.OrderPaid
		if paymentIntentID != nil {
			o.PaymentIntentID = paymentIntentID
		}
		if customerID != nil {
			o.CustomerID = customerID
		}
		if customerEmail != nil {
			o.CustomerEmail = customerEmail
		}
		if o.PaidAt == nil {
			now := time.Now()
			o.PaidAt = &now
		}
		o.ErrorMessage = nil
		o.UpdatedAt = time.Now()
	}
	return cloneOrder(o), nil
}

func (m *Memory) MarkOrderExpiredByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.CheckoutSessionID != nil && *o.CheckoutSessionID == sessionID {
			if o.Status == models.OrderPendingPayment {
				o.Status = models.OrderExpired
				o.UpdatedAt = time.Now()
			}
			return cloneOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) MarkOrderFailed(ctx context.Context, orderID, message string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	switch o.Status {
	case models.OrderPendingPayment, models.OrderPaid, models.OrderFailed:
		o.Status = models.OrderFailed
		o.ErrorMessage = &message
		o.UpdatedAt = time.Now()
	}
	return cloneOrder(o), nil
}

func (m *Memory) MarkOrderDeploymentCreated(ctx context.Context, orderID, deploymentID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status == models.OrderPaid {
		o.Status = models.OrderDeploymentCreated
		o.DeploymentID = &deploymentID
		now := time.Now()
		o.CompletedAt = &now
		o.UpdatedAt = now
	}
	return cloneOrder(o), nil
}

func (m *Memory) AppendOrderEvent(ctx context.Context, orderID string, typ models.OrderEventType, message string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderEventID++
	m.orderEvents[orderID] = append(m.orderEvents[orderID], models.OrderEvent{
		ID: m.orderEventID, OrderID: orderID, Type: typ, Message: message,
		Payload: cloneMap(payload), CreatedAt: time.Now(),
	})
	return nil
}

func (m *Memory) ListOrderEvents(ctx context.Context, orderID string) ([]models.OrderEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.OrderEvent(nil), m.orderEvents[orderID]...)
	return out, nil
}

// ---- Deployments ----

func (m *Memory) CreateDeployment(ctx context.Context, d *models.Deployment) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.BillingRef != nil {
		for _, existing := range m.deployments {
			if existing.BillingRef != nil && *existing.BillingRef == *d.BillingRef {
				return nil, ErrBillingRefConflict
			}
		}
	}
	now := time.Now()
	created := cloneDeployment(d)
	created.Status = models.DeploymentPending
	created.ActiveTask = models.TaskNone
	created.CreatedAt, created.UpdatedAt = now, now
	m.deployments[created.ID] = created
	return cloneDeployment(created), nil
}

func (m *Memory) GetDeployment(ctx context.Context, ownerUserID, id string) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || d.OwnerUserID != ownerUserID {
		return nil, ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (m *Memory) GetDeploymentAny(ctx context.Context, id string) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (m *Memory) GetDeploymentByBillingRef(ctx context.Context, orderID string) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.BillingRef != nil && *d.BillingRef == orderID {
			return cloneDeployment(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListDeployments(ctx context.Context, ownerUserID string) ([]models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Deployment
	for _, d := range m.deployments {
		if d.OwnerUserID == ownerUserID {
			out = append(out, *cloneDeployment(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListAllDeployments(ctx context.Context) ([]models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Deployment, 0, len(m.deployments))
	for _, d := range m.deployments {
		out = append(out, *cloneDeployment(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RecoverStaleLeases(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowMs()
	n := 0
	for _, d := range m.deployments {
		if d.Status != models.DeploymentProvisioning || d.ActiveTask != models.TaskProvision {
			continue
		}
		if d.LeaseExpiresAtMs == nil || *d.LeaseExpiresAtMs >= now {
			continue
		}
		d.LeaseOwner, d.LeaseExpiresAtMs = nil, nil
		d.UpdatedAt = time.Now()
		if d.HasProviderHandle() || d.CancelRequestedAt != nil {
			d.ActiveTask = models.TaskDestroy
		} else {
			d.Status = models.DeploymentFailed
			d.ActiveTask = models.TaskNone
			msg := "lease expired before resources attached"
			d.ErrorMessage = &msg
		}
		n++
	}
	return n, nil
}

func (m *Memory) LeaseDestroyJob(ctx context.Context, workerID string, leaseMs int64) (*models.Deployment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowMs()
	var best *models.Deployment
	for _, d := range m.deployments {
		eligible := (d.Status == models.DeploymentRunning && d.CancelRequestedAt != nil) ||
			(d.Status == models.DeploymentProvisioning && d.ActiveTask == models.TaskDestroy)
		if !eligible {
			continue
		}
		if d.LeaseOwner != nil && d.LeaseExpiresAtMs != nil && *d.LeaseExpiresAtMs >= now {
			continue
		}
		if best == nil || d.UpdatedAt.Before(best.UpdatedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, false, nil
	}
	best.Status = models.DeploymentProvisioning
	best.ActiveTask = models.TaskDestroy
	best.LeaseOwner = &workerID
	expires := now + leaseMs
	best.LeaseExpiresAtMs = &expires
	if best.StartedAt == nil {
		n := time.Now()
		best.StartedAt = &n
	}
	best.UpdatedAt = time.Now()
	return cloneDeployment(best), true, nil
}

func (m *Memory) LeaseProvisionJob(ctx context.Context, workerID string, leaseMs int64) (*models.Deployment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := nowMs()
	var best *models.Deployment
	for _, d := range m.deployments {
		if d.Status != models.DeploymentPending {
			continue
		}
		if d.LeaseOwner != nil && d.LeaseExpiresAtMs != nil && *d.LeaseExpiresAtMs >= now {
			continue
		}
		if best == nil || d.CreatedAt.Before(best.CreatedAt) {
			best = d
		}
	}
	if best == nil {
		return nil, false, nil
	}
	best.Status = models.DeploymentProvisioning
	best.ActiveTask = models.TaskProvision
	best.LeaseOwner = &workerID
	expires := now + leaseMs
	best.LeaseExpiresAtMs = &expires
	if best.StartedAt == nil {
		n := time.Now()
		best.StartedAt = &n
	}
	best.UpdatedAt = time.Now()
	return cloneDeployment(best), true, nil
}

func (m *Memory) leaseOwned(id, workerID string) (*models.Deployment, bool) {
	d, ok := m.deployments[id]
	if !ok || d.Status != models.DeploymentProvisioning || d.LeaseOwner == nil || *d.LeaseOwner != workerID {
		return nil, false
	}
	return d, true
}

func (m *Memory) RenewLease(ctx context.Context, id, workerID string, leaseMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.leaseOwned(id, workerID)
	if !ok {
		return ErrLeaseLost
	}
	expires := nowMs() + leaseMs
	d.LeaseExpiresAtMs = &expires
	d.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) UpdateResourceState(ctx context.Context, id, workerID string, rs ResourceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.leaseOwned(id, workerID)
	if !ok {
		return ErrLeaseLost
	}
	apply := func(cur **string, clear bool, val *string) {
		if clear {
			*cur = nil
		} else if val != nil {
			*cur = val
		}
	}
	apply(&d.ServerID, rs.ClearServerID, rs.ServerID)
	apply(&d.ServerName, rs.ClearServerName, rs.ServerName)
	apply(&d.PublicIP, rs.ClearPublicIP, rs.PublicIP)
	apply(&d.HostKeyID, rs.ClearHostKeyID, rs.HostKeyID)
	apply(&d.TailnetURL, rs.ClearTailnetURL, rs.TailnetURL)
	d.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) MarkRunning(ctx context.Context, id, workerID, tailnetURL, encryptedGatewayToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.leaseOwned(id, workerID)
	if !ok {
		return ErrLeaseLost
	}
	d.Status = models.DeploymentRunning
	d.ActiveTask = models.TaskNone
	d.LeaseOwner, d.LeaseExpiresAtMs = nil, nil
	if tailnetURL != "" {
		d.TailnetURL = &tailnetURL
	}
	d.EncryptedGatewayToken = &encryptedGatewayToken
	now := time.Now()
	d.CompletedAt = &now
	d.UpdatedAt = now
	return nil
}

func (m *Memory) MarkCanceledFromProvisioning(ctx context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.leaseOwned(id, workerID)
	if !ok {
		return ErrLeaseLost
	}
	d.Status = models.DeploymentCanceled
	d.ActiveTask = models.TaskNone
	d.LeaseOwner, d.LeaseExpiresAtMs = nil, nil
	now := time.Now()
	d.CompletedAt = &now
	d.UpdatedAt = now
	return nil
}

func (m *Memory) MarkCanceledFromDestroy(ctx context.Context, id, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.leaseOwned(id, workerID)
	if !ok || d.ActiveTask != models.TaskDestroy {
		return ErrLeaseLost
	}
	d.Status = models.DeploymentCanceled
	d.ActiveTask = models.TaskNone
	d.LeaseOwner, d.LeaseExpiresAtMs = nil, nil
	now := time.Now()
	d.CompletedAt = &now
	d.UpdatedAt = now
	return nil
}

func (m *Memory) MarkDeploymentFailed(ctx context.Context, id, workerID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.leaseOwned(id, workerID)
	if !ok {
		return ErrLeaseLost
	}
	d.Status = models.DeploymentFailed
	d.ActiveTask = models.TaskNone
	d.LeaseOwner, d.LeaseExpiresAtMs = nil, nil
	d.ErrorMessage = &message
	now := time.Now()
	d.CompletedAt = &now
	d.UpdatedAt = now
	return nil
}

func (m *Memory) RequestCancel(ctx context.Context, ownerUserID, id string) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || d.OwnerUserID != ownerUserID {
		return nil, ErrNotFound
	}
	switch {
	case d.Status == models.DeploymentPending:
		d.Status = models.DeploymentCanceled
		now := time.Now()
		d.CompletedAt = &now
		d.UpdatedAt = now
	case (d.Status == models.DeploymentProvisioning || d.Status == models.DeploymentRunning) && d.CancelRequestedAt == nil:
		now := time.Now()
		d.CancelRequestedAt = &now
		d.UpdatedAt = now
	}
	return cloneDeployment(d), nil
}

func (m *Memory) RetryDeployment(ctx context.Context, ownerUserID, id string) (*models.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok || d.OwnerUserID != ownerUserID {
		return nil, ErrNotFound
	}
	if !((d.Status == models.DeploymentFailed || d.Status == models.DeploymentCanceled) && !d.HasProviderHandle()) {
		return nil, ErrIneligibleState
	}
	d.Status = models.DeploymentPending
	d.ActiveTask = models.TaskNone
	d.LeaseOwner, d.LeaseExpiresAtMs = nil, nil
	d.CancelRequestedAt = nil
	d.TailnetURL = nil
	d.EncryptedGatewayToken = nil
	d.StartedAt, d.CompletedAt = nil, nil
	d.ErrorMessage = nil
	d.UpdatedAt = time.Now()
	return cloneDeployment(d), nil
}

func (m *Memory) AppendDeploymentEvent(ctx context.Context, deploymentID string, typ models.DeploymentEventType, message string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployEventID++
	m.deploymentEvents[deploymentID] = append(m.deploymentEvents[deploymentID], models.DeploymentEvent{
		ID: m.deployEventID, DeploymentID: deploymentID, Type: typ, Message: message,
		Payload: cloneMap(payload), CreatedAt: time.Now(),
	})
	return nil
}

func (m *Memory) ListDeploymentEvents(ctx context.Context, deploymentID string) ([]models.DeploymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := append([]models.DeploymentEvent(nil), m.deploymentEvents[deploymentID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].ID > events[j].ID })
	return events, nil
}

// ---- Idempotency & dedup ----

func (m *Memory) BeginCheckoutIdempotency(ctx context.Context, key, fingerprint string, staleMs int64) (CheckoutIdempotencyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if staleMs < 30000 {
		staleMs = 30000
	}
	entry, ok := m.idempotency[key]
	if !ok {
		m.idempotency[key] = &models.IdempotencyEntry{
			Key: key, Fingerprint: fingerprint, InProgress: true,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
		return CheckoutIdempotencyResult{Outcome: IdemAcquired}, nil
	}
	if entry.Fingerprint != fingerprint {
		return CheckoutIdempotencyResult{Outcome: IdemConflict}, nil
	}
	if !entry.InProgress {
		return CheckoutIdempotencyResult{Outcome: IdemCompleted, StoredResponse: entry.Response}, nil
	}
	age := time.Since(entry.UpdatedAt)
	if age < time.Duration(staleMs)*time.Millisecond {
		retryAfter := int((time.Duration(staleMs)*time.Millisecond - age).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return CheckoutIdempotencyResult{Outcome: IdemInProgress, RetryAfterSeconds: retryAfter}, nil
	}
	entry.UpdatedAt = time.Now()
	return CheckoutIdempotencyResult{Outcome: IdemAcquired}, nil
}

func (m *Memory) FinalizeCheckoutIdempotency(ctx context.Context, key, fingerprint string, response []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.idempotency[key]
	if !ok || entry.Fingerprint != fingerprint {
		return nil
	}
	entry.Response = response
	entry.InProgress = false
	entry.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ClearCheckoutIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotency, key)
	return nil
}

func (m *Memory) BeginStripeWebhookEvent(ctx context.Context, eventID, eventType string, processingTimeoutMs int64) (WebhookDedupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.webhooks[eventID]
	if !ok {
		m.webhooks[eventID] = &models.WebhookEvent{
			EventID: eventID, EventType: eventType, Status: models.WebhookProcessing,
			ReceivedAt: time.Now(), UpdatedAt: time.Now(),
		}
		return WebhookDedupResult{Outcome: WebhookShouldProcess}, nil
	}
	switch existing.Status {
	case models.WebhookProcessed, models.WebhookIgnored:
		return WebhookDedupResult{Outcome: WebhookAlreadyDone, FinalStatus: existing.Status}, nil
	case models.WebhookFailed:
		existing.Status = models.WebhookProcessing
		existing.UpdatedAt = time.Now()
		return WebhookDedupResult{Outcome: WebhookShouldProcess}, nil
	default:
		if time.Since(existing.UpdatedAt) < time.Duration(processingTimeoutMs)*time.Millisecond {
			return WebhookDedupResult{Outcome: WebhookAnotherInFlight}, nil
		}
		existing.UpdatedAt = time.Now()
		return WebhookDedupResult{Outcome: WebhookShouldProcess}, nil
	}
}

func (m *Memory) CompleteStripeWebhookEvent(ctx context.Context, eventID string, status models.WebhookEventStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.webhooks[eventID]
	if !ok {
		return nil
	}
	existing.Status = status
	existing.Error = errMsg
	existing.UpdatedAt = time.Now()
	if status == models.WebhookProcessed || status == models.WebhookIgnored {
		now := time.Now()
		existing.ProcessedAt = &now
	}
	return nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
