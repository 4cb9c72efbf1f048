package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/deploy-control-plane/pkg/database"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the Postgres SQLSTATE for a unique constraint violation.
const pgUniqueViolation = "23505"

// Postgres is the pgx-backed Store implementation. Transaction idiom
// (Begin / deferred Rollback / explicit Commit, RETURNING clauses,
// ON CONFLICT DO NOTHING/DO UPDATE) is grounded on the reference billing
// webhook handler's style.
type Postgres struct {
	db *database.Database
}

// NewPostgres wraps an already-connected database pool.
func NewPostgres(db *database.Database) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Health(ctx context.Context) error { return p.db.Health(ctx) }

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}

func unmarshalJSON(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// ---- Orders ----

const orderColumns = `id, provider, status, plan_id, amount_minor, currency, encrypted_intent, metadata,
	checkout_session_id, checkout_url, payment_intent_id, customer_id, customer_email, deployment_id,
	error_message, created_at, updated_at, paid_at, completed_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var metadata []byte
	if err := row.Scan(
		&o.ID, &o.Provider, &o.Status, &o.PlanID, &o.AmountMinor, &o.Currency, &o.EncryptedIntent, &metadata,
		&o.CheckoutSessionID, &o.CheckoutURL, &o.PaymentIntentID, &o.CustomerID, &o.CustomerEmail, &o.DeploymentID,
		&o.ErrorMessage, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.CompletedAt,
	); err != nil {
		return nil, err
	}
	o.Metadata = unmarshalJSON(metadata)
	return &o, nil
}

func (p *Postgres) CreateOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	metadata, err := marshalJSON(o.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: marshal order metadata: %w", err)
	}
	row := p.db.Pool.QueryRow(ctx, `
		INSERT INTO orders (id, provider, status, plan_id, amount_minor, currency, encrypted_intent, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+orderColumns,
		o.ID, o.Provider, models.OrderPendingPayment, o.PlanID, o.AmountMinor, o.Currency, o.EncryptedIntent, metadata,
	)
	created, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("store: create order: %w", err)
	}
	return created, nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get order: %w", err)
	}
	return o, nil
}

func (p *Postgres) ListOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := p.db.Pool.Query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list orders: %w", err)
	}
	defer rows.Close()
	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *Postgres) GetOrderByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error) {
	row := p.db.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE checkout_session_id = $1`, sessionID)
	o, err := scanOrder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get order by checkout session: %w", err)
	}
	return o, nil
}

func (p *Postgres) SetOrderCheckoutSession(ctx context.Context, orderID, sessionID, checkoutURL string) (*models.Order, error) {
	row := p.db.Pool.QueryRow(ctx, `
		UPDATE orders SET checkout_session_id = $2, checkout_url = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+orderColumns, orderID, sessionID, checkoutURL)
	o, err := scanOrder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return p.GetOrder(ctx, orderID)
		}
		return nil, fmt.Errorf("store: set checkout session: %w", err)
	}
	return o, nil
}

// MarkOrderPaid applies COALESCE semantics to the settlement fields and
// clears error_message only when the predecessor state permits the
// pending_payment/failed -> paid transition.
func (p *Postgres) MarkOrderPaid(ctx context.Context, orderID string, paymentIntentID, customerID, customerEmail *string) (*models.Order, error) {
	row := p.db.Pool.QueryRow(ctx, `
		UPDATE orders SET
			status = 'paid',
			payment_intent_id = COALESCE($2, payment_intent_id),
			customer_id = COALESCE($3, customer_id),
			customer_email = COALESCE($4, customer_email),
			paid_at = COALESCE(paid_at, now()),
			error_message = NULL,
			updated_at = now()
		WHERE id = $1 AND status IN ('pending_payment','failed')
		RETURNING `+orderColumns, orderID, paymentIntentID, customerID, customerEmail)
	o, err := scanOrder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return p.GetOrder(ctx, orderID)
		}
		return nil, fmt.Errorf("store: mark order paid: %w", err)
	}
	return o, nil
}

func (p *Postgres) MarkOrderExpiredByCheckoutSession(ctx context.Context, sessionID string) (*models.Order, error) {
	row := p.db.Pool.QueryRow(ctx, `
		UPDATE orders SET status = 'expired', updated_at = now()
		WHERE checkout_session_id = $1 AND status = 'pending_payment'
		RETURNING `+orderColumns, sessionID)
	o, err := scanOrder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return p.GetOrderByCheckoutSession(ctx, sessionID)
		}
		return nil, fmt.Errorf("store: mark order expired: %w", err)
	}
	return o, nil
}

// MarkOrderFailed refuses to downgrade a terminal order (deployment_created,
// expired, canceled are all terminal and left untouched).
func (p *Postgres) MarkOrderFailed(ctx context.Context, orderID, message string) (*models.Order, error) {
	row := p.db.Pool.QueryRow(ctx, `
		UPDATE orders SET status = 'failed', error_message = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending_payment','paid','failed')
		RETURNING `+orderColumns, orderID, message)
	o, err := scanOrder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return p.GetOrder(ctx, orderID)
		}
		return nil, fmt.Errorf("store: mark order failed: %w", err)
	}
	return o, nil
}

func (p *Postgres) MarkOrderDeploymentCreated(ctx context.Context, orderID, deploymentID string) (*models.Order, error) {
	row := p.db.Pool.QueryRow(ctx, `
		UPDATE orders SET status = 'deployment_created', deployment_id = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'paid'
		RETURNING `+orderColumns, orderID, deploymentID)
	o, err := scanOrder(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return p.GetOrder(ctx, orderID)
		}
		return nil, fmt.Errorf("store: mark order deployment created: %w", err)
	}
	return o, nil
}

func (p *Postgres) AppendOrderEvent(ctx context.Context, orderID string, typ models.OrderEventType, message string, payload map[string]any) error {
	raw, err := marshalJSON(payload)
	if err != nil {
		return fmt.Errorf("store: marshal order event payload: %w", err)
	}
	_, err = p.db.Pool.Exec(ctx, `
		INSERT INTO order_events (order_id, type, message, payload) VALUES ($1,$2,$3,$4)`,
		orderID, typ, message, raw)
	if err != nil {
		return fmt.Errorf("store: append order event: %w", err)
	}
	return nil
}

func (p *Postgres) ListOrderEvents(ctx context.Context, orderID string) ([]models.OrderEvent, error) {
	rows, err := p.db.Pool.Query(ctx, `
		SELECT id, order_id, type, message, payload, created_at FROM order_events
		WHERE order_id = $1 ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("store: list order events: %w", err)
	}
	defer rows.Close()
	var out []models.OrderEvent
	for rows.Next() {
		var e models.OrderEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan order event: %w", err)
		}
		e.Payload = unmarshalJSON(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- Deployments ----

const deploymentColumns = `id, provider, name, owner_user_id, status, active_task, encrypted_config,
	encrypted_secrets, metadata, billing_ref, server_id, server_name, public_ip, host_key_id, tailnet_url,
	encrypted_gateway_token, cancel_requested_at, error_message, lease_owner, lease_expires_at_ms,
	created_at, updated_at, started_at, completed_at`

func scanDeployment(row pgx.Row) (*models.Deployment, error) {
	var d models.Deployment
	var metadata []byte
	if err := row.Scan(
		&d.ID, &d.Provider, &d.Name, &d.OwnerUserID, &d.Status, &d.ActiveTask, &d.EncryptedConfig,
		&d.EncryptedSecrets, &metadata, &d.BillingRef, &d.ServerID, &d.ServerName, &d.PublicIP, &d.HostKeyID,
		&d.TailnetURL, &d.EncryptedGatewayToken, &d.CancelRequestedAt, &d.ErrorMessage, &d.LeaseOwner,
		&d.LeaseExpiresAtMs, &d.CreatedAt, &d.UpdatedAt, &d.StartedAt, &d.CompletedAt,
	); err != nil {
		return nil, err
	}
	d.Metadata = unmarshalJSON(metadata)
	return &d, nil
}

func (p *Postgres) CreateDeployment(ctx context.Context, d *models.Deployment) (*models.Deployment, error) {
	metadata, err := marshalJSON(d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: marshal deployment metadata: %w", err)
	}
	row := p.db.Pool.QueryRow(ctx, `
		INSERT INTO deployments (id, provider, name, owner_user_id, status, active_task, encrypted_config,
			encrypted_secrets, metadata, billing_ref)
		VALUES ($1,$2,$3,$4,'pending','',$5,$6,$7,$8)
		RETURNING `+deploymentColumns,
		d.ID, d.Provider, d.Name, d.OwnerUserID, d.EncryptedConfig, d.EncryptedSecrets, metadata, d.BillingRef,
	)
	created, err := scanDeployment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrBillingRefConflict
		}
		return nil, fmt.Errorf("store: create deployment: %w", err)
	}
	return created, nil
}

func (p *Postgres) GetDeployment(ctx context.Context, ownerUserID, id string) (*models.Deployment, error) {
	row := p.db.Pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1 AND owner_user_id = $2`, id, ownerUserID)
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get deployment: %w", err)
	}
	return d, nil
}

func (p *Postgres) GetDeploymentAny(ctx context.Context, id string) (*models.Deployment, error) {
	row := p.db.Pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id)
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get deployment any: %w", err)
	}
	return d, nil
}

func (p *Postgres) GetDeploymentByBillingRef(ctx context.Context, orderID string) (*models.Deployment, error) {
	row := p.db.Pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE billing_ref = $1`, orderID)
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get deployment by billing ref: %w", err)
	}
	return d, nil
}

func (p *Postgres) ListDeployments(ctx context.Context, ownerUserID string) ([]models.Deployment, error) {
	rows, err := p.db.Pool.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE owner_user_id = $1 ORDER BY created_at DESC`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("store: list deployments: %w", err)
	}
	defer rows.Close()
	return scanDeploymentRows(rows)
}

func (p *Postgres) ListAllDeployments(ctx context.Context) ([]models.Deployment, error) {
	rows, err := p.db.Pool.Query(ctx, `SELECT `+deploymentColumns+` FROM deployments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list all deployments: %w", err)
	}
	defer rows.Close()
	return scanDeploymentRows(rows)
}

func scanDeploymentRows(rows pgx.Rows) ([]models.Deployment, error) {
	var out []models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan deployment: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// RecoverStaleLeases implements tick step 1: every provisioning
// deployment whose lease expired is either redirected to a destroy job (if
// it holds a resource handle or a cancel was requested) or failed outright.
func (p *Postgres) RecoverStaleLeases(ctx context.Context) (int, error) {
	now := nowMs()
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin stale lease recovery: %w", err)
	}
	defer tx.Rollback(ctx)

	toDestroy, err := tx.Exec(ctx, `
		UPDATE deployments SET active_task = 'destroy', lease_owner = NULL, lease_expires_at_ms = NULL, updated_at = now()
		WHERE status = 'provisioning' AND active_task = 'provision' AND lease_expires_at_ms < $1
			AND (server_id IS NOT NULL OR host_key_id IS NOT NULL OR cancel_requested_at IS NOT NULL)`, now)
	if err != nil {
		return 0, fmt.Errorf("store: redirect stale leases to destroy: %w", err)
	}

	failed, err := tx.Exec(ctx, `
		UPDATE deployments SET status = 'failed', active_task = '', lease_owner = NULL, lease_expires_at_ms = NULL,
			error_message = 'lease expired before resources attached', updated_at = now()
		WHERE status = 'provisioning' AND active_task = 'provision' AND lease_expires_at_ms < $1
			AND server_id IS NULL AND host_key_id IS NULL AND cancel_requested_at IS NULL`, now)
	if err != nil {
		return 0, fmt.Errorf("store: fail stale leases: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit stale lease recovery: %w", err)
	}
	return int(toDestroy.RowsAffected() + failed.RowsAffected()), nil
}

// LeaseDestroyJob performs tick step 2: atomically claims the oldest
// eligible destroy-bound row.
func (p *Postgres) LeaseDestroyJob(ctx context.Context, workerID string, leaseMs int64) (*models.Deployment, bool, error) {
	expires := nowMs() + leaseMs
	row := p.db.Pool.QueryRow(ctx, `
		UPDATE deployments SET status = 'provisioning', active_task = 'destroy', lease_owner = $1,
			lease_expires_at_ms = $2, started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = (
			SELECT id FROM deployments
			WHERE ((status = 'running' AND cancel_requested_at IS NOT NULL)
				OR (status = 'provisioning' AND active_task = 'destroy'))
				AND (lease_owner IS NULL OR lease_expires_at_ms < $3)
			ORDER BY COALESCE(cancel_requested_at, updated_at) ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deploymentColumns, workerID, expires, nowMs())
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: lease destroy job: %w", err)
	}
	return d, true, nil
}

// LeaseProvisionJob performs tick step 3: leases the oldest pending row.
func (p *Postgres) LeaseProvisionJob(ctx context.Context, workerID string, leaseMs int64) (*models.Deployment, bool, error) {
	expires := nowMs() + leaseMs
	row := p.db.Pool.QueryRow(ctx, `
		UPDATE deployments SET status = 'provisioning', active_task = 'provision', lease_owner = $1,
			lease_expires_at_ms = $2, started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = (
			SELECT id FROM deployments
			WHERE status = 'pending' AND (lease_owner IS NULL OR lease_expires_at_ms < $3)
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deploymentColumns, workerID, expires, nowMs())
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: lease provision job: %w", err)
	}
	return d, true, nil
}

// RenewLease is the heartbeat fencing primitive: it only succeeds while the
// caller is still the recognized lease owner in 'provisioning' status.
func (p *Postgres) RenewLease(ctx context.Context, id, workerID string, leaseMs int64) error {
	expires := nowMs() + leaseMs
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE deployments SET lease_expires_at_ms = $3, updated_at = now()
		WHERE id = $1 AND status = 'provisioning' AND lease_owner = $2`, id, workerID, expires)
	if err != nil {
		return fmt.Errorf("store: renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// UpdateResourceState persists provider resource handles, fenced by
// (status='provisioning', lease_owner=workerID) so a recovered lease cannot
// race the original worker.
func (p *Postgres) UpdateResourceState(ctx context.Context, id, workerID string, rs ResourceState) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE deployments SET
			server_id = CASE WHEN $3 THEN NULL WHEN $4::text IS NOT NULL THEN $4 ELSE server_id END,
			server_name = CASE WHEN $5 THEN NULL WHEN $6::text IS NOT NULL THEN $6 ELSE server_name END,
			public_ip = CASE WHEN $7 THEN NULL WHEN $8::text IS NOT NULL THEN $8 ELSE public_ip END,
			host_key_id = CASE WHEN $9 THEN NULL WHEN $10::text IS NOT NULL THEN $10 ELSE host_key_id END,
			tailnet_url = CASE WHEN $11 THEN NULL WHEN $12::text IS NOT NULL THEN $12 ELSE tailnet_url END,
			updated_at = now()
		WHERE id = $1 AND status = 'provisioning' AND lease_owner = $2`,
		id, workerID,
		rs.ClearServerID, rs.ServerID,
		rs.ClearServerName, rs.ServerName,
		rs.ClearPublicIP, rs.PublicIP,
		rs.ClearHostKeyID, rs.HostKeyID,
		rs.ClearTailnetURL, rs.TailnetURL,
	)
	if err != nil {
		return fmt.Errorf("store: update resource state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (p *Postgres) MarkRunning(ctx context.Context, id, workerID, tailnetURL, encryptedGatewayToken string) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE deployments SET status = 'running', active_task = '', lease_owner = NULL, lease_expires_at_ms = NULL,
			tailnet_url = NULLIF($3, ''), encrypted_gateway_token = $4, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'provisioning' AND lease_owner = $2`,
		id, workerID, tailnetURL, encryptedGatewayToken)
	if err != nil {
		return fmt.Errorf("store: mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (p *Postgres) MarkCanceledFromProvisioning(ctx context.Context, id, workerID string) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE deployments SET status = 'canceled', active_task = '', lease_owner = NULL, lease_expires_at_ms = NULL,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'provisioning' AND lease_owner = $2`, id, workerID)
	if err != nil {
		return fmt.Errorf("store: mark canceled from provisioning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (p *Postgres) MarkCanceledFromDestroy(ctx context.Context, id, workerID string) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE deployments SET status = 'canceled', active_task = '', lease_owner = NULL, lease_expires_at_ms = NULL,
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'provisioning' AND active_task = 'destroy' AND lease_owner = $2`, id, workerID)
	if err != nil {
		return fmt.Errorf("store: mark canceled from destroy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (p *Postgres) MarkDeploymentFailed(ctx context.Context, id, workerID, message string) error {
	tag, err := p.db.Pool.Exec(ctx, `
		UPDATE deployments SET status = 'failed', active_task = '', lease_owner = NULL, lease_expires_at_ms = NULL,
			error_message = $3, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'provisioning' AND lease_owner = $2`, id, workerID, truncate(message, 2000))
	if err != nil {
		return fmt.Errorf("store: mark deployment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RequestCancel is owner-scoped with three outcomes: pending
// deployments cancel immediately; provisioning/running deployments get a
// cancel flag the scheduler observes; terminal deployments are a no-op.
func (p *Postgres) RequestCancel(ctx context.Context, ownerUserID, id string) (*models.Deployment, error) {
	row := p.db.Pool.QueryRow(ctx, `
		UPDATE deployments SET status = 'canceled', completed_at = now(), updated_at = now()
		WHERE id = $1 AND owner_user_id = $2 AND status = 'pending'
		RETURNING `+deploymentColumns, id, ownerUserID)
	if d, err := scanDeployment(row); err == nil {
		return d, nil
	} else if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("store: request cancel (pending): %w", err)
	}

	row = p.db.Pool.QueryRow(ctx, `
		UPDATE deployments SET cancel_requested_at = now(), updated_at = now()
		WHERE id = $1 AND owner_user_id = $2 AND status IN ('provisioning','running') AND cancel_requested_at IS NULL
		RETURNING `+deploymentColumns, id, ownerUserID)
	if d, err := scanDeployment(row); err == nil {
		return d, nil
	} else if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("store: request cancel (in flight): %w", err)
	}

	return p.GetDeployment(ctx, ownerUserID, id)
}

// RetryDeployment accepts only failed/canceled deployments with no
// remaining provider handles, resetting them to pending.
func (p *Postgres) RetryDeployment(ctx context.Context, ownerUserID, id string) (*models.Deployment, error) {
	row := p.db.Pool.QueryRow(ctx, `
		UPDATE deployments SET status = 'pending', active_task = '', lease_owner = NULL, lease_expires_at_ms = NULL,
			cancel_requested_at = NULL, tailnet_url = NULL, encrypted_gateway_token = NULL,
			started_at = NULL, completed_at = NULL, error_message = NULL, updated_at = now()
		WHERE id = $1 AND owner_user_id = $2 AND status IN ('failed','canceled')
			AND server_id IS NULL AND host_key_id IS NULL
		RETURNING `+deploymentColumns, id, ownerUserID)
	d, err := scanDeployment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, getErr := p.GetDeployment(ctx, ownerUserID, id); getErr != nil {
				return nil, getErr
			}
			return nil, ErrIneligibleState
		}
		return nil, fmt.Errorf("store: retry deployment: %w", err)
	}
	return d, nil
}

func (p *Postgres) AppendDeploymentEvent(ctx context.Context, deploymentID string, typ models.DeploymentEventType, message string, payload map[string]any) error {
	raw, err := marshalJSON(payload)
	if err != nil {
		return fmt.Errorf("store: marshal deployment event payload: %w", err)
	}
	_, err = p.db.Pool.Exec(ctx, `
		INSERT INTO deployment_events (deployment_id, type, message, payload) VALUES ($1,$2,$3,$4)`,
		deploymentID, typ, message, raw)
	if err != nil {
		return fmt.Errorf("store: append deployment event: %w", err)
	}
	return nil
}

func (p *Postgres) ListDeploymentEvents(ctx context.Context, deploymentID string) ([]models.DeploymentEvent, error) {
	rows, err := p.db.Pool.Query(ctx, `
		SELECT id, deployment_id, type, message, payload, created_at FROM deployment_events
		WHERE deployment_id = $1 ORDER BY id DESC`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("store: list deployment events: %w", err)
	}
	defer rows.Close()
	var out []models.DeploymentEvent
	for rows.Next() {
		var e models.DeploymentEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.DeploymentID, &e.Type, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan deployment event: %w", err)
		}
		e.Payload = unmarshalJSON(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- Idempotency & dedup ----

func (p *Postgres) BeginCheckoutIdempotency(ctx context.Context, key, fingerprint string, staleMs int64) (CheckoutIdempotencyResult, error) {
	if staleMs < 30000 {
		staleMs = 30000
	}
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return CheckoutIdempotencyResult{}, fmt.Errorf("store: begin checkout idempotency: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingFingerprint string
	var response []byte
	var inProgress bool
	var updatedAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT fingerprint, response, in_progress, updated_at FROM idempotency_entries WHERE key = $1 FOR UPDATE`, key,
	).Scan(&existingFingerprint, &response, &inProgress, &updatedAt)

	if err == pgx.ErrNoRows {
		_, err = tx.Exec(ctx, `
			INSERT INTO idempotency_entries (key, fingerprint, response, in_progress, updated_at)
			VALUES ($1,$2,NULL,true,now())`, key, fingerprint)
		if err != nil {
			return CheckoutIdempotencyResult{}, fmt.Errorf("store: insert idempotency marker: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return CheckoutIdempotencyResult{}, fmt.Errorf("store: commit idempotency insert: %w", err)
		}
		return CheckoutIdempotencyResult{Outcome: IdemAcquired}, nil
	}
	if err != nil {
		return CheckoutIdempotencyResult{}, fmt.Errorf("store: read idempotency entry: %w", err)
	}

	if existingFingerprint != fingerprint {
		return CheckoutIdempotencyResult{Outcome: IdemConflict}, nil
	}
	if !inProgress {
		return CheckoutIdempotencyResult{Outcome: IdemCompleted, StoredResponse: response}, nil
	}

	age := time.Since(updatedAt)
	if age < time.Duration(staleMs)*time.Millisecond {
		retryAfter := int((time.Duration(staleMs)*time.Millisecond - age).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return CheckoutIdempotencyResult{Outcome: IdemInProgress, RetryAfterSeconds: retryAfter}, nil
	}

	_, err = tx.Exec(ctx, `UPDATE idempotency_entries SET updated_at = now() WHERE key = $1`, key)
	if err != nil {
		return CheckoutIdempotencyResult{}, fmt.Errorf("store: refresh stale idempotency marker: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return CheckoutIdempotencyResult{}, fmt.Errorf("store: commit idempotency refresh: %w", err)
	}
	return CheckoutIdempotencyResult{Outcome: IdemAcquired}, nil
}

func (p *Postgres) FinalizeCheckoutIdempotency(ctx context.Context, key, fingerprint string, response []byte) error {
	_, err := p.db.Pool.Exec(ctx, `
		UPDATE idempotency_entries SET response = $3, in_progress = false, updated_at = now()
		WHERE key = $1 AND fingerprint = $2`, key, fingerprint, response)
	if err != nil {
		return fmt.Errorf("store: finalize idempotency: %w", err)
	}
	return nil
}

func (p *Postgres) ClearCheckoutIdempotency(ctx context.Context, key string) error {
	_, err := p.db.Pool.Exec(ctx, `DELETE FROM idempotency_entries WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("store: clear idempotency: %w", err)
	}
	return nil
}

func (p *Postgres) BeginStripeWebhookEvent(ctx context.Context, eventID, eventType string, processingTimeoutMs int64) (WebhookDedupResult, error) {
	tx, err := p.db.Pool.Begin(ctx)
	if err != nil {
		return WebhookDedupResult{}, fmt.Errorf("store: begin webhook dedup: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.WebhookEventStatus
	var updatedAt time.Time
	err = tx.QueryRow(ctx, `SELECT status, updated_at FROM webhook_events WHERE event_id = $1 FOR UPDATE`, eventID).
		Scan(&status, &updatedAt)

	if err == pgx.ErrNoRows {
		_, err = tx.Exec(ctx, `
			INSERT INTO webhook_events (event_id, event_type, status) VALUES ($1,$2,'processing')`, eventID, eventType)
		if err != nil {
			return WebhookDedupResult{}, fmt.Errorf("store: insert webhook dedup entry: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return WebhookDedupResult{}, fmt.Errorf("store: commit webhook dedup insert: %w", err)
		}
		return WebhookDedupResult{Outcome: WebhookShouldProcess}, nil
	}
	if err != nil {
		return WebhookDedupResult{}, fmt.Errorf("store: read webhook dedup entry: %w", err)
	}

	switch status {
	case models.WebhookProcessed, models.WebhookIgnored:
		return WebhookDedupResult{Outcome: WebhookAlreadyDone, FinalStatus: status}, nil
	case models.WebhookFailed:
		_, err = tx.Exec(ctx, `UPDATE webhook_events SET status = 'processing', updated_at = now() WHERE event_id = $1`, eventID)
		if err != nil {
			return WebhookDedupResult{}, fmt.Errorf("store: retry failed webhook: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return WebhookDedupResult{}, fmt.Errorf("store: commit webhook retry: %w", err)
		}
		return WebhookDedupResult{Outcome: WebhookShouldProcess}, nil
	default: // processing
		if time.Since(updatedAt) < time.Duration(processingTimeoutMs)*time.Millisecond {
			return WebhookDedupResult{Outcome: WebhookAnotherInFlight}, nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE webhook_events SET status = 'processing', error = 'recovered stale lease', updated_at = now()
			WHERE event_id = $1`, eventID)
		if err != nil {
			return WebhookDedupResult{}, fmt.Errorf("store: recover stale webhook lease: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return WebhookDedupResult{}, fmt.Errorf("store: commit stale webhook recovery: %w", err)
		}
		return WebhookDedupResult{Outcome: WebhookShouldProcess}, nil
	}
}

func (p *Postgres) CompleteStripeWebhookEvent(ctx context.Context, eventID string, status models.WebhookEventStatus, errMsg *string) error {
	var processedAtClause string
	if status == models.WebhookProcessed || status == models.WebhookIgnored {
		processedAtClause = "now()"
	} else {
		processedAtClause = "NULL"
	}
	_, err := p.db.Pool.Exec(ctx, `
		UPDATE webhook_events SET status = $2, error = $3, processed_at = `+processedAtClause+`, updated_at = now()
		WHERE event_id = $1`, eventID, status, errMsg)
	if err != nil {
		return fmt.Errorf("store: complete webhook event: %w", err)
	}
	return nil
}
