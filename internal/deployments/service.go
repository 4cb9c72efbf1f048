// Package deployments is the owner-authenticated surface for deployments
// created directly (not via the billing bridge): create, list, get,
// request-cancel, and retry. It mirrors internal/billing.Bridge's
// encrypt-then-CreateDeployment pattern but attributes ownership to the
// authenticated caller instead of a billing-derived default, and carries no
// BillingRef.
package deployments

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/dnsname"
	"github.com/crosslogic/deploy-control-plane/pkg/events"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/google/uuid"
)

// CreateRequest is the validated shape of a direct deployment creation
// request.
type CreateRequest struct {
	Provider string
	Name     string
	Config   map[string]any
	Secrets  map[string]any
	Metadata map[string]any
}

// Service implements the owner-scoped deployment operations the gateway
// exposes under /v1/deployments.
type Service struct {
	store  store.Store
	cipher *cipher.Cipher
	bus    *events.Bus
}

// New builds a Service.
func New(s store.Store, c *cipher.Cipher, bus *events.Bus) *Service {
	return &Service{store: s, cipher: c, bus: bus}
}

// Create mints a new Deployment owned by ownerUserID, encrypting its
// config and secrets with the same envelope the billing bridge uses.
func (s *Service) Create(ctx context.Context, ownerUserID string, req CreateRequest) (*models.Deployment, error) {
	if req.Provider == "" {
		return nil, apierr.Validation("provider is required")
	}
	if req.Name == "" {
		return nil, apierr.Validation("name is required")
	}

	encryptedConfig, err := s.cipher.EncryptJSON(req.Config)
	if err != nil {
		return nil, fmt.Errorf("deployments: encrypt config: %w", err)
	}
	encryptedSecrets, err := s.cipher.EncryptJSON(req.Secrets)
	if err != nil {
		return nil, fmt.Errorf("deployments: encrypt secrets: %w", err)
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	d := &models.Deployment{
		ID:               "dep_" + uuid.New().String(),
		Provider:         req.Provider,
		Name:             dnsname.Normalize(req.Name),
		OwnerUserID:      ownerUserID,
		Metadata:         metadata,
		EncryptedConfig:  encryptedConfig,
		EncryptedSecrets: encryptedSecrets,
	}
	created, err := s.store.CreateDeployment(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("deployments: create: %w", err)
	}
	if err := s.store.AppendDeploymentEvent(ctx, created.ID, models.DepEventQueued, "created by owner request", nil); err != nil {
		return created, fmt.Errorf("deployments: append queued event: %w", err)
	}
	s.publishChanged(ctx, created)
	return created, nil
}

// Get fetches a single deployment, scoped to ownerUserID.
func (s *Service) Get(ctx context.Context, ownerUserID, id string) (*models.Deployment, error) {
	d, err := s.store.GetDeployment(ctx, ownerUserID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound("deployment not found")
		}
		return nil, fmt.Errorf("deployments: get: %w", err)
	}
	return d, nil
}

// List returns every deployment owned by ownerUserID.
func (s *Service) List(ctx context.Context, ownerUserID string) ([]models.Deployment, error) {
	ds, err := s.store.ListDeployments(ctx, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("deployments: list: %w", err)
	}
	return ds, nil
}

// Events returns the audit log for a single owner-scoped deployment.
func (s *Service) Events(ctx context.Context, ownerUserID, id string) ([]models.DeploymentEvent, error) {
	if _, err := s.Get(ctx, ownerUserID, id); err != nil {
		return nil, err
	}
	evs, err := s.store.ListDeploymentEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("deployments: list events: %w", err)
	}
	return evs, nil
}

// Cancel requests cancellation of a deployment on behalf of its owner. A
// pending deployment is canceled immediately; a provisioning or running one
// is flagged for the scheduler's destroy path to pick up.
func (s *Service) Cancel(ctx context.Context, ownerUserID, id string) (*models.Deployment, error) {
	d, err := s.store.RequestCancel(ctx, ownerUserID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound("deployment not found")
		}
		return nil, fmt.Errorf("deployments: cancel: %w", err)
	}
	if err := s.store.AppendDeploymentEvent(ctx, id, models.DepEventCancelRequested, "cancel requested by owner", nil); err != nil {
		return d, fmt.Errorf("deployments: append cancel-requested event: %w", err)
	}
	s.publishChanged(ctx, d)
	return d, nil
}

// Retry resets a failed or canceled deployment with no remaining provider
// handle back to pending, for the scheduler to pick up again.
func (s *Service) Retry(ctx context.Context, ownerUserID, id string) (*models.Deployment, error) {
	d, err := s.store.RetryDeployment(ctx, ownerUserID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound("deployment not found")
		}
		if errors.Is(err, store.ErrIneligibleState) {
			return nil, apierr.Conflict("deployment must be failed or canceled with no remaining provider resources to retry")
		}
		return nil, fmt.Errorf("deployments: retry: %w", err)
	}
	if err := s.store.AppendDeploymentEvent(ctx, id, models.DepEventRetried, "retried by owner", nil); err != nil {
		return d, fmt.Errorf("deployments: append retried event: %w", err)
	}
	s.publishChanged(ctx, d)
	return d, nil
}

func (s *Service) publishChanged(ctx context.Context, d *models.Deployment) {
	if s.bus == nil || d == nil {
		return
	}
	_ = s.bus.Publish(ctx, events.NewEvent(events.EventDeploymentChanged, d.OwnerUserID, map[string]interface{}{
		"deployment_id": d.ID,
		"status":        string(d.Status),
	}))
}
