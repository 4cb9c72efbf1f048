package scheduler

import (
	"context"
	"errors"

	"github.com/crosslogic/deploy-control-plane/internal/provisioner"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"go.uber.org/zap"
)

// runDestroy tears down a leased deployment's provider resources, then
// resolves it to canceled (if the owner asked for cancellation) or failed
// (if this teardown followed a failed provision attempt). Every step
// tolerates a resource that is already gone — deleting a server or removing
// a host key that doesn't exist counts as success, not an error.
func (s *Scheduler) runDestroy(ctx context.Context, d *models.Deployment) {
	log := s.logger.With(zap.String("deployment_id", d.ID), zap.String("worker_id", s.workerID))
	stopHeartbeat := s.startHeartbeat(ctx, d.ID)
	defer stopHeartbeat()

	if d.HostKeyID != nil {
		if err := s.provisioner.RemoveHostKey(ctx, *d.HostKeyID); err != nil {
			log.Warn("failed to remove host key, continuing teardown", zap.Error(err))
		}
	}
	if d.ServerID != nil {
		if err := s.provisioner.DeleteServer(ctx, *d.ServerID); err != nil {
			var notFound *provisioner.ErrServerNotFound
			if !errors.As(err, &notFound) {
				log.Error("failed to delete server, abandoning lease for retry", zap.Error(err))
				return
			}
		}
	}

	clearState := store.ResourceState{
		ClearServerID:    true,
		ClearServerName:  true,
		ClearPublicIP:    true,
		ClearHostKeyID:   true,
		ClearTailnetURL:  true,
	}
	if err := s.store.UpdateResourceState(ctx, d.ID, s.workerID, clearState); err != nil {
		log.Error("failed to clear resource state, abandoning lease", zap.Error(err))
		return
	}

	var err error
	var eventType models.DeploymentEventType
	var message string
	if d.CancelRequestedAt != nil {
		err = s.store.MarkCanceledFromDestroy(ctx, d.ID, s.workerID)
		eventType, message = models.DepEventCanceledDestroy, "canceled by owner request"
	} else {
		message = "torn down after provisioning could not complete"
		if d.ErrorMessage != nil && *d.ErrorMessage != "" {
			message = *d.ErrorMessage
		}
		err = s.store.MarkDeploymentFailed(ctx, d.ID, s.workerID, message)
		eventType = models.DepEventFailed
	}
	if err != nil {
		log.Error("failed to finalize destroy", zap.Error(err))
		return
	}
	if err := s.store.AppendDeploymentEvent(ctx, d.ID, eventType, message, nil); err != nil {
		log.Warn("failed to append destroy-completion event", zap.Error(err))
	}
	if updated, err := s.store.GetDeploymentAny(ctx, d.ID); err == nil {
		s.publishDeploymentChanged(ctx, updated)
	}
	log.Info("deployment destroy complete")
}
