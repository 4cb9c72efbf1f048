package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/deploy-control-plane/internal/provisioner"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"go.uber.org/zap"
)

const sshProbeAttempts = 5

// errProvisionCanceled signals that the cancel flag was observed mid-protocol;
// it is never wrapped in an error shown to a user, only used to route
// runProvision into cleanupCanceledProvision instead of abandoning the lease.
var errProvisionCanceled = errors.New("scheduler: provision canceled mid-flight")

// runProvision carries a leased deployment from pending through the full
// provision protocol: create the instance, wait for it to come up, fetch its
// address, register its host key, probe SSH, run bootstrap, and mark it
// running. Any failure after a server handle exists abandons the lease
// rather than marking the deployment failed directly, so the next tick's
// RecoverStaleLeases converts it into a destroy job instead of leaking the
// instance. Before every external side effect, the cancel flag is re-read
// live from the store; if set, the protocol aborts into
// cleanupCanceledProvision instead of continuing to provision a VM the
// owner asked to tear down.
func (s *Scheduler) runProvision(ctx context.Context, d *models.Deployment) {
	log := s.logger.With(zap.String("deployment_id", d.ID), zap.String("worker_id", s.workerID))
	stopHeartbeat := s.startHeartbeat(ctx, d.ID)
	defer stopHeartbeat()

	if err := s.store.AppendDeploymentEvent(ctx, d.ID, models.DepEventLeased, "leased for provisioning", nil); err != nil {
		log.Warn("failed to append leased event", zap.Error(err))
	}

	if s.cancelRequested(ctx, d.ID) {
		s.cleanupCanceledProvision(ctx, d.ID)
		return
	}

	var config map[string]any
	if err := s.cipher.DecryptJSON(d.EncryptedConfig, &config); err != nil {
		log.Error("failed to decrypt deployment config", zap.Error(err))
		s.failFast(ctx, d, "stored configuration cannot be decrypted")
		return
	}

	handle, err := s.provisioner.CreateServer(ctx, provisioner.CreateServerParams{
		Provider: d.Provider,
		Name:     d.Name,
		Config:   config,
	})
	if err != nil {
		log.Error("failed to create server", zap.Error(err))
		s.failFast(ctx, d, "failed to create server")
		return
	}

	serverID := handle.ServerID
	if err := s.store.UpdateResourceState(ctx, d.ID, s.workerID, store.ResourceState{ServerID: &serverID}); err != nil {
		log.Error("failed to persist server id, abandoning lease", zap.Error(err))
		return
	}

	if s.cancelRequested(ctx, d.ID) {
		s.cleanupCanceledProvision(ctx, d.ID)
		return
	}

	if handle.ActionID != "" {
		if err := s.provisioner.WaitForAction(ctx, handle.ActionID); err != nil {
			log.Error("provider action failed, abandoning lease", zap.Error(err))
			return
		}
	}

	if s.cancelRequested(ctx, d.ID) {
		s.cleanupCanceledProvision(ctx, d.ID)
		return
	}

	publicIP, err := s.retryFetchPublicIP(ctx, d.ID, serverID)
	if err != nil {
		if errors.Is(err, errProvisionCanceled) {
			s.cleanupCanceledProvision(ctx, d.ID)
			return
		}
		log.Error("failed to fetch public ip, abandoning lease", zap.Error(err))
		return
	}
	if err := s.store.UpdateResourceState(ctx, d.ID, s.workerID, store.ResourceState{PublicIP: &publicIP}); err != nil {
		log.Error("failed to persist public ip, abandoning lease", zap.Error(err))
		return
	}

	if s.cancelRequested(ctx, d.ID) {
		s.cleanupCanceledProvision(ctx, d.ID)
		return
	}

	hostKeyID, err := s.provisioner.RegisterHostKey(ctx, serverID)
	if err != nil {
		log.Error("failed to register host key, abandoning lease", zap.Error(err))
		return
	}
	if err := s.store.UpdateResourceState(ctx, d.ID, s.workerID, store.ResourceState{HostKeyID: &hostKeyID}); err != nil {
		log.Error("failed to persist host key id, abandoning lease", zap.Error(err))
		return
	}

	if err := s.retryProbeSSH(ctx, d.ID, publicIP, hostKeyID); err != nil {
		if errors.Is(err, errProvisionCanceled) {
			s.cleanupCanceledProvision(ctx, d.ID)
			return
		}
		log.Error("ssh probe never succeeded, abandoning lease", zap.Error(err))
		return
	}

	if s.cancelRequested(ctx, d.ID) {
		s.cleanupCanceledProvision(ctx, d.ID)
		return
	}

	var secrets map[string]any
	if err := s.cipher.DecryptJSON(d.EncryptedSecrets, &secrets); err != nil {
		log.Error("failed to decrypt deployment secrets, abandoning lease", zap.Error(err))
		return
	}
	bootstrapEnv := make(map[string]string, len(secrets))
	for k, v := range secrets {
		bootstrapEnv[k] = fmt.Sprintf("%v", v)
	}

	tailnetURL, gatewayToken, err := s.provisioner.RunBootstrap(ctx, publicIP, bootstrapEnv)
	if err != nil {
		log.Error("bootstrap failed, abandoning lease", zap.Error(err))
		return
	}

	if s.cancelRequested(ctx, d.ID) {
		s.cleanupCanceledProvision(ctx, d.ID)
		return
	}

	encryptedGatewayToken, err := s.cipher.EncryptString(gatewayToken)
	if err != nil {
		log.Error("failed to encrypt gateway token, abandoning lease", zap.Error(err))
		return
	}

	if err := s.store.MarkRunning(ctx, d.ID, s.workerID, tailnetURL, encryptedGatewayToken); err != nil {
		log.Error("failed to mark deployment running", zap.Error(err))
		return
	}
	if err := s.store.AppendDeploymentEvent(ctx, d.ID, models.DepEventRunning, "provisioning complete", nil); err != nil {
		log.Warn("failed to append running event", zap.Error(err))
	}
	if updated, err := s.store.GetDeploymentAny(ctx, d.ID); err == nil {
		s.publishDeploymentChanged(ctx, updated)
	}
	log.Info("deployment provisioned", zap.String("public_ip", publicIP))
}

// cancelRequested re-reads id live and reports whether its owner has asked
// for cancellation since the lease was granted. A read failure is logged
// and treated as "not canceled" — the next cancel check, or stale-lease
// recovery, will catch it instead of spuriously aborting a healthy run.
func (s *Scheduler) cancelRequested(ctx context.Context, id string) bool {
	d, err := s.store.GetDeploymentAny(ctx, id)
	if err != nil {
		s.logger.Warn("failed to check cancel flag, proceeding", zap.String("deployment_id", id), zap.Error(err))
		return false
	}
	return d.CancelRequestedAt != nil
}

// failFast marks the deployment failed directly. Only safe to call before
// any provider resource handle has been recorded — once a server exists,
// cleanup must go through the destroy path instead.
func (s *Scheduler) failFast(ctx context.Context, d *models.Deployment, message string) {
	if err := s.store.MarkDeploymentFailed(ctx, d.ID, s.workerID, message); err != nil {
		s.logger.Error("failed to mark deployment failed", zap.String("deployment_id", d.ID), zap.Error(err))
		return
	}
	if err := s.store.AppendDeploymentEvent(ctx, d.ID, models.DepEventFailed, message, nil); err != nil {
		s.logger.Warn("failed to append failed event", zap.String("deployment_id", d.ID), zap.Error(err))
	}
	if updated, err := s.store.GetDeploymentAny(ctx, d.ID); err == nil {
		s.publishDeploymentChanged(ctx, updated)
	}
}

// cleanupCanceledProvision tears down whatever provider resources this
// provision attempt has attached so far, in place, without handing the
// deployment off to a separately-leased destroy job. A clean teardown
// resolves to markCanceledFromProvisioning; any cleanup error resolves to
// markFailed with the composed error, per spec §4.2's cleanup path.
func (s *Scheduler) cleanupCanceledProvision(ctx context.Context, id string) {
	log := s.logger.With(zap.String("deployment_id", id), zap.String("worker_id", s.workerID))

	current, err := s.store.GetDeploymentAny(ctx, id)
	if err != nil {
		log.Error("failed to re-read deployment for cancel cleanup, abandoning lease", zap.Error(err))
		return
	}

	var errs []string
	if current.HostKeyID != nil {
		if err := s.provisioner.RemoveHostKey(ctx, *current.HostKeyID); err != nil {
			log.Warn("failed to remove host key during cancel cleanup", zap.Error(err))
			errs = append(errs, fmt.Sprintf("remove host key: %v", err))
		}
	}
	if current.ServerID != nil {
		if err := s.provisioner.DeleteServer(ctx, *current.ServerID); err != nil {
			var notFound *provisioner.ErrServerNotFound
			if !errors.As(err, &notFound) {
				log.Warn("failed to delete server during cancel cleanup", zap.Error(err))
				errs = append(errs, fmt.Sprintf("delete server: %v", err))
			}
		}
	}

	clearState := store.ResourceState{
		ClearServerID:   true,
		ClearServerName: true,
		ClearPublicIP:   true,
		ClearHostKeyID:  true,
		ClearTailnetURL: true,
	}
	if err := s.store.UpdateResourceState(ctx, id, s.workerID, clearState); err != nil {
		log.Error("failed to clear resource state after cancel, abandoning lease", zap.Error(err))
		return
	}

	if len(errs) == 0 {
		if err := s.store.MarkCanceledFromProvisioning(ctx, id, s.workerID); err != nil {
			log.Error("failed to finalize cancel", zap.Error(err))
			return
		}
		if err := s.store.AppendDeploymentEvent(ctx, id, models.DepEventCanceledProvision, "canceled by owner request during provisioning", nil); err != nil {
			log.Warn("failed to append canceled event", zap.Error(err))
		}
	} else {
		message := strings.Join(errs, "; ")
		if err := s.store.MarkDeploymentFailed(ctx, id, s.workerID, message); err != nil {
			log.Error("failed to mark deployment failed after cancel cleanup error", zap.Error(err))
			return
		}
		if err := s.store.AppendDeploymentEvent(ctx, id, models.DepEventFailed, message, nil); err != nil {
			log.Warn("failed to append failed event", zap.Error(err))
		}
	}

	if updated, err := s.store.GetDeploymentAny(ctx, id); err == nil {
		s.publishDeploymentChanged(ctx, updated)
	}
	log.Info("provision canceled mid-flight, cleanup complete")
}

func (s *Scheduler) retryFetchPublicIP(ctx context.Context, deploymentID, serverID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < sshProbeAttempts; attempt++ {
		if s.cancelRequested(ctx, deploymentID) {
			return "", errProvisionCanceled
		}
		ip, err := s.provisioner.FetchPublicIP(ctx, serverID)
		if err == nil && ip != "" {
			return ip, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return "", fmt.Errorf("scheduler: public ip never became available: %w", lastErr)
}

func (s *Scheduler) retryProbeSSH(ctx context.Context, deploymentID, publicIP, hostKeyID string) error {
	var lastErr error
	for attempt := 0; attempt < sshProbeAttempts; attempt++ {
		if s.cancelRequested(ctx, deploymentID) {
			return errProvisionCanceled
		}
		if err := s.provisioner.ProbeSSH(ctx, publicIP, hostKeyID); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("scheduler: ssh never became reachable: %w", lastErr)
}
