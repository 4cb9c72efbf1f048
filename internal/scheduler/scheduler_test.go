package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/provisioner"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/events"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) (*Scheduler, store.Store, *cipher.Cipher) {
	t.Helper()
	s := store.NewMemory()
	c, err := cipher.New("a-sufficiently-long-test-passphrase")
	require.NoError(t, err)
	logger := zap.NewNop()
	sched := New(s, provisioner.NewSimulated(logger), c, events.NewBus(logger), logger, 10*time.Millisecond, 300)
	return sched, s, c
}

func createPendingDeployment(t *testing.T, s store.Store, c *cipher.Cipher) *models.Deployment {
	t.Helper()
	encConfig, err := c.EncryptJSON(map[string]any{"region": "fsn1"})
	require.NoError(t, err)
	encSecrets, err := c.EncryptJSON(map[string]any{"token": "secret-value"})
	require.NoError(t, err)
	created, err := s.CreateDeployment(context.Background(), &models.Deployment{
		ID:              "dep_test",
		Provider:        "hetzner",
		Name:            "my-box",
		OwnerUserID:     "owner-1",
		Status:          models.DeploymentPending,
		EncryptedConfig: encConfig,
		EncryptedSecrets: encSecrets,
	})
	require.NoError(t, err)
	return created
}

func TestProvisionJobRunsToCompletion(t *testing.T) {
	sched, s, c := newTestScheduler(t)
	d := createPendingDeployment(t, s, c)

	leased, ok, err := s.LeaseProvisionJob(context.Background(), sched.workerID, 60000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.ID, leased.ID)

	sched.runProvision(context.Background(), leased)

	final, err := s.GetDeploymentAny(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeploymentRunning, final.Status)
	require.NotNil(t, final.ServerID)
	require.NotNil(t, final.PublicIP)
	require.NotNil(t, final.TailnetURL)
	require.NotNil(t, final.EncryptedGatewayToken)
	require.Nil(t, final.LeaseOwner)
}

func TestDestroyJobCancelsRunningDeployment(t *testing.T) {
	sched, s, c := newTestScheduler(t)
	d := createPendingDeployment(t, s, c)

	leased, ok, err := s.LeaseProvisionJob(context.Background(), sched.workerID, 60000)
	require.NoError(t, err)
	require.True(t, ok)
	sched.runProvision(context.Background(), leased)

	_, err = s.RequestCancel(context.Background(), d.OwnerUserID, d.ID)
	require.NoError(t, err)

	destroyJob, ok, err := s.LeaseDestroyJob(context.Background(), sched.workerID, 60000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.ID, destroyJob.ID)

	sched.runDestroy(context.Background(), destroyJob)

	final, err := s.GetDeploymentAny(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeploymentCanceled, final.Status)
	require.Nil(t, final.ServerID)
	require.Nil(t, final.HostKeyID)
}

func TestProvisionAbortsIntoCleanupWhenCanceledMidFlight(t *testing.T) {
	sched, s, c := newTestScheduler(t)
	d := createPendingDeployment(t, s, c)

	leased, ok, err := s.LeaseProvisionJob(context.Background(), sched.workerID, 60000)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.RequestCancel(context.Background(), d.OwnerUserID, d.ID)
	require.NoError(t, err)

	sched.runProvision(context.Background(), leased)

	final, err := s.GetDeploymentAny(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeploymentCanceled, final.Status)
	require.Nil(t, final.ServerID)
	require.Nil(t, final.HostKeyID)
	require.Nil(t, final.LeaseOwner)
}

func TestStaleProvisionLeaseWithHandleRequeuesToDestroy(t *testing.T) {
	s := store.NewMemory()
	c, err := cipher.New("a-sufficiently-long-test-passphrase")
	require.NoError(t, err)
	d := createPendingDeployment(t, s, c)

	leased, ok, err := s.LeaseProvisionJob(context.Background(), "worker-dead", 1)
	require.NoError(t, err)
	require.True(t, ok)

	serverID := "srv-leaked"
	require.NoError(t, s.UpdateResourceState(context.Background(), leased.ID, "worker-dead", store.ResourceState{ServerID: &serverID}))

	time.Sleep(5 * time.Millisecond)
	n, err := s.RecoverStaleLeases(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reloaded, err := s.GetDeploymentAny(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeploymentProvisioning, reloaded.Status)
	require.Equal(t, models.TaskDestroy, reloaded.ActiveTask)

	destroyJob, ok, err := s.LeaseDestroyJob(context.Background(), "worker-test", 60000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.ID, destroyJob.ID)
}
