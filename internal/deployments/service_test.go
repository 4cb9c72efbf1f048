package deployments

import (
	"context"
	"testing"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/events"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s := store.NewMemory()
	c, err := cipher.New("a-sufficiently-long-test-passphrase")
	require.NoError(t, err)
	return New(s, c, events.NewBus(zap.NewNop())), s
}

func TestCreateNormalizesNameAndEncryptsPayload(t *testing.T) {
	svc, s := newTestService(t)
	d, err := svc.Create(context.Background(), "owner-1", CreateRequest{
		Provider: "hetzner",
		Name:     "My Box!!",
		Config:   map[string]any{"region": "fsn1"},
		Secrets:  map[string]any{"token": "abc"},
	})
	require.NoError(t, err)
	require.Equal(t, "my-box", d.Name)
	require.NotEmpty(t, d.EncryptedConfig)
	require.NotContains(t, d.EncryptedConfig, "fsn1")

	fetched, err := s.GetDeployment(context.Background(), "owner-1", d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeploymentPending, fetched.Status)
}

func TestGetIsOwnerScoped(t *testing.T) {
	svc, _ := newTestService(t)
	d, err := svc.Create(context.Background(), "owner-1", CreateRequest{Provider: "hetzner", Name: "box"})
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), "owner-2", d.ID)
	require.Error(t, err)

	got, err := svc.Get(context.Background(), "owner-1", d.ID)
	require.NoError(t, err)
	require.Equal(t, d.ID, got.ID)
}

func TestCancelPendingDeploymentIsImmediate(t *testing.T) {
	svc, _ := newTestService(t)
	d, err := svc.Create(context.Background(), "owner-1", CreateRequest{Provider: "hetzner", Name: "box"})
	require.NoError(t, err)

	canceled, err := svc.Cancel(context.Background(), "owner-1", d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeploymentCanceled, canceled.Status)
}

func TestRetryResetsFailedDeploymentWithNoHandle(t *testing.T) {
	svc, s := newTestService(t)
	d, err := svc.Create(context.Background(), "owner-1", CreateRequest{Provider: "hetzner", Name: "box"})
	require.NoError(t, err)
	leased, ok, err := s.LeaseProvisionJob(context.Background(), "worker-x", 60000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.ID, leased.ID)
	require.NoError(t, s.MarkDeploymentFailed(context.Background(), d.ID, "worker-x", "boom"))

	retried, err := svc.Retry(context.Background(), "owner-1", d.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeploymentPending, retried.Status)
}

func TestRetryOnRunningDeploymentIsConflict(t *testing.T) {
	svc, s := newTestService(t)
	d, err := svc.Create(context.Background(), "owner-1", CreateRequest{Provider: "hetzner", Name: "box"})
	require.NoError(t, err)
	leased, ok, err := s.LeaseProvisionJob(context.Background(), "worker-x", 60000)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.ID, leased.ID)
	require.NoError(t, s.MarkRunning(context.Background(), d.ID, "worker-x", "", "ciphertext"))

	_, err = svc.Retry(context.Background(), "owner-1", d.ID)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.KindConflict, apiErr.Kind)
}
