// Package scheduler runs the lease-based deployment job loop: one tick at a
// time recovers stale leases, then leases at most one destroy job and one
// provision job and runs each to completion in its own goroutine, renewing
// its lease on a heartbeat until the job finishes or the lease is lost.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crosslogic/deploy-control-plane/internal/cipher"
	"github.com/crosslogic/deploy-control-plane/internal/provisioner"
	"github.com/crosslogic/deploy-control-plane/internal/store"
	"github.com/crosslogic/deploy-control-plane/pkg/events"
	"github.com/crosslogic/deploy-control-plane/pkg/metrics"
	"github.com/crosslogic/deploy-control-plane/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scheduler owns the background provision/destroy job loop. Grounded on the
// reference orchestrator's ticker-with-select run loop (Start/Stop,
// goroutine-per-tick-cycle) and its heartbeat-renewal idiom, generalized
// from cluster reconciliation to fenced job leasing.
type Scheduler struct {
	store       store.Store
	provisioner provisioner.Client
	cipher      *cipher.Cipher
	bus         *events.Bus
	logger      *zap.Logger

	workerID     string
	tickInterval time.Duration
	leaseMs      int64

	ticking  atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	jobsWg   sync.WaitGroup
}

// New builds a Scheduler whose worker id, worker-<pid>-<uuid>, is unique to
// this process and changes on every restart; leases held by a previous
// process are taken back by RecoverStaleLeases once they expire.
func New(s store.Store, p provisioner.Client, c *cipher.Cipher, bus *events.Bus, logger *zap.Logger, tickInterval time.Duration, leaseMs int64) *Scheduler {
	return &Scheduler{
		store:        s,
		provisioner:  p,
		cipher:       c,
		bus:          bus,
		logger:       logger,
		workerID:     fmt.Sprintf("worker-%d-%s", os.Getpid(), uuid.New().String()),
		tickInterval: tickInterval,
		leaseMs:      leaseMs,
		stopCh:       make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop ends the tick loop and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.jobsWg.Wait()
}

// tick is re-entrancy-guarded: if the previous tick's synchronous portion
// (lease recovery, lease acquisition) is still running, this call is a
// no-op. Leased jobs themselves run in detached goroutines and are not
// waited on here, so a slow job never blocks subsequent ticks from leasing
// other work.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)
	tickStart := time.Now()
	defer func() { metrics.SchedulerTickDuration.Observe(time.Since(tickStart).Seconds()) }()

	if n, err := s.store.RecoverStaleLeases(ctx); err != nil {
		s.logger.Error("failed to recover stale leases", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("recovered stale leases", zap.Int("count", n))
		metrics.StaleLeasesRecoveredTotal.Add(float64(n))
	}

	if d, ok, err := s.store.LeaseDestroyJob(ctx, s.workerID, s.leaseMs); err != nil {
		s.logger.Error("failed to lease destroy job", zap.Error(err))
	} else if ok {
		s.jobsWg.Add(1)
		go func() {
			defer s.jobsWg.Done()
			jobStart := time.Now()
			s.runDestroy(ctx, d)
			s.observeJobDuration("destroy", d.ID, jobStart)
		}()
	}

	if d, ok, err := s.store.LeaseProvisionJob(ctx, s.workerID, s.leaseMs); err != nil {
		s.logger.Error("failed to lease provision job", zap.Error(err))
	} else if ok {
		s.jobsWg.Add(1)
		go func() {
			defer s.jobsWg.Done()
			jobStart := time.Now()
			s.runProvision(ctx, d)
			s.observeJobDuration("provision", d.ID, jobStart)
		}()
	}
}

// observeJobDuration records SchedulerJobDuration for a finished job, using
// the deployment's own terminal status as the outcome label.
func (s *Scheduler) observeJobDuration(jobType, deploymentID string, start time.Time) {
	outcome := "unknown"
	if d, err := s.store.GetDeploymentAny(context.Background(), deploymentID); err == nil {
		outcome = string(d.Status)
	}
	metrics.SchedulerJobDuration.WithLabelValues(jobType, outcome).Observe(time.Since(start).Seconds())
}

// startHeartbeat renews the lease on id at leaseMs/3 cadence until the
// returned stop function is called. A renewal failure (ErrLeaseLost) logs
// and exits quietly — the job's own next store call will observe the same
// fencing error and abort.
func (s *Scheduler) startHeartbeat(ctx context.Context, id string) (stop func()) {
	done := make(chan struct{})
	interval := time.Duration(s.leaseMs/3) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.RenewLease(ctx, id, s.workerID, s.leaseMs); err != nil {
					s.logger.Warn("lease renewal failed", zap.String("deployment_id", id), zap.Error(err))
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (s *Scheduler) publishDeploymentChanged(ctx context.Context, d *models.Deployment) {
	if s.bus == nil || d == nil {
		return
	}
	_ = s.bus.Publish(ctx, events.NewEvent(events.EventDeploymentChanged, d.OwnerUserID, map[string]interface{}{
		"deployment_id": d.ID,
		"status":        string(d.Status),
	}))
}
