package provisioner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Simulated is an in-memory Client for local development and tests: it
// never makes a network call, assigning deterministic sequential ids and
// succeeding every step. Grounded on the reference orchestrator's dual-mode
// (API vs. CLI) construction — this is a third mode, "fake", selected the
// same way: a single Client value the scheduler is wired against, swapped
// per environment rather than branched on inside call sites.
type Simulated struct {
	logger  *zap.Logger
	counter atomic.Int64

	mu      sync.Mutex
	servers map[string]bool
}

// NewSimulated builds a Simulated provisioner.
func NewSimulated(logger *zap.Logger) *Simulated {
	return &Simulated{logger: logger, servers: make(map[string]bool)}
}

func (s *Simulated) nextID(prefix string) string {
	n := s.counter.Add(1)
	return fmt.Sprintf("%s-%d", prefix, n)
}

func (s *Simulated) CreateServer(ctx context.Context, p CreateServerParams) (ServerHandle, error) {
	id := s.nextID("srv")
	s.mu.Lock()
	s.servers[id] = true
	s.mu.Unlock()
	s.logger.Info("simulated: server created", zap.String("server_id", id), zap.String("provider", p.Provider), zap.String("name", p.Name))
	return ServerHandle{ServerID: id, ActionID: s.nextID("action")}, nil
}

func (s *Simulated) DeleteServer(ctx context.Context, serverID string) error {
	s.mu.Lock()
	existed := s.servers[serverID]
	delete(s.servers, serverID)
	s.mu.Unlock()
	if !existed {
		return &ErrServerNotFound{ServerID: serverID}
	}
	s.logger.Info("simulated: server deleted", zap.String("server_id", serverID))
	return nil
}

func (s *Simulated) RegisterHostKey(ctx context.Context, serverID string) (string, error) {
	return s.nextID("hostkey"), nil
}

func (s *Simulated) RemoveHostKey(ctx context.Context, hostKeyID string) error {
	return nil
}

func (s *Simulated) WaitForAction(ctx context.Context, actionID string) error {
	return nil
}

func (s *Simulated) FetchPublicIP(ctx context.Context, serverID string) (string, error) {
	n := s.counter.Load()
	return fmt.Sprintf("10.0.%d.%d", (n/256)%256, n%256), nil
}

func (s *Simulated) ProbeSSH(ctx context.Context, publicIP, hostKeyID string) error {
	return nil
}

func (s *Simulated) RunBootstrap(ctx context.Context, publicIP string, env map[string]string) (string, string, error) {
	tailnetURL := fmt.Sprintf("https://%s.tailnet.internal", s.nextID("node"))
	gatewayToken := s.nextID("gwtoken")
	return tailnetURL, gatewayToken, nil
}
