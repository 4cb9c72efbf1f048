// Package provisioner is the narrow interface between the scheduler and
// whatever actually creates compute: a cloud API, an SSH bootstrap step, a
// tailnet registration call. The scheduler only ever talks to Client; the
// concrete implementation is swapped per environment.
package provisioner

import (
	"context"
	"fmt"
)

// CreateServerParams is what the scheduler knows about a deployment at the
// moment it leases the provision job: the decrypted intent plus a name
// already reduced to a DNS-safe label.
type CreateServerParams struct {
	Provider string
	Name     string
	Config   map[string]any
}

// ServerHandle identifies the provider-side resources created for a
// deployment. ActionID is the provider's async-operation handle, used by
// WaitForAction; it may be empty for providers whose create call is
// synchronous.
type ServerHandle struct {
	ServerID string
	ActionID string
}

// Client is the provisioning backend contract. Every method is called with
// a lease held by the caller; Client implementations do not themselves
// retry — the scheduler's own retry/backoff policy wraps these calls.
type Client interface {
	// CreateServer requests a new compute instance for a deployment.
	CreateServer(ctx context.Context, p CreateServerParams) (ServerHandle, error)
	// DeleteServer tears down a previously created instance. A provider
	// 404 (already gone) is reported as *ErrServerNotFound, which callers
	// treat as success.
	DeleteServer(ctx context.Context, serverID string) error

	// RegisterHostKey records an SSH host key so future connections can be
	// verified without interactive trust-on-first-use.
	RegisterHostKey(ctx context.Context, serverID string) (hostKeyID string, err error)
	// RemoveHostKey releases a previously registered host key.
	RemoveHostKey(ctx context.Context, hostKeyID string) error

	// WaitForAction blocks until the provider's async operation referenced
	// by actionID completes. A no-op for providers with synchronous create.
	WaitForAction(ctx context.Context, actionID string) error

	// FetchPublicIP returns the instance's public address; an error or an
	// empty result means none is assigned yet, and the scheduler calls again.
	FetchPublicIP(ctx context.Context, serverID string) (string, error)

	// ProbeSSH verifies the instance accepts an SSH connection against the
	// registered host key before bootstrap is attempted.
	ProbeSSH(ctx context.Context, publicIP, hostKeyID string) error

	// RunBootstrap executes the bootstrap script over the established SSH
	// session and returns the tailnet URL and gateway token it produced.
	RunBootstrap(ctx context.Context, publicIP string, env map[string]string) (tailnetURL, gatewayToken string, err error)
}

// ErrServerNotFound is returned by DeleteServer's underlying provider call
// when the instance is already gone; Client implementations translate their
// provider-specific "not found" signal into this sentinel so callers have
// one thing to check regardless of backend.
type ErrServerNotFound struct {
	ServerID string
}

func (e *ErrServerNotFound) Error() string {
	return fmt.Sprintf("provisioner: server %s not found", e.ServerID)
}
