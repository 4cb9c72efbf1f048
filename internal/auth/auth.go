// Package auth resolves an inbound HTTP request to an owning user id. It
// supports three modes selected by config.SecurityConfig.AuthMode: a fixed
// default identity for local/dev use, a bearer-token lookup against a
// configured set of token hashes, and JWKS-verified JWT bearer tokens.
// Grounded on the reference gateway's adminAuthMiddleware constant-time
// token comparison, generalized from one hardcoded admin token to a list of
// bindings, plus a JWT mode the reference gateway has no equivalent for.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/config"
)

// Resolver maps an incoming request to the user id that owns whatever it
// touches. Resolve returns an *apierr.Error (KindAuth or KindAuthUnavailable)
// on failure so gateway handlers can write it directly.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (userID string, err error)
}

// New builds the Resolver configured by cfg. defaultUserID is the identity
// returned in AuthDisabled mode.
func New(cfg config.SecurityConfig, defaultUserID string) (Resolver, error) {
	switch cfg.AuthMode {
	case config.AuthDisabled:
		return disabledResolver{userID: defaultUserID}, nil
	case config.AuthToken:
		return newTokenResolver(cfg.TokenBindings), nil
	case config.AuthJWT:
		return newJWTResolver(cfg)
	default:
		return nil, apierr.Internal("unknown auth mode: " + string(cfg.AuthMode))
	}
}

// disabledResolver always resolves to the same fixed user; used for local
// development and single-tenant deployments that sit behind their own edge
// authentication.
type disabledResolver struct {
	userID string
}

func (d disabledResolver) Resolve(ctx context.Context, r *http.Request) (string, error) {
	return d.userID, nil
}

// tokenResolver hashes the bearer token presented in the Authorization
// header and compares it, in constant time, against every configured
// binding. There is no index by design: the binding set is expected to be
// small (operator-issued tokens), and a linear constant-time scan avoids
// leaking which entries exist via timing.
type tokenResolver struct {
	bindings []config.TokenBinding
}

func newTokenResolver(bindings []config.TokenBinding) *tokenResolver {
	return &tokenResolver{bindings: bindings}
}

func (t *tokenResolver) Resolve(ctx context.Context, r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", apierr.Unauthorized("missing bearer token")
	}
	sum := sha256.Sum256([]byte(token))
	hashHex := hex.EncodeToString(sum[:])

	var matchedUserID string
	matched := 0
	for _, b := range t.bindings {
		if subtle.ConstantTimeCompare([]byte(hashHex), []byte(b.TokenHashHex)) == 1 {
			matched = 1
			matchedUserID = b.UserID
		}
	}
	if matched == 0 {
		return "", apierr.Unauthorized("invalid bearer token")
	}
	return matchedUserID, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}
