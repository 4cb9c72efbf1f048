package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crosslogic/deploy-control-plane/internal/apierr"
	"github.com/crosslogic/deploy-control-plane/internal/config"
	"github.com/stretchr/testify/require"
)

func TestDisabledResolverAlwaysReturnsDefaultUser(t *testing.T) {
	r, err := New(config.SecurityConfig{AuthMode: config.AuthDisabled}, "default-user")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	userID, err := r.Resolve(req.Context(), req)
	require.NoError(t, err)
	require.Equal(t, "default-user", userID)
}

func TestTokenResolverAcceptsConfiguredBinding(t *testing.T) {
	sum := sha256.Sum256([]byte("secret-token-value"))
	binding := config.TokenBinding{TokenHashHex: hex.EncodeToString(sum[:]), UserID: "owner-42"}
	r, err := New(config.SecurityConfig{AuthMode: config.AuthToken, TokenBindings: []config.TokenBinding{binding}}, "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret-token-value")
	userID, err := r.Resolve(req.Context(), req)
	require.NoError(t, err)
	require.Equal(t, "owner-42", userID)
}

func TestTokenResolverRejectsUnknownToken(t *testing.T) {
	sum := sha256.Sum256([]byte("secret-token-value"))
	binding := config.TokenBinding{TokenHashHex: hex.EncodeToString(sum[:]), UserID: "owner-42"}
	r, err := New(config.SecurityConfig{AuthMode: config.AuthToken, TokenBindings: []config.TokenBinding{binding}}, "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	_, err = r.Resolve(req.Context(), req)
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.KindAuth, apiErr.Kind)
}

func TestTokenResolverRejectsMissingHeader(t *testing.T) {
	r, err := New(config.SecurityConfig{AuthMode: config.AuthToken, TokenBindings: nil}, "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err = r.Resolve(req.Context(), req)
	require.Error(t, err)
}

func b64url(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func signES256(t *testing.T, key *ecdsa.PrivateKey, kid string, claims map[string]interface{}) string {
	t.Helper()
	header := map[string]interface{}{"alg": "ES256", "typ": "JWT", "kid": kid}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	claimsJSON, err := json.Marshal(claims)
	require.NoError(t, err)
	signingInput := b64url(headerJSON) + "." + b64url(claimsJSON)

	hashed := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, hashed[:])
	require.NoError(t, err)

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return signingInput + "." + b64url(sig)
}

func jwksServerForKey(t *testing.T, pub *ecdsa.PublicKey, kid string) *httptest.Server {
	t.Helper()
	set := jwkSet{Keys: []jwk{{
		Kty: "EC",
		Kid: kid,
		Crv: "P-256",
		X:   b64url(pub.X.Bytes()),
		Y:   b64url(pub.Y.Bytes()),
	}}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(set)
	}))
}

func TestJWTResolverVerifiesValidToken(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	srv := jwksServerForKey(t, &key.PublicKey, "key-1")
	defer srv.Close()

	r, err := New(config.SecurityConfig{
		AuthMode:        config.AuthJWT,
		JWKSURL:         srv.URL,
		JWTIssuer:       "https://issuer.example.test",
		JWTAudience:     "deploy-control-plane",
		JWTSubjectClaim: "sub",
	}, "")
	require.NoError(t, err)

	now := time.Now()
	token := signES256(t, key, "key-1", map[string]interface{}{
		"iss": "https://issuer.example.test",
		"aud": "deploy-control-plane",
		"sub": "owner-77",
		"iat": float64(now.Unix()),
		"exp": float64(now.Add(time.Hour).Unix()),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	userID, err := r.Resolve(req.Context(), req)
	require.NoError(t, err)
	require.Equal(t, "owner-77", userID)
}

func TestJWTResolverRejectsExpiredToken(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	srv := jwksServerForKey(t, &key.PublicKey, "key-1")
	defer srv.Close()

	r, err := New(config.SecurityConfig{AuthMode: config.AuthJWT, JWKSURL: srv.URL}, "")
	require.NoError(t, err)

	now := time.Now()
	token := signES256(t, key, "key-1", map[string]interface{}{
		"sub": "owner-77",
		"iat": float64(now.Add(-2 * time.Hour).Unix()),
		"exp": float64(now.Add(-time.Hour).Unix()),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = r.Resolve(req.Context(), req)
	require.Error(t, err)
}

func TestJWTResolverRejectsWrongIssuer(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	srv := jwksServerForKey(t, &key.PublicKey, "key-1")
	defer srv.Close()

	r, err := New(config.SecurityConfig{AuthMode: config.AuthJWT, JWKSURL: srv.URL, JWTIssuer: "https://expected.example.test"}, "")
	require.NoError(t, err)

	now := time.Now()
	token := signES256(t, key, "key-1", map[string]interface{}{
		"iss": "https://attacker.example.test",
		"sub": "owner-77",
		"iat": float64(now.Unix()),
		"exp": float64(now.Add(time.Hour).Unix()),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = r.Resolve(req.Context(), req)
	require.Error(t, err)
}

func TestJWTResolverRejectsUnknownKid(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	srv := jwksServerForKey(t, &key.PublicKey, "key-1")
	defer srv.Close()

	r, err := New(config.SecurityConfig{AuthMode: config.AuthJWT, JWKSURL: srv.URL}, "")
	require.NoError(t, err)

	now := time.Now()
	token := signES256(t, other, "key-missing", map[string]interface{}{
		"sub": "owner-77",
		"iat": float64(now.Unix()),
		"exp": float64(now.Add(time.Hour).Unix()),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = r.Resolve(req.Context(), req)
	require.Error(t, err)
}
