package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medatlas/collab-gateway/internal/v1/protocol"
)

// jwksFixture hosts a single RSA key behind a TLS JWKS endpoint.
type jwksFixture struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
	domain     string
	client     *http.Client
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	_ = key.Set(jwk.KeyIDKey, "test-kid")
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	_ = key.Set(jwk.KeyUsageKey, "sig")

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/jwks.json" {
			buf, _ := json.Marshal(map[string]interface{}{"keys": []interface{}{key}})
			_, _ = w.Write(buf)
		}
	}))
	t.Cleanup(server.Close)

	u, _ := url.Parse(server.URL)
	return &jwksFixture{
		privateKey: privateKey,
		server:     server,
		domain:     u.Host,
		client:     server.Client(),
	}
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-kid"
	signed, err := token.SignedString(f.privateKey)
	require.NoError(t, err)
	return signed
}

func TestJWKSVerifier_ValidToken(t *testing.T) {
	f := newJWKSFixture(t)

	v, err := NewJWKSVerifier(context.Background(), f.domain, "collab-gateway", jwk.WithHTTPClient(f.client))
	require.NoError(t, err)

	signed := f.sign(t, jwt.MapClaims{
		"iss":                "https://" + f.domain + "/",
		"aud":                "collab-gateway",
		"sub":                "user-1",
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"realm_access":       map[string]any{"roles": []string{"editor"}},
	})

	user, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.UserID)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, []string{"editor"}, user.Roles)
}

func TestJWKSVerifier_ExpiredToken(t *testing.T) {
	f := newJWKSFixture(t)

	v, err := NewJWKSVerifier(context.Background(), f.domain, "collab-gateway", jwk.WithHTTPClient(f.client))
	require.NoError(t, err)

	signed := f.sign(t, jwt.MapClaims{
		"iss":                "https://" + f.domain + "/",
		"aud":                "collab-gateway",
		"sub":                "user-1",
		"preferred_username": "alice",
		"exp":                time.Now().Add(-time.Hour).Unix(),
	})

	_, err = v.Verify(signed)
	require.Error(t, err)
	pe, ok := protocol.AsError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeTokenExpired, pe.Code)
}

// A token signed HS256 with the public key as the HMAC secret must be
// rejected on the signing method, not by attempting verification.
func TestJWKSVerifier_AlgorithmConfusion(t *testing.T) {
	f := newJWKSFixture(t)

	v, err := NewJWKSVerifier(context.Background(), f.domain, "collab-gateway", jwk.WithHTTPClient(f.client))
	require.NoError(t, err)

	token := jwt.New(jwt.SigningMethodHS256)
	token.Header["kid"] = "test-kid"
	token.Claims = jwt.MapClaims{
		"aud":                "collab-gateway",
		"iss":                "https://" + f.domain + "/",
		"sub":                "attacker",
		"preferred_username": "attacker",
		"exp":                time.Now().Add(time.Hour).Unix(),
	}
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.Verify(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method")
}

func TestJWKSVerifier_WrongAudience(t *testing.T) {
	f := newJWKSFixture(t)

	v, err := NewJWKSVerifier(context.Background(), f.domain, "collab-gateway", jwk.WithHTTPClient(f.client))
	require.NoError(t, err)

	signed := f.sign(t, jwt.MapClaims{
		"iss":                "https://" + f.domain + "/",
		"aud":                "some-other-service",
		"sub":                "user-1",
		"preferred_username": "alice",
		"exp":                time.Now().Add(time.Hour).Unix(),
	})

	_, err = v.Verify(signed)
	require.Error(t, err)
	pe, ok := protocol.AsError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidToken, pe.Code)
}

func TestJWKSVerifier_MissingToken(t *testing.T) {
	f := newJWKSFixture(t)

	v, err := NewJWKSVerifier(context.Background(), f.domain, "collab-gateway", jwk.WithHTTPClient(f.client))
	require.NoError(t, err)

	_, err = v.Verify("")
	require.Error(t, err)
	pe, ok := protocol.AsError(err)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeMissingToken, pe.Code)
}
