package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/medatlas/collab-gateway/internal/v1/protocol"
)

// jwtClaims carries the identity-provider claim set through golang-jwt's
// parser. jwt.RegisteredClaims supplies exp validation.
type jwtClaims struct {
	PreferredUsername string `json:"preferred_username"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	Email             string `json:"email"`
	PreferredEmail    string `json:"preferred_email"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	jwt.RegisteredClaims
}

// JWKSVerifier validates token signatures against the identity provider's
// published key set, refreshed on an interval, before applying the same
// claim contract as ClaimsVerifier.
type JWKSVerifier struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewJWKSVerifier registers the provider's JWKS endpoint with a refreshing
// cache and performs an initial fetch to ensure connectivity. The issuer is
// derived from the domain.
func NewJWKSVerifier(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*JWKSVerifier, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch once up front so a misconfigured provider fails at boot, not at
	// the first handshake.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		// Reject algorithm-confusion attempts before touching the key set.
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &JWKSVerifier{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// Verify implements TokenVerifier with full signature checking.
func (v *JWKSVerifier) Verify(tokenString string) (*AuthenticatedUser, error) {
	if tokenString == "" {
		return nil, protocol.AuthorizationError(protocol.CodeMissingToken, "authentication token is required")
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwtClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, protocol.AuthorizationError(protocol.CodeTokenExpired, "token has expired").WithCause(err)
		}
		return nil, protocol.AuthorizationError(protocol.CodeInvalidToken, "token verification failed").WithCause(err)
	}
	if !token.Valid {
		return nil, protocol.AuthorizationError(protocol.CodeInvalidToken, "token is invalid")
	}

	claims, ok := token.Claims.(*jwtClaims)
	if !ok {
		return nil, protocol.AuthorizationError(protocol.CodeInvalidToken, "token claims have an unexpected shape")
	}

	exp := int64(0)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Unix()
	}

	// Re-apply the shared contract so both verifiers reject the same tokens.
	tc := tokenClaims{
		Subject:           claims.Subject,
		PreferredUsername: claims.PreferredUsername,
		GivenName:         claims.GivenName,
		FamilyName:        claims.FamilyName,
		Email:             claims.Email,
		PreferredEmail:    claims.PreferredEmail,
		Exp:               exp,
	}
	tc.RealmAccess.Roles = claims.RealmAccess.Roles

	return userFromClaims(tc, time.Now())
}
